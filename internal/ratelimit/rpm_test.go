package ratelimit_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/llm-relay/internal/ratelimit"
)

func newLimiter(t *testing.T, rpm int) (*ratelimit.RPMLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return ratelimit.NewRPMLimiter(rdb, rpm), mr
}

func TestRPMLimiterAllowsWithinBudget(t *testing.T) {
	limiter, _ := newLimiter(t, 4)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		allowed, err := limiter.Allow(ctx, "203.0.113.7")
		if err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
		if !allowed {
			t.Fatalf("request %d blocked inside the budget", i+1)
		}
	}
}

func TestRPMLimiterBlocksWhenBudgetSpent(t *testing.T) {
	limiter, _ := newLimiter(t, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, err := limiter.Allow(ctx, "203.0.113.7")
		if err != nil || !allowed {
			t.Fatalf("request %d: allowed=%v err=%v", i+1, allowed, err)
		}
	}

	allowed, err := limiter.Allow(ctx, "203.0.113.7")
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if allowed {
		t.Fatal("third request allowed past a budget of 2")
	}
}

func TestRPMLimiterKeepsClientsSeparate(t *testing.T) {
	limiter, _ := newLimiter(t, 1)
	ctx := context.Background()

	if allowed, _ := limiter.Allow(ctx, "203.0.113.7"); !allowed {
		t.Fatal("first client's first request blocked")
	}
	if allowed, _ := limiter.Allow(ctx, "203.0.113.7"); allowed {
		t.Fatal("first client allowed past its budget")
	}
	if allowed, _ := limiter.Allow(ctx, "198.51.100.9"); !allowed {
		t.Fatal("second client charged for the first client's traffic")
	}
}

func TestRPMLimiterFailsOpenWithoutRedis(t *testing.T) {
	limiter, mr := newLimiter(t, 1)
	mr.Close()

	allowed, err := limiter.Allow(context.Background(), "203.0.113.7")
	if !allowed {
		t.Fatal("request blocked while Redis is down")
	}
	if err == nil {
		t.Fatal("expected the outage to be reported alongside the allow")
	}
}

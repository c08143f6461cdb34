package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

// newTestRedis starts a miniredis server and returns a RedisCache backed by
// it plus the server for clock control.
func newTestRedis(t *testing.T, maxEntries int) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	c, err := NewRedisCacheFromURL(context.Background(), "redis://"+mr.Addr(), maxEntries)
	if err != nil {
		t.Fatalf("NewRedisCacheFromURL: %v", err)
	}

	t.Cleanup(func() { _ = c.Close() })

	return c, mr
}

func TestRedisGetMiss(t *testing.T) {
	c, _ := newTestRedis(t, 0)

	data, ok := c.Get(context.Background(), "nonexistent-key")
	if ok {
		t.Fatal("expected cache miss, got hit")
	}
	if data != nil {
		t.Fatalf("expected nil data on miss, got %v", data)
	}
}

func TestRedisSetAndGetHit(t *testing.T) {
	c, _ := newTestRedis(t, 0)

	key := "mock-key"
	want := []byte(`{"answer":42}`)

	if err := c.Set(context.Background(), key, want, time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, ok := c.Get(context.Background(), key)
	if !ok {
		t.Fatal("expected cache hit, got miss")
	}
	if string(got) != string(want) {
		t.Fatalf("Get returned %q, want %q", got, want)
	}
}

// TestRedisTTLIsSet verifies that the TTL is actually stored by advancing
// miniredis time past the TTL and confirming the key expires.
func TestRedisTTLIsSet(t *testing.T) {
	c, mr := newTestRedis(t, 0)

	key := "ttl-key"
	ttl := 10 * time.Second

	if err := c.Set(context.Background(), key, []byte("payload"), ttl); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if _, ok := c.Get(context.Background(), key); !ok {
		t.Fatal("key should exist before TTL expires")
	}

	mr.FastForward(ttl + time.Second)

	if _, ok := c.Get(context.Background(), key); ok {
		t.Fatal("key should have expired after TTL")
	}
}

// TestRedisZeroTTLNotStored verifies that a non-positive TTL stores nothing.
func TestRedisZeroTTLNotStored(t *testing.T) {
	c, _ := newTestRedis(t, 0)

	if err := c.Set(context.Background(), "zero", []byte("x"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, ok := c.Get(context.Background(), "zero"); ok {
		t.Fatal("zero TTL entry should not be stored")
	}
	if got := c.Len(context.Background()); got != 0 {
		t.Errorf("Len = %d, want 0", got)
	}
}

// TestRedisCapacityTrim verifies that inserts past maxEntries evict the
// oldest entries according to the recency index.
func TestRedisCapacityTrim(t *testing.T) {
	c, _ := newTestRedis(t, 3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("key-%d", i)
		if err := c.Set(ctx, key, []byte("v"), time.Hour); err != nil {
			t.Fatalf("Set %s: %v", key, err)
		}
	}

	if got := c.Len(ctx); got != 3 {
		t.Fatalf("Len = %d, want 3 after trim", got)
	}

	// The two oldest must be gone; the three newest must remain.
	for i := 0; i < 2; i++ {
		if _, ok := c.Get(ctx, fmt.Sprintf("key-%d", i)); ok {
			t.Errorf("key-%d should have been trimmed", i)
		}
	}
	for i := 2; i < 5; i++ {
		if _, ok := c.Get(ctx, fmt.Sprintf("key-%d", i)); !ok {
			t.Errorf("key-%d should have survived the trim", i)
		}
	}
}

// TestRedisGetRefreshesRecency verifies that a read protects an entry from
// the next trim.
func TestRedisGetRefreshesRecency(t *testing.T) {
	c, _ := newTestRedis(t, 2)
	ctx := context.Background()

	_ = c.Set(ctx, "a", []byte("1"), time.Hour)
	time.Sleep(2 * time.Millisecond)
	_ = c.Set(ctx, "b", []byte("2"), time.Hour)
	time.Sleep(2 * time.Millisecond)

	// Touch "a" so "b" becomes the oldest.
	if _, ok := c.Get(ctx, "a"); !ok {
		t.Fatal("expected hit on a")
	}
	time.Sleep(2 * time.Millisecond)

	_ = c.Set(ctx, "c", []byte("3"), time.Hour)

	if _, ok := c.Get(ctx, "b"); ok {
		t.Error("b should have been trimmed as least recently used")
	}
	if _, ok := c.Get(ctx, "a"); !ok {
		t.Error("a should have survived the trim")
	}
}

func TestRedisDelete(t *testing.T) {
	c, _ := newTestRedis(t, 0)

	key := "delete-key"
	if err := c.Set(context.Background(), key, []byte("to-be-deleted"), time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if err := c.Delete(context.Background(), key); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, ok := c.Get(context.Background(), key); ok {
		t.Fatal("key should be gone after Delete")
	}
	if got := c.Len(context.Background()); got != 0 {
		t.Errorf("recency index should be empty, Len = %d", got)
	}
}

func TestRedisClear(t *testing.T) {
	c, _ := newTestRedis(t, 0)
	ctx := context.Background()

	_ = c.Set(ctx, "a", []byte("1"), time.Hour)
	_ = c.Set(ctx, "b", []byte("2"), time.Hour)

	if err := c.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	if _, ok := c.Get(ctx, "a"); ok {
		t.Error("a should be gone after Clear")
	}
	if got := c.Len(ctx); got != 0 {
		t.Errorf("Len after Clear = %d, want 0", got)
	}
}

// TestRedisGracefulDegradationGet verifies that Get returns (nil, false)
// when Redis is unreachable instead of panicking or surfacing an error.
func TestRedisGracefulDegradationGet(t *testing.T) {
	mr := miniredis.RunT(t)

	c, err := NewRedisCacheFromURL(context.Background(), "redis://"+mr.Addr(), 0)
	if err != nil {
		t.Fatalf("NewRedisCacheFromURL: %v", err)
	}
	defer func() { _ = c.Close() }()

	mr.Close()

	data, ok := c.Get(context.Background(), "any-key")
	if ok {
		t.Fatal("expected miss when Redis is down, got hit")
	}
	if data != nil {
		t.Fatalf("expected nil data when Redis is down, got %v", data)
	}
}

// TestRedisGracefulDegradationSet verifies that Set returns nil (not an
// error) when Redis is unreachable so the relay request is not aborted.
func TestRedisGracefulDegradationSet(t *testing.T) {
	mr := miniredis.RunT(t)

	c, err := NewRedisCacheFromURL(context.Background(), "redis://"+mr.Addr(), 0)
	if err != nil {
		t.Fatalf("NewRedisCacheFromURL: %v", err)
	}
	defer func() { _ = c.Close() }()

	mr.Close()

	if err := c.Set(context.Background(), "any-key", []byte("value"), time.Hour); err != nil {
		t.Fatalf("Set must return nil on Redis error for graceful degradation, got: %v", err)
	}
}

func TestRedisInvalidURL(t *testing.T) {
	_, err := NewRedisCacheFromURL(context.Background(), "not-a-valid-url", 0)
	if err == nil {
		t.Fatal("expected error for invalid URL, got nil")
	}
}

// TestRedisImplementsInterface is a compile-time assertion that RedisCache
// satisfies the Cache interface.
func TestRedisImplementsInterface(t *testing.T) {
	var _ Cache = (*RedisCache)(nil)
}

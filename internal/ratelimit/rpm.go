// Package ratelimit enforces per-client request budgets backed by Redis.
//
// Each client gets an independent sliding one-minute window stored as a
// sorted set of request timestamps. The trim-check-record step runs as a
// single Lua script so concurrent surfaces never double-count a request.
package ratelimit

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// window is the span every budget is measured over.
const window = time.Minute

// reserveScript drops entries older than the window, then records the
// request only if the client still has budget left.
// KEYS[1] = per-client sorted set
// ARGV[1] = now (ms)
// ARGV[2] = window (ms)
// ARGV[3] = budget
// ARGV[4] = unique member for this request
// Returns 1 when the request was recorded, 0 when the budget is spent.
var reserveScript = redis.NewScript(`
	local now    = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])
	local budget = tonumber(ARGV[3])

	redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
	if redis.call('ZCARD', KEYS[1]) >= budget then
		return 0
	end

	redis.call('ZADD', KEYS[1], now, ARGV[4])
	redis.call('PEXPIRE', KEYS[1], window)
	return 1
`)

// RPMLimiter caps how many requests each client may make per minute.
// Clients are keyed by remote address, so one chatty client cannot starve
// the rest.
type RPMLimiter struct {
	rdb *redis.Client
	rpm int
	seq atomic.Uint64
}

// NewRPMLimiter builds a limiter that allows rpm requests per client per
// minute. rpm must be > 0; values ≤ 0 block every request.
func NewRPMLimiter(rdb *redis.Client, rpm int) *RPMLimiter {
	return &RPMLimiter{rdb: rdb, rpm: rpm}
}

// Allow reports whether the client (typically the remote IP) has budget for
// one more request. When Redis is unreachable the limiter fails open: the
// request is allowed and the error is returned so the caller can count the
// outage.
func (l *RPMLimiter) Allow(ctx context.Context, client string) (bool, error) {
	now := time.Now().UnixMilli()
	member := strconv.FormatInt(now, 10) + "-" + strconv.FormatUint(l.seq.Add(1), 10)

	n, err := reserveScript.Run(ctx, l.rdb,
		[]string{"relay:rpm:" + client},
		now, window.Milliseconds(), l.rpm, member,
	).Int()
	if err != nil {
		return true, err
	}
	return n == 1, nil
}

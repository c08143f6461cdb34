package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultCacheTimeout = 500 * time.Millisecond
	defaultKeyPrefix    = "relay:response:"
)

// RedisCache is a Redis-backed cache that implements the Cache interface.
// Every replica pointed at the same Redis shares one entry set.
//
// Capacity is enforced through a sorted-set recency index: reads and writes
// stamp the entry's score with the current time, and writes that push the
// index past maxEntries delete the oldest members.
//
// All operations degrade gracefully when Redis is unavailable:
//   - Get returns (nil, false) on any error.
//   - Set returns nil even on error (silent degradation keeps the relay alive).
//   - Delete and Clear return the underlying error so callers can log it.
type RedisCache struct {
	client       *redis.Client
	queryTimeout time.Duration
	maxEntries   int
	keyPrefix    string
	recencyKey   string
}

// NewRedisCacheFromClient wraps an existing Redis client. The caller owns the
// client lifecycle (creation and Close). maxEntries 0 means unbounded.
func NewRedisCacheFromClient(redisCli *redis.Client, maxEntries int) *RedisCache {
	return &RedisCache{
		client:       redisCli,
		queryTimeout: defaultCacheTimeout,
		maxEntries:   maxEntries,
		keyPrefix:    defaultKeyPrefix,
		recencyKey:   defaultKeyPrefix + "recency",
	}
}

// NewRedisCacheFromURL parses redisURL, creates a Redis client, verifies the
// connection with a PING, and returns a RedisCache. Returns an error if the
// URL is invalid or the initial ping fails.
func NewRedisCacheFromURL(ctx context.Context, redisURL string, maxEntries int) (*RedisCache, error) {
	if ctx == nil {
		return nil, fmt.Errorf("cache: context must not be nil")
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("cache: parse url: %w", err)
	}

	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("cache: ping: %w", err)
	}

	return NewRedisCacheFromClient(cli, maxEntries), nil
}

// Get retrieves the value for key and refreshes its recency score.
// Returns (data, true) on a hit and (nil, false) on a miss or any error.
// Redis errors are logged at WARN level but not propagated.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	val, err := c.client.Get(ctx, c.keyPrefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.WarnContext(ctx, "cache_get_error",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
		return nil, false
	}

	c.touch(ctx, key)
	return val, true
}

// Set stores value under key with the given TTL and trims the recency index
// back to maxEntries. A zero or negative ttl means the entry is not stored.
// Returns nil even on Redis error.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	if err := c.client.Set(ctx, c.keyPrefix+key, value, ttl).Err(); err != nil {
		slog.WarnContext(ctx, "cache_set_error",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return nil
	}

	c.touch(ctx, key)
	c.trim(ctx)
	return nil
}

// Delete removes key and its recency entry.
// Returns the underlying error so callers can decide how to handle it.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	if err := c.client.Del(ctx, c.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("cache: DEL %s: %w", key, err)
	}
	if err := c.client.ZRem(ctx, c.recencyKey, key).Err(); err != nil {
		return fmt.Errorf("cache: ZREM %s: %w", key, err)
	}

	return nil
}

// Clear removes every cached entry tracked by the recency index. Keys
// belonging to other applications in the same database are untouched.
func (c *RedisCache) Clear(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	members, err := c.client.ZRange(ctx, c.recencyKey, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("cache: ZRANGE: %w", err)
	}

	for _, m := range members {
		if err := c.client.Del(ctx, c.keyPrefix+m).Err(); err != nil {
			return fmt.Errorf("cache: DEL %s: %w", m, err)
		}
	}

	if err := c.client.Del(ctx, c.recencyKey).Err(); err != nil {
		return fmt.Errorf("cache: DEL recency index: %w", err)
	}
	return nil
}

// Len returns the entry count according to the recency index. Entries whose
// TTL expired but have not been trimmed yet are still counted.
func (c *RedisCache) Len(ctx context.Context) int {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	n, err := c.client.ZCard(ctx, c.recencyKey).Result()
	if err != nil {
		return 0
	}
	return int(n)
}

// Close releases the Redis connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// touch stamps key with the current time in the recency index. Best effort.
func (c *RedisCache) touch(ctx context.Context, key string) {
	score := float64(time.Now().UnixNano())
	if err := c.client.ZAdd(ctx, c.recencyKey, redis.Z{Score: score, Member: key}).Err(); err != nil {
		slog.WarnContext(ctx, "cache_touch_error",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}

// trim evicts the oldest entries until the index is back at maxEntries.
func (c *RedisCache) trim(ctx context.Context) {
	if c.maxEntries <= 0 {
		return
	}

	count, err := c.client.ZCard(ctx, c.recencyKey).Result()
	if err != nil || int(count) <= c.maxEntries {
		return
	}

	overflow := int64(count) - int64(c.maxEntries)
	oldest, err := c.client.ZRange(ctx, c.recencyKey, 0, overflow-1).Result()
	if err != nil {
		return
	}

	for _, m := range oldest {
		_ = c.client.Del(ctx, c.keyPrefix+m).Err()
	}
	_ = c.client.ZRemRangeByRank(ctx, c.recencyKey, 0, overflow-1).Err()
}

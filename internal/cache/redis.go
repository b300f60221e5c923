package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultCacheTimeout = 500 * time.Millisecond
	redisKeyPrefix      = "hermes:cache:"
)

// Redis is a shared cache for multi-instance deployments.
//
// All operations degrade gracefully when Redis is unavailable:
//   - Get returns (nil, false) on any error.
//   - Set returns nil even on error so the caller never fails a request
//     because the cache layer is down.
//   - Delete and Clear return the underlying error so callers can log it.
type Redis struct {
	client       *redis.Client
	queryTimeout time.Duration

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewRedisFromClient wraps an existing Redis client. The caller owns the
// client lifecycle (creation and Close).
func NewRedisFromClient(redisCli *redis.Client) *Redis {
	return &Redis{client: redisCli, queryTimeout: defaultCacheTimeout}
}

// Get retrieves the value for key. Returns (data, true) on a hit and
// (nil, false) on a miss or any error. Errors are logged at WARN level but
// not propagated.
func (c *Redis) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	val, err := c.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.WarnContext(ctx, "cache_get_error",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
		c.misses.Add(1)
		return nil, false
	}

	c.hits.Add(1)
	return val, true
}

// Set stores value under key with the given TTL. Always returns nil.
func (c *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	if err := c.client.Set(ctx, redisKeyPrefix+key, value, ttl).Err(); err != nil {
		slog.WarnContext(ctx, "cache_set_error",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// Delete removes key.
func (c *Redis) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	if err := c.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("cache: DEL %s: %w", key, err)
	}
	return nil
}

// Clear removes every key under the cache prefix. Other users of the same
// Redis are untouched.
func (c *Redis) Clear(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("cache: clear: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("cache: clear scan: %w", err)
	}
	return nil
}

// Stats reports local hit and miss counts. Entries is -1: counting keys in
// Redis means a full scan, which the admin endpoint should not trigger.
func (c *Redis) Stats() Stats {
	hits, misses := c.hits.Load(), c.misses.Load()
	return Stats{
		Hits:    hits,
		Misses:  misses,
		Entries: -1,
		HitRate: hitRate(hits, misses),
	}
}

// Close releases the Redis connection pool.
func (c *Redis) Close() error {
	return c.client.Close()
}

package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript is an atomic Lua script implementing a sliding window
// over a sorted set.
// KEYS[1] = Redis key
// ARGV[1] = current unix timestamp (milliseconds)
// ARGV[2] = window size in milliseconds
// ARGV[3] = limit (max requests per window)
// Returns: {allowed, count, oldest} where allowed is 1/0, count is the
// number of requests inside the window after this call, and oldest is the
// timestamp of the earliest counted request.
var slidingWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])

		-- Remove expired entries.
		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		local count = redis.call('ZCARD', key)
		local allowed = 0
		if count < limit then
			allowed = 1
			-- Unique member (now + random suffix) so bursts in the same
			-- millisecond all count.
			local member = tostring(now) .. '-' .. tostring(math.random(1, 1000000))
			redis.call('ZADD', key, now, member)
			redis.call('PEXPIRE', key, window)
			count = count + 1
		end

		local oldest = now
		local first = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
		if first[2] then
			oldest = tonumber(first[2])
		end

		return {allowed, count, oldest}
`)

const redisKeyPrefix = "ratelimit:client:"

// Redis is the shared sliding window limiter for multi-instance
// deployments. All replicas pointing at the same Redis see one window per
// client key.
type Redis struct {
	rdb   *redis.Client
	limit int
	log   *slog.Logger
}

// NewRedis creates a Redis-backed limiter. limit must be > 0; values <= 0
// block every request.
func NewRedis(rdb *redis.Client, limit int, slogger *slog.Logger) *Redis {
	if slogger == nil {
		slogger = slog.Default()
	}
	return &Redis{rdb: rdb, limit: limit, log: slogger}
}

// Allow admits or rejects one request under key. When Redis is unreachable
// the request is admitted and the error logged.
func (r *Redis) Allow(ctx context.Context, key string) Result {
	now := time.Now().UnixMilli()
	window := int64(windowSeconds) * 1000

	vals, err := slidingWindowScript.Run(ctx, r.rdb,
		[]string{redisKeyPrefix + key},
		now, window, r.limit,
	).Int64Slice()
	if err != nil || len(vals) != 3 {
		if err != nil {
			r.log.WarnContext(ctx, "rate limiter degraded, admitting request",
				slog.Any("error", err),
			)
		}
		return Result{
			Allowed:      true,
			Limit:        r.limit,
			Remaining:    r.limit - 1,
			ResetSeconds: windowSeconds,
		}
	}

	allowed := vals[0] == 1
	count := int(vals[1])
	oldest := vals[2]

	reset := int((oldest + window - now) / 1000)
	if reset < 1 {
		reset = 1
	}

	res := Result{
		Allowed:      allowed,
		Limit:        r.limit,
		Remaining:    r.limit - count,
		ResetSeconds: reset,
	}
	if res.Remaining < 0 {
		res.Remaining = 0
	}
	if !allowed {
		res.RetryAfter = reset
	}
	return res
}

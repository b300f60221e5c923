// Package ratelimit implements per-client admission control with a sliding
// window counter. Two interchangeable backends are available: an in-process
// slot ring for single-instance deployments, and a Redis sorted set driven
// by an atomic Lua script for multi-instance ones.
package ratelimit

import "context"

const (
	slotSeconds   = 5
	slotCount     = 12
	windowSeconds = slotSeconds * slotCount
)

// Result is one admission decision plus the header material that goes with
// it: X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset and, on
// denial, Retry-After.
type Result struct {
	Allowed      bool
	Limit        int
	Remaining    int
	ResetSeconds int
	RetryAfter   int
}

// Limiter admits or rejects one request under key. Implementations must be
// safe for concurrent use and must fail open: when the backing store is
// unreachable the request is admitted.
type Limiter interface {
	Allow(ctx context.Context, key string) Result
}

// Package cache provides small TTL caches for rendered payloads, most
// importantly the /v1/models response body.
//
// Two backends are available:
//   - Memory — in-process LRU with per-entry TTL, zero external
//     dependencies. Ideal for single-instance deployments.
//   - Redis  — shared across replicas so one instance's rendered payload
//     serves them all. Selected automatically when Redis is configured.
//
// Both implement the Cache interface so they are fully interchangeable, and
// both degrade gracefully: a broken cache never fails a request, it only
// stops saving work.
package cache

import (
	"context"
	"time"
)

type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Stats() Stats
}

// Stats is a point-in-time snapshot for the admin cache endpoint.
// Entries is -1 when the backend cannot count cheaply.
type Stats struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	Entries int64   `json:"entries"`
	HitRate float64 `json:"hitRate"`
}

func hitRate(hits, misses uint64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total) * 100
}

package ratelimit

import (
	"context"
	"sync"
	"time"
)

// ring counts requests in fixed 5-second slots covering one 60-second
// window. Each slot remembers the epoch it was written in; a slot whose
// epoch has fallen out of the window counts as zero.
type ring struct {
	epochs [slotCount]int64
	counts [slotCount]int
}

// Memory is the in-process sliding window limiter.
//
// It is safe for concurrent use. A background goroutine periodically drops
// keys with no fresh slots so idle clients do not accumulate forever.
type Memory struct {
	mu    sync.Mutex
	rings map[string]*ring
	limit int

	now func() time.Time

	done chan struct{}
}

// NewMemory creates a Memory limiter and starts the background eviction
// loop. The loop stops when ctx is cancelled or Close is called.
func NewMemory(ctx context.Context, limit int) *Memory {
	m := &Memory{
		rings: make(map[string]*ring),
		limit: limit,
		now:   time.Now,
		done:  make(chan struct{}),
	}
	go m.cleanup(ctx)
	return m
}

// Allow admits or rejects one request under key.
func (m *Memory) Allow(_ context.Context, key string) Result {
	now := m.now().Unix()
	epoch := now / slotSeconds
	idx := int(epoch % slotCount)

	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.rings[key]
	if r == nil {
		r = &ring{}
		m.rings[key] = r
	}

	sum := 0
	oldest := epoch
	for i := 0; i < slotCount; i++ {
		if r.epochs[i] <= epoch-slotCount {
			r.counts[i] = 0
			continue
		}
		if r.counts[i] == 0 {
			continue
		}
		sum += r.counts[i]
		if r.epochs[i] < oldest {
			oldest = r.epochs[i]
		}
	}

	if sum+1 > m.limit {
		wait := secondsUntilSlotExpires(oldest, now)
		return Result{
			Allowed:      false,
			Limit:        m.limit,
			Remaining:    0,
			ResetSeconds: wait,
			RetryAfter:   wait,
		}
	}

	if r.epochs[idx] != epoch {
		r.epochs[idx] = epoch
		r.counts[idx] = 0
	}
	r.counts[idx]++

	return Result{
		Allowed:      true,
		Limit:        m.limit,
		Remaining:    m.limit - sum - 1,
		ResetSeconds: secondsUntilSlotExpires(oldest, now),
	}
}

// Len returns the number of tracked client keys.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rings)
}

// Close stops the background eviction goroutine.
func (m *Memory) Close() {
	close(m.done)
}

// secondsUntilSlotExpires reports how long until the slot written at epoch
// slides out of the window, clamped to at least one second.
func secondsUntilSlotExpires(epoch, now int64) int {
	s := int((epoch+slotCount)*slotSeconds - now)
	if s < 1 {
		s = 1
	}
	return s
}

// cleanup runs every minute and evicts keys with no fresh slots.
func (m *Memory) cleanup(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.evictIdle()
		case <-ctx.Done():
			return
		case <-m.done:
			return
		}
	}
}

func (m *Memory) evictIdle() {
	epoch := m.now().Unix() / slotSeconds

	m.mu.Lock()
	for k, r := range m.rings {
		fresh := false
		for i := 0; i < slotCount; i++ {
			if r.counts[i] > 0 && r.epochs[i] > epoch-slotCount {
				fresh = true
				break
			}
		}
		if !fresh {
			delete(m.rings, k)
		}
	}
	m.mu.Unlock()
}

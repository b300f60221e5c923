package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

const defaultMaxEntries = 256

// memItem stores a cached value together with its expiry time.
type memItem struct {
	key       string
	data      []byte
	expiresAt time.Time
}

// Memory is an in-process cache with per-entry TTL and LRU eviction.
//
// It is safe for concurrent use. A background goroutine periodically removes
// expired entries; when the entry cap is reached the least recently used
// entry is evicted first.
type Memory struct {
	mu         sync.Mutex
	items      map[string]*list.Element
	order      *list.List // back = most recently used
	maxEntries int

	hits   uint64
	misses uint64

	done chan struct{}
}

// NewMemory creates a Memory cache and starts the background cleanup loop.
// The loop stops when ctx is cancelled or Close is called. maxEntries <= 0
// selects the default cap.
func NewMemory(ctx context.Context, maxEntries int) *Memory {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	c := &Memory{
		items:      make(map[string]*list.Element),
		order:      list.New(),
		maxEntries: maxEntries,
		done:       make(chan struct{}),
	}
	go c.cleanup(ctx)
	return c
}

// Get returns the cached value for key. Returns (nil, false) on a miss or
// if the entry has expired. Expired entries are removed lazily on access.
func (c *Memory) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}
	item := el.Value.(*memItem)
	if time.Now().After(item.expiresAt) {
		c.removeLocked(el)
		c.misses++
		return nil, false
	}

	c.order.MoveToBack(el)
	c.hits++
	return item.data, true
}

// Set stores value under key for the duration of ttl.
// A zero or negative ttl is treated as a 1-hour TTL.
func (c *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Hour
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.removeLocked(el)
	}
	for len(c.items) >= c.maxEntries {
		c.removeLocked(c.order.Front())
	}

	c.items[key] = c.order.PushBack(&memItem{
		key:       key,
		data:      value,
		expiresAt: time.Now().Add(ttl),
	})
	return nil
}

// Delete removes key from the cache. Returns nil if the key did not exist.
func (c *Memory) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	if el, ok := c.items[key]; ok {
		c.removeLocked(el)
	}
	c.mu.Unlock()
	return nil
}

// Clear drops every entry. Hit and miss counters survive.
func (c *Memory) Clear(_ context.Context) error {
	c.mu.Lock()
	c.items = make(map[string]*list.Element)
	c.order.Init()
	c.mu.Unlock()
	return nil
}

func (c *Memory) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:    c.hits,
		Misses:  c.misses,
		Entries: int64(len(c.items)),
		HitRate: hitRate(c.hits, c.misses),
	}
}

// Len returns the number of entries currently held (including entries that
// may have expired but not yet been evicted).
func (c *Memory) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Close stops the background cleanup goroutine.
func (c *Memory) Close() {
	close(c.done)
}

// removeLocked unlinks el from both the map and the LRU list. Caller holds
// the mutex.
func (c *Memory) removeLocked(el *list.Element) {
	if el == nil {
		return
	}
	item := el.Value.(*memItem)
	delete(c.items, item.key)
	c.order.Remove(el)
}

// cleanup runs every 5 minutes and evicts all expired entries.
func (c *Memory) cleanup(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.evictExpired()
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}

func (c *Memory) evictExpired() {
	now := time.Now()

	c.mu.Lock()
	var stale []*list.Element
	for _, el := range c.items {
		if now.After(el.Value.(*memItem).expiresAt) {
			stale = append(stale, el)
		}
	}
	for _, el := range stale {
		c.removeLocked(el)
	}
	c.mu.Unlock()
}

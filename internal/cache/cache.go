package cache

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultTTL is the expiry applied to upstream results unless configured otherwise.
const DefaultTTL = 60 * time.Second

// Cache is a key/value store with per-entry expiry.
// Get returns (value, true, nil) on a live hit and (zero, false, nil) on a miss or expired entry.
type Cache[V any] interface {
	Get(ctx context.Context, key string) (V, bool, error)
	Set(ctx context.Context, key string, value V, ttl time.Duration) error
}

// Sweeper is implemented by caches that can drop expired entries in bulk.
type Sweeper interface {
	Sweep() int
}

// InMemoryCache implements Cache with a mutex-guarded map. Expiry is checked on read;
// an expired entry is dropped by the read that finds it. Entries for keys that are never
// read again stay until Sweep runs, so callers with unbounded key sets must schedule Sweep.
type InMemoryCache[V any] struct {
	mu    sync.RWMutex
	data  map[string]cacheEntry[V]
	clock clockwork.Clock
}

type cacheEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// NewInMemoryCache creates an in-memory cache using the wall clock.
func NewInMemoryCache[V any]() *InMemoryCache[V] {
	return NewInMemoryCacheWithClock[V](clockwork.NewRealClock())
}

// NewInMemoryCacheWithClock creates an in-memory cache that reads time from clock.
func NewInMemoryCacheWithClock[V any](clock clockwork.Clock) *InMemoryCache[V] {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &InMemoryCache[V]{
		data:  make(map[string]cacheEntry[V]),
		clock: clock,
	}
}

// Get implements Cache.Get.
func (c *InMemoryCache[V]) Get(_ context.Context, key string) (V, bool, error) {
	var zero V
	c.mu.RLock()
	entry, ok := c.data[key]
	c.mu.RUnlock()
	if !ok {
		return zero, false, nil
	}

	if c.expired(entry) {
		c.mu.Lock()
		// A concurrent Set may have refreshed the entry since the read lock was released.
		if cur, ok := c.data[key]; ok && c.expired(cur) {
			delete(c.data, key)
		}
		c.mu.Unlock()
		return zero, false, nil
	}

	return entry.value, true, nil
}

// Set implements Cache.Set. A later Set on the same key overwrites the entry.
func (c *InMemoryCache[V]) Set(_ context.Context, key string, value V, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = cacheEntry[V]{
		value:     value,
		expiresAt: c.clock.Now().Add(ttl),
	}
	return nil
}

// Sweep removes every expired entry and returns how many were removed.
func (c *InMemoryCache[V]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for key, entry := range c.data {
		if c.expired(entry) {
			delete(c.data, key)
			n++
		}
	}
	return n
}

// Len returns the number of stored entries, expired ones included.
func (c *InMemoryCache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

func (c *InMemoryCache[V]) expired(e cacheEntry[V]) bool {
	return !c.clock.Now().Before(e.expiresAt)
}

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

const keyPrefix = "wx:"

// maxRelativeExp is the largest expiration memcached treats as relative seconds.
const maxRelativeExp = 30 * 24 * 60 * 60

// MemcachedBackend owns the memcached client shared by every typed MemcachedCache.
type MemcachedBackend struct {
	client *memcache.Client
}

// NewMemcachedBackend creates a backend. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). timeout and maxIdleConns
// use client defaults when zero.
func NewMemcachedBackend(addrs string, timeout time.Duration, maxIdleConns int) *MemcachedBackend {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return &MemcachedBackend{client: client}
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

// Ping checks memcached reachability. Used by /health.
func (b *MemcachedBackend) Ping() error {
	return b.client.Ping()
}

// Close closes idle connections. Call during shutdown.
func (b *MemcachedBackend) Close() error {
	return b.client.Close()
}

// MemcachedCache implements Cache[V] on memcached, storing values as JSON.
// Expiry is enforced by memcached itself.
type MemcachedCache[V any] struct {
	backend *MemcachedBackend
}

// NewMemcachedCache returns a typed view over backend.
func NewMemcachedCache[V any](backend *MemcachedBackend) *MemcachedCache[V] {
	return &MemcachedCache[V]{backend: backend}
}

// storageKey escapes key for memcached, which rejects spaces and control characters
// (city names such as "New York" contain spaces).
func storageKey(key string) string {
	return keyPrefix + url.PathEscape(key)
}

// Get implements Cache.Get.
func (c *MemcachedCache[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var zero V
	if ctx.Err() != nil {
		return zero, false, ctx.Err()
	}
	item, err := c.backend.client.Get(storageKey(key))
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return zero, false, nil
		}
		return zero, false, fmt.Errorf("memcached get: %w", err)
	}
	var v V
	if err := json.Unmarshal(item.Value, &v); err != nil {
		return zero, false, fmt.Errorf("memcached decode %q: %w", key, err)
	}
	return v, true, nil
}

// Set implements Cache.Set.
func (c *MemcachedCache[V]) Set(ctx context.Context, key string, value V, ttl time.Duration) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("memcached encode %q: %w", key, err)
	}
	return c.backend.client.Set(&memcache.Item{
		Key:        storageKey(key),
		Value:      raw,
		Expiration: expirationSeconds(ttl),
	})
}

// expirationSeconds converts ttl to memcached's relative expiration.
// Sub-second TTLs round up to one second; 0 would mean "never expire".
func expirationSeconds(ttl time.Duration) int32 {
	sec := int64((ttl + time.Second - 1) / time.Second)
	if sec <= 0 {
		return 1
	}
	if sec > maxRelativeExp {
		return maxRelativeExp
	}
	return int32(sec)
}

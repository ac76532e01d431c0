package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kjstillabower/weather-aggregation-service/internal/cache"
	"github.com/kjstillabower/weather-aggregation-service/internal/observability"
)

// flight collapses concurrent cache misses on one key into a single upstream fetch.
type flight struct {
	group    singleflight.Group
	stampede *stampedeTracker
}

func newFlight() *flight {
	return &flight{stampede: newStampedeTracker()}
}

// cachedFetch is the cache-aside path shared by readings, forecasts and history.
// Cache failures are logged and treated as misses; only fetch errors are returned.
func cachedFetch[V any](ctx context.Context, f *flight, c cache.Cache[V], namespace, key string, ttl time.Duration, fetch func(context.Context) (V, error)) (V, error) {
	logger := observability.LoggerFromContext(ctx)

	cached, ok, err := c.Get(ctx, key)
	if err != nil {
		observability.CacheErrorsTotal.WithLabelValues("get").Inc()
		logger.Warn("cache get failed", zap.String("key", key), zap.Error(err))
	} else if ok {
		observability.CacheHitsTotal.WithLabelValues(namespace).Inc()
		logger.Debug("cache hit", zap.String("key", key))
		return cached, nil
	}
	observability.CacheMissesTotal.WithLabelValues(namespace).Inc()

	if n := f.stampede.RecordMiss(key); n > 1 {
		observability.CacheStampedeDetectedTotal.WithLabelValues(namespace).Inc()
		logger.Debug("concurrent cache miss", zap.String("key", key), zap.Int("concurrent", n))
	}
	defer f.stampede.RecordHit(key)

	// The shared fetch outlives any one caller; upstream calls carry their own timeout.
	flightCtx := context.WithoutCancel(ctx)
	ch := f.group.DoChan(key, func() (interface{}, error) {
		value, err := fetch(flightCtx)
		if err != nil {
			return value, err
		}
		if setErr := c.Set(flightCtx, key, value, ttl); setErr != nil {
			observability.CacheErrorsTotal.WithLabelValues("set").Inc()
			logger.Warn("cache set failed", zap.String("key", key), zap.Error(setErr))
		}
		return value, nil
	})

	var zero V
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(V), nil
	}
}

// stampedeTracker counts in-progress misses per key. A count above one means
// several requests missed the same key at once.
type stampedeTracker struct {
	mu           sync.Mutex
	activeMisses map[string]int
}

func newStampedeTracker() *stampedeTracker {
	return &stampedeTracker{activeMisses: make(map[string]int)}
}

// RecordMiss increments the count for key and returns it. Pair with RecordHit.
func (st *stampedeTracker) RecordMiss(key string) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.activeMisses[key]++
	return st.activeMisses[key]
}

// RecordHit marks one miss for key as resolved.
func (st *stampedeTracker) RecordHit(key string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.activeMisses[key] <= 1 {
		delete(st.activeMisses, key)
		return
	}
	st.activeMisses[key]--
}

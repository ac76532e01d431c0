package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-aggregation-service/internal/models"
	"github.com/kjstillabower/weather-aggregation-service/internal/observability"
)

// WeatherFetcher is implemented by the service layer. Calling Current populates the
// per-provider reading cache as a side effect. Declared here to avoid an import cycle.
type WeatherFetcher interface {
	Current(ctx context.Context, city string) (models.AggregatedWeather, error)
}

// CacheWarmer prefetches current weather for a fixed list of cities.
type CacheWarmer struct {
	fetcher WeatherFetcher
	logger  *zap.Logger
}

// NewCacheWarmer creates a CacheWarmer. logger may be nil.
func NewCacheWarmer(fetcher WeatherFetcher, logger *zap.Logger) *CacheWarmer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CacheWarmer{fetcher: fetcher, logger: logger}
}

// Warm fetches every city concurrently. Returns the joined per-city errors, if any.
func (w *CacheWarmer) Warm(ctx context.Context, cities []string) error {
	start := time.Now()
	observability.CacheWarmingTotal.Inc()
	w.logger.Info("warming cache", zap.Int("cities", len(cities)))

	var wg sync.WaitGroup
	errs := make([]error, len(cities))
	for i, city := range cities {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := w.fetcher.Current(ctx, city); err != nil {
				errs[i] = fmt.Errorf("warm %s: %w", city, err)
			}
		}()
	}
	wg.Wait()

	err := errors.Join(errs...)
	duration := time.Since(start).Seconds()
	observability.CacheWarmingDurationSeconds.Observe(duration)
	w.logger.Info("cache warming complete",
		zap.Int("cities", len(cities)),
		zap.Bool("failed", err != nil),
		zap.Float64("duration_seconds", duration))
	if err != nil {
		observability.CacheWarmingErrorsTotal.Inc()
		return fmt.Errorf("cache warming: %w", err)
	}
	return nil
}

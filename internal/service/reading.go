package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-aggregation-service/internal/cache"
	"github.com/kjstillabower/weather-aggregation-service/internal/client"
	"github.com/kjstillabower/weather-aggregation-service/internal/geo"
	"github.com/kjstillabower/weather-aggregation-service/internal/models"
	"github.com/kjstillabower/weather-aggregation-service/internal/observability"
)

// readingSource wraps one provider with reading-level caching. A failed fetch
// degrades to "no reading" so one provider never fails the aggregate.
type readingSource struct {
	provider client.Provider
	cache    cache.Cache[models.ProviderReading]
	ttl      time.Duration
	flight   *flight
	recorder OutcomeRecorder
}

func readingKey(provider, city string) string {
	return "reading:" + provider + ":" + city
}

// fetch returns the provider's reading for city and true, or false when none is available.
func (rs *readingSource) fetch(ctx context.Context, city string, coords geo.Coordinates) (models.ProviderReading, bool) {
	name := rs.provider.Name()
	reading, err := cachedFetch(ctx, rs.flight, rs.cache, "reading", readingKey(name, city), rs.ttl,
		func(ctx context.Context) (models.ProviderReading, error) {
			r, err := rs.provider.CurrentReading(ctx, city, coords)
			rs.record(name, err)
			return r, err
		})
	if err != nil {
		category := client.CategorizeError(err)
		observability.UpstreamErrorsTotal.WithLabelValues(name, string(category)).Inc()
		logger := observability.LoggerFromContext(ctx)
		if errors.Is(err, client.ErrNotConfigured) {
			logger.Debug("provider skipped", zap.String("provider", name), zap.Error(err))
		} else {
			logger.Warn("provider fetch failed",
				zap.String("provider", name),
				zap.String("city", city),
				zap.String("category", string(category)),
				zap.Error(err))
		}
		return models.ProviderReading{}, false
	}
	return reading, true
}

func (rs *readingSource) record(provider string, err error) {
	if rs.recorder == nil || errors.Is(err, client.ErrNotConfigured) {
		return
	}
	if err != nil {
		rs.recorder.RecordError(provider)
		return
	}
	rs.recorder.RecordSuccess(provider)
}

package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-aggregation-service/internal/cache"
	"github.com/kjstillabower/weather-aggregation-service/internal/client"
	"github.com/kjstillabower/weather-aggregation-service/internal/geo"
	"github.com/kjstillabower/weather-aggregation-service/internal/models"
	"github.com/kjstillabower/weather-aggregation-service/internal/observability"
)

var (
	// ErrCityNotFound is returned for cities outside the coordinate table.
	ErrCityNotFound = errors.New("city not found")
	// ErrNoData is returned when no provider produced usable data.
	ErrNoData = errors.New("no weather data available")
)

// TemperatureUnit is the unit of every temperature the service reports.
const TemperatureUnit = "celsius"

// historyDays is the length of the trailing history window, today included.
const historyDays = 5

const dateLayout = "2006-01-02"

// DailySource serves daily min/max temperatures by coordinates.
type DailySource interface {
	DailyForecast(ctx context.Context, coords geo.Coordinates) ([]models.DailyTemperature, error)
	DailyArchive(ctx context.Context, coords geo.Coordinates, start, end time.Time) ([]models.DailyTemperature, error)
}

// OutcomeRecorder receives the result of every upstream fetch, keyed by provider name.
type OutcomeRecorder interface {
	RecordSuccess(provider string)
	RecordError(provider string)
}

// Options tunes a WeatherService. Zero values select defaults.
type Options struct {
	TTL      time.Duration
	Clock    clockwork.Clock
	Recorder OutcomeRecorder
}

// WeatherService answers current, forecast and history queries using cache-aside
// in front of the upstream providers.
type WeatherService struct {
	sources    []*readingSource
	daily      DailySource
	dailyName  string
	dailyCache cache.Cache[[]models.DailyTemperature]
	ttl        time.Duration
	clock      clockwork.Clock
	recorder   OutcomeRecorder
	flight     *flight
}

// NewWeatherService creates a service. providers are queried concurrently for current
// weather and reported in the given order; daily serves forecast and history.
func NewWeatherService(providers []client.Provider, daily DailySource, readings cache.Cache[models.ProviderReading], days cache.Cache[[]models.DailyTemperature], opts Options) *WeatherService {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = cache.DefaultTTL
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	s := &WeatherService{
		daily:      daily,
		dailyName:  client.OpenMeteoName,
		dailyCache: days,
		ttl:        ttl,
		clock:      clock,
		recorder:   opts.Recorder,
		flight:     newFlight(),
	}
	if n, ok := daily.(interface{ Name() string }); ok {
		s.dailyName = n.Name()
	}
	for _, p := range providers {
		s.sources = append(s.sources, &readingSource{
			provider: p,
			cache:    readings,
			ttl:      ttl,
			flight:   s.flight,
			recorder: opts.Recorder,
		})
	}
	return s
}

// Current returns the current weather for city merged across all providers.
// Providers that fail are left out of Sources; ErrNoData is returned only when all fail.
func (s *WeatherService) Current(ctx context.Context, city string) (models.AggregatedWeather, error) {
	coords, ok := geo.Lookup(city)
	if !ok {
		return models.AggregatedWeather{}, ErrCityNotFound
	}

	readings := make([]models.ProviderReading, len(s.sources))
	got := make([]bool, len(s.sources))
	var wg sync.WaitGroup
	for i, src := range s.sources {
		wg.Add(1)
		go func() {
			defer wg.Done()
			readings[i], got[i] = src.fetch(ctx, city, coords)
		}()
	}
	wg.Wait()

	var valid []models.ProviderReading
	for i, r := range readings {
		if got[i] {
			valid = append(valid, r)
		}
	}
	weather, err := aggregate(city, valid)
	if err != nil {
		return models.AggregatedWeather{}, err
	}
	observability.LoggerFromContext(ctx).Debug("weather aggregated",
		zap.String("city", city),
		zap.Strings("sources", weather.Sources),
		zap.Float64("temperature", weather.Temperature.Current))
	return weather, nil
}

// aggregate merges readings in order. Readings without a temperature are ignored;
// timestamp and wind speed come from the first remaining reading only.
func aggregate(city string, readings []models.ProviderReading) (models.AggregatedWeather, error) {
	var (
		sum     float64
		sources []string
		first   *models.ProviderReading
	)
	for i := range readings {
		r := &readings[i]
		if !r.Valid() {
			continue
		}
		if first == nil {
			first = r
		}
		sum += *r.Temperature
		sources = append(sources, r.Source)
	}
	if len(sources) == 0 {
		return models.AggregatedWeather{}, ErrNoData
	}
	observability.AggregationSources.Observe(float64(len(sources)))

	return models.AggregatedWeather{
		City: city,
		Temperature: models.Temperature{
			Current: roundTenth(sum / float64(len(sources))),
			Unit:    TemperatureUnit,
		},
		Sources:   sources,
		Timestamp: first.Timestamp,
		WindSpeed: first.WindSpeed,
	}, nil
}

func roundTenth(v float64) float64 {
	return math.Round(v*10) / 10
}

// Forecast returns the upcoming daily min/max temperatures for city.
func (s *WeatherService) Forecast(ctx context.Context, city string) (models.ForecastResponse, error) {
	coords, ok := geo.Lookup(city)
	if !ok {
		return models.ForecastResponse{}, ErrCityNotFound
	}
	days, err := cachedFetch(ctx, s.flight, s.dailyCache, "forecast", "forecast:"+city, s.ttl,
		func(ctx context.Context) ([]models.DailyTemperature, error) {
			d, err := s.daily.DailyForecast(ctx, coords)
			s.record(err)
			return d, err
		})
	if err != nil {
		return models.ForecastResponse{}, s.dailyError(ctx, "forecast", city, err)
	}
	return models.ForecastResponse{City: city, Forecast: days}, nil
}

// History returns observed daily min/max temperatures for the five days ending today in
// the city's local zone, matching the archive's timezone=auto dates. The cache key carries
// the end date so a new day never serves yesterday's window.
func (s *WeatherService) History(ctx context.Context, city string) (models.HistoryResponse, error) {
	coords, ok := geo.Lookup(city)
	if !ok {
		return models.HistoryResponse{}, ErrCityNotFound
	}
	end := s.clock.Now().In(geo.Location(city))
	start := end.AddDate(0, 0, -(historyDays - 1))
	key := "history:" + city + ":" + end.Format(dateLayout)

	days, err := cachedFetch(ctx, s.flight, s.dailyCache, "history", key, s.ttl,
		func(ctx context.Context) ([]models.DailyTemperature, error) {
			d, err := s.daily.DailyArchive(ctx, coords, start, end)
			s.record(err)
			return d, err
		})
	if err != nil {
		return models.HistoryResponse{}, s.dailyError(ctx, "history", city, err)
	}
	return models.HistoryResponse{City: city, History: days}, nil
}

// dailyError logs and counts a failed daily fetch. A payload without days maps to
// ErrNoData; everything else, including *client.UpstreamError, is wrapped as-is.
func (s *WeatherService) dailyError(ctx context.Context, endpoint, city string, err error) error {
	category := client.CategorizeError(err)
	observability.UpstreamErrorsTotal.WithLabelValues(s.dailyName, string(category)).Inc()
	observability.LoggerFromContext(ctx).Warn("daily fetch failed",
		zap.String("endpoint", endpoint),
		zap.String("city", city),
		zap.String("category", string(category)),
		zap.Error(err))
	if errors.Is(err, client.ErrNoData) {
		return fmt.Errorf("%s for %s: %w", endpoint, city, ErrNoData)
	}
	return fmt.Errorf("%s for %s: %w", endpoint, city, err)
}

func (s *WeatherService) record(err error) {
	if s.recorder == nil {
		return
	}
	if err != nil {
		s.recorder.RecordError(s.dailyName)
		return
	}
	s.recorder.RecordSuccess(s.dailyName)
}

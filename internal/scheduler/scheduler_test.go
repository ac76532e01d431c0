package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-aggregation-service/internal/cache"
	"github.com/kjstillabower/weather-aggregation-service/internal/models"
)

func TestEvery_RejectsNonPositiveInterval(t *testing.T) {
	s, err := New(zap.NewNop())
	require.NoError(t, err)
	defer func() { _ = s.Shutdown() }()

	err = s.Every(context.Background(), "bad", 0, false, func(context.Context) {})
	assert.Error(t, err)
}

func TestEvery_ImmediateRunsOnStart(t *testing.T) {
	s, err := New(zap.NewNop())
	require.NoError(t, err)

	var runs atomic.Int32
	require.NoError(t, s.Every(context.Background(), "count", time.Hour, true, func(context.Context) {
		runs.Add(1)
	}))
	s.Start()
	defer func() { _ = s.Shutdown() }()

	assert.Eventually(t, func() bool { return runs.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestEvery_PassesContext(t *testing.T) {
	s, err := New(nil)
	require.NoError(t, err)

	type key struct{}
	ctx := context.WithValue(context.Background(), key{}, "job-ctx")
	got := make(chan interface{}, 1)
	require.NoError(t, s.Every(ctx, "ctx", time.Hour, true, func(ctx context.Context) {
		select {
		case got <- ctx.Value(key{}):
		default:
		}
	}))
	s.Start()
	defer func() { _ = s.Shutdown() }()

	select {
	case v := <-got:
		assert.Equal(t, "job-ctx", v)
	case <-time.After(2 * time.Second):
		t.Fatal("job did not run")
	}
}

func TestSweepTask_RemovesExpiredEntries(t *testing.T) {
	clock := clockwork.NewFakeClock()
	readings := cache.NewInMemoryCacheWithClock[models.ProviderReading](clock)
	days := cache.NewInMemoryCacheWithClock[[]models.DailyTemperature](clock)
	ctx := context.Background()

	require.NoError(t, readings.Set(ctx, "reading:open-meteo:Paris", models.ProviderReading{}, time.Minute))
	require.NoError(t, days.Set(ctx, "history:Paris:2024-06-01", nil, time.Minute))
	require.NoError(t, days.Set(ctx, "forecast:Paris", nil, time.Hour))
	clock.Advance(2 * time.Minute)

	SweepTask(zap.NewNop(), readings, days)(ctx)

	assert.Equal(t, 0, readings.Len())
	assert.Equal(t, 1, days.Len())
}

type fakeFetcher struct {
	calls atomic.Int32
	fail  string
}

func (f *fakeFetcher) Current(ctx context.Context, city string) (models.AggregatedWeather, error) {
	f.calls.Add(1)
	if city == f.fail {
		return models.AggregatedWeather{}, errors.New("upstream down")
	}
	return models.AggregatedWeather{City: city}, nil
}

func TestWarmTask_FetchesEveryCity(t *testing.T) {
	f := &fakeFetcher{fail: "Tokyo"}
	task := WarmTask(zap.NewNop(), cache.NewCacheWarmer(f, nil), []string{"Paris", "Tokyo", "London"})
	task(context.Background())
	assert.Equal(t, int32(3), f.calls.Load())
}

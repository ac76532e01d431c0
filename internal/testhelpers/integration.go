//go:build integration

package testhelpers

import (
	"os"
	"testing"
	"time"

	"github.com/kjstillabower/weather-aggregation-service/internal/cache"
	"github.com/kjstillabower/weather-aggregation-service/internal/client"
	"github.com/kjstillabower/weather-aggregation-service/internal/models"
	"github.com/kjstillabower/weather-aggregation-service/internal/service"
)

// IntegrationTestConfig holds configuration for tests against the live upstreams.
type IntegrationTestConfig struct {
	OpenWeatherAPIKey string
	CacheBackend      string // "in_memory" or "memcached"
	MemcachedAddr     string
}

// GetIntegrationConfig loads integration settings from the environment. Open-Meteo needs
// no key, so only tests that require OpenWeatherMap should call RequireOpenWeather.
func GetIntegrationConfig(t *testing.T) IntegrationTestConfig {
	t.Helper()
	if os.Getenv("INTEGRATION_OFFLINE") != "" {
		t.Skip("INTEGRATION_OFFLINE set, skipping live upstream test")
	}
	addr := os.Getenv("MEMCACHED_ADDRS")
	if addr == "" {
		addr = "localhost:11211"
	}
	return IntegrationTestConfig{
		OpenWeatherAPIKey: os.Getenv("OPENWEATHER_API_KEY"),
		CacheBackend:      os.Getenv("INTEGRATION_CACHE_BACKEND"),
		MemcachedAddr:     addr,
	}
}

// RequireOpenWeather skips the test when no OpenWeatherMap key is configured.
func (c IntegrationTestConfig) RequireOpenWeather(t *testing.T) {
	t.Helper()
	if c.OpenWeatherAPIKey == "" {
		t.Skip("OPENWEATHER_API_KEY not set, skipping integration test")
	}
}

// SetupIntegrationService wires the real clients against the public endpoints. The caches
// are memcached when requested and reachable, otherwise in-memory. cleanup releases them.
func SetupIntegrationService(t *testing.T, cfg IntegrationTestConfig) (svc *service.WeatherService, cleanup func()) {
	t.Helper()
	opts := client.Options{Timeout: 10 * time.Second}
	meteo := client.NewOpenMeteoClient("", "", opts)
	owm := client.NewOpenWeatherClient(cfg.OpenWeatherAPIKey, "", opts)

	var (
		readings cache.Cache[models.ProviderReading]    = cache.NewInMemoryCache[models.ProviderReading]()
		days     cache.Cache[[]models.DailyTemperature] = cache.NewInMemoryCache[[]models.DailyTemperature]()
	)
	cleanup = func() {}
	if cfg.CacheBackend == "memcached" {
		backend := cache.NewMemcachedBackend(cfg.MemcachedAddr, 500*time.Millisecond, 2)
		if err := backend.Ping(); err == nil {
			readings = cache.NewMemcachedCache[models.ProviderReading](backend)
			days = cache.NewMemcachedCache[[]models.DailyTemperature](backend)
			cleanup = func() { _ = backend.Close() }
			t.Logf("using memcached cache at %s", cfg.MemcachedAddr)
		} else {
			t.Logf("memcached not available (%v), using in-memory cache", err)
			_ = backend.Close()
		}
	}

	svc = service.NewWeatherService([]client.Provider{meteo, owm}, meteo, readings, days, service.Options{})
	return svc, cleanup
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-aggregation-service/internal/cache"
	"github.com/kjstillabower/weather-aggregation-service/internal/client"
	"github.com/kjstillabower/weather-aggregation-service/internal/config"
	"github.com/kjstillabower/weather-aggregation-service/internal/geo"
	httphandler "github.com/kjstillabower/weather-aggregation-service/internal/http"
	"github.com/kjstillabower/weather-aggregation-service/internal/lifecycle"
	"github.com/kjstillabower/weather-aggregation-service/internal/models"
	"github.com/kjstillabower/weather-aggregation-service/internal/observability"
	"github.com/kjstillabower/weather-aggregation-service/internal/scheduler"
	"github.com/kjstillabower/weather-aggregation-service/internal/service"
	"github.com/kjstillabower/weather-aggregation-service/internal/traffic"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("service", zap.Error(err))
	}
}

// app is the wired service: HTTP router plus the resources shutdown must release.
type app struct {
	router    http.Handler
	scheduler *scheduler.Scheduler
	closers   []io.Closer
}

// newApp wires clients, caches, the service, background jobs and the router from cfg.
// Jobs are registered but not started.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{}
	tracker := traffic.NewTracker(nil)

	clientOpts := client.Options{
		Timeout: cfg.UpstreamTimeout,
		Breaker: client.BreakerConfig{
			Enabled:          cfg.CircuitBreakerEnabled,
			FailureThreshold: cfg.CircuitBreakerFailureThreshold,
			OpenTimeout:      cfg.CircuitBreakerTimeout,
		},
	}
	meteo := client.NewOpenMeteoClient(cfg.OpenMeteoForecastURL, cfg.OpenMeteoArchiveURL, clientOpts)
	owm := client.NewOpenWeatherClient(cfg.OpenWeatherAPIKey, cfg.OpenWeatherURL, clientOpts)
	if cfg.CircuitBreakerEnabled {
		logger.Info("circuit breaker enabled",
			zap.Int("failure_threshold", cfg.CircuitBreakerFailureThreshold),
			zap.Duration("timeout", cfg.CircuitBreakerTimeout))
	}

	var unconfigured []string
	if !owm.Configured() {
		unconfigured = append(unconfigured, owm.Name())
		logger.Warn("OPENWEATHER_API_KEY not set; openweather provider disabled")
	}

	healthConfig := &httphandler.HealthConfig{
		Providers:    []string{meteo.Name(), owm.Name()},
		Unconfigured: unconfigured,
		Tracker:      tracker,
		Window:       cfg.HealthWindow,
		ErrorPct:     cfg.HealthErrorPct,
		Version:      version,
	}

	var (
		readings cache.Cache[models.ProviderReading]
		days     cache.Cache[[]models.DailyTemperature]
		sweepers []cache.Sweeper
	)
	switch cfg.CacheBackend {
	case config.BackendMemcached:
		backend := cache.NewMemcachedBackend(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		readings = cache.NewMemcachedCache[models.ProviderReading](backend)
		days = cache.NewMemcachedCache[[]models.DailyTemperature](backend)
		healthConfig.CachePing = backend.Ping
		a.closers = append(a.closers, backend)
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
	default:
		r := cache.NewInMemoryCache[models.ProviderReading]()
		d := cache.NewInMemoryCache[[]models.DailyTemperature]()
		readings, days = r, d
		sweepers = append(sweepers, r, d)
		logger.Info("cache backend: in_memory")
	}

	svc := service.NewWeatherService([]client.Provider{meteo, owm}, meteo, readings, days, service.Options{
		TTL:      cfg.CacheTTL,
		Recorder: tracker,
	})
	observability.SetTrackedCities(geo.Cities())

	sched, err := scheduler.New(logger)
	if err != nil {
		return nil, err
	}
	a.scheduler = sched
	if len(sweepers) > 0 {
		if err := sched.Every(ctx, "cache-sweep", cfg.CacheSweepInterval, false, scheduler.SweepTask(logger, sweepers...)); err != nil {
			return nil, err
		}
	}
	if len(cfg.WarmCities) > 0 {
		warmer := cache.NewCacheWarmer(svc, logger)
		task := scheduler.WarmTask(logger, warmer, cfg.WarmCities)
		if cfg.WarmInterval > 0 {
			if err := sched.Every(ctx, "cache-warm", cfg.WarmInterval, true, task); err != nil {
				return nil, err
			}
		} else {
			go task(ctx)
		}
	}

	handler := httphandler.NewHandler(svc, healthConfig, logger)
	a.router = httphandler.NewRouter(handler, logger, cfg.RequestTimeout)
	return a, nil
}

// run serves until ctx is cancelled, then drains in-flight requests and releases resources.
func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	a.scheduler.Start()

	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           a.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + 5*time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			_ = a.scheduler.Shutdown()
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("graceful shutdown triggered")
	lifecycle.BeginShutdown(time.Now())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	logger.Info("waiting for in-flight requests", zap.Int64("count", httphandler.InFlightCount()))
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.InFlightTimeout)
	defer waitCancel()
	if err := httphandler.WaitForInFlight(waitCtx, cfg.InFlightCheckInterval); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	if err := a.scheduler.Shutdown(); err != nil {
		logger.Error("scheduler shutdown", zap.Error(err))
	}
	if err := observability.FlushTelemetry(context.Background(), logger, a.closers...); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}

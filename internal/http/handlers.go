package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-aggregation-service/internal/client"
	"github.com/kjstillabower/weather-aggregation-service/internal/lifecycle"
	"github.com/kjstillabower/weather-aggregation-service/internal/models"
	"github.com/kjstillabower/weather-aggregation-service/internal/observability"
	"github.com/kjstillabower/weather-aggregation-service/internal/service"
	"github.com/kjstillabower/weather-aggregation-service/internal/traffic"
	"github.com/kjstillabower/weather-aggregation-service/internal/validation"
)

// WeatherQuerier is the service surface the handlers depend on.
type WeatherQuerier interface {
	Current(ctx context.Context, city string) (models.AggregatedWeather, error)
	Forecast(ctx context.Context, city string) (models.ForecastResponse, error)
	History(ctx context.Context, city string) (models.HistoryResponse, error)
}

// Per-endpoint 404 messages.
const (
	msgCityNotFound     = "City not found"
	msgForecastNotFound = "Forecast not found"
	msgHistoryNotFound  = "Historical data not found"
)

// Health check values reported under "checks".
const (
	checkHealthy       = "healthy"
	checkDegraded      = "degraded"
	checkUnhealthy     = "unhealthy"
	checkNotConfigured = "not_configured"
)

// HealthConfig holds what the health handler reports on.
type HealthConfig struct {
	// Providers lists upstream names in the order they are queried.
	Providers []string
	// Unconfigured lists providers that lack credentials and are skipped.
	Unconfigured []string
	// Tracker supplies per-provider error rates; nil omits provider checks.
	Tracker *traffic.Tracker
	// Window and ErrorPct mark a provider degraded when its error rate over Window reaches ErrorPct.
	Window   time.Duration
	ErrorPct int
	// CachePing, when set, is called to check cache reachability. Used when backend is memcached.
	CachePing func() error
	Version   string
	Clock     clockwork.Clock
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	weather      WeatherQuerier
	healthConfig *HealthConfig
	logger       *zap.Logger
	clock        clockwork.Clock

	checksMu   sync.Mutex
	checksPrev map[string]string
}

// NewHandler returns a new Handler. healthConfig may be nil.
func NewHandler(weather WeatherQuerier, healthConfig *HealthConfig, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := clockwork.NewRealClock()
	if healthConfig != nil && healthConfig.Clock != nil {
		clock = healthConfig.Clock
	}
	return &Handler{
		weather:      weather,
		healthConfig: healthConfig,
		logger:       logger,
		clock:        clock,
	}
}

// GetCurrent handles GET /weather/current/{city}.
func (h *Handler) GetCurrent(w http.ResponseWriter, r *http.Request) {
	city, ok := cityParam(w, r)
	if !ok {
		return
	}
	observability.RecordWeatherQuery("current", city)
	result, err := h.weather.Current(r.Context(), city)
	if err != nil {
		writeServiceError(w, r, err, msgCityNotFound)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GetForecast handles GET /weather/forecast/{city}.
func (h *Handler) GetForecast(w http.ResponseWriter, r *http.Request) {
	city, ok := cityParam(w, r)
	if !ok {
		return
	}
	observability.RecordWeatherQuery("forecast", city)
	result, err := h.weather.Forecast(r.Context(), city)
	if err != nil {
		writeServiceError(w, r, err, msgForecastNotFound)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GetHistory handles GET /weather/history/{city}.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	city, ok := cityParam(w, r)
	if !ok {
		return
	}
	observability.RecordWeatherQuery("history", city)
	result, err := h.weather.History(r.Context(), city)
	if err != nil {
		writeServiceError(w, r, err, msgHistoryNotFound)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// cityParam extracts the {city} path variable and answers 400 when it is blank.
func cityParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	city, err := validation.ValidateCity(mux.Vars(r)["city"])
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_CITY", "City is required")
		return "", false
	}
	return city, true
}

// GetHealth handles GET /health. The service answers 200 "ok" while running, with
// per-dependency checks for information, and 503 once shutdown has begun.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	if since, ok := lifecycle.ShutdownSince(); ok {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":    "shutting-down",
			"since":     since.UTC().Format(time.RFC3339),
			"timestamp": h.clock.Now().UTC().Format(time.RFC3339),
		})
		return
	}

	checks := h.computeChecks()
	h.logTransitions(checks)

	version := "dev"
	if h.healthConfig != nil && h.healthConfig.Version != "" {
		version = h.healthConfig.Version
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"service":   observability.ServiceName,
		"version":   version,
		"checks":    checks,
		"timestamp": h.clock.Now().UTC().Format(time.RFC3339),
	})
}

// computeChecks reports each provider as not_configured, degraded (error rate at or
// above the threshold) or healthy, plus cache reachability when a ping is configured.
func (h *Handler) computeChecks() map[string]string {
	checks := make(map[string]string)
	cfg := h.healthConfig
	if cfg == nil {
		return checks
	}
	unconfigured := make(map[string]bool, len(cfg.Unconfigured))
	for _, name := range cfg.Unconfigured {
		unconfigured[name] = true
	}
	for _, name := range cfg.Providers {
		switch {
		case unconfigured[name]:
			checks[name] = checkNotConfigured
		case cfg.Tracker != nil && cfg.Window > 0 && cfg.ErrorPct > 0 && errorRateBreached(cfg, name):
			checks[name] = checkDegraded
		default:
			checks[name] = checkHealthy
		}
	}
	if cfg.CachePing != nil {
		if cfg.CachePing() == nil {
			checks["cache"] = checkHealthy
		} else {
			checks["cache"] = checkUnhealthy
		}
	}
	return checks
}

func errorRateBreached(cfg *HealthConfig, provider string) bool {
	errs, total := cfg.Tracker.ErrorRate(provider, cfg.Window)
	if total == 0 {
		return false
	}
	return float64(errs)*100/float64(total) >= float64(cfg.ErrorPct)
}

func (h *Handler) logTransitions(checks map[string]string) {
	h.checksMu.Lock()
	defer h.checksMu.Unlock()
	for name, cur := range checks {
		if prev, ok := h.checksPrev[name]; ok && prev != cur {
			h.logger.Info("health check transition",
				zap.String("check", name),
				zap.String("previous_status", prev),
				zap.String("current_status", cur))
		}
	}
	h.checksPrev = checks
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with code, message,
// and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": observability.CorrelationIDFromContext(r.Context()),
		},
	})
}

// upstreamStatus passes through upstream error statuses. 1xx, 2xx and 3xx cannot carry
// an error body, so they answer 502.
func upstreamStatus(code int) int {
	if code >= http.StatusBadRequest && code <= 599 {
		return code
	}
	return http.StatusBadGateway
}

// writeServiceError maps a service error to a response. Unknown city and missing data
// answer 404 with the endpoint's message; an upstream non-2xx answer is passed through
// with its status code when that is an error status (otherwise 502); anything else is a 500.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error, notFoundMsg string) {
	logger := observability.LoggerFromContext(r.Context())
	var upErr *client.UpstreamError
	switch {
	case errors.Is(err, service.ErrCityNotFound), errors.Is(err, service.ErrNoData):
		logger.Debug("not found", zap.Error(err))
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", notFoundMsg)
	case errors.As(err, &upErr):
		logger.Warn("upstream error", zap.String("provider", upErr.Provider), zap.Int("upstream_status", upErr.StatusCode))
		writeError(w, r, upstreamStatus(upErr.StatusCode), "UPSTREAM_ERROR", "External API error")
	default:
		logger.Error("unexpected error", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "Unexpected error: "+err.Error())
	}
}

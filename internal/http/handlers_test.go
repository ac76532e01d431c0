package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/weather-aggregation-service/internal/cache"
	"github.com/kjstillabower/weather-aggregation-service/internal/client"
	"github.com/kjstillabower/weather-aggregation-service/internal/lifecycle"
	"github.com/kjstillabower/weather-aggregation-service/internal/models"
	"github.com/kjstillabower/weather-aggregation-service/internal/service"
	"github.com/kjstillabower/weather-aggregation-service/internal/traffic"
)

type fakeWeather struct {
	current  models.AggregatedWeather
	forecast models.ForecastResponse
	history  models.HistoryResponse
	err      error
	block    chan struct{} // if set, calls block until ctx.Done() or the channel closes
	calls    atomic.Int32
}

func (f *fakeWeather) wait(ctx context.Context) error {
	f.calls.Add(1)
	if f.block == nil {
		return f.err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-f.block:
		return f.err
	}
}

func (f *fakeWeather) Current(ctx context.Context, city string) (models.AggregatedWeather, error) {
	if err := f.wait(ctx); err != nil {
		return models.AggregatedWeather{}, err
	}
	out := f.current
	out.City = city
	return out, nil
}

func (f *fakeWeather) Forecast(ctx context.Context, city string) (models.ForecastResponse, error) {
	if err := f.wait(ctx); err != nil {
		return models.ForecastResponse{}, err
	}
	return f.forecast, nil
}

func (f *fakeWeather) History(ctx context.Context, city string) (models.HistoryResponse, error) {
	if err := f.wait(ctx); err != nil {
		return models.HistoryResponse{}, err
	}
	return f.history, nil
}

func serve(t *testing.T, router http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

type errorBody struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"requestId"`
	} `json:"error"`
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v (raw %q)", err, w.Body.String())
	}
	return body
}

func newTestRouter(weather WeatherQuerier, hc *HealthConfig) http.Handler {
	h := NewHandler(weather, hc, zap.NewNop())
	return NewRouter(h, zap.NewNop(), 5*time.Second)
}

func TestHandler_GetCurrent_Success(t *testing.T) {
	fw := &fakeWeather{current: models.AggregatedWeather{
		Temperature: models.Temperature{Current: 11.0, Unit: "celsius"},
		Sources:     []string{"open-meteo", "openweather"},
		WindSpeed:   models.Float64(5.4),
	}}
	w := serve(t, newTestRouter(fw, nil), "/weather/current/Paris")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	var got map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["city"] != "Paris" {
		t.Errorf("city = %v", got["city"])
	}
	temp := got["temperature"].(map[string]interface{})
	if temp["current"] != 11.0 || temp["unit"] != "celsius" {
		t.Errorf("temperature = %v", temp)
	}
	if got["wind_speed"] != 5.4 {
		t.Errorf("wind_speed = %v", got["wind_speed"])
	}
	if _, ok := got["timestamp"]; ok {
		t.Error("timestamp should be omitted when absent")
	}
}

func TestHandler_CityWithSpaceIsDecoded(t *testing.T) {
	fw := &fakeWeather{}
	w := serve(t, newTestRouter(fw, nil), "/weather/current/New%20York")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var got models.AggregatedWeather
	_ = json.NewDecoder(w.Body).Decode(&got)
	if got.City != "New York" {
		t.Errorf("city = %q, want New York", got.City)
	}
}

func TestHandler_BlankCity_Returns400(t *testing.T) {
	for _, endpoint := range []string{"current", "forecast", "history"} {
		for _, city := range []string{"", "%20%20"} {
			t.Run(endpoint+"/"+city, func(t *testing.T) {
				fw := &fakeWeather{}
				w := serve(t, newTestRouter(fw, nil), "/weather/"+endpoint+"/"+city)
				if w.Code != http.StatusBadRequest {
					t.Fatalf("status = %d, want 400", w.Code)
				}
				if body := decodeError(t, w); body.Error.Message != "City is required" {
					t.Errorf("message = %q", body.Error.Message)
				}
				if fw.calls.Load() != 0 {
					t.Error("service called for blank city")
				}
			})
		}
	}
}

func TestHandler_ErrorMapping(t *testing.T) {
	upstream := fmt.Errorf("forecast for Paris: %w", &client.UpstreamError{Provider: client.OpenMeteoName, StatusCode: http.StatusBadGateway})
	tests := []struct {
		name       string
		endpoint   string
		err        error
		wantStatus int
		wantMsg    string
	}{
		{"current unknown city", "current", service.ErrCityNotFound, 404, "City not found"},
		{"current no data", "current", service.ErrNoData, 404, "City not found"},
		{"forecast unknown city", "forecast", service.ErrCityNotFound, 404, "Forecast not found"},
		{"forecast no data", "forecast", fmt.Errorf("forecast for Paris: %w", service.ErrNoData), 404, "Forecast not found"},
		{"history unknown city", "history", service.ErrCityNotFound, 404, "Historical data not found"},
		{"forecast upstream status", "forecast", upstream, 502, "External API error"},
		{"history upstream 400", "history", &client.UpstreamError{Provider: client.OpenMeteoName, StatusCode: 400}, 400, "External API error"},
		{"history upstream 304", "history", &client.UpstreamError{Provider: client.OpenMeteoName, StatusCode: 304}, 502, "External API error"},
		{"forecast upstream 204", "forecast", &client.UpstreamError{Provider: client.OpenMeteoName, StatusCode: 204}, 502, "External API error"},
		{"forecast upstream 100", "forecast", &client.UpstreamError{Provider: client.OpenMeteoName, StatusCode: 100}, 502, "External API error"},
		{"history unexpected", "history", errors.New("boom"), 500, "Unexpected error: boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fw := &fakeWeather{err: tt.err}
			w := serve(t, newTestRouter(fw, nil), "/weather/"+tt.endpoint+"/Paris")
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			body := decodeError(t, w)
			if body.Error.Message != tt.wantMsg {
				t.Errorf("message = %q, want %q", body.Error.Message, tt.wantMsg)
			}
			if body.Error.RequestID == "" || body.Error.RequestID != w.Header().Get("X-Correlation-ID") {
				t.Errorf("requestId = %q, header = %q", body.Error.RequestID, w.Header().Get("X-Correlation-ID"))
			}
		})
	}
}

func TestHandler_GetHealth_OK(t *testing.T) {
	lifecycle.Reset()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	tracker := traffic.NewTracker(clock)
	tracker.RecordSuccess(client.OpenMeteoName)
	hc := &HealthConfig{
		Providers:    []string{client.OpenMeteoName, client.OpenWeatherName},
		Unconfigured: []string{client.OpenWeatherName},
		Tracker:      tracker,
		Window:       time.Minute,
		ErrorPct:     50,
		CachePing:    func() error { return nil },
		Clock:        clock,
	}
	w := serve(t, newTestRouter(&fakeWeather{}, hc), "/health")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body struct {
		Status    string            `json:"status"`
		Service   string            `json:"service"`
		Checks    map[string]string `json:"checks"`
		Timestamp string            `json:"timestamp"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
	if body.Service != "weather-aggregation-service" {
		t.Errorf("service = %q", body.Service)
	}
	if body.Timestamp != "2024-06-01T12:00:00Z" {
		t.Errorf("timestamp = %q", body.Timestamp)
	}
	want := map[string]string{"open-meteo": "healthy", "openweather": "not_configured", "cache": "healthy"}
	for k, v := range want {
		if body.Checks[k] != v {
			t.Errorf("checks[%s] = %q, want %q", k, body.Checks[k], v)
		}
	}
}

func TestHandler_GetHealth_DegradedProviderStaysOK(t *testing.T) {
	lifecycle.Reset()
	tracker := traffic.NewTracker(nil)
	tracker.RecordError(client.OpenWeatherName)
	tracker.RecordSuccess(client.OpenWeatherName)
	tracker.RecordSuccess(client.OpenMeteoName)
	hc := &HealthConfig{
		Providers: []string{client.OpenMeteoName, client.OpenWeatherName},
		Tracker:   tracker,
		Window:    time.Minute,
		ErrorPct:  50,
		CachePing: func() error { return errors.New("connection refused") },
	}
	w := serve(t, newTestRouter(&fakeWeather{}, hc), "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body struct {
		Checks map[string]string `json:"checks"`
	}
	_ = json.NewDecoder(w.Body).Decode(&body)
	if body.Checks["openweather"] != "degraded" {
		t.Errorf("openweather = %q, want degraded", body.Checks["openweather"])
	}
	if body.Checks["open-meteo"] != "healthy" {
		t.Errorf("open-meteo = %q, want healthy", body.Checks["open-meteo"])
	}
	if body.Checks["cache"] != "unhealthy" {
		t.Errorf("cache = %q, want unhealthy", body.Checks["cache"])
	}
}

func TestHandler_GetHealth_ShuttingDown(t *testing.T) {
	lifecycle.BeginShutdown(time.Date(2024, 6, 1, 11, 59, 0, 0, time.UTC))
	defer lifecycle.Reset()

	w := serve(t, newTestRouter(&fakeWeather{}, nil), "/health")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"shutting-down"`) || !strings.Contains(w.Body.String(), `"since":"2024-06-01T11:59:00Z"`) {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestHandler_GetHealth_LogsTransition(t *testing.T) {
	lifecycle.Reset()
	core, logs := observer.New(zapcore.InfoLevel)
	tracker := traffic.NewTracker(nil)
	hc := &HealthConfig{
		Providers: []string{client.OpenMeteoName},
		Tracker:   tracker,
		Window:    time.Minute,
		ErrorPct:  50,
	}
	h := NewHandler(&fakeWeather{}, hc, zap.New(core))
	router := NewRouter(h, zap.NewNop(), 0)

	serve(t, router, "/health")
	tracker.RecordError(client.OpenMeteoName)
	serve(t, router, "/health")
	serve(t, router, "/health")

	entries := logs.FilterMessage("health check transition").All()
	if len(entries) != 1 {
		t.Fatalf("transition logs = %d, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["check"] != "open-meteo" || fields["previous_status"] != "healthy" || fields["current_status"] != "degraded" {
		t.Errorf("fields = %v", fields)
	}
}

func TestHandler_Metrics(t *testing.T) {
	router := newTestRouter(&fakeWeather{}, nil)
	serve(t, router, "/weather/current/Paris")
	w := serve(t, router, "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "httpRequestsTotal") {
		t.Error("metrics body missing httpRequestsTotal")
	}
}

// The tests below run the real service and clients against fake upstreams.

type upstreams struct {
	meteo, owm         *httptest.Server
	meteoHits, owmHits atomic.Int32
}

func newUpstreams(t *testing.T, meteoBody, owmBody string) *upstreams {
	t.Helper()
	u := &upstreams{}
	u.meteo = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.meteoHits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(meteoBody))
	}))
	u.owm = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.owmHits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(owmBody))
	}))
	t.Cleanup(u.meteo.Close)
	t.Cleanup(u.owm.Close)
	return u
}

func fullStackRouter(u *upstreams, apiKey string) http.Handler {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	meteo := client.NewOpenMeteoClient(u.meteo.URL, u.meteo.URL, client.Options{})
	owm := client.NewOpenWeatherClient(apiKey, u.owm.URL, client.Options{})
	svc := service.NewWeatherService(
		[]client.Provider{meteo, owm},
		meteo,
		cache.NewInMemoryCacheWithClock[models.ProviderReading](clock),
		cache.NewInMemoryCacheWithClock[[]models.DailyTemperature](clock),
		service.Options{Clock: clock},
	)
	return newTestRouter(svc, nil)
}

func TestFullStack_CurrentAveragesProviders(t *testing.T) {
	u := newUpstreams(t,
		`{"current_weather":{"temperature":10.0,"windspeed":3.5,"time":"2024-06-01T12:00"}}`,
		`{"main":{"temp":12.0,"humidity":60},"weather":[{"description":"clear sky"}]}`)
	router := fullStackRouter(u, "key")

	w := serve(t, router, "/weather/current/Paris")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var got models.AggregatedWeather
	_ = json.NewDecoder(w.Body).Decode(&got)
	if got.Temperature.Current != 11.0 {
		t.Errorf("current = %v, want 11.0", got.Temperature.Current)
	}
	if len(got.Sources) != 2 || got.Sources[0] != "open-meteo" || got.Sources[1] != "openweather" {
		t.Errorf("sources = %v", got.Sources)
	}

	serve(t, router, "/weather/current/Paris")
	if u.meteoHits.Load() != 1 || u.owmHits.Load() != 1 {
		t.Errorf("upstream hits = %d/%d, want 1/1 within TTL", u.meteoHits.Load(), u.owmHits.Load())
	}
}

func TestFullStack_MissingAPIKey(t *testing.T) {
	u := newUpstreams(t, `{"current_weather":{"temperature":14.2}}`, `{}`)
	w := serve(t, fullStackRouter(u, ""), "/weather/current/Tokyo")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var got models.AggregatedWeather
	_ = json.NewDecoder(w.Body).Decode(&got)
	if len(got.Sources) != 1 || got.Sources[0] != "open-meteo" {
		t.Errorf("sources = %v, want [open-meteo]", got.Sources)
	}
	if u.owmHits.Load() != 0 {
		t.Errorf("openweather hit %d times without a key", u.owmHits.Load())
	}
}

func TestFullStack_UnsupportedCity(t *testing.T) {
	u := newUpstreams(t, `{}`, `{}`)
	router := fullStackRouter(u, "key")
	for _, endpoint := range []string{"current", "forecast", "history"} {
		w := serve(t, router, "/weather/"+endpoint+"/FakeCity")
		if w.Code != http.StatusNotFound {
			t.Errorf("%s status = %d, want 404", endpoint, w.Code)
		}
	}
	if u.meteoHits.Load()+u.owmHits.Load() != 0 {
		t.Error("upstreams called for an unsupported city")
	}
}

func TestFullStack_ForecastDropsNullDay(t *testing.T) {
	u := newUpstreams(t, `{"daily":{
		"time":["2024-06-01","2024-06-02","2024-06-03","2024-06-04","2024-06-05"],
		"temperature_2m_min":[1,2,null,4,5],
		"temperature_2m_max":[11,12,13,14,15]}}`, `{}`)
	w := serve(t, fullStackRouter(u, ""), "/weather/forecast/London")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var got models.ForecastResponse
	_ = json.NewDecoder(w.Body).Decode(&got)
	if len(got.Forecast) != 4 {
		t.Errorf("forecast days = %d, want 4", len(got.Forecast))
	}
}

func TestFullStack_AllProvidersDown(t *testing.T) {
	meteo := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer meteo.Close()
	u := &upstreams{meteo: meteo, owm: meteo}
	w := serve(t, fullStackRouter(u, ""), "/weather/current/Paris")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

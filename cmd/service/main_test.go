package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-aggregation-service/internal/config"
)

// newTestApp builds the app from defaults. Only requests that never reach an
// upstream are issued, so no network access is needed.
func newTestApp(t *testing.T) *app {
	t.Helper()
	for _, k := range []string{"ENV_NAME", "OPENWEATHER_API_KEY", "CACHE_BACKEND", "MEMCACHED_ADDRS"} {
		t.Setenv(k, "")
	}
	cfg, err := config.LoadFromDir(t.TempDir())
	if err != nil {
		t.Fatalf("LoadFromDir() error = %v", err)
	}
	a, err := newApp(context.Background(), cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("newApp() error = %v", err)
	}
	t.Cleanup(func() { _ = a.scheduler.Shutdown() })
	return a
}

func TestApp_Routes(t *testing.T) {
	a := newTestApp(t)
	tests := []struct {
		path string
		want int
	}{
		{"/health", http.StatusOK},
		{"/metrics", http.StatusOK},
		{"/weather/current/", http.StatusBadRequest},
		{"/weather/forecast/%20", http.StatusBadRequest},
		{"/weather/current/FakeCity", http.StatusNotFound},
		{"/weather/history/paris", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			a.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path, nil))
			if w.Code != tt.want {
				t.Errorf("GET %s = %d, want %d", tt.path, w.Code, tt.want)
			}
		})
	}
}

func TestApp_HealthReportsMissingKey(t *testing.T) {
	a := newTestApp(t)
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
	if body.Checks["openweather"] != "not_configured" {
		t.Errorf("openweather check = %q, want not_configured", body.Checks["openweather"])
	}
}

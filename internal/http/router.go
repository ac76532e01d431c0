package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-aggregation-service/internal/observability"
)

// cityPattern admits an empty segment so a blank city answers 400 instead of 404.
const cityPattern = "{city:[^/]*}"

// NewRouter wires the weather, health and metrics routes. Weather routes get a request
// deadline of requestTimeout; health and metrics do not.
func NewRouter(h *Handler, logger *zap.Logger, requestTimeout time.Duration) *mux.Router {
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)

	weather := router.PathPrefix("/weather").Subrouter()
	if requestTimeout > 0 {
		weather.Use(TimeoutMiddleware(requestTimeout))
	}
	weather.HandleFunc("/current/"+cityPattern, h.GetCurrent).Methods(http.MethodGet)
	weather.HandleFunc("/forecast/"+cityPattern, h.GetForecast).Methods(http.MethodGet)
	weather.HandleFunc("/history/"+cityPattern, h.GetHistory).Methods(http.MethodGet)

	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)
	return router
}

package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"

	"github.com/kjstillabower/weather-aggregation-service/internal/geo"
	"github.com/kjstillabower/weather-aggregation-service/internal/models"
	"github.com/kjstillabower/weather-aggregation-service/internal/observability"
)

// Provider fetches one upstream's current conditions for a city.
type Provider interface {
	Name() string
	CurrentReading(ctx context.Context, city string, coords geo.Coordinates) (models.ProviderReading, error)
}

var (
	// ErrNoData is returned when the upstream answered 2xx without usable data.
	ErrNoData = errors.New("no data in upstream response")
	// ErrNotConfigured is returned without a network call when a provider lacks credentials.
	ErrNotConfigured = errors.New("provider not configured")
	// ErrCircuitOpen is returned while the provider's circuit breaker rejects calls.
	ErrCircuitOpen = errors.New("circuit breaker open")
)

// UpstreamError is a non-2xx answer from a provider. Handlers surface StatusCode as-is.
type UpstreamError struct {
	Provider   string
	StatusCode int
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: upstream returned HTTP %d", e.Provider, e.StatusCode)
}

// DefaultTimeout bounds a single upstream call.
const DefaultTimeout = 3 * time.Second

// maxBodyBytes caps how much of an upstream body is read.
const maxBodyBytes = 1 << 20

// Options configures the transport shared by all providers.
type Options struct {
	Timeout    time.Duration
	HTTPClient *http.Client
	Breaker    BreakerConfig
}

// BreakerConfig enables a per-provider circuit breaker. After FailureThreshold
// consecutive transport failures or 5xx answers the breaker opens for OpenTimeout.
type BreakerConfig struct {
	Enabled          bool
	FailureThreshold int
	OpenTimeout      time.Duration
}

// upstream performs GET requests for one provider with timeout, metrics and an optional breaker.
type upstream struct {
	provider string
	timeout  time.Duration
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
}

func newUpstream(provider string, opts Options) *upstream {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}
	u := &upstream{provider: provider, timeout: timeout, client: hc}
	if opts.Breaker.Enabled {
		u.breaker = newBreaker(provider, opts.Breaker)
	}
	return u
}

func newBreaker(provider string, cfg BreakerConfig) *gobreaker.CircuitBreaker {
	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = 5
	}
	openTimeout := cfg.OpenTimeout
	if openTimeout <= 0 {
		openTimeout = 30 * time.Second
	}
	observability.CircuitBreakerState.WithLabelValues(provider).Set(float64(gobreaker.StateClosed))
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        provider,
		MaxRequests: 1,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			observability.CircuitBreakerTransitionsTotal.WithLabelValues(name, from.String(), to.String()).Inc()
			observability.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		},
	})
}

type rawResponse struct {
	status int
	body   []byte
}

// get issues GET endpoint?params and returns the body of a 2xx answer.
// Non-2xx answers return *UpstreamError.
func (u *upstream) get(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	req, err := buildRequest(reqCtx, endpoint, params)
	if err != nil {
		return nil, err
	}

	var resp *rawResponse
	if u.breaker != nil {
		out, cbErr := u.breaker.Execute(func() (interface{}, error) {
			r, err := u.do(req)
			if err != nil {
				return nil, err
			}
			if r.status >= 500 {
				return nil, &UpstreamError{Provider: u.provider, StatusCode: r.status}
			}
			return r, nil
		})
		if errors.Is(cbErr, gobreaker.ErrOpenState) || errors.Is(cbErr, gobreaker.ErrTooManyRequests) {
			observability.UpstreamCallsTotal.WithLabelValues(u.provider, "circuit_open").Inc()
			return nil, fmt.Errorf("%s: %w", u.provider, ErrCircuitOpen)
		}
		if cbErr != nil {
			return nil, cbErr
		}
		resp = out.(*rawResponse)
	} else {
		resp, err = u.do(req)
		if err != nil {
			return nil, err
		}
	}

	if resp.status < 200 || resp.status >= 300 {
		return nil, &UpstreamError{Provider: u.provider, StatusCode: resp.status}
	}
	return resp.body, nil
}

// do sends req, reads the body and records call metrics.
func (u *upstream) do(req *http.Request) (*rawResponse, error) {
	start := time.Now()
	resp, err := u.client.Do(req)
	if err != nil {
		observability.UpstreamCallsTotal.WithLabelValues(u.provider, "error").Inc()
		observability.UpstreamDuration.WithLabelValues(u.provider, "error").Observe(time.Since(start).Seconds())
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("%s: request timeout: %w", u.provider, err)
		}
		return nil, fmt.Errorf("%s: http request failed: %w", u.provider, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	status := statusLabel(resp.StatusCode)
	observability.UpstreamCallsTotal.WithLabelValues(u.provider, status).Inc()
	observability.UpstreamDuration.WithLabelValues(u.provider, status).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("%s: read response body: %w", u.provider, err)
	}
	return &rawResponse{status: resp.StatusCode, body: body}, nil
}

func buildRequest(ctx context.Context, endpoint string, params url.Values) (*http.Request, error) {
	baseURL, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream URL: %w", err)
	}
	baseURL.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if corrID := observability.CorrelationIDFromContext(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}
	return req, nil
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == 429 {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}

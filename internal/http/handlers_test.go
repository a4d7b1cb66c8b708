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

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/weather-search-cache/internal/cache"
	"github.com/kjstillabower/weather-search-cache/internal/circuitbreaker"
	"github.com/kjstillabower/weather-search-cache/internal/client"
	"github.com/kjstillabower/weather-search-cache/internal/models"
	"github.com/kjstillabower/weather-search-cache/internal/service"
	"github.com/kjstillabower/weather-search-cache/internal/traffic"
)

// stubClient answers every city with the same record unless err is set.
type stubClient struct {
	err   error
	calls atomic.Int32
}

func (s *stubClient) GetCurrentWeather(ctx context.Context, city string) (models.WeatherRecord, error) {
	s.calls.Add(1)
	if s.err != nil {
		return models.WeatherRecord{}, s.err
	}
	return models.WeatherRecord{
		CityName:           strings.ToUpper(city[:1]) + city[1:],
		Country:            "GB",
		Temperature:        15.5,
		Humidity:           75,
		WeatherMain:        "Clouds",
		WeatherDescription: "broken clouds",
		WeatherIcon:        "04d",
		Timestamp:          time.Now(),
	}, nil
}

func (s *stubClient) ValidateAPIKey(ctx context.Context) error { return nil }

// stubService returns a fixed error; used for outcomes the real service only reaches
// through panics or misconfiguration.
type stubService struct {
	err   error
	stats models.CacheStats
}

func (s *stubService) GetWeather(ctx context.Context, city string) (models.WeatherRecord, error) {
	return models.WeatherRecord{}, s.err
}

func (s *stubService) ReportStatistics() models.CacheStats { return s.stats }

type fixedBreaker struct{ state circuitbreaker.State }

func (f fixedBreaker) State() circuitbreaker.State { return f.state }

func newTestService(c client.WeatherClient) *service.WeatherService {
	store := cache.NewStore(cache.Options{MaxEntries: 10, TTL: time.Minute})
	return service.NewWeatherService(c, store, time.Second, zap.NewNop())
}

func serve(t *testing.T, h *Handler, rc RouterConfig, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	w := httptest.NewRecorder()
	NewRouter(h, rc).ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body struct {
		Error map[string]string `json:"error"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body.Error
}

// TestHandler_GetWeather_Success verifies the weather payload and the icon URL, and that a
// repeated lookup is served from cache.
func TestHandler_GetWeather_Success(t *testing.T) {
	c := &stubClient{}
	handler := NewHandler(newTestService(c), nil, nil, CityLimits{}, zap.NewNop())

	w := serve(t, handler, RouterConfig{}, "GET", "/api/weather?city=London")
	if w.Code != http.StatusOK {
		t.Fatalf("GetWeather() status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp weatherResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.CityName != "London" {
		t.Errorf("cityName = %q, want London", resp.CityName)
	}
	if resp.WeatherIconURL != "https://openweathermap.org/img/wn/04d@2x.png" {
		t.Errorf("weatherIconUrl = %q", resp.WeatherIconURL)
	}
	if resp.FromCache {
		t.Error("first lookup should not be fromCache")
	}

	w = serve(t, handler, RouterConfig{}, "GET", "/api/weather?city=%20LONDON%20")
	if w.Code != http.StatusOK {
		t.Fatalf("second GetWeather() status = %d", w.Code)
	}
	resp = weatherResponse{}
	_ = json.NewDecoder(w.Body).Decode(&resp)
	if !resp.FromCache {
		t.Error("second lookup with different casing should be fromCache")
	}
	if got := c.calls.Load(); got != 1 {
		t.Errorf("upstream calls = %d, want 1", got)
	}
}

func TestHandler_GetWeather_InvalidCity(t *testing.T) {
	tests := []struct {
		name  string
		query string
	}{
		{"missing", "/api/weather"},
		{"blank", "/api/weather?city=%20%20"},
		{"too long", "/api/weather?city=" + strings.Repeat("a", 11)},
		{"bad chars", "/api/weather?city=London%3Bdrop"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &stubClient{}
			handler := NewHandler(newTestService(c), nil, nil, CityLimits{MinLength: 1, MaxLength: 10}, zap.NewNop())

			w := serve(t, handler, RouterConfig{}, "GET", tt.query)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
			e := decodeError(t, w)
			if e["code"] != "INVALID_CITY" {
				t.Errorf("code = %q, want INVALID_CITY", e["code"])
			}
			if e["requestId"] == "" {
				t.Error("requestId should carry the correlation id")
			}
			if c.calls.Load() != 0 {
				t.Error("invalid input must not reach upstream")
			}
		})
	}
}

func TestHandler_GetWeather_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		clientErr  error
		wantStatus int
		wantCode   string
	}{
		{"not found", fmt.Errorf("%w: 404", client.ErrCityNotFound), http.StatusNotFound, "CITY_NOT_FOUND"},
		{"upstream", fmt.Errorf("%w: 502", client.ErrUpstreamFailure), http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE"},
		{"timeout", client.ErrTimeout, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE"},
		{"unknown", errors.New("boom"), http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewHandler(newTestService(&stubClient{err: tt.clientErr}), nil, nil, CityLimits{}, zap.NewNop())

			w := serve(t, handler, RouterConfig{}, "GET", "/api/weather?city=Atlantis")
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if e := decodeError(t, w); e["code"] != tt.wantCode {
				t.Errorf("code = %q, want %q", e["code"], tt.wantCode)
			}
		})
	}
}

func TestHandler_GetWeather_InternalError(t *testing.T) {
	svc := &stubService{err: fmt.Errorf("%w: panic in fetch", service.ErrInternal)}
	handler := NewHandler(svc, nil, nil, CityLimits{}, zap.NewNop())

	w := serve(t, handler, RouterConfig{}, "GET", "/api/weather?city=London")
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	if e := decodeError(t, w); e["code"] != "INTERNAL_ERROR" {
		t.Errorf("code = %q, want INTERNAL_ERROR", e["code"])
	}
}

func TestHandler_GetWeather_RecordsOutcomes(t *testing.T) {
	tracker := traffic.NewTracker(nil)
	notFound := NewHandler(newTestService(&stubClient{err: client.ErrCityNotFound}), tracker, nil, CityLimits{}, zap.NewNop())
	failing := NewHandler(newTestService(&stubClient{err: client.ErrUpstreamFailure}), tracker, nil, CityLimits{}, zap.NewNop())

	serve(t, notFound, RouterConfig{}, "GET", "/api/weather?city=Atlantis")
	serve(t, failing, RouterConfig{}, "GET", "/api/weather?city=London")

	errs, total := tracker.ErrorRate(time.Minute)
	if total != 2 || errs != 1 {
		t.Errorf("ErrorRate = %d/%d, want 1/2 (not-found is not a service error)", errs, total)
	}
}

func TestHandler_GetCacheStats(t *testing.T) {
	handler := NewHandler(newTestService(&stubClient{}), nil, nil, CityLimits{}, zap.NewNop())

	serve(t, handler, RouterConfig{}, "GET", "/api/weather?city=London")
	serve(t, handler, RouterConfig{}, "GET", "/api/weather?city=london")

	w := serve(t, handler, RouterConfig{}, "GET", "/api/weather/cache/stats")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	checks := map[string]interface{}{
		"hitCount":           1.0,
		"missCount":          1.0,
		"loadSuccessCount":   1.0,
		"loadFailureCount":   0.0,
		"evictionCount":      0.0,
		"estimatedSize":      1.0,
		"requestCount":       2.0,
		"hitRate":            0.5,
		"hitRatePercentage":  "50.00%",
		"missRatePercentage": "50.00%",
	}
	for k, want := range checks {
		if resp[k] != want {
			t.Errorf("%s = %v, want %v", k, resp[k], want)
		}
	}
}

func TestHandler_GetHealth(t *testing.T) {
	handler := NewHandler(newTestService(&stubClient{}), nil, nil, CityLimits{}, zap.NewNop())

	for _, path := range []string{"/health", "/api/weather/health"} {
		w := serve(t, handler, RouterConfig{}, "GET", path)
		if w.Code != http.StatusOK {
			t.Fatalf("%s status = %d, want 200", path, w.Code)
		}
		var resp map[string]interface{}
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp["status"] != "healthy" {
			t.Errorf("%s status = %v, want healthy", path, resp["status"])
		}
		if resp["service"] != "weather-search-cache" {
			t.Errorf("service = %v", resp["service"])
		}
	}
}

func TestHandler_GetHealth_ShuttingDown(t *testing.T) {
	handler := NewHandler(newTestService(&stubClient{}), nil, &HealthConfig{}, CityLimits{}, zap.NewNop())
	handler.SetShuttingDown(true)

	w := serve(t, handler, RouterConfig{}, "GET", "/health")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"shutting-down"`) {
		t.Errorf("body = %s, want shutting-down", w.Body.String())
	}
}

func TestHandler_GetHealth_CircuitOpen(t *testing.T) {
	hc := &HealthConfig{Breaker: fixedBreaker{state: circuitbreaker.StateOpen}}
	handler := NewHandler(newTestService(&stubClient{}), nil, hc, CityLimits{}, zap.NewNop())

	w := serve(t, handler, RouterConfig{}, "GET", "/health")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"degraded"`) {
		t.Errorf("body = %s, want degraded", w.Body.String())
	}
}

func TestHandler_GetHealth_DegradedErrorRate(t *testing.T) {
	tracker := traffic.NewTracker(nil)
	for i := 0; i < 9; i++ {
		tracker.RecordSuccess()
	}
	tracker.RecordError()
	hc := &HealthConfig{DegradedWindow: time.Minute, DegradedErrorPct: 10}
	handler := NewHandler(newTestService(&stubClient{}), tracker, hc, CityLimits{}, zap.NewNop())

	if got := handler.computeHealthStatus(); got.status != "degraded" || got.reason != "error_rate_breach" {
		t.Errorf("computeHealthStatus() = %+v, want degraded/error_rate_breach", got)
	}

	hc.DegradedErrorPct = 11
	if got := handler.computeHealthStatus(); got.status != "healthy" {
		t.Errorf("computeHealthStatus() below threshold = %+v, want healthy", got)
	}
}

func TestHandler_GetHealth_LogsTransition(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	handler := NewHandler(newTestService(&stubClient{}), nil, &HealthConfig{}, CityLimits{}, zap.New(core))

	serve(t, handler, RouterConfig{}, "GET", "/health")
	handler.SetShuttingDown(true)
	serve(t, handler, RouterConfig{}, "GET", "/health")

	entries := logs.FilterMessage("health status transition").All()
	if len(entries) != 1 {
		t.Fatalf("transition logs = %d, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["previous_status"] != "healthy" || fields["current_status"] != "shutting-down" {
		t.Errorf("transition fields = %v", fields)
	}
}

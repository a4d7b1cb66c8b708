package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-search-cache/internal/models"
	"github.com/kjstillabower/weather-search-cache/internal/traffic"
)

// blockingClient holds every call until release is closed or ctx ends.
type blockingClient struct {
	release chan struct{}
}

func (b *blockingClient) GetCurrentWeather(ctx context.Context, city string) (models.WeatherRecord, error) {
	select {
	case <-b.release:
		return models.WeatherRecord{CityName: city}, nil
	case <-ctx.Done():
		return models.WeatherRecord{}, ctx.Err()
	}
}

func (b *blockingClient) ValidateAPIKey(ctx context.Context) error { return nil }

func TestMiddleware_CorrelationIDGenerated(t *testing.T) {
	handler := NewHandler(newTestService(&stubClient{}), nil, nil, CityLimits{}, zap.NewNop())

	w := serve(t, handler, RouterConfig{}, "GET", "/api/weather?city=London")

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if w.Header().Get("X-Correlation-ID") == "" {
		t.Error("X-Correlation-ID header missing")
	}
}

func TestMiddleware_CorrelationIDPropagated(t *testing.T) {
	var seenID string
	var seenLogger bool
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(zap.NewNop()))
	router.HandleFunc("/inspect", func(w http.ResponseWriter, r *http.Request) {
		seenID, _ = r.Context().Value("correlation_id").(string)
		_, seenLogger = r.Context().Value("logger").(*zap.Logger)
	})

	req := httptest.NewRequest("GET", "/inspect", nil)
	req.Header.Set("X-Correlation-ID", "client-provided-id")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if got := w.Header().Get("X-Correlation-ID"); got != "client-provided-id" {
		t.Errorf("X-Correlation-ID = %q, want client-provided-id", got)
	}
	if seenID != "client-provided-id" {
		t.Errorf("context correlation_id = %q, want client-provided-id", seenID)
	}
	if !seenLogger {
		t.Error("request-scoped logger missing from context")
	}
}

func TestTimeoutMiddleware_CancelsContextAfterTimeout(t *testing.T) {
	slow := &blockingClient{release: make(chan struct{})}
	defer close(slow.release)
	handler := NewHandler(newTestService(slow), nil, nil, CityLimits{}, zap.NewNop())

	w := serve(t, handler, RouterConfig{RequestTimeout: 50 * time.Millisecond}, "GET", "/api/weather?city=London")

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d (timeout should surface as upstream unavailable)", w.Code, http.StatusServiceUnavailable)
	}
}

func TestRateLimitMiddleware_Returns429WhenExceeded(t *testing.T) {
	handler := NewHandler(newTestService(&stubClient{}), nil, nil, CityLimits{}, zap.NewNop())
	tracker := traffic.NewTracker(nil)
	router := NewRouter(handler, RouterConfig{Limiter: rate.NewLimiter(1, 2), Tracker: tracker})

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("GET", "/api/weather?city=London", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if i < 2 {
			if w.Code != http.StatusOK {
				t.Errorf("request %d: status = %d, want 200", i, w.Code)
			}
			continue
		}
		if w.Code != http.StatusTooManyRequests {
			t.Fatalf("request %d: status = %d, want 429", i, w.Code)
		}
		e := decodeError(t, w)
		if e["code"] != "RATE_LIMITED" {
			t.Errorf("error.code = %q, want RATE_LIMITED", e["code"])
		}
		if e["requestId"] == "" {
			t.Error("429 response should carry requestId")
		}
	}
	if got := tracker.DenialCount(time.Minute); got != 1 {
		t.Errorf("DenialCount = %d, want 1", got)
	}
}

func TestRateLimitMiddleware_OnlyGuardsLookups(t *testing.T) {
	handler := NewHandler(newTestService(&stubClient{}), nil, nil, CityLimits{}, zap.NewNop())
	router := NewRouter(handler, RouterConfig{Limiter: rate.NewLimiter(rate.Every(time.Hour), 1)})

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("GET", "/api/weather/cache/stats", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("stats request %d: status = %d, want 200", i, w.Code)
		}
	}
}

func TestRateLimitMiddleware_NilLimiterPassesThrough(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	h := RateLimitMiddleware(nil, nil)(next)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/api/weather?city=x", nil))

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204 (nil limiter should allow)", w.Code)
	}
}

func TestCORSMiddleware_Preflight(t *testing.T) {
	handler := NewHandler(newTestService(&stubClient{}), nil, nil, CityLimits{}, zap.NewNop())
	router := NewRouter(handler, RouterConfig{AllowedOrigins: []string{"http://localhost:3000"}})

	req := httptest.NewRequest(http.MethodOptions, "/api/weather?city=London", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "GET")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Access-Control-Allow-Origin = %q, want http://localhost:3000", got)
	}
}

func TestCORSMiddleware_UnknownOrigin(t *testing.T) {
	handler := NewHandler(newTestService(&stubClient{}), nil, nil, CityLimits{}, zap.NewNop())
	router := NewRouter(handler, RouterConfig{AllowedOrigins: []string{"http://localhost:3000"}})

	req := httptest.NewRequest(http.MethodGet, "/api/weather?city=London", nil)
	req.Header.Set("Origin", "http://evil.example")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Access-Control-Allow-Origin = %q, want empty", got)
	}
}

func TestMiddleware_MetricsRoute(t *testing.T) {
	handler := NewHandler(newTestService(&stubClient{}), nil, nil, CityLimits{}, zap.NewNop())
	serve(t, handler, RouterConfig{}, "GET", "/api/weather?city=London")

	w := serve(t, handler, RouterConfig{}, "GET", "/metrics")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `httpRequestsTotal{method="GET",route="/api/weather",statusCode="2xx"}`) {
		t.Error("/metrics should expose the lookup route counter")
	}
}

func TestMiddleware_UnknownRoute(t *testing.T) {
	handler := NewHandler(newTestService(&stubClient{}), nil, nil, CityLimits{}, zap.NewNop())

	w := serve(t, handler, RouterConfig{}, "GET", "/weather/london")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestGetRoute(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/health", "/health"},
		{"/metrics", "/metrics"},
		{"/api/weather", "/api/weather"},
		{"/api/weather/", "/api/weather"},
		{"/api/weather/cache/stats", "/api/weather/cache/stats"},
		{"/anything/else", "other"},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("GET", tt.path, nil)
		if got := getRoute(r); got != tt.want {
			t.Errorf("getRoute(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestMetricsMiddleware_TracksInFlight(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	h := MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
	}))

	done := make(chan struct{})
	go func() {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/health", nil))
		close(done)
	}()
	<-entered
	if got := InFlightCount(); got < 1 {
		t.Errorf("InFlightCount() = %d, want >= 1 while request is running", got)
	}
	close(release)
	<-done

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := WaitForInFlight(ctx, 5*time.Millisecond); err != nil {
		t.Errorf("WaitForInFlight() = %v, want nil after request completed", err)
	}
}

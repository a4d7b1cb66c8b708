package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-search-cache/internal/circuitbreaker"
	"github.com/kjstillabower/weather-search-cache/internal/models"
	"github.com/kjstillabower/weather-search-cache/internal/observability"
	"github.com/kjstillabower/weather-search-cache/internal/service"
	"github.com/kjstillabower/weather-search-cache/internal/traffic"
	"github.com/kjstillabower/weather-search-cache/internal/validation"
)

// WeatherService is the lookup surface the handlers depend on.
type WeatherService interface {
	GetWeather(ctx context.Context, city string) (models.WeatherRecord, error)
	ReportStatistics() models.CacheStats
}

// BreakerState reports the upstream circuit breaker state.
type BreakerState interface {
	State() circuitbreaker.State
}

// HealthConfig holds thresholds for the health handler.
type HealthConfig struct {
	DegradedWindow   time.Duration
	DegradedErrorPct int
	// Breaker, when set, reports degraded while the upstream circuit is open.
	Breaker BreakerState
}

// CityLimits bounds the accepted city parameter.
type CityLimits struct {
	MinLength int
	MaxLength int
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	weatherService WeatherService
	tracker        *traffic.Tracker
	healthConfig   *HealthConfig
	cityLimits     CityLimits
	logger         *zap.Logger

	shuttingDown     atomic.Bool
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler. tracker and healthConfig may be nil.
func NewHandler(
	weatherService WeatherService,
	tracker *traffic.Tracker,
	healthConfig *HealthConfig,
	cityLimits CityLimits,
	logger *zap.Logger,
) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cityLimits.MinLength <= 0 {
		cityLimits.MinLength = 1
	}
	if cityLimits.MaxLength < cityLimits.MinLength {
		cityLimits.MaxLength = 100
	}
	return &Handler{
		weatherService: weatherService,
		tracker:        tracker,
		healthConfig:   healthConfig,
		cityLimits:     cityLimits,
		logger:         logger,
	}
}

// SetShuttingDown flips the health endpoint to shutting-down.
func (h *Handler) SetShuttingDown(v bool) {
	h.shuttingDown.Store(v)
}

// IsShuttingDown reports whether shutdown has begun.
func (h *Handler) IsShuttingDown() bool {
	return h.shuttingDown.Load()
}

type weatherResponse struct {
	models.WeatherRecord
	WeatherIconURL string `json:"weatherIconUrl,omitempty"`
}

// GetWeather handles GET /api/weather?city={city}.
func (h *Handler) GetWeather(w http.ResponseWriter, r *http.Request) {
	city, err := validation.ValidateCity(r.URL.Query().Get("city"), h.cityLimits.MinLength, h.cityLimits.MaxLength)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_CITY", err.Error())
		return
	}

	rec, err := h.weatherService.GetWeather(r.Context(), city)
	if err != nil {
		h.recordOutcome(err)
		writeServiceError(w, r, err)
		return
	}
	h.recordOutcome(nil)
	writeJSON(w, http.StatusOK, weatherResponse{WeatherRecord: rec, WeatherIconURL: rec.IconURL()})
}

// recordOutcome feeds the degraded-health window. Caller mistakes are not service errors.
func (h *Handler) recordOutcome(err error) {
	if h.tracker == nil {
		return
	}
	switch {
	case err == nil, errors.Is(err, service.ErrCityNotFound), errors.Is(err, service.ErrInvalidInput):
		h.tracker.RecordSuccess()
	default:
		h.tracker.RecordError()
	}
}

type cacheStatsResponse struct {
	models.CacheStats
	RequestCount       uint64 `json:"requestCount"`
	HitRatePercentage  string `json:"hitRatePercentage"`
	MissRatePercentage string `json:"missRatePercentage"`
}

// GetCacheStats handles GET /api/weather/cache/stats.
func (h *Handler) GetCacheStats(w http.ResponseWriter, r *http.Request) {
	s := h.weatherService.ReportStatistics()
	writeJSON(w, http.StatusOK, cacheStatsResponse{
		CacheStats:         s,
		RequestCount:       s.RequestCount(),
		HitRatePercentage:  s.HitRatePercentage(),
		MissRatePercentage: s.MissRatePercentage(),
	})
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health and GET /api/weather/health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus()

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	checks := map[string]string{"weatherApi": "healthy"}
	if result.status == "degraded" {
		checks["weatherApi"] = "unhealthy"
	}
	stats := h.weatherService.ReportStatistics()
	writeJSON(w, result.statusCode, map[string]interface{}{
		"status":    result.status,
		"service":   "weather-search-cache",
		"version":   "dev",
		"checks":    checks,
		"cache":     map[string]interface{}{"entries": stats.EstimatedSize, "hitRate": stats.HitRatePercentage()},
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// computeHealthStatus evaluates, in order: shutting-down, open circuit, error rate.
func (h *Handler) computeHealthStatus() healthResult {
	if h.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}
	}
	if h.healthConfig == nil {
		return healthResult{"healthy", http.StatusOK, ""}
	}
	if h.healthConfig.Breaker != nil && h.healthConfig.Breaker.State() == circuitbreaker.StateOpen {
		return healthResult{"degraded", http.StatusServiceUnavailable, "circuit_open"}
	}
	if h.tracker != nil && h.healthConfig.DegradedWindow > 0 && h.healthConfig.DegradedErrorPct > 0 {
		errs, total := h.tracker.ErrorRate(h.healthConfig.DegradedWindow)
		if total > 0 {
			pct := float64(errs) * 100 / float64(total)
			if pct >= float64(h.healthConfig.DegradedErrorPct) {
				return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach"}
			}
		}
	}
	return healthResult{"healthy", http.StatusOK, ""}
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
	corrID, _ := r.Context().Value("correlation_id").(string)
	observability.HTTPErrorsTotal.WithLabelValues(code).Inc()
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": corrID,
		},
	})
}

// writeServiceError maps lookup errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	logger, _ := r.Context().Value("logger").(*zap.Logger)
	if logger == nil {
		logger = zap.NewNop()
	}
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, "INVALID_CITY", "city is required")
	case errors.Is(err, service.ErrCityNotFound):
		writeError(w, r, http.StatusNotFound, "CITY_NOT_FOUND", "City not found")
	case errors.Is(err, service.ErrUpstreamUnavailable):
		logger.Debug("upstream error", zap.Error(err))
		writeError(w, r, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "Unable to fetch weather data")
	default:
		logger.Error("lookup failed", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred")
	}
}

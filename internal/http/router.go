package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-search-cache/internal/observability"
	"github.com/kjstillabower/weather-search-cache/internal/traffic"
)

// RouterConfig carries the middleware settings for NewRouter.
type RouterConfig struct {
	AllowedOrigins []string
	RequestTimeout time.Duration
	Limiter        *rate.Limiter
	Tracker        *traffic.Tracker
	Logger         *zap.Logger
}

// NewRouter wires the API routes and middleware.
func NewRouter(h *Handler, rc RouterConfig) *mux.Router {
	logger := rc.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)
	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)

	api := router.PathPrefix("/api/weather").Subrouter()
	if len(rc.AllowedOrigins) > 0 {
		api.Use(CORSMiddleware(rc.AllowedOrigins))
	}
	api.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/cache/stats", h.GetCacheStats).Methods(http.MethodGet, http.MethodOptions)

	var weather http.Handler = http.HandlerFunc(h.GetWeather)
	if rc.RequestTimeout > 0 {
		weather = TimeoutMiddleware(rc.RequestTimeout)(weather)
	}
	weather = RateLimitMiddleware(rc.Limiter, rc.Tracker)(weather)
	api.Handle("", weather).Methods(http.MethodGet, http.MethodOptions)
	return router
}

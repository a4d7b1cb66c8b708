package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-search-cache/internal/cache"
	"github.com/kjstillabower/weather-search-cache/internal/circuitbreaker"
	"github.com/kjstillabower/weather-search-cache/internal/client"
	"github.com/kjstillabower/weather-search-cache/internal/config"
	httphandler "github.com/kjstillabower/weather-search-cache/internal/http"
	"github.com/kjstillabower/weather-search-cache/internal/observability"
	"github.com/kjstillabower/weather-search-cache/internal/service"
	"github.com/kjstillabower/weather-search-cache/internal/traffic"
)

const upstreamComponent = "weather_api"

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

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(rootCtx, cfg.TracingEndpoint, cfg.TracingServiceName, logger)
	if err != nil {
		logger.Fatal("tracing", zap.Error(err))
	}

	weatherClient, err := client.NewOpenWeatherClientWithRetry(
		cfg.WeatherAPIKey,
		cfg.WeatherAPIURL,
		cfg.WeatherAPITimeout,
		cfg.RetryAttempts,
		cfg.RetryBaseDelay,
		cfg.RetryMaxDelay,
	)
	if err != nil {
		logger.Fatal("weather client", zap.Error(err))
	}

	breaker := circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		SuccessThreshold: cfg.CircuitBreaker.SuccessThreshold,
		Timeout:          cfg.CircuitBreaker.Timeout,
		Component:        upstreamComponent,
		IsFailure:        client.CountsAsBreakerFailure,
		OnStateChange: func(from, to circuitbreaker.State) {
			observability.RecordCircuitBreakerTransition(upstreamComponent, from.String(), to.String())
			logger.Warn("circuit breaker state change", zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	weatherClient.SetCircuitBreaker(breaker)
	observability.SetCircuitBreakerStateGauge(upstreamComponent, observability.CircuitBreakerStateValue(breaker.State().String()))

	keyCtx, keyCancel := context.WithTimeout(rootCtx, cfg.WeatherAPITimeout)
	if err := weatherClient.ValidateAPIKey(keyCtx); err != nil {
		logger.Warn("weather API key check failed", zap.Error(err))
	}
	keyCancel()

	store := cache.NewStore(cache.Options{
		MaxEntries: cfg.CacheMaxSize,
		TTL:        cfg.CacheTTL,
		Logger:     logger,
	})
	store.StartJanitor(rootCtx, cfg.CacheCleanupInterval)
	logger.Info("weather cache ready", zap.Int("max_entries", cfg.CacheMaxSize), zap.Duration("ttl", cfg.CacheTTL))

	weatherService := service.NewWeatherService(weatherClient, store, cfg.CacheFetchTimeout, logger)
	observability.SetCacheStatsSource(weatherService.ReportStatistics)
	observability.SetTrackedCities(cfg.TrackedCities)

	tracker := traffic.NewTracker(nil)
	observability.RegisterTrafficGauges(tracker, cfg.DegradedWindow)

	if cfg.WarmingEnabled && len(cfg.WarmingCities) > 0 {
		warmer := cache.NewCacheWarmer(weatherService, logger)
		go func() {
			if err := warmer.WarmPeriodic(rootCtx, cfg.WarmingCities, cfg.WarmingInterval); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("periodic cache warming stopped", zap.Error(err))
			}
		}()
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	handler := httphandler.NewHandler(
		weatherService,
		tracker,
		&httphandler.HealthConfig{
			DegradedWindow:   cfg.DegradedWindow,
			DegradedErrorPct: cfg.DegradedErrorPct,
			Breaker:          breaker,
		},
		httphandler.CityLimits{MinLength: cfg.CityMinLength, MaxLength: cfg.CityMaxLength},
		logger,
	)
	router := httphandler.NewRouter(handler, httphandler.RouterConfig{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		RequestTimeout: cfg.RequestTimeout,
		Limiter:        limiter,
		Tracker:        tracker,
		Logger:         logger,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	<-rootCtx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	handler.SetShuttingDown(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	inFlight := httphandler.InFlightCount()
	logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight))
	observability.RecordShutdownInFlight(inFlight)
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.InFlightTimeout)
	defer waitCancel()
	if err := httphandler.WaitForInFlight(waitCtx, 100*time.Millisecond); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	if err := observability.FlushTelemetry(shutdownCtx, logger, shutdownTracing); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}

	final := weatherService.ReportStatistics()
	logger.Info("shutdown complete",
		zap.Uint64("cache_hits", final.HitCount),
		zap.Uint64("cache_misses", final.MissCount),
		zap.String("hit_rate", final.HitRatePercentage()))
}

package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-search-cache/internal/cache"
	"github.com/kjstillabower/weather-search-cache/internal/client"
	"github.com/kjstillabower/weather-search-cache/internal/models"
	"github.com/kjstillabower/weather-search-cache/internal/observability"
	"github.com/kjstillabower/weather-search-cache/internal/stats"
)

// Cache is the store contract the service relies on. *cache.Store implements it.
type Cache interface {
	Lookup(key string) (models.WeatherRecord, bool)
	Peek(key string) (models.WeatherRecord, bool)
	Insert(key string, rec models.WeatherRecord)
	RecordLoadSuccess(d time.Duration)
	RecordLoadFailure(d time.Duration)
	Counters() cache.Counters
}

// WeatherService is a read-through cache in front of the weather provider.
// Concurrent misses for one city share a single upstream fetch.
type WeatherService struct {
	client       client.WeatherClient
	cache        Cache
	fetchTimeout time.Duration
	coalescer    *requestCoalescer
	reporter     *stats.Reporter
	logger       *zap.Logger
	now          func() time.Time
}

// NewWeatherService wires the lookup path. fetchTimeout bounds each upstream fetch
// independently of any caller's deadline.
func NewWeatherService(c client.WeatherClient, store Cache, fetchTimeout time.Duration, logger *zap.Logger) *WeatherService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WeatherService{
		client:       c,
		cache:        store,
		fetchTimeout: fetchTimeout,
		coalescer:    newRequestCoalescer(),
		reporter:     stats.NewReporter(store, logger),
		logger:       logger,
		now:          time.Now,
	}
}

// loggerFromContext returns the request-scoped logger set by the HTTP layer, or fallback.
func loggerFromContext(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if v := ctx.Value("logger"); v != nil {
		if l, ok := v.(*zap.Logger); ok && l != nil {
			return l
		}
	}
	return fallback
}

// GetWeather returns current weather for city, from cache when a live entry exists.
// A cache hit is marked FromCache with Timestamp set to the read time.
// Errors match one of ErrInvalidInput, ErrCityNotFound, ErrUpstreamUnavailable, ErrInternal.
func (s *WeatherService) GetWeather(ctx context.Context, city string) (models.WeatherRecord, error) {
	ctx, span := observability.Tracer().Start(ctx, "WeatherService.GetWeather")
	defer span.End()
	logger := loggerFromContext(ctx, s.logger)
	start := time.Now()

	if strings.TrimSpace(city) == "" {
		observability.WeatherLookupsTotal.WithLabelValues("invalid").Inc()
		span.SetStatus(codes.Error, "blank city")
		return models.WeatherRecord{}, ErrInvalidInput
	}

	key := cache.NormalizeKey(city)
	span.SetAttributes(attribute.String("weather.city", key))
	observability.RecordWeatherQuery(key)

	if rec, ok := s.cache.Lookup(key); ok {
		rec.FromCache = true
		rec.Timestamp = s.now()
		observability.WeatherLookupsTotal.WithLabelValues("hit").Inc()
		span.SetAttributes(attribute.Bool("cache.hit", true))
		logger.Debug("weather served", zap.String("city", key), zap.Bool("cached", true), zap.Duration("duration", time.Since(start)))
		return rec, nil
	}
	span.SetAttributes(attribute.Bool("cache.hit", false))
	logger.Debug("cache miss", zap.String("city", key))

	waitStart := time.Now()
	rec, joined, err := s.coalescer.GetOrDo(ctx, key, func() (models.WeatherRecord, error) {
		// A fetch that finished between our Lookup and taking the slot already filled the store.
		if cached, ok := s.cache.Peek(key); ok {
			cached.FromCache = true
			cached.Timestamp = s.now()
			return cached, nil
		}
		return s.fetch(ctx, key)
	})
	observability.RequestCoalescingWaitSeconds.Observe(time.Since(waitStart).Seconds())
	if joined {
		observability.RequestCoalescingHitsTotal.Inc()
		span.SetAttributes(attribute.Bool("coalesced", true))
		logger.Debug("joined in-flight fetch", zap.String("city", key))
	}

	if err != nil {
		err = classifyWaitError(err)
		label := resultLabel(err)
		observability.WeatherLookupsTotal.WithLabelValues(label).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, label)
		if label == "internal" {
			logger.Error("weather lookup failed", zap.String("city", key), zap.Error(err))
		} else {
			logger.Debug("weather lookup failed", zap.String("city", key), zap.String("result", label), zap.Error(err))
		}
		return models.WeatherRecord{}, err
	}

	label := "fetched"
	if rec.FromCache {
		label = "hit"
	}
	observability.WeatherLookupsTotal.WithLabelValues(label).Inc()
	logger.Debug("weather served", zap.String("city", key), zap.Bool("cached", rec.FromCache), zap.Duration("duration", time.Since(start)))
	return rec, nil
}

// Refresh fetches city from upstream and stores the result, replacing any live entry.
// It shares in-flight fetches with GetWeather but never reads the store, so hit and
// miss counters are untouched. Errors match those of GetWeather.
func (s *WeatherService) Refresh(ctx context.Context, city string) (models.WeatherRecord, error) {
	ctx, span := observability.Tracer().Start(ctx, "WeatherService.Refresh")
	defer span.End()

	if strings.TrimSpace(city) == "" {
		span.SetStatus(codes.Error, "blank city")
		return models.WeatherRecord{}, ErrInvalidInput
	}
	key := cache.NormalizeKey(city)
	span.SetAttributes(attribute.String("weather.city", key))

	rec, _, err := s.coalescer.GetOrDo(ctx, key, func() (models.WeatherRecord, error) {
		return s.fetch(ctx, key)
	})
	if err != nil {
		err = classifyWaitError(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, resultLabel(err))
		s.logger.Debug("weather refresh failed", zap.String("city", key), zap.Error(err))
		return models.WeatherRecord{}, err
	}
	return rec, nil
}

// fetch performs the single upstream call for key and populates the cache on success.
// It runs detached from the initiating caller's cancellation so the result still lands
// for everyone else, bounded by fetchTimeout instead.
func (s *WeatherService) fetch(parent context.Context, key string) (rec models.WeatherRecord, err error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), s.fetchTimeout)
	defer cancel()
	ctx, span := observability.Tracer().Start(ctx, "WeatherService.fetch")
	defer span.End()

	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			s.cache.RecordLoadFailure(time.Since(start))
			s.logger.Error("panic during upstream fetch", zap.String("city", key), zap.Any("panic", p), zap.Stack("stack"))
			span.SetStatus(codes.Error, "panic")
			rec, err = models.WeatherRecord{}, fmt.Errorf("%w: panic during upstream fetch: %v", ErrInternal, p)
		}
	}()

	fetched, ferr := s.client.GetCurrentWeather(ctx, key)
	elapsed := time.Since(start)
	if ferr != nil {
		s.cache.RecordLoadFailure(elapsed)
		span.RecordError(ferr)
		span.SetAttributes(attribute.String("fetch.error_kind", client.Classify(ferr).String()))
		return models.WeatherRecord{}, classifyFetchError(ferr)
	}

	s.cache.RecordLoadSuccess(elapsed)
	fetched.FromCache = false
	fetched.Timestamp = s.now()
	s.cache.Insert(key, fetched)
	s.logger.Debug("cached upstream result", zap.String("city", key), zap.Duration("load_time", elapsed))
	return fetched, nil
}

// ReportStatistics returns a snapshot of cache counters. It never fails.
func (s *WeatherService) ReportStatistics() models.CacheStats {
	return s.reporter.Report()
}

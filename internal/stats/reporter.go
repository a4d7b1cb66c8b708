// Package stats projects cache counters into the CacheStats snapshot served to operators.
package stats

import (
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-search-cache/internal/cache"
	"github.com/kjstillabower/weather-search-cache/internal/models"
)

// Source yields raw cache counters. *cache.Store implements it.
type Source interface {
	Counters() cache.Counters
}

// Reporter builds statistics snapshots from a Source.
type Reporter struct {
	source Source
	logger *zap.Logger
}

// NewReporter returns a Reporter over source. A nil source reports zeros.
func NewReporter(source Source, logger *zap.Logger) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{source: source, logger: logger}
}

// Report returns the current snapshot. It never fails: if the source is missing or
// panics, an all-zero snapshot is returned instead.
func (r *Reporter) Report() (snap models.CacheStats) {
	if r == nil || r.source == nil {
		return models.CacheStats{}
	}
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("reading cache counters failed", zap.Any("panic", p))
			snap = models.CacheStats{}
		}
	}()
	return FromCounters(r.source.Counters())
}

// FromCounters converts raw counters into a snapshot with derived rates.
// Hit rate is hits/(hits+misses), 0 when nothing was looked up.
func FromCounters(c cache.Counters) models.CacheStats {
	snap := models.CacheStats{
		HitCount:         c.Hits,
		MissCount:        c.Misses,
		LoadSuccessCount: c.LoadSuccesses,
		LoadFailureCount: c.LoadFailures,
		TotalLoadTime:    c.TotalLoadTime,
		EvictionCount:    c.Evictions,
		ExpirationCount:  c.Expirations,
		EstimatedSize:    c.Entries,
	}
	if total := c.Hits + c.Misses; total > 0 {
		snap.HitRate = float64(c.Hits) / float64(total)
		snap.MissRate = float64(c.Misses) / float64(total)
	}
	return snap
}

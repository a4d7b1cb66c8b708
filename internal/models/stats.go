package models

import (
	"fmt"
	"time"
)

// CacheStats is a point-in-time view of the weather cache counters.
// Rates are derived when the snapshot is built and are 0 when no lookups happened.
type CacheStats struct {
	HitCount         uint64        `json:"hitCount"`
	MissCount        uint64        `json:"missCount"`
	LoadSuccessCount uint64        `json:"loadSuccessCount"`
	LoadFailureCount uint64        `json:"loadFailureCount"`
	TotalLoadTime    time.Duration `json:"totalLoadTimeNanos"`
	EvictionCount    uint64        `json:"evictionCount"`
	ExpirationCount  uint64        `json:"expirationCount"`
	EstimatedSize    int           `json:"estimatedSize"`
	HitRate          float64       `json:"hitRate"`
	MissRate         float64       `json:"missRate"`
}

// RequestCount is hits plus misses.
func (s CacheStats) RequestCount() uint64 {
	return s.HitCount + s.MissCount
}

// HitRatePercentage formats HitRate as e.g. "87.50%".
func (s CacheStats) HitRatePercentage() string {
	return fmt.Sprintf("%.2f%%", s.HitRate*100)
}

// MissRatePercentage formats MissRate as e.g. "12.50%".
func (s CacheStats) MissRatePercentage() string {
	return fmt.Sprintf("%.2f%%", s.MissRate*100)
}

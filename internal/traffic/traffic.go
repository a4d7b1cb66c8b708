// Package traffic keeps sliding-window counts of request outcomes for health reporting.
package traffic

import (
	"sync"
	"time"
)

// maxWindow bounds every query window; older buckets are overwritten.
const maxWindow = 5 * time.Minute

const numBuckets = int(maxWindow / time.Second)

type bucket struct {
	second  int64 // unix second this bucket currently holds
	success int
	errors  int
	denied  int
}

// Tracker counts outcomes in one-second buckets over the last five minutes.
// Memory stays constant regardless of request rate.
type Tracker struct {
	mu      sync.Mutex
	now     func() time.Time
	buckets [numBuckets]bucket
}

// NewTracker returns an empty tracker. A nil clock means time.Now.
func NewTracker(clock func() time.Time) *Tracker {
	if clock == nil {
		clock = time.Now
	}
	return &Tracker{now: clock}
}

// RecordSuccess records a successful request outcome.
func (t *Tracker) RecordSuccess() {
	t.record(func(b *bucket) { b.success++ })
}

// RecordError records a failed request outcome (upstream error, timeout, etc.).
func (t *Tracker) RecordError() {
	t.record(func(b *bucket) { b.errors++ })
}

// RecordDenied records a rate-limit denial (429).
func (t *Tracker) RecordDenied() {
	t.record(func(b *bucket) { b.denied++ })
}

func (t *Tracker) record(inc func(*bucket)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sec := t.now().Unix()
	b := &t.buckets[sec%int64(numBuckets)]
	if b.second != sec {
		*b = bucket{second: sec}
	}
	inc(b)
}

// RequestCount returns the number of outcomes (success + error + denied) within the window.
func (t *Tracker) RequestCount(window time.Duration) int {
	s, e, d := t.sum(window)
	return s + e + d
}

// DenialCount returns the number of denials within the window.
func (t *Tracker) DenialCount(window time.Duration) int {
	_, _, d := t.sum(window)
	return d
}

// ErrorRate returns (errorCount, totalCount) within the window.
// totalCount includes successes and errors only; denials are excluded.
func (t *Tracker) ErrorRate(window time.Duration) (errors, total int) {
	s, e, _ := t.sum(window)
	return e, s + e
}

// Reset clears all recorded outcomes.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buckets = [numBuckets]bucket{}
}

// sum totals buckets whose second falls in (now-window, now]. Windows are rounded up to
// whole seconds and capped at five minutes.
func (t *Tracker) sum(window time.Duration) (success, errs, denied int) {
	if window <= 0 {
		return 0, 0, 0
	}
	if window > maxWindow {
		window = maxWindow
	}
	span := int64((window + time.Second - 1) / time.Second)

	t.mu.Lock()
	defer t.mu.Unlock()
	nowSec := t.now().Unix()
	for i := range t.buckets {
		b := &t.buckets[i]
		if age := nowSec - b.second; age >= 0 && age < span {
			success += b.success
			errs += b.errors
			denied += b.denied
		}
	}
	return success, errs, denied
}

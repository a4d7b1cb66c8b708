package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-search-cache/internal/models"
)

// Options configures a Store.
type Options struct {
	// MaxEntries bounds the number of stored entries. Values below 1 are treated as 1.
	MaxEntries int
	// TTL is measured from insertion (expire-after-write).
	TTL time.Duration
	// Clock overrides time.Now; tests use it to step past the TTL.
	Clock  func() time.Time
	Logger *zap.Logger
}

// Counters is a raw read of the Store's lifetime counters plus the current entry count.
type Counters struct {
	Hits          uint64
	Misses        uint64
	LoadSuccesses uint64
	LoadFailures  uint64
	TotalLoadTime time.Duration
	Evictions     uint64
	Expirations   uint64
	Entries       int
}

// Store is a bounded, TTL-expiring weather cache with LRU eviction by last access.
// Safe for concurrent use. All counters are updated under the same lock as the entry
// they describe, so no increment is lost.
type Store struct {
	mu         sync.Mutex
	items      map[string]*list.Element
	lru        *list.List // front = most recently accessed
	maxEntries int
	ttl        time.Duration
	now        func() time.Time
	logger     *zap.Logger

	hits          uint64
	misses        uint64
	loadSuccesses uint64
	loadFailures  uint64
	totalLoadTime time.Duration
	evictions     uint64
	expirations   uint64
}

type entry struct {
	key        string
	value      models.WeatherRecord
	insertedAt time.Time
}

// NewStore creates an empty Store.
func NewStore(opts Options) *Store {
	if opts.MaxEntries < 1 {
		opts.MaxEntries = 1
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Store{
		items:      make(map[string]*list.Element),
		lru:        list.New(),
		maxEntries: opts.MaxEntries,
		ttl:        opts.TTL,
		now:        opts.Clock,
		logger:     opts.Logger,
	}
}

// Lookup returns the live entry for key. A hit refreshes the entry's recency.
// An expired entry counts as a miss and is removed on the spot.
func (s *Store) Lookup(key string) (models.WeatherRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.items[key]
	if !ok {
		s.misses++
		return models.WeatherRecord{}, false
	}
	e := el.Value.(*entry)
	if s.expiredLocked(e, s.now()) {
		s.removeLocked(el)
		s.expirations++
		s.misses++
		return models.WeatherRecord{}, false
	}
	s.lru.MoveToFront(el)
	s.hits++
	return e.value, true
}

// Peek returns the live entry for key without counting a hit or miss and without
// touching recency. Expired entries are reported absent and left for Lookup or the
// janitor to remove.
func (s *Store) Peek(key string) (models.WeatherRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.items[key]
	if !ok {
		return models.WeatherRecord{}, false
	}
	e := el.Value.(*entry)
	if s.expiredLocked(e, s.now()) {
		return models.WeatherRecord{}, false
	}
	return e.value, true
}

// Insert stores value under key with a fresh insertion time, replacing any previous
// entry. When a new key would exceed MaxEntries the least recently accessed entry is
// evicted first.
func (s *Store) Insert(key string, value models.WeatherRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if el, ok := s.items[key]; ok {
		el.Value = &entry{key: key, value: value, insertedAt: now}
		s.lru.MoveToFront(el)
		return
	}
	for s.lru.Len() >= s.maxEntries {
		oldest := s.lru.Back()
		evicted := oldest.Value.(*entry).key
		s.removeLocked(oldest)
		s.evictions++
		s.logger.Debug("cache eviction", zap.String("key", evicted), zap.Int("max_entries", s.maxEntries))
	}
	s.items[key] = s.lru.PushFront(&entry{key: key, value: value, insertedAt: now})
}

// RecordLoadSuccess accounts one successful upstream load and its latency.
func (s *Store) RecordLoadSuccess(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadSuccesses++
	s.totalLoadTime += d
}

// RecordLoadFailure accounts one failed upstream load and its latency.
func (s *Store) RecordLoadFailure(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadFailures++
	s.totalLoadTime += d
}

// Len returns the number of stored entries, including expired ones not yet purged.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Len()
}

// Counters returns the current counters and entry count.
func (s *Store) Counters() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Counters{
		Hits:          s.hits,
		Misses:        s.misses,
		LoadSuccesses: s.loadSuccesses,
		LoadFailures:  s.loadFailures,
		TotalLoadTime: s.totalLoadTime,
		Evictions:     s.evictions,
		Expirations:   s.expirations,
		Entries:       s.lru.Len(),
	}
}

// PurgeExpired removes every expired entry and returns how many were removed.
func (s *Store) PurgeExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for el := s.lru.Back(); el != nil; {
		prev := el.Prev()
		if s.expiredLocked(el.Value.(*entry), now) {
			s.removeLocked(el)
			s.expirations++
			removed++
		}
		el = prev
	}
	return removed
}

// StartJanitor purges expired entries every interval until ctx is done.
func (s *Store) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.PurgeExpired(); n > 0 {
					s.logger.Debug("purged expired cache entries", zap.Int("count", n))
				}
			}
		}
	}()
}

func (s *Store) expiredLocked(e *entry, now time.Time) bool {
	return now.Sub(e.insertedAt) >= s.ttl
}

// removeLocked must be called with mu held.
func (s *Store) removeLocked(el *list.Element) {
	s.lru.Remove(el)
	delete(s.items, el.Value.(*entry).key)
}

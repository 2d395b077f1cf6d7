package store

import (
	"go.uber.org/atomic"

	"goflare.io/hearth/models"
)

// Observer receives read-path events. It lets callers feed their own
// metrics pipeline without scraping log output. Implementations must be
// fast; they run on the hot path.
type Observer interface {
	OnHit(key string)
	OnMiss(key string)
	OnExpire(key string)
	OnInvalidate(key string)
}

// NoopObserver ignores all events so callers without a metrics pipeline
// avoid nil checks.
type NoopObserver struct{}

func (NoopObserver) OnHit(string)        {}
func (NoopObserver) OnMiss(string)       {}
func (NoopObserver) OnExpire(string)     {}
func (NoopObserver) OnInvalidate(string) {}

// StatsTracker keeps the process-lifetime counters for the entry store and
// forwards each event to the configured Observer.
type StatsTracker struct {
	hits          atomic.Int64
	misses        atomic.Int64
	invalidations atomic.Int64
	totalReads    atomic.Int64

	observer Observer
}

// NewStatsTracker creates a tracker. A nil observer defaults to Noop.
func NewStatsTracker(observer Observer) *StatsTracker {
	if observer == nil {
		observer = NoopObserver{}
	}
	return &StatsTracker{observer: observer}
}

// Read counts one read attempt, hit or miss.
func (t *StatsTracker) Read() {
	t.totalReads.Inc()
}

// Hit counts a successful read.
func (t *StatsTracker) Hit(key string) {
	t.hits.Inc()
	t.observer.OnHit(key)
}

// Miss counts a read that found nothing usable.
func (t *StatsTracker) Miss(key string) {
	t.misses.Inc()
	t.observer.OnMiss(key)
}

// Expire counts a read that found an expired entry. Expiry is a miss.
func (t *StatsTracker) Expire(key string) {
	t.misses.Inc()
	t.observer.OnExpire(key)
}

// Invalidate counts an explicit removal, whether or not the key existed.
func (t *StatsTracker) Invalidate(key string) {
	t.invalidations.Inc()
	t.observer.OnInvalidate(key)
}

// Snapshot returns the current counters with a formatted hit rate.
func (t *StatsTracker) Snapshot() models.Stats {
	hits := t.hits.Load()
	reads := t.totalReads.Load()
	return models.Stats{
		Hits:          hits,
		Misses:        t.misses.Load(),
		Invalidations: t.invalidations.Load(),
		TotalReads:    reads,
		HitRate:       models.FormatHitRate(hits, reads),
	}
}

// Reset zeroes all counters.
func (t *StatsTracker) Reset() {
	t.hits.Store(0)
	t.misses.Store(0)
	t.invalidations.Store(0)
	t.totalReads.Store(0)
}

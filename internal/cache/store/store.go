// Package store implements the TTL entry store: a persistent key-value
// cache of JSON envelopes with lazy expiry, hit accounting, a volatile
// micro-cache and single-flight fetch deduplication.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"goflare.io/hearth/internal/config"
	"goflare.io/hearth/kv"
	"goflare.io/hearth/models"
)

// filterKey is the store record holding the serialized bloom filter,
// outside the caller key namespace.
const filterKey = "!bloom"

// Store is the TTL entry store. One instance owns one key namespace in the
// backing kv.Store; several instances may coexist in one process.
type Store struct {
	kv         kv.Store
	prefix     string
	defaultTTL time.Duration
	microTTL   time.Duration

	stats   *StatsTracker
	tracker *Tracker
	micro   *MicroCache
	sf      singleflight.Group

	// filter short-circuits reads for keys that were never written.
	// filterOK is false when the persisted filter could not be loaded, in
	// which case pre-existing entries may not be covered and the fast path
	// stays off until Clear rebuilds a complete picture.
	filterMu sync.Mutex
	filter   *bloom.BloomFilter
	filterOK bool

	// saveMu serializes filter persistence. Each save snapshots the filter
	// while holding it, so a delayed save can never overwrite a newer
	// persisted snapshot with an older one.
	saveMu sync.Mutex

	logger *zap.Logger
	tracer trace.Tracer
}

// New creates a Store on top of kvs.
func New(ctx context.Context, kvs kv.Store, cfg *config.Config, observer Observer) (*Store, error) {
	micro, err := NewMicroCache()
	if err != nil {
		return nil, err
	}

	s := &Store{
		kv:         kvs,
		prefix:     cfg.KeyPrefix,
		defaultTTL: cfg.DefaultTTL,
		microTTL:   cfg.MicroTTL,
		stats:      NewStatsTracker(observer),
		tracker:    NewTracker(),
		micro:      micro,
		filter:     bloom.NewWithEstimates(config.BloomExpectedItems, config.BloomFalsePositives),
		logger:     cfg.Logger,
		tracer:     otel.Tracer("hearth/store"),
	}

	s.loadFilter(ctx)
	return s, nil
}

// Set writes value under key with the given ttl, replacing any previous
// entry. A non-positive ttl falls back to the configured default. Storage
// failures are logged and absorbed: the next Get simply misses.
func (s *Store) Set(ctx context.Context, key string, value any, ttl time.Duration) {
	ctx, span := s.tracer.Start(ctx, "store.Set", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	data, err := json.Marshal(value)
	if err != nil {
		s.logger.Warn("Failed to marshal value, set dropped", zap.Error(err), zap.String("key", key))
		return
	}
	s.SetRaw(ctx, key, data, ttl)
}

// SetRaw is Set for values already serialized to JSON.
func (s *Store) SetRaw(ctx context.Context, key string, data json.RawMessage, ttl time.Duration) {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	entry := models.NewCacheEntry(data, ttl)
	if !s.persist(ctx, key, entry) {
		return
	}

	s.tracker.Add(key)
	s.addToFilter(ctx, key)
}

// Get reads the entry for key into out, which must be a pointer. It
// returns false on a miss: no entry, expired entry (removed on the spot),
// or a payload that no longer parses (also removed).
func (s *Store) Get(ctx context.Context, key string, out any) bool {
	ctx, span := s.tracer.Start(ctx, "store.Get", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	s.stats.Read()

	if !s.mayContain(key) {
		s.stats.Miss(key)
		return false
	}

	entry, ok := s.load(ctx, key)
	if !ok {
		s.stats.Miss(key)
		return false
	}

	if entry.IsExpired() {
		s.remove(ctx, key)
		s.stats.Expire(key)
		return false
	}

	if err := json.Unmarshal(entry.Data, out); err != nil {
		s.logger.Error("Cached payload no longer parses, dropping entry", zap.Error(err), zap.String("key", key))
		s.remove(ctx, key)
		s.stats.Miss(key)
		return false
	}

	entry.HitCount++
	s.persist(ctx, key, entry)
	s.stats.Hit(key)
	return true
}

// Invalidate removes the entry for key unconditionally. The invalidation
// is counted whether or not an entry existed.
func (s *Store) Invalidate(ctx context.Context, key string) {
	ctx, span := s.tracer.Start(ctx, "store.Invalidate", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	s.remove(ctx, key)
	s.stats.Invalidate(key)
}

// InvalidateMany removes several entries.
func (s *Store) InvalidateMany(ctx context.Context, keys []string) {
	for _, key := range keys {
		s.Invalidate(ctx, key)
	}
}

// Clear removes every tracked entry and empties the micro-cache. The
// statistics survive; only ResetStats zeroes them.
func (s *Store) Clear(ctx context.Context) {
	ctx, span := s.tracer.Start(ctx, "store.Clear")
	defer span.End()

	for _, key := range s.tracker.Keys() {
		s.remove(ctx, key)
	}
	s.micro.Clear()
	s.rebuildFilter(ctx)
}

// Cleanup eagerly removes every expired tracked entry and returns how many
// it removed. Get already expires lazily, so this is for maintenance flows,
// not correctness.
func (s *Store) Cleanup(ctx context.Context) int {
	ctx, span := s.tracer.Start(ctx, "store.Cleanup")
	defer span.End()

	removed := 0
	for _, key := range s.tracker.Keys() {
		entry, ok := s.load(ctx, key)
		if !ok {
			// Nothing usable behind the key anymore.
			s.tracker.Remove(key)
			continue
		}
		if entry.IsExpired() {
			s.remove(ctx, key)
			removed++
		}
	}
	return removed
}

// Info lists age, remaining TTL, payload size and hit count for every
// tracked entry. Intended for a debug screen.
func (s *Store) Info(ctx context.Context) []models.KeyInfo {
	now := time.Now()
	var infos []models.KeyInfo
	for _, key := range s.tracker.Keys() {
		entry, ok := s.load(ctx, key)
		if !ok || entry.IsExpired() {
			continue
		}
		infos = append(infos, models.KeyInfo{
			Key:       key,
			Age:       now.Sub(entry.CreatedAt),
			TTL:       entry.ExpiresAt.Sub(now),
			SizeBytes: len(entry.Data),
			HitCount:  entry.HitCount,
		})
	}
	return infos
}

// Stats returns a snapshot of the read-path counters.
func (s *Store) Stats() models.Stats {
	return s.stats.Snapshot()
}

// ResetStats zeroes the counters.
func (s *Store) ResetStats() {
	s.stats.Reset()
}

// SetInMemory stores a transient derived value in the micro-cache for ttl
// (the configured micro TTL when ttl is not positive).
func (s *Store) SetInMemory(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = s.microTTL
	}
	s.micro.Set(key, value, ttl)
}

// GetFromMemory reads a transient value from the micro-cache.
func (s *Store) GetFromMemory(key string) (any, bool) {
	return s.micro.Get(key)
}

// Close releases in-process resources. The persisted entries stay.
func (s *Store) Close() {
	s.micro.Close()
}

// load reads and parses the envelope for key. Storage errors and corrupt
// envelopes are absorbed into a miss; corrupt envelopes are removed. Keys
// persisted by an earlier process become known to Clear, Cleanup and Info
// the moment they are first loaded here.
func (s *Store) load(ctx context.Context, key string) (*models.CacheEntry, bool) {
	raw, err := s.kv.Get(ctx, s.prefix+key)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			s.logger.Warn("Storage read failed, treating as miss", zap.Error(err), zap.String("key", key))
		}
		return nil, false
	}

	var entry models.CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		s.logger.Error("Cached envelope no longer parses, dropping entry", zap.Error(err), zap.String("key", key))
		s.remove(ctx, key)
		return nil, false
	}

	s.tracker.Add(key)
	return &entry, true
}

// persist writes the envelope for key. Failures are logged and absorbed.
func (s *Store) persist(ctx context.Context, key string, entry *models.CacheEntry) bool {
	raw, err := json.Marshal(entry)
	if err != nil {
		s.logger.Warn("Failed to marshal envelope, write dropped", zap.Error(err), zap.String("key", key))
		return false
	}
	if err := s.kv.Set(ctx, s.prefix+key, raw); err != nil {
		s.logger.Warn("Storage write failed, write dropped", zap.Error(err), zap.String("key", key))
		return false
	}
	return true
}

func (s *Store) remove(ctx context.Context, key string) {
	if err := s.kv.Remove(ctx, s.prefix+key); err != nil {
		s.logger.Warn("Storage delete failed", zap.Error(err), zap.String("key", key))
	}
	s.tracker.Remove(key)
}

// mayContain reports whether key can possibly have an entry. Only a loaded
// or rebuilt filter is authoritative; otherwise entries persisted by an
// earlier process might not be covered and the check is skipped.
func (s *Store) mayContain(key string) bool {
	s.filterMu.Lock()
	defer s.filterMu.Unlock()

	if !s.filterOK {
		return true
	}
	return s.filter.TestString(key)
}

func (s *Store) addToFilter(ctx context.Context, key string) {
	s.filterMu.Lock()
	s.filter.AddString(key)
	s.filterMu.Unlock()
	go s.saveFilter(context.WithoutCancel(ctx))
}

func (s *Store) rebuildFilter(ctx context.Context) {
	s.filterMu.Lock()
	s.filter = bloom.NewWithEstimates(config.BloomExpectedItems, config.BloomFalsePositives)
	s.filterOK = true
	s.filterMu.Unlock()
	go s.saveFilter(context.WithoutCancel(ctx))
}

func (s *Store) loadFilter(ctx context.Context) {
	raw, err := s.kv.Get(ctx, s.prefix+filterKey)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			s.logger.Warn("Failed to load bloom filter, negative fast path disabled", zap.Error(err))
		}
		return
	}

	s.filterMu.Lock()
	defer s.filterMu.Unlock()
	if err := s.filter.UnmarshalJSON(raw); err != nil {
		s.logger.Warn("Persisted bloom filter no longer parses, negative fast path disabled", zap.Error(err))
		s.filter = bloom.NewWithEstimates(config.BloomExpectedItems, config.BloomFalsePositives)
		return
	}
	s.filterOK = true
}

func (s *Store) saveFilter(ctx context.Context) {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.filterMu.Lock()
	raw, err := s.filter.MarshalJSON()
	s.filterMu.Unlock()
	if err != nil {
		s.logger.Warn("Failed to marshal bloom filter", zap.Error(err))
		return
	}
	if err := s.kv.Set(ctx, s.prefix+filterKey, raw); err != nil {
		s.logger.Warn("Failed to save bloom filter", zap.Error(err))
	}
}

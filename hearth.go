// Package hearth is a client-side caching and background-synchronization
// library: a TTL entry store over a pluggable persistent key-value store,
// single-flight fetch deduplication, a size-bounded priority-aware binary
// asset cache, and a lifecycle-aware refresh scheduler.
package hearth

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"goflare.io/hearth/internal/cache/assets"
	"goflare.io/hearth/internal/cache/store"
	"goflare.io/hearth/internal/config"
	"goflare.io/hearth/kv"
	"goflare.io/hearth/models"
)

// FetchFunc is a caller-supplied remote fetch. The library is agnostic to
// its transport; the result only has to serialize to JSON.
type FetchFunc func(ctx context.Context) (any, error)

// Observer receives read-path cache events for the caller's own metrics
// pipeline. Implementations must be fast; they run on the hot path.
type Observer interface {
	OnHit(key string)
	OnMiss(key string)
	OnExpire(key string)
	OnInvalidate(key string)
}

// Downloader fetches a remote asset into a local file and reports its size.
type Downloader interface {
	Download(ctx context.Context, url, dest string) (int64, error)
}

type settings struct {
	cfg        *config.Config
	observer   Observer
	downloader Downloader
	resilience *kv.ResilienceOptions
}

// Option configures a Hearth instance.
type Option func(*settings) error

// WithLogger sets a custom logger. The default is zap.NewProduction.
func WithLogger(logger *zap.Logger) Option {
	return func(s *settings) error {
		if logger != nil {
			s.cfg.Logger = logger
		}
		return nil
	}
}

// WithKeyPrefix namespaces every record this instance writes, so several
// instances can share one backing store.
func WithKeyPrefix(prefix string) Option {
	return func(s *settings) error {
		s.cfg.KeyPrefix = prefix
		return nil
	}
}

// WithDefaultTTL sets the entry TTL used when a write does not name one.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(s *settings) error {
		if ttl <= 0 {
			return fmt.Errorf("default TTL must be positive, got %v", ttl)
		}
		s.cfg.DefaultTTL = ttl
		return nil
	}
}

// WithMicroTTL sets the micro-cache TTL used when an in-memory write does
// not name one.
func WithMicroTTL(ttl time.Duration) Option {
	return func(s *settings) error {
		if ttl <= 0 {
			return fmt.Errorf("micro TTL must be positive, got %v", ttl)
		}
		s.cfg.MicroTTL = ttl
		return nil
	}
}

// WithAssetDir sets the directory for cached binary assets. The default is
// a per-prefix directory under the OS temp dir.
func WithAssetDir(dir string) Option {
	return func(s *settings) error {
		s.cfg.AssetDir = dir
		return nil
	}
}

// WithMaxAssetBytes sets the asset cache size budget.
func WithMaxAssetBytes(n int64) Option {
	return func(s *settings) error {
		s.cfg.MaxAssetBytes = n
		return nil
	}
}

// WithAssetMaxAge sets how long a cached asset stays usable.
func WithAssetMaxAge(age time.Duration) Option {
	return func(s *settings) error {
		if age <= 0 {
			return fmt.Errorf("asset max age must be positive, got %v", age)
		}
		s.cfg.AssetMaxAge = age
		return nil
	}
}

// WithStaleThreshold sets how long the app may stay backgrounded before a
// return to foreground triggers a full refresh.
func WithStaleThreshold(d time.Duration) Option {
	return func(s *settings) error {
		if d <= 0 {
			return fmt.Errorf("stale threshold must be positive, got %v", d)
		}
		s.cfg.StaleThreshold = d
		return nil
	}
}

// WithSyncInterval sets the default cadence for sync resources that do not
// name their own interval.
func WithSyncInterval(d time.Duration) Option {
	return func(s *settings) error {
		if d <= 0 {
			return fmt.Errorf("sync interval must be positive, got %v", d)
		}
		s.cfg.SyncInterval = d
		return nil
	}
}

// WithObserver attaches a cache event sink.
func WithObserver(o Observer) Option {
	return func(s *settings) error {
		s.observer = o
		return nil
	}
}

// WithDownloader replaces the asset transport. The default downloads over
// plain HTTP GET.
func WithDownloader(d Downloader) Option {
	return func(s *settings) error {
		s.downloader = d
		return nil
	}
}

// WithResilience wraps the backing store with retries and a circuit
// breaker before any cache layer touches it.
func WithResilience(opts kv.ResilienceOptions) Option {
	return func(s *settings) error {
		s.resilience = &opts
		return nil
	}
}

// Hearth is one cache instance: construct it explicitly and hand it to
// consumers. There is no package-level singleton, so tests can run several
// independent instances side by side.
type Hearth struct {
	entries *store.Store
	assets  *assets.Cache
	cfg     *config.Config
	logger  *zap.Logger
}

// New creates a Hearth on top of kvs.
func New(ctx context.Context, kvs kv.Store, opts ...Option) (*Hearth, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create config: %w", err)
	}

	s := &settings{cfg: cfg}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if cfg.AssetDir == "" {
		cfg.AssetDir = filepath.Join(os.TempDir(), "hearth-assets")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if s.resilience != nil {
		resilient, err := kv.NewResilient(kvs, *s.resilience)
		if err != nil {
			return nil, fmt.Errorf("failed to wrap store: %w", err)
		}
		kvs = resilient
	}

	entries, err := store.New(ctx, kvs, cfg, s.observer)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize entry store: %w", err)
	}

	images, err := assets.New(kvs, cfg, s.downloader)
	if err != nil {
		entries.Close()
		return nil, fmt.Errorf("failed to initialize asset cache: %w", err)
	}

	return &Hearth{
		entries: entries,
		assets:  images,
		cfg:     cfg,
		logger:  cfg.Logger,
	}, nil
}

// Set caches value under key for ttl (the configured default when ttl is
// not positive). Storage failures are absorbed; the next Get misses.
func (h *Hearth) Set(ctx context.Context, key string, value any, ttl time.Duration) {
	h.entries.Set(ctx, key, value, ttl)
}

// Get reads the entry for key into out, returning false on any miss.
func (h *Hearth) Get(ctx context.Context, key string, out any) bool {
	return h.entries.Get(ctx, key, out)
}

// Fetch runs fn at most once per opKey at a time; concurrent callers share
// the one in-flight outcome. No cache is consulted.
func (h *Hearth) Fetch(ctx context.Context, opKey string, fn FetchFunc) (json.RawMessage, error) {
	return h.entries.Fetch(ctx, opKey, store.FetchFunc(fn))
}

// FetchCached is Fetch backed by the entry store: a fresh entry under
// cacheKey short-circuits the fetch, and a successful fetch is written
// back with ttl.
func (h *Hearth) FetchCached(ctx context.Context, opKey, cacheKey string, ttl time.Duration, fn FetchFunc) (json.RawMessage, error) {
	return h.entries.Fetch(ctx, opKey, store.FetchFunc(fn),
		store.WithCacheKey(cacheKey), store.WithCacheTTL(ttl))
}

// ForceFetch is FetchCached without the cache read: the fetch always runs
// (deduplicated) and the result still lands in the cache. This is the
// refresh path the sync scheduler uses.
func (h *Hearth) ForceFetch(ctx context.Context, opKey, cacheKey string, ttl time.Duration, fn FetchFunc) (json.RawMessage, error) {
	return h.entries.Fetch(ctx, opKey, store.FetchFunc(fn),
		store.WithCacheKey(cacheKey), store.WithCacheTTL(ttl), store.WithBypassLookup())
}

// Invalidate removes the entry for key, counting the invalidation whether
// or not an entry existed.
func (h *Hearth) Invalidate(ctx context.Context, key string) {
	h.entries.Invalidate(ctx, key)
}

// InvalidateMany removes several entries.
func (h *Hearth) InvalidateMany(ctx context.Context, keys []string) {
	h.entries.InvalidateMany(ctx, keys)
}

// Clear removes every entry this instance wrote, plus the micro-cache.
// Statistics survive.
func (h *Hearth) Clear(ctx context.Context) {
	h.entries.Clear(ctx)
}

// Cleanup eagerly removes expired entries and returns how many went.
func (h *Hearth) Cleanup(ctx context.Context) int {
	return h.entries.Cleanup(ctx)
}

// Stats returns the read-path counters.
func (h *Hearth) Stats() models.Stats {
	return h.entries.Stats()
}

// ResetStats zeroes the read-path counters.
func (h *Hearth) ResetStats() {
	h.entries.ResetStats()
}

// CacheInfo lists every live entry for a debug screen.
func (h *Hearth) CacheInfo(ctx context.Context) []models.KeyInfo {
	return h.entries.Info(ctx)
}

// SetInMemory stores a transient derived value in the volatile micro-cache
// for ttl (the configured micro TTL when ttl is not positive).
func (h *Hearth) SetInMemory(key string, value any, ttl time.Duration) {
	h.entries.SetInMemory(key, value, ttl)
}

// GetFromMemory reads a transient value from the micro-cache.
func (h *Hearth) GetFromMemory(key string) (any, bool) {
	return h.entries.GetFromMemory(key)
}

// Image returns a local URI for a remote image, downloading and caching it
// on a miss. On any failure it returns url itself so the caller can render
// from network.
func (h *Hearth) Image(ctx context.Context, url string, priority models.Priority) string {
	return h.assets.Resolve(ctx, url, priority)
}

// RemoveImage drops a cached image. Removing an uncached URL is a no-op.
func (h *Hearth) RemoveImage(ctx context.Context, url string) error {
	return h.assets.Remove(ctx, url)
}

// ClearImages wipes the image cache directory and its index.
func (h *Hearth) ClearImages(ctx context.Context) error {
	return h.assets.Clear(ctx)
}

// ImageStats returns a diagnostic view of the image cache.
func (h *Hearth) ImageStats(ctx context.Context) models.AssetStats {
	return h.assets.Stats(ctx)
}

// Close releases in-process resources. Persisted entries and cached files
// stay for the next instance.
func (h *Hearth) Close() error {
	h.entries.Close()
	return nil
}

// Package assets implements the disk-backed cache for large binary assets
// (catalogue images): priority-tagged entries, a size-bounded eviction
// policy and a fail-open read path.
package assets

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"goflare.io/hearth/internal/config"
	"goflare.io/hearth/kv"
	"goflare.io/hearth/models"
)

// indexKey is the store record holding the serialized index, one JSON list
// for the whole cache.
const indexKey = "!images"

// Cache is the binary asset cache. Files live under one directory per
// instance; the index maps remote URLs to local files and is rewritten
// after every mutation.
type Cache struct {
	kv       kv.Store
	prefix   string
	dir      string
	maxBytes int64
	maxAge   time.Duration
	dl       Downloader

	mu    sync.Mutex
	index map[string]*models.ImageCacheEntry

	// First-time setup is single-flighted so concurrent early callers
	// share one initialization instead of racing it.
	initSF singleflight.Group
	ready  bool

	// Concurrent resolves for one URL share one download.
	dlSF singleflight.Group

	logger *zap.Logger
	tracer trace.Tracer
}

// New creates a Cache. Nothing touches the disk until the first call.
func New(kvs kv.Store, cfg *config.Config, dl Downloader) (*Cache, error) {
	if cfg.AssetDir == "" {
		return nil, config.ErrNoAssetDir
	}
	if dl == nil {
		dl = &HTTPDownloader{}
	}

	return &Cache{
		kv:       kvs,
		prefix:   cfg.KeyPrefix,
		dir:      cfg.AssetDir,
		maxBytes: cfg.MaxAssetBytes,
		maxAge:   cfg.AssetMaxAge,
		dl:       dl,
		index:    make(map[string]*models.ImageCacheEntry),
		logger:   cfg.Logger,
		tracer:   otel.Tracer("hearth/assets"),
	}, nil
}

// Resolve returns a local URI for url, downloading and caching it on a
// miss. The read path fails open: any failure degrades to returning the
// remote URL so the caller can still render from network.
func (c *Cache) Resolve(ctx context.Context, url string, priority models.Priority) string {
	ctx, span := c.tracer.Start(ctx, "assets.Resolve", trace.WithAttributes(attribute.String("url", url)))
	defer span.End()

	if err := c.ensureInit(ctx); err != nil {
		c.logger.Warn("Asset cache init failed, serving from network", zap.Error(err), zap.String("url", url))
		return url
	}

	if local, ok := c.lookup(ctx, url); ok {
		return local
	}

	v, err, _ := c.dlSF.Do(url, func() (any, error) {
		return c.download(ctx, url, priority)
	})
	if err != nil {
		c.logger.Warn("Asset download failed, serving from network", zap.Error(err), zap.String("url", url))
		return url
	}
	return v.(string)
}

// Remove deletes the cached file and index record for url. Removing an
// uncached URL is a no-op.
func (c *Cache) Remove(ctx context.Context, url string) error {
	ctx, span := c.tracer.Start(ctx, "assets.Remove", trace.WithAttributes(attribute.String("url", url)))
	defer span.End()

	if err := c.ensureInit(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.index[url]
	if !ok {
		return nil
	}
	if err := os.Remove(entry.LocalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.logger.Warn("Failed to delete cached file", zap.Error(err), zap.String("path", entry.LocalPath))
	}
	delete(c.index, url)
	c.persistIndexLocked(ctx)
	return nil
}

// Clear wipes the cache directory and the persisted index.
func (c *Cache) Clear(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "assets.Clear")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.RemoveAll(c.dir); err != nil {
		return err
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return err
	}
	c.index = make(map[string]*models.ImageCacheEntry)
	if err := c.kv.Remove(ctx, c.prefix+indexKey); err != nil {
		c.logger.Warn("Failed to remove asset index record", zap.Error(err))
	}
	c.ready = true
	return nil
}

// Stats returns a read-only diagnostic view of the index.
func (c *Cache) Stats(ctx context.Context) models.AssetStats {
	if err := c.ensureInit(ctx); err != nil {
		c.logger.Warn("Asset cache init failed", zap.Error(err))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	stats := models.AssetStats{ByPriority: make(map[models.Priority]int)}
	for _, e := range c.index {
		stats.Items++
		stats.TotalBytes += e.SizeBytes
		stats.ByPriority[e.Priority]++
	}
	return stats
}

// lookup serves a cache hit, pruning the record when the entry is stale or
// its file has vanished. Priority is not updated on hit.
func (c *Cache) lookup(ctx context.Context, url string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.index[url]
	if !ok {
		return "", false
	}

	fresh := time.Since(entry.CachedAt) < c.maxAge
	if fresh && fileExists(entry.LocalPath) {
		return entry.LocalPath, true
	}

	delete(c.index, url)
	c.persistIndexLocked(ctx)
	return "", false
}

func (c *Cache) download(ctx context.Context, url string, priority models.Priority) (string, error) {
	dest := filepath.Join(c.dir, filenameFor(url))

	size, err := c.dl.Download(ctx, url, dest)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.index[url] = &models.ImageCacheEntry{
		RemoteURL: url,
		LocalPath: dest,
		CachedAt:  time.Now(),
		SizeBytes: size,
		Priority:  priority,
	}
	c.persistIndexLocked(ctx)
	c.enforceBudgetLocked(ctx)
	return dest, nil
}

// enforceBudgetLocked evicts entries, oldest and lowest-priority first,
// until the index fits the byte budget. The walk stops at the first
// high-priority entry: those are never evicted here, even if the cache
// stays over budget.
func (c *Cache) enforceBudgetLocked(ctx context.Context) {
	var total int64
	for _, e := range c.index {
		total += e.SizeBytes
	}
	if total <= c.maxBytes {
		return
	}

	victims := make([]*models.ImageCacheEntry, 0, len(c.index))
	for _, e := range c.index {
		victims = append(victims, e)
	}
	sort.Slice(victims, func(i, j int) bool {
		if victims[i].Priority.Rank() != victims[j].Priority.Rank() {
			return victims[i].Priority.Rank() < victims[j].Priority.Rank()
		}
		return victims[i].CachedAt.Before(victims[j].CachedAt)
	})

	for _, e := range victims {
		if total <= c.maxBytes {
			break
		}
		if e.Priority == models.PriorityHigh {
			break
		}
		if err := os.Remove(e.LocalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("Failed to delete evicted file", zap.Error(err), zap.String("path", e.LocalPath))
		}
		delete(c.index, e.RemoteURL)
		c.persistIndexLocked(ctx)
		total -= e.SizeBytes

		c.logger.Debug("Evicted asset",
			zap.String("url", e.RemoteURL),
			zap.String("priority", string(e.Priority)),
			zap.Int64("freedBytes", e.SizeBytes))
	}
}

// ensureInit performs lazy, single-flighted first-time setup: create the
// directory, load the persisted index and kick off the age sweep.
func (c *Cache) ensureInit(ctx context.Context) error {
	c.mu.Lock()
	ready := c.ready
	c.mu.Unlock()
	if ready {
		return nil
	}

	_, err, _ := c.initSF.Do("init", func() (any, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.ready {
			return nil, nil
		}

		if err := os.MkdirAll(c.dir, 0o755); err != nil {
			return nil, err
		}
		c.loadIndexLocked(ctx)
		c.ready = true

		// Best-effort sweep of entries past the age limit; does not
		// block the initiating call.
		go c.sweep(context.WithoutCancel(ctx))
		return nil, nil
	})
	return err
}

func (c *Cache) loadIndexLocked(ctx context.Context) {
	raw, err := c.kv.Get(ctx, c.prefix+indexKey)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			c.logger.Warn("Failed to load asset index, starting empty", zap.Error(err))
		}
		return
	}

	var entries []*models.ImageCacheEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		c.logger.Warn("Asset index no longer parses, starting empty", zap.Error(err))
		return
	}
	for _, e := range entries {
		c.index[e.RemoteURL] = e
	}
}

func (c *Cache) persistIndexLocked(ctx context.Context) {
	entries := make([]*models.ImageCacheEntry, 0, len(c.index))
	for _, e := range c.index {
		entries = append(entries, e)
	}

	raw, err := json.Marshal(entries)
	if err != nil {
		c.logger.Warn("Failed to marshal asset index", zap.Error(err))
		return
	}
	if err := c.kv.Set(ctx, c.prefix+indexKey, raw); err != nil {
		c.logger.Warn("Failed to persist asset index", zap.Error(err))
	}
}

// sweep removes entries older than the age limit.
func (c *Cache) sweep(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for url, e := range c.index {
		if time.Since(e.CachedAt) < c.maxAge {
			continue
		}
		if err := os.Remove(e.LocalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("Failed to delete swept file", zap.Error(err), zap.String("path", e.LocalPath))
		}
		delete(c.index, url)
		removed++
	}
	if removed > 0 {
		c.persistIndexLocked(ctx)
		c.logger.Info("Swept aged assets", zap.Int("removed", removed))
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

package store

import (
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"goflare.io/hearth/internal/config"
)

// MicroCache holds very short-lived derived values that are cheap to
// recompute but hot across rapid re-renders. Nothing here is persisted and
// nothing here touches the statistics.
type MicroCache struct {
	rc *ristretto.Cache[string, any]
}

// NewMicroCache creates a MicroCache.
func NewMicroCache() (*MicroCache, error) {
	rc, err := ristretto.NewCache(&ristretto.Config[string, any]{
		NumCounters: config.MicroCacheNumCounters,
		MaxCost:     config.MicroCacheMaxItems,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create micro cache: %w", err)
	}
	return &MicroCache{rc: rc}, nil
}

// Set stores a value for ttl. The write is synchronous so an immediate Get
// observes it.
func (m *MicroCache) Set(key string, value any, ttl time.Duration) {
	m.rc.SetWithTTL(key, value, 1, ttl)
	m.rc.Wait()
}

// Get returns the value if it is still fresh.
func (m *MicroCache) Get(key string) (any, bool) {
	return m.rc.Get(key)
}

// Clear drops everything.
func (m *MicroCache) Clear() {
	m.rc.Clear()
}

// Close releases the cache.
func (m *MicroCache) Close() {
	m.rc.Close()
}

// Package config holds the cache policy knobs and their defaults.
package config

import (
	"errors"
	"time"

	"go.uber.org/zap"
)

// Defaults mirror the thresholds the cache shipped with. They are deliberate
// policy parameters, not derived from one another: entry TTL, asset age and
// sync staleness answer different questions.
const (
	DefaultTTL            = 30 * time.Minute
	DefaultMicroTTL       = time.Minute
	DefaultMaxAssetBytes  = 50 * 1024 * 1024
	DefaultAssetMaxAge    = 30 * 24 * time.Hour
	DefaultStaleThreshold = 30 * time.Minute
	DefaultSyncInterval   = 15 * time.Minute
	DefaultKeyPrefix      = "hearth:"

	// Bloom filter sizing for the entry store's negative-lookup fast path.
	BloomExpectedItems    = 1000
	BloomFalsePositives   = 0.01
	MicroCacheMaxItems    = 1 << 12
	MicroCacheNumCounters = 10 * MicroCacheMaxItems
)

var (
	ErrNoAssetDir         = errors.New("asset directory must not be empty")
	ErrInvalidAssetBudget = errors.New("asset size budget must be positive")
)

// Config carries every tunable the cache layers read. The facade owns one
// Config per instance; nothing here is global.
type Config struct {
	Logger *zap.Logger

	// KeyPrefix namespaces every record in the persistent store so several
	// instances can share one backing store.
	KeyPrefix string

	// Entry store.
	DefaultTTL time.Duration
	MicroTTL   time.Duration

	// Binary asset cache.
	AssetDir      string
	MaxAssetBytes int64
	AssetMaxAge   time.Duration

	// Background sync.
	StaleThreshold time.Duration
	SyncInterval   time.Duration
}

// New creates a Config with the default policy values. The logger defaults
// to zap.NewProduction, as elsewhere in the library.
func New() (*Config, error) {
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}

	return &Config{
		Logger:         logger,
		KeyPrefix:      DefaultKeyPrefix,
		DefaultTTL:     DefaultTTL,
		MicroTTL:       DefaultMicroTTL,
		AssetDir:       "",
		MaxAssetBytes:  DefaultMaxAssetBytes,
		AssetMaxAge:    DefaultAssetMaxAge,
		StaleThreshold: DefaultStaleThreshold,
		SyncInterval:   DefaultSyncInterval,
	}, nil
}

// Validate checks the fields the cache cannot guess sane fallbacks for.
func (c *Config) Validate() error {
	if c.MaxAssetBytes <= 0 {
		return ErrInvalidAssetBudget
	}
	return nil
}

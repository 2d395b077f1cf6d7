package models

import "time"

// Priority tags a cached binary asset for eviction ordering.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Rank maps a priority to its eviction order. Lower ranks are evicted first;
// unknown values rank as normal.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityHigh:
		return 3
	default:
		return 2
	}
}

// ImageCacheEntry is one record of the binary asset index. The index is
// persisted as a single JSON list in the key-value store.
type ImageCacheEntry struct {
	RemoteURL string    `json:"remoteUrl"`
	LocalPath string    `json:"localPath"`
	CachedAt  time.Time `json:"cachedAt"`
	SizeBytes int64     `json:"sizeBytes"`
	Priority  Priority  `json:"priority"`
}

// AssetStats is a read-only diagnostic view of the asset cache.
type AssetStats struct {
	Items      int              `json:"items"`
	TotalBytes int64            `json:"totalBytes"`
	ByPriority map[Priority]int `json:"byPriority"`
}

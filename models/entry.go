// Package models defines the data shapes shared between the cache layers.
package models

import (
	"encoding/json"
	"time"
)

// CacheEntry is the envelope persisted for every cached value. Data holds
// the caller's value as raw JSON so the store never needs to know its shape.
type CacheEntry struct {
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"createdAt"`
	ExpiresAt time.Time       `json:"expiresAt"`
	HitCount  int64           `json:"hitCount"`
}

// NewCacheEntry creates an entry expiring ttl from now.
func NewCacheEntry(data json.RawMessage, ttl time.Duration) *CacheEntry {
	now := time.Now()
	return &CacheEntry{
		Data:      data,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

// IsExpired checks if the entry has expired.
func (e *CacheEntry) IsExpired() bool {
	return time.Now().After(e.ExpiresAt)
}

// KeyInfo is a diagnostic view of one stored entry, for debug screens.
type KeyInfo struct {
	Key       string        `json:"key"`
	Age       time.Duration `json:"age"`
	TTL       time.Duration `json:"ttl"`
	SizeBytes int           `json:"sizeBytes"`
	HitCount  int64         `json:"hitCount"`
}

package store

import "sync"

// Tracker remembers every key this instance has written or loaded from the
// backing store. The store has no list operation, so Clear, Cleanup and
// Info iterate over the tracked set instead.
type Tracker struct {
	keys sync.Map
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Add starts tracking a key.
func (t *Tracker) Add(key string) {
	t.keys.Store(key, struct{}{})
}

// Remove stops tracking a key.
func (t *Tracker) Remove(key string) {
	t.keys.Delete(key)
}

// Keys returns a snapshot of all tracked keys.
func (t *Tracker) Keys() []string {
	var keys []string
	t.keys.Range(func(k, _ any) bool {
		keys = append(keys, k.(string))
		return true
	})
	return keys
}

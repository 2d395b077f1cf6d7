package hearth

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Namespace is a typed view over one key namespace: callers declare the
// value shape once instead of passing empty interfaces at every call site.
// Keys are automatically prefixed with the namespace name.
type Namespace[T any] struct {
	h    *Hearth
	name string
	ttl  time.Duration
}

// NewNamespace binds a value type to a key namespace with its own TTL (the
// instance default when ttl is not positive).
func NewNamespace[T any](h *Hearth, name string, ttl time.Duration) *Namespace[T] {
	return &Namespace[T]{h: h, name: name, ttl: ttl}
}

// Key returns the full cache key for an id within the namespace.
func (n *Namespace[T]) Key(id string) string {
	return n.name + ":" + id
}

// Set caches value under id.
func (n *Namespace[T]) Set(ctx context.Context, id string, value T) {
	n.h.Set(ctx, n.Key(id), value, n.ttl)
}

// Get reads the value for id. The zero value and false mean a miss.
func (n *Namespace[T]) Get(ctx context.Context, id string) (T, bool) {
	var v T
	ok := n.h.Get(ctx, n.Key(id), &v)
	return v, ok
}

// Fetch returns the cached value for id or loads it through fn, with
// concurrent callers deduplicated on the namespace key.
func (n *Namespace[T]) Fetch(ctx context.Context, id string, fn func(ctx context.Context) (T, error)) (T, error) {
	var v T
	key := n.Key(id)
	raw, err := n.h.FetchCached(ctx, key, key, n.ttl, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("failed to unmarshal fetched value: %w", err)
	}
	return v, nil
}

// Invalidate removes the entry for id.
func (n *Namespace[T]) Invalidate(ctx context.Context, id string) {
	n.h.Invalidate(ctx, n.Key(id))
}

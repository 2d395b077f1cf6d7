package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// FetchFunc is a caller-supplied remote fetch. The store knows nothing
// about its transport; it only requires the result to serialize to JSON.
type FetchFunc func(ctx context.Context) (any, error)

// FetchOptions bind a fetch operation to the entry store.
type FetchOptions struct {
	// CacheKey, when set, is consulted before fetching and written back
	// after a successful fetch (if TTL is also set).
	CacheKey string
	// TTL for the write-back.
	TTL time.Duration
	// BypassLookup skips the cache read but keeps the write-back. Used by
	// forced refreshes.
	BypassLookup bool
}

// FetchOption mutates FetchOptions.
type FetchOption func(*FetchOptions)

// WithCacheKey consults and populates the entry under key.
func WithCacheKey(key string) FetchOption {
	return func(o *FetchOptions) { o.CacheKey = key }
}

// WithCacheTTL sets the write-back TTL.
func WithCacheTTL(ttl time.Duration) FetchOption {
	return func(o *FetchOptions) { o.TTL = ttl }
}

// WithBypassLookup skips the cache read for this fetch.
func WithBypassLookup() FetchOption {
	return func(o *FetchOptions) { o.BypassLookup = true }
}

// Fetch runs fn at most once per opKey at a time. Concurrent callers for
// the same opKey share the one in-flight outcome, success or failure, and
// the flight is dropped when it settles so a later call may retry. The
// cache lookup happens inside the flight, before fn, so a warm cache never
// triggers a remote call.
func (s *Store) Fetch(ctx context.Context, opKey string, fn FetchFunc, opts ...FetchOption) (json.RawMessage, error) {
	ctx, span := s.tracer.Start(ctx, "store.Fetch", trace.WithAttributes(attribute.String("op", opKey)))
	defer span.End()

	var o FetchOptions
	for _, opt := range opts {
		opt(&o)
	}

	v, err, _ := s.sf.Do(opKey, func() (any, error) {
		if o.CacheKey != "" && !o.BypassLookup {
			var cached json.RawMessage
			if s.Get(ctx, o.CacheKey, &cached) {
				return cached, nil
			}
		}

		result, err := fn(ctx)
		if err != nil {
			return nil, err
		}

		data, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal fetched value: %w", err)
		}

		if o.CacheKey != "" && o.TTL > 0 {
			s.SetRaw(ctx, o.CacheKey, data, o.TTL)
		}
		return json.RawMessage(data), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(json.RawMessage), nil
}

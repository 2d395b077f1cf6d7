// Package kv defines the persistent key-value store contract the cache
// layers write through, plus the adapters shipped with the library.
package kv

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no record exists for the key.
var ErrNotFound = errors.New("kv: key not found")

// Store is the boundary contract with the host platform's durable storage.
// Records are opaque bytes with last-writer-wins semantics; durability is
// expected across process restarts but not across reinstalls.
type Store interface {
	// Get retrieves the record for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores the record for key, overwriting any previous value.
	Set(ctx context.Context, key string, value []byte) error

	// Remove deletes the record for key. Removing an absent key is not
	// an error.
	Remove(ctx context.Context, key string) error
}

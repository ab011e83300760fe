// Package store implements the durable object storage layer.
//
// A Backend is a plain key->bytes mapping plus a small mutable refs
// namespace. Object keys are hex digests supplied by the caller; the
// backend never interprets them. Two implementations exist: a
// filesystem backend with git-style sharding and a badger backend.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key or ref is absent.
var ErrNotFound = errors.New("store: not found")

// Backend handles durable content storage.
type Backend interface {
	// Get retrieves an object by key.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores an object under key. Existing objects are left untouched.
	Put(ctx context.Context, key string, data []byte) error

	// Has checks if an object exists.
	Has(ctx context.Context, key string) (bool, error)

	// Delete removes an object. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Walk calls fn for every stored object key.
	Walk(ctx context.Context, fn func(key string) error) error

	// GetRef retrieves a named mutable pointer.
	GetRef(name string) (string, error)

	// PutRef stores a named mutable pointer, overwriting any previous value.
	PutRef(name, value string) error

	// DeleteRef removes a ref. Removing an absent ref is not an error.
	DeleteRef(name string) error

	// ListRefs returns all ref names in lexicographic order.
	ListRefs() ([]string, error)

	Close() error
}

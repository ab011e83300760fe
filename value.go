package cask

import (
	"context"
	"errors"
	"fmt"

	"github.com/aweris/cask/internal/engine"
	"github.com/aweris/cask/internal/store"
)

// ValueStore content-addresses opaque byte blobs.
type ValueStore struct {
	eng *engine.Engine
}

// Add stores bytes and returns their key. Repeated adds of equal bytes
// return the identical key without growing storage.
func (s *ValueStore) Add(ctx context.Context, data []byte) (Key, error) {
	key, encoded := hashObject(KindContents, data)

	ok, err := s.eng.Has(ctx, key.storageKey())
	if err != nil {
		return Key{}, err
	}
	if ok {
		return key, nil
	}

	if err := s.eng.Put(ctx, key.storageKey(), encoded); err != nil {
		return Key{}, err
	}
	return key, nil
}

// Get returns the stored bytes. A miss is reported as ErrNotFound;
// callers treating absence as a valid outcome use errors.Is.
func (s *ValueStore) Get(ctx context.Context, key Key) ([]byte, error) {
	if key.Kind() != KindContents {
		return nil, fmt.Errorf("key %s is not contents: %w", key, ErrTypeMismatch)
	}

	data, err := s.eng.Get(ctx, key.storageKey())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("contents %s: %w", key.Digest(), ErrNotFound)
		}
		return nil, err
	}

	return decodeObject(KindContents, data)
}

// Has reports whether the key resolves locally.
func (s *ValueStore) Has(ctx context.Context, key Key) (bool, error) {
	return s.eng.Has(ctx, key.storageKey())
}

package cask

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aweris/cask/internal/engine"
	"github.com/aweris/cask/internal/store"
)

// tagPrefix namespaces tag refs so internal pointers like the snapshot
// head never surface as tags.
const tagPrefix = "tags/"

// TagStore is the mutable name->key map: branch pointers into the
// content-addressed stores. Tags are not content-addressed; updates
// overwrite in place, last write wins. Each name is updated atomically,
// but no atomicity is promised across names.
type TagStore struct {
	eng *engine.Engine
}

// Set creates or replaces a tag.
func (s *TagStore) Set(name string, key Key) error {
	if name == "" {
		return fmt.Errorf("empty tag name")
	}
	if err := s.eng.PutRef(tagPrefix+name, key.String()); err != nil {
		if errors.Is(err, engine.ErrReadOnly) {
			return ErrReadOnly
		}
		return err
	}
	return nil
}

// Get resolves a tag. Absence is ErrNotFound.
func (s *TagStore) Get(name string) (Key, error) {
	value, err := s.eng.GetRef(tagPrefix + name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Key{}, fmt.Errorf("tag %q: %w", name, ErrNotFound)
		}
		return Key{}, err
	}
	return ParseKey(value)
}

// Remove deletes a tag. Removing an absent tag is a no-op.
func (s *TagStore) Remove(name string) error {
	if err := s.eng.DeleteRef(tagPrefix + name); err != nil {
		if errors.Is(err, engine.ErrReadOnly) {
			return ErrReadOnly
		}
		return err
	}
	return nil
}

// List returns all tag names in lexicographic order, regardless of what
// any individual tag points at.
func (s *TagStore) List() ([]string, error) {
	refs, err := s.eng.ListRefs()
	if err != nil {
		return nil, err
	}

	var names []string
	for _, ref := range refs {
		if name, ok := strings.CutPrefix(ref, tagPrefix); ok {
			names = append(names, name)
		}
	}
	return names, nil
}

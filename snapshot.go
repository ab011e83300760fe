package cask

import (
	"context"
	"strings"
	"sync"
)

// Snapshot is an immutable point-in-time view over the tree a revision
// captured. All reads resolve against content-addressed state; nothing a
// Snapshot does can observe later head mutations.
type Snapshot struct {
	trees *TreeStore
	root  Handle

	mu    sync.Mutex
	cache map[string]Handle // path -> local handle of an expanded node
}

func newSnapshot(trees *TreeStore, rootKey Key) *Snapshot {
	return &Snapshot{
		trees: trees,
		root:  KeyHandle(rootKey),
		cache: make(map[string]Handle),
	}
}

// Root returns the portable key of the snapshot's tree.
func (s *Snapshot) Root() Key {
	key, _ := s.root.Key()
	return key
}

// Get reads the value at path within the snapshot.
func (s *Snapshot) Get(ctx context.Context, path string) ([]byte, error) {
	root, err := s.node(ctx, "")
	if err != nil {
		return nil, err
	}
	return s.trees.Find(ctx, root, splitPath(path))
}

// Mem reports whether a value exists at path within the snapshot.
func (s *Snapshot) Mem(ctx context.Context, path string) (bool, error) {
	_, err := s.Get(ctx, path)
	if err == nil {
		return true, nil
	}
	if isMiss(err) {
		return false, nil
	}
	return false, err
}

// List enumerates value-bearing paths under prefix within the snapshot.
func (s *Snapshot) List(ctx context.Context, prefix string) ([]string, error) {
	root, err := s.node(ctx, "")
	if err != nil {
		return nil, err
	}

	paths, err := s.trees.List(ctx, root, splitPath(prefix))
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(paths))
	for _, p := range paths {
		out = append(out, strings.Join(p, "/"))
	}
	return out, nil
}

// node resolves the node for a path, caching expansions behind transient
// local handles so repeated reads stay in-process.
func (s *Snapshot) node(ctx context.Context, path string) (*Node, error) {
	s.mu.Lock()
	h, ok := s.cache[path]
	s.mu.Unlock()
	if ok {
		return s.trees.Resolve(ctx, h)
	}

	var n *Node
	var err error
	if path == "" {
		n, err = s.trees.Resolve(ctx, s.root)
	} else {
		root, rerr := s.node(ctx, "")
		if rerr != nil {
			return nil, rerr
		}
		n, err = s.trees.Sub(ctx, root, splitPath(path))
	}
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[path] = s.trees.Register(n)
	s.mu.Unlock()
	return n, nil
}

package cask

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/aweris/cask/internal/engine"
	"github.com/aweris/cask/internal/remote"
	"github.com/aweris/cask/internal/store"
)

// headRef persists the latest snapshot key so the revision chain keeps
// growing across opens.
const headRef = "HEAD"

// Cask is a content-addressed, versioned key/value store: immutable
// values, Merkle trees and revisions below a single mutable head, with
// snapshot, revert and bundle-based sync between independent stores.
//
// The head is exclusive to the handle that created it; concurrent
// handles over one root coordinate through tags.
type Cask struct {
	root string
	eng  *engine.Engine
	log  *logrus.Logger

	values    *ValueStore
	trees     *TreeStore
	revisions *RevisionStore
	tags      *TagStore

	registry *remote.Registry

	mu      sync.RWMutex
	head    *Node
	headKey Key // zero until the head has been committed to storage
	lastRev Key // previous snapshot, parent of the next one

	// mirror of headKey and lastRev for the freeze mark. A writer parked
	// inside the engine still holds mu, so the mark must not take it.
	rootsMu  sync.Mutex
	rootHead Key
	rootRev  Key

	readonly bool
}

// Open creates or opens a store rooted at dir. The root is mandatory;
// everything else defaults per OpenOptions.
func Open(dir string, opts ...OpenOption) (*Cask, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	if dir == "" {
		return nil, ErrNoRoot
	}

	if options.Fresh {
		if err := os.RemoveAll(dir); err != nil {
			return nil, fmt.Errorf("discard existing state: %w", err)
		}
	}

	logger := options.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}

	var backend store.Backend
	var err error
	switch options.Backend {
	case BackendFile:
		backend, err = store.NewFileBackend(dir, options.CompressionLevel, options.Compression)
	case BackendBadger:
		backend, err = store.NewBadgerBackend(dir)
	default:
		err = fmt.Errorf("unknown backend %q", options.Backend)
	}
	if err != nil {
		return nil, err
	}

	eng, err := engine.New(backend, engine.Config{
		LRUSize:        options.LRUSize,
		IndexLogSize:   options.IndexLogSize,
		MergeThrottle:  options.MergeThrottle,
		FreezeThrottle: options.FreezeThrottle,
		ReadOnly:       options.ReadOnly,
		Logger:         logger,
	})
	if err != nil {
		backend.Close()
		return nil, err
	}

	c := &Cask{
		root:     dir,
		eng:      eng,
		log:      logger,
		readonly: options.ReadOnly,
		head:     &Node{},
	}
	c.values = &ValueStore{eng: eng}
	c.trees = &TreeStore{eng: eng, values: c.values, slots: make(map[uint64]*Node)}
	c.revisions = &RevisionStore{eng: eng}
	c.tags = &TagStore{eng: eng}

	if options.Remote != "" {
		registry, err := remote.NewRegistry(options.Remote, logger)
		if err != nil {
			eng.Close()
			return nil, err
		}
		c.registry = registry
	}

	// resume the snapshot chain if one exists
	if value, err := eng.GetRef(headRef); err == nil {
		if key, err := ParseKey(value); err == nil && key.Kind() == KindCommit {
			c.lastRev = key
			if commit, err := c.revisions.Load(context.Background(), key); err == nil {
				if root, err := c.trees.Load(context.Background(), commit.Tree); err == nil {
					c.head = root
					c.headKey = commit.Tree
				}
			}
		}
	}
	c.publishRootsLocked()

	return c, nil
}

// Values returns the content-addressed blob store.
func (c *Cask) Values() *ValueStore { return c.values }

// Trees returns the Merkle node store.
func (c *Cask) Trees() *TreeStore { return c.trees }

// Revisions returns the commit store.
func (c *Cask) Revisions() *RevisionStore { return c.revisions }

// Tags returns the mutable name->key map.
func (c *Cask) Tags() *TagStore { return c.tags }

// Head returns the key of the current head tree, zero while the head is
// still the unwritten empty root.
func (c *Cask) Head() Key {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.headKey
}

// Mem reports whether a value exists at path.
func (c *Cask) Mem(ctx context.Context, path string) (bool, error) {
	_, err := c.Get(ctx, path)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Get reads the value at path against the current head. A plain miss is
// ErrNotFound; a dangling reference after a partial import is
// ErrIncompleteClosure.
func (c *Cask) Get(ctx context.Context, path string) ([]byte, error) {
	c.mu.RLock()
	head := c.head
	c.mu.RUnlock()

	return c.trees.Find(ctx, head, splitPath(path))
}

// Put writes value at path, building the new spine copy-on-write and
// atomically swapping the head to the new root.
func (c *Cask) Put(ctx context.Context, path string, value []byte) error {
	if c.readonly {
		return ErrReadOnly
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	newKey, err := c.trees.Update(ctx, c.head, splitPath(path), value)
	if err != nil {
		return err
	}
	return c.swapHeadLocked(ctx, newKey)
}

// Remove detaches the value or subtree at path. Removing an absent path
// succeeds without effect.
func (c *Cask) Remove(ctx context.Context, path string) error {
	if c.readonly {
		return ErrReadOnly
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	newKey, err := c.trees.Remove(ctx, c.head, splitPath(path))
	if err != nil {
		return err
	}
	return c.swapHeadLocked(ctx, newKey)
}

// List enumerates all value-bearing paths under prefix, in lexicographic
// order, as slash-joined strings.
func (c *Cask) List(ctx context.Context, prefix string) ([]string, error) {
	c.mu.RLock()
	head := c.head
	c.mu.RUnlock()

	paths, err := c.trees.List(ctx, head, splitPath(prefix))
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(paths))
	for _, p := range paths {
		out = append(out, strings.Join(p, "/"))
	}
	return out, nil
}

// Snapshot freezes the current head into a revision whose parent is the
// previous snapshot, growing the DAG. The head itself is not reset.
func (c *Cask) Snapshot(ctx context.Context) (Key, error) {
	if c.readonly {
		return Key{}, ErrReadOnly
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	treeKey := c.headKey
	if treeKey.IsZero() {
		// the empty head has never been written; store it now
		key, err := c.trees.Make(ctx, nil, nil)
		if err != nil {
			return Key{}, err
		}
		treeKey = key
		c.headKey = key
	}

	var parents []Key
	if !c.lastRev.IsZero() {
		parents = append(parents, c.lastRev)
	}

	rev, err := c.revisions.Make(ctx, treeKey, parents)
	if err != nil {
		return Key{}, err
	}

	c.lastRev = rev
	c.publishRootsLocked()
	if err := c.eng.PutRef(headRef, rev.String()); err != nil {
		return Key{}, err
	}
	return rev, nil
}

// Revert resets the head to the tree of the given revision. An unknown
// revision is ErrNotFound; a revision whose tree closure is only
// partially present locally is ErrIncompleteClosure; import the missing
// bundle first, then retry.
func (c *Cask) Revert(ctx context.Context, rev Key) error {
	if c.readonly {
		return ErrReadOnly
	}

	commit, err := c.revisions.Load(ctx, rev)
	if err != nil {
		return err
	}

	if err := c.checkClosure(ctx, commit.Tree); err != nil {
		return err
	}

	root, err := c.trees.Load(ctx, commit.Tree)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.head = root
	c.headKey = commit.Tree
	c.lastRev = rev
	c.publishRootsLocked()
	c.mu.Unlock()

	return c.eng.PutRef(headRef, rev.String())
}

// At returns a read-only view of the tree captured by a revision.
func (c *Cask) At(ctx context.Context, rev Key) (*Snapshot, error) {
	commit, err := c.revisions.Load(ctx, rev)
	if err != nil {
		return nil, err
	}
	return newSnapshot(c.trees, commit.Tree), nil
}

// Merge flushes the engine's pending index log into the backend.
func (c *Cask) Merge(ctx context.Context) error {
	if err := c.eng.Merge(ctx); err != nil {
		if errors.Is(err, engine.ErrReadOnly) {
			return ErrReadOnly
		}
		return err
	}
	return nil
}

// Freeze garbage-collects objects unreachable from the tags, the
// snapshot chain and the current head. Concurrency follows the
// configured freeze throttle policy.
func (c *Cask) Freeze(ctx context.Context) error {
	err := c.eng.Freeze(ctx, c.liveSet)
	if errors.Is(err, engine.ErrReadOnly) {
		return ErrReadOnly
	}
	return err
}

// Stats reports engine-level object counts.
func (c *Cask) Stats(ctx context.Context) (engine.Stats, error) {
	return c.eng.Stats(ctx)
}

// Close flushes pending writes and releases the backend.
func (c *Cask) Close() error {
	return c.eng.Close()
}

// liveSet computes the storage keys reachable from every root the store
// knows: all tags, the persisted snapshot chain and the current head.
func (c *Cask) liveSet(ctx context.Context) (map[string]struct{}, error) {
	roots, err := c.knownRoots()
	if err != nil {
		return nil, err
	}

	live := make(map[string]struct{})
	for _, root := range roots {
		if err := c.markReachable(ctx, root, live); err != nil {
			return nil, err
		}
	}
	return live, nil
}

// knownRoots reads the head and chain pointers through the mirror, never
// through mu: during a freeze under block-writes a writer can be parked
// inside the engine while holding mu, and the live mark runs then.
func (c *Cask) knownRoots() ([]Key, error) {
	var roots []Key

	names, err := c.tags.List()
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		key, err := c.tags.Get(name)
		if err != nil {
			return nil, err
		}
		roots = append(roots, key)
	}

	c.rootsMu.Lock()
	if !c.rootRev.IsZero() {
		roots = append(roots, c.rootRev)
	}
	if !c.rootHead.IsZero() {
		roots = append(roots, c.rootHead)
	}
	c.rootsMu.Unlock()

	return roots, nil
}

// publishRootsLocked refreshes the mirror. Callers must hold mu.
func (c *Cask) publishRootsLocked() {
	c.rootsMu.Lock()
	c.rootHead = c.headKey
	c.rootRev = c.lastRev
	c.rootsMu.Unlock()
}

// markReachable adds the closure of key to seen. Objects already merged
// or still pending both count; absent objects are skipped, not errors,
// so a partially imported store can still freeze.
func (c *Cask) markReachable(ctx context.Context, key Key, seen map[string]struct{}) error {
	if _, ok := seen[key.storageKey()]; ok {
		return nil
	}

	switch key.Kind() {
	case KindContents:
		seen[key.storageKey()] = struct{}{}

	case KindNode:
		n, err := c.trees.Load(ctx, key)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			return err
		}
		seen[key.storageKey()] = struct{}{}
		if !n.Value.IsZero() {
			seen[n.Value.storageKey()] = struct{}{}
		}
		for _, e := range n.Entries {
			if err := c.markReachable(ctx, e.Key, seen); err != nil {
				return err
			}
		}

	case KindCommit:
		ancestors, err := c.revisions.Ancestors(ctx, key)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			return err
		}
		for _, rev := range ancestors {
			seen[rev.storageKey()] = struct{}{}
			commit, err := c.revisions.Load(ctx, rev)
			if err != nil {
				return err
			}
			if err := c.markReachable(ctx, commit.Tree, seen); err != nil {
				return err
			}
		}
	}

	return nil
}

// checkClosure verifies that the whole tree closure below key is locally
// resolvable, reporting ErrIncompleteClosure otherwise.
func (c *Cask) checkClosure(ctx context.Context, key Key) error {
	n, err := c.trees.Load(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("node %s unresolvable: %w", key.Digest(), ErrIncompleteClosure)
		}
		return err
	}

	if !n.Value.IsZero() {
		ok, err := c.values.Has(ctx, n.Value)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("contents %s unresolvable: %w", n.Value.Digest(), ErrIncompleteClosure)
		}
	}

	for _, e := range n.Entries {
		switch e.Key.Kind() {
		case KindContents:
			ok, err := c.values.Has(ctx, e.Key)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("contents %s unresolvable: %w", e.Key.Digest(), ErrIncompleteClosure)
			}
		case KindNode:
			if err := c.checkClosure(ctx, e.Key); err != nil {
				return err
			}
		}
	}
	return nil
}

// swapHeadLocked reloads the root for newKey and swaps the head pointer.
// Callers must hold c.mu.
func (c *Cask) swapHeadLocked(ctx context.Context, newKey Key) error {
	root, err := c.trees.Load(ctx, newKey)
	if err != nil {
		return err
	}
	c.head = root
	c.headKey = newKey
	c.publishRootsLocked()
	return nil
}

// splitPath turns "a/b/c" into labels, tolerating leading, trailing and
// doubled slashes. An empty or "/" path addresses the root node.
func splitPath(path string) []string {
	var labels []string
	for _, part := range strings.Split(path, "/") {
		if part != "" {
			labels = append(labels, part)
		}
	}
	return labels
}

// Package engine arbitrates access to the durable backend shared by all
// content-addressed stores.
//
// It fronts the backend with a bounded LRU cache and buffers writes in an
// in-memory index log. When the log reaches its configured size it is
// merged (batch-flushed) into the backend by a background pass; a freeze
// pass garbage-collects objects unreachable from the live set. Both
// maintenance passes are governed by throttle policies that trade write
// latency against resident memory. Throttling is never an error, only
// latency; a cancelled freeze reports context.Canceled and leaves the
// backend consistent.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"

	"github.com/aweris/cask/internal/store"
)

// Throttle policies for merge and freeze.
const (
	// ThrottleBlockWrites suspends writers until the maintenance pass
	// completes. Strict backpressure.
	ThrottleBlockWrites = "block-writes"

	// ThrottleOvercommitMemory lets writers proceed past the nominal log
	// bound, trading memory for latency.
	ThrottleOvercommitMemory = "overcommit-memory"

	// ThrottleCancelExisting (freeze only) cancels a running freeze when a
	// new one is requested instead of queuing behind it.
	ThrottleCancelExisting = "cancel-existing"
)

const (
	DefaultLRUSize      = 100_000
	DefaultIndexLogSize = 500_000

	mergeWorkers = 4
)

// ErrReadOnly is returned for any mutation on a read-only engine.
var ErrReadOnly = errors.New("engine: store is read-only")

// Config is built once per store open and never mutated afterwards.
type Config struct {
	// LRUSize bounds the number of hot objects kept in memory.
	LRUSize int

	// IndexLogSize is the pending-write count at which a merge starts.
	IndexLogSize int

	// MergeThrottle is ThrottleBlockWrites or ThrottleOvercommitMemory.
	MergeThrottle string

	// FreezeThrottle is ThrottleBlockWrites, ThrottleOvercommitMemory or
	// ThrottleCancelExisting.
	FreezeThrottle string

	// ReadOnly rejects all mutations and disables merge/freeze.
	ReadOnly bool

	Logger *logrus.Logger
}

func (c *Config) applyDefaults() error {
	if c.LRUSize <= 0 {
		c.LRUSize = DefaultLRUSize
	}
	if c.IndexLogSize <= 0 {
		c.IndexLogSize = DefaultIndexLogSize
	}
	if c.MergeThrottle == "" {
		c.MergeThrottle = ThrottleBlockWrites
	}
	if c.FreezeThrottle == "" {
		c.FreezeThrottle = ThrottleBlockWrites
	}
	switch c.MergeThrottle {
	case ThrottleBlockWrites, ThrottleOvercommitMemory:
	default:
		return fmt.Errorf("invalid merge throttle %q", c.MergeThrottle)
	}
	switch c.FreezeThrottle {
	case ThrottleBlockWrites, ThrottleOvercommitMemory, ThrottleCancelExisting:
	default:
		return fmt.Errorf("invalid freeze throttle %q", c.FreezeThrottle)
	}
	if c.Logger == nil {
		c.Logger = logrus.New()
		c.Logger.SetLevel(logrus.WarnLevel)
	}
	return nil
}

// LiveFunc computes the set of object keys reachable from the store's
// roots. The engine calls it at the start of a freeze pass.
type LiveFunc func(ctx context.Context) (map[string]struct{}, error)

// Engine wraps a Backend with caching, write buffering and GC.
type Engine struct {
	backend store.Backend
	cfg     Config
	log     *logrus.Logger

	cache *lru.Cache[string, []byte]

	mu      sync.Mutex
	cond    *sync.Cond
	pending map[string][]byte // index log: written but not yet merged
	merging bool
	closed  bool

	freezing     bool
	freezeCancel context.CancelFunc
}

func New(backend store.Backend, cfg Config) (*Engine, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	cache, err := lru.New[string, []byte](cfg.LRUSize)
	if err != nil {
		return nil, fmt.Errorf("create lru cache: %w", err)
	}

	e := &Engine{
		backend: backend,
		cfg:     cfg,
		log:     cfg.Logger,
		cache:   cache,
		pending: make(map[string][]byte),
	}
	e.cond = sync.NewCond(&e.mu)
	return e, nil
}

// Get retrieves an object. Reads never block on maintenance activity:
// they hit the cache, the pending log, or the backend directly.
func (e *Engine) Get(ctx context.Context, key string) ([]byte, error) {
	if data, ok := e.cache.Get(key); ok {
		return data, nil
	}

	e.mu.Lock()
	data, ok := e.pending[key]
	e.mu.Unlock()
	if ok {
		e.cache.Add(key, data)
		return data, nil
	}

	data, err := e.backend.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	e.cache.Add(key, data)
	return data, nil
}

// Has reports whether an object exists in cache, log or backend.
func (e *Engine) Has(ctx context.Context, key string) (bool, error) {
	if e.cache.Contains(key) {
		return true, nil
	}

	e.mu.Lock()
	_, ok := e.pending[key]
	e.mu.Unlock()
	if ok {
		return true, nil
	}

	return e.backend.Has(ctx, key)
}

// Put buffers an object write in the index log. The write becomes durable
// on the next merge. Under ThrottleBlockWrites the caller may suspend
// until an in-progress merge (or freeze) completes.
func (e *Engine) Put(ctx context.Context, key string, data []byte) error {
	if e.cfg.ReadOnly {
		return ErrReadOnly
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return errors.New("engine: closed")
	}

	if e.cfg.FreezeThrottle == ThrottleBlockWrites {
		for e.freezing {
			e.cond.Wait()
		}
	}
	if e.cfg.MergeThrottle == ThrottleBlockWrites {
		for e.merging && len(e.pending) >= e.cfg.IndexLogSize {
			e.cond.Wait()
		}
	}

	e.pending[key] = data
	e.cache.Add(key, data)

	if !e.merging && !e.freezing && len(e.pending) >= e.cfg.IndexLogSize {
		e.startMergeLocked()
	}
	return nil
}

// Merge flushes the entire pending log to the backend and waits for
// completion. It is also triggered automatically when the log fills.
func (e *Engine) Merge(ctx context.Context) error {
	if e.cfg.ReadOnly {
		return ErrReadOnly
	}

	e.mu.Lock()
	for e.merging || e.freezing {
		e.cond.Wait()
	}
	if len(e.pending) == 0 {
		e.mu.Unlock()
		return nil
	}
	e.startMergeLocked()
	for e.merging {
		e.cond.Wait()
	}
	e.mu.Unlock()
	return nil
}

// startMergeLocked snapshots the current log and flushes it in the
// background. Callers must hold e.mu.
func (e *Engine) startMergeLocked() {
	e.merging = true

	batch := make(map[string][]byte, len(e.pending))
	for k, v := range e.pending {
		batch[k] = v
	}

	go e.runMerge(batch)
}

func (e *Engine) runMerge(batch map[string][]byte) {
	start := time.Now()

	p := pool.New().WithErrors().WithMaxGoroutines(mergeWorkers)
	for key, data := range batch {
		p.Go(func() error {
			return e.backend.Put(context.Background(), key, data)
		})
	}
	err := p.Wait()

	e.mu.Lock()
	if err != nil {
		// keep the batch in the log; a later merge retries
		e.log.WithError(err).Error("index merge failed")
	} else {
		for key := range batch {
			delete(e.pending, key)
		}
		e.log.WithFields(logrus.Fields{
			"objects":  len(batch),
			"duration": time.Since(start),
		}).Debug("index merge complete")
	}
	e.merging = false
	e.cond.Broadcast()
	e.mu.Unlock()
}

// Freeze runs a mark-and-sweep GC pass: objects not reachable from the
// live set (and not sitting in the pending log) are deleted from the
// backend. The sweep only ever removes unreachable objects, so a pass
// cancelled partway leaves the store consistent.
func (e *Engine) Freeze(ctx context.Context, live LiveFunc) error {
	if e.cfg.ReadOnly {
		return ErrReadOnly
	}

	// A merge in flight could surface log entries to the sweep between
	// mark and delete, so freezes and merges never overlap.
	e.mu.Lock()
	for e.freezing || e.merging {
		if e.freezing && e.cfg.FreezeThrottle == ThrottleCancelExisting && e.freezeCancel != nil {
			e.freezeCancel()
		}
		e.cond.Wait()
	}
	fctx, cancel := context.WithCancel(ctx)
	e.freezing = true
	e.freezeCancel = cancel
	e.mu.Unlock()

	err := e.runFreeze(fctx, live)

	e.mu.Lock()
	e.freezing = false
	e.freezeCancel = nil
	if !e.merging && len(e.pending) >= e.cfg.IndexLogSize {
		// writes that overcommitted during the freeze may have filled the log
		e.startMergeLocked()
	}
	e.cond.Broadcast()
	e.mu.Unlock()
	cancel()

	return err
}

func (e *Engine) runFreeze(ctx context.Context, live LiveFunc) error {
	start := time.Now()

	liveSet, err := live(ctx)
	if err != nil {
		return fmt.Errorf("compute live set: %w", err)
	}

	var garbage []string
	err = e.backend.Walk(ctx, func(key string) error {
		if _, ok := liveSet[key]; ok {
			return nil
		}
		e.mu.Lock()
		_, buffered := e.pending[key]
		e.mu.Unlock()
		if !buffered {
			garbage = append(garbage, key)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("freeze mark: %w", err)
	}

	removed := 0
	for _, key := range garbage {
		if err := ctx.Err(); err != nil {
			e.log.WithField("removed", removed).Info("freeze cancelled")
			return err
		}
		if err := e.backend.Delete(ctx, key); err != nil {
			return fmt.Errorf("freeze sweep %s: %w", key, err)
		}
		e.cache.Remove(key)
		removed++
	}

	e.log.WithFields(logrus.Fields{
		"live":     len(liveSet),
		"removed":  removed,
		"duration": time.Since(start),
	}).Debug("freeze complete")
	return nil
}

// Stats reports object counts for inspection.
type Stats struct {
	Pending int // writes buffered in the index log
	Cached  int // objects resident in the LRU cache
	Durable int // objects persisted in the backend
}

func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	e.mu.Lock()
	pending := len(e.pending)
	e.mu.Unlock()

	durable := 0
	if err := e.backend.Walk(ctx, func(string) error { durable++; return nil }); err != nil {
		return Stats{}, err
	}

	return Stats{Pending: pending, Cached: e.cache.Len(), Durable: durable}, nil
}

// GetRef reads a named pointer. Refs bypass the cache and log: they are
// mutable and must always reflect the backend.
func (e *Engine) GetRef(name string) (string, error) {
	return e.backend.GetRef(name)
}

// PutRef overwrites a named pointer. Last write wins; atomicity per name
// is the backend's responsibility.
func (e *Engine) PutRef(name, value string) error {
	if e.cfg.ReadOnly {
		return ErrReadOnly
	}
	return e.backend.PutRef(name, value)
}

func (e *Engine) DeleteRef(name string) error {
	if e.cfg.ReadOnly {
		return ErrReadOnly
	}
	return e.backend.DeleteRef(name)
}

func (e *Engine) ListRefs() ([]string, error) {
	return e.backend.ListRefs()
}

// Close flushes the pending log and closes the backend.
func (e *Engine) Close() error {
	if !e.cfg.ReadOnly {
		if err := e.Merge(context.Background()); err != nil {
			return err
		}
	}

	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	return e.backend.Close()
}

package cask

import (
	"github.com/sirupsen/logrus"

	"github.com/aweris/cask/internal/engine"
)

// Throttle policies, re-exported from the engine.
const (
	ThrottleBlockWrites      = engine.ThrottleBlockWrites
	ThrottleOvercommitMemory = engine.ThrottleOvercommitMemory
	ThrottleCancelExisting   = engine.ThrottleCancelExisting
)

// Backend selectors.
const (
	BackendFile   = "file"
	BackendBadger = "badger"
)

// OpenOptions configures a store handle. Every option is independently
// settable; zero values mean defaults.
type OpenOptions struct {
	// Fresh discards any existing on-disk state at open.
	Fresh bool

	// ReadOnly disallows all mutating operations. Any number of
	// read-only handles may share one root.
	ReadOnly bool

	// LRUSize bounds the in-memory object cache (default 100,000).
	LRUSize int

	// IndexLogSize is the pending-write count that triggers an index
	// merge (default 500,000).
	IndexLogSize int

	// MergeThrottle and FreezeThrottle select the backpressure policy
	// for maintenance passes (default ThrottleBlockWrites).
	MergeThrottle  string
	FreezeThrottle string

	// Backend selects the durable store: BackendFile or BackendBadger.
	Backend string

	// CompressionLevel (1..3) and Compression control zstd framing in
	// the file backend.
	Compression      bool
	CompressionLevel int

	// Remote is an OCI image ref for bundle push/pull, e.g.
	// "ttl.sh/team/cask:main". Empty disables the remote.
	Remote string

	Logger *logrus.Logger
}

// OpenOption is a functional option for configuring Open.
type OpenOption func(*OpenOptions)

func defaultOptions() *OpenOptions {
	return &OpenOptions{
		LRUSize:          engine.DefaultLRUSize,
		IndexLogSize:     engine.DefaultIndexLogSize,
		MergeThrottle:    ThrottleBlockWrites,
		FreezeThrottle:   ThrottleBlockWrites,
		Backend:          BackendFile,
		Compression:      true,
		CompressionLevel: 2,
	}
}

// WithFresh discards existing on-disk state at open.
func WithFresh() OpenOption {
	return func(o *OpenOptions) { o.Fresh = true }
}

// WithReadOnly opens a handle that rejects all mutations.
func WithReadOnly() OpenOption {
	return func(o *OpenOptions) { o.ReadOnly = true }
}

// WithLRUSize bounds the hot-object cache.
func WithLRUSize(n int) OpenOption {
	return func(o *OpenOptions) {
		if n > 0 {
			o.LRUSize = n
		}
	}
}

// WithIndexLogSize sets the merge threshold for the write-ahead index log.
func WithIndexLogSize(n int) OpenOption {
	return func(o *OpenOptions) {
		if n > 0 {
			o.IndexLogSize = n
		}
	}
}

// WithMergeThrottle selects the policy applied to writers while an index
// merge is in progress and the log is full.
func WithMergeThrottle(policy string) OpenOption {
	return func(o *OpenOptions) { o.MergeThrottle = policy }
}

// WithFreezeThrottle selects the policy for background freeze (GC)
// concurrency.
func WithFreezeThrottle(policy string) OpenOption {
	return func(o *OpenOptions) { o.FreezeThrottle = policy }
}

// WithBackend selects the durable backend.
func WithBackend(backend string) OpenOption {
	return func(o *OpenOptions) { o.Backend = backend }
}

// WithCompression enables or disables zstd object compression (file
// backend only). Level 1 is fastest, 3 compresses best.
func WithCompression(enabled bool, level int) OpenOption {
	return func(o *OpenOptions) {
		o.Compression = enabled
		if level > 0 {
			o.CompressionLevel = level
		}
	}
}

// WithRemote configures the OCI registry target for Push and Pull.
func WithRemote(imageRef string) OpenOption {
	return func(o *OpenOptions) { o.Remote = imageRef }
}

// WithLogger injects a structured logger. If unset, a quiet stderr
// logger is used.
func WithLogger(logger *logrus.Logger) OpenOption {
	return func(o *OpenOptions) { o.Logger = logger }
}

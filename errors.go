package cask

import "errors"

var (
	// ErrNotFound reports a key, path, tag or revision that is absent
	// where presence was required.
	ErrNotFound = errors.New("cask: not found")

	// ErrTypeMismatch reports a path segment that expected a tree but
	// found a value, or the reverse.
	ErrTypeMismatch = errors.New("cask: type mismatch")

	// ErrIncompleteClosure reports a reachable object whose key is not
	// locally resolvable, typically after a partial import. Importing a
	// bundle that supplies the missing closure recovers.
	ErrIncompleteClosure = errors.New("cask: incomplete closure")

	// ErrNoRoot reports an Open call without a storage location.
	ErrNoRoot = errors.New("cask: no root directory configured")

	// ErrReadOnly reports a mutation on a read-only handle.
	ErrReadOnly = errors.New("cask: store is read-only")

	// ErrNoRemote reports a push or pull without a configured remote.
	ErrNoRemote = errors.New("cask: no remote configured")
)

// isMiss distinguishes a plain absence from real failures.
func isMiss(err error) bool {
	return errors.Is(err, ErrNotFound)
}

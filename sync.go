package cask

import (
	"bytes"
	"context"
	"fmt"
)

// Push exports the closure of the latest snapshot and uploads it to the
// configured registry. With no tags given, the remote's own tag is used.
// A store that has never snapshotted gets one implicitly, so a push
// always describes a revertible revision.
func (c *Cask) Push(ctx context.Context, tags ...string) error {
	if c.registry == nil {
		return ErrNoRemote
	}
	if c.readonly {
		return ErrReadOnly
	}

	c.mu.RLock()
	rev := c.lastRev
	c.mu.RUnlock()

	if rev.IsZero() {
		snapped, err := c.Snapshot(ctx)
		if err != nil {
			return err
		}
		rev = snapped
	}

	bundle, err := c.Export(ctx, []Key{rev})
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := bundle.Encode(&buf); err != nil {
		return fmt.Errorf("encode bundle: %w", err)
	}

	if len(tags) == 0 {
		return c.registry.Push(ctx, rev.String(), buf.Bytes())
	}
	for _, tag := range tags {
		target, err := c.registry.WithTag(tag)
		if err != nil {
			return fmt.Errorf("invalid tag %q: %w", tag, err)
		}
		if err := target.Push(ctx, rev.String(), buf.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

// Pull downloads the remote bundle, imports it, and returns the remote
// head revision. The local head is untouched; call Revert with the
// returned key to adopt the pulled state.
func (c *Cask) Pull(ctx context.Context) (Key, error) {
	if c.registry == nil {
		return Key{}, ErrNoRemote
	}
	if c.readonly {
		return Key{}, ErrReadOnly
	}

	head, data, err := c.registry.Pull(ctx)
	if err != nil {
		return Key{}, err
	}

	bundle, err := DecodeBundle(bytes.NewReader(data))
	if err != nil {
		return Key{}, fmt.Errorf("decode bundle: %w", err)
	}

	if err := c.Import(ctx, bundle); err != nil {
		return Key{}, err
	}

	rev, err := ParseKey(head)
	if err != nil {
		return Key{}, fmt.Errorf("remote head: %w", err)
	}
	return rev, nil
}

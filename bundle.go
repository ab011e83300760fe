package cask

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/aweris/cask/internal/store"
)

// Record is one exported object: its key and its encoded form exactly as
// stored.
type Record struct {
	Key  Key
	Data []byte
}

// Bundle is a self-contained, deduplicated set of objects, topologically
// ordered so every object appears after everything it references. A
// sequential import therefore never dereferences a key it has not yet
// written.
type Bundle struct {
	Records []Record
}

func (b *Bundle) Len() int { return len(b.Records) }

// Export collects the closure reachable from the given revisions: their
// ancestor chains, each ancestor's tree, and every object those trees
// reference. With no revisions given, it exports everything reachable
// from every known tag, the snapshot chain and the current head. A
// reachable object missing locally aborts with ErrIncompleteClosure.
func (c *Cask) Export(ctx context.Context, revs []Key) (*Bundle, error) {
	roots := revs
	if len(roots) == 0 {
		known, err := c.knownRoots()
		if err != nil {
			return nil, err
		}
		roots = known
	}

	b := &Bundle{}
	seen := make(map[Key]struct{})

	for _, root := range roots {
		if err := c.exportKey(ctx, root, seen, b); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (c *Cask) exportKey(ctx context.Context, key Key, seen map[Key]struct{}, b *Bundle) error {
	if _, ok := seen[key]; ok {
		return nil
	}

	switch key.Kind() {
	case KindContents:
		return c.exportRaw(ctx, key, seen, b)

	case KindNode:
		return c.exportTree(ctx, key, seen, b)

	case KindCommit:
		ancestors, err := c.revisions.Ancestors(ctx, key)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return fmt.Errorf("revision closure around %s: %w", key.Digest(), ErrIncompleteClosure)
			}
			return err
		}
		// ancestors are already ordered parents-first; emitting each
		// tree before its commit keeps dependencies ahead of dependents
		for _, rev := range ancestors {
			commit, err := c.revisions.Load(ctx, rev)
			if err != nil {
				return err
			}
			if err := c.exportTree(ctx, commit.Tree, seen, b); err != nil {
				return err
			}
			if err := c.exportRaw(ctx, rev, seen, b); err != nil {
				return err
			}
		}
		return nil

	default:
		return fmt.Errorf("cannot export key of kind %s", key.Kind())
	}
}

// exportTree emits the subtree below key in post-order: values and
// children first, the node itself last.
func (c *Cask) exportTree(ctx context.Context, key Key, seen map[Key]struct{}, b *Bundle) error {
	if _, ok := seen[key]; ok {
		return nil
	}

	n, err := c.trees.Load(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("node %s: %w", key.Digest(), ErrIncompleteClosure)
		}
		return err
	}

	if !n.Value.IsZero() {
		if err := c.exportRaw(ctx, n.Value, seen, b); err != nil {
			return err
		}
	}
	for _, e := range n.Entries {
		switch e.Key.Kind() {
		case KindContents:
			if err := c.exportRaw(ctx, e.Key, seen, b); err != nil {
				return err
			}
		case KindNode:
			if err := c.exportTree(ctx, e.Key, seen, b); err != nil {
				return err
			}
		}
	}

	return c.exportRaw(ctx, key, seen, b)
}

// exportRaw emits a single object verbatim from storage.
func (c *Cask) exportRaw(ctx context.Context, key Key, seen map[Key]struct{}, b *Bundle) error {
	if _, ok := seen[key]; ok {
		return nil
	}

	data, err := c.eng.Get(ctx, key.storageKey())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%s %s: %w", key.Kind(), key.Digest(), ErrIncompleteClosure)
		}
		return err
	}

	seen[key] = struct{}{}
	b.Records = append(b.Records, Record{Key: key, Data: data})
	return nil
}

// Import writes every bundle object into the store in the bundle's
// order, verifying each record's digest and skipping objects already
// present. Importing the same bundle twice is a no-op: content keys make
// the union automatic and conflict-free.
func (c *Cask) Import(ctx context.Context, b *Bundle) error {
	if c.readonly {
		return ErrReadOnly
	}

	for _, rec := range b.Records {
		sum := sha256.Sum256(rec.Data)
		if hex.EncodeToString(sum[:]) != rec.Key.Digest() {
			return fmt.Errorf("bundle record %s: digest mismatch", rec.Key)
		}
		if _, err := decodeObject(rec.Key.Kind(), rec.Data); err != nil {
			return fmt.Errorf("bundle record %s: %w", rec.Key, err)
		}

		ok, err := c.eng.Has(ctx, rec.Key.storageKey())
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		if err := c.eng.Put(ctx, rec.Key.storageKey(), rec.Data); err != nil {
			return err
		}
	}
	return nil
}

// Bundle wire framing:
//
//	magic "caskbndl" | version 1 | count u32 |
//	count * { kind u8 | digest 32B | size u32 | data }
var bundleMagic = [8]byte{'c', 'a', 's', 'k', 'b', 'n', 'd', 'l'}

const bundleVersion = 1

// Encode writes the bundle in its wire framing.
func (b *Bundle) Encode(w io.Writer) error {
	if _, err := w.Write(bundleMagic[:]); err != nil {
		return err
	}
	if _, err := w.Write([]byte{bundleVersion}); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(b.Records))); err != nil {
		return err
	}

	for _, rec := range b.Records {
		if _, err := w.Write([]byte{byte(rec.Key.Kind())}); err != nil {
			return err
		}
		raw, err := hex.DecodeString(rec.Key.Digest())
		if err != nil || len(raw) != sha256.Size {
			return fmt.Errorf("malformed digest in record %s", rec.Key)
		}
		if _, err := w.Write(raw); err != nil {
			return err
		}
		if err := binary.Write(w, binary.BigEndian, uint32(len(rec.Data))); err != nil {
			return err
		}
		if _, err := w.Write(rec.Data); err != nil {
			return err
		}
	}
	return nil
}

// DecodeBundle reads the wire framing produced by Encode.
func DecodeBundle(r io.Reader) (*Bundle, error) {
	var magic [8]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, fmt.Errorf("read bundle magic: %w", err)
	}
	if !bytes.Equal(magic[:], bundleMagic[:]) {
		return nil, fmt.Errorf("not a bundle")
	}

	var version [1]byte
	if _, err := io.ReadFull(r, version[:]); err != nil {
		return nil, fmt.Errorf("read bundle version: %w", err)
	}
	if version[0] != bundleVersion {
		return nil, fmt.Errorf("unsupported bundle version %d", version[0])
	}

	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("read record count: %w", err)
	}

	b := &Bundle{Records: make([]Record, 0, min(count, 1024))}
	for i := uint32(0); i < count; i++ {
		var kindByte [1]byte
		if _, err := io.ReadFull(r, kindByte[:]); err != nil {
			return nil, fmt.Errorf("read record kind: %w", err)
		}
		kind := Kind(kindByte[0])
		switch kind {
		case KindContents, KindNode, KindCommit:
		default:
			return nil, fmt.Errorf("unknown record kind 0x%02x", kindByte[0])
		}

		var digest [sha256.Size]byte
		if _, err := io.ReadFull(r, digest[:]); err != nil {
			return nil, fmt.Errorf("read record digest: %w", err)
		}

		var size uint32
		if err := binary.Read(r, binary.BigEndian, &size); err != nil {
			return nil, fmt.Errorf("read record size: %w", err)
		}
		data, err := readExact(r, int64(size))
		if err != nil {
			return nil, fmt.Errorf("read record data: %w", err)
		}

		b.Records = append(b.Records, Record{
			Key:  Key{kind: kind, digest: hex.EncodeToString(digest[:])},
			Data: data,
		})
	}

	return b, nil
}

// readExact reads exactly n bytes, growing the buffer as input arrives
// rather than trusting n for the allocation.
func readExact(r io.Reader, n int64) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := io.CopyN(&buf, r, n); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

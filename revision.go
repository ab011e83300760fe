package cask

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/aweris/cask/internal/engine"
	"github.com/aweris/cask/internal/store"
)

// Commit is an immutable revision record: the tree it captures and the
// ordered parent revisions it extends. Parents form a DAG; a revision can
// never be its own ancestor because its key depends on its parents' keys.
type Commit struct {
	Tree    Key
	Parents []Key
}

// RevisionStore content-addresses commits and answers ancestry queries.
type RevisionStore struct {
	eng *engine.Engine
}

// Make hashes and stores a commit record. Identical tree and parents
// collapse to one key, like values.
func (s *RevisionStore) Make(ctx context.Context, tree Key, parents []Key) (Key, error) {
	if tree.Kind() != KindNode {
		return Key{}, fmt.Errorf("commit tree %s is not a node: %w", tree, ErrTypeMismatch)
	}
	for _, p := range parents {
		if p.Kind() != KindCommit {
			return Key{}, fmt.Errorf("commit parent %s is not a commit: %w", p, ErrTypeMismatch)
		}
	}

	key, encoded := hashObject(KindCommit, encodeCommit(&Commit{Tree: tree, Parents: parents}))

	ok, err := s.eng.Has(ctx, key.storageKey())
	if err != nil {
		return Key{}, err
	}
	if !ok {
		if err := s.eng.Put(ctx, key.storageKey(), encoded); err != nil {
			return Key{}, err
		}
	}
	return key, nil
}

// Load reads a commit. Absence is ErrNotFound.
func (s *RevisionStore) Load(ctx context.Context, key Key) (*Commit, error) {
	if key.Kind() != KindCommit {
		return nil, fmt.Errorf("key %s is not a commit: %w", key, ErrTypeMismatch)
	}

	data, err := s.eng.Get(ctx, key.storageKey())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("revision %s: %w", key.Digest(), ErrNotFound)
		}
		return nil, err
	}

	payload, err := decodeObject(KindCommit, data)
	if err != nil {
		return nil, err
	}
	return decodeCommit(payload)
}

// Ancestors returns the transitive closure of key and all its ancestors,
// deduplicated, topologically ordered: every revision appears after all
// of its ancestors, and key itself is last. A visited set keeps shared
// (diamond) histories polynomial.
func (s *RevisionStore) Ancestors(ctx context.Context, key Key) ([]Key, error) {
	type frame struct {
		key      Key
		expanded bool
	}

	var order []Key
	visited := make(map[Key]bool)
	emitted := make(map[Key]bool)
	stack := []frame{{key: key}}

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if f.expanded {
			if !emitted[f.key] {
				emitted[f.key] = true
				order = append(order, f.key)
			}
			continue
		}
		if visited[f.key] {
			continue
		}
		visited[f.key] = true

		c, err := s.Load(ctx, f.key)
		if err != nil {
			return nil, err
		}

		// emit this revision only after all parents have been emitted
		stack = append(stack, frame{key: f.key, expanded: true})
		for i := len(c.Parents) - 1; i >= 0; i-- {
			if !visited[c.Parents[i]] {
				stack = append(stack, frame{key: c.Parents[i]})
			}
		}
	}

	return order, nil
}

// encodeCommit renders the payload: tree digest, parent count, parent
// digests in order.
func encodeCommit(c *Commit) []byte {
	var buf bytes.Buffer

	raw, _ := hex.DecodeString(c.Tree.Digest())
	buf.Write(raw)

	binary.Write(&buf, binary.BigEndian, uint32(len(c.Parents)))
	for _, p := range c.Parents {
		raw, _ := hex.DecodeString(p.Digest())
		buf.Write(raw)
	}

	return buf.Bytes()
}

func decodeCommit(payload []byte) (*Commit, error) {
	r := bytes.NewReader(payload)

	var tree [32]byte
	if _, err := io.ReadFull(r, tree[:]); err != nil {
		return nil, fmt.Errorf("truncated commit tree: %w", err)
	}

	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("truncated commit parents: %w", err)
	}

	c := &Commit{Tree: Key{kind: KindNode, digest: hex.EncodeToString(tree[:])}}
	c.Parents = make([]Key, 0, count)
	for i := uint32(0); i < count; i++ {
		var parent [32]byte
		if _, err := io.ReadFull(r, parent[:]); err != nil {
			return nil, fmt.Errorf("truncated commit parent: %w", err)
		}
		c.Parents = append(c.Parents, Key{kind: KindCommit, digest: hex.EncodeToString(parent[:])})
	}

	return c, nil
}

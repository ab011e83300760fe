package cask

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/aweris/cask/internal/engine"
	"github.com/aweris/cask/internal/store"
)

// Entry binds a path label to a child object: contents (a value leaf) or
// a nested node.
type Entry struct {
	Name string
	Key  Key // KindContents or KindNode
}

// Node is the concrete, fully expanded in-memory form of a tree object.
// Entries are kept sorted by name; an optional attached value references
// the value store (a directory that also carries content). Nodes are
// immutable once built: updates produce new nodes sharing unchanged
// children by key.
type Node struct {
	Entries []Entry
	Value   Key // attached value, zero if none
}

func (n *Node) lookup(name string) (Entry, bool) {
	i := sort.Search(len(n.Entries), func(i int) bool { return n.Entries[i].Name >= name })
	if i < len(n.Entries) && n.Entries[i].Name == name {
		return n.Entries[i], true
	}
	return Entry{}, false
}

// withEntry returns a copy of n with name bound to key. A zero key
// removes the binding. Siblings are carried over by reference.
func (n *Node) withEntry(name string, key Key) *Node {
	out := &Node{Value: n.Value, Entries: make([]Entry, 0, len(n.Entries)+1)}
	inserted := false
	for _, e := range n.Entries {
		if e.Name == name {
			if !key.IsZero() {
				out.Entries = append(out.Entries, Entry{Name: name, Key: key})
			}
			inserted = true
			continue
		}
		if !inserted && e.Name > name && !key.IsZero() {
			out.Entries = append(out.Entries, Entry{Name: name, Key: key})
			inserted = true
		}
		out.Entries = append(out.Entries, e)
	}
	if !inserted && !key.IsZero() {
		out.Entries = append(out.Entries, Entry{Name: name, Key: key})
	}
	return out
}

func (n *Node) empty() bool { return len(n.Entries) == 0 && n.Value.IsZero() }

// danglingRef reclassifies a plain miss on a referenced key: an object
// pointed at by reachable state but absent locally is an incomplete
// closure (typically a partial import), not an ordinary not-found.
func danglingRef(key Key, err error) error {
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%s %s referenced but unresolvable: %w", key.Kind(), key.Digest(), ErrIncompleteClosure)
	}
	return err
}

// Handle refers to a tree in exactly one of three forms: a portable
// content key, a transient in-process cache slot, or a fully expanded
// concrete node. Only the key and concrete forms are meaningful outside
// the process; a local handle must never be persisted or compared across
// store instances.
type Handle struct {
	form handleForm
	key  Key
	id   uint64
	node *Node
}

type handleForm uint8

const (
	handleKey handleForm = iota + 1
	handleLocal
	handleConcrete
)

// KeyHandle names a tree by its portable content key.
func KeyHandle(key Key) Handle { return Handle{form: handleKey, key: key} }

// ConcreteHandle wraps an expanded node.
func ConcreteHandle(n *Node) Handle { return Handle{form: handleConcrete, node: n} }

// Key returns the portable key and whether this handle carries one.
func (h Handle) Key() (Key, bool) { return h.key, h.form == handleKey }

// TreeStore content-addresses Merkle nodes and implements persistent
// (copy-on-write) reads and updates over them.
type TreeStore struct {
	eng    *engine.Engine
	values *ValueStore

	mu     sync.Mutex
	slots  map[uint64]*Node // local handle table, process-transient
	nextID uint64
}

// Register places a concrete node in the local handle table and returns
// its transient handle.
func (s *TreeStore) Register(n *Node) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.slots[s.nextID] = n
	return Handle{form: handleLocal, id: s.nextID}
}

// Resolve expands any handle form to a concrete node.
func (s *TreeStore) Resolve(ctx context.Context, h Handle) (*Node, error) {
	switch h.form {
	case handleConcrete:
		return h.node, nil
	case handleKey:
		return s.Load(ctx, h.key)
	case handleLocal:
		s.mu.Lock()
		n, ok := s.slots[h.id]
		s.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("stale local handle %d: %w", h.id, ErrNotFound)
		}
		return n, nil
	default:
		return nil, fmt.Errorf("unresolvable handle")
	}
}

// Make builds a node from bindings, canonicalizing by label sort so
// construction order never affects the resulting key. A non-nil value is
// stored through the value store and attached to the node.
func (s *TreeStore) Make(ctx context.Context, entries []Entry, value []byte) (Key, error) {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	for i := 1; i < len(sorted); i++ {
		if sorted[i].Name == sorted[i-1].Name {
			return Key{}, fmt.Errorf("duplicate label %q", sorted[i].Name)
		}
	}

	n := &Node{Entries: sorted}
	if value != nil {
		vk, err := s.values.Add(ctx, value)
		if err != nil {
			return Key{}, err
		}
		n.Value = vk
	}
	return s.put(ctx, n)
}

// Load reads and expands a node. Absence is ErrNotFound.
func (s *TreeStore) Load(ctx context.Context, key Key) (*Node, error) {
	if key.Kind() != KindNode {
		return nil, fmt.Errorf("key %s is not a node: %w", key, ErrTypeMismatch)
	}

	data, err := s.eng.Get(ctx, key.storageKey())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("node %s: %w", key.Digest(), ErrNotFound)
		}
		return nil, err
	}

	payload, err := decodeObject(KindNode, data)
	if err != nil {
		return nil, err
	}
	return decodeNode(payload)
}

// Sub walks labels from n and returns the node at path. A missing
// segment is ErrNotFound; a segment bound to contents is ErrTypeMismatch.
func (s *TreeStore) Sub(ctx context.Context, n *Node, path []string) (*Node, error) {
	current := n
	for _, label := range path {
		e, ok := current.lookup(label)
		if !ok {
			return nil, fmt.Errorf("path segment %q: %w", label, ErrNotFound)
		}
		if e.Key.Kind() != KindNode {
			return nil, fmt.Errorf("path segment %q is a value, not a tree: %w", label, ErrTypeMismatch)
		}
		child, err := s.Load(ctx, e.Key)
		if err != nil {
			return nil, danglingRef(e.Key, err)
		}
		current = child
	}
	return current, nil
}

// Find resolves path to the value attached there: either a contents
// binding or the attached value of the node at path.
func (s *TreeStore) Find(ctx context.Context, n *Node, path []string) ([]byte, error) {
	if len(path) == 0 {
		if n.Value.IsZero() {
			return nil, fmt.Errorf("no value at root: %w", ErrNotFound)
		}
		return s.values.Get(ctx, n.Value)
	}

	parent, err := s.Sub(ctx, n, path[:len(path)-1])
	if err != nil {
		return nil, err
	}

	label := path[len(path)-1]
	e, ok := parent.lookup(label)
	if !ok {
		return nil, fmt.Errorf("path segment %q: %w", label, ErrNotFound)
	}

	switch e.Key.Kind() {
	case KindContents:
		data, err := s.values.Get(ctx, e.Key)
		if err != nil {
			return nil, danglingRef(e.Key, err)
		}
		return data, nil
	case KindNode:
		child, err := s.Load(ctx, e.Key)
		if err != nil {
			return nil, danglingRef(e.Key, err)
		}
		if child.Value.IsZero() {
			return nil, fmt.Errorf("no value at %q: %w", label, ErrNotFound)
		}
		data, err := s.values.Get(ctx, child.Value)
		if err != nil {
			return nil, danglingRef(child.Value, err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("corrupt entry kind for %q", label)
	}
}

// Update writes value at path below n and returns the key of the new
// root. The update is persistent: every node along the path is rebuilt
// bottom-up while subtrees off the path are shared by key, so the cost is
// proportional to path depth, not tree size. n itself is not modified.
func (s *TreeStore) Update(ctx context.Context, n *Node, path []string, value []byte) (Key, error) {
	vk, err := s.values.Add(ctx, value)
	if err != nil {
		return Key{}, err
	}
	return s.rebind(ctx, n, path, vk)
}

// rebind attaches valueKey at path, copying the spine.
func (s *TreeStore) rebind(ctx context.Context, n *Node, path []string, valueKey Key) (Key, error) {
	if n == nil {
		n = &Node{}
	}

	if len(path) == 0 {
		return s.put(ctx, &Node{Entries: n.Entries, Value: valueKey})
	}

	label := path[0]
	var child *Node
	if e, ok := n.lookup(label); ok {
		switch e.Key.Kind() {
		case KindNode:
			loaded, err := s.Load(ctx, e.Key)
			if err != nil {
				return Key{}, danglingRef(e.Key, err)
			}
			child = loaded
		case KindContents:
			if len(path) > 1 {
				return Key{}, fmt.Errorf("path segment %q is a value, not a tree: %w", label, ErrTypeMismatch)
			}
			// overwrite a value binding with a value leaf
			child = &Node{}
		}
	}

	childKey, err := s.rebind(ctx, child, path[1:], valueKey)
	if err != nil {
		return Key{}, err
	}
	return s.put(ctx, n.withEntry(label, childKey))
}

// Remove detaches the value or subtree at path and returns the new root
// key. Removing an absent path returns the unchanged key of n. Nodes left
// empty are pruned, so a tree's key never depends on deletion history.
func (s *TreeStore) Remove(ctx context.Context, n *Node, path []string) (Key, error) {
	rebuilt, changed, err := s.remove(ctx, n, path)
	if err != nil {
		return Key{}, err
	}
	if !changed {
		return s.put(ctx, n)
	}
	if rebuilt == nil {
		rebuilt = &Node{}
	}
	return s.put(ctx, rebuilt)
}

// remove returns the replacement for n (nil when n becomes empty) and
// whether anything changed.
func (s *TreeStore) remove(ctx context.Context, n *Node, path []string) (*Node, bool, error) {
	if len(path) == 0 {
		if n.Value.IsZero() {
			return n, false, nil
		}
		out := &Node{Entries: n.Entries}
		if out.empty() {
			return nil, true, nil
		}
		return out, true, nil
	}

	label := path[0]
	e, ok := n.lookup(label)
	if !ok {
		return n, false, nil
	}

	if len(path) == 1 {
		out := n.withEntry(label, Key{})
		if out.empty() {
			return nil, true, nil
		}
		return out, true, nil
	}

	if e.Key.Kind() != KindNode {
		// removing below a value binding: nothing there
		return n, false, nil
	}

	child, err := s.Load(ctx, e.Key)
	if err != nil {
		return nil, false, danglingRef(e.Key, err)
	}
	newChild, changed, err := s.remove(ctx, child, path[1:])
	if err != nil {
		return nil, false, err
	}
	if !changed {
		return n, false, nil
	}

	var out *Node
	if newChild == nil {
		out = n.withEntry(label, Key{})
	} else {
		childKey, err := s.put(ctx, newChild)
		if err != nil {
			return nil, false, err
		}
		out = n.withEntry(label, childKey)
	}
	if out.empty() {
		return nil, true, nil
	}
	return out, true, nil
}

// List enumerates the full paths of all value-bearing leaves under
// prefix, in lexicographic order. A missing prefix yields no paths.
func (s *TreeStore) List(ctx context.Context, n *Node, prefix []string) ([][]string, error) {
	start, err := s.Sub(ctx, n, prefix)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	var paths [][]string
	var walk func(node *Node, at []string) error
	walk = func(node *Node, at []string) error {
		if !node.Value.IsZero() {
			paths = append(paths, append([]string(nil), at...))
		}
		for _, e := range node.Entries {
			switch e.Key.Kind() {
			case KindContents:
				paths = append(paths, append(append([]string(nil), at...), e.Name))
			case KindNode:
				child, err := s.Load(ctx, e.Key)
				if err != nil {
					return danglingRef(e.Key, err)
				}
				if err := walk(child, append(at, e.Name)); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := walk(start, append([]string(nil), prefix...)); err != nil {
		return nil, err
	}
	return paths, nil
}

// put encodes, hashes and stores a node.
func (s *TreeStore) put(ctx context.Context, n *Node) (Key, error) {
	key, encoded := hashObject(KindNode, encodeNode(n))

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

const (
	nodeFlagValue = 0x01

	entryKindContents = 0x01
	entryKindNode     = 0x02
)

// encodeNode renders the canonical binary payload: flags, optional
// attached value digest, then sorted entries as
// {kind:1}{digest:32}{nameLen:2}{name}.
func encodeNode(n *Node) []byte {
	var buf bytes.Buffer

	var flags byte
	if !n.Value.IsZero() {
		flags |= nodeFlagValue
	}
	buf.WriteByte(flags)

	if !n.Value.IsZero() {
		raw, _ := hex.DecodeString(n.Value.Digest())
		buf.Write(raw)
	}

	binary.Write(&buf, binary.BigEndian, uint32(len(n.Entries)))
	for _, e := range n.Entries {
		if e.Key.Kind() == KindContents {
			buf.WriteByte(entryKindContents)
		} else {
			buf.WriteByte(entryKindNode)
		}
		raw, _ := hex.DecodeString(e.Key.Digest())
		buf.Write(raw)
		binary.Write(&buf, binary.BigEndian, uint16(len(e.Name)))
		buf.WriteString(e.Name)
	}

	return buf.Bytes()
}

func decodeNode(payload []byte) (*Node, error) {
	r := bytes.NewReader(payload)

	flags, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("truncated node: %w", err)
	}

	n := &Node{}
	if flags&nodeFlagValue != 0 {
		var digest [32]byte
		if _, err := io.ReadFull(r, digest[:]); err != nil {
			return nil, fmt.Errorf("truncated node value: %w", err)
		}
		n.Value = Key{kind: KindContents, digest: hex.EncodeToString(digest[:])}
	}

	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("truncated node entries: %w", err)
	}
	// an entry takes at least 35 bytes on the wire, so the advertised
	// count cannot exceed the remaining payload
	if int64(count) > int64(r.Len())/35 {
		return nil, fmt.Errorf("node claims %d entries in %d bytes", count, r.Len())
	}

	n.Entries = make([]Entry, 0, count)
	for i := uint32(0); i < count; i++ {
		kindByte, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("truncated entry: %w", err)
		}

		var kind Kind
		switch kindByte {
		case entryKindContents:
			kind = KindContents
		case entryKindNode:
			kind = KindNode
		default:
			return nil, fmt.Errorf("unknown entry kind 0x%02x", kindByte)
		}

		var digest [32]byte
		if _, err := io.ReadFull(r, digest[:]); err != nil {
			return nil, fmt.Errorf("truncated entry digest: %w", err)
		}

		var nameLen uint16
		if err := binary.Read(r, binary.BigEndian, &nameLen); err != nil {
			return nil, fmt.Errorf("truncated entry name length: %w", err)
		}
		name := make([]byte, nameLen)
		if _, err := io.ReadFull(r, name); err != nil {
			return nil, fmt.Errorf("truncated entry name: %w", err)
		}

		n.Entries = append(n.Entries, Entry{
			Name: string(name),
			Key:  Key{kind: kind, digest: hex.EncodeToString(digest[:])},
		})
	}

	return n, nil
}

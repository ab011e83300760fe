package cask

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Kind tags a key with the object class it addresses. Digests are
// computed over the kind-tagged encoding, so objects of different kinds
// can never collide on one key.
type Kind uint8

const (
	// KindContents addresses an immutable byte blob.
	KindContents Kind = iota + 1
	// KindNode addresses a tree node.
	KindNode
	// KindCommit addresses a revision.
	KindCommit
)

// header returns the object header tag baked into the encoding.
func (k Kind) header() string {
	switch k {
	case KindContents:
		return "blob"
	case KindNode:
		return "tree"
	case KindCommit:
		return "commit"
	default:
		return "unknown"
	}
}

func (k Kind) String() string {
	switch k {
	case KindContents:
		return "contents"
	case KindNode:
		return "node"
	case KindCommit:
		return "commit"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Key is a kinded content hash: the portable identity of a stored object.
// The zero Key means "no key".
type Key struct {
	kind   Kind
	digest string // hex-encoded sha256
}

// NewKey wraps an existing kind and hex digest. It does not verify that
// an object with that digest exists.
func NewKey(kind Kind, digest string) Key {
	return Key{kind: kind, digest: digest}
}

func (k Key) Kind() Kind     { return k.kind }
func (k Key) Digest() string { return k.digest }
func (k Key) IsZero() bool   { return k == Key{} }

// String renders "kind:digest", e.g. "commit:ab12...". ParseKey inverts it.
func (k Key) String() string {
	return k.kind.String() + ":" + k.digest
}

// storageKey is the identifier used in the backing object store. The
// digest alone suffices: kind tagging already separates the hash spaces.
func (k Key) storageKey() string { return k.digest }

// ParseKey parses the "kind:digest" form produced by Key.String.
func ParseKey(s string) (Key, error) {
	kindStr, digest, ok := strings.Cut(s, ":")
	if !ok {
		return Key{}, fmt.Errorf("malformed key %q", s)
	}

	var kind Kind
	switch kindStr {
	case "contents":
		kind = KindContents
	case "node":
		kind = KindNode
	case "commit":
		kind = KindCommit
	default:
		return Key{}, fmt.Errorf("unknown key kind %q", kindStr)
	}

	raw, err := hex.DecodeString(digest)
	if err != nil || len(raw) != sha256.Size {
		return Key{}, fmt.Errorf("malformed digest in key %q", s)
	}

	return Key{kind: kind, digest: digest}, nil
}

// hashObject computes the key for a kind-tagged payload and returns the
// encoded form as stored. Format: "{header} {size}\x00{payload}".
func hashObject(kind Kind, payload []byte) (Key, []byte) {
	header := fmt.Sprintf("%s %d\x00", kind.header(), len(payload))
	buf := make([]byte, len(header)+len(payload))
	copy(buf, header)
	copy(buf[len(header):], payload)

	h := sha256.Sum256(buf)
	return Key{kind: kind, digest: hex.EncodeToString(h[:])}, buf
}

// decodeObject splits a stored object into its kind and payload,
// validating the header against the expected kind.
func decodeObject(kind Kind, data []byte) ([]byte, error) {
	idx := -1
	for i, b := range data {
		if b == 0 {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil, fmt.Errorf("invalid object: missing header terminator")
	}

	header := string(data[:idx])
	payload := data[idx+1:]

	var tag string
	var size int
	if _, err := fmt.Sscanf(header, "%s %d", &tag, &size); err != nil {
		return nil, fmt.Errorf("invalid object header %q", header)
	}
	if tag != kind.header() {
		return nil, fmt.Errorf("object is a %s, expected %s: %w", tag, kind.header(), ErrTypeMismatch)
	}
	if size != len(payload) {
		return nil, fmt.Errorf("object payload is %d bytes, header says %d", len(payload), size)
	}

	return payload, nil
}

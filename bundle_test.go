package cask

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := newTestStore(t)
	dst := newTestStore(t)

	require.NoError(t, src.Put(ctx, "a/b", []byte("1")))
	require.NoError(t, src.Put(ctx, "a/c", []byte("2")))
	_, err := src.Snapshot(ctx)
	require.NoError(t, err)
	require.NoError(t, src.Put(ctx, "d", []byte("3")))
	rev, err := src.Snapshot(ctx)
	require.NoError(t, err)

	bundle, err := src.Export(ctx, []Key{rev})
	require.NoError(t, err)
	require.Positive(t, bundle.Len())

	require.NoError(t, dst.Import(ctx, bundle))
	require.NoError(t, dst.Revert(ctx, rev))

	for path, want := range map[string]string{"a/b": "1", "a/c": "2", "d": "3"} {
		got, err := dst.Get(ctx, path)
		require.NoError(t, err, "path %s", path)
		assert.Equal(t, []byte(want), got)
	}
}

func TestExportDependencyOrder(t *testing.T) {
	ctx := context.Background()
	src := newTestStore(t)

	require.NoError(t, src.Put(ctx, "a/b", []byte("1")))
	rev, err := src.Snapshot(ctx)
	require.NoError(t, err)

	bundle, err := src.Export(ctx, []Key{rev})
	require.NoError(t, err)
	require.NotEmpty(t, bundle.Records)

	// every object precedes the objects that reference it, so the
	// commit closes the bundle
	last := bundle.Records[len(bundle.Records)-1]
	assert.Equal(t, rev, last.Key)

	seen := make(map[Key]bool)
	for _, rec := range bundle.Records {
		assert.False(t, seen[rec.Key], "duplicate record %s", rec.Key)
		seen[rec.Key] = true
	}
}

func TestExportDefaultsToKnownRoots(t *testing.T) {
	ctx := context.Background()
	src := newTestStore(t)
	dst := newTestStore(t)

	require.NoError(t, src.Put(ctx, "k", []byte("v")))
	rev, err := src.Snapshot(ctx)
	require.NoError(t, err)

	bundle, err := src.Export(ctx, nil)
	require.NoError(t, err)

	require.NoError(t, dst.Import(ctx, bundle))
	require.NoError(t, dst.Revert(ctx, rev))

	got, err := dst.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
}

func TestImportIdempotent(t *testing.T) {
	ctx := context.Background()
	src := newTestStore(t)
	dst := newTestStore(t)

	require.NoError(t, src.Put(ctx, "k", []byte("v")))
	rev, err := src.Snapshot(ctx)
	require.NoError(t, err)

	bundle, err := src.Export(ctx, []Key{rev})
	require.NoError(t, err)

	require.NoError(t, dst.Import(ctx, bundle))
	require.NoError(t, dst.Import(ctx, bundle))

	require.NoError(t, dst.Revert(ctx, rev))
	got, err := dst.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
}

func TestImportVerifiesDigests(t *testing.T) {
	ctx := context.Background()
	src := newTestStore(t)
	dst := newTestStore(t)

	require.NoError(t, src.Put(ctx, "k", []byte("v")))
	rev, err := src.Snapshot(ctx)
	require.NoError(t, err)

	bundle, err := src.Export(ctx, []Key{rev})
	require.NoError(t, err)

	// flip a byte in the first record's payload
	tampered := make([]byte, len(bundle.Records[0].Data))
	copy(tampered, bundle.Records[0].Data)
	tampered[len(tampered)-1] ^= 0xff
	bundle.Records[0].Data = tampered

	err = dst.Import(ctx, bundle)
	assert.ErrorContains(t, err, "digest mismatch")
}

func TestPartialImportAndRecovery(t *testing.T) {
	ctx := context.Background()
	src := newTestStore(t)
	dst := newTestStore(t)

	require.NoError(t, src.Put(ctx, "k", []byte("payload")))
	rev, err := src.Snapshot(ctx)
	require.NoError(t, err)

	full, err := src.Export(ctx, []Key{rev})
	require.NoError(t, err)

	// withhold the contents records
	partial := &Bundle{}
	for _, rec := range full.Records {
		if rec.Key.Kind() != KindContents {
			partial.Records = append(partial.Records, rec)
		}
	}
	require.Less(t, partial.Len(), full.Len())

	require.NoError(t, dst.Import(ctx, partial))

	// the revision resolves but its closure does not
	err = dst.Revert(ctx, rev)
	assert.ErrorIs(t, err, ErrIncompleteClosure)

	// importing the full bundle supplies the gap
	require.NoError(t, dst.Import(ctx, full))
	require.NoError(t, dst.Revert(ctx, rev))

	got, err := dst.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)
}

func TestDanglingReadAfterPartialImport(t *testing.T) {
	ctx := context.Background()
	src := newTestStore(t)
	dst := newTestStore(t)

	require.NoError(t, src.Put(ctx, "dir/k", []byte("payload")))
	rev, err := src.Snapshot(ctx)
	require.NoError(t, err)

	full, err := src.Export(ctx, []Key{rev})
	require.NoError(t, err)

	partial := &Bundle{}
	for _, rec := range full.Records {
		if rec.Key.Kind() != KindContents {
			partial.Records = append(partial.Records, rec)
		}
	}
	require.NoError(t, dst.Import(ctx, partial))

	// read through the imported tree without a closure check
	commit, err := dst.Revisions().Load(ctx, rev)
	require.NoError(t, err)
	root, err := dst.Trees().Load(ctx, commit.Tree)
	require.NoError(t, err)

	// the value is referenced but absent: not a plain miss
	_, err = dst.Trees().Find(ctx, root, []string{"dir", "k"})
	assert.ErrorIs(t, err, ErrIncompleteClosure)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestBundleCodecRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := newTestStore(t)

	require.NoError(t, src.Put(ctx, "a", []byte("1")))
	rev, err := src.Snapshot(ctx)
	require.NoError(t, err)

	bundle, err := src.Export(ctx, []Key{rev})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, bundle.Encode(&buf))

	decoded, err := DecodeBundle(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, bundle.Records, decoded.Records)
}

func TestDecodeBundleRejectsGarbage(t *testing.T) {
	_, err := DecodeBundle(bytes.NewReader([]byte("not a bundle at all")))
	assert.Error(t, err)

	_, err = DecodeBundle(bytes.NewReader(nil))
	assert.Error(t, err)
}

func TestDecodeBundleRejectsTruncated(t *testing.T) {
	ctx := context.Background()
	src := newTestStore(t)

	require.NoError(t, src.Put(ctx, "a", []byte("1")))
	rev, err := src.Snapshot(ctx)
	require.NoError(t, err)

	bundle, err := src.Export(ctx, []Key{rev})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, bundle.Encode(&buf))

	_, err = DecodeBundle(bytes.NewReader(buf.Bytes()[:buf.Len()-5]))
	assert.Error(t, err)
}

// A record header advertising a huge payload over a tiny body must fail
// without allocating anywhere near the advertised size.
func TestDecodeBundleRejectsForgedSize(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(bundleMagic[:])
	buf.WriteByte(bundleVersion)
	require.NoError(t, binary.Write(&buf, binary.BigEndian, uint32(1)))

	buf.WriteByte(byte(KindContents))
	buf.Write(make([]byte, sha256.Size))
	require.NoError(t, binary.Write(&buf, binary.BigEndian, uint32(0xfffffff0)))
	buf.WriteString("tiny")

	_, err := DecodeBundle(bytes.NewReader(buf.Bytes()))
	assert.Error(t, err)
}

func TestDecodeBundleRejectsForgedCount(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(bundleMagic[:])
	buf.WriteByte(bundleVersion)
	require.NoError(t, binary.Write(&buf, binary.BigEndian, uint32(0xffffffff)))

	_, err := DecodeBundle(bytes.NewReader(buf.Bytes()))
	assert.Error(t, err)
}

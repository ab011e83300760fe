package store

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBadgerBackend(t *testing.T) *BadgerBackend {
	t.Helper()

	s, err := NewBadgerBackend(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBadgerBackendRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newBadgerBackend(t)

	require.NoError(t, s.Put(ctx, "abc123", []byte("payload")))

	got, err := s.Get(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBadgerBackendHasDelete(t *testing.T) {
	ctx := context.Background()
	s := newBadgerBackend(t)

	ok, err := s.Has(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(ctx, "k", []byte("v")))
	ok, err = s.Has(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Delete(ctx, "k"))
	ok, err = s.Has(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBadgerBackendWalk(t *testing.T) {
	ctx := context.Background()
	s := newBadgerBackend(t)

	keys := []string{"k1", "k2", "k3"}
	for _, key := range keys {
		require.NoError(t, s.Put(ctx, key, []byte(key)))
	}
	// refs live in the same keyspace but never surface from Walk
	require.NoError(t, s.PutRef("HEAD", "x"))

	var walked []string
	require.NoError(t, s.Walk(ctx, func(key string) error {
		walked = append(walked, key)
		return nil
	}))

	sort.Strings(walked)
	assert.Equal(t, keys, walked)
}

func TestBadgerBackendRefs(t *testing.T) {
	s := newBadgerBackend(t)

	_, err := s.GetRef("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.PutRef("tags/b", "two"))
	require.NoError(t, s.PutRef("tags/a", "one"))

	value, err := s.GetRef("tags/a")
	require.NoError(t, err)
	assert.Equal(t, "one", value)

	names, err := s.ListRefs()
	require.NoError(t, err)
	assert.Equal(t, []string{"tags/a", "tags/b"}, names)

	require.NoError(t, s.DeleteRef("tags/a"))
	_, err = s.GetRef("tags/a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBadgerBackendPersists(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := NewBadgerBackend(dir)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "k", []byte("v")))
	require.NoError(t, s.Close())

	s, err = NewBadgerBackend(dir)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
}

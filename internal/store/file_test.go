package store

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFileBackend(t *testing.T, compressed bool) *FileBackend {
	t.Helper()

	s, err := NewFileBackend(t.TempDir(), 2, compressed)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestFileBackendRoundTrip(t *testing.T) {
	for _, compressed := range []bool{false, true} {
		name := "raw"
		if compressed {
			name = "compressed"
		}
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newFileBackend(t, compressed)

			data := []byte("some object payload that is long enough to be worth compressing when that is enabled for the backend under test")
			require.NoError(t, s.Put(ctx, "abcdef123456", data))

			got, err := s.Get(ctx, "abcdef123456")
			require.NoError(t, err)
			assert.Equal(t, data, got)
		})
	}
}

func TestFileBackendGetMiss(t *testing.T) {
	ctx := context.Background()
	s := newFileBackend(t, false)

	_, err := s.Get(ctx, "nothere")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileBackendPutIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newFileBackend(t, false)

	require.NoError(t, s.Put(ctx, "k", []byte("v")))
	// content-addressed: the second write is a no-op, not an overwrite
	require.NoError(t, s.Put(ctx, "k", []byte("v")))

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
}

func TestFileBackendHasDelete(t *testing.T) {
	ctx := context.Background()
	s := newFileBackend(t, false)

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

	// deleting an absent object is a no-op
	require.NoError(t, s.Delete(ctx, "k"))
}

func TestFileBackendWalk(t *testing.T) {
	ctx := context.Background()
	s := newFileBackend(t, false)

	keys := []string{"aa11", "aa22", "bb33"}
	for _, key := range keys {
		require.NoError(t, s.Put(ctx, key, []byte(key)))
	}

	var walked []string
	require.NoError(t, s.Walk(ctx, func(key string) error {
		walked = append(walked, key)
		return nil
	}))

	// sharded paths come back as the original keys
	sort.Strings(walked)
	assert.Equal(t, keys, walked)
}

func TestFileBackendWalkCancelled(t *testing.T) {
	s := newFileBackend(t, false)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "aa11", []byte("v")))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()

	err := s.Walk(cancelled, func(string) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFileBackendRefs(t *testing.T) {
	s := newFileBackend(t, false)

	_, err := s.GetRef("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.PutRef("HEAD", "commit:abc"))
	require.NoError(t, s.PutRef("tags/v1", "commit:def"))

	value, err := s.GetRef("tags/v1")
	require.NoError(t, err)
	assert.Equal(t, "commit:def", value)

	// overwrite wins
	require.NoError(t, s.PutRef("tags/v1", "commit:123"))
	value, err = s.GetRef("tags/v1")
	require.NoError(t, err)
	assert.Equal(t, "commit:123", value)

	names, err := s.ListRefs()
	require.NoError(t, err)
	assert.Equal(t, []string{"HEAD", "tags/v1"}, names)

	require.NoError(t, s.DeleteRef("tags/v1"))
	require.NoError(t, s.DeleteRef("tags/v1")) // no-op
	_, err = s.GetRef("tags/v1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileBackendShortKey(t *testing.T) {
	ctx := context.Background()
	s := newFileBackend(t, false)

	// keys shorter than the shard width still round-trip
	require.NoError(t, s.Put(ctx, "a", []byte("v")))
	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
}

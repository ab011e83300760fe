package cask

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTagSetGet(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)

	require.NoError(t, db.Put(ctx, "a", []byte("1")))
	rev, err := db.Snapshot(ctx)
	require.NoError(t, err)

	require.NoError(t, db.Tags().Set("release", rev))

	got, err := db.Tags().Get("release")
	require.NoError(t, err)
	assert.Equal(t, rev, got)
}

func TestTagOverwrite(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)

	require.NoError(t, db.Put(ctx, "a", []byte("1")))
	s1, err := db.Snapshot(ctx)
	require.NoError(t, err)
	require.NoError(t, db.Put(ctx, "a", []byte("2")))
	s2, err := db.Snapshot(ctx)
	require.NoError(t, err)

	require.NoError(t, db.Tags().Set("main", s1))
	require.NoError(t, db.Tags().Set("main", s2))

	got, err := db.Tags().Get("main")
	require.NoError(t, err)
	assert.Equal(t, s2, got)
}

func TestTagMissing(t *testing.T) {
	db := newTestStore(t)

	_, err := db.Tags().Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTagEmptyName(t *testing.T) {
	db := newTestStore(t)

	key, _ := hashObject(KindCommit, []byte("x"))
	assert.Error(t, db.Tags().Set("", key))
}

func TestTagRemove(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)

	require.NoError(t, db.Put(ctx, "a", []byte("1")))
	rev, err := db.Snapshot(ctx)
	require.NoError(t, err)

	require.NoError(t, db.Tags().Set("gone", rev))
	require.NoError(t, db.Tags().Remove("gone"))

	_, err = db.Tags().Get("gone")
	assert.ErrorIs(t, err, ErrNotFound)

	// removing an absent tag is a no-op
	require.NoError(t, db.Tags().Remove("gone"))
}

func TestTagList(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)

	names, err := db.Tags().List()
	require.NoError(t, err)
	assert.Empty(t, names)

	require.NoError(t, db.Put(ctx, "a", []byte("1")))
	rev, err := db.Snapshot(ctx)
	require.NoError(t, err)

	require.NoError(t, db.Tags().Set("beta", rev))
	require.NoError(t, db.Tags().Set("alpha", rev))

	names, err = db.Tags().List()
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, names)
}

func TestTagListExcludesInternalRefs(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)

	require.NoError(t, db.Put(ctx, "a", []byte("1")))
	_, err := db.Snapshot(ctx) // writes the HEAD ref
	require.NoError(t, err)

	names, err := db.Tags().List()
	require.NoError(t, err)
	assert.Empty(t, names)
}

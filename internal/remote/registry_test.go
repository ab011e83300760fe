package remote

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistry(t *testing.T) {
	r, err := NewRegistry("ttl.sh/team/cask:main", nil)
	require.NoError(t, err)
	assert.Equal(t, "main", r.Tag())

	// a bare repo defaults to latest
	r, err = NewRegistry("ttl.sh/team/cask", nil)
	require.NoError(t, err)
	assert.Equal(t, "latest", r.Tag())

	_, err = NewRegistry("not a valid ref!", nil)
	assert.Error(t, err)
}

func TestWithTag(t *testing.T) {
	r, err := NewRegistry("ttl.sh/team/cask:main", nil)
	require.NoError(t, err)

	tagged, err := r.WithTag("v2")
	require.NoError(t, err)
	assert.Equal(t, "v2", tagged.Tag())
	assert.Equal(t, "main", r.Tag(), "the original is untouched")

	_, err = r.WithTag("not valid!")
	assert.Error(t, err)
}

func TestSegment(t *testing.T) {
	data := []byte("0123456789")

	segments := segment(data, 4)
	require.Len(t, segments, 3)
	assert.Equal(t, []byte("0123"), segments[0])
	assert.Equal(t, []byte("4567"), segments[1])
	assert.Equal(t, []byte("89"), segments[2])

	// exact multiple
	segments = segment(data, 5)
	require.Len(t, segments, 2)

	// one oversized chunk
	segments = segment(data, 100)
	require.Len(t, segments, 1)
	assert.Equal(t, data, segments[0])

	// empty data still yields one (empty) layer
	segments = segment(nil, 4)
	require.Len(t, segments, 1)
	assert.Empty(t, segments[0])
}

func TestBundleLayer(t *testing.T) {
	data := bytes.Repeat([]byte("bundle layer content "), 64)
	layer := newBundleLayer(data)

	mt, err := layer.MediaType()
	require.NoError(t, err)
	assert.Equal(t, types.OCILayerZStd, mt)

	rc, err := layer.Uncompressed()
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, data, got)

	size, err := layer.Size()
	require.NoError(t, err)
	assert.Less(t, size, int64(len(data)), "transfer form is compressed")

	digest, err := layer.Digest()
	require.NoError(t, err)
	diffID, err := layer.DiffID()
	require.NoError(t, err)
	assert.NotEqual(t, digest, diffID)
}

func TestRetry(t *testing.T) {
	ctx := context.Background()

	calls := 0
	got, err := retry(ctx, 3, func() (int, error) {
		calls++
		if calls < 2 {
			return 0, errors.New("transient")
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 2, calls)
}

func TestRetryExhausted(t *testing.T) {
	ctx := context.Background()

	boom := errors.New("permanent")
	calls := 0
	_, err := retry(ctx, 2, func() (int, error) {
		calls++
		return 0, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, calls)
}

func TestRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := retry(ctx, 5, func() (int, error) {
		return 0, errors.New("always fails")
	})
	assert.ErrorIs(t, err, context.Canceled)
}

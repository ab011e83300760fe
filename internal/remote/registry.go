// Package remote moves export bundles between stores over an OCI
// registry. A bundle is pushed as an ordered set of zstd layers on an
// artifact image; the snapshot head travels in the image config labels.
package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"
)

const (
	DefaultConcurrency = 4

	// layerTargetSize splits large bundles so retries and parallel
	// downloads work on manageable pieces.
	layerTargetSize = 5 * 1024 * 1024

	labelHead   = "dev.cask.head"
	labelLayers = "dev.cask.layers"
)

// Registry pushes and pulls bundles against one image ref.
type Registry struct {
	ref         name.Reference
	log         *logrus.Logger
	concurrency int
}

// NewRegistry creates a registry client from a standard image ref
// (e.g. "ttl.sh/team/cask:main").
func NewRegistry(imageRef string, log *logrus.Logger) (*Registry, error) {
	ref, err := name.ParseReference(imageRef, name.WithDefaultTag("latest"))
	if err != nil {
		return nil, fmt.Errorf("invalid image ref %q: %w", imageRef, err)
	}
	if log == nil {
		log = logrus.New()
	}
	return &Registry{ref: ref, log: log, concurrency: DefaultConcurrency}, nil
}

func (r *Registry) String() string { return r.ref.String() }
func (r *Registry) Tag() string    { return r.ref.Identifier() }

// WithTag returns a Registry aimed at another tag of the same repository.
func (r *Registry) WithTag(tag string) (*Registry, error) {
	ref, err := name.NewTag(r.ref.Context().String() + ":" + tag)
	if err != nil {
		return nil, err
	}
	return &Registry{ref: ref, log: r.log, concurrency: r.concurrency}, nil
}

// SetConcurrency sets the number of parallel layer operations.
func (r *Registry) SetConcurrency(n int) {
	if n > 0 {
		r.concurrency = n
	}
}

// bundleLayer implements v1.Layer with zstd compression for transfer.
type bundleLayer struct {
	compressed   []byte
	uncompressed []byte
}

var zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))

func newBundleLayer(data []byte) *bundleLayer {
	return &bundleLayer{
		compressed:   zstdEncoder.EncodeAll(data, nil),
		uncompressed: data,
	}
}

func (l *bundleLayer) Digest() (v1.Hash, error) {
	h, _, err := v1.SHA256(bytes.NewReader(l.compressed))
	return h, err
}

func (l *bundleLayer) DiffID() (v1.Hash, error) {
	h, _, err := v1.SHA256(bytes.NewReader(l.uncompressed))
	return h, err
}

func (l *bundleLayer) Compressed() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(l.compressed)), nil
}

func (l *bundleLayer) Uncompressed() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(l.uncompressed)), nil
}

func (l *bundleLayer) Size() (int64, error)                { return int64(len(l.compressed)), nil }
func (l *bundleLayer) MediaType() (types.MediaType, error) { return types.OCILayerZStd, nil }

// Push uploads an encoded bundle, split into ordered layers. head is the
// snapshot key the bundle was exported from.
func (r *Registry) Push(ctx context.Context, head string, bundle []byte) error {
	segments := segment(bundle, layerTargetSize)

	layers := make([]v1.Layer, 0, len(segments))
	var totalCompressed int64
	for _, seg := range segments {
		layer := newBundleLayer(seg)
		totalCompressed += int64(len(layer.compressed))
		layers = append(layers, layer)
	}

	r.log.WithFields(logrus.Fields{
		"ref":        r.ref.String(),
		"raw":        len(bundle),
		"compressed": totalCompressed,
		"layers":     len(layers),
	}).Info("pushing bundle")

	img, err := mutate.AppendLayers(empty.Image, layers...)
	if err != nil {
		return fmt.Errorf("build image: %w", err)
	}

	cfg, err := img.ConfigFile()
	if err != nil {
		return err
	}
	cfg.Config.Labels = map[string]string{
		labelHead:   head,
		labelLayers: strconv.Itoa(len(layers)),
	}
	img, err = mutate.ConfigFile(img, cfg)
	if err != nil {
		return err
	}

	options := append(r.remoteOptions(), remote.WithJobs(r.concurrency))
	_, err = retry(ctx, 3, func() (struct{}, error) {
		return struct{}{}, remote.Write(r.ref, img, options...)
	})
	if err != nil {
		return fmt.Errorf("push to %s: %w", r.ref, err)
	}
	return nil
}

// Pull downloads the bundle and the snapshot head it advertises. Layers
// download in parallel and reassemble in manifest order.
func (r *Registry) Pull(ctx context.Context) (string, []byte, error) {
	img, err := retry(ctx, 3, func() (v1.Image, error) {
		return remote.Image(r.ref, r.remoteOptions()...)
	})
	if err != nil {
		return "", nil, fmt.Errorf("fetch image %s: %w", r.ref, err)
	}

	cfg, err := img.ConfigFile()
	if err != nil {
		return "", nil, fmt.Errorf("get config: %w", err)
	}

	head := cfg.Config.Labels[labelHead]
	if head == "" {
		return "", nil, fmt.Errorf("image %s carries no bundle head label", r.ref)
	}

	layers, err := img.Layers()
	if err != nil {
		return "", nil, fmt.Errorf("get layers: %w", err)
	}

	segments := make([][]byte, len(layers))
	p := pool.New().WithMaxGoroutines(r.concurrency).WithContext(ctx).WithCancelOnError()
	var mu sync.Mutex

	for i, layer := range layers {
		p.Go(func(ctx context.Context) error {
			rc, err := layer.Uncompressed()
			if err != nil {
				return fmt.Errorf("read layer: %w", err)
			}
			data, err := io.ReadAll(rc)
			if cerr := rc.Close(); cerr != nil {
				return fmt.Errorf("close layer: %w", cerr)
			}
			if err != nil {
				return fmt.Errorf("read layer: %w", err)
			}

			mu.Lock()
			segments[i] = data
			mu.Unlock()
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return "", nil, err
	}

	var bundle []byte
	for _, seg := range segments {
		bundle = append(bundle, seg...)
	}

	r.log.WithFields(logrus.Fields{
		"ref":    r.ref.String(),
		"layers": len(layers),
		"bytes":  len(bundle),
	}).Info("pulled bundle")

	return head, bundle, nil
}

func (r *Registry) remoteOptions() []remote.Option {
	return []remote.Option{remote.WithAuthFromKeychain(authn.DefaultKeychain)}
}

// segment splits data into chunks of at most size bytes, in order.
func segment(data []byte, size int) [][]byte {
	if len(data) == 0 {
		return [][]byte{nil}
	}
	var out [][]byte
	for len(data) > 0 {
		n := min(len(data), size)
		out = append(out, data[:n])
		data = data[n:]
	}
	return out
}

func retry[T any](ctx context.Context, maxAttempts int, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for i := 0; i < maxAttempts; i++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if i < maxAttempts-1 {
			delay := time.Duration(1<<i) * 500 * time.Millisecond
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return zero, lastErr
}

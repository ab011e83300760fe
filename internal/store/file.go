package store

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aweris/cask/internal/compression"
)

// FileBackend implements Backend on the local filesystem.
//
// Storage layout:
//
//	root/
//	  objects/
//	    ab/cd123...  (content-addressed objects, zstd framed)
//	  refs/
//	    main  (plain text value)
type FileBackend struct {
	root       string
	compressor *compression.Compressor
}

func NewFileBackend(root string, compressionLevel int, compressionEnabled bool) (*FileBackend, error) {
	objectsDir := filepath.Join(root, "objects")
	refsDir := filepath.Join(root, "refs")

	for _, dir := range []string{objectsDir, refsDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	compressor, err := compression.NewCompressor(compressionLevel, compressionEnabled)
	if err != nil {
		return nil, fmt.Errorf("create compressor: %w", err)
	}

	return &FileBackend{root: root, compressor: compressor}, nil
}

func (s *FileBackend) Get(ctx context.Context, key string) ([]byte, error) {
	framed, err := os.ReadFile(s.objectPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("object %s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}

	data, err := s.compressor.Decompress(framed)
	if err != nil {
		return nil, fmt.Errorf("decompress object %s: %w", key, err)
	}
	return data, nil
}

func (s *FileBackend) Put(ctx context.Context, key string, data []byte) error {
	path := s.objectPath(key)
	if _, err := os.Stat(path); err == nil {
		return nil // already present, content never changes
	}

	framed, err := s.compressor.Compress(data)
	if err != nil {
		return fmt.Errorf("compress object %s: %w", key, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create object dir: %w", err)
	}
	if err := os.WriteFile(path, framed, 0644); err != nil {
		return fmt.Errorf("write object %s: %w", key, err)
	}
	return nil
}

func (s *FileBackend) Has(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(s.objectPath(key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (s *FileBackend) Delete(ctx context.Context, key string) error {
	err := os.Remove(s.objectPath(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	return nil
}

func (s *FileBackend) Walk(ctx context.Context, fn func(key string) error) error {
	objectsDir := filepath.Join(s.root, "objects")
	return filepath.WalkDir(objectsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(objectsDir, path)
		if err != nil {
			return err
		}
		// undo the ab/cd123... sharding
		return fn(strings.ReplaceAll(rel, string(filepath.Separator), ""))
	})
}

func (s *FileBackend) GetRef(name string) (string, error) {
	data, err := os.ReadFile(s.refPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("ref %s: %w", name, ErrNotFound)
		}
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (s *FileBackend) PutRef(name, value string) error {
	path := s.refPath(name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create ref dir: %w", err)
	}
	return os.WriteFile(path, []byte(value+"\n"), 0644)
}

func (s *FileBackend) DeleteRef(name string) error {
	err := os.Remove(s.refPath(name))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *FileBackend) ListRefs() ([]string, error) {
	refsDir := filepath.Join(s.root, "refs")
	var names []string
	err := filepath.WalkDir(refsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(refsDir, path)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (s *FileBackend) Close() error {
	return s.compressor.Close()
}

// objectPath returns the filesystem path for an object key.
// Git-style sharding: objects/ab/cd123...
func (s *FileBackend) objectPath(key string) string {
	if len(key) < 2 {
		return filepath.Join(s.root, "objects", key)
	}
	return filepath.Join(s.root, "objects", key[:2], key[2:])
}

func (s *FileBackend) refPath(name string) string {
	return filepath.Join(s.root, "refs", filepath.FromSlash(name))
}

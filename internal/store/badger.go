package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v4"
)

const (
	objectPrefix = "o/"
	refPrefix    = "r/"
)

// BadgerBackend implements Backend on an embedded badger database.
// Objects and refs share one keyspace under distinct prefixes.
type BadgerBackend struct {
	db *badger.DB
}

func NewBadgerBackend(root string) (*BadgerBackend, error) {
	opts := badger.DefaultOptions(root)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", root, err)
	}
	return &BadgerBackend{db: db}, nil
}

func (s *BadgerBackend) Get(ctx context.Context, key string) ([]byte, error) {
	return s.get(objectPrefix + key)
}

func (s *BadgerBackend) Put(ctx context.Context, key string, data []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(objectPrefix+key), data)
	})
}

func (s *BadgerBackend) Has(ctx context.Context, key string) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(objectPrefix + key))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *BadgerBackend) Delete(ctx context.Context, key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(objectPrefix + key))
	})
}

func (s *BadgerBackend) Walk(ctx context.Context, fn func(key string) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(objectPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(string(it.Item().Key()[len(prefix):])); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerBackend) GetRef(name string) (string, error) {
	data, err := s.get(refPrefix + name)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *BadgerBackend) PutRef(name, value string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(refPrefix+name), []byte(value))
	})
}

func (s *BadgerBackend) DeleteRef(name string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(refPrefix + name))
	})
}

func (s *BadgerBackend) ListRefs() ([]string, error) {
	var names []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(refPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			names = append(names, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (s *BadgerBackend) Close() error {
	return s.db.Close()
}

func (s *BadgerBackend) get(key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return value, nil
}

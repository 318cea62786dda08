package treecache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerBackend stores entries in badger with native TTLs.
// It does not implement Toucher: badger cannot extend a TTL without rewriting the value.
type BadgerBackend struct {
	db *badger.DB
}

// OpenBadgerBackend opens a badger database at path, or an in-memory one when path is empty.
func OpenBadgerBackend(path string) (*BadgerBackend, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(path, 0750); err != nil {
			return nil, fmt.Errorf("create tree cache directory %s: %w", path, err)
		}
		opts = badger.DefaultOptions(path)
	}
	opts = opts.WithNumVersionsToKeep(1).WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger tree cache: %w", err)
	}
	return &BadgerBackend{db: db}, nil
}

// Get implements Backend.
func (b *BadgerBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("badger get %s: %w", key, err)
	}
	return value, true, nil
}

// Set implements Backend.
func (b *BadgerBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry([]byte(key), value).WithTTL(ttl))
	})
	if err != nil {
		return fmt.Errorf("badger set %s: %w", key, err)
	}
	return nil
}

// Close closes the database.
func (b *BadgerBackend) Close() error {
	return b.db.Close()
}

package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const stateBucket = "state"

type BadgerStore struct {
	db *badger.DB
}

func NewBadgerStore(path string) (*BadgerStore, error) {
	return NewBadgerStoreWithKey(path, "")
}

func NewBadgerStoreWithKey(path string, keyBase64 string) (*BadgerStore, error) {
	if path == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if keyBase64 != "" {
		key, err := base64.StdEncoding.DecodeString(keyBase64)
		if err != nil {
			return nil, fmt.Errorf("decode encryption key: %w", err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("encryption key must be 32 bytes")
		}
		opts = opts.WithEncryptionKey(key).WithIndexCacheSize(16 << 20)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (b *BadgerStore) Put(bucket, key string, value []byte) error {
	return b.PutWithTTL(bucket, key, value, 0)
}

// PutWithTTL stores value and lets badger expire it after ttl. A zero ttl
// keeps the entry until it is overwritten or deleted.
func (b *BadgerStore) PutWithTTL(bucket, key string, value []byte, ttl time.Duration) error {
	if bucket == "" || key == "" {
		return fmt.Errorf("bucket and key are required")
	}
	return b.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(makeKey(bucket, key), value)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
}

func (b *BadgerStore) Get(bucket, key string) ([]byte, error) {
	if bucket == "" || key == "" {
		return nil, fmt.Errorf("bucket and key are required")
	}
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(makeKey(bucket, key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			out = append([]byte{}, val...)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *BadgerStore) ForEach(bucket string, fn func(key, value []byte) error) error {
	if bucket == "" {
		return fmt.Errorf("bucket is required")
	}
	prefix := []byte(bucket + "/")
	return b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			k := item.Key()
			key := string(k[len(prefix):])
			if err := item.Value(func(val []byte) error {
				return fn([]byte(key), val)
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BadgerStore) Delete(bucket, key string) error {
	if bucket == "" || key == "" {
		return fmt.Errorf("bucket and key are required")
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(makeKey(bucket, key))
	})
}

func (b *BadgerStore) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

// KV exposes the store's state bucket through the KV and Locker contracts.
func (b *BadgerStore) KV() *BadgerKV {
	return &BadgerKV{store: b}
}

type BadgerKV struct {
	store *BadgerStore
}

func (k *BadgerKV) Get(_ context.Context, key string) (string, error) {
	raw, err := k.store.Get(stateBucket, key)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (k *BadgerKV) Put(_ context.Context, key, value string, ttl time.Duration) error {
	return k.store.PutWithTTL(stateBucket, key, []byte(value), ttl)
}

func (k *BadgerKV) TryLock(_ context.Context, key string, ttl time.Duration) (bool, error) {
	err := k.store.db.Update(func(txn *badger.Txn) error {
		itemKey := makeKey(stateBucket, key)
		if _, err := txn.Get(itemKey); err == nil {
			return errLockHeld
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		entry := badger.NewEntry(itemKey, []byte("1"))
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, errLockHeld), errors.Is(err, badger.ErrConflict):
		return false, nil
	default:
		return false, err
	}
}

func (k *BadgerKV) Unlock(_ context.Context, key string) error {
	return k.store.Delete(stateBucket, key)
}

var errLockHeld = errors.New("lock held")

func makeKey(bucket, key string) []byte {
	return []byte(filepath.ToSlash(bucket + "/" + key))
}

package storage

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

type Store interface {
	Put(bucket, key string, value []byte) error
	Get(bucket, key string) ([]byte, error)
	ForEach(bucket string, fn func(key, value []byte) error) error
	Delete(bucket, key string) error
	Close() error
}

// KV is the small expiring key-value contract the throttle persists its
// last-check timestamp through. Missing and expired keys yield ErrNotFound.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Put(ctx context.Context, key, value string, ttl time.Duration) error
}

// Locker is implemented by KV backends able to hold a short-lived exclusive
// marker. TryLock reports false when another holder owns the key.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key string) error
}

package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestBadgerStorePutGet(t *testing.T) {
	dir := t.TempDir()
	store, err := NewBadgerStore(filepath.Join(dir, "badger"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	if err := store.Put("bucket", "key", []byte("value")); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := store.Get("bucket", "key")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "value" {
		t.Fatalf("expected value, got %s", string(got))
	}
	if _, err := store.Get("bucket", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestBadgerStoreForEachStaysInBucket(t *testing.T) {
	dir := t.TempDir()
	store, err := NewBadgerStore(filepath.Join(dir, "badger"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	for _, kv := range [][2]string{{"bucket", "key1"}, {"bucket", "key2"}, {"other", "key3"}} {
		if err := store.Put(kv[0], kv[1], []byte("v")); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	seen := 0
	err = store.ForEach("bucket", func(key, value []byte) error {
		seen++
		return nil
	})
	if err != nil {
		t.Fatalf("foreach: %v", err)
	}
	if seen != 2 {
		t.Fatalf("expected 2 items, got %d", seen)
	}
}

func TestBadgerKVRoundTripAndLock(t *testing.T) {
	store, err := NewBadgerStore(filepath.Join(t.TempDir(), "badger"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	kv := store.KV()
	ctx := context.Background()

	if _, err := kv.Get(ctx, "integrity_last_check_time"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound before first put, got %v", err)
	}
	if err := kv.Put(ctx, "integrity_last_check_time", "1700000000", 48*time.Hour); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := kv.Get(ctx, "integrity_last_check_time")
	if err != nil || got != "1700000000" {
		t.Fatalf("expected stored value, got %q (err=%v)", got, err)
	}

	ok, err := kv.TryLock(ctx, "lock", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected first lock to succeed, ok=%v err=%v", ok, err)
	}
	ok, err = kv.TryLock(ctx, "lock", time.Minute)
	if err != nil || ok {
		t.Fatalf("expected second lock to fail, ok=%v err=%v", ok, err)
	}
	if err := kv.Unlock(ctx, "lock"); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	ok, err = kv.TryLock(ctx, "lock", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected lock after unlock, ok=%v err=%v", ok, err)
	}
}

func TestBadgerEncryptionKeyValidation(t *testing.T) {
	if _, err := NewBadgerStoreWithKey(filepath.Join(t.TempDir(), "badger"), "c2hvcnQ="); err == nil {
		t.Fatalf("expected error for short encryption key")
	}
}

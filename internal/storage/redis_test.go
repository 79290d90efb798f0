package storage

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

// Runs only against a real server: CODESEAL_TEST_REDIS_ADDR=127.0.0.1:6379.
func TestRedisKV(t *testing.T) {
	addr := os.Getenv("CODESEAL_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CODESEAL_TEST_REDIS_ADDR not set")
	}
	kv := NewRedisKV(addr, "", 0, "codeseal-test")
	defer kv.Close()
	ctx := context.Background()
	if err := kv.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	_ = kv.client.Del(ctx, kv.key("k"), kv.key("lock")).Err()

	if _, err := kv.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := kv.Put(ctx, "k", "42", time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}
	if got, err := kv.Get(ctx, "k"); err != nil || got != "42" {
		t.Fatalf("expected 42, got %q (err=%v)", got, err)
	}
	if ok, err := kv.TryLock(ctx, "lock", time.Minute); err != nil || !ok {
		t.Fatalf("expected lock, ok=%v err=%v", ok, err)
	}
	if ok, _ := kv.TryLock(ctx, "lock", time.Minute); ok {
		t.Fatalf("expected lock to be held")
	}

	other := NewRedisKV(addr, "", 0, "codeseal-test")
	defer other.Close()
	if err := other.Unlock(ctx, "lock"); err != nil {
		t.Fatalf("foreign unlock: %v", err)
	}
	if ok, _ := other.TryLock(ctx, "lock", time.Minute); ok {
		t.Fatalf("a client that never held the lock must not release it")
	}
	if err := kv.Unlock(ctx, "lock"); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if ok, err := other.TryLock(ctx, "lock", time.Minute); err != nil || !ok {
		t.Fatalf("expected lock after release, ok=%v err=%v", ok, err)
	}
	_ = other.Unlock(ctx, "lock")
}

// Runs only against a real server: CODESEAL_TEST_REDIS_ADDR=127.0.0.1:6379.
func TestRedisKVUnlockAfterExpiryKeepsNewHolder(t *testing.T) {
	addr := os.Getenv("CODESEAL_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CODESEAL_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	first := NewRedisKV(addr, "", 0, "codeseal-test")
	defer first.Close()
	second := NewRedisKV(addr, "", 0, "codeseal-test")
	defer second.Close()
	_ = first.client.Del(ctx, first.key("expiring")).Err()

	if ok, err := first.TryLock(ctx, "expiring", 100*time.Millisecond); err != nil || !ok {
		t.Fatalf("expected lock, ok=%v err=%v", ok, err)
	}
	time.Sleep(200 * time.Millisecond)
	if ok, err := second.TryLock(ctx, "expiring", time.Minute); err != nil || !ok {
		t.Fatalf("expected lock after expiry, ok=%v err=%v", ok, err)
	}
	if err := first.Unlock(ctx, "expiring"); err != nil {
		t.Fatalf("stale unlock: %v", err)
	}
	if got, err := second.client.Get(ctx, second.key("expiring")).Result(); err != nil || got == "" {
		t.Fatalf("new holder's lock was released: %q (err=%v)", got, err)
	}
	_ = second.Unlock(ctx, "expiring")
}

package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryKVExpiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	kv := NewMemoryKVWithClock(func() time.Time { return now })
	ctx := context.Background()

	if err := kv.Put(ctx, "k", "v", 2*time.Hour); err != nil {
		t.Fatalf("put: %v", err)
	}
	if got, err := kv.Get(ctx, "k"); err != nil || got != "v" {
		t.Fatalf("expected v, got %q (err=%v)", got, err)
	}

	now = now.Add(2 * time.Hour)
	if _, err := kv.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected expired key, got %v", err)
	}
}

func TestMemoryKVLockExpires(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	kv := NewMemoryKVWithClock(func() time.Time { return now })
	ctx := context.Background()

	if ok, _ := kv.TryLock(ctx, "lock", time.Minute); !ok {
		t.Fatalf("expected lock")
	}
	if ok, _ := kv.TryLock(ctx, "lock", time.Minute); ok {
		t.Fatalf("expected lock to be held")
	}
	now = now.Add(time.Minute)
	if ok, _ := kv.TryLock(ctx, "lock", time.Minute); !ok {
		t.Fatalf("expected lock after expiry")
	}
}

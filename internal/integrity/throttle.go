package integrity

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/ipsix/codeseal/internal/storage"
)

const (
	DefaultInterval      = 12 * time.Hour
	DefaultStateLifetime = 48 * time.Hour
	DefaultStateKey      = "integrity_last_check_time"
)

// Throttle gates verification to once per interval using a persisted
// epoch-seconds timestamp.
type Throttle struct {
	kv       storage.KV
	key      string
	interval time.Duration
	lifetime time.Duration
	now      func() time.Time
}

func NewThrottle(kv storage.KV, key string, interval, lifetime time.Duration) *Throttle {
	if key == "" {
		key = DefaultStateKey
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	if lifetime <= 0 {
		lifetime = DefaultStateLifetime
	}
	return &Throttle{kv: kv, key: key, interval: interval, lifetime: lifetime, now: time.Now}
}

func (t *Throttle) SetClock(now func() time.Time) { t.now = now }

func (t *Throttle) Interval() time.Duration { return t.interval }

// LastCheck returns the stored timestamp, or 0 when none is stored, it has
// expired, or it cannot be parsed.
func (t *Throttle) LastCheck(ctx context.Context) (int64, error) {
	raw, err := t.kv.Get(ctx, t.key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return 0, nil
		}
		return 0, internalError("read check state", err)
	}
	last, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, nil
	}
	return last, nil
}

// Due reports whether more than the interval has passed since the last check.
func (t *Throttle) Due(ctx context.Context) (bool, error) {
	last, err := t.LastCheck(ctx)
	if err != nil {
		return false, err
	}
	return t.now().Unix()-last > int64(t.interval/time.Second), nil
}

// MarkVerified records a successful check at the current time.
func (t *Throttle) MarkVerified(ctx context.Context) error {
	return t.store(ctx, t.now().Unix())
}

// MarkMismatch backdates the timestamp past the interval so the following
// invocation is due again, even within the same second.
func (t *Throttle) MarkMismatch(ctx context.Context) error {
	return t.store(ctx, t.now().Unix()-int64(t.interval/time.Second)-1)
}

func (t *Throttle) store(ctx context.Context, ts int64) error {
	if err := t.kv.Put(ctx, t.key, strconv.FormatInt(ts, 10), t.lifetime); err != nil {
		return internalError("write check state", err)
	}
	return nil
}

// Acquire takes the backend's short-lived lock around the decide-and-mark
// step when the backend supports one. Without lock support it always
// succeeds.
func (t *Throttle) Acquire(ctx context.Context, ttl time.Duration) (release func(), acquired bool, err error) {
	locker, ok := t.kv.(storage.Locker)
	if !ok {
		return func() {}, true, nil
	}
	lockKey := t.key + ":lock"
	acquired, err = locker.TryLock(ctx, lockKey, ttl)
	if err != nil {
		return func() {}, false, internalError("acquire check lock", err)
	}
	if !acquired {
		return func() {}, false, nil
	}
	return func() { _ = locker.Unlock(context.WithoutCancel(ctx), lockKey) }, true, nil
}

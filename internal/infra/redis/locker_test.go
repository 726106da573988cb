package redis

import (
	"context"
	"testing"
	"time"
)

func TestRedsyncLockerTryLockContention(t *testing.T) {
	t.Parallel()

	rdb := newTestRedisClient(t)
	locker, err := NewRedsyncLocker(rdb, time.Minute)
	if err != nil {
		t.Fatalf("NewRedsyncLocker() error = %v", err)
	}

	ctx := context.Background()

	handle, acquired, err := locker.TryLock(ctx, "dispatch:cycle")
	if err != nil {
		t.Fatalf("TryLock() error = %v", err)
	}
	if !acquired {
		t.Fatal("first TryLock should acquire the lock")
	}

	_, acquired2, err := locker.TryLock(ctx, "dispatch:cycle")
	if err != nil {
		t.Fatalf("second TryLock() error = %v", err)
	}
	if acquired2 {
		t.Fatal("second TryLock should report contention, not acquire")
	}

	if err := handle.Unlock(ctx); err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}

	handle3, acquired3, err := locker.TryLock(ctx, "dispatch:cycle")
	if err != nil {
		t.Fatalf("third TryLock() error = %v", err)
	}
	if !acquired3 {
		t.Fatal("lock should be acquirable again after release")
	}
	if err := handle3.Unlock(ctx); err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
}

func TestRedsyncLockerSeparateNames(t *testing.T) {
	t.Parallel()

	rdb := newTestRedisClient(t)
	locker, err := NewRedsyncLocker(rdb, time.Minute)
	if err != nil {
		t.Fatalf("NewRedsyncLocker() error = %v", err)
	}

	ctx := context.Background()

	h1, acquired, err := locker.TryLock(ctx, "dispatch:cycle")
	if err != nil || !acquired {
		t.Fatalf("TryLock(dispatch:cycle) = %v, %v", acquired, err)
	}
	defer h1.Unlock(ctx) //nolint:errcheck

	h2, acquired, err := locker.TryLock(ctx, "selector:cycle")
	if err != nil || !acquired {
		t.Fatalf("TryLock(selector:cycle) = %v, %v", acquired, err)
	}
	defer h2.Unlock(ctx) //nolint:errcheck
}

func TestRedsyncLockerValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewRedsyncLocker(nil, time.Minute); err == nil {
		t.Fatal("expected error for nil client")
	}

	rdb := newTestRedisClient(t)
	locker, err := NewRedsyncLocker(rdb, 0)
	if err != nil {
		t.Fatalf("NewRedsyncLocker() error = %v", err)
	}
	if _, _, err := locker.TryLock(context.Background(), "  "); err == nil {
		t.Fatal("expected error for empty lock name")
	}
}

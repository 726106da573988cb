package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redsync/redsync/v4"
	redsyncredis "github.com/go-redsync/redsync/v4/redis/goredis/v9"
	goredis "github.com/redis/go-redis/v9"

	"github.com/larderbook/parcel-notify/internal/lock"
)

const defaultLockExpiry = 2 * time.Minute

var _ lock.Locker = (*RedsyncLocker)(nil)

// RedsyncLocker serializes dispatch cycles across replicas with a Redis
// advisory lock. A single acquisition try only: contention means another
// replica is already running the cycle and this one should skip.
type RedsyncLocker struct {
	rs     *redsync.Redsync
	expiry time.Duration
}

func NewRedsyncLocker(client *goredis.Client, expiry time.Duration) (*RedsyncLocker, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if expiry <= 0 {
		expiry = defaultLockExpiry
	}

	return &RedsyncLocker{
		rs:     redsync.New(redsyncredis.NewPool(client)),
		expiry: expiry,
	}, nil
}

func (l *RedsyncLocker) TryLock(ctx context.Context, name string) (lock.Handle, bool, error) {
	if l == nil || l.rs == nil {
		return nil, false, fmt.Errorf("locker is not initialized")
	}
	if strings.TrimSpace(name) == "" {
		return nil, false, fmt.Errorf("lock name is required")
	}

	mutex := l.rs.NewMutex(
		name,
		redsync.WithExpiry(l.expiry),
		redsync.WithTries(1),
	)

	if err := mutex.LockContext(ctx); err != nil {
		// Contention is expected behavior, not a failure.
		if errors.Is(err, redsync.ErrFailed) || strings.Contains(err.Error(), "lock already taken") {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to acquire lock %q: %w", name, err)
	}

	return &lockHandle{mutex: mutex}, true, nil
}

type lockHandle struct {
	mutex *redsync.Mutex
}

func (h *lockHandle) Unlock(ctx context.Context) error {
	if h == nil || h.mutex == nil {
		return fmt.Errorf("lock handle is not initialized")
	}

	ok, err := h.mutex.UnlockContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("lock was not held or already expired")
	}
	return nil
}

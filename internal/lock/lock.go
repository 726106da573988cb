package lock

import "context"

// Handle is a held lock that the owner must release.
type Handle interface {
	Unlock(ctx context.Context) error
}

// Locker is the cross-process mutual-exclusion port guarding dispatch
// cycles. TryLock never blocks: a busy lock returns acquired=false so the
// caller skips its cycle instead of piling up behind another replica.
type Locker interface {
	TryLock(ctx context.Context, name string) (Handle, bool, error)
}

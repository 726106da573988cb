package service

import (
	"context"
	"sync"
	"time"

	"github.com/larderbook/parcel-notify/internal/domain"
	"github.com/larderbook/parcel-notify/internal/eligibility"
	"github.com/larderbook/parcel-notify/internal/lock"
	"github.com/larderbook/parcel-notify/internal/provider"
	"github.com/larderbook/parcel-notify/internal/repository"
)

type fakeOutboxRepo struct {
	createFn                 func(ctx context.Context, m *domain.OutboxMessage) error
	getByIDFn                func(ctx context.Context, id string) (*domain.OutboxMessage, error)
	getByIdempotencyKeyFn    func(ctx context.Context, key string) (*domain.OutboxMessage, error)
	listFn                   func(ctx context.Context, params repository.ListParams) ([]domain.OutboxMessage, int64, error)
	dueForDispatchFn         func(ctx context.Context, now time.Time, limit int) ([]domain.OutboxMessage, error)
	applySendOutcomeFn       func(ctx context.Context, id string, outcome domain.SendOutcome) error
	attachProviderStatusFn   func(ctx context.Context, providerMessageID string, status domain.ProviderStatus, at time.Time) (bool, error)
	dismissFn                func(ctx context.Context, id string, userID string) error
	restoreFn                func(ctx context.Context, id string) error
	requeueBalanceFailuresFn func(ctx context.Context, now time.Time) (int64, error)
	healthCountsFn           func(ctx context.Context, windowStart, staleBefore time.Time) (domain.HealthStats, error)
}

func (f *fakeOutboxRepo) Create(ctx context.Context, m *domain.OutboxMessage) error {
	if f.createFn != nil {
		return f.createFn(ctx, m)
	}
	return nil
}

func (f *fakeOutboxRepo) GetByID(ctx context.Context, id string) (*domain.OutboxMessage, error) {
	if f.getByIDFn != nil {
		return f.getByIDFn(ctx, id)
	}
	return nil, domain.ErrNotFound
}

func (f *fakeOutboxRepo) GetByIdempotencyKey(ctx context.Context, key string) (*domain.OutboxMessage, error) {
	if f.getByIdempotencyKeyFn != nil {
		return f.getByIdempotencyKeyFn(ctx, key)
	}
	return nil, domain.ErrNotFound
}

func (f *fakeOutboxRepo) List(ctx context.Context, params repository.ListParams) ([]domain.OutboxMessage, int64, error) {
	if f.listFn != nil {
		return f.listFn(ctx, params)
	}
	return nil, 0, nil
}

func (f *fakeOutboxRepo) DueForDispatch(ctx context.Context, now time.Time, limit int) ([]domain.OutboxMessage, error) {
	if f.dueForDispatchFn != nil {
		return f.dueForDispatchFn(ctx, now, limit)
	}
	return nil, nil
}

func (f *fakeOutboxRepo) ApplySendOutcome(ctx context.Context, id string, outcome domain.SendOutcome) error {
	if f.applySendOutcomeFn != nil {
		return f.applySendOutcomeFn(ctx, id, outcome)
	}
	return nil
}

func (f *fakeOutboxRepo) AttachProviderStatus(ctx context.Context, providerMessageID string, status domain.ProviderStatus, at time.Time) (bool, error) {
	if f.attachProviderStatusFn != nil {
		return f.attachProviderStatusFn(ctx, providerMessageID, status, at)
	}
	return false, nil
}

func (f *fakeOutboxRepo) Dismiss(ctx context.Context, id string, userID string) error {
	if f.dismissFn != nil {
		return f.dismissFn(ctx, id, userID)
	}
	return nil
}

func (f *fakeOutboxRepo) Restore(ctx context.Context, id string) error {
	if f.restoreFn != nil {
		return f.restoreFn(ctx, id)
	}
	return nil
}

func (f *fakeOutboxRepo) RequeueBalanceFailures(ctx context.Context, now time.Time) (int64, error) {
	if f.requeueBalanceFailuresFn != nil {
		return f.requeueBalanceFailuresFn(ctx, now)
	}
	return 0, nil
}

func (f *fakeOutboxRepo) HealthCounts(ctx context.Context, windowStart, staleBefore time.Time) (domain.HealthStats, error) {
	if f.healthCountsFn != nil {
		return f.healthCountsFn(ctx, windowStart, staleBefore)
	}
	return domain.HealthStats{}, nil
}

type fakeCandidateRepo struct {
	dueFn func(ctx context.Context, until time.Time, limit int) ([]repository.ReminderCandidate, error)
}

func (f *fakeCandidateRepo) DueReminderCandidates(ctx context.Context, until time.Time, limit int) ([]repository.ReminderCandidate, error) {
	if f.dueFn != nil {
		return f.dueFn(ctx, until, limit)
	}
	return nil, nil
}

type fakeGateway struct {
	mu     sync.Mutex
	calls  int
	sendFn func(ctx context.Context, to string, body string) (*provider.SendReceipt, error)
}

func (f *fakeGateway) Send(ctx context.Context, to string, body string) (*provider.SendReceipt, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.sendFn != nil {
		return f.sendFn(ctx, to, body)
	}
	return &provider.SendReceipt{StatusCode: 202, ProviderMessageID: "mock_1"}, nil
}

func (f *fakeGateway) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeLockHandle struct {
	unlockFn func(ctx context.Context) error
}

func (f *fakeLockHandle) Unlock(ctx context.Context) error {
	if f.unlockFn != nil {
		return f.unlockFn(ctx)
	}
	return nil
}

type fakeLocker struct {
	tryLockFn func(ctx context.Context, name string) (lock.Handle, bool, error)
}

func (f *fakeLocker) TryLock(ctx context.Context, name string) (lock.Handle, bool, error) {
	if f.tryLockFn != nil {
		return f.tryLockFn(ctx, name)
	}
	return &fakeLockHandle{}, true, nil
}

type fakeThrottle struct {
	waitCalls int
	waitFn    func(ctx context.Context, scope string) error
}

func (f *fakeThrottle) Allow(ctx context.Context, scope string) (bool, error) {
	return true, nil
}

func (f *fakeThrottle) Wait(ctx context.Context, scope string) error {
	f.waitCalls++
	if f.waitFn != nil {
		return f.waitFn(ctx, scope)
	}
	return nil
}

func alwaysEligible() eligibility.Oracle {
	return eligibility.OracleFunc(func(ctx context.Context, targetEntityID string) (eligibility.Decision, error) {
		return eligibility.Decision{Eligible: true}, nil
	})
}

func neverEligible(reason string) eligibility.Oracle {
	return eligibility.OracleFunc(func(ctx context.Context, targetEntityID string) (eligibility.Decision, error) {
		return eligibility.Decision{Eligible: false, Reason: reason}, nil
	})
}

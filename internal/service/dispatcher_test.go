package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/larderbook/parcel-notify/internal/domain"
	"github.com/larderbook/parcel-notify/internal/eligibility"
	"github.com/larderbook/parcel-notify/internal/lock"
	"github.com/larderbook/parcel-notify/internal/provider"
	"github.com/larderbook/parcel-notify/internal/repository"
)

func newTestDispatcher(t *testing.T, outbox repository.OutboxRepository, oracle eligibility.Oracle, gateway provider.Gateway, locker lock.Locker) *Dispatcher {
	t.Helper()

	d, err := NewDispatcher(outbox, oracle, gateway, &fakeThrottle{}, locker, time.Minute, 50, zap.NewNop())
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}
	d.now = func() time.Time { return time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC) }
	d.randIntn = func(n int) int { return 0 }
	return d
}

func queuedMessage(id string, attemptCount int) domain.OutboxMessage {
	return domain.OutboxMessage{
		ID:             id,
		Intent:         domain.IntentPickupReminder,
		TargetEntityID: "parcel-1",
		HouseholdID:    "household-1",
		Recipient:      "+31612345678",
		Body:           "Reminder: your food parcel is ready.",
		IdempotencyKey: "pickup_reminder:parcel-1",
		Status:         domain.StatusQueued,
		AttemptCount:   attemptCount,
	}
}

func TestDispatcher_RunCycle_SendSuccess(t *testing.T) {
	t.Parallel()

	var applied []domain.SendOutcome
	outbox := &fakeOutboxRepo{
		dueForDispatchFn: func(ctx context.Context, now time.Time, limit int) ([]domain.OutboxMessage, error) {
			return []domain.OutboxMessage{queuedMessage("msg-1", 0)}, nil
		},
		applySendOutcomeFn: func(ctx context.Context, id string, outcome domain.SendOutcome) error {
			applied = append(applied, outcome)
			return nil
		},
	}
	gateway := &fakeGateway{
		sendFn: func(ctx context.Context, to string, body string) (*provider.SendReceipt, error) {
			return &provider.SendReceipt{StatusCode: 202, ProviderMessageID: "prov_42"}, nil
		},
	}

	d := newTestDispatcher(t, outbox, alwaysEligible(), gateway, &fakeLocker{})

	result, err := d.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	if !result.LockAcquired {
		t.Fatal("RunCycle() lock not acquired")
	}
	if result.Processed != 1 {
		t.Fatalf("RunCycle() processed = %d, want 1", result.Processed)
	}
	if len(applied) != 1 {
		t.Fatalf("applied outcomes = %d, want 1", len(applied))
	}
	if applied[0].Kind != domain.OutcomeSent {
		t.Errorf("outcome kind = %s, want %s", applied[0].Kind, domain.OutcomeSent)
	}
	if applied[0].ProviderMessageID != "prov_42" {
		t.Errorf("provider message id = %q, want %q", applied[0].ProviderMessageID, "prov_42")
	}
	if applied[0].SentAt.IsZero() {
		t.Error("sent outcome has zero sentAt")
	}
}

func TestDispatcher_RunCycle_MissingProviderMessageID(t *testing.T) {
	t.Parallel()

	var applied []domain.SendOutcome
	outbox := &fakeOutboxRepo{
		dueForDispatchFn: func(ctx context.Context, now time.Time, limit int) ([]domain.OutboxMessage, error) {
			return []domain.OutboxMessage{queuedMessage("msg-1", 0)}, nil
		},
		applySendOutcomeFn: func(ctx context.Context, id string, outcome domain.SendOutcome) error {
			applied = append(applied, outcome)
			return nil
		},
	}
	gateway := &fakeGateway{
		sendFn: func(ctx context.Context, to string, body string) (*provider.SendReceipt, error) {
			return &provider.SendReceipt{StatusCode: 202}, nil
		},
	}

	d := newTestDispatcher(t, outbox, alwaysEligible(), gateway, &fakeLocker{})

	if _, err := d.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	if len(applied) != 1 {
		t.Fatalf("applied outcomes = %d, want 1", len(applied))
	}
	if applied[0].ProviderMessageID == "" {
		t.Error("sent outcome without provider message id, want synthesized id")
	}
}

func TestDispatcher_RunCycle_RetriableFailure(t *testing.T) {
	t.Parallel()

	var applied []domain.SendOutcome
	outbox := &fakeOutboxRepo{
		dueForDispatchFn: func(ctx context.Context, now time.Time, limit int) ([]domain.OutboxMessage, error) {
			return []domain.OutboxMessage{queuedMessage("msg-1", 0)}, nil
		},
		applySendOutcomeFn: func(ctx context.Context, id string, outcome domain.SendOutcome) error {
			applied = append(applied, outcome)
			return nil
		},
	}
	gateway := &fakeGateway{
		sendFn: func(ctx context.Context, to string, body string) (*provider.SendReceipt, error) {
			return nil, &provider.ProviderError{StatusCode: 503, Message: "service unavailable"}
		},
	}

	d := newTestDispatcher(t, outbox, alwaysEligible(), gateway, &fakeLocker{})

	if _, err := d.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	if len(applied) != 1 {
		t.Fatalf("applied outcomes = %d, want 1", len(applied))
	}
	if applied[0].Kind != domain.OutcomeRetriable {
		t.Fatalf("outcome kind = %s, want %s", applied[0].Kind, domain.OutcomeRetriable)
	}
	if !applied[0].NextAttemptAt.After(d.now()) {
		t.Errorf("nextAttemptAt = %s, want after %s", applied[0].NextAttemptAt, d.now())
	}
}

func TestDispatcher_RunCycle_PermanentFailure(t *testing.T) {
	t.Parallel()

	var applied []domain.SendOutcome
	outbox := &fakeOutboxRepo{
		dueForDispatchFn: func(ctx context.Context, now time.Time, limit int) ([]domain.OutboxMessage, error) {
			return []domain.OutboxMessage{queuedMessage("msg-1", 2)}, nil
		},
		applySendOutcomeFn: func(ctx context.Context, id string, outcome domain.SendOutcome) error {
			applied = append(applied, outcome)
			return nil
		},
	}
	gateway := &fakeGateway{
		sendFn: func(ctx context.Context, to string, body string) (*provider.SendReceipt, error) {
			return nil, &provider.ProviderError{StatusCode: 400, Message: "invalid recipient"}
		},
	}

	d := newTestDispatcher(t, outbox, alwaysEligible(), gateway, &fakeLocker{})

	if _, err := d.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	if len(applied) != 1 {
		t.Fatalf("applied outcomes = %d, want 1", len(applied))
	}
	if applied[0].Kind != domain.OutcomePermanent {
		t.Errorf("outcome kind = %s, want %s", applied[0].Kind, domain.OutcomePermanent)
	}
}

func TestDispatcher_RunCycle_BalanceFailure(t *testing.T) {
	t.Parallel()

	var applied []domain.SendOutcome
	outbox := &fakeOutboxRepo{
		dueForDispatchFn: func(ctx context.Context, now time.Time, limit int) ([]domain.OutboxMessage, error) {
			return []domain.OutboxMessage{queuedMessage("msg-1", 0)}, nil
		},
		applySendOutcomeFn: func(ctx context.Context, id string, outcome domain.SendOutcome) error {
			applied = append(applied, outcome)
			return nil
		},
	}
	gateway := &fakeGateway{
		sendFn: func(ctx context.Context, to string, body string) (*provider.SendReceipt, error) {
			return nil, &provider.ProviderError{StatusCode: 402, Message: "insufficient balance"}
		},
	}

	d := newTestDispatcher(t, outbox, alwaysEligible(), gateway, &fakeLocker{})

	if _, err := d.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	if len(applied) != 1 {
		t.Fatalf("applied outcomes = %d, want 1", len(applied))
	}
	if applied[0].Kind != domain.OutcomeBalance {
		t.Errorf("outcome kind = %s, want %s", applied[0].Kind, domain.OutcomeBalance)
	}
}

func TestDispatcher_RunCycle_IneligibleCancelsWithoutSend(t *testing.T) {
	t.Parallel()

	var applied []domain.SendOutcome
	outbox := &fakeOutboxRepo{
		dueForDispatchFn: func(ctx context.Context, now time.Time, limit int) ([]domain.OutboxMessage, error) {
			return []domain.OutboxMessage{queuedMessage("msg-1", 0)}, nil
		},
		applySendOutcomeFn: func(ctx context.Context, id string, outcome domain.SendOutcome) error {
			applied = append(applied, outcome)
			return nil
		},
	}
	gateway := &fakeGateway{}

	d := newTestDispatcher(t, outbox, neverEligible("parcel already picked up"), gateway, &fakeLocker{})

	if _, err := d.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	if gateway.callCount() != 0 {
		t.Fatalf("gateway calls = %d, want 0 for ineligible target", gateway.callCount())
	}
	if len(applied) != 1 {
		t.Fatalf("applied outcomes = %d, want 1", len(applied))
	}
	if applied[0].Kind != domain.OutcomeCancelled {
		t.Errorf("outcome kind = %s, want %s", applied[0].Kind, domain.OutcomeCancelled)
	}
	if applied[0].Message != "parcel already picked up" {
		t.Errorf("cancellation reason = %q, want %q", applied[0].Message, "parcel already picked up")
	}
}

func TestDispatcher_RunCycle_LockBusySkips(t *testing.T) {
	t.Parallel()

	outbox := &fakeOutboxRepo{
		dueForDispatchFn: func(ctx context.Context, now time.Time, limit int) ([]domain.OutboxMessage, error) {
			t.Fatal("DueForDispatch called while lock busy")
			return nil, nil
		},
	}
	gateway := &fakeGateway{}
	locker := &fakeLocker{
		tryLockFn: func(ctx context.Context, name string) (lock.Handle, bool, error) {
			return nil, false, nil
		},
	}

	d := newTestDispatcher(t, outbox, alwaysEligible(), gateway, locker)

	result, err := d.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	if result.LockAcquired {
		t.Error("RunCycle() lock acquired, want skip")
	}
	if gateway.callCount() != 0 {
		t.Errorf("gateway calls = %d, want 0", gateway.callCount())
	}
}

func TestDispatcher_RunCycle_DueCutoffUsesClock(t *testing.T) {
	t.Parallel()

	var cutoff time.Time
	outbox := &fakeOutboxRepo{
		dueForDispatchFn: func(ctx context.Context, now time.Time, limit int) ([]domain.OutboxMessage, error) {
			cutoff = now
			return nil, nil
		},
	}

	d := newTestDispatcher(t, outbox, alwaysEligible(), &fakeGateway{}, &fakeLocker{})

	if _, err := d.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	want := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	if !cutoff.Equal(want) {
		t.Errorf("due cutoff = %v, want %v", cutoff, want)
	}
}

func TestDispatcher_RunCycle_ReleasesLock(t *testing.T) {
	t.Parallel()

	unlocked := false
	locker := &fakeLocker{
		tryLockFn: func(ctx context.Context, name string) (lock.Handle, bool, error) {
			return &fakeLockHandle{unlockFn: func(ctx context.Context) error {
				unlocked = true
				return nil
			}}, true, nil
		},
	}

	d := newTestDispatcher(t, &fakeOutboxRepo{}, alwaysEligible(), &fakeGateway{}, locker)

	if _, err := d.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	if !unlocked {
		t.Error("dispatch lock not released after cycle")
	}
}

func TestDispatcher_RunCycle_OutcomeConflictIsDropped(t *testing.T) {
	t.Parallel()

	outbox := &fakeOutboxRepo{
		dueForDispatchFn: func(ctx context.Context, now time.Time, limit int) ([]domain.OutboxMessage, error) {
			return []domain.OutboxMessage{queuedMessage("msg-1", 0)}, nil
		},
		applySendOutcomeFn: func(ctx context.Context, id string, outcome domain.SendOutcome) error {
			return domain.ErrConflict
		},
	}

	d := newTestDispatcher(t, outbox, alwaysEligible(), &fakeGateway{}, &fakeLocker{})

	result, err := d.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle() error = %v, want conflict swallowed", err)
	}
	if result.Processed != 1 {
		t.Errorf("processed = %d, want 1", result.Processed)
	}
}

func TestDispatcher_RunCycle_StoreErrorAbortsCycle(t *testing.T) {
	t.Parallel()

	storeErr := errors.New("connection reset")
	outbox := &fakeOutboxRepo{
		dueForDispatchFn: func(ctx context.Context, now time.Time, limit int) ([]domain.OutboxMessage, error) {
			return []domain.OutboxMessage{queuedMessage("msg-1", 0), queuedMessage("msg-2", 0)}, nil
		},
		applySendOutcomeFn: func(ctx context.Context, id string, outcome domain.SendOutcome) error {
			return storeErr
		},
	}
	gateway := &fakeGateway{}

	d := newTestDispatcher(t, outbox, alwaysEligible(), gateway, &fakeLocker{})

	result, err := d.RunCycle(context.Background())
	if !errors.Is(err, storeErr) {
		t.Fatalf("RunCycle() error = %v, want %v", err, storeErr)
	}
	if result.Processed != 0 {
		t.Errorf("processed = %d, want 0", result.Processed)
	}
	if gateway.callCount() != 1 {
		t.Errorf("gateway calls = %d, want 1 before abort", gateway.callCount())
	}
}

func TestDispatcher_ComputeBackoff(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(t, &fakeOutboxRepo{}, alwaysEligible(), &fakeGateway{}, &fakeLocker{})

	previous := time.Duration(0)
	for attempt := 1; attempt <= 6; attempt++ {
		delay := d.computeBackoff(attempt)
		if delay <= 0 {
			t.Fatalf("computeBackoff(%d) = %s, want positive", attempt, delay)
		}
		if delay < previous {
			t.Fatalf("computeBackoff(%d) = %s, shrank from %s", attempt, delay, previous)
		}
		if delay > maxBackoff+maxBackoffJitter {
			t.Fatalf("computeBackoff(%d) = %s, exceeds ceiling", attempt, delay)
		}
		previous = delay
	}

	if got := d.computeBackoff(1); got != baseBackoff {
		t.Errorf("computeBackoff(1) = %s, want %s", got, baseBackoff)
	}
	if got := d.computeBackoff(100); got != maxBackoff {
		t.Errorf("computeBackoff(100) = %s, want ceiling %s", got, maxBackoff)
	}
}

func TestDispatcher_RunCycle_ThrottleApplied(t *testing.T) {
	t.Parallel()

	outbox := &fakeOutboxRepo{
		dueForDispatchFn: func(ctx context.Context, now time.Time, limit int) ([]domain.OutboxMessage, error) {
			return []domain.OutboxMessage{queuedMessage("msg-1", 0), queuedMessage("msg-2", 0)}, nil
		},
	}
	th := &fakeThrottle{}

	d, err := NewDispatcher(outbox, alwaysEligible(), &fakeGateway{}, th, &fakeLocker{}, time.Minute, 50, zap.NewNop())
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}

	if _, err := d.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	if th.waitCalls != 2 {
		t.Errorf("throttle waits = %d, want 2", th.waitCalls)
	}
}

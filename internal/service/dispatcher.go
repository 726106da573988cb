package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/larderbook/parcel-notify/internal/domain"
	"github.com/larderbook/parcel-notify/internal/eligibility"
	"github.com/larderbook/parcel-notify/internal/lock"
	"github.com/larderbook/parcel-notify/internal/observability"
	"github.com/larderbook/parcel-notify/internal/provider"
	"github.com/larderbook/parcel-notify/internal/repository"
	"github.com/larderbook/parcel-notify/internal/throttle"
)

const (
	dispatchLockName        = "parcel-notify:dispatch-cycle"
	sendThrottleScope       = "sms"
	defaultDispatchInterval = 15 * time.Second
	defaultDispatchBatch    = 50

	baseBackoff      = 30 * time.Second
	maxBackoff       = time.Hour
	maxBackoffJitter = 5 * time.Second
)

// CycleResult reports what a single dispatch cycle did.
type CycleResult struct {
	// LockAcquired is false when another replica was already running a
	// cycle and this one skipped.
	LockAcquired bool
	Processed    int
}

// Dispatcher drives the outbox state machine: it selects due messages,
// re-checks eligibility, invokes the gateway, and applies one atomic
// transition per message.
type Dispatcher struct {
	outbox   repository.OutboxRepository
	oracle   eligibility.Oracle
	gateway  provider.Gateway
	throttle throttle.Throttle
	locker   lock.Locker
	logger   *zap.Logger
	metrics  *observability.Metrics
	interval time.Duration
	batch    int
	now      func() time.Time
	randIntn func(n int) int
}

func NewDispatcher(
	outbox repository.OutboxRepository,
	oracle eligibility.Oracle,
	gateway provider.Gateway,
	throttle throttle.Throttle,
	locker lock.Locker,
	interval time.Duration,
	batch int,
	logger *zap.Logger,
) (*Dispatcher, error) {
	if outbox == nil {
		return nil, fmt.Errorf("outbox repository is required")
	}
	if oracle == nil {
		return nil, fmt.Errorf("eligibility oracle is required")
	}
	if gateway == nil {
		return nil, fmt.Errorf("gateway is required")
	}
	if locker == nil {
		return nil, fmt.Errorf("locker is required")
	}
	if interval <= 0 {
		interval = defaultDispatchInterval
	}
	if batch <= 0 {
		batch = defaultDispatchBatch
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Dispatcher{
		outbox:   outbox,
		oracle:   oracle,
		gateway:  gateway,
		throttle: throttle,
		locker:   locker,
		logger:   logger,
		interval: interval,
		batch:    batch,
		now:      time.Now,
		randIntn: rand.Intn,
	}, nil
}

func (d *Dispatcher) SetMetrics(metrics *observability.Metrics) {
	if d == nil {
		return
	}
	d.metrics = metrics
}

// Start runs dispatch cycles until context cancellation.
func (d *Dispatcher) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// Run an initial cycle so already-due messages do not wait for the
	// first ticker edge.
	d.runCycleLogged(ctx)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.runCycleLogged(ctx)
		}
	}
}

func (d *Dispatcher) runCycleLogged(ctx context.Context) {
	result, err := d.RunCycle(ctx)
	switch {
	case err != nil:
		if ctx.Err() == nil {
			d.logger.Error("dispatch cycle failed", zap.Error(err))
		}
		d.metrics.IncDispatchCycle("error")
	case !result.LockAcquired:
		d.metrics.IncDispatchCycle("skipped")
	default:
		d.metrics.IncDispatchCycle("ok")
	}
}

// RunCycle executes one lock-guarded dispatch cycle. It is exported so
// tests and the operator surface can drive a cycle deterministically.
func (d *Dispatcher) RunCycle(ctx context.Context) (CycleResult, error) {
	handle, acquired, err := d.locker.TryLock(ctx, dispatchLockName)
	if err != nil {
		return CycleResult{}, fmt.Errorf("failed to acquire dispatch lock: %w", err)
	}
	if !acquired {
		// Another replica is mid-cycle; skipping is cheap and safe at this
		// cadence.
		d.logger.Debug("dispatch lock busy, skipping cycle")
		return CycleResult{LockAcquired: false}, nil
	}
	defer func() {
		if unlockErr := handle.Unlock(ctx); unlockErr != nil {
			d.logger.Warn("failed to release dispatch lock", zap.Error(unlockErr))
		}
	}()

	due, err := d.outbox.DueForDispatch(ctx, d.now().UTC(), d.batch)
	if err != nil {
		return CycleResult{LockAcquired: true}, fmt.Errorf("failed to fetch due messages: %w", err)
	}

	processed := 0
	for i := range due {
		if ctx.Err() != nil {
			break
		}
		if err := d.processMessage(ctx, &due[i]); err != nil {
			// Store-level failure: abort the cycle, the next tick retries.
			return CycleResult{LockAcquired: true, Processed: processed}, err
		}
		processed++
	}

	return CycleResult{LockAcquired: true, Processed: processed}, nil
}

func (d *Dispatcher) processMessage(ctx context.Context, m *domain.OutboxMessage) error {
	intentLabel := m.Intent.String()

	decision, err := d.oracle.Check(ctx, m.TargetEntityID)
	if err != nil {
		return fmt.Errorf("eligibility check failed for message %s: %w", m.ID, err)
	}

	if !decision.Eligible {
		// The target changed between enqueue and now. Cancel without
		// touching the gateway and without consuming an attempt.
		if err := d.applyOutcome(ctx, m.ID, domain.CancelledOutcome(decision.Reason)); err != nil {
			return err
		}
		d.metrics.IncMessageCancelled(intentLabel)
		d.logger.Info("message cancelled before send",
			zap.String("messageId", m.ID),
			zap.String("reason", decision.Reason),
		)
		return nil
	}

	if d.throttle != nil {
		if err := d.throttle.Wait(ctx, sendThrottleScope); err != nil {
			return fmt.Errorf("send throttle wait failed: %w", err)
		}
	}

	sendStart := d.now()
	receipt, sendErr := d.gateway.Send(ctx, m.Recipient, m.Body)
	d.metrics.ObserveSendDuration(intentLabel, d.now().Sub(sendStart))

	if sendErr == nil {
		providerMessageID := ""
		if receipt != nil {
			providerMessageID = receipt.ProviderMessageID
		}
		if providerMessageID == "" {
			// Some providers omit the message id; synthesize one so the
			// sent row still satisfies its invariant. Delivery callbacks
			// for it will simply never match.
			providerMessageID = fmt.Sprintf("local:%s", uuid.NewString())
		}

		if err := d.applyOutcome(ctx, m.ID, domain.SentOutcome(providerMessageID, d.now().UTC())); err != nil {
			return err
		}
		d.metrics.IncMessageSent(intentLabel)
		return nil
	}

	outcome := d.failureOutcome(m, sendErr)
	if err := d.applyOutcome(ctx, m.ID, outcome); err != nil {
		return err
	}

	switch outcome.Kind {
	case domain.OutcomeRetriable:
		d.metrics.IncRetryScheduled(intentLabel)
		d.logger.Warn("send failed, retry scheduled",
			zap.String("messageId", m.ID),
			zap.Int("attempt", m.AttemptCount+1),
			zap.Time("nextAttemptAt", outcome.NextAttemptAt),
			zap.Error(sendErr),
		)
	case domain.OutcomeBalance:
		d.metrics.IncMessageFailed(intentLabel, "balance_exhausted")
		d.logger.Error("send failed, provider balance exhausted",
			zap.String("messageId", m.ID),
			zap.Error(sendErr),
		)
	default:
		d.metrics.IncMessageFailed(intentLabel, "permanent_rejection")
		d.logger.Error("send failed permanently",
			zap.String("messageId", m.ID),
			zap.Error(sendErr),
		)
	}

	return nil
}

func (d *Dispatcher) failureOutcome(m *domain.OutboxMessage, sendErr error) domain.SendOutcome {
	switch provider.Classify(sendErr) {
	case provider.FailureBalance:
		return domain.BalanceOutcome(sendErr.Error())
	case provider.FailurePermanent:
		return domain.PermanentOutcome(sendErr.Error())
	default:
		nextAttemptAt := d.now().UTC().Add(d.computeBackoff(m.AttemptCount + 1))
		return domain.RetriableOutcome(sendErr.Error(), nextAttemptAt)
	}
}

func (d *Dispatcher) applyOutcome(ctx context.Context, id string, outcome domain.SendOutcome) error {
	err := d.outbox.ApplySendOutcome(ctx, id, outcome)
	if errors.Is(err, domain.ErrConflict) {
		// The row left its active state under us. With the cycle lock held
		// this means an operator action raced the cycle; the row's state
		// wins and the attempt result is dropped.
		d.logger.Warn("outcome dropped, message no longer active",
			zap.String("messageId", id),
			zap.String("outcome", string(outcome.Kind)),
		)
		return nil
	}
	return err
}

// computeBackoff doubles from the base per attempt up to the ceiling, plus
// a little jitter so replicas do not align their retries. The result is
// always positive, so a retry is never scheduled in the past.
func (d *Dispatcher) computeBackoff(attemptCount int) time.Duration {
	if attemptCount < 1 {
		attemptCount = 1
	}

	delay := baseBackoff
	for i := 1; i < attemptCount; i++ {
		delay *= 2
		if delay >= maxBackoff {
			delay = maxBackoff
			break
		}
	}

	jitter := time.Duration(0)
	if d.randIntn != nil && maxBackoffJitter > 0 {
		jitter = time.Duration(d.randIntn(int(maxBackoffJitter/time.Millisecond)+1)) * time.Millisecond
	}

	return delay + jitter
}

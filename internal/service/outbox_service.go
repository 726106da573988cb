package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/larderbook/parcel-notify/internal/domain"
	"github.com/larderbook/parcel-notify/internal/repository"
)

// OutboxService owns enqueue and the operator-facing outbox operations.
type OutboxService struct {
	outbox repository.OutboxRepository
	logger *zap.Logger
	now    func() time.Time
}

func NewOutboxService(outbox repository.OutboxRepository, logger *zap.Logger) (*OutboxService, error) {
	if outbox == nil {
		return nil, fmt.Errorf("outbox repository is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &OutboxService{
		outbox: outbox,
		logger: logger,
		now:    time.Now,
	}, nil
}

type EnqueueParams struct {
	Intent         domain.Intent
	TargetEntityID string
	HouseholdID    string
	Recipient      string
	Body           string
	// IdempotencyKey overrides the stable key; leave empty for automatic
	// first-time sends.
	IdempotencyKey string
}

// Enqueue inserts a new queued outbox row, or returns the existing row when
// the idempotency key is already taken. The second call for the same
// automatic (intent, target) pair is the primary defense against duplicate
// reminders from overlapping selector ticks.
func (s *OutboxService) Enqueue(ctx context.Context, params EnqueueParams) (*domain.OutboxMessage, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	key := strings.TrimSpace(params.IdempotencyKey)
	if key == "" {
		key = domain.StableIdempotencyKey(params.Intent, params.TargetEntityID)
	}

	now := s.now().UTC()
	message := &domain.OutboxMessage{
		ID:             uuid.NewString(),
		Intent:         params.Intent,
		TargetEntityID: params.TargetEntityID,
		HouseholdID:    params.HouseholdID,
		Recipient:      params.Recipient,
		Body:           params.Body,
		IdempotencyKey: key,
		Status:         domain.StatusQueued,
		AttemptCount:   0,
		NextAttemptAt:  &now,
		CreatedAt:      now,
	}

	if err := message.Validate(); err != nil {
		return nil, err
	}

	if err := s.outbox.Create(ctx, message); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			existing, getErr := s.outbox.GetByIdempotencyKey(ctx, key)
			if getErr != nil {
				return nil, fmt.Errorf("failed to resolve idempotency conflict for key %q: %w", key, getErr)
			}
			return existing, nil
		}
		return nil, err
	}

	return message, nil
}

type PickupUpdatedParams struct {
	ParcelID    string
	HouseholdID string
	Recipient   string
	PickupAt    time.Time
}

// NotifyPickupUpdated enqueues a pickup-changed notice for a rescheduled
// parcel. The key carries the new pickup time, so re-announcing the same
// reschedule collapses onto one row while every distinct reschedule gets its
// own message.
func (s *OutboxService) NotifyPickupUpdated(ctx context.Context, params PickupUpdatedParams) (*domain.OutboxMessage, error) {
	if params.PickupAt.IsZero() {
		return nil, fmt.Errorf("%w: pickup time is required", domain.ErrValidation)
	}

	key := fmt.Sprintf("%s:%s",
		domain.StableIdempotencyKey(domain.IntentPickupUpdated, params.ParcelID),
		params.PickupAt.UTC().Format(time.RFC3339),
	)

	return s.Enqueue(ctx, EnqueueParams{
		Intent:         domain.IntentPickupUpdated,
		TargetEntityID: params.ParcelID,
		HouseholdID:    params.HouseholdID,
		Recipient:      params.Recipient,
		Body:           RenderUpdatedBody(params.PickupAt),
		IdempotencyKey: key,
	})
}

// ResendManual creates a fresh outbox row for an existing message. The new
// row gets a randomized key suffix so it never collides with the stale one:
// a human-triggered retry is intentionally a separate audit entry.
func (s *OutboxService) ResendManual(ctx context.Context, id string) (*domain.OutboxMessage, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	original, err := s.outbox.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	stableKey := domain.StableIdempotencyKey(original.Intent, original.TargetEntityID)
	resendKey := fmt.Sprintf("%s#%s", stableKey, uuid.NewString()[:8])

	resent, err := s.Enqueue(ctx, EnqueueParams{
		Intent:         original.Intent,
		TargetEntityID: original.TargetEntityID,
		HouseholdID:    original.HouseholdID,
		Recipient:      original.Recipient,
		Body:           original.Body,
		IdempotencyKey: resendKey,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("manual resend enqueued",
		zap.String("originalId", original.ID),
		zap.String("resendId", resent.ID),
		zap.String("intent", original.Intent.String()),
	)

	return resent, nil
}

// Dismiss marks a row as acknowledged by an operator. The row's retry state
// is untouched: dismissal only hides it from the active-issues view.
func (s *OutboxService) Dismiss(ctx context.Context, id string, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: user id is required", domain.ErrValidation)
	}
	return s.outbox.Dismiss(ctx, id, userID)
}

func (s *OutboxService) Restore(ctx context.Context, id string) error {
	return s.outbox.Restore(ctx, id)
}

// RequeueBalanceFailures is the bulk recovery path after the provider
// account has been topped up: every non-dismissed balance failure goes back
// to queued with a clean slate.
func (s *OutboxService) RequeueBalanceFailures(ctx context.Context) (int64, error) {
	count, err := s.outbox.RequeueBalanceFailures(ctx, s.now().UTC())
	if err != nil {
		return 0, err
	}

	if count > 0 {
		s.logger.Info("balance failures requeued", zap.Int64("count", count))
	}

	return count, nil
}

func (s *OutboxService) GetByID(ctx context.Context, id string) (*domain.OutboxMessage, error) {
	return s.outbox.GetByID(ctx, id)
}

func (s *OutboxService) List(ctx context.Context, params repository.ListParams) ([]domain.OutboxMessage, int64, error) {
	return s.outbox.List(ctx, params)
}

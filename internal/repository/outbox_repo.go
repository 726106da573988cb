package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/larderbook/parcel-notify/internal/domain"
	"gorm.io/gorm"
)

type ListParams struct {
	Status           *domain.Status
	Intent           *domain.Intent
	From             *time.Time
	To               *time.Time
	IncludeDismissed bool
	Page             int
	PageSize         int
}

type OutboxRepository interface {
	Create(ctx context.Context, m *domain.OutboxMessage) error
	GetByID(ctx context.Context, id string) (*domain.OutboxMessage, error)
	GetByIdempotencyKey(ctx context.Context, idempotencyKey string) (*domain.OutboxMessage, error)
	List(ctx context.Context, params ListParams) ([]domain.OutboxMessage, int64, error)
	DueForDispatch(ctx context.Context, now time.Time, limit int) ([]domain.OutboxMessage, error)
	ApplySendOutcome(ctx context.Context, id string, outcome domain.SendOutcome) error
	AttachProviderStatus(ctx context.Context, providerMessageID string, status domain.ProviderStatus, at time.Time) (bool, error)
	Dismiss(ctx context.Context, id string, userID string) error
	Restore(ctx context.Context, id string) error
	RequeueBalanceFailures(ctx context.Context, now time.Time) (int64, error)
	HealthCounts(ctx context.Context, windowStart, staleBefore time.Time) (domain.HealthStats, error)
}

type GormOutboxRepo struct {
	db *gorm.DB
}

func NewGormOutboxRepo(db *gorm.DB) *GormOutboxRepo {
	return &GormOutboxRepo{db: db}
}

// Create inserts a new outbox row. A duplicate idempotency key surfaces as
// domain.ErrConflict so callers can resolve to the existing row.
func (r *GormOutboxRepo) Create(ctx context.Context, m *domain.OutboxMessage) error {
	model := outboxModelFromDomain(m)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("%w: idempotency key %q already exists", domain.ErrConflict, m.IdempotencyKey)
		}
		return err
	}
	if m != nil {
		*m = *outboxModelToDomain(model)
	}
	return nil
}

func (r *GormOutboxRepo) GetByID(ctx context.Context, id string) (*domain.OutboxMessage, error) {
	var model OutboxMessageModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return outboxModelToDomain(&model), nil
}

func (r *GormOutboxRepo) GetByIdempotencyKey(ctx context.Context, idempotencyKey string) (*domain.OutboxMessage, error) {
	// Cancelled rows keep their key but drop out of the unique index, so a
	// key can match several rows. The newest one is the live reminder.
	var model OutboxMessageModel
	err := r.db.WithContext(ctx).
		Where("idempotency_key = ?", idempotencyKey).
		Order("created_at DESC").
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return outboxModelToDomain(&model), nil
}

func (r *GormOutboxRepo) List(ctx context.Context, params ListParams) ([]domain.OutboxMessage, int64, error) {
	query := r.db.WithContext(ctx).Model(&OutboxMessageModel{})

	if params.Status != nil {
		query = query.Where("status = ?", *params.Status)
	}
	if params.Intent != nil {
		query = query.Where("intent = ?", *params.Intent)
	}
	if params.From != nil {
		query = query.Where("created_at >= ?", *params.From)
	}
	if params.To != nil {
		query = query.Where("created_at <= ?", *params.To)
	}
	if !params.IncludeDismissed {
		query = query.Where("dismissed_at IS NULL")
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page := max(params.Page, 1)
	pageSize := params.PageSize
	if pageSize < 1 {
		pageSize = 50
	}
	pageSize = min(pageSize, 100)

	var models []OutboxMessageModel
	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&models).Error
	if err != nil {
		return nil, 0, err
	}

	messages := make([]domain.OutboxMessage, 0, len(models))
	for i := range models {
		messages = append(messages, *outboxModelToDomain(&models[i]))
	}

	return messages, total, nil
}

func (r *GormOutboxRepo) DueForDispatch(ctx context.Context, now time.Time, limit int) ([]domain.OutboxMessage, error) {
	var models []OutboxMessageModel
	err := r.db.WithContext(ctx).
		Where("status IN ? AND next_attempt_at <= ?",
			[]domain.Status{domain.StatusQueued, domain.StatusRetrying}, now).
		Order("next_attempt_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	messages := make([]domain.OutboxMessage, 0, len(models))
	for i := range models {
		messages = append(messages, *outboxModelToDomain(&models[i]))
	}

	return messages, nil
}

// ApplySendOutcome advances the row's state machine in a single atomic
// update. The active-status guard makes concurrent transitions lose cleanly
// instead of clobbering a terminal row.
func (r *GormOutboxRepo) ApplySendOutcome(ctx context.Context, id string, outcome domain.SendOutcome) error {
	if err := outcome.Validate(); err != nil {
		return err
	}

	var updates map[string]any
	switch outcome.Kind {
	case domain.OutcomeSent:
		updates = map[string]any{
			"status":              domain.StatusSent,
			"provider_message_id": outcome.ProviderMessageID,
			"sent_at":             outcome.SentAt,
			"next_attempt_at":     nil,
			"attempt_count":       gorm.Expr("attempt_count + 1"),
		}
	case domain.OutcomeRetriable:
		updates = map[string]any{
			"status":             domain.StatusRetrying,
			"last_error_message": outcome.Message,
			"next_attempt_at":    outcome.NextAttemptAt,
			"attempt_count":      gorm.Expr("attempt_count + 1"),
		}
	case domain.OutcomePermanent:
		updates = map[string]any{
			"status":             domain.StatusFailed,
			"last_error_message": outcome.Message,
			"next_attempt_at":    nil,
			"attempt_count":      gorm.Expr("attempt_count + 1"),
		}
	case domain.OutcomeBalance:
		updates = map[string]any{
			"status":             domain.StatusFailed,
			"last_error_message": outcome.Message,
			"next_attempt_at":    nil,
			"attempt_count":      gorm.Expr("attempt_count + 1"),
			"is_balance_failure": true,
		}
	case domain.OutcomeCancelled:
		// Cancellation does not consume an attempt: the provider was never
		// contacted.
		updates = map[string]any{
			"status":             domain.StatusCancelled,
			"last_error_message": outcome.Message,
			"next_attempt_at":    nil,
		}
	}

	result := r.db.WithContext(ctx).
		Model(&OutboxMessageModel{}).
		Where("id = ? AND status IN ?", id,
			[]domain.Status{domain.StatusQueued, domain.StatusRetrying}).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

// AttachProviderStatus writes the provider-reported delivery state onto the
// matching sent row. Returns false without error when no row matches, so
// unknown, duplicate, and out-of-order callbacks stay harmless.
func (r *GormOutboxRepo) AttachProviderStatus(ctx context.Context, providerMessageID string, status domain.ProviderStatus, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&OutboxMessageModel{}).
		Where("provider_message_id = ? AND status = ?", providerMessageID, domain.StatusSent).
		Updates(map[string]any{
			"provider_status":            status,
			"provider_status_updated_at": at,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *GormOutboxRepo) Dismiss(ctx context.Context, id string, userID string) error {
	result := r.db.WithContext(ctx).
		Model(&OutboxMessageModel{}).
		Where("id = ? AND dismissed_at IS NULL", id).
		Updates(map[string]any{
			"dismissed_at":         time.Now().UTC(),
			"dismissed_by_user_id": userID,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		// Already dismissed is a no-op; only a missing row is an error.
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (r *GormOutboxRepo) Restore(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).
		Model(&OutboxMessageModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"dismissed_at":         nil,
			"dismissed_by_user_id": nil,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// RequeueBalanceFailures is the bulk recovery path after an operator tops up
// the provider account.
func (r *GormOutboxRepo) RequeueBalanceFailures(ctx context.Context, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&OutboxMessageModel{}).
		Where("status = ? AND is_balance_failure = ? AND dismissed_at IS NULL", domain.StatusFailed, true).
		Updates(map[string]any{
			"status":             domain.StatusQueued,
			"attempt_count":      0,
			"last_error_message": nil,
			"is_balance_failure": false,
			"next_attempt_at":    now,
		})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

func (r *GormOutboxRepo) HealthCounts(ctx context.Context, windowStart, staleBefore time.Time) (domain.HealthStats, error) {
	stats := domain.HealthStats{WindowStart: windowStart}

	type countQuery struct {
		dest  *int64
		where func(*gorm.DB) *gorm.DB
	}

	queries := []countQuery{
		{&stats.Sent, func(q *gorm.DB) *gorm.DB {
			return q.Where("status = ? AND sent_at >= ?", domain.StatusSent, windowStart)
		}},
		{&stats.Queued, func(q *gorm.DB) *gorm.DB {
			return q.Where("status IN ?", []domain.Status{domain.StatusQueued, domain.StatusRetrying})
		}},
		{&stats.Delivered, func(q *gorm.DB) *gorm.DB {
			return q.Where("status = ? AND sent_at >= ? AND provider_status = ?",
				domain.StatusSent, windowStart, domain.ProviderStatusDelivered)
		}},
		{&stats.ProviderFailed, func(q *gorm.DB) *gorm.DB {
			return q.Where("status = ? AND sent_at >= ? AND provider_status = ? AND dismissed_at IS NULL",
				domain.StatusSent, windowStart, domain.ProviderStatusFailed)
		}},
		{&stats.NotDelivered, func(q *gorm.DB) *gorm.DB {
			return q.Where("status = ? AND sent_at >= ? AND provider_status = ? AND dismissed_at IS NULL",
				domain.StatusSent, windowStart, domain.ProviderStatusNotDelivered)
		}},
		{&stats.Awaiting, func(q *gorm.DB) *gorm.DB {
			return q.Where("status = ? AND provider_status IS NULL AND sent_at > ?",
				domain.StatusSent, staleBefore)
		}},
		{&stats.InternalFailed, func(q *gorm.DB) *gorm.DB {
			return q.Where("status = ? AND created_at >= ? AND dismissed_at IS NULL",
				domain.StatusFailed, windowStart)
		}},
		{&stats.StaleUnconfirmed, func(q *gorm.DB) *gorm.DB {
			return q.Where("status = ? AND provider_status IS NULL AND sent_at <= ? AND dismissed_at IS NULL",
				domain.StatusSent, staleBefore)
		}},
	}

	for _, cq := range queries {
		query := cq.where(r.db.WithContext(ctx).Model(&OutboxMessageModel{}))
		if err := query.Count(cq.dest).Error; err != nil {
			return domain.HealthStats{}, err
		}
	}

	return stats, nil
}

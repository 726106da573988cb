package repository

import (
	"context"
	"time"

	"github.com/larderbook/parcel-notify/internal/domain"
	"gorm.io/gorm"
)

// ReminderCandidate is a parcel that needs a first-time pickup reminder.
// Parcel and household rows are owned by the case-management subsystem;
// this repository only reads them.
type ReminderCandidate struct {
	ParcelID    string    `gorm:"column:parcel_id"`
	HouseholdID string    `gorm:"column:household_id"`
	Recipient   string    `gorm:"column:recipient"`
	PickupAt    time.Time `gorm:"column:pickup_at"`
}

type CandidateRepository interface {
	DueReminderCandidates(ctx context.Context, until time.Time, limit int) ([]ReminderCandidate, error)
}

type GormCandidateRepo struct {
	db *gorm.DB
}

func NewGormCandidateRepo(db *gorm.DB) *GormCandidateRepo {
	return &GormCandidateRepo{db: db}
}

// DueReminderCandidates returns parcels whose pickup falls inside the
// rolling reminder window and which have no non-cancelled outbox row for
// the stable reminder key. The NOT EXISTS clause is what makes overlapping
// selector ticks collapse to a single enqueue.
func (r *GormCandidateRepo) DueReminderCandidates(ctx context.Context, until time.Time, limit int) ([]ReminderCandidate, error) {
	var candidates []ReminderCandidate
	err := r.db.WithContext(ctx).Raw(`
		SELECT p.id AS parcel_id, p.household_id, h.phone AS recipient, p.pickup_at
		FROM parcels p
		JOIN households h ON h.id = p.household_id
		WHERE p.deleted_at IS NULL
		  AND p.picked_up_at IS NULL
		  AND h.anonymized_at IS NULL
		  AND h.phone <> ''
		  AND p.pickup_at > now()
		  AND p.pickup_at <= ?
		  AND NOT EXISTS (
			SELECT 1 FROM outbox_messages o
			WHERE o.idempotency_key = ? || p.id
			  AND o.status <> ?
		  )
		ORDER BY p.pickup_at ASC
		LIMIT ?`,
		until,
		stableKeyPrefix(domain.IntentPickupReminder),
		domain.StatusCancelled,
		limit,
	).Scan(&candidates).Error
	if err != nil {
		return nil, err
	}
	return candidates, nil
}

func stableKeyPrefix(intent domain.Intent) string {
	// Keep in lockstep with domain.StableIdempotencyKey.
	return domain.StableIdempotencyKey(intent, "")
}

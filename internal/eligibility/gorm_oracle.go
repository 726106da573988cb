package eligibility

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

type parcelSnapshotRow struct {
	DeletedAt           *time.Time `gorm:"column:deleted_at"`
	PickedUpAt          *time.Time `gorm:"column:picked_up_at"`
	PickupAt            *time.Time `gorm:"column:pickup_at"`
	HouseholdAnonymized *time.Time `gorm:"column:anonymized_at"`
}

// GormOracle reads parcel and household flags straight from the
// case-management tables.
type GormOracle struct {
	db     *gorm.DB
	policy Policy
	now    func() time.Time
}

func NewGormOracle(db *gorm.DB, policy Policy) *GormOracle {
	return &GormOracle{
		db:     db,
		policy: policy,
		now:    time.Now,
	}
}

func (o *GormOracle) Check(ctx context.Context, targetEntityID string) (Decision, error) {
	var row parcelSnapshotRow
	err := o.db.WithContext(ctx).Raw(`
		SELECT p.deleted_at, p.picked_up_at, p.pickup_at, h.anonymized_at
		FROM parcels p
		JOIN households h ON h.id = p.household_id
		WHERE p.id = ?`,
		targetEntityID,
	).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Evaluate(Snapshot{Found: false}, o.policy, o.now()), nil
	}
	if err != nil {
		return Decision{}, err
	}

	snapshot := Snapshot{
		Found:               true,
		Deleted:             row.DeletedAt != nil,
		PickedUp:            row.PickedUpAt != nil,
		HouseholdAnonymized: row.HouseholdAnonymized != nil,
		PickupAt:            row.PickupAt,
	}

	return Evaluate(snapshot, o.policy, o.now()), nil
}

package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"

	"github.com/larderbook/parcel-notify/internal/repository"
)

func createOutboxMessagesTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_outbox_messages",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.OutboxMessageModel{}); err != nil {
				return err
			}
			// The unique key is what makes enqueue idempotent under
			// concurrent selector ticks. Cancelled rows are excluded so a
			// target can be re-enqueued after its earlier reminder was
			// cancelled (for example a rescheduled pickup).
			return tx.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_outbox_idempotency_key ON outbox_messages (idempotency_key) WHERE status <> 'CANCELLED'`).Error
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.OutboxMessageModel{})
		},
	}
}

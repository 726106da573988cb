package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

func createOutboxDispatchIndexes() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_create_outbox_dispatch_indexes",
		Migrate: func(tx *gorm.DB) error {
			indexes := []string{
				`CREATE INDEX IF NOT EXISTS idx_outbox_due ON outbox_messages (next_attempt_at) WHERE status IN ('QUEUED', 'RETRYING')`,
				`CREATE INDEX IF NOT EXISTS idx_outbox_provider_message_id ON outbox_messages (provider_message_id) WHERE provider_message_id IS NOT NULL`,
				`CREATE INDEX IF NOT EXISTS idx_outbox_target ON outbox_messages (target_entity_id)`,
				`CREATE INDEX IF NOT EXISTS idx_outbox_balance_failures ON outbox_messages (is_balance_failure) WHERE is_balance_failure AND dismissed_at IS NULL`,
				`CREATE INDEX IF NOT EXISTS idx_outbox_sent_at ON outbox_messages (sent_at) WHERE status = 'SENT'`,
			}
			for _, sql := range indexes {
				if err := tx.Exec(sql).Error; err != nil {
					return err
				}
			}
			return nil
		},
		Rollback: func(tx *gorm.DB) error {
			indexes := []string{
				`DROP INDEX IF EXISTS idx_outbox_due`,
				`DROP INDEX IF EXISTS idx_outbox_provider_message_id`,
				`DROP INDEX IF EXISTS idx_outbox_target`,
				`DROP INDEX IF EXISTS idx_outbox_balance_failures`,
				`DROP INDEX IF EXISTS idx_outbox_sent_at`,
			}
			for _, sql := range indexes {
				if err := tx.Exec(sql).Error; err != nil {
					return err
				}
			}
			return nil
		},
	}
}

package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// Migrate applies the outbox schema. The parcels and households tables are
// owned by the case-management application and are expected to exist; only
// notification state lives here.
func Migrate(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		createOutboxMessagesTable(),
		createOutboxDispatchIndexes(),
	})

	return m.Migrate()
}

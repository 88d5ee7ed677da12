package database

import (
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/soradev/kabu-assist/internal/database/migrations"
	"github.com/soradev/kabu-assist/internal/holdings"
	"github.com/soradev/kabu-assist/internal/notify"
	"github.com/soradev/kabu-assist/internal/orders"
)

// NewDatabase opens the journal database and brings its schema up to
// date. path "" selects the default file next to the binary.
func NewDatabase(path string) (*gorm.DB, error) {
	if path == "" {
		path = "assist.db"
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	err = db.AutoMigrate(
		&holdings.FillRecord{},
		&orders.OrderRecord{},
		&notify.AnnouncementRecord{},
	)
	if err != nil {
		return nil, err
	}

	if err := migrations.AddJournalIndexes(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

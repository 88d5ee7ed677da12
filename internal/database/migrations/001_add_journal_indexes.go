package migrations

import (
	"gorm.io/gorm"
)

// AddJournalIndexes creates the indexes the status API queries lean on.
// Raw SQL keeps control over the index shapes.
func AddJournalIndexes(db *gorm.DB) error {
	indexes := []string{
		// Per-symbol fill review
		`CREATE INDEX IF NOT EXISTS idx_fill_records_code_id
		 ON fill_records(code, id)`,

		// Run-scoped order listing
		`CREATE INDEX IF NOT EXISTS idx_order_records_run_id
		 ON order_records(run_id, id)`,

		// Time-based journal review
		`CREATE INDEX IF NOT EXISTS idx_order_records_accepted_at
		 ON order_records(accepted_at)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}

package holdings

import (
	"time"

	"gorm.io/gorm"

	"github.com/soradev/kabu-assist/internal/types"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// RecordFill appends one applied fill to the journal.
func (d *Database) RecordFill(ex types.ExecInfo, fill types.ExecFill) error {
	rec := FillRecord{
		UserOrderID: ex.UserOrderID,
		Code:        int(ex.Code),
		OrderType:   ex.Type.String(),
		Leverage:    ex.Leverage,
		Venue:       ex.Venue.String(),
		Quantity:    fill.Quantity,
		Price:       fill.Price,
		FillDate:    fill.Date.String(),
		FillTime:    fill.Time.String(),
		RecordedAt:  time.Now(),
	}
	return d.db.Create(&rec).Error
}

// FillsForCode returns the journaled fills for one symbol, oldest first.
func (d *Database) FillsForCode(code types.StockCode) ([]FillRecord, error) {
	var recs []FillRecord
	if err := d.db.Where("code = ?", int(code)).Order("id asc").Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

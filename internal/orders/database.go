package orders

import (
	"time"

	"gorm.io/gorm"

	"github.com/soradev/kabu-assist/internal/types"
)

// Journal is the append-only order audit store. The dispatcher never
// reads it back; it exists for post-session review and the status API.
type Journal struct {
	db    *gorm.DB
	runID string
}

func NewJournal(db *gorm.DB, runID string) *Journal {
	return &Journal{db: db, runID: runID}
}

// RecordAccepted appends one brokerage-accepted submission.
func (j *Journal) RecordAccepted(cmd *types.Command, rcv types.OrderResponse) error {
	rec := OrderRecord{
		RunID:       j.runID,
		OrderID:     rcv.OrderID,
		UserOrderID: rcv.UserOrderID,
		Code:        int(cmd.Code),
		TacticsID:   cmd.TacticsID,
		GroupID:     cmd.GroupID,
		OrderType:   cmd.Order.Type.String(),
		Venue:       cmd.Order.Venue.String(),
		Quantity:    cmd.Order.Quantity,
		Price:       cmd.Order.Price,
		Leverage:    cmd.Order.Leverage,
		AcceptedAt:  time.Now(),
	}
	return j.db.Create(&rec).Error
}

// Recent returns the latest accepted orders, newest first.
func (j *Journal) Recent(limit int) ([]OrderRecord, error) {
	var recs []OrderRecord
	if err := j.db.Order("id desc").Limit(limit).Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

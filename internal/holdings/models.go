package holdings

import (
	"time"

	"gorm.io/gorm"
)

// FillRecord is one applied fill in the audit journal. The journal is
// write-only from the engine's point of view; it exists for post-session
// review, never to rebuild live state.
type FillRecord struct {
	gorm.Model  `json:"-"`
	UserOrderID int       `json:"user_order_id"`
	Code        int       `gorm:"index" json:"code"`
	OrderType   string    `json:"order_type"`
	Leverage    bool      `json:"leverage"`
	Venue       string    `json:"venue"`
	Quantity    int       `json:"quantity"`
	Price       float64   `json:"price"`
	FillDate    string    `json:"fill_date"`
	FillTime    string    `json:"fill_time"`
	RecordedAt  time.Time `json:"recorded_at"`
}

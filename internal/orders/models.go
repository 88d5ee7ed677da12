package orders

import (
	"time"

	"gorm.io/gorm"
)

// OrderRecord is one accepted order submission in the audit journal.
type OrderRecord struct {
	gorm.Model  `json:"-"`
	RunID       string  `gorm:"index" json:"run_id"`
	OrderID     int     `json:"order_id"`
	UserOrderID int     `json:"user_order_id"`
	Code        int     `gorm:"index" json:"code"`
	TacticsID   int     `json:"tactics_id"`
	GroupID     int     `json:"group_id"`
	OrderType   string  `json:"order_type"`
	Venue       string  `json:"venue"`
	Quantity    int     `json:"quantity"`
	Price       float64 `json:"price"`
	Leverage    bool    `json:"leverage"`
	AcceptedAt  time.Time
}

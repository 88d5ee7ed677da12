package types

import (
	"fmt"
	"math"
)

// StockCode is a validated stock symbol identifier. The zero value is the
// "no code" sentinel.
type StockCode int

const (
	stockCodeMin = 1300
	stockCodeMax = 9999
)

// Valid reports whether the code falls in the tradable symbol range.
func (c StockCode) Valid() bool {
	return c >= stockCodeMin && c <= stockCodeMax
}

func (c StockCode) String() string {
	return fmt.Sprintf("%04d", int(c))
}

// Venue is the market segment an order is routed to.
type Venue int

const (
	VenueNone Venue = iota
	VenueTokyo
	VenuePTS
)

func (v Venue) String() string {
	switch v {
	case VenueTokyo:
		return "TOKYO"
	case VenuePTS:
		return "PTS"
	default:
		return "NONE"
	}
}

// OrderType distinguishes the operations the brokerage session accepts.
type OrderType int

const (
	OrderNone OrderType = iota
	OrderBuy
	OrderSell
	OrderCorrect
	OrderCancel
	OrderRepSell // repayment that closes a long position
	OrderRepBuy  // repayment that closes a short position
)

func (t OrderType) String() string {
	switch t {
	case OrderBuy:
		return "BUY"
	case OrderSell:
		return "SELL"
	case OrderCorrect:
		return "CORRECT"
	case OrderCancel:
		return "CANCEL"
	case OrderRepSell:
		return "REPSELL"
	case OrderRepBuy:
		return "REPBUY"
	default:
		return "NONE"
	}
}

// IsRepayment reports whether the type closes a leveraged position.
func (t OrderType) IsRepayment() bool {
	return t == OrderRepSell || t == OrderRepBuy
}

// OrderCondition is an execution condition attached to an order.
type OrderCondition int

const (
	CondNone OrderCondition = iota
	CondOpening
	CondClose
	CondUnpromoted // limit order that converts to market at close
)

// SamePrice compares two prices for equality. Quotes are significant to one
// decimal place, so anything closer than half a tick is the same price.
func SamePrice(a, b float64) bool {
	return math.Abs(a-b) < 0.05
}

// IsMarketPrice reports whether a requested price means "at market".
// Rule files use a negative price for market orders.
func IsMarketPrice(v float64) bool {
	return v < 0.0
}

// Order carries everything the brokerage needs for one submission.
type Order struct {
	Code        StockCode
	Quantity    int
	Price       float64
	Leverage    bool
	MarketOrder bool
	Type        OrderType
	Condition   OrderCondition
	Venue       Venue
}

// Valid checks the order for internal consistency before it is allowed
// anywhere near the brokerage session.
func (o Order) Valid() bool {
	if !o.Code.Valid() {
		return false
	}
	if o.Quantity <= 0 {
		return false
	}
	if o.MarketOrder {
		if o.Price > 0 {
			return false
		}
		if o.Condition == CondUnpromoted {
			return false
		}
	} else if o.Price < 1 {
		return false
	}
	if o.Leverage {
		// Margin trading is Tokyo only.
		if o.Venue != VenueTokyo {
			return false
		}
	} else if o.Venue != VenueTokyo && o.Venue != VenuePTS {
		return false
	}
	return o.Type != OrderNone
}

// Same reports whether the brokerage's echo matches this order on every
// attribute it echoes back.
func (o Order) Same(r OrderResponse) bool {
	return o.Code == r.Code &&
		o.Type == r.Type &&
		o.Quantity == r.Quantity &&
		o.Leverage == r.Leverage &&
		SamePrice(o.Price, r.Price)
}

// Describe renders a human-readable one-liner for notifications.
func (o Order) Describe(userOrderID int, name string) string {
	price := "market"
	if !o.MarketOrder {
		price = fmt.Sprintf("%.1f", o.Price)
	}
	return fmt.Sprintf("[#%d] %s %s(%s) x%d @%s", userOrderID, o.Type, name, o.Code, o.Quantity, price)
}

// OrderResponse is the brokerage's echo of an accepted order.
type OrderResponse struct {
	OrderID     int // brokerage-assigned, used for correct/cancel
	UserOrderID int // shown on the fills page, used for correlation
	Type        OrderType
	Venue       Venue
	Code        StockCode
	Quantity    int
	Price       float64
	Leverage    bool
}

// Position is one open leveraged lot.
type Position struct {
	Code     StockCode
	Date     Day // open date
	Price    float64
	Quantity int
	Short    bool
}

// SameLot reports whether two positions are the same lot for merge purposes.
// Quantity is deliberately not compared.
func (p Position) SameLot(r Position) bool {
	return p.Code == r.Code &&
		p.Date == r.Date &&
		SamePrice(p.Price, r.Price) &&
		p.Short == r.Short
}

// ExecFill is a single fill event within one order.
type ExecFill struct {
	Date     Day
	Time     TimeOfDay
	Quantity int
	Price    float64
}

// ExecInfo is the accumulated fill report for one order as the brokerage
// last presented it.
type ExecInfo struct {
	UserOrderID int
	Type        OrderType
	Leverage    bool
	Venue       Venue
	Complete    bool
	Code        StockCode
	Fills       []ExecFill
}

// SpotHoldings maps stock code to shares held outright.
type SpotHoldings map[StockCode]int

// Watchlist maps stock code to the brokerage's display name.
type Watchlist map[StockCode]string

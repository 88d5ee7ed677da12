package types

// CommandKind tags the trading command variants.
type CommandKind int

const (
	CmdNone CommandKind = iota
	CmdEmergency
	CmdBuySell
	CmdRepaymentLev
	CmdControl // correct or cancel an order already on the server
)

// BlankID marks an unset group/unique/order id on a command.
const BlankID = -1

// Command is one instruction for the order dispatcher. A single struct
// with a Kind tag; consumers switch on Kind and only read the fields
// that variant carries.
type Command struct {
	Kind      CommandKind
	Code      StockCode
	TacticsID int

	// order-carrying variants
	GroupID  int
	UniqueID int
	Order    Order

	// CmdEmergency: groups whose orders must be cancelled/suppressed
	TargetGroups []int

	// CmdRepaymentLev: the lot being closed; zero date means "split
	// across whatever lots are open"
	BargainDate  Day
	BargainPrice float64

	// CmdControl: brokerage-assigned id of the order to correct/cancel
	TargetOrderID int
}

// NewEmergencyCommand builds an emergency suppression command.
func NewEmergencyCommand(code StockCode, tacticsID int, targetGroups []int) Command {
	return Command{
		Kind:          CmdEmergency,
		Code:          code,
		TacticsID:     tacticsID,
		GroupID:       BlankID,
		UniqueID:      BlankID,
		TargetGroups:  targetGroups,
		TargetOrderID: BlankID,
	}
}

// NewBuySellCommand builds a fresh buy/sell order command (spot or
// leveraged new position).
func NewBuySellCommand(venue Venue, code StockCode, tacticsID, groupID, uniqueID int,
	orderType OrderType, cond OrderCondition, leverage bool, quantity int, price float64) Command {
	return Command{
		Kind:      CmdBuySell,
		Code:      code,
		TacticsID: tacticsID,
		GroupID:   groupID,
		UniqueID:  uniqueID,
		Order: Order{
			Code:        code,
			Quantity:    quantity,
			Price:       price,
			Leverage:    leverage,
			MarketOrder: IsMarketPrice(price),
			Type:        orderType,
			Condition:   cond,
			Venue:       venue,
		},
		TargetOrderID: BlankID,
	}
}

// NewRepaymentCommand builds a margin repayment command against the
// lot opened at bargainDate/bargainPrice.
func NewRepaymentCommand(venue Venue, code StockCode, tacticsID, groupID, uniqueID int,
	orderType OrderType, cond OrderCondition, quantity int, price float64,
	bargainDate Day, bargainPrice float64) Command {
	return Command{
		Kind:      CmdRepaymentLev,
		Code:      code,
		TacticsID: tacticsID,
		GroupID:   groupID,
		UniqueID:  uniqueID,
		Order: Order{
			Code:        code,
			Quantity:    quantity,
			Price:       price,
			Leverage:    true,
			MarketOrder: IsMarketPrice(price),
			Type:        orderType,
			Condition:   cond,
			Venue:       venue,
		},
		BargainDate:   bargainDate,
		BargainPrice:  bargainPrice,
		TargetOrderID: BlankID,
	}
}

// NewControlCommand derives a correct/cancel command from the order it
// targets. Everything except quantity is copied from the source so the
// brokerage sees consistent attributes.
func NewControlCommand(src Command, orderType OrderType, serverOrderID int) Command {
	c := Command{
		Kind:          CmdControl,
		Code:          src.Code,
		TacticsID:     src.TacticsID,
		GroupID:       src.GroupID,
		UniqueID:      src.UniqueID,
		Order:         src.Order,
		BargainDate:   src.BargainDate,
		BargainPrice:  src.BargainPrice,
		TargetOrderID: serverOrderID,
	}
	c.Order.Type = orderType
	return c
}

// IsOrder reports whether the command is something the brokerage can be
// asked to do (as opposed to an internal emergency marker).
func (c Command) IsOrder() bool {
	switch c.Kind {
	case CmdBuySell, CmdRepaymentLev, CmdControl:
		return true
	}
	return false
}

// SameAttrOrder reports whether both commands are orders occupying the
// same (code, tactics, group) slot. Orders in one slot are alternatives
// to each other.
func (c Command) SameAttrOrder(r Command) bool {
	if !c.IsOrder() || !r.IsOrder() {
		return false
	}
	return c.Code == r.Code && c.TacticsID == r.TacticsID && c.GroupID == r.GroupID
}

// SameBuySellOrder reports whether r is a buy/sell order in the same
// slot with the same side.
func (c Command) SameBuySellOrder(r Command) bool {
	if c.Kind != CmdBuySell || r.Kind != CmdBuySell {
		return false
	}
	if c.Order.Type != r.Order.Type {
		return false
	}
	return c.SameAttrOrder(r)
}

// OverwritePricing replaces this command's pricing with src's, keeping
// the quantity. Used for last-write-wins coalescing of queued orders.
func (c *Command) OverwritePricing(src Command) {
	if src.Kind != CmdBuySell {
		return
	}
	q := c.Order.Quantity
	c.UniqueID = src.UniqueID
	c.Order = src.Order
	c.Order.Quantity = q
}

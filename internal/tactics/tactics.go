package tactics

import (
	"github.com/rs/zerolog/log"

	"github.com/soradev/kabu-assist/internal/types"
)

// Emergency is a suppression rule: when its trigger fires, orders in
// the target groups are cancelled and kept suppressed for the
// configured cool-down.
type Emergency struct {
	Trigger      Trigger
	TargetGroups []int
}

// Order is a fresh-entry order rule.
type Order struct {
	Trigger   Trigger
	UniqueID  int
	GroupID   int
	Side      types.OrderType // OrderBuy or OrderSell
	Leverage  bool
	Quantity  int
	Condition types.OrderCondition
	ValueFunc string // resolves the order price
}

// RepOrder is a repayment order rule. A zero BargainDate means "close
// whatever lots are open, oldest first".
type RepOrder struct {
	Order
	BargainDate  types.Day
	BargainPrice float64
}

// Tactics is one named rule-set: emergencies, fresh entries and
// repayments, evaluated in that order.
type Tactics struct {
	ID          int
	Emergencies []Emergency
	Fresh       []Order
	Repayments  []RepOrder
}

// Link binds a watched symbol to a rule-set.
type Link struct {
	Code      types.StockCode
	TacticsID int
}

// EnqueueFunc receives each candidate command as it is produced.
type EnqueueFunc func(types.Command)

// Interpret evaluates the rule-set against one symbol's quote series
// and enqueues candidate commands. emGroups holds the group ids
// currently suppressed by an active emergency for this (code, tactics)
// pair.
func (t Tactics) Interpret(venue types.Venue, now, sectionStart types.TimeOfDay,
	emGroups map[int]struct{}, q *types.Quote, cb Callbacks, enqueue EnqueueFunc) {

	pts := venue == types.VenuePTS

	for _, emg := range t.Emergencies {
		if !emg.Trigger.Judge(now, sectionStart, q, cb) {
			continue
		}
		enqueue(types.NewEmergencyCommand(q.Code, t.ID, emg.TargetGroups))
	}

	for _, ord := range t.Fresh {
		if _, suppressed := emGroups[ord.GroupID]; suppressed {
			continue
		}
		if pts && ord.Leverage {
			// Margin is unavailable off-exchange.
			continue
		}
		if !ord.Trigger.Judge(now, sectionStart, q, cb) {
			continue
		}
		price, ok := t.resolvePrice(ord.ValueFunc, q, cb)
		if !ok {
			continue
		}
		enqueue(types.NewBuySellCommand(venue, q.Code, t.ID, ord.GroupID, ord.UniqueID,
			ord.Side, ord.Condition, ord.Leverage, ord.Quantity, price))
	}

	for _, rep := range t.Repayments {
		if _, suppressed := emGroups[rep.GroupID]; suppressed {
			continue
		}
		if pts && rep.Leverage {
			continue
		}
		if !rep.Trigger.Judge(now, sectionStart, q, cb) {
			continue
		}
		price, ok := t.resolvePrice(rep.ValueFunc, q, cb)
		if !ok {
			continue
		}
		if !rep.Leverage {
			// Plain spot sell closes a cash holding.
			enqueue(types.NewBuySellCommand(venue, q.Code, t.ID, rep.GroupID, rep.UniqueID,
				types.OrderSell, rep.Condition, false, rep.Quantity, price))
			continue
		}
		orderType := types.OrderRepSell
		if rep.Side == types.OrderBuy {
			orderType = types.OrderRepBuy
		}
		enqueue(types.NewRepaymentCommand(venue, q.Code, t.ID, rep.GroupID, rep.UniqueID,
			orderType, rep.Condition, rep.Quantity, price, rep.BargainDate, rep.BargainPrice))
	}
}

func (t Tactics) resolvePrice(ref string, q *types.Quote, cb Callbacks) (float64, bool) {
	latest, ok := q.Latest()
	if !ok {
		return 0, false
	}
	price, err := cb.Value(ref, latest.Price, q.High, q.Low, q.PrevClose)
	if err != nil {
		log.Error().Err(err).Str("value_func", ref).Stringer("code", q.Code).
			Msg("price resolution failed, dropping candidate")
		return 0, false
	}
	return price, true
}

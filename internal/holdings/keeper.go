// Package holdings tracks what the account actually owns: spot share
// counts and open margin lots, reconciled against the brokerage's fill
// reports. It is the source of truth the dispatcher consults before it
// lets any sell or repayment go out.
package holdings

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/soradev/kabu-assist/internal/types"
)

// RepaymentTarget identifies the lot a repayment order was issued
// against. The dispatcher supplies these keyed by user order id when it
// forwards fill diffs.
type RepaymentTarget struct {
	Date  types.Day
	Price float64
}

type lot struct {
	id  int
	pos types.Position
}

// Keeper is the in-memory ledger. Not safe for concurrent use; the
// owner serializes access (the trading machine holds its lock across
// every call).
type Keeper struct {
	spot      types.SpotHoldings
	positions map[types.StockCode][]lot

	// lot ids correlate same-day fills back to the lots they created.
	// Lots carried over from previous sessions get fresh ids on load.
	lotIDSource int

	// last seen fill snapshot per user order id
	todayExec map[int]types.ExecInfo

	db     *Database
	logger zerolog.Logger
}

// NewKeeper returns an empty ledger. db may be nil to skip journaling.
func NewKeeper(db *Database) *Keeper {
	return &Keeper{
		spot:      types.SpotHoldings{},
		positions: map[types.StockCode][]lot{},
		todayExec: map[int]types.ExecInfo{},
		db:        db,
		logger:    log.With().Str("component", "holdings").Logger(),
	}
}

func (k *Keeper) issueLotID() int {
	k.lotIDSource++
	return k.lotIDSource
}

// UpdateHoldings replaces the ledger with a full snapshot from the
// brokerage. Spot counts are overwritten wholesale. Incoming positions
// keep their lot id when they match a known lot, get a fresh id when
// new; known lots absent from the snapshot are dropped.
func (k *Keeper) UpdateHoldings(spot types.SpotHoldings, positions []types.Position) {
	k.spot = types.SpotHoldings{}
	for code, n := range spot {
		k.spot[code] = n
	}

	next := map[types.StockCode][]lot{}
	for _, pos := range positions {
		id := 0
		for _, known := range k.positions[pos.Code] {
			if known.pos.SameLot(pos) {
				id = known.id
				break
			}
		}
		if id == 0 {
			id = k.issueLotID()
		}
		next[pos.Code] = append(next[pos.Code], lot{id: id, pos: pos})
	}
	k.positions = next

	k.logger.Info().
		Int("spot_symbols", len(k.spot)).
		Int("position_symbols", len(k.positions)).
		Msg("holdings snapshot applied")
}

// GetExecInfoDiff compares a received fill report against the retained
// snapshots and returns only what is new: whole entries for unseen
// orders, appended fills for known ones. Fill lists are append-only on
// the brokerage side; a shrinking list means the report and our cache
// disagree about which order this is. The shrunk order is reported as
// an error and its fills are left out of the diff, the other orders
// still diff normally.
func (k *Keeper) GetExecInfoDiff(received []types.ExecInfo) ([]types.ExecInfo, error) {
	var diff []types.ExecInfo
	var errs []error
	for _, rcv := range received {
		prev, seen := k.todayExec[rcv.UserOrderID]
		if !seen {
			diff = append(diff, rcv)
			continue
		}
		switch {
		case len(rcv.Fills) > len(prev.Fills):
			d := rcv
			d.Fills = rcv.Fills[len(prev.Fills):]
			diff = append(diff, d)
		case len(rcv.Fills) < len(prev.Fills):
			errs = append(errs, fmt.Errorf("fill report for order #%d shrank from %d to %d entries",
				rcv.UserOrderID, len(prev.Fills), len(rcv.Fills)))
		}
	}
	return diff, errors.Join(errs...)
}

// UpdateExecInfo applies a fill diff to the ledger and retains the full
// received report for the next diff. repayments maps user order id to
// the lot each repayment order targeted.
func (k *Keeper) UpdateExecInfo(received, diff []types.ExecInfo, repayments map[int]RepaymentTarget) {
	for _, d := range diff {
		if !d.Leverage {
			k.applySpot(d)
		} else {
			k.applyPosition(d, repayments)
		}
	}
	for _, rcv := range received {
		k.todayExec[rcv.UserOrderID] = rcv
	}
}

func (k *Keeper) applySpot(d types.ExecInfo) {
	switch d.Type {
	case types.OrderBuy:
		for _, ex := range d.Fills {
			k.spot[d.Code] += ex.Quantity
			k.journalFill(d, ex)
		}
	case types.OrderSell:
		for _, ex := range d.Fills {
			have, ok := k.spot[d.Code]
			if !ok {
				k.logger.Error().Stringer("code", d.Code).Msg("spot sell fill for stock we do not hold")
				continue
			}
			if have <= ex.Quantity {
				delete(k.spot, d.Code)
			} else {
				k.spot[d.Code] = have - ex.Quantity
			}
			k.journalFill(d, ex)
		}
	default:
		k.logger.Error().Stringer("code", d.Code).Stringer("type", d.Type).Msg("unexpected spot fill type")
	}
}

func (k *Keeper) applyPosition(d types.ExecInfo, repayments map[int]RepaymentTarget) {
	switch d.Type {
	case types.OrderBuy, types.OrderSell:
		short := d.Type == types.OrderSell
		for _, ex := range d.Fills {
			k.addPosition(d.Code, ex.Date, ex.Price, short, ex.Quantity)
			k.journalFill(d, ex)
		}
	case types.OrderRepBuy, types.OrderRepSell:
		target, ok := repayments[d.UserOrderID]
		if ok && target.Date.IsZero() {
			ok = false
		}
		if !ok {
			k.logger.Error().Int("user_order_id", d.UserOrderID).
				Msg("repayment fill with no matching repayment order")
			return
		}
		// A repayment buy closes short lots, a repayment sell long ones.
		short := d.Type == types.OrderRepBuy
		for _, ex := range d.Fills {
			k.decPosition(d.Code, target.Date, target.Price, short, ex.Quantity)
			k.journalFill(d, ex)
		}
	default:
		k.logger.Error().Stringer("code", d.Code).Stringer("type", d.Type).Msg("unexpected leveraged fill type")
	}
}

func (k *Keeper) addPosition(code types.StockCode, date types.Day, price float64, short bool, quantity int) {
	if quantity <= 0 {
		return
	}
	lots := k.positions[code]
	for i := range lots {
		p := &lots[i].pos
		if p.Short == short && p.Date == date && types.SamePrice(p.Price, price) {
			p.Quantity += quantity
			return
		}
	}
	pos := types.Position{Code: code, Date: date, Price: price, Quantity: quantity, Short: short}
	k.positions[code] = append(lots, lot{id: k.issueLotID(), pos: pos})
}

func (k *Keeper) decPosition(code types.StockCode, date types.Day, price float64, short bool, quantity int) {
	if quantity <= 0 {
		return
	}
	lots := k.positions[code]
	for i := range lots {
		p := &lots[i].pos
		if p.Short != short || p.Date != date || !types.SamePrice(p.Price, price) {
			continue
		}
		if p.Quantity > quantity {
			p.Quantity -= quantity
		} else {
			// repaid in full, drop the lot
			k.positions[code] = append(lots[:i], lots[i+1:]...)
		}
		return
	}
	k.logger.Error().Stringer("code", code).Stringer("date", date).
		Float64("price", price).Bool("short", short).
		Msg("repayment fill matched no open lot")
}

// SpotQuantity returns the spot share count held for a symbol.
func (k *Keeper) SpotQuantity(code types.StockCode) int {
	return k.spot[code]
}

// CheckSpotStock reports whether at least quantity spot shares are held.
func (k *Keeper) CheckSpotStock(code types.StockCode, quantity int) bool {
	return k.spot[code] >= quantity
}

// CheckPositionQty reports whether the lots on one side of a symbol sum
// to at least quantity shares.
func (k *Keeper) CheckPositionQty(code types.StockCode, short bool, quantity int) bool {
	sum := 0
	for _, l := range k.positions[code] {
		if l.pos.Short != short {
			continue
		}
		sum += l.pos.Quantity
		if sum >= quantity {
			return true
		}
	}
	return false
}

// CheckPositionLots reports whether any of the given lot ids is still
// open for the symbol.
func (k *Keeper) CheckPositionLots(code types.StockCode, lotIDs []int) bool {
	for _, id := range lotIDs {
		for _, l := range k.positions[code] {
			if l.id == id {
				return true
			}
		}
	}
	return false
}

// PositionQuantity returns the exact-match lot quantity, or 0.
func (k *Keeper) PositionQuantity(code types.StockCode, date types.Day, price float64, short bool) int {
	if date.IsZero() {
		return 0
	}
	for _, l := range k.positions[code] {
		p := l.pos
		if p.Short == short && p.Date == date && types.SamePrice(p.Price, price) {
			return p.Quantity
		}
	}
	return 0
}

// CheckPositionExact reports whether the exact-match lot holds at least
// quantity shares.
func (k *Keeper) CheckPositionExact(code types.StockCode, date types.Day, price float64, short bool, quantity int) bool {
	return k.PositionQuantity(code, date, price, short) >= quantity
}

// Positions returns a copy of the open lots on one side of a symbol, in
// ledger order. Callers may split repayments across them front to back.
func (k *Keeper) Positions(code types.StockCode, short bool) []types.Position {
	var out []types.Position
	for _, l := range k.positions[code] {
		if l.pos.Short == short {
			out = append(out, l.pos)
		}
	}
	return out
}

// PositionIDs resolves a completed fresh-leverage order to the ids of
// the lots its fills created, matched by open date and price.
func (k *Keeper) PositionIDs(userOrderID int) []int {
	ex, ok := k.todayExec[userOrderID]
	if !ok {
		return nil
	}
	if !ex.Leverage || (ex.Type != types.OrderBuy && ex.Type != types.OrderSell) {
		return nil
	}
	short := ex.Type == types.OrderSell
	var ids []int
	for _, fill := range ex.Fills {
		for _, l := range k.positions[ex.Code] {
			p := l.pos
			if p.Short == short && p.Date == fill.Date && types.SamePrice(p.Price, fill.Price) {
				ids = append(ids, l.id)
			}
		}
	}
	return ids
}

func (k *Keeper) journalFill(d types.ExecInfo, ex types.ExecFill) {
	if k.db == nil {
		return
	}
	if err := k.db.RecordFill(d, ex); err != nil {
		k.logger.Error().Err(err).Int("user_order_id", d.UserOrderID).Msg("failed to journal fill")
	}
}

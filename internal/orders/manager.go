// Package orders owns the command queue and the order dispatcher: the
// admission logic that decides which rule-generated candidates become
// real orders, and the single-in-flight submission loop against the
// brokerage session.
package orders

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/soradev/kabu-assist/internal/exchange"
	"github.com/soradev/kabu-assist/internal/holdings"
	"github.com/soradev/kabu-assist/internal/metrics"
	"github.com/soradev/kabu-assist/internal/notify"
	"github.com/soradev/kabu-assist/internal/tactics"
	"github.com/soradev/kabu-assist/internal/types"
)

// minOrderInterval spaces consecutive submissions after the last order
// reply. The brokerage throttles bursts; one second keeps us under it.
const minOrderInterval = int64(time.Second / time.Millisecond)

// emergencyState is one active suppression, keyed by symbol and
// rule-set. The timer counts down across Update ticks.
type emergencyState struct {
	code      types.StockCode
	tacticsID int
	groups    map[int]struct{}
	timer     int64 // remaining ms
}

func (e *emergencyState) addGroups(groups []int) {
	for _, g := range groups {
		e.groups[g] = struct{}{}
	}
}

// execOrderRecord remembers a completed entry order so the same
// (tactics, group) slot cannot re-enter while its lots are still open.
type execOrderRecord struct {
	tacticsID int
	groupID   int
	uniqueID  int
	lotIDs    []int
}

// Manager is the dispatcher. All exported methods lock; the brokerage
// callbacks race against the tick thread and take the same lock.
type Manager struct {
	session  exchange.Session
	notifier notify.Notifier
	keeper   *holdings.Keeper
	journal  *Journal

	rules     map[int]tactics.Tactics
	links     []tactics.Link
	callbacks tactics.Callbacks

	emergencyCooldown int64 // ms

	mu sync.Mutex

	names  types.Watchlist
	quotes map[types.Venue]map[types.StockCode]*types.Quote

	holdLock bool

	commands    []*types.Command
	emergencies []*emergencyState
	inFlight    *types.Command

	// confirmed orders keyed by brokerage order id, per venue
	serverOrders  map[types.Venue]map[int]*types.Command
	orderIDByUser map[int]int // display id -> brokerage id

	execOrders map[types.StockCode][]execOrderRecord

	venue              types.Venue
	tick               int64
	lastOrderReplyTick int64

	logger zerolog.Logger
}

// NewManager wires a dispatcher against a brokerage session. The
// cool-down is how long an emergency keeps its groups suppressed.
func NewManager(session exchange.Session, notifier notify.Notifier, keeper *holdings.Keeper,
	rules map[int]tactics.Tactics, links []tactics.Link, cb tactics.Callbacks,
	emergencyCooldown time.Duration) *Manager {
	return &Manager{
		session:           session,
		notifier:          notifier,
		keeper:            keeper,
		rules:             rules,
		links:             links,
		callbacks:         cb,
		emergencyCooldown: emergencyCooldown.Milliseconds(),
		quotes:            map[types.Venue]map[types.StockCode]*types.Quote{},
		serverOrders:      map[types.Venue]map[int]*types.Command{},
		orderIDByUser:     map[int]int{},
		execOrders:        map[types.StockCode][]execOrderRecord{},
		venue:             types.VenueNone,
		logger:            log.With().Str("component", "orders").Logger(),
	}
}

// SetJournal attaches the order audit journal. Writes are best effort;
// a failed journal write never blocks dispatching.
func (m *Manager) SetJournal(j *Journal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.journal = j
}

// MonitoringCodes lists every symbol a rule-set is linked to.
func (m *Manager) MonitoringCodes() []types.StockCode {
	seen := map[types.StockCode]struct{}{}
	var codes []types.StockCode
	for _, link := range m.links {
		if _, dup := seen[link.Code]; dup {
			continue
		}
		seen[link.Code] = struct{}{}
		codes = append(codes, link.Code)
	}
	return codes
}

// InitMonitoring accepts the watchlist echo from the brokerage and
// prepares the quote series for one venue. Every linked symbol must be
// present in the echo or the whole venue start is refused.
func (m *Manager) InitMonitoring(venue types.Venue, names types.Watchlist) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, code := range m.MonitoringCodes() {
		if _, ok := names[code]; !ok {
			return fmt.Errorf("watchlist echo is missing %s", code)
		}
	}
	if _, ok := m.quotes[venue]; !ok {
		series := map[types.StockCode]*types.Quote{}
		for _, code := range m.MonitoringCodes() {
			series[code] = types.NewQuote(code)
		}
		m.quotes[venue] = series
		m.names = names
	}
	return nil
}

// Busy reports whether an order is awaiting its brokerage callback.
func (m *Manager) Busy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inFlight != nil
}

// ApplyQuotes folds a quote refresh into the venue's series.
func (m *Manager) ApplyQuotes(venue types.Venue, serverTime types.TimeOfDay, rcv []types.RcvQuote) {
	m.mu.Lock()
	defer m.mu.Unlock()

	series, ok := m.quotes[venue]
	if !ok {
		m.logger.Error().Stringer("venue", venue).Msg("quote refresh for uninitialized venue")
		return
	}
	for _, r := range rcv {
		q, ok := series[r.Code]
		if !ok {
			m.logger.Error().Stringer("code", r.Code).Msg("quote refresh for unwatched symbol")
			continue
		}
		q.Apply(r, serverTime)
	}
}

// UpdateHoldings replaces the ledger's holdings snapshot.
func (m *Manager) UpdateHoldings(spot types.SpotHoldings, positions []types.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keeper.UpdateHoldings(spot, positions)
}

// Update runs one dispatcher cycle: age out emergencies, evaluate the
// rules against fresh quotes, then try to issue the queue head.
// tickCount is elapsed milliseconds from the machine's clock.
func (m *Manager) Update(ctx context.Context, tickCount int64, now, sectionStart types.TimeOfDay,
	venue types.Venue, password string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// A venue switch invalidates everything queued for the old one.
	if venue != m.venue {
		m.commands = nil
		m.emergencies = nil
	}

	elapsed := tickCount - m.tick
	kept := m.emergencies[:0]
	for _, em := range m.emergencies {
		em.timer -= elapsed
		if em.timer > 0 {
			kept = append(kept, em)
		}
	}
	m.emergencies = kept

	m.interpretTactics(venue, now, sectionStart)
	m.issueOrder(ctx, venue, password, tickCount)

	m.tick = tickCount
	m.venue = venue
	metrics.QueueDepth.Set(float64(len(m.commands)))
}

func (m *Manager) interpretTactics(venue types.Venue, now, sectionStart types.TimeOfDay) {
	series := m.quotes[venue]
	if series == nil {
		return
	}
	for _, link := range m.links {
		q, ok := series[link.Code]
		if !ok || len(q.Ticks) == 0 {
			continue
		}
		tac, ok := m.rules[link.TacticsID]
		if !ok {
			continue
		}
		emGroups := m.emergencyGroups(link.Code, link.TacticsID)
		tac.Interpret(venue, now, sectionStart, emGroups, q, m.callbacks,
			func(c types.Command) { m.entryCommand(&c, venue) })
	}
}

func (m *Manager) emergencyGroups(code types.StockCode, tacticsID int) map[int]struct{} {
	for _, em := range m.emergencies {
		if em.code == code && em.tacticsID == tacticsID {
			return em.groups
		}
	}
	return nil
}

// entryCommand is admission control: dedup, staleness, re-entry and
// holdings checks before a candidate joins the queue. Rejections are
// silent; they are the steady-state outcome of rules firing every tick.
func (m *Manager) entryCommand(cmd *types.Command, venue types.Venue) {
	if m.holdLock {
		return
	}

	switch cmd.Kind {
	case types.CmdEmergency:
		m.entryEmergencyState(cmd)
		m.cancelOrderCommand(cmd, venue)

	case types.CmdBuySell, types.CmdRepaymentLev:
		if m.inFlight != nil && cmd.SameAttrOrder(*m.inFlight) {
			// Same slot is awaiting its callback; deal with it after.
			metrics.CommandsRejected.WithLabelValues("in_flight").Inc()
			return
		}
		if m.checkServerOrder(cmd, venue) {
			metrics.CommandsRejected.WithLabelValues("superseded").Inc()
			return
		}
		if !m.admitHoldings(cmd, venue) {
			metrics.CommandsRejected.WithLabelValues("holdings").Inc()
			return
		}
		m.commands = append(m.commands, cmd)
	}
}

// admitHoldings runs the holdings-dependent part of admission: re-entry
// suppression for entry orders, quantity expansion and lot splitting
// for sells and repayments. It may mutate cmd and prepend extra
// commands for split lots.
func (m *Manager) admitHoldings(cmd *types.Command, venue types.Venue) bool {
	code := cmd.Code
	odType := cmd.Order.Type
	leverage := cmd.Order.Leverage

	// Entry orders may not re-enter a slot whose previous entry still
	// has open lots (or, for spot, at all: same-day round trips hit
	// settlement restrictions).
	if odType == types.OrderBuy || (odType == types.OrderSell && leverage) {
		for _, rec := range m.execOrders[code] {
			if rec.tacticsID != cmd.TacticsID || rec.groupID != cmd.GroupID {
				continue
			}
			if !leverage {
				return false
			}
			if m.keeper.CheckPositionLots(code, rec.lotIDs) {
				return false
			}
		}
	}

	switch {
	case odType.IsRepayment():
		// Repaying a buy closes short lots and vice versa.
		short := odType == types.OrderRepBuy
		if !cmd.BargainDate.IsZero() {
			have := m.keeper.PositionQuantity(code, cmd.BargainDate, cmd.BargainPrice, short)
			if have <= 0 {
				return false
			}
			if cmd.Order.Quantity < 0 {
				cmd.Order.Quantity = have
			} else if have < cmd.Order.Quantity {
				return false
			}
			return true
		}
		return m.splitRepayment(cmd, venue, short)

	case odType == types.OrderSell && !leverage:
		have := m.keeper.SpotQuantity(code)
		if have <= 0 {
			return false
		}
		if cmd.Order.Quantity < 0 {
			cmd.Order.Quantity = have
		} else if have < cmd.Order.Quantity {
			return false
		}
	}
	return true
}

// splitRepayment expands a lot-unspecified repayment across the open
// lots, oldest first. The first lot rides cmd itself; further lots get
// cloned commands prepended to the queue.
func (m *Manager) splitRepayment(cmd *types.Command, venue types.Venue, short bool) bool {
	code := cmd.Code
	req := cmd.Order.Quantity
	if !m.keeper.CheckPositionQty(code, short, req) {
		return false
	}
	posList := m.keeper.Positions(code, short)
	if len(posList) == 0 {
		return false
	}

	first := true
	for _, pos := range posList {
		var qty int
		switch {
		case req < 0:
			qty = pos.Quantity
		case req > pos.Quantity:
			qty = pos.Quantity
			req -= pos.Quantity
		default:
			qty = req
			req = 0
		}
		if first {
			cmd.Order.Quantity = qty
			cmd.BargainDate = pos.Date
			cmd.BargainPrice = pos.Price
			first = false
		} else {
			extra := types.NewRepaymentCommand(venue, code, cmd.TacticsID, cmd.GroupID,
				cmd.UniqueID, cmd.Order.Type, cmd.Order.Condition, qty, cmd.Order.Price,
				pos.Date, pos.Price)
			m.commands = append([]*types.Command{&extra}, m.commands...)
		}
		if req == 0 {
			break
		}
	}
	return true
}

// checkServerOrder resolves a candidate against orders already on the
// server and orders still queued. Returns true when the candidate must
// not be queued itself, either because a peer won or because it was
// folded into an existing order.
func (m *Manager) checkServerOrder(cmd *types.Command, venue types.Venue) bool {
	reject := false

	for orderID, sv := range m.serverOrders[venue] {
		if !cmd.SameAttrOrder(*sv) {
			continue
		}
		reject = true
		if sv.UniqueID >= cmd.UniqueID {
			// Same or higher-priority order already placed.
			continue
		}
		// The placed order lost to a newer candidate; re-price it.
		correct := types.NewControlCommand(*cmd, types.OrderCorrect, orderID)
		m.commands = append(m.commands, &correct)
	}

	for _, queued := range m.commands {
		if !queued.SameBuySellOrder(*cmd) {
			continue
		}
		reject = true
		if cmd.UniqueID > queued.UniqueID {
			// Last write wins while still queued.
			queued.OverwritePricing(*cmd)
		}
	}
	return reject
}

func (m *Manager) entryEmergencyState(cmd *types.Command) {
	metrics.EmergencyTriggers.Inc()
	for _, em := range m.emergencies {
		if em.code == cmd.Code && em.tacticsID == cmd.TacticsID {
			em.addGroups(cmd.TargetGroups)
			em.timer = m.emergencyCooldown
			return
		}
	}
	st := &emergencyState{
		code:      cmd.Code,
		tacticsID: cmd.TacticsID,
		groups:    map[int]struct{}{},
		timer:     m.emergencyCooldown,
	}
	st.addGroups(cmd.TargetGroups)
	m.emergencies = append(m.emergencies, st)
}

// cancelOrderCommand drops queued orders caught by an emergency and
// prepends cancels for the ones already on the server.
func (m *Manager) cancelOrderCommand(cmd *types.Command, venue types.Venue) {
	targets := map[int]struct{}{}
	for _, g := range cmd.TargetGroups {
		targets[g] = struct{}{}
	}

	kept := m.commands[:0]
	for _, queued := range m.commands {
		remove := false
		if queued.IsOrder() &&
			queued.Code == cmd.Code && queued.TacticsID == cmd.TacticsID &&
			queued.Order.Type != types.OrderCancel {
			_, remove = targets[queued.GroupID]
		}
		if !remove {
			kept = append(kept, queued)
		}
	}
	m.commands = kept

	for orderID, sv := range m.serverOrders[venue] {
		if sv.Code != cmd.Code || sv.TacticsID != cmd.TacticsID {
			continue
		}
		if m.cancelAlreadyQueued(orderID) {
			continue
		}
		if _, hit := targets[sv.GroupID]; hit {
			cancel := types.NewControlCommand(*sv, types.OrderCancel, orderID)
			m.commands = append([]*types.Command{&cancel}, m.commands...)
		}
	}
}

func (m *Manager) cancelAlreadyQueued(serverOrderID int) bool {
	for _, queued := range m.commands {
		if queued.Order.Type == types.OrderCancel && queued.TargetOrderID == serverOrderID {
			return true
		}
	}
	return false
}

// issueOrder pops the queue head into the in-flight slot and attempts
// submission. A synchronous rejection frees the slot so the next tick
// can try the next command.
func (m *Manager) issueOrder(ctx context.Context, venue types.Venue, password string, tickCount int64) {
	if len(m.commands) == 0 || m.inFlight != nil {
		return
	}
	head := m.commands[0]
	m.commands = m.commands[1:]
	m.inFlight = head

	if !m.issueOrderCore(ctx, head, venue, password, tickCount) {
		m.inFlight = nil
	}
}

func (m *Manager) issueOrderCore(ctx context.Context, cmd *types.Command, venue types.Venue,
	password string, tickCount int64) bool {
	if !cmd.IsOrder() {
		m.logger.Error().Int("kind", int(cmd.Kind)).Msg("non-order command reached the queue")
		return false
	}
	if m.holdLock {
		return false
	}
	if tickCount < m.lastOrderReplyTick+minOrderInterval {
		// Anti-flood spacing from the last order reply.
		return false
	}

	cb := func(ok bool, rcv types.OrderResponse, serverTime time.Time) {
		m.orderCallback(ok, rcv, serverTime, venue)
	}

	order := cmd.Order
	switch order.Type {
	case types.OrderBuy:
		m.session.PlaceOrder(ctx, order, password, cb)
	case types.OrderSell:
		if !order.Leverage && !m.keeper.CheckSpotStock(cmd.Code, order.Quantity) {
			// Holdings changed since admission.
			return false
		}
		m.session.PlaceOrder(ctx, order, password, cb)
	case types.OrderCorrect:
		m.session.CorrectOrder(ctx, cmd.TargetOrderID, order, password, cb)
	case types.OrderCancel:
		m.session.CancelOrder(ctx, cmd.TargetOrderID, password, cb)
	case types.OrderRepSell, types.OrderRepBuy:
		short := order.Type == types.OrderRepBuy
		if !m.keeper.CheckPositionExact(cmd.Code, cmd.BargainDate, cmd.BargainPrice, short, order.Quantity) {
			return false
		}
		m.session.RepayOrder(ctx, cmd.BargainDate, cmd.BargainPrice, order, password, cb)
	default:
		m.logger.Error().Stringer("type", order.Type).Msg("unissuable order type in queue")
		return false
	}

	metrics.OrdersSubmitted.WithLabelValues(order.Type.String()).Inc()
	return true
}

// orderCallback handles the brokerage's reply to a submission. The
// in-flight slot is released whatever the outcome; a failure sets the
// hold-lock until the next fill reconciliation.
func (m *Manager) orderCallback(ok bool, rcv types.OrderResponse, serverTime time.Time, venue types.Venue) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastOrderReplyTick = m.tick

	date := serverTime.Format(time.RFC1123)
	if m.inFlight == nil {
		m.logger.Error().Msg("order reply with no order in flight")
		m.notifier.Announce(date, "order reply with no order in flight")
		return
	}
	sent := m.inFlight
	message := "order accepted"
	if !ok {
		message = "order failed"
	}
	var errMsg string

	if ok {
		if !sent.Order.Same(rcv) {
			errMsg = "reply does not match the submitted order"
		}
		switch sent.Order.Type {
		case types.OrderBuy, types.OrderSell, types.OrderRepSell, types.OrderRepBuy:
			if m.serverOrders[venue] == nil {
				m.serverOrders[venue] = map[int]*types.Command{}
			}
			m.serverOrders[venue][rcv.OrderID] = sent
			m.orderIDByUser[rcv.UserOrderID] = rcv.OrderID
		case types.OrderCorrect:
			if sv := m.lookupServerOrder(venue, rcv.UserOrderID); sv != nil {
				sv.Order.Price = sent.Order.Price
			} else {
				errMsg = "corrected order not found on record"
			}
		case types.OrderCancel:
			if orderID, known := m.orderIDByUser[rcv.UserOrderID]; known {
				delete(m.serverOrders[venue], orderID)
			} else {
				errMsg = "cancelled order not found on record"
			}
		}
	}

	if ok && m.journal != nil && sent.IsOrder() && sent.Order.Type != types.OrderCorrect && sent.Order.Type != types.OrderCancel {
		if err := m.journal.RecordAccepted(sent, rcv); err != nil {
			m.logger.Error().Err(err).Msg("order journal write failed")
		}
	}

	if sent.Order.Type != types.OrderNone {
		message = sent.Order.Describe(rcv.UserOrderID, m.names[sent.Code]) + " " + message
	}
	if errMsg != "" {
		m.logger.Error().Str("detail", errMsg).Msg("order reply bookkeeping problem")
		message += " (" + errMsg + ")"
	}
	m.notifier.Announce(date, message)

	m.inFlight = nil
	if !ok {
		m.holdLock = true
		metrics.HoldLock.Set(1)
		metrics.OrdersFailed.Inc()
	}
}

func (m *Manager) lookupServerOrder(venue types.Venue, userOrderID int) *types.Command {
	orderID, ok := m.orderIDByUser[userOrderID]
	if !ok {
		return nil
	}
	return m.serverOrders[venue][orderID]
}

// UpdateExecInfo reconciles a fill report: releases the hold-lock,
// applies the diff to the ledger, retires completed server orders and
// announces every new fill. The returned error reports a data integrity
// problem; the caller logs and carries on.
func (m *Manager) UpdateExecInfo(rcv []types.ExecInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// A fresh fill snapshot is the ground truth that makes it safe to
	// order again.
	m.holdLock = false
	metrics.HoldLock.Set(0)

	// A shrunk report is surfaced to the caller, but reconciliation
	// still runs: the healthy orders' fills apply and the offending
	// snapshot resyncs below, so the next poll diffs cleanly again.
	diff, err := m.keeper.GetExecInfoDiff(rcv)
	if len(diff) == 0 && err == nil {
		return nil
	}

	// Correlate repayment fills back to the lot each order targeted.
	repayments := map[int]holdings.RepaymentTarget{}
	for _, d := range diff {
		if !d.Type.IsRepayment() {
			continue
		}
		sv := m.lookupServerOrder(types.VenueTokyo, d.UserOrderID)
		if sv == nil {
			// Placed outside this tool; nothing to correlate.
			continue
		}
		repayments[d.UserOrderID] = holdings.RepaymentTarget{Date: sv.BargainDate, Price: sv.BargainPrice}
	}

	m.keeper.UpdateExecInfo(rcv, diff, repayments)
	for _, d := range diff {
		metrics.FillsApplied.Add(float64(len(d.Fills)))
	}

	// Retire re-entry records whose lots are all closed now.
	for code, recs := range m.execOrders {
		kept := recs[:0]
		for _, rec := range recs {
			if m.keeper.CheckPositionLots(code, rec.lotIDs) {
				kept = append(kept, rec)
			}
		}
		m.execOrders[code] = kept
	}

	for _, d := range diff {
		sv := m.lookupServerOrder(d.Venue, d.UserOrderID)
		if sv == nil {
			continue
		}
		m.announceFills(sv, d)
		if !d.Complete {
			continue
		}
		if d.Leverage && (d.Type == types.OrderBuy || d.Type == types.OrderSell) {
			m.execOrders[d.Code] = append(m.execOrders[d.Code], execOrderRecord{
				tacticsID: sv.TacticsID,
				groupID:   sv.GroupID,
				uniqueID:  sv.UniqueID,
				lotIDs:    m.keeper.PositionIDs(d.UserOrderID),
			})
		} else if d.Type == types.OrderBuy {
			m.execOrders[d.Code] = append(m.execOrders[d.Code], execOrderRecord{
				tacticsID: sv.TacticsID,
				groupID:   sv.GroupID,
				uniqueID:  sv.UniqueID,
			})
		}
		delete(m.serverOrders[d.Venue], m.orderIDByUser[d.UserOrderID])
	}
	return err
}

func (m *Manager) announceFills(sv *types.Command, d types.ExecInfo) {
	name := m.names[sv.Code]
	for _, fill := range d.Fills {
		text := fmt.Sprintf("[#%d] filled %s(%s) x%d @%.1f",
			d.UserOrderID, name, sv.Code, fill.Quantity, fill.Price)
		m.notifier.Announce(fmt.Sprintf("%s %s JST", fill.Date, fill.Time), text)
	}
}

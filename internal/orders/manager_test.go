package orders

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soradev/kabu-assist/internal/exchange"
	"github.com/soradev/kabu-assist/internal/holdings"
	"github.com/soradev/kabu-assist/internal/notify"
	"github.com/soradev/kabu-assist/internal/types"
)

// fakeSession records submissions and hands the callback to the test,
// which replies when it chooses to.
type fakeSession struct {
	placed   []types.Order
	corrects []int
	cancels  []int
	repaid   []types.Day
	lastCB   exchange.OrderCallback
}

func (f *fakeSession) Login(context.Context, string, string, exchange.LoginCallback) {}
func (f *fakeSession) RegisterWatchlist(context.Context, []types.StockCode, types.Venue, func(bool, types.Watchlist)) {
}
func (f *fakeSession) GetHoldings(context.Context, exchange.HoldingsCallback) {}
func (f *fakeSession) GetQuotes(context.Context, exchange.QuotesCallback)    {}
func (f *fakeSession) GetFills(context.Context, exchange.FillsCallback)      {}
func (f *fakeSession) UpdateMargin(context.Context, func(bool))              {}
func (f *fakeSession) LastAccessTime() time.Time                             { return time.Time{} }

func (f *fakeSession) PlaceOrder(_ context.Context, order types.Order, _ string, cb exchange.OrderCallback) {
	f.placed = append(f.placed, order)
	f.lastCB = cb
}

func (f *fakeSession) CorrectOrder(_ context.Context, orderID int, order types.Order, _ string, cb exchange.OrderCallback) {
	f.corrects = append(f.corrects, orderID)
	f.lastCB = cb
}

func (f *fakeSession) CancelOrder(_ context.Context, orderID int, _ string, cb exchange.OrderCallback) {
	f.cancels = append(f.cancels, orderID)
	f.lastCB = cb
}

func (f *fakeSession) RepayOrder(_ context.Context, bargainDate types.Day, _ float64, order types.Order, _ string, cb exchange.OrderCallback) {
	f.repaid = append(f.repaid, bargainDate)
	f.lastCB = cb
}

func newTestManager() (*Manager, *fakeSession, *notify.MemoryNotifier) {
	fs := &fakeSession{}
	mn := notify.NewMemoryNotifier()
	keeper := holdings.NewKeeper(nil)
	m := NewManager(fs, mn, keeper, nil, nil, nil, 5*time.Second)
	m.names = types.Watchlist{6758: "Sony"}
	return m, fs, mn
}

func buyCommand(uniqueID int, price float64) types.Command {
	return types.NewBuySellCommand(types.VenueTokyo, 6758, 1, 1, uniqueID,
		types.OrderBuy, types.CondNone, false, 100, price)
}

func echoFor(cmd types.Command, orderID, userOrderID int) types.OrderResponse {
	return types.OrderResponse{
		OrderID:     orderID,
		UserOrderID: userOrderID,
		Type:        cmd.Order.Type,
		Venue:       cmd.Order.Venue,
		Code:        cmd.Code,
		Quantity:    cmd.Order.Quantity,
		Price:       cmd.Order.Price,
		Leverage:    cmd.Order.Leverage,
	}
}

// placeAndConfirm drives one command through submission and a
// successful callback so it lands in the server-order book.
func placeAndConfirm(t *testing.T, m *Manager, fs *fakeSession, cmd types.Command, orderID, userOrderID int, tick int64) {
	t.Helper()
	c := cmd
	m.entryCommand(&c, types.VenueTokyo)
	m.issueOrder(context.Background(), types.VenueTokyo, "pw", tick)
	require.NotNil(t, fs.lastCB)
	fs.lastCB(true, echoFor(cmd, orderID, userOrderID), time.Now())
	fs.lastCB = nil
}

func TestAtMostOneOrderInFlight(t *testing.T) {
	m, fs, _ := newTestManager()
	ctx := context.Background()

	a := buyCommand(10, 1000)
	b := types.NewBuySellCommand(types.VenueTokyo, 6758, 1, 2, 11,
		types.OrderBuy, types.CondNone, false, 100, 990)
	m.entryCommand(&a, types.VenueTokyo)
	m.entryCommand(&b, types.VenueTokyo)
	require.Len(t, m.commands, 2)

	m.issueOrder(ctx, types.VenueTokyo, "pw", 2000)
	assert.Len(t, fs.placed, 1)
	assert.True(t, m.Busy())

	// Second issue attempt must not submit while a reply is pending.
	m.issueOrder(ctx, types.VenueTokyo, "pw", 4000)
	assert.Len(t, fs.placed, 1)

	fs.lastCB(true, echoFor(a, 101, 11), time.Now())
	assert.False(t, m.Busy())

	m.tick = 4000
	m.issueOrder(ctx, types.VenueTokyo, "pw", 6000)
	assert.Len(t, fs.placed, 2)
}

func TestDuplicateTriggersQueueOnce(t *testing.T) {
	m, _, _ := newTestManager()

	for i := 0; i < 5; i++ {
		c := buyCommand(10, 1000)
		m.entryCommand(&c, types.VenueTokyo)
	}
	assert.Len(t, m.commands, 1)
}

func TestNewerQueuedDuplicateWinsOnPrice(t *testing.T) {
	m, _, _ := newTestManager()

	old := buyCommand(10, 1000)
	m.entryCommand(&old, types.VenueTokyo)
	newer := buyCommand(12, 1010)
	m.entryCommand(&newer, types.VenueTokyo)

	require.Len(t, m.commands, 1)
	assert.Equal(t, 12, m.commands[0].UniqueID)
	assert.InDelta(t, 1010, m.commands[0].Order.Price, 0.001)
	assert.Equal(t, 100, m.commands[0].Order.Quantity)
}

func TestStaleCandidateLosesToServerOrder(t *testing.T) {
	m, fs, _ := newTestManager()
	placeAndConfirm(t, m, fs, buyCommand(10, 1000), 101, 11, 2000)

	stale := buyCommand(5, 980)
	m.entryCommand(&stale, types.VenueTokyo)
	assert.Empty(t, m.commands)
}

func TestNewerCandidateCorrectsServerOrder(t *testing.T) {
	m, fs, _ := newTestManager()
	placeAndConfirm(t, m, fs, buyCommand(10, 1000), 101, 11, 2000)

	newer := buyCommand(20, 1020)
	m.entryCommand(&newer, types.VenueTokyo)

	require.Len(t, m.commands, 1)
	correct := m.commands[0]
	assert.Equal(t, types.OrderCorrect, correct.Order.Type)
	assert.Equal(t, 101, correct.TargetOrderID)
	assert.InDelta(t, 1020, correct.Order.Price, 0.001)

	m.tick = 2000
	m.issueOrder(context.Background(), types.VenueTokyo, "pw", 4000)
	require.Len(t, fs.corrects, 1)
	assert.Equal(t, 101, fs.corrects[0])

	// The recorded server order takes the corrected price on success.
	fs.lastCB(true, echoFor(*correct, 101, 11), time.Now())
	assert.InDelta(t, 1020, m.serverOrders[types.VenueTokyo][101].Order.Price, 0.001)
}

func TestEmergencyRemovesQueuedAndCancelsServerOrders(t *testing.T) {
	m, fs, _ := newTestManager()
	placeAndConfirm(t, m, fs, buyCommand(10, 1000), 101, 11, 2000)

	queued := types.NewBuySellCommand(types.VenueTokyo, 6758, 1, 5, 30,
		types.OrderBuy, types.CondNone, false, 100, 995)
	m.entryCommand(&queued, types.VenueTokyo)
	require.Len(t, m.commands, 1)

	em := types.NewEmergencyCommand(6758, 1, []int{1, 5})
	m.entryCommand(&em, types.VenueTokyo)

	// The queued order in group 5 is gone; the head is a synthesized
	// cancel for the server-confirmed order in group 1.
	require.Len(t, m.commands, 1)
	head := m.commands[0]
	assert.Equal(t, types.OrderCancel, head.Order.Type)
	assert.Equal(t, 101, head.TargetOrderID)

	// A second emergency must not stack a duplicate cancel.
	em2 := types.NewEmergencyCommand(6758, 1, []int{1})
	m.entryCommand(&em2, types.VenueTokyo)
	assert.Len(t, m.commands, 1)

	// Suppression groups are visible to the evaluator.
	groups := m.emergencyGroups(6758, 1)
	assert.Contains(t, groups, 1)
	assert.Contains(t, groups, 5)
}

func TestEmergencySuppressionExpires(t *testing.T) {
	m, _, _ := newTestManager()
	m.venue = types.VenueTokyo
	em := types.NewEmergencyCommand(6758, 1, []int{1})
	m.entryCommand(&em, types.VenueTokyo)
	require.NotNil(t, m.emergencyGroups(6758, 1))

	m.Update(context.Background(), 2000, types.NewTimeOfDay(9, 0, 0), types.NewTimeOfDay(9, 0, 0),
		types.VenueTokyo, "pw")
	assert.NotNil(t, m.emergencyGroups(6758, 1))

	m.Update(context.Background(), 8000, types.NewTimeOfDay(9, 0, 6), types.NewTimeOfDay(9, 0, 0),
		types.VenueTokyo, "pw")
	assert.Nil(t, m.emergencyGroups(6758, 1))
}

func TestAntiFloodRejectsRapidSubmission(t *testing.T) {
	m, fs, _ := newTestManager()
	ctx := context.Background()

	placeAndConfirm(t, m, fs, buyCommand(10, 1000), 101, 11, 2000)
	m.tick = 2000 // reply arrived at tick 2000

	next := types.NewBuySellCommand(types.VenueTokyo, 6758, 1, 2, 12,
		types.OrderBuy, types.CondNone, false, 100, 990)
	m.entryCommand(&next, types.VenueTokyo)
	// lastOrderReplyTick is refreshed from the tick clock on callback.
	m.lastOrderReplyTick = 2000

	m.issueOrder(ctx, types.VenueTokyo, "pw", 2500)
	assert.Len(t, fs.placed, 1, "within 1s of the last reply nothing may go out")
	assert.False(t, m.Busy())

	again := types.NewBuySellCommand(types.VenueTokyo, 6758, 1, 2, 13,
		types.OrderBuy, types.CondNone, false, 100, 990)
	m.entryCommand(&again, types.VenueTokyo)
	m.issueOrder(ctx, types.VenueTokyo, "pw", 3001)
	assert.Len(t, fs.placed, 2)
}

func TestFailedSubmissionSetsHoldLockUntilReconciliation(t *testing.T) {
	m, fs, _ := newTestManager()
	ctx := context.Background()

	a := buyCommand(10, 1000)
	m.entryCommand(&a, types.VenueTokyo)
	m.issueOrder(ctx, types.VenueTokyo, "pw", 2000)
	require.Len(t, fs.placed, 1)

	fs.lastCB(false, types.OrderResponse{}, time.Now())
	assert.True(t, m.holdLock)

	// Admission and submission are both locked out.
	b := buyCommand(11, 1010)
	m.entryCommand(&b, types.VenueTokyo)
	assert.Empty(t, m.commands)

	// A successful fill reconciliation is the only release.
	require.NoError(t, m.UpdateExecInfo(nil))
	assert.False(t, m.holdLock)

	c := buyCommand(12, 1010)
	m.entryCommand(&c, types.VenueTokyo)
	assert.Len(t, m.commands, 1)
}

func TestSpotSellFullPositionExpansion(t *testing.T) {
	m, _, _ := newTestManager()
	m.keeper.UpdateHoldings(types.SpotHoldings{6758: 300}, nil)

	sell := types.NewBuySellCommand(types.VenueTokyo, 6758, 1, 1, 10,
		types.OrderSell, types.CondNone, false, -1, 1000)
	m.entryCommand(&sell, types.VenueTokyo)
	require.Len(t, m.commands, 1)
	assert.Equal(t, 300, m.commands[0].Order.Quantity)

	tooMany := types.NewBuySellCommand(types.VenueTokyo, 6758, 1, 2, 11,
		types.OrderSell, types.CondNone, false, 400, 1000)
	m.entryCommand(&tooMany, types.VenueTokyo)
	assert.Len(t, m.commands, 1)
}

func TestRepaymentSplitsAcrossLotsOldestFirst(t *testing.T) {
	m, _, _ := newTestManager()
	jan10, _ := types.ParseDay("2026/01/10")
	jan11, _ := types.ParseDay("2026/01/11")
	m.keeper.UpdateHoldings(nil, []types.Position{
		{Code: 6758, Date: jan10, Price: 1000, Quantity: 40, Short: false},
		{Code: 6758, Date: jan11, Price: 1020, Quantity: 60, Short: false},
	})

	rep := types.NewRepaymentCommand(types.VenueTokyo, 6758, 1, 1, 10,
		types.OrderRepSell, types.CondNone, 70, 1050, types.Day{}, 0)
	m.entryCommand(&rep, types.VenueTokyo)

	require.Len(t, m.commands, 2)
	// Extra lots are prepended; the original command sits behind them
	// carrying the oldest lot.
	assert.Equal(t, 30, m.commands[0].Order.Quantity)
	assert.Equal(t, jan11, m.commands[0].BargainDate)
	assert.Equal(t, 40, m.commands[1].Order.Quantity)
	assert.Equal(t, jan10, m.commands[1].BargainDate)
}

func TestRepaymentAgainstNamedLotChecksQuantity(t *testing.T) {
	m, _, _ := newTestManager()
	jan10, _ := types.ParseDay("2026/01/10")
	m.keeper.UpdateHoldings(nil, []types.Position{
		{Code: 6758, Date: jan10, Price: 1000, Quantity: 100, Short: false},
	})

	full := types.NewRepaymentCommand(types.VenueTokyo, 6758, 1, 1, 10,
		types.OrderRepSell, types.CondNone, -1, 1050, jan10, 1000)
	m.entryCommand(&full, types.VenueTokyo)
	require.Len(t, m.commands, 1)
	assert.Equal(t, 100, m.commands[0].Order.Quantity)

	short := types.NewRepaymentCommand(types.VenueTokyo, 6758, 1, 2, 11,
		types.OrderRepSell, types.CondNone, 150, 1050, jan10, 1000)
	m.entryCommand(&short, types.VenueTokyo)
	assert.Len(t, m.commands, 1)
}

func TestCompletedLeveragedEntryBlocksReentryWhileLotsOpen(t *testing.T) {
	m, fs, _ := newTestManager()
	jan10, _ := types.ParseDay("2026/01/10")

	entry := types.NewBuySellCommand(types.VenueTokyo, 6758, 1, 1, 10,
		types.OrderBuy, types.CondNone, true, 100, 1000)
	placeAndConfirm(t, m, fs, entry, 101, 11, 2000)

	// The order fills completely and creates a lot.
	err := m.UpdateExecInfo([]types.ExecInfo{{
		UserOrderID: 11, Type: types.OrderBuy, Leverage: true,
		Venue: types.VenueTokyo, Complete: true, Code: 6758,
		Fills: []types.ExecFill{{Date: jan10, Time: types.NewTimeOfDay(9, 1, 0), Quantity: 100, Price: 1000}},
	}})
	require.NoError(t, err)
	require.Len(t, m.execOrders[types.StockCode(6758)], 1)
	assert.Empty(t, m.serverOrders[types.VenueTokyo])

	again := types.NewBuySellCommand(types.VenueTokyo, 6758, 1, 1, 12,
		types.OrderBuy, types.CondNone, true, 100, 995)
	m.entryCommand(&again, types.VenueTokyo)
	assert.Empty(t, m.commands, "slot with open lots must not re-enter")

	// Repaying the lot in full frees the slot on the next reconciliation.
	m.lastOrderReplyTick = 0
	rep := types.NewRepaymentCommand(types.VenueTokyo, 6758, 1, 1, 13,
		types.OrderRepSell, types.CondNone, 100, 1050, jan10, 1000)
	placeAndConfirm(t, m, fs, rep, 102, 12, 10000)
	require.NoError(t, m.UpdateExecInfo([]types.ExecInfo{
		{
			UserOrderID: 11, Type: types.OrderBuy, Leverage: true,
			Venue: types.VenueTokyo, Complete: true, Code: 6758,
			Fills: []types.ExecFill{{Date: jan10, Time: types.NewTimeOfDay(9, 1, 0), Quantity: 100, Price: 1000}},
		},
		{
			UserOrderID: 12, Type: types.OrderRepSell, Leverage: true,
			Venue: types.VenueTokyo, Complete: true, Code: 6758,
			Fills: []types.ExecFill{{Date: jan10, Time: types.NewTimeOfDay(10, 0, 0), Quantity: 100, Price: 1050}},
		},
	}))
	assert.Empty(t, m.execOrders[types.StockCode(6758)])

	retry := types.NewBuySellCommand(types.VenueTokyo, 6758, 1, 1, 13,
		types.OrderBuy, types.CondNone, true, 100, 995)
	m.entryCommand(&retry, types.VenueTokyo)
	assert.Len(t, m.commands, 1)
}

func TestVenueSwitchClearsQueueAndEmergencies(t *testing.T) {
	m, _, _ := newTestManager()
	m.venue = types.VenueTokyo

	c := buyCommand(10, 1000)
	m.entryCommand(&c, types.VenueTokyo)
	em := types.NewEmergencyCommand(6758, 1, []int{2})
	m.entryCommand(&em, types.VenueTokyo)
	require.Len(t, m.commands, 1)

	m.Update(context.Background(), 1000, types.NewTimeOfDay(17, 0, 0), types.NewTimeOfDay(17, 0, 0),
		types.VenuePTS, "pw")
	assert.Empty(t, m.commands)
	assert.Empty(t, m.emergencies)
}

func TestFillAnnouncements(t *testing.T) {
	m, fs, mn := newTestManager()
	jan10, _ := types.ParseDay("2026/01/10")
	placeAndConfirm(t, m, fs, buyCommand(10, 1000), 101, 11, 2000)

	require.NoError(t, m.UpdateExecInfo([]types.ExecInfo{{
		UserOrderID: 11, Type: types.OrderBuy, Leverage: false,
		Venue: types.VenueTokyo, Complete: true, Code: 6758,
		Fills: []types.ExecFill{
			{Date: jan10, Time: types.NewTimeOfDay(9, 1, 0), Quantity: 60, Price: 1000},
			{Date: jan10, Time: types.NewTimeOfDay(9, 2, 0), Quantity: 40, Price: 1000},
		},
	}}))

	sent := mn.Sent()
	// One acceptance notice plus one notice per fill.
	require.Len(t, sent, 3)
	assert.Contains(t, sent[1].Text, "filled")
	assert.Contains(t, sent[1].Text, "Sony")
}

func TestShrunkFillReportDoesNotWedgeReconciliation(t *testing.T) {
	m, _, _ := newTestManager()
	jan10, _ := types.ParseDay("2026/01/10")

	fill := func(h, min, qty int) types.ExecFill {
		return types.ExecFill{Date: jan10, Time: types.NewTimeOfDay(h, min, 0), Quantity: qty, Price: 1000}
	}
	full := types.ExecInfo{
		UserOrderID: 11, Type: types.OrderBuy, Venue: types.VenueTokyo, Code: 6758,
		Fills: []types.ExecFill{fill(9, 1, 60), fill(9, 2, 40)},
	}
	require.NoError(t, m.UpdateExecInfo([]types.ExecInfo{full}))
	assert.Equal(t, 100, m.keeper.SpotQuantity(6758))

	// The same order now reports fewer fills, next to a healthy order
	// whose fill must still land.
	shrunk := full
	shrunk.Fills = full.Fills[:1]
	other := types.ExecInfo{
		UserOrderID: 12, Type: types.OrderBuy, Venue: types.VenueTokyo, Code: 7203,
		Fills: []types.ExecFill{fill(9, 3, 100)},
	}
	assert.Error(t, m.UpdateExecInfo([]types.ExecInfo{shrunk, other}))
	assert.Equal(t, 100, m.keeper.SpotQuantity(7203))
	assert.Equal(t, 100, m.keeper.SpotQuantity(6758))

	// The shrunk snapshot was resynced, so the same poll diffs cleanly
	// instead of erroring forever.
	require.NoError(t, m.UpdateExecInfo([]types.ExecInfo{shrunk, other}))
	assert.Equal(t, 100, m.keeper.SpotQuantity(7203))
}

package machine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soradev/kabu-assist/internal/exchange"
	"github.com/soradev/kabu-assist/internal/holdings"
	"github.com/soradev/kabu-assist/internal/notify"
	"github.com/soradev/kabu-assist/internal/orders"
	"github.com/soradev/kabu-assist/internal/tactics"
	"github.com/soradev/kabu-assist/internal/types"
)

// stubSession captures every callback so tests reply at their own pace.
type stubSession struct {
	lastAccess time.Time

	loginCB    exchange.LoginCallback
	watchCodes []types.StockCode
	watchVenue types.Venue
	watchCB    func(bool, types.Watchlist)
	watchCalls int
	holdingsCB exchange.HoldingsCallback

	quoteCalls  int
	fillCalls   int
	marginCalls int
}

func (s *stubSession) Login(_ context.Context, _, _ string, cb exchange.LoginCallback) {
	s.loginCB = cb
}

func (s *stubSession) RegisterWatchlist(_ context.Context, codes []types.StockCode, venue types.Venue, cb func(bool, types.Watchlist)) {
	s.watchCalls++
	s.watchCodes = codes
	s.watchVenue = venue
	s.watchCB = cb
}

func (s *stubSession) GetHoldings(_ context.Context, cb exchange.HoldingsCallback) {
	s.holdingsCB = cb
}

func (s *stubSession) GetQuotes(_ context.Context, cb exchange.QuotesCallback) {
	s.quoteCalls++
	cb(true, time.Time{}, nil)
}

func (s *stubSession) GetFills(_ context.Context, cb exchange.FillsCallback) {
	s.fillCalls++
	cb(true, nil)
}

func (s *stubSession) UpdateMargin(_ context.Context, cb func(bool)) {
	s.marginCalls++
	cb(true)
}

func (s *stubSession) PlaceOrder(context.Context, types.Order, string, exchange.OrderCallback) {}
func (s *stubSession) CorrectOrder(context.Context, int, types.Order, string, exchange.OrderCallback) {
}
func (s *stubSession) CancelOrder(context.Context, int, string, exchange.OrderCallback) {}
func (s *stubSession) RepayOrder(context.Context, types.Day, float64, types.Order, string, exchange.OrderCallback) {
}
func (s *stubSession) LastAccessTime() time.Time { return s.lastAccess }

type stubInvestigator struct {
	cb func(ok, isHoliday bool, serverTime time.Time)
}

func (f *stubInvestigator) Investigate(cb func(ok, isHoliday bool, serverTime time.Time)) {
	f.cb = cb
}

func tradingDayTable(t *testing.T) TimeTable {
	t.Helper()
	tt, err := NewTimeTable([]Slot{
		{At: types.NewTimeOfDay(8, 55, 0), Mode: ModeIdle},
		{At: types.NewTimeOfDay(9, 0, 0), Mode: ModeTokyo},
		{At: types.NewTimeOfDay(15, 0, 0), Mode: ModeClosed},
		{At: types.NewTimeOfDay(16, 55, 0), Mode: ModeIdle},
		{At: types.NewTimeOfDay(17, 0, 0), Mode: ModePTS},
		{At: types.NewTimeOfDay(23, 59, 0), Mode: ModeClosed},
	})
	require.NoError(t, err)
	return tt
}

func newTestMachine(t *testing.T) (*Machine, *stubSession, *stubInvestigator, *notify.MemoryNotifier) {
	t.Helper()
	ss := &stubSession{}
	mn := notify.NewMemoryNotifier()
	inv := &stubInvestigator{}
	links := []tactics.Link{{Code: 6758, TacticsID: 1}}
	mgr := orders.NewManager(ss, mn, holdings.NewKeeper(nil), nil, links, nil, time.Second)
	st := NewStarter(ss, mn, time.Hour)
	cfg := Config{QuoteInterval: time.Second, FillInterval: time.Second, MarginInterval: time.Minute}
	m := New(cfg, ss, mn, mgr, st, inv, tradingDayTable(t), DefaultJPXHolidays())
	return m, ss, inv, mn
}

func TestTimeTableCurrent(t *testing.T) {
	tt := tradingDayTable(t)

	mode, _, _ := tt.Current(types.NewTimeOfDay(8, 0, 0))
	assert.Equal(t, ModeClosed, mode)

	mode, start, next := tt.Current(types.NewTimeOfDay(8, 57, 0))
	assert.Equal(t, ModeIdle, mode)
	assert.Equal(t, types.NewTimeOfDay(8, 55, 0), start)
	assert.Equal(t, ModeTokyo, next)

	mode, start, next = tt.Current(types.NewTimeOfDay(10, 30, 0))
	assert.Equal(t, ModeTokyo, mode)
	assert.Equal(t, types.NewTimeOfDay(9, 0, 0), start)
	assert.Equal(t, ModeClosed, next)

	mode, _, next = tt.Current(types.NewTimeOfDay(16, 58, 0))
	assert.Equal(t, ModeIdle, mode)
	assert.Equal(t, ModePTS, next)
}

func TestNewTimeTableValidation(t *testing.T) {
	_, err := NewTimeTable(nil)
	assert.Error(t, err)

	_, err = NewTimeTable([]Slot{
		{At: types.NewTimeOfDay(9, 0, 0), Mode: ModeTokyo},
		{At: types.NewTimeOfDay(9, 0, 0), Mode: ModeClosed},
	})
	assert.Error(t, err)
}

func TestMachineRefusesIncompleteWiring(t *testing.T) {
	ss := &stubSession{}
	mn := notify.NewMemoryNotifier()
	mgr := orders.NewManager(ss, mn, holdings.NewKeeper(nil), nil, nil, nil, time.Second)
	m := New(Config{}, ss, mn, mgr, NewStarter(ss, mn, time.Hour), &stubInvestigator{}, nil, nil)

	m.Update(context.Background(), 0)
	assert.Equal(t, SeqError, m.Sequence())
}

func TestMachineInitializesThenStarts(t *testing.T) {
	m, _, _, _ := newTestMachine(t)

	assert.False(t, m.Ready())
	m.Update(context.Background(), 0)
	assert.True(t, m.Ready())

	m.Start("user", "pw", "tradepw")
	assert.Equal(t, SeqClosedCheck, m.Sequence())
}

// driveToClosedCheck runs a machine into the closed-check wait and
// returns once the investigator holds the callback.
func driveToClosedCheck(t *testing.T, m *Machine, inv *stubInvestigator) {
	t.Helper()
	m.Update(context.Background(), 0)
	m.Start("user", "pw", "tradepw")
	m.Update(context.Background(), 0)
	require.Equal(t, SeqWait, m.Sequence())
	require.NotNil(t, inv.cb)
}

func TestClosedCheckBusinessDayMovesToTrading(t *testing.T) {
	m, _, inv, _ := newTestMachine(t)
	driveToClosedCheck(t, m, inv)

	serverTime := time.Date(2024, time.March, 4, 8, 30, 0, 0, time.Local) // Monday
	m.clock = func() time.Time { return serverTime }

	inv.cb(true, false, serverTime)
	assert.Equal(t, SeqTrading, m.Sequence())
}

func TestClosedCheckSaturdayWaitsTwoDays(t *testing.T) {
	m, _, inv, _ := newTestMachine(t)
	driveToClosedCheck(t, m, inv)

	serverTime := time.Date(2024, time.March, 2, 7, 0, 0, 0, time.Local) // Saturday
	m.clock = func() time.Time { return serverTime }

	inv.cb(true, false, serverTime)
	assert.Equal(t, SeqWait, m.Sequence())
	assert.Equal(t, msUntilDayStart(serverTime, 2), m.waitMS)
	assert.Equal(t, SeqClosedCheck, m.afterWait)
}

func TestClosedCheckSundayWaitsOneDay(t *testing.T) {
	m, _, inv, _ := newTestMachine(t)
	driveToClosedCheck(t, m, inv)

	serverTime := time.Date(2024, time.March, 3, 7, 0, 0, 0, time.Local) // Sunday
	m.clock = func() time.Time { return serverTime }

	inv.cb(true, false, serverTime)
	assert.Equal(t, SeqWait, m.Sequence())
	assert.Equal(t, msUntilDayStart(serverTime, 1), m.waitMS)
}

func TestClosedCheckHolidayRechecksNextDay(t *testing.T) {
	m, _, inv, _ := newTestMachine(t)
	driveToClosedCheck(t, m, inv)

	serverTime := time.Date(2024, time.March, 20, 7, 0, 0, 0, time.Local) // Wednesday, flagged
	m.clock = func() time.Time { return serverTime }

	inv.cb(true, true, serverTime)
	assert.Equal(t, SeqWait, m.Sequence())
	assert.Equal(t, msUntilDayStart(serverTime, 1), m.waitMS)
	assert.Equal(t, SeqClosedCheck, m.afterWait)
}

func TestClosedCheckFixedHolidayRechecksNextDay(t *testing.T) {
	m, _, inv, _ := newTestMachine(t)
	driveToClosedCheck(t, m, inv)

	serverTime := time.Date(2024, time.January, 2, 7, 0, 0, 0, time.Local) // Tuesday, New Year break
	m.clock = func() time.Time { return serverTime }

	inv.cb(true, false, serverTime)
	assert.Equal(t, SeqWait, m.Sequence())
	assert.Equal(t, msUntilDayStart(serverTime, 1), m.waitMS)
}

func TestClosedCheckFailureRetriesInTenMinutes(t *testing.T) {
	m, _, inv, _ := newTestMachine(t)
	driveToClosedCheck(t, m, inv)

	inv.cb(false, false, time.Time{})
	assert.Equal(t, SeqWait, m.Sequence())
	assert.Equal(t, closedCheckRetry.Milliseconds(), m.waitMS)
	assert.Equal(t, SeqClosedCheck, m.afterWait)
}

func TestClosedCheckClockDriftHoldsForever(t *testing.T) {
	m, _, inv, mn := newTestMachine(t)
	driveToClosedCheck(t, m, inv)

	serverTime := time.Date(2024, time.March, 4, 8, 30, 0, 0, time.Local)
	m.clock = func() time.Time { return serverTime.Add(11 * time.Minute) }

	inv.cb(true, false, serverTime)
	assert.Equal(t, SeqWait, m.Sequence())
	assert.Zero(t, m.waitMS)
	require.Len(t, mn.Sent(), 1)
	assert.Contains(t, mn.Sent()[0].Text, "drift")
}

func TestWaitCountsDownThenResumes(t *testing.T) {
	m, _, _, _ := newTestMachine(t)
	m.seq = SeqWait
	m.waitMS = 5000
	m.afterWait = SeqClosedCheck

	m.Update(context.Background(), 2000)
	assert.Equal(t, SeqWait, m.Sequence())

	m.Update(context.Background(), 6000)
	assert.Equal(t, SeqClosedCheck, m.Sequence())
}

func TestWaitWithZeroRemainingHoldsForever(t *testing.T) {
	m, _, _, _ := newTestMachine(t)
	m.seq = SeqWait
	m.waitMS = 0
	m.afterWait = SeqTrading

	m.Update(context.Background(), 1<<40)
	assert.Equal(t, SeqWait, m.Sequence())
}

func TestTradingStartsVenueAndRunsRefreshLoop(t *testing.T) {
	m, ss, _, _ := newTestMachine(t)
	base := time.Date(2024, time.March, 4, 8, 56, 0, 0, time.Local)
	ss.lastAccess = time.Now() // fresh session, no login needed
	m.seq = SeqTrading
	m.lastServerTime = base
	m.lastServerTimeTick = 0
	m.user, m.password, m.tradePassword = "user", "pw", "tradepw"

	ctx := context.Background()

	// Idle slot before the open warms up the next session's venue.
	m.Update(ctx, 0)
	require.NotNil(t, ss.watchCB)
	assert.Equal(t, types.VenueTokyo, ss.watchVenue)
	assert.Equal(t, []types.StockCode{6758}, ss.watchCodes)
	ss.watchCB(true, types.Watchlist{6758: "Sony"})
	require.NotNil(t, ss.holdingsCB)
	ss.holdingsCB(true, types.SpotHoldings{}, nil, base)
	assert.True(t, m.starter.Ready())

	// The open re-runs the start chain; same venue skips registration.
	m.Update(ctx, 4*60*1000)
	assert.Equal(t, 1, ss.watchCalls)
	ss.holdingsCB(true, types.SpotHoldings{}, nil, base)

	// With the starter ready the refresh loop runs.
	m.Update(ctx, 4*60*1000+1500)
	assert.Equal(t, 1, ss.quoteCalls)
	assert.Equal(t, 1, ss.fillCalls)
	assert.Equal(t, 1, ss.marginCalls)
}

func TestStarterStaleSessionLogsInFirst(t *testing.T) {
	ss := &stubSession{} // zero lastAccess, far beyond sessionKeep
	mn := notify.NewMemoryNotifier()
	st := NewStarter(ss, mn, time.Hour)

	ok := st.Start(context.Background(), "user", "pw", []types.StockCode{6758}, types.VenueTokyo,
		func(types.Venue, types.Watchlist) error { return nil },
		func(types.SpotHoldings, []types.Position) {})
	require.True(t, ok)
	require.NotNil(t, ss.loginCB)
	assert.Zero(t, ss.watchCalls)

	ss.loginCB(true, true, false, time.Now())
	assert.Equal(t, 1, ss.watchCalls)
	require.Len(t, mn.Sent(), 1)
	assert.Contains(t, mn.Sent()[0].Text, "logged in")
}

func TestStarterRejectedLoginAnnouncesAndHolds(t *testing.T) {
	ss := &stubSession{}
	mn := notify.NewMemoryNotifier()
	st := NewStarter(ss, mn, time.Hour)

	require.True(t, st.Start(context.Background(), "user", "pw", nil, types.VenueTokyo,
		func(types.Venue, types.Watchlist) error { return nil },
		func(types.SpotHoldings, []types.Position) {}))
	ss.loginCB(true, false, false, time.Now())

	assert.Zero(t, ss.watchCalls)
	assert.False(t, st.Ready())
	require.Len(t, mn.Sent(), 1)
	assert.Contains(t, mn.Sent()[0].Text, "rejected")

	// Still busy, so another start attempt is refused.
	assert.False(t, st.Start(context.Background(), "user", "pw", nil, types.VenueTokyo,
		func(types.Venue, types.Watchlist) error { return nil },
		func(types.SpotHoldings, []types.Position) {}))
}

func TestStarterSameVenueSkipsRegistration(t *testing.T) {
	ss := &stubSession{lastAccess: time.Now()}
	mn := notify.NewMemoryNotifier()
	st := NewStarter(ss, mn, time.Hour)

	holdingsFetches := 0
	initFn := func(types.Venue, types.Watchlist) error { return nil }
	updateFn := func(types.SpotHoldings, []types.Position) { holdingsFetches++ }

	require.True(t, st.Start(context.Background(), "user", "pw", []types.StockCode{6758}, types.VenueTokyo, initFn, updateFn))
	ss.watchCB(true, types.Watchlist{6758: "Sony"})
	ss.holdingsCB(true, types.SpotHoldings{}, nil, time.Now())
	require.True(t, st.Ready())
	assert.Equal(t, 1, holdingsFetches)

	require.True(t, st.Start(context.Background(), "user", "pw", []types.StockCode{6758}, types.VenueTokyo, initFn, updateFn))
	assert.Equal(t, 1, ss.watchCalls)
	ss.holdingsCB(true, types.SpotHoldings{}, nil, time.Now())
	assert.True(t, st.Ready())
	assert.Equal(t, 2, holdingsFetches)
}

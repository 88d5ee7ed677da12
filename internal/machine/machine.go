package machine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/soradev/kabu-assist/internal/exchange"
	"github.com/soradev/kabu-assist/internal/metrics"
	"github.com/soradev/kabu-assist/internal/notify"
	"github.com/soradev/kabu-assist/internal/orders"
	"github.com/soradev/kabu-assist/internal/types"
)

// Sequence is the lifecycle state.
type Sequence int

const (
	SeqError Sequence = iota
	SeqInitialize
	SeqReady
	SeqClosedCheck
	SeqWait
	SeqTrading
)

func (s Sequence) String() string {
	switch s {
	case SeqError:
		return "error"
	case SeqInitialize:
		return "initialize"
	case SeqReady:
		return "ready"
	case SeqClosedCheck:
		return "closed_check"
	case SeqWait:
		return "wait"
	case SeqTrading:
		return "trading"
	}
	return "unknown"
}

var sequences = []Sequence{SeqError, SeqInitialize, SeqReady, SeqClosedCheck, SeqWait, SeqTrading}

const (
	// acceptableDrift is how far the server clock may disagree with the
	// local one before trading is considered unsafe.
	acceptableDrift = 10 * time.Minute
	// closedCheckRetry is the delay before re-asking after a failed
	// holiday investigation.
	closedCheckRetry = 10 * time.Minute
)

// Config holds the machine's timing knobs.
type Config struct {
	QuoteInterval  time.Duration // quote refresh spacing
	FillInterval   time.Duration // fill report refresh spacing
	MarginInterval time.Duration // margin keep-alive spacing
}

// Machine drives the whole engine through its day: holiday check,
// venue transitions via the starter, and the periodic refresh loop
// feeding the dispatcher while a venue is open.
type Machine struct {
	cfg          Config
	session      exchange.Session
	notifier     notify.Notifier
	starter      *Starter
	orders       *orders.Manager
	investigator Investigator
	holidays     []MonthDay
	timetable    TimeTable
	clock        func() time.Time

	mu  sync.Mutex
	seq Sequence

	user          string
	password      string
	tradePassword string

	tick               int64
	lastServerTime     time.Time
	lastServerTimeTick int64
	waitMS             int64
	afterWait          Sequence
	prevMode           TTMode

	lastQuoteTick  int64
	lastFillTick   int64
	lastMarginTick int64

	logger zerolog.Logger
}

// New assembles a machine. It starts in INITIALIZE; the first Update
// validates the wiring and moves to READY or ERROR.
func New(cfg Config, session exchange.Session, notifier notify.Notifier,
	manager *orders.Manager, starter *Starter, investigator Investigator,
	timetable TimeTable, holidays []MonthDay) *Machine {
	m := &Machine{
		cfg:          cfg,
		session:      session,
		notifier:     notifier,
		starter:      starter,
		orders:       manager,
		investigator: investigator,
		holidays:     holidays,
		timetable:    timetable,
		clock:        time.Now,
		seq:          SeqInitialize,
		afterWait:    SeqError,
		prevMode:     ModeClosed,
		logger:       log.With().Str("component", "machine").Logger(),
	}
	m.publishSequence()
	return m
}

// SetClock replaces the wall clock. The simulator uses this to keep
// the drift guard consistent with its shifted server time.
func (m *Machine) SetClock(clock func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = clock
}

// Ready reports whether Start can be called.
func (m *Machine) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seq == SeqReady
}

// Sequence returns the current lifecycle state.
func (m *Machine) Sequence() Sequence {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seq
}

// Start hands over the credentials and moves to the business-day check.
// tradePassword authorizes individual orders; the login password does not.
func (m *Machine) Start(user, password, tradePassword string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seq != SeqReady {
		return
	}
	m.user = user
	m.password = password
	m.tradePassword = tradePassword
	m.setSequence(SeqClosedCheck)
}

// Update runs one machine cycle. tickCount is elapsed milliseconds from
// the caller's monotonic clock.
func (m *Machine) Update(ctx context.Context, tickCount int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.seq {
	case SeqInitialize:
		m.updateInitialize()
	case SeqClosedCheck:
		m.updateClosedCheck()
	case SeqTrading:
		m.updateMainTrade(ctx, tickCount)
	case SeqWait:
		m.updateWait(tickCount)
	}
	m.tick = tickCount
}

func (m *Machine) updateInitialize() {
	if len(m.timetable) == 0 || m.orders == nil || len(m.orders.MonitoringCodes()) == 0 {
		m.logger.Error().Msg("machine wiring incomplete, refusing to start")
		m.setSequence(SeqError)
		return
	}
	m.setSequence(SeqReady)
}

// updateClosedCheck fires one holiday investigation and parks in WAIT
// until the answer schedules the next move.
func (m *Machine) updateClosedCheck() {
	m.setSequence(SeqWait)
	m.waitMS = 0

	m.investigator.Investigate(func(ok, isHoliday bool, serverTime time.Time) {
		m.mu.Lock()
		defer m.mu.Unlock()

		if !ok {
			m.afterWait = SeqClosedCheck
			m.waitMS = closedCheckRetry.Milliseconds()
			return
		}

		m.lastServerTime = serverTime
		m.lastServerTimeTick = m.tick

		drift := m.clock().Sub(serverTime)
		if drift < 0 {
			drift = -drift
		}
		if drift > acceptableDrift {
			// Clock disagreement this large means something is wrong
			// enough that trading must not happen. Hold here.
			m.logger.Error().Dur("drift", drift).Msg("server clock drift too large, holding")
			m.notifier.Announce(serverTime.Format(time.RFC1123), "server clock drift too large, trading held")
			return
		}

		m.afterWait = SeqClosedCheck
		switch serverTime.Weekday() {
		case time.Saturday:
			m.waitMS = msUntilDayStart(serverTime, 2)
		case time.Sunday:
			m.waitMS = msUntilDayStart(serverTime, 1)
		default:
			if isHoliday || isFixedHoliday(serverTime, m.holidays) {
				m.waitMS = msUntilDayStart(serverTime, 1)
				return
			}
			m.setSequence(SeqTrading)
		}
	})
}

// msUntilDayStart is the time from t to midnight days ahead.
func msUntilDayStart(t time.Time, days int) int64 {
	next := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location()).AddDate(0, 0, days)
	return next.Sub(t).Milliseconds()
}

func (m *Machine) updateWait(tickCount int64) {
	if m.waitMS <= 0 {
		// Indefinite hold.
		return
	}
	past := tickCount - m.tick
	if past >= m.waitMS {
		m.waitMS = 0
		m.setSequence(m.afterWait)
	} else {
		m.waitMS -= past
	}
}

// updateMainTrade is the per-tick trading cycle: correct the clock,
// resolve the timetable slot, run venue transitions, then refresh data
// and let the dispatcher act.
func (m *Machine) updateMainTrade(ctx context.Context, tickCount int64) {
	// Server time plus locally elapsed time since we last saw it.
	now := m.lastServerTime.Add(time.Duration(tickCount-m.lastServerTimeTick) * time.Millisecond)
	nowTOD := types.TimeOfDayOf(now)

	mode, sectionStart, next := m.timetable.Current(nowTOD)

	if mode != m.prevMode {
		startMode := mode
		if mode == ModeIdle {
			// Warm up for the session about to open.
			startMode = next
		}
		if startMode.Tradable() {
			ok := m.starter.Start(ctx, m.user, m.password,
				m.orders.MonitoringCodes(), startMode.Venue(),
				m.orders.InitMonitoring, m.orders.UpdateHoldings)
			if !ok {
				// The previous start never finished. Hold indefinitely
				// rather than trade on a half-initialized venue.
				m.logger.Error().Stringer("mode", startMode).Msg("venue start still busy, holding")
				m.setSequence(SeqWait)
				m.waitMS = 0
				m.prevMode = ModeClosed
				return
			}
		}
	}

	if mode.Tradable() && m.starter.Ready() {
		venue := mode.Venue()
		if tickCount-m.lastQuoteTick > m.cfg.QuoteInterval.Milliseconds() {
			m.lastQuoteTick = tickCount
			m.session.GetQuotes(ctx, func(ok bool, serverTime time.Time, quotes []types.RcvQuote) {
				if !ok {
					return
				}
				m.orders.ApplyQuotes(venue, types.TimeOfDayOf(serverTime), quotes)
			})
		}
		if tickCount-m.lastFillTick > m.cfg.FillInterval.Milliseconds() {
			m.lastFillTick = tickCount
			m.session.GetFills(ctx, func(ok bool, fills []types.ExecInfo) {
				if !ok {
					return
				}
				if err := m.orders.UpdateExecInfo(fills); err != nil {
					m.logger.Error().Err(err).Msg("fill reconciliation reported a data problem")
					m.notifier.Announce(m.clock().Format(time.RFC1123), "fill report inconsistency: "+err.Error())
				}
			})
		}
		if tickCount-m.lastMarginTick > m.cfg.MarginInterval.Milliseconds() {
			m.lastMarginTick = tickCount
			m.session.UpdateMargin(ctx, func(ok bool) {
				if !ok {
					m.logger.Error().Msg("margin keep-alive failed")
				}
			})
		}
		m.orders.Update(ctx, tickCount, nowTOD, sectionStart, venue, m.tradePassword)
	}

	m.prevMode = mode
}

// setSequence is called with the lock held.
func (m *Machine) setSequence(next Sequence) {
	m.seq = next
	m.publishSequence()
}

func (m *Machine) publishSequence() {
	for _, s := range sequences {
		v := 0.0
		if s == m.seq {
			v = 1.0
		}
		metrics.SequenceState.WithLabelValues(s.String()).Set(v)
	}
}

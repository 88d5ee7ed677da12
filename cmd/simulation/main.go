// Command simulation runs the whole engine against the simulated
// brokerage for one compressed trading day and prints what happened.
package main

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/soradev/kabu-assist/internal/database"
	"github.com/soradev/kabu-assist/internal/exchange"
	"github.com/soradev/kabu-assist/internal/holdings"
	"github.com/soradev/kabu-assist/internal/machine"
	"github.com/soradev/kabu-assist/internal/notify"
	"github.com/soradev/kabu-assist/internal/orders"
	"github.com/soradev/kabu-assist/internal/tactics"
	"github.com/soradev/kabu-assist/internal/types"
)

const (
	simUser      = "sim-user"
	simPassword  = "sim-password"
	tradePass    = "sim-trade-password"
	sessionSecs  = 40 // compressed trading session length
	watchedCode  = types.StockCode(6758)
	leadInterval = 2 * time.Second // idle warm-up before the open
)

// simRules reacts to small moves so the random walk triggers activity
// within seconds: enter long on a 0.1% rise, repay on a 0.1% drop,
// emergency-flatten on a 0.5% drop.
const simRules = `{
  "tactics": [
    {
      "id": 1,
      "emergencies": [
        {"trigger": {"kind": "value_gap", "percent": -0.5, "seconds": 60}, "target_groups": [1]}
      ],
      "fresh": [
        {
          "trigger": {"kind": "value_gap", "percent": 0.1, "seconds": 60},
          "unique_id": 1, "group_id": 1, "side": "buy", "leverage": true,
          "quantity": 100, "value_func": "latest"
        }
      ],
      "repayments": [
        {
          "trigger": {"kind": "value_gap", "percent": -0.1, "seconds": 60},
          "unique_id": 2, "group_id": 1, "side": "sell", "leverage": true,
          "quantity": -1, "value_func": "latest"
        }
      ]
    }
  ],
  "links": [
    {"code": 6758, "tactics_id": 1}
  ]
}`

// weekdayShift moves weekend dates back to the previous Friday, so a
// run started on a Saturday still trades immediately. The time of day
// is untouched, which is what the timetable keys on.
func weekdayShift(t time.Time) int {
	switch t.Weekday() {
	case time.Saturday:
		return -1
	case time.Sunday:
		return -2
	}
	return 0
}

// weekdayInvestigator reports the simulated server time shifted onto a
// business day.
type weekdayInvestigator struct {
	inner *exchange.Sim
	shift int
}

func (w weekdayInvestigator) Investigate(cb func(ok, isHoliday bool, serverTime time.Time)) {
	w.inner.Investigate(func(ok, isHoliday bool, serverTime time.Time) {
		cb(ok, isHoliday, serverTime.AddDate(0, 0, w.shift))
	})
}

func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// compressedDay schedules the session relative to the wall clock: a
// short idle warm-up, then the simulated venue, then the close.
func compressedDay(now time.Time) (machine.TimeTable, error) {
	return machine.NewTimeTable([]machine.Slot{
		{At: types.TimeOfDayOf(now), Mode: machine.ModeIdle},
		{At: types.TimeOfDayOf(now.Add(leadInterval)), Mode: machine.ModeTokyo},
		{At: types.TimeOfDayOf(now.Add(leadInterval + sessionSecs*time.Second)), Mode: machine.ModeClosed},
	})
}

func main() {
	runID := uuid.NewString()
	log.Info().Str("run_id", runID).Msg("starting simulated trading day")

	db, err := database.NewDatabase("file::memory:?cache=shared")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize in-memory journal")
	}

	registry := tactics.NewRegistry()
	rules, links, err := tactics.ParseRules([]byte(simRules), registry)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to parse simulation rules")
	}

	session := exchange.NewSim(exchange.SimConfig{
		User:       simUser,
		Password:   simPassword,
		MinLatency: 5 * time.Millisecond,
		MaxLatency: 40 * time.Millisecond,
		FailRate:   0.05,
	}, map[types.StockCode]float64{watchedCode: 1000})

	notifier := notify.NewJournalNotifier(notify.NewMemoryNotifier(), db, runID)
	keeper := holdings.NewKeeper(holdings.NewDatabase(db))
	journal := orders.NewJournal(db, runID)

	manager := orders.NewManager(session, notifier, keeper, rules, links, registry, 10*time.Second)
	manager.SetJournal(journal)

	timetable, err := compressedDay(time.Now())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build compressed time table")
	}

	starter := machine.NewStarter(session, notifier, time.Hour)
	engine := machine.New(machine.Config{
		QuoteInterval:  200 * time.Millisecond,
		FillInterval:   500 * time.Millisecond,
		MarginInterval: 10 * time.Second,
	}, session, notifier, manager, starter,
		weekdayInvestigator{inner: session, shift: weekdayShift(time.Now())},
		timetable, nil)
	engine.SetClock(func() time.Time {
		return time.Now().AddDate(0, 0, weekdayShift(time.Now()))
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	start := time.Now()
	deadline := start.Add(leadInterval + (sessionSecs+5)*time.Second)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	started := false
	for time.Now().Before(deadline) {
		<-ticker.C
		engine.Update(ctx, time.Since(start).Milliseconds())
		if !started && engine.Ready() {
			engine.Start(simUser, simPassword, tradePass)
			started = true
		}
	}

	manager.WriteMonitoringLogs("simlogs", types.DayOf(time.Now()))
	printSummary(journal, keeper)
}

func printSummary(journal *orders.Journal, keeper *holdings.Keeper) {
	recs, err := journal.Recent(100)
	if err != nil {
		log.Error().Err(err).Msg("journal read failed")
		return
	}

	log.Info().Int("orders_accepted", len(recs)).Msg("session summary")
	for _, rec := range recs {
		log.Info().
			Int("order_id", rec.OrderID).
			Str("type", rec.OrderType).
			Int("quantity", rec.Quantity).
			Float64("price", rec.Price).
			Msg("accepted order")
	}

	for _, short := range []bool{false, true} {
		for _, p := range keeper.Positions(watchedCode, short) {
			log.Info().
				Stringer("code", p.Code).
				Str("opened", p.Date.String()).
				Float64("price", p.Price).
				Int("quantity", p.Quantity).
				Bool("short", short).
				Msg("open position at close")
		}
	}
}

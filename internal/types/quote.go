package types

import (
	"fmt"
	"strings"
)

// QuoteTick is one observed price point for a symbol. Volume is the
// cumulative traded volume the brokerage reported with it; two successive
// reports with equal volume mean no trade happened in between.
type QuoteTick struct {
	At     TimeOfDay
	Price  float64
	Volume int64
}

// Quote is the intraday price series for one watched symbol.
type Quote struct {
	Code      StockCode
	Open      float64
	High      float64
	Low       float64
	PrevClose float64
	Ticks     []QuoteTick
}

// NewQuote returns an empty series for a symbol.
func NewQuote(code StockCode) *Quote {
	return &Quote{Code: code}
}

// RcvQuote is one symbol's entry in a quote refresh from the brokerage.
type RcvQuote struct {
	Code      StockCode
	Price     float64
	Open      float64
	High      float64
	Low       float64
	PrevClose float64
	Volume    int64
}

// Apply folds a received quote into the series, stamped with the server
// time the batch was sent. A tick is appended only when the cumulative
// volume changed; equality rather than ">=" so the overnight PTS session,
// which resets volume, still records.
func (q *Quote) Apply(rcv RcvQuote, serverTime TimeOfDay) {
	q.Open = rcv.Open
	q.High = rcv.High
	q.Low = rcv.Low
	q.PrevClose = rcv.PrevClose

	if n := len(q.Ticks); n > 0 && q.Ticks[n-1].Volume == rcv.Volume {
		return
	}
	q.Ticks = append(q.Ticks, QuoteTick{At: serverTime, Price: rcv.Price, Volume: rcv.Volume})
}

// Latest returns the most recent tick, or false if the series is empty.
func (q *Quote) Latest() (QuoteTick, bool) {
	if len(q.Ticks) == 0 {
		return QuoteTick{}, false
	}
	return q.Ticks[len(q.Ticks)-1], true
}

// CSV renders the series in the daily dump format: a header row with the
// day's summary values followed by one row per tick.
func (q *Quote) CSV() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d,%.1f,%.1f,%.1f,%.1f\n", int(q.Code), q.Open, q.High, q.Low, q.PrevClose)
	for _, tk := range q.Ticks {
		fmt.Fprintf(&b, "%s,%.1f,%d\n", tk.At, tk.Price, tk.Volume)
	}
	return b.String()
}

// Clone deep-copies the series so a dump can run outside the update lock.
func (q *Quote) Clone() *Quote {
	cp := *q
	cp.Ticks = append([]QuoteTick(nil), q.Ticks...)
	return &cp
}

// Package tactics evaluates the user's declarative trading rules
// against live quote data and emits candidate commands. Evaluation is
// pure: any emergency suppression state is owned by the dispatcher and
// passed in per call.
package tactics

import (
	"github.com/soradev/kabu-assist/internal/types"
)

// TriggerKind selects how a trigger fires.
type TriggerKind int

const (
	TriggerNone TriggerKind = iota
	// TriggerValueGap fires when the price moved by a percentage within
	// a trailing window. Positive percent watches for a rise, negative
	// for a drop.
	TriggerValueGap
	// TriggerNoContract fires when nothing has traded for a while.
	TriggerNoContract
	// TriggerFunc delegates to a named judge function from the rule
	// configuration.
	TriggerFunc
)

// Callbacks are the rule configuration's callable hooks. Arguments are
// the latest price, day high, day low and previous close.
type Callbacks interface {
	Judge(ref string, latest, high, low, prevClose float64) (bool, error)
	Value(ref string, latest, high, low, prevClose float64) (float64, error)
}

// Trigger decides when a rule should act.
type Trigger struct {
	Kind    TriggerKind
	Percent float64 // value gap threshold, signed
	Seconds int     // window (value gap) or stall threshold (no contract)
	FuncRef string  // judge function name
}

// Judge evaluates the trigger at time now. sectionStart is when the
// current market session opened.
func (tr Trigger) Judge(now, sectionStart types.TimeOfDay, q *types.Quote, cb Callbacks) bool {
	if len(q.Ticks) == 0 {
		return false
	}

	switch tr.Kind {
	case TriggerValueGap:
		if int(q.PrevClose) <= 0 {
			// No previous close to substitute for placeholder ticks.
			// Happens on listing day; anything else is bad data.
			return false
		}
		var high, low, open float64
		for i := len(q.Ticks) - 1; i >= 0; i-- {
			tk := q.Ticks[i]
			if now.Seconds()-tk.At.Seconds() > tr.Seconds {
				continue
			}
			// The day's first tick can be a volume-0 placeholder; its
			// effective price is the previous close.
			price := tk.Price
			if tk.Volume == 0 {
				price = q.PrevClose
			}
			if price > high {
				high = price
			}
			if int(low) == 0 || price < low {
				low = price
			}
			open = price
		}
		if open <= 0 {
			return false
		}
		if tr.Percent > 0 {
			return (high-open)/open*100 >= tr.Percent
		}
		return (low-open)/open*100 <= tr.Percent

	case TriggerNoContract:
		latest := q.Ticks[len(q.Ticks)-1].At.Seconds()
		base := sectionStart.Seconds()
		if latest > base {
			base = latest
		}
		return now.Seconds()-base >= tr.Seconds

	case TriggerFunc:
		latest := q.Ticks[len(q.Ticks)-1]
		if latest.Volume <= 0 {
			// Placeholder tick, not a real trade.
			return false
		}
		ok, err := cb.Judge(tr.FuncRef, latest.Price, q.High, q.Low, q.PrevClose)
		if err != nil {
			return false
		}
		return ok
	}

	return false
}

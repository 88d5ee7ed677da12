// Package machine is the session lifecycle controller: it decides when
// the engine may trade at all (business-day check, market hours) and
// drives the periodic refresh loop that feeds the ledger and the
// dispatcher while a venue is open.
package machine

import (
	"fmt"
	"sort"

	"github.com/soradev/kabu-assist/internal/types"
)

// TTMode is what the market is doing during one timetable slot.
type TTMode int

const (
	ModeClosed TTMode = iota
	// ModeIdle is the gap right before a session opens; the starter
	// runs here so trading can begin the moment the session does.
	ModeIdle
	ModeTokyo
	ModePTS
)

func (m TTMode) String() string {
	switch m {
	case ModeClosed:
		return "closed"
	case ModeIdle:
		return "idle"
	case ModeTokyo:
		return "tokyo"
	case ModePTS:
		return "pts"
	}
	return "unknown"
}

// Venue maps a tradable mode to its venue.
func (m TTMode) Venue() types.Venue {
	switch m {
	case ModeTokyo:
		return types.VenueTokyo
	case ModePTS:
		return types.VenuePTS
	}
	return types.VenueNone
}

// Tradable reports whether orders can go out during this mode.
func (m TTMode) Tradable() bool {
	return m == ModeTokyo || m == ModePTS
}

// Slot is one timetable entry: from At onward the market is in Mode,
// until a later slot takes over.
type Slot struct {
	At   types.TimeOfDay
	Mode TTMode
}

// TimeTable is the day's schedule, kept sorted by time descending so
// the active slot is the first one at or before now.
type TimeTable []Slot

// NewTimeTable validates and orders a schedule.
func NewTimeTable(slots []Slot) (TimeTable, error) {
	if len(slots) == 0 {
		return nil, fmt.Errorf("empty time table")
	}
	tt := make(TimeTable, len(slots))
	copy(tt, slots)
	sort.Slice(tt, func(i, j int) bool { return tt[i].At.Seconds() > tt[j].At.Seconds() })
	for i := 1; i < len(tt); i++ {
		if tt[i].At == tt[i-1].At {
			return nil, fmt.Errorf("duplicate time table slot at %s", tt[i].At)
		}
	}
	return tt, nil
}

// Current resolves the schedule at a moment: the active mode, when that
// slot started, and the mode of the following slot. Before the first
// slot of the day the market is closed.
func (tt TimeTable) Current(now types.TimeOfDay) (mode TTMode, start types.TimeOfDay, next TTMode) {
	mode = ModeClosed
	next = ModeClosed
	for i, slot := range tt {
		if slot.At.Seconds() <= now.Seconds() {
			mode = slot.Mode
			start = slot.At
			if i > 0 {
				next = tt[i-1].Mode
			}
			return mode, start, next
		}
	}
	return ModeClosed, types.TimeOfDay(0), ModeClosed
}

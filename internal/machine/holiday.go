package machine

import (
	"time"
)

// Investigator asks an external source whether today is a trading
// holiday. Single-shot, queried once per closed-check cycle; the
// callback may arrive on any goroutine.
type Investigator interface {
	Investigate(cb func(ok, isHoliday bool, serverTime time.Time))
}

// MonthDay is a recurring calendar day.
type MonthDay struct {
	Month time.Month
	Day   int
}

// DefaultJPXHolidays are the exchange's own non-holiday closures: the
// New Year break and the year-end half day treated as closed here.
func DefaultJPXHolidays() []MonthDay {
	return []MonthDay{
		{Month: time.January, Day: 1},
		{Month: time.January, Day: 2},
		{Month: time.January, Day: 3},
		{Month: time.December, Day: 31},
	}
}

func isFixedHoliday(t time.Time, holidays []MonthDay) bool {
	for _, h := range holidays {
		if t.Month() == h.Month && t.Day() == h.Day {
			return true
		}
	}
	return false
}

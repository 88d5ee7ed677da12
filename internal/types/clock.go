package types

import (
	"fmt"
	"time"
)

// Day is a calendar date, comparable so it can key maps and merge lots.
// The zero value means "no date".
type Day struct {
	Year  int
	Month time.Month
	Dayno int
}

// DayOf truncates a time to its calendar date.
func DayOf(t time.Time) Day {
	return Day{Year: t.Year(), Month: t.Month(), Dayno: t.Day()}
}

// ParseDay reads a "YYYY/MM/DD" string as used by rule files.
func ParseDay(s string) (Day, error) {
	t, err := time.Parse("2006/01/02", s)
	if err != nil {
		return Day{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return DayOf(t), nil
}

// IsZero reports whether no date has been set.
func (d Day) IsZero() bool {
	return d == Day{}
}

func (d Day) String() string {
	if d.IsZero() {
		return ""
	}
	return fmt.Sprintf("%04d/%02d/%02d", d.Year, int(d.Month), d.Dayno)
}

// Compact renders the date for filenames.
func (d Day) Compact() string {
	return fmt.Sprintf("%04d%02d%02d", d.Year, int(d.Month), d.Dayno)
}

// TimeOfDay is a clock time expressed as seconds since midnight.
type TimeOfDay int

// NewTimeOfDay builds a TimeOfDay from hour, minute and second.
func NewTimeOfDay(h, m, s int) TimeOfDay {
	return TimeOfDay(h*3600 + m*60 + s)
}

// TimeOfDayOf truncates a time to its clock time.
func TimeOfDayOf(t time.Time) TimeOfDay {
	return NewTimeOfDay(t.Hour(), t.Minute(), t.Second())
}

// Seconds returns the value as plain seconds since midnight.
func (t TimeOfDay) Seconds() int { return int(t) }

func (t TimeOfDay) String() string {
	sec := int(t)
	return fmt.Sprintf("%02d:%02d:%02d", sec/3600, (sec/60)%60, sec%60)
}

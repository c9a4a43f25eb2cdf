package core

import (
	"fmt"
	"time"
)

const dayLayout = "2006-01-02"

// DayUTC truncates t to midnight UTC of its calendar day in t's own location.
// This is the canonical form for ledger keys: two clients in different
// timezones that agree on the wall-clock day produce the same key.
func DayUTC(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DayIn returns midnight of t's calendar day in loc.
func DayIn(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// SameDay reports whether a and b fall on the same calendar day, each
// interpreted in its own location.
func SameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// DaysBetween returns the whole calendar days from a to b (negative when b
// precedes a). Both are compared at day granularity, ignoring time of day.
func DaysBetween(a, b time.Time) int {
	ua := DayUTC(a)
	ub := DayUTC(b)
	return int(ub.Sub(ua).Hours() / 24)
}

// NextDay returns the calendar day after t at the same granularity.
func NextDay(t time.Time) time.Time {
	return DayUTC(t).AddDate(0, 0, 1)
}

// ParseDay parses a YYYY-MM-DD string into a UTC-midnight day.
func ParseDay(s string) (time.Time, error) {
	t, err := time.ParseInLocation(dayLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid day %q: %w", s, err)
	}
	return t, nil
}

// FormatDay renders a day as YYYY-MM-DD.
func FormatDay(t time.Time) string {
	return t.Format(dayLayout)
}

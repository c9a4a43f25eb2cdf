package core

import (
	"time"
)

// carryForwardScanLimit caps how far back the carry-forward check walks when
// looking for a pattern occurrence that supersedes a rolled-over one.
const carryForwardScanLimit = 366

// OutcomeLookup reports the most recent ledger outcome at or before day for a
// task. ok is false when the ledger has no entry at or before day.
type OutcomeLookup func(taskID string, day time.Time) (outcome Outcome, onDay time.Time, ok bool)

// IsDue decides whether a task instance should be visible on day. It runs on
// the display hot path across hundreds of tasks per render, so malformed
// recurrence data fails closed to "not due" instead of erroring.
//
// lookup is optional; when non-nil it enables the carry-forward rule: a
// recurring task whose most recent outcome at or before day is rolled_over
// stays visible until a newer pattern occurrence supersedes the roll.
func IsDue(task *Task, day time.Time, lookup OutcomeLookup) bool {
	if task == nil {
		return false
	}
	rec := task.Recurrence
	if rec == nil || rec.Type == "" {
		// Untagged recurrence is treated as absent: the task never
		// auto-appears.
		return false
	}

	if rec.Type == RecurrenceNone {
		if rec.StartDate != nil {
			return SameDay(*rec.StartDate, day)
		}
		// An in-flight one-off with no fixed date always shows "today",
		// whatever day the caller is rendering.
		return task.Status == TaskStatusInProgress
	}

	if matchesPattern(rec, day) {
		return true
	}

	// Carry-forward: keep the parent visible while its latest occurrence is
	// still rolled over and nothing newer has come due since.
	if lookup != nil {
		if outcome, onDay, ok := lookup(task.ID, day); ok && outcome == OutcomeRolledOver {
			return !supersededSince(rec, onDay, day)
		}
	}
	return false
}

// matchesPattern evaluates the raw recurrence pattern against day, including
// inclusive start/end bounds. Unknown or underspecified variants fail closed.
func matchesPattern(rec *Recurrence, day time.Time) bool {
	if !withinBounds(rec, day) {
		return false
	}
	switch rec.Type {
	case RecurrenceDaily:
		return true
	case RecurrenceWeekly:
		if len(rec.Weekdays) == 0 {
			return false
		}
		wd := day.Weekday()
		for _, w := range rec.Weekdays {
			if w == wd {
				return true
			}
		}
		return false
	case RecurrenceMonthly:
		if rec.DayOfMonth > 0 {
			return day.Day() == rec.DayOfMonth
		}
		if rec.Weekday != nil && rec.WeekOfMonth != 0 {
			return matchesOrdinalWeekday(rec, day)
		}
		return false
	case RecurrenceInterval:
		if rec.IntervalDays <= 0 || rec.StartDate == nil {
			return false
		}
		days := DaysBetween(*rec.StartDate, day)
		return days >= 0 && days%rec.IntervalDays == 0
	default:
		return false
	}
}

func matchesOrdinalWeekday(rec *Recurrence, day time.Time) bool {
	if day.Weekday() != *rec.Weekday {
		return false
	}
	if rec.WeekOfMonth == -1 {
		return day.Day()+7 > daysInMonth(day)
	}
	return (day.Day()-1)/7+1 == rec.WeekOfMonth
}

func daysInMonth(day time.Time) int {
	y, m, _ := day.Date()
	return time.Date(y, m+1, 0, 0, 0, 0, 0, day.Location()).Day()
}

// withinBounds checks start/end dates at calendar-day granularity. The end
// date is inclusive.
func withinBounds(rec *Recurrence, day time.Time) bool {
	if rec.StartDate != nil && DaysBetween(*rec.StartDate, day) < 0 {
		return false
	}
	if rec.EndDate != nil && DaysBetween(day, *rec.EndDate) < 0 {
		return false
	}
	return true
}

// supersededSince reports whether the pattern produced a new occurrence after
// rolledDay and at or before day. Once a newer occurrence exists, the rolled
// instance no longer keeps the parent visible.
func supersededSince(rec *Recurrence, rolledDay, day time.Time) bool {
	span := DaysBetween(rolledDay, day)
	if span <= 0 {
		return false
	}
	if span > carryForwardScanLimit {
		return true
	}
	cursor := DayUTC(rolledDay)
	for i := 0; i < span; i++ {
		cursor = cursor.AddDate(0, 0, 1)
		if matchesPattern(rec, cursor) {
			return true
		}
	}
	return false
}

// ValidateRecurrence rejects malformed recurrence payloads at write time, so
// only well-formed patterns reach the ledger and resolver.
func ValidateRecurrence(rec *Recurrence) error {
	if rec == nil {
		return nil
	}
	switch rec.Type {
	case "", RecurrenceNone, RecurrenceDaily:
		return nil
	case RecurrenceWeekly:
		if len(rec.Weekdays) == 0 {
			return ErrInvalidRecurrence
		}
		for _, w := range rec.Weekdays {
			if w < time.Sunday || w > time.Saturday {
				return ErrInvalidRecurrence
			}
		}
		return nil
	case RecurrenceMonthly:
		if rec.DayOfMonth >= 1 && rec.DayOfMonth <= 31 {
			return nil
		}
		if rec.Weekday != nil && (rec.WeekOfMonth == -1 || (rec.WeekOfMonth >= 1 && rec.WeekOfMonth <= 5)) {
			return nil
		}
		return ErrInvalidRecurrence
	case RecurrenceInterval:
		if rec.IntervalDays <= 0 || rec.StartDate == nil {
			return ErrInvalidRecurrence
		}
		return nil
	default:
		return ErrInvalidRecurrence
	}
}

package core

import (
	"testing"
	"time"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func dayPtr(y int, m time.Month, d int) *time.Time {
	t := day(y, m, d)
	return &t
}

func weekdayPtr(w time.Weekday) *time.Weekday {
	return &w
}

func TestIsDuePatterns(t *testing.T) {
	tests := []struct {
		name string
		task *Task
		day  time.Time
		want bool
	}{
		{
			name: "nil task",
			task: nil,
			day:  day(2026, time.March, 2),
			want: false,
		},
		{
			name: "no recurrence never due",
			task: &Task{Status: TaskStatusPending},
			day:  day(2026, time.March, 2),
			want: false,
		},
		{
			name: "empty type treated as absent",
			task: &Task{Recurrence: &Recurrence{}},
			day:  day(2026, time.March, 2),
			want: false,
		},
		{
			name: "none type due on its start date",
			task: &Task{Recurrence: &Recurrence{Type: RecurrenceNone, StartDate: dayPtr(2026, time.March, 2)}},
			day:  day(2026, time.March, 2),
			want: true,
		},
		{
			name: "none type not due on another day",
			task: &Task{Recurrence: &Recurrence{Type: RecurrenceNone, StartDate: dayPtr(2026, time.March, 2)}},
			day:  day(2026, time.March, 3),
			want: false,
		},
		{
			name: "none type without date shows while in progress",
			task: &Task{Status: TaskStatusInProgress, Recurrence: &Recurrence{Type: RecurrenceNone}},
			day:  day(2026, time.March, 3),
			want: true,
		},
		{
			name: "none type without date hidden while pending",
			task: &Task{Status: TaskStatusPending, Recurrence: &Recurrence{Type: RecurrenceNone}},
			day:  day(2026, time.March, 3),
			want: false,
		},
		{
			name: "daily due every day",
			task: &Task{Recurrence: &Recurrence{Type: RecurrenceDaily}},
			day:  day(2026, time.March, 3),
			want: true,
		},
		{
			name: "daily before start date",
			task: &Task{Recurrence: &Recurrence{Type: RecurrenceDaily, StartDate: dayPtr(2026, time.March, 10)}},
			day:  day(2026, time.March, 9),
			want: false,
		},
		{
			name: "daily on end date inclusive",
			task: &Task{Recurrence: &Recurrence{Type: RecurrenceDaily, EndDate: dayPtr(2026, time.March, 10)}},
			day:  day(2026, time.March, 10),
			want: true,
		},
		{
			name: "daily after end date",
			task: &Task{Recurrence: &Recurrence{Type: RecurrenceDaily, EndDate: dayPtr(2026, time.March, 10)}},
			day:  day(2026, time.March, 11),
			want: false,
		},
		{
			// 2026-03-03 is a Tuesday.
			name: "weekly mon wed fri not due tuesday",
			task: &Task{Recurrence: &Recurrence{
				Type:     RecurrenceWeekly,
				Weekdays: []time.Weekday{time.Monday, time.Wednesday, time.Friday},
			}},
			day:  day(2026, time.March, 3),
			want: false,
		},
		{
			name: "weekly mon wed fri due wednesday",
			task: &Task{Recurrence: &Recurrence{
				Type:     RecurrenceWeekly,
				Weekdays: []time.Weekday{time.Monday, time.Wednesday, time.Friday},
			}},
			day:  day(2026, time.March, 4),
			want: true,
		},
		{
			name: "weekly with no weekdays fails closed",
			task: &Task{Recurrence: &Recurrence{Type: RecurrenceWeekly}},
			day:  day(2026, time.March, 4),
			want: false,
		},
		{
			name: "monthly day of month match",
			task: &Task{Recurrence: &Recurrence{Type: RecurrenceMonthly, DayOfMonth: 15}},
			day:  day(2026, time.March, 15),
			want: true,
		},
		{
			name: "monthly day of month miss",
			task: &Task{Recurrence: &Recurrence{Type: RecurrenceMonthly, DayOfMonth: 15}},
			day:  day(2026, time.March, 16),
			want: false,
		},
		{
			// 2026-03-10 is the second Tuesday of March.
			name: "monthly second tuesday",
			task: &Task{Recurrence: &Recurrence{
				Type:        RecurrenceMonthly,
				WeekOfMonth: 2,
				Weekday:     weekdayPtr(time.Tuesday),
			}},
			day:  day(2026, time.March, 10),
			want: true,
		},
		{
			// 2026-03-31 is the last Tuesday of March.
			name: "monthly last tuesday",
			task: &Task{Recurrence: &Recurrence{
				Type:        RecurrenceMonthly,
				WeekOfMonth: -1,
				Weekday:     weekdayPtr(time.Tuesday),
			}},
			day:  day(2026, time.March, 31),
			want: true,
		},
		{
			name: "monthly last tuesday not the 24th",
			task: &Task{Recurrence: &Recurrence{
				Type:        RecurrenceMonthly,
				WeekOfMonth: -1,
				Weekday:     weekdayPtr(time.Tuesday),
			}},
			day:  day(2026, time.March, 24),
			want: false,
		},
		{
			name: "monthly underspecified fails closed",
			task: &Task{Recurrence: &Recurrence{Type: RecurrenceMonthly}},
			day:  day(2026, time.March, 15),
			want: false,
		},
		{
			name: "interval every 3 days on a multiple",
			task: &Task{Recurrence: &Recurrence{
				Type:         RecurrenceInterval,
				IntervalDays: 3,
				StartDate:    dayPtr(2026, time.March, 1),
			}},
			day:  day(2026, time.March, 7),
			want: true,
		},
		{
			name: "interval every 3 days off a multiple",
			task: &Task{Recurrence: &Recurrence{
				Type:         RecurrenceInterval,
				IntervalDays: 3,
				StartDate:    dayPtr(2026, time.March, 1),
			}},
			day:  day(2026, time.March, 6),
			want: false,
		},
		{
			name: "interval before anchor",
			task: &Task{Recurrence: &Recurrence{
				Type:         RecurrenceInterval,
				IntervalDays: 3,
				StartDate:    dayPtr(2026, time.March, 10),
			}},
			day:  day(2026, time.March, 7),
			want: false,
		},
		{
			name: "interval without anchor fails closed",
			task: &Task{Recurrence: &Recurrence{Type: RecurrenceInterval, IntervalDays: 3}},
			day:  day(2026, time.March, 7),
			want: false,
		},
		{
			name: "unknown type fails closed",
			task: &Task{Recurrence: &Recurrence{Type: "fortnightly"}},
			day:  day(2026, time.March, 7),
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsDue(tt.task, tt.day, nil); got != tt.want {
				t.Errorf("IsDue() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsDueCarryForward(t *testing.T) {
	// Weekly on Mondays. 2026-03-02 and 2026-03-09 are Mondays.
	task := &Task{
		ID: "t1",
		Recurrence: &Recurrence{
			Type:     RecurrenceWeekly,
			Weekdays: []time.Weekday{time.Monday},
		},
	}

	rolledMonday := day(2026, time.March, 2)
	lookup := func(taskID string, d time.Time) (Outcome, time.Time, bool) {
		if taskID != "t1" {
			return "", time.Time{}, false
		}
		if DaysBetween(rolledMonday, d) >= 0 {
			return OutcomeRolledOver, rolledMonday, true
		}
		return "", time.Time{}, false
	}

	tests := []struct {
		name string
		day  time.Time
		want bool
	}{
		{"rolled monday still matches pattern", day(2026, time.March, 2), true},
		{"carried into tuesday", day(2026, time.March, 3), true},
		{"carried into sunday", day(2026, time.March, 8), true},
		{"next monday matches pattern directly", day(2026, time.March, 9), true},
		{"superseded after next monday", day(2026, time.March, 10), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsDue(task, tt.day, lookup); got != tt.want {
				t.Errorf("IsDue(%s) = %v, want %v", FormatDay(tt.day), got, tt.want)
			}
		})
	}
}

func TestIsDueCarryForwardCompletedOutcome(t *testing.T) {
	task := &Task{
		ID:         "t1",
		Recurrence: &Recurrence{Type: RecurrenceWeekly, Weekdays: []time.Weekday{time.Monday}},
	}
	lookup := func(string, time.Time) (Outcome, time.Time, bool) {
		return OutcomeCompleted, day(2026, time.March, 2), true
	}
	// A completed outcome never carries the task forward.
	if IsDue(task, day(2026, time.March, 3), lookup) {
		t.Error("completed task should not carry forward to Tuesday")
	}
}

func TestValidateRecurrence(t *testing.T) {
	tests := []struct {
		name    string
		rec     *Recurrence
		wantErr bool
	}{
		{"nil recurrence", nil, false},
		{"none", &Recurrence{Type: RecurrenceNone}, false},
		{"daily", &Recurrence{Type: RecurrenceDaily}, false},
		{"weekly with weekdays", &Recurrence{Type: RecurrenceWeekly, Weekdays: []time.Weekday{time.Monday}}, false},
		{"weekly empty weekdays", &Recurrence{Type: RecurrenceWeekly}, true},
		{"weekly out of range weekday", &Recurrence{Type: RecurrenceWeekly, Weekdays: []time.Weekday{7}}, true},
		{"monthly day of month", &Recurrence{Type: RecurrenceMonthly, DayOfMonth: 31}, false},
		{"monthly day of month too large", &Recurrence{Type: RecurrenceMonthly, DayOfMonth: 32}, true},
		{"monthly ordinal", &Recurrence{Type: RecurrenceMonthly, WeekOfMonth: 2, Weekday: weekdayPtr(time.Tuesday)}, false},
		{"monthly last ordinal", &Recurrence{Type: RecurrenceMonthly, WeekOfMonth: -1, Weekday: weekdayPtr(time.Friday)}, false},
		{"monthly unconfigured", &Recurrence{Type: RecurrenceMonthly}, true},
		{"interval", &Recurrence{Type: RecurrenceInterval, IntervalDays: 2, StartDate: dayPtr(2026, time.March, 1)}, false},
		{"interval without anchor", &Recurrence{Type: RecurrenceInterval, IntervalDays: 2}, true},
		{"interval zero days", &Recurrence{Type: RecurrenceInterval, StartDate: dayPtr(2026, time.March, 1)}, true},
		{"unknown type", &Recurrence{Type: "lunar"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRecurrence(tt.rec)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateRecurrence() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

package core

import (
	"time"
)

// TaskStatus describes the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusDone       TaskStatus = "done"
	TaskStatusArchived   TaskStatus = "archived"
)

// CompletionType describes how a task is completed in the UI.
type CompletionType string

const (
	CompletionCheckbox   CompletionType = "checkbox"
	CompletionText       CompletionType = "text"
	CompletionNote       CompletionType = "note"
	CompletionGoal       CompletionType = "goal"
	CompletionWorkout    CompletionType = "workout"
	CompletionSleep      CompletionType = "sleep"
	CompletionReflection CompletionType = "reflection"
	CompletionSelection  CompletionType = "selection"
)

// Outcome is the recorded result for one task on one calendar day.
type Outcome string

const (
	OutcomeCompleted    Outcome = "completed"
	OutcomeNotCompleted Outcome = "not_completed"
	OutcomeRolledOver   Outcome = "rolled_over"
)

// RecurrenceType identifies a recurrence pattern variant.
type RecurrenceType string

const (
	RecurrenceNone     RecurrenceType = "none"
	RecurrenceDaily    RecurrenceType = "daily"
	RecurrenceWeekly   RecurrenceType = "weekly"
	RecurrenceMonthly  RecurrenceType = "monthly"
	RecurrenceInterval RecurrenceType = "interval"
)

// Recurrence is a closed tagged variant describing which calendar days a task
// template is due. A nil Recurrence, or one with an empty Type, means the task
// never auto-appears and must be scheduled explicitly.
type Recurrence struct {
	Type RecurrenceType `json:"type"`

	// StartDate bounds every variant and anchors "none" and "interval".
	StartDate *time.Time `json:"startDate,omitempty"`
	// EndDate is inclusive: a task is still due on its end date.
	EndDate *time.Time `json:"endDate,omitempty"`

	// Weekdays configures the weekly variant. 0=Sunday per time.Weekday.
	Weekdays []time.Weekday `json:"weekdays,omitempty"`

	// DayOfMonth configures the monthly variant (1..31). Zero when the
	// ordinal-weekday form is used instead.
	DayOfMonth int `json:"dayOfMonth,omitempty"`
	// WeekOfMonth together with Weekday selects e.g. the 2nd Tuesday.
	// 1..5, or -1 for the last occurrence in the month.
	WeekOfMonth int           `json:"weekOfMonth,omitempty"`
	Weekday     *time.Weekday `json:"weekday,omitempty"`

	// IntervalDays configures the interval variant: due every N days from
	// StartDate.
	IntervalDays int `json:"intervalDays,omitempty"`
}

// Task represents a tracked item: a one-off, a recurring template, or a
// rollover instance derived from a template.
type Task struct {
	ID             string
	UserID         string
	Title          string
	Notes          *string
	ParentID       *string
	Section        *string
	Tags           []string
	CompletionType CompletionType
	Status         TaskStatus
	StartedAt      *time.Time
	Recurrence     *Recurrence

	// Rollover markers. Set only on derived instances.
	IsRollover     bool
	SourceTaskID   *string
	RolledFromDate *time.Time

	DueTime         *string
	DurationMinutes *int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Recurring reports whether the task has a repeating pattern. Tasks with no
// recurrence or a "none" recurrence are one-time items.
func (t *Task) Recurring() bool {
	return t.Recurrence != nil &&
		t.Recurrence.Type != "" &&
		t.Recurrence.Type != RecurrenceNone
}

// Completion is one ledger entry: the outcome for (TaskID, Day). Day is always
// normalized to UTC midnight so equality is safe across client and server.
// At most one entry exists per (TaskID, Day); writes are last-write-wins.
type Completion struct {
	ID        string
	TaskID    string
	UserID    string
	Day       time.Time
	Outcome   *Outcome
	Note      *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// EntityKind names a broadcastable entity collection.
type EntityKind string

const (
	EntityTask       EntityKind = "task"
	EntityCompletion EntityKind = "completion"
)

// ChangeAction names what happened to an entity.
type ChangeAction string

const (
	ActionCreated ChangeAction = "created"
	ActionUpdated ChangeAction = "updated"
	ActionDeleted ChangeAction = "deleted"
	// ActionSynced signals that another client finished replaying an offline
	// batch and cached collections should be refetched wholesale.
	ActionSynced ChangeAction = "synced"
)

// Event is a change notification fanned out to live client connections.
type Event struct {
	Entity   EntityKind   `json:"entity"`
	Action   ChangeAction `json:"action"`
	EntityID string       `json:"entityId,omitempty"`
	// Day is set for completion events, formatted YYYY-MM-DD.
	Day string `json:"day,omitempty"`
}

// DueTask pairs a task with its due verdict for one day, as returned by the
// date-scoped query.
type DueTask struct {
	Task  *Task
	Day   time.Time
	IsDue bool
}

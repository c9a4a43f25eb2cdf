package core

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

type fakeSweepStore struct {
	tasks    []*Task
	records  map[string]bool
	listErr  error
	checkErr error
}

func (f *fakeSweepStore) ListRecurringTasks(ctx context.Context) ([]*Task, error) {
	return f.tasks, f.listErr
}

func (f *fakeSweepStore) HasRecord(ctx context.Context, taskID string, d time.Time) (bool, error) {
	if f.checkErr != nil {
		return false, f.checkErr
	}
	return f.records[taskID+"/"+FormatDay(d)], nil
}

type fakeRoller struct {
	calls []string
	err   error
}

func (f *fakeRoller) Rollover(ctx context.Context, task *Task, d time.Time) (*Completion, *Task, error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	f.calls = append(f.calls, task.ID+"/"+FormatDay(d))
	outcome := OutcomeRolledOver
	completion := &Completion{TaskID: task.ID, UserID: task.UserID, Day: DayUTC(d), Outcome: &outcome}
	instance := &Task{ID: "inst-" + task.ID, UserID: task.UserID, IsRollover: true, SourceTaskID: &task.ID}
	return completion, instance, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dailyTask(id string) *Task {
	return &Task{ID: id, UserID: "local", Recurrence: &Recurrence{Type: RecurrenceDaily}}
}

func TestSweepOnceRollsDueUnrecordedTasks(t *testing.T) {
	sweepDay := day(2026, time.March, 2)

	st := &fakeSweepStore{
		tasks: []*Task{
			dailyTask("due-unrecorded"),
			dailyTask("due-recorded"),
			{ID: "not-due", UserID: "local", Recurrence: &Recurrence{
				Type:     RecurrenceWeekly,
				Weekdays: []time.Weekday{time.Friday},
			}},
		},
		records: map[string]bool{
			"due-recorded/" + FormatDay(sweepDay): true,
		},
	}
	roller := &fakeRoller{}
	var events []Event
	notify := func(userID string, evt Event) {
		if userID != "local" {
			t.Errorf("notify user = %q, want local", userID)
		}
		events = append(events, evt)
	}

	sw := NewSweeper(st, roller, notify, discardLogger(), time.UTC)
	rolled, err := sw.SweepOnce(context.Background(), sweepDay)
	if err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if rolled != 1 {
		t.Fatalf("rolled = %d, want 1", rolled)
	}
	if len(roller.calls) != 1 || roller.calls[0] != "due-unrecorded/2026-03-02" {
		t.Errorf("roller calls = %v", roller.calls)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].Entity != EntityTask || events[0].Action != ActionCreated {
		t.Errorf("first event = %+v", events[0])
	}
	if events[1].Entity != EntityCompletion || events[1].Action != ActionUpdated || events[1].Day != "2026-03-02" {
		t.Errorf("second event = %+v", events[1])
	}
}

func TestSweepOnceIdempotent(t *testing.T) {
	sweepDay := day(2026, time.March, 2)
	st := &fakeSweepStore{
		tasks:   []*Task{dailyTask("t1")},
		records: map[string]bool{},
	}
	roller := &fakeRoller{}
	sw := NewSweeper(st, roller, nil, discardLogger(), time.UTC)

	if _, err := sw.SweepOnce(context.Background(), sweepDay); err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	// The real roller writes a ledger entry; mimic that here.
	st.records["t1/"+FormatDay(sweepDay)] = true

	rolled, err := sw.SweepOnce(context.Background(), sweepDay)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if rolled != 0 {
		t.Errorf("second sweep rolled = %d, want 0", rolled)
	}
}

func TestSweepOnceSkipsFailingTask(t *testing.T) {
	st := &fakeSweepStore{tasks: []*Task{dailyTask("t1"), dailyTask("t2")}}
	roller := &fakeRoller{err: errors.New("disk full")}
	sw := NewSweeper(st, roller, nil, discardLogger(), time.UTC)

	rolled, err := sw.SweepOnce(context.Background(), day(2026, time.March, 2))
	if err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if rolled != 0 {
		t.Errorf("rolled = %d, want 0", rolled)
	}
}

func TestSweepOnceListError(t *testing.T) {
	st := &fakeSweepStore{listErr: errors.New("db closed")}
	sw := NewSweeper(st, &fakeRoller{}, nil, discardLogger(), time.UTC)

	if _, err := sw.SweepOnce(context.Background(), day(2026, time.March, 2)); err == nil {
		t.Error("SweepOnce returned nil error with a failing store")
	}
}

func TestSweeperStartRejectsBadSpec(t *testing.T) {
	sw := NewSweeper(&fakeSweepStore{}, &fakeRoller{}, nil, discardLogger(), time.UTC)
	if err := sw.Start(context.Background(), "not a cron"); err == nil {
		t.Error("Start accepted an invalid cron spec")
	}
}

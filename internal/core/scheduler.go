package core

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// SweepStore is the slice of the persistence layer the sweeper needs.
type SweepStore interface {
	// ListRecurringTasks returns every non-archived recurring template.
	ListRecurringTasks(ctx context.Context) ([]*Task, error)
	// HasRecord reports whether the ledger holds any entry for (taskID, day).
	HasRecord(ctx context.Context, taskID string, day time.Time) (bool, error)
}

// Roller performs the atomic rollover transaction for one task and day.
type Roller interface {
	Rollover(ctx context.Context, task *Task, day time.Time) (*Completion, *Task, error)
}

// Notifier receives a change event for fan-out after a sweep mutates state.
type Notifier func(userID string, evt Event)

// Sweeper runs the nightly rollover pass: any recurring task that was due the
// previous day with no ledger outcome gets rolled over into a derived one-off
// for the new day.
type Sweeper struct {
	store    SweepStore
	roller   Roller
	notify   Notifier
	logger   *slog.Logger
	location *time.Location

	cron    *cron.Cron
	entryMu sync.Mutex
	entry   *cron.EntryID

	ctx context.Context
}

// NewSweeper constructs a sweeper with the given dependencies. notify may be
// nil when no broadcast hub is attached (MCP-only mode).
func NewSweeper(store SweepStore, roller Roller, notify Notifier, logger *slog.Logger, location *time.Location) *Sweeper {
	if location == nil {
		location = time.Local
	}
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithLocation(location),
	)
	return &Sweeper{
		store:    store,
		roller:   roller,
		notify:   notify,
		logger:   logger,
		location: location,
		cron:     c,
	}
}

// Start schedules the sweep at the given cron spec and begins the timer loop.
// ctx is used for background store and rollover operations.
func (s *Sweeper) Start(ctx context.Context, spec string) error {
	schedule, err := ParseCron(spec)
	if err != nil {
		return err
	}
	s.ctx = ctx
	job := func() {
		// The job fires just after midnight; the sweep target is the
		// calendar day that has already ended.
		yesterday := DayIn(time.Now(), s.location).AddDate(0, 0, -1)
		if _, err := s.SweepOnce(s.ctxOrBackground(), yesterday); err != nil {
			s.logger.Error("rollover sweep", "err", err)
		}
	}
	s.entryMu.Lock()
	defer s.entryMu.Unlock()
	id := s.cron.Schedule(schedule, cron.FuncJob(job))
	s.entry = &id
	s.cron.Start()
	return nil
}

// Stop stops the timer loop and waits for an in-flight sweep dispatch.
func (s *Sweeper) Stop() context.Context {
	return s.cron.Stop()
}

// SweepOnce rolls over every recurring task that was due on day but has no
// ledger entry. It returns how many tasks were rolled. Individual task
// failures are logged and skipped so one bad row cannot stall the sweep.
func (s *Sweeper) SweepOnce(ctx context.Context, day time.Time) (int, error) {
	tasks, err := s.store.ListRecurringTasks(ctx)
	if err != nil {
		return 0, err
	}
	rolled := 0
	for _, task := range tasks {
		if !IsDue(task, day, nil) {
			continue
		}
		has, err := s.store.HasRecord(ctx, task.ID, day)
		if err != nil {
			s.logger.Error("check ledger for sweep", "task_id", task.ID, "err", err)
			continue
		}
		if has {
			continue
		}
		_, instance, err := s.roller.Rollover(ctx, task, day)
		if err != nil {
			s.logger.Error("sweep rollover", "task_id", task.ID, "err", err)
			continue
		}
		rolled++
		s.logger.Info("task rolled over", "task_id", task.ID, "day", FormatDay(day), "instance_id", instance.ID)
		if s.notify != nil {
			s.notify(task.UserID, Event{Entity: EntityTask, Action: ActionCreated, EntityID: instance.ID})
			s.notify(task.UserID, Event{Entity: EntityCompletion, Action: ActionUpdated, EntityID: task.ID, Day: FormatDay(day)})
		}
	}
	return rolled, nil
}

func (s *Sweeper) ctxOrBackground() context.Context {
	if s.ctx != nil {
		return s.ctx
	}
	return context.Background()
}

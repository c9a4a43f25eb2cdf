package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"habitd/internal/core"
)

var ErrCompletionNotFound = errors.New("completion not found")

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// CompletionWrite is one ledger write: an outcome (or nil to record a bare
// note) for a task on a calendar day.
type CompletionWrite struct {
	TaskID  string
	Day     time.Time
	Outcome *core.Outcome
	Note    *string
}

// UpsertCompletion records the outcome for (taskID, day), overwriting any
// existing entry. The day is normalized to UTC midnight. Changing an outcome
// away from rolled_over deletes the rollover instance the entry spawned, in
// the same transaction.
func (s *Store) UpsertCompletion(ctx context.Context, userID string, w CompletionWrite) (*core.Completion, error) {
	var completion *core.Completion
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.checkOwnership(ctx, tx, userID, w.TaskID); err != nil {
			return err
		}
		var err error
		completion, err = s.upsertCompletionTx(ctx, tx, userID, w)
		return err
	})
	if err != nil {
		return nil, err
	}
	return completion, nil
}

// BatchUpsertCompletions applies several ledger writes atomically. If any
// referenced task does not belong to userID the whole batch is rejected
// before a single row is written.
func (s *Store) BatchUpsertCompletions(ctx context.Context, userID string, writes []CompletionWrite) ([]*core.Completion, error) {
	results := make([]*core.Completion, 0, len(writes))
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, w := range writes {
			if err := s.checkOwnership(ctx, tx, userID, w.TaskID); err != nil {
				return err
			}
		}
		for _, w := range writes {
			completion, err := s.upsertCompletionTx(ctx, tx, userID, w)
			if err != nil {
				return err
			}
			results = append(results, completion)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// ClearCompletion deletes the ledger entry for (taskID, day) and, in the same
// transaction, any rollover instance that entry spawned.
func (s *Store) ClearCompletion(ctx context.Context, userID, taskID string, day time.Time) error {
	day = core.DayUTC(day)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.checkOwnership(ctx, tx, userID, taskID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM completions WHERE task_id = ? AND day = ?`,
			taskID, core.FormatDay(day))
		if err != nil {
			return fmt.Errorf("delete completion: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return ErrCompletionNotFound
		}
		return deleteRolloverInstanceTx(ctx, tx, taskID, day)
	})
}

// Rollover atomically records a rolled_over outcome for (task, day) and
// creates the derived one-off instance anchored to the following day. Calling
// it again for the same pair returns the existing instance instead of
// duplicating it. One-time tasks cannot roll over.
func (s *Store) Rollover(ctx context.Context, task *core.Task, day time.Time) (*core.Completion, *core.Task, error) {
	if task == nil || !task.Recurring() {
		return nil, nil, core.ErrNotRecurring
	}
	day = core.DayUTC(day)
	var (
		completion *core.Completion
		instance   *core.Task
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := findRolloverInstanceTx(ctx, tx, task.ID, day)
		if err != nil && !errors.Is(err, ErrTaskNotFound) {
			return err
		}
		outcome := core.OutcomeRolledOver
		completion, err = s.upsertCompletionTx(ctx, tx, task.UserID, CompletionWrite{
			TaskID:  task.ID,
			Day:     day,
			Outcome: &outcome,
		})
		if err != nil {
			return err
		}
		if existing != nil {
			instance = existing
			return nil
		}
		instance = deriveRolloverInstance(task, day)
		if _, err := tx.ExecContext(ctx, insertTaskSQL, insertTaskArgs(instance)...); err != nil {
			return fmt.Errorf("insert rollover instance: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return completion, instance, nil
}

// deriveRolloverInstance copies the template's display fields into a derived
// one-off task whose degenerate "none" recurrence starts the day after day.
func deriveRolloverInstance(task *core.Task, day time.Time) *core.Task {
	next := core.NextDay(day)
	sourceID := task.ID
	rolledFrom := day
	now := time.Now().UTC()
	instance := &core.Task{
		ID:             core.NewID(),
		UserID:         task.UserID,
		Title:          task.Title,
		Section:        task.Section,
		Tags:           append([]string(nil), task.Tags...),
		CompletionType: task.CompletionType,
		Status:         core.TaskStatusPending,
		Recurrence: &core.Recurrence{
			Type:      core.RecurrenceNone,
			StartDate: &next,
		},
		IsRollover:      true,
		SourceTaskID:    &sourceID,
		RolledFromDate:  &rolledFrom,
		DueTime:         task.DueTime,
		DurationMinutes: task.DurationMinutes,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	return instance
}

// GetOutcome returns the recorded outcome for (taskID, day), or nil when the
// ledger has no entry or the entry carries no outcome.
func (s *Store) GetOutcome(ctx context.Context, taskID string, day time.Time) (*core.Outcome, error) {
	completion, err := s.GetCompletion(ctx, taskID, day)
	if err != nil {
		if errors.Is(err, ErrCompletionNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return completion.Outcome, nil
}

// GetCompletion returns the ledger entry for (taskID, day).
func (s *Store) GetCompletion(ctx context.Context, taskID string, day time.Time) (*core.Completion, error) {
	row := s.DB.QueryRowContext(ctx, selectCompletionSQL+` WHERE task_id = ? AND day = ?`,
		taskID, core.FormatDay(core.DayUTC(day)))
	completion, err := scanCompletion(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCompletionNotFound
		}
		return nil, err
	}
	return completion, nil
}

// HasRecord reports whether the ledger holds any entry for (taskID, day).
func (s *Store) HasRecord(ctx context.Context, taskID string, day time.Time) (bool, error) {
	var count int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM completions WHERE task_id = ? AND day = ?`,
		taskID, core.FormatDay(core.DayUTC(day))).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check completion record: %w", err)
	}
	return count > 0, nil
}

// LatestOutcomeOnOrBefore scans for the most recent ledger entry for taskID at
// or before day. Used by the carry-forward rule.
func (s *Store) LatestOutcomeOnOrBefore(ctx context.Context, taskID string, day time.Time) (*core.Completion, error) {
	row := s.DB.QueryRowContext(ctx, selectCompletionSQL+`
		WHERE task_id = ? AND day <= ?
		ORDER BY day DESC
		LIMIT 1
	`, taskID, core.FormatDay(core.DayUTC(day)))
	completion, err := scanCompletion(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCompletionNotFound
		}
		return nil, err
	}
	return completion, nil
}

// ListCompletions returns a user's ledger entries in [from, to], both
// inclusive, ordered by day.
func (s *Store) ListCompletions(ctx context.Context, userID string, from, to time.Time) ([]*core.Completion, error) {
	rows, err := s.DB.QueryContext(ctx, selectCompletionSQL+`
		WHERE user_id = ? AND day >= ? AND day <= ?
		ORDER BY day, task_id
	`, userID, core.FormatDay(core.DayUTC(from)), core.FormatDay(core.DayUTC(to)))
	if err != nil {
		return nil, fmt.Errorf("query completions: %w", err)
	}
	defer rows.Close()
	var completions []*core.Completion
	for rows.Next() {
		completion, err := scanCompletion(rows)
		if err != nil {
			return nil, err
		}
		completions = append(completions, completion)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return completions, nil
}

// OutcomeLookup adapts the ledger to the resolver's carry-forward hook.
// Lookup errors fail closed: the resolver sees "no record".
func (s *Store) OutcomeLookup(ctx context.Context) core.OutcomeLookup {
	return func(taskID string, day time.Time) (core.Outcome, time.Time, bool) {
		completion, err := s.LatestOutcomeOnOrBefore(ctx, taskID, day)
		if err != nil || completion.Outcome == nil {
			return "", time.Time{}, false
		}
		return *completion.Outcome, completion.Day, true
	}
}

const selectCompletionSQL = `
	SELECT id, task_id, user_id, day, outcome, note, created_at, updated_at
	FROM completions`

// upsertCompletionTx performs the last-write-wins entry upsert and the
// rollover-cascade bookkeeping inside an open transaction.
func (s *Store) upsertCompletionTx(ctx context.Context, tx *sql.Tx, userID string, w CompletionWrite) (*core.Completion, error) {
	day := core.DayUTC(w.Day)
	dayStr := core.FormatDay(day)

	prev, err := scanCompletion(tx.QueryRowContext(ctx, selectCompletionSQL+` WHERE task_id = ? AND day = ?`,
		w.TaskID, dayStr))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	now := time.Now().UTC()
	completion := &core.Completion{
		TaskID:    w.TaskID,
		UserID:    userID,
		Day:       day,
		Outcome:   w.Outcome,
		Note:      w.Note,
		UpdatedAt: now,
	}
	if prev != nil {
		completion.ID = prev.ID
		completion.CreatedAt = prev.CreatedAt
		if _, err := tx.ExecContext(ctx, `
			UPDATE completions SET outcome = ?, note = ?, updated_at = ?
			WHERE id = ?
		`, nullableOutcome(w.Outcome), nullableString(w.Note), now.Format(time.RFC3339Nano), prev.ID); err != nil {
			return nil, fmt.Errorf("update completion: %w", err)
		}
	} else {
		completion.ID = core.NewID()
		completion.CreatedAt = now
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO completions (id, task_id, user_id, day, outcome, note, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, completion.ID, w.TaskID, userID, dayStr, nullableOutcome(w.Outcome), nullableString(w.Note),
			now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano)); err != nil {
			return nil, fmt.Errorf("insert completion: %w", err)
		}
	}

	// Superseding a rolled_over entry retires the derived instance.
	if prev != nil && prev.Outcome != nil && *prev.Outcome == core.OutcomeRolledOver {
		if w.Outcome == nil || *w.Outcome != core.OutcomeRolledOver {
			if err := deleteRolloverInstanceTx(ctx, tx, w.TaskID, day); err != nil {
				return nil, err
			}
		}
	}
	return completion, nil
}

func deleteRolloverInstanceTx(ctx context.Context, tx *sql.Tx, sourceID string, day time.Time) error {
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM tasks WHERE source_task_id = ? AND rolled_from_date = ? AND is_rollover = 1
	`, sourceID, core.FormatDay(core.DayUTC(day))); err != nil {
		return fmt.Errorf("delete rollover instance: %w", err)
	}
	return nil
}

func findRolloverInstanceTx(ctx context.Context, tx *sql.Tx, sourceID string, day time.Time) (*core.Task, error) {
	row := tx.QueryRowContext(ctx, selectTaskSQL+`
		WHERE source_task_id = ? AND rolled_from_date = ? AND is_rollover = 1
	`, sourceID, core.FormatDay(core.DayUTC(day)))
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return task, nil
}

// checkOwnership verifies taskID exists and belongs to userID.
func (s *Store) checkOwnership(ctx context.Context, q dbtx, userID, taskID string) error {
	var owner string
	err := q.QueryRowContext(ctx, `SELECT user_id FROM tasks WHERE id = ?`, taskID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrTaskNotFound
	}
	if err != nil {
		return fmt.Errorf("check task ownership: %w", err)
	}
	if owner != userID {
		return core.ErrCrossUser
	}
	return nil
}

func scanCompletion(scanner interface {
	Scan(dest ...any) error
}) (*core.Completion, error) {
	var (
		id, taskID, userID, dayStr string
		outcome                    sql.NullString
		note                       sql.NullString
		createdAt, updatedAt       string
	)
	if err := scanner.Scan(&id, &taskID, &userID, &dayStr, &outcome, &note, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan completion: %w", err)
	}
	completion := &core.Completion{
		ID:     id,
		TaskID: taskID,
		UserID: userID,
	}
	if day, err := core.ParseDay(dayStr); err == nil {
		completion.Day = day
	}
	if outcome.Valid {
		val := core.Outcome(outcome.String)
		completion.Outcome = &val
	}
	if note.Valid {
		completion.Note = &note.String
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		completion.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		completion.UpdatedAt = t
	}
	return completion, nil
}

func nullableOutcome(value *core.Outcome) any {
	if value == nil {
		return nil
	}
	return string(*value)
}

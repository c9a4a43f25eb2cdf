package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"habitd/internal/core"
)

var ErrTaskNotFound = errors.New("task not found")

func (s *Store) InsertTask(ctx context.Context, task *core.Task) error {
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	_, err := s.DB.ExecContext(ctx, insertTaskSQL, insertTaskArgs(task)...)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

const insertTaskSQL = `
	INSERT INTO tasks (id, user_id, title, notes, parent_id, section, tags, completion_type, status,
		started_at, recurrence, is_rollover, source_task_id, rolled_from_date, due_time, duration_minutes,
		created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

func insertTaskArgs(task *core.Task) []any {
	return []any{
		task.ID, task.UserID, task.Title, nullableString(task.Notes), nullableString(task.ParentID),
		nullableString(task.Section), marshalJSON(task.Tags), task.CompletionType, task.Status,
		nullableTime(task.StartedAt), marshalJSON(task.Recurrence), boolToInt(task.IsRollover),
		nullableString(task.SourceTaskID), nullableDay(task.RolledFromDate),
		nullableString(task.DueTime), nullableInt(task.DurationMinutes),
		task.CreatedAt.Format(time.RFC3339Nano), task.UpdatedAt.Format(time.RFC3339Nano),
	}
}

func (s *Store) UpdateTask(ctx context.Context, task *core.Task) error {
	task.UpdatedAt = time.Now().UTC()
	res, err := s.DB.ExecContext(ctx, `
		UPDATE tasks
		SET title = ?, notes = ?, parent_id = ?, section = ?, tags = ?, completion_type = ?, status = ?,
			started_at = ?, recurrence = ?, due_time = ?, duration_minutes = ?, updated_at = ?
		WHERE id = ? AND user_id = ?
	`, task.Title, nullableString(task.Notes), nullableString(task.ParentID), nullableString(task.Section),
		marshalJSON(task.Tags), task.CompletionType, task.Status, nullableTime(task.StartedAt),
		marshalJSON(task.Recurrence), nullableString(task.DueTime), nullableInt(task.DurationMinutes),
		task.UpdatedAt.Format(time.RFC3339Nano), task.ID, task.UserID)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task rows: %w", err)
	}
	if rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// DeleteTask removes a task together with its ledger entries and any rollover
// instances derived from it, in one transaction.
func (s *Store) DeleteTask(ctx context.Context, userID, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ? AND user_id = ?`, id, userID)
		if err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return ErrTaskNotFound
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE source_task_id = ? AND is_rollover = 1`, id); err != nil {
			return fmt.Errorf("delete rollover instances: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM completions WHERE task_id = ?`, id); err != nil {
			return fmt.Errorf("delete completions: %w", err)
		}
		return nil
	})
}

func (s *Store) GetTask(ctx context.Context, id string) (*core.Task, error) {
	row := s.DB.QueryRowContext(ctx, selectTaskSQL+` WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return task, nil
}

const selectTaskSQL = `
	SELECT id, user_id, title, notes, parent_id, section, tags, completion_type, status,
		started_at, recurrence, is_rollover, source_task_id, rolled_from_date, due_time, duration_minutes,
		created_at, updated_at
	FROM tasks`

// ListTasks returns all tasks for a user, optionally filtered by status.
func (s *Store) ListTasks(ctx context.Context, userID string, status *core.TaskStatus) ([]*core.Task, error) {
	var rows *sql.Rows
	var err error
	if status != nil {
		rows, err = s.DB.QueryContext(ctx, selectTaskSQL+`
			WHERE user_id = ? AND status = ?
			ORDER BY created_at DESC
		`, userID, *status)
	} else {
		rows, err = s.DB.QueryContext(ctx, selectTaskSQL+`
			WHERE user_id = ?
			ORDER BY created_at DESC
		`, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	return collectTasks(rows)
}

// ListRecurringTasks returns every non-archived task carrying a repeating
// recurrence pattern, across all users. Consumed by the rollover sweep.
func (s *Store) ListRecurringTasks(ctx context.Context) ([]*core.Task, error) {
	rows, err := s.DB.QueryContext(ctx, selectTaskSQL+`
		WHERE recurrence IS NOT NULL AND is_rollover = 0 AND status != ?
		ORDER BY created_at
	`, core.TaskStatusArchived)
	if err != nil {
		return nil, fmt.Errorf("query recurring tasks: %w", err)
	}
	tasks, err := collectTasks(rows)
	if err != nil {
		return nil, err
	}
	recurring := tasks[:0]
	for _, t := range tasks {
		if t.Recurring() {
			recurring = append(recurring, t)
		}
	}
	return recurring, nil
}

// FindRolloverInstance locates the derived task spawned by rolling sourceID
// over on day, if one exists.
func (s *Store) FindRolloverInstance(ctx context.Context, sourceID string, day time.Time) (*core.Task, error) {
	row := s.DB.QueryRowContext(ctx, selectTaskSQL+`
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

func collectTasks(rows *sql.Rows) ([]*core.Task, error) {
	defer rows.Close()
	var tasks []*core.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tasks, nil
}

func scanTask(scanner interface {
	Scan(dest ...any) error
}) (*core.Task, error) {
	var (
		id, userID, title string
		notes             sql.NullString
		parentID          sql.NullString
		section           sql.NullString
		tags              sql.NullString
		completionType    string
		status            string
		startedAt         sql.NullString
		recurrence        sql.NullString
		isRollover        int
		sourceTaskID      sql.NullString
		rolledFromDate    sql.NullString
		dueTime           sql.NullString
		durationMinutes   sql.NullInt64
		createdAt         string
		updatedAt         string
	)
	if err := scanner.Scan(&id, &userID, &title, &notes, &parentID, &section, &tags, &completionType,
		&status, &startedAt, &recurrence, &isRollover, &sourceTaskID, &rolledFromDate,
		&dueTime, &durationMinutes, &createdAt, &updatedAt); err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	task := &core.Task{
		ID:             id,
		UserID:         userID,
		Title:          title,
		CompletionType: core.CompletionType(completionType),
		Status:         core.TaskStatus(status),
		IsRollover:     isRollover == 1,
	}
	if notes.Valid {
		task.Notes = &notes.String
	}
	if parentID.Valid {
		task.ParentID = &parentID.String
	}
	if section.Valid {
		task.Section = &section.String
	}
	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &task.Tags); err != nil {
			return nil, fmt.Errorf("decode tags for task %s: %w", id, err)
		}
	}
	if startedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, startedAt.String); err == nil {
			task.StartedAt = &t
		}
	}
	if recurrence.Valid && recurrence.String != "" {
		var rec core.Recurrence
		if err := json.Unmarshal([]byte(recurrence.String), &rec); err != nil {
			return nil, fmt.Errorf("decode recurrence for task %s: %w", id, err)
		}
		task.Recurrence = &rec
	}
	if sourceTaskID.Valid {
		task.SourceTaskID = &sourceTaskID.String
	}
	if rolledFromDate.Valid {
		if t, err := core.ParseDay(rolledFromDate.String); err == nil {
			task.RolledFromDate = &t
		}
	}
	if dueTime.Valid {
		task.DueTime = &dueTime.String
	}
	if durationMinutes.Valid {
		val := int(durationMinutes.Int64)
		task.DurationMinutes = &val
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		task.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		task.UpdatedAt = t
	}
	return task, nil
}

func nullableString(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}

func nullableInt(value *int) any {
	if value == nil {
		return nil
	}
	return *value
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return value.UTC().Format(time.RFC3339Nano)
}

func nullableDay(value *time.Time) any {
	if value == nil {
		return nil
	}
	return core.FormatDay(core.DayUTC(*value))
}

func marshalJSON(v any) any {
	switch t := v.(type) {
	case []string:
		if t == nil {
			return nil
		}
	case *core.Recurrence:
		if t == nil {
			return nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return string(data)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

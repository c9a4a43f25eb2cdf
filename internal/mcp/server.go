package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"habitd/internal/core"
	"habitd/internal/store"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// MCPServer exposes the task and completion operations over the MCP stdio
// transport, for assistants acting as another client of the same store.
type MCPServer struct {
	store    *store.Store
	sweeper  *core.Sweeper
	logger   *slog.Logger
	location *time.Location
	userID   string
}

// NewMCPServer creates a new MCP server instance.
func NewMCPServer(st *store.Store, sweeper *core.Sweeper, logger *slog.Logger, location *time.Location, userID string) *MCPServer {
	return &MCPServer{
		store:    st,
		sweeper:  sweeper,
		logger:   logger,
		location: location,
		userID:   userID,
	}
}

// Run starts the MCP server using stdio transport.
func (s *MCPServer) Run() error {
	mcpServer := server.NewMCPServer(
		"habitd",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	s.registerTools(mcpServer)

	s.logger.Info("MCP server starting on stdio")

	return server.ServeStdio(mcpServer)
}

// registerTools registers all available MCP tools.
func (s *MCPServer) registerTools(mcpServer *server.MCPServer) {
	mcpServer.AddTool(mcp.NewTool("habit_create_task",
		mcp.WithDescription("Create a task. Recurring tasks take a recurrence pattern as JSON, e.g. {\"type\":\"weekly\",\"weekdays\":[1,3,5]}"),
		mcp.WithString("title",
			mcp.Required(),
			mcp.Description("Task title"),
		),
		mcp.WithString("notes",
			mcp.Description("Free-form notes (optional)"),
		),
		mcp.WithString("section",
			mcp.Description("Section the task is grouped under (optional)"),
		),
		mcp.WithString("completion_type",
			mcp.Description("How the task is completed, default checkbox"),
			mcp.Enum("checkbox", "text", "note", "goal", "workout", "sleep", "reflection", "selection"),
		),
		mcp.WithString("recurrence",
			mcp.Description("Recurrence pattern as a JSON object: type none|daily|weekly|monthly|interval plus its fields (optional)"),
		),
	), s.handleCreateTask)

	mcpServer.AddTool(mcp.NewTool("habit_list_tasks",
		mcp.WithDescription("List tasks"),
		mcp.WithString("status",
			mcp.Description("Filter by status"),
			mcp.Enum("pending", "in_progress", "done", "archived"),
		),
	), s.handleListTasks)

	mcpServer.AddTool(mcp.NewTool("habit_get_task",
		mcp.WithDescription("Get one task"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
	), s.handleGetTask)

	mcpServer.AddTool(mcp.NewTool("habit_update_task",
		mcp.WithDescription("Update a task's fields"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
		mcp.WithString("title",
			mcp.Description("New title"),
		),
		mcp.WithString("notes",
			mcp.Description("New notes"),
		),
		mcp.WithString("status",
			mcp.Description("New status"),
			mcp.Enum("pending", "in_progress", "done", "archived"),
		),
		mcp.WithString("recurrence",
			mcp.Description("New recurrence pattern as a JSON object"),
		),
	), s.handleUpdateTask)

	mcpServer.AddTool(mcp.NewTool("habit_delete_task",
		mcp.WithDescription("Delete a task, its completions, and any rollover instances derived from it"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
	), s.handleDeleteTask)

	mcpServer.AddTool(mcp.NewTool("habit_record_outcome",
		mcp.WithDescription("Record the outcome for a task on a calendar day"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
		mcp.WithString("day",
			mcp.Description("Calendar day YYYY-MM-DD, default today"),
		),
		mcp.WithString("outcome",
			mcp.Required(),
			mcp.Description("Recorded outcome"),
			mcp.Enum("completed", "not_completed"),
		),
		mcp.WithString("note",
			mcp.Description("Note attached to the entry (optional)"),
		),
	), s.handleRecordOutcome)

	mcpServer.AddTool(mcp.NewTool("habit_rollover_task",
		mcp.WithDescription("Mark a recurring task rolled over for a day and create its carry-forward copy"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID of a recurring template"),
		),
		mcp.WithString("day",
			mcp.Description("Calendar day YYYY-MM-DD, default today"),
		),
	), s.handleRolloverTask)

	mcpServer.AddTool(mcp.NewTool("habit_due",
		mcp.WithDescription("List which tasks are due on each day of a date range"),
		mcp.WithString("from",
			mcp.Description("Range start YYYY-MM-DD, default today"),
		),
		mcp.WithString("to",
			mcp.Description("Range end YYYY-MM-DD inclusive, default from"),
		),
	), s.handleDue)

	mcpServer.AddTool(mcp.NewTool("habit_sweep",
		mcp.WithDescription("Run the rollover sweep: roll over every recurring task that was due but unrecorded on a day"),
		mcp.WithString("day",
			mcp.Description("Calendar day YYYY-MM-DD, default yesterday"),
		),
	), s.handleSweep)

	s.logger.Info("MCP tools registered", "count", 9)
}

// handleCreateTask handles the habit_create_task tool call.
func (s *MCPServer) handleCreateTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	title := strings.TrimSpace(mcp.ParseString(request, "title", ""))
	if title == "" {
		return mcp.NewToolResultError("title is required"), nil
	}

	rec, err := parseRecurrenceArg(mcp.ParseString(request, "recurrence", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid recurrence: %v", err)), nil
	}

	completionType := core.CompletionType(mcp.ParseString(request, "completion_type", string(core.CompletionCheckbox)))

	task := &core.Task{
		ID:             core.NewID(),
		UserID:         s.userID,
		Title:          title,
		Notes:          optionalString(mcp.ParseString(request, "notes", "")),
		Section:        optionalString(mcp.ParseString(request, "section", "")),
		CompletionType: completionType,
		Status:         core.TaskStatusPending,
		Recurrence:     rec,
	}

	if err := s.store.InsertTask(ctx, task); err != nil {
		s.logger.Error("insert task", "err", err)
		return mcp.NewToolResultError(fmt.Sprintf("create task failed: %v", err)), nil
	}

	s.logger.Info("task created", "task_id", task.ID)

	return mcp.NewToolResultText(fmt.Sprintf("Task created\nID: %s\nTitle: %s%s",
		task.ID, task.Title, describeRecurrence(task.Recurrence))), nil
}

// handleListTasks handles the habit_list_tasks tool call.
func (s *MCPServer) handleListTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var statusFilter *core.TaskStatus
	if statusStr := mcp.ParseString(request, "status", ""); statusStr != "" {
		status := core.TaskStatus(statusStr)
		statusFilter = &status
	}

	tasks, err := s.store.ListTasks(ctx, s.userID, statusFilter)
	if err != nil {
		s.logger.Error("list tasks", "err", err)
		return mcp.NewToolResultError(fmt.Sprintf("list tasks failed: %v", err)), nil
	}

	if len(tasks) == 0 {
		return mcp.NewToolResultText("No tasks found"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d tasks:\n\n", len(tasks))
	for _, t := range tasks {
		fmt.Fprintf(&b, "%s [%s] %s\n", t.ID, t.Status, t.Title)
		if t.Section != nil {
			fmt.Fprintf(&b, "  Section: %s\n", *t.Section)
		}
		if desc := describeRecurrence(t.Recurrence); desc != "" {
			fmt.Fprintf(&b, " %s\n", desc)
		}
		if t.IsRollover && t.RolledFromDate != nil {
			fmt.Fprintf(&b, "  Rolled over from: %s\n", core.FormatDay(*t.RolledFromDate))
		}
		b.WriteString("\n")
	}

	return mcp.NewToolResultText(b.String()), nil
}

// handleGetTask handles the habit_get_task tool call.
func (s *MCPServer) handleGetTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, res := s.loadTask(ctx, request)
	if res != nil {
		return res, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Task ID: %s\n", task.ID)
	fmt.Fprintf(&b, "Title: %s\n", task.Title)
	fmt.Fprintf(&b, "Status: %s\n", task.Status)
	fmt.Fprintf(&b, "Completion type: %s\n", task.CompletionType)
	if task.Notes != nil {
		fmt.Fprintf(&b, "Notes: %s\n", *task.Notes)
	}
	if task.Section != nil {
		fmt.Fprintf(&b, "Section: %s\n", *task.Section)
	}
	if len(task.Tags) > 0 {
		fmt.Fprintf(&b, "Tags: %s\n", strings.Join(task.Tags, ", "))
	}
	if task.Recurrence != nil {
		recJSON, _ := json.Marshal(task.Recurrence)
		fmt.Fprintf(&b, "Recurrence: %s\n", recJSON)
	}
	if task.IsRollover && task.SourceTaskID != nil {
		fmt.Fprintf(&b, "Rollover of: %s\n", *task.SourceTaskID)
	}
	fmt.Fprintf(&b, "Created: %s\n", task.CreatedAt.In(s.location).Format("2006-01-02 15:04:05"))

	return mcp.NewToolResultText(b.String()), nil
}

// handleUpdateTask handles the habit_update_task tool call.
func (s *MCPServer) handleUpdateTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, res := s.loadTask(ctx, request)
	if res != nil {
		return res, nil
	}

	if title := strings.TrimSpace(mcp.ParseString(request, "title", "")); title != "" {
		task.Title = title
	}
	if notes := mcp.ParseString(request, "notes", ""); notes != "" {
		task.Notes = &notes
	}
	if statusStr := mcp.ParseString(request, "status", ""); statusStr != "" {
		status := core.TaskStatus(statusStr)
		if status == core.TaskStatusInProgress && task.StartedAt == nil {
			now := time.Now().UTC()
			task.StartedAt = &now
		}
		task.Status = status
	}
	if recStr := mcp.ParseString(request, "recurrence", ""); recStr != "" {
		rec, err := parseRecurrenceArg(recStr)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid recurrence: %v", err)), nil
		}
		task.Recurrence = rec
	}

	if err := s.store.UpdateTask(ctx, task); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("update task failed: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf("Task updated: %s\nStatus: %s", task.ID, task.Status)), nil
}

// handleDeleteTask handles the habit_delete_task tool call.
func (s *MCPServer) handleDeleteTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")

	if err := s.store.DeleteTask(ctx, s.userID, taskID); err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("task not found: %s", taskID)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("delete task failed: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf("Task deleted: %s", taskID)), nil
}

// handleRecordOutcome handles the habit_record_outcome tool call.
func (s *MCPServer) handleRecordOutcome(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, res := s.loadTask(ctx, request)
	if res != nil {
		return res, nil
	}

	day, err := s.parseDayArg(request, "day", core.DayIn(time.Now(), s.location))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	outcome := core.Outcome(mcp.ParseString(request, "outcome", ""))
	switch outcome {
	case core.OutcomeCompleted, core.OutcomeNotCompleted:
	default:
		return mcp.NewToolResultError(fmt.Sprintf("invalid outcome: %s", outcome)), nil
	}

	write := store.CompletionWrite{
		TaskID:  task.ID,
		Day:     day,
		Outcome: &outcome,
		Note:    optionalString(mcp.ParseString(request, "note", "")),
	}
	completion, err := s.store.UpsertCompletion(ctx, s.userID, write)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("record outcome failed: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf("Outcome recorded\nTask: %s\nDay: %s\nOutcome: %s",
		task.Title, core.FormatDay(completion.Day), *completion.Outcome)), nil
}

// handleRolloverTask handles the habit_rollover_task tool call.
func (s *MCPServer) handleRolloverTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, res := s.loadTask(ctx, request)
	if res != nil {
		return res, nil
	}

	day, err := s.parseDayArg(request, "day", core.DayIn(time.Now(), s.location))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	completion, instance, err := s.store.Rollover(ctx, task, day)
	if err != nil {
		if errors.Is(err, core.ErrNotRecurring) {
			return mcp.NewToolResultError(fmt.Sprintf("task is not recurring: %s", task.ID)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("rollover failed: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf("Task rolled over\nDay: %s\nCarry-forward copy: %s",
		core.FormatDay(completion.Day), instance.ID)), nil
}

// handleDue handles the habit_due tool call.
func (s *MCPServer) handleDue(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	today := core.DayIn(time.Now(), s.location)
	from, err := s.parseDayArg(request, "from", today)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	to, err := s.parseDayArg(request, "to", from)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if to.Before(from) {
		return mcp.NewToolResultError("to is before from"), nil
	}

	tasks, err := s.store.ListTasks(ctx, s.userID, nil)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list tasks failed: %v", err)), nil
	}
	lookup := s.store.OutcomeLookup(ctx)

	var b strings.Builder
	for day := from; !day.After(to); day = core.NextDay(day) {
		fmt.Fprintf(&b, "%s:\n", core.FormatDay(day))
		due := 0
		for _, t := range tasks {
			if t.Status == core.TaskStatusArchived {
				continue
			}
			if core.IsDue(t, day, lookup) {
				fmt.Fprintf(&b, "  - %s (%s)\n", t.Title, t.ID)
				due++
			}
		}
		if due == 0 {
			b.WriteString("  (nothing due)\n")
		}
	}

	return mcp.NewToolResultText(b.String()), nil
}

// handleSweep handles the habit_sweep tool call.
func (s *MCPServer) handleSweep(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	yesterday := core.DayIn(time.Now(), s.location).AddDate(0, 0, -1)
	day, err := s.parseDayArg(request, "day", yesterday)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	rolled, err := s.sweeper.SweepOnce(ctx, day)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("sweep failed: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf("Sweep complete for %s\nTasks rolled over: %d",
		core.FormatDay(day), rolled)), nil
}

// loadTask fetches the task named by the task_id argument and enforces
// ownership. A non-nil result is the error to return to the caller.
func (s *MCPServer) loadTask(ctx context.Context, request mcp.CallToolRequest) (*core.Task, *mcp.CallToolResult) {
	taskID := mcp.ParseString(request, "task_id", "")

	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			return nil, mcp.NewToolResultError(fmt.Sprintf("task not found: %s", taskID))
		}
		return nil, mcp.NewToolResultError(fmt.Sprintf("get task failed: %v", err))
	}
	if task.UserID != s.userID {
		return nil, mcp.NewToolResultError(fmt.Sprintf("task not found: %s", taskID))
	}
	return task, nil
}

func (s *MCPServer) parseDayArg(request mcp.CallToolRequest, key string, fallback time.Time) (time.Time, error) {
	raw := mcp.ParseString(request, key, "")
	if raw == "" {
		return fallback, nil
	}
	day, err := core.ParseDay(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s, expected YYYY-MM-DD: %w", key, err)
	}
	return day, nil
}

func parseRecurrenceArg(raw string) (*core.Recurrence, error) {
	if raw == "" {
		return nil, nil
	}
	var rec core.Recurrence
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, err
	}
	if err := core.ValidateRecurrence(&rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func describeRecurrence(rec *core.Recurrence) string {
	if rec == nil || rec.Type == "" || rec.Type == core.RecurrenceNone {
		return ""
	}
	switch rec.Type {
	case core.RecurrenceDaily:
		return "  Repeats: daily"
	case core.RecurrenceWeekly:
		names := make([]string, 0, len(rec.Weekdays))
		for _, wd := range rec.Weekdays {
			names = append(names, wd.String()[:3])
		}
		return "  Repeats: weekly on " + strings.Join(names, ", ")
	case core.RecurrenceMonthly:
		if rec.DayOfMonth > 0 {
			return fmt.Sprintf("  Repeats: monthly on day %d", rec.DayOfMonth)
		}
		return "  Repeats: monthly by weekday"
	case core.RecurrenceInterval:
		return fmt.Sprintf("  Repeats: every %d days", rec.IntervalDays)
	default:
		return ""
	}
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

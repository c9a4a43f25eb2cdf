package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"habitd/internal/core"
	"habitd/internal/store"

	"github.com/go-chi/chi/v5"
)

type createTaskRequest struct {
	Title           string           `json:"title"`
	Notes           *string          `json:"notes"`
	ParentID        *string          `json:"parentId"`
	Section         *string          `json:"section"`
	Tags            []string         `json:"tags"`
	CompletionType  *string          `json:"completionType"`
	Status          *string          `json:"status"`
	Recurrence      *core.Recurrence `json:"recurrence"`
	DueTime         *string          `json:"dueTime"`
	DurationMinutes *int             `json:"durationMinutes"`
}

type updateTaskRequest struct {
	Title           *string          `json:"title"`
	Notes           *string          `json:"notes"`
	ParentID        *string          `json:"parentId"`
	Section         *string          `json:"section"`
	Tags            []string         `json:"tags"`
	CompletionType  *string          `json:"completionType"`
	Status          *string          `json:"status"`
	Recurrence      *core.Recurrence `json:"recurrence"`
	DueTime         *string          `json:"dueTime"`
	DurationMinutes *int             `json:"durationMinutes"`
}

type taskResponse struct {
	ID              string           `json:"id"`
	Title           string           `json:"title"`
	Notes           *string          `json:"notes,omitempty"`
	ParentID        *string          `json:"parentId,omitempty"`
	Section         *string          `json:"section,omitempty"`
	Tags            []string         `json:"tags,omitempty"`
	CompletionType  string           `json:"completionType"`
	Status          string           `json:"status"`
	StartedAt       *string          `json:"startedAt,omitempty"`
	Recurrence      *core.Recurrence `json:"recurrence,omitempty"`
	IsRollover      bool             `json:"isRollover,omitempty"`
	SourceTaskID    *string          `json:"sourceTaskId,omitempty"`
	RolledFromDate  *string          `json:"rolledFromDate,omitempty"`
	DueTime         *string          `json:"dueTime,omitempty"`
	DurationMinutes *int             `json:"durationMinutes,omitempty"`
	CreatedAt       string           `json:"createdAt"`
	UpdatedAt       string           `json:"updatedAt"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "title is required")
		return
	}
	if err := core.ValidateRecurrence(req.Recurrence); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_recurrence", err.Error())
		return
	}

	completionType := core.CompletionCheckbox
	if req.CompletionType != nil && *req.CompletionType != "" {
		completionType = core.CompletionType(*req.CompletionType)
	}
	status := core.TaskStatusPending
	if req.Status != nil && *req.Status != "" {
		status = core.TaskStatus(*req.Status)
	}

	task := &core.Task{
		// Always a server-issued id: clients creating entities offline
		// send a temporary id and reconcile against this one.
		ID:              core.NewID(),
		UserID:          s.userID,
		Title:           req.Title,
		Notes:           req.Notes,
		ParentID:        req.ParentID,
		Section:         req.Section,
		Tags:            req.Tags,
		CompletionType:  completionType,
		Status:          status,
		Recurrence:      req.Recurrence,
		DueTime:         req.DueTime,
		DurationMinutes: req.DurationMinutes,
	}
	if status == core.TaskStatusInProgress {
		now := time.Now().UTC()
		task.StartedAt = &now
	}

	if err := s.store.InsertTask(r.Context(), task); err != nil {
		s.logger.Error("insert task", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to insert task")
		return
	}
	s.notify(r, core.Event{Entity: core.EntityTask, Action: core.ActionCreated, EntityID: task.ID})
	writeJSON(w, http.StatusCreated, taskToResponse(task))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	var statusFilter *core.TaskStatus
	if status := strings.TrimSpace(r.URL.Query().Get("status")); status != "" {
		st := core.TaskStatus(status)
		switch st {
		case core.TaskStatusPending, core.TaskStatusInProgress, core.TaskStatusDone, core.TaskStatusArchived:
			statusFilter = &st
		default:
			writeError(w, http.StatusBadRequest, "invalid_input", "unknown status filter")
			return
		}
	}
	tasks, err := s.store.ListTasks(r.Context(), s.userID, statusFilter)
	if err != nil {
		s.logger.Error("list tasks", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list tasks")
		return
	}
	res := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		res = append(res, taskToResponse(t))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadOwnTask(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, taskToResponse(task))
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadOwnTask(w, r)
	if !ok {
		return
	}

	var req updateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	if req.Title != nil {
		title := strings.TrimSpace(*req.Title)
		if title == "" {
			writeError(w, http.StatusBadRequest, "invalid_input", "title cannot be empty")
			return
		}
		task.Title = title
	}
	if req.Notes != nil {
		task.Notes = req.Notes
	}
	if req.ParentID != nil {
		if *req.ParentID == "" {
			task.ParentID = nil
		} else {
			task.ParentID = req.ParentID
		}
	}
	if req.Section != nil {
		if *req.Section == "" {
			task.Section = nil
		} else {
			task.Section = req.Section
		}
	}
	if req.Tags != nil {
		task.Tags = req.Tags
	}
	if req.CompletionType != nil {
		task.CompletionType = core.CompletionType(*req.CompletionType)
	}
	if req.Status != nil {
		status := core.TaskStatus(*req.Status)
		if status == core.TaskStatusInProgress && task.Status != core.TaskStatusInProgress {
			now := time.Now().UTC()
			task.StartedAt = &now
		}
		task.Status = status
	}
	if req.Recurrence != nil {
		if err := core.ValidateRecurrence(req.Recurrence); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_recurrence", err.Error())
			return
		}
		task.Recurrence = req.Recurrence
	}
	if req.DueTime != nil {
		task.DueTime = req.DueTime
	}
	if req.DurationMinutes != nil {
		task.DurationMinutes = req.DurationMinutes
	}

	if err := s.store.UpdateTask(r.Context(), task); err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "task not found")
			return
		}
		s.logger.Error("update task", "task_id", task.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to update task")
		return
	}
	s.notify(r, core.Event{Entity: core.EntityTask, Action: core.ActionUpdated, EntityID: task.ID})
	writeJSON(w, http.StatusOK, taskToResponse(task))
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if err := s.store.DeleteTask(r.Context(), s.userID, taskID); err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "task not found")
		} else {
			s.logger.Error("delete task", "task_id", taskID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to delete task")
		}
		return
	}
	s.notify(r, core.Event{Entity: core.EntityTask, Action: core.ActionDeleted, EntityID: taskID})
	w.WriteHeader(http.StatusNoContent)
}

// loadOwnTask fetches the path task and enforces ownership, writing the error
// response itself on failure.
func (s *Server) loadOwnTask(w http.ResponseWriter, r *http.Request) (*core.Task, bool) {
	taskID := chi.URLParam(r, "taskID")
	task, err := s.store.GetTask(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "task not found")
		} else {
			s.logger.Error("get task", "task_id", taskID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load task")
		}
		return nil, false
	}
	if task.UserID != s.userID {
		writeError(w, http.StatusNotFound, "not_found", "task not found")
		return nil, false
	}
	return task, true
}

func taskToResponse(task *core.Task) taskResponse {
	res := taskResponse{
		ID:              task.ID,
		Title:           task.Title,
		Notes:           task.Notes,
		ParentID:        task.ParentID,
		Section:         task.Section,
		Tags:            task.Tags,
		CompletionType:  string(task.CompletionType),
		Status:          string(task.Status),
		Recurrence:      task.Recurrence,
		IsRollover:      task.IsRollover,
		SourceTaskID:    task.SourceTaskID,
		DueTime:         task.DueTime,
		DurationMinutes: task.DurationMinutes,
		CreatedAt:       task.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:       task.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if task.StartedAt != nil {
		formatted := task.StartedAt.UTC().Format(time.RFC3339)
		res.StartedAt = &formatted
	}
	if task.RolledFromDate != nil {
		formatted := core.FormatDay(*task.RolledFromDate)
		res.RolledFromDate = &formatted
	}
	return res
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	payload := map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	}
	writeJSON(w, status, payload)
}

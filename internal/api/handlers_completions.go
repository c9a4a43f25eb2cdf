package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"habitd/internal/core"
	"habitd/internal/store"

	"github.com/go-chi/chi/v5"
)

type completionWriteRequest struct {
	Outcome *string `json:"outcome"`
	Note    *string `json:"note"`
}

type batchCompletionEntry struct {
	TaskID  string  `json:"taskId"`
	Day     string  `json:"day"`
	Outcome *string `json:"outcome"`
	Note    *string `json:"note"`
}

type batchCompletionsRequest struct {
	Entries []batchCompletionEntry `json:"entries"`
}

type completionResponse struct {
	ID      string  `json:"id"`
	TaskID  string  `json:"taskId"`
	Day     string  `json:"day"`
	Outcome *string `json:"outcome,omitempty"`
	Note    *string `json:"note,omitempty"`
}

type rolloverRequest struct {
	Day string `json:"day"`
}

func parseOutcome(raw *string) (*core.Outcome, bool) {
	if raw == nil || *raw == "" {
		return nil, true
	}
	switch core.Outcome(*raw) {
	case core.OutcomeCompleted, core.OutcomeNotCompleted, core.OutcomeRolledOver:
		val := core.Outcome(*raw)
		return &val, true
	default:
		return nil, false
	}
}

func (s *Server) handleUpsertCompletion(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadOwnTask(w, r)
	if !ok {
		return
	}
	day, err := core.ParseDay(chi.URLParam(r, "day"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "day must be YYYY-MM-DD")
		return
	}
	var req completionWriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	outcome, ok := parseOutcome(req.Outcome)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_input", "unknown outcome")
		return
	}

	completion, err := s.store.UpsertCompletion(r.Context(), s.userID, store.CompletionWrite{
		TaskID:  task.ID,
		Day:     day,
		Outcome: outcome,
		Note:    req.Note,
	})
	if err != nil {
		s.logger.Error("upsert completion", "task_id", task.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to record outcome")
		return
	}
	s.notify(r, core.Event{Entity: core.EntityCompletion, Action: core.ActionUpdated, EntityID: task.ID, Day: core.FormatDay(day)})
	writeJSON(w, http.StatusOK, completionToResponse(completion))
}

func (s *Server) handleGetCompletion(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadOwnTask(w, r)
	if !ok {
		return
	}
	day, err := core.ParseDay(chi.URLParam(r, "day"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "day must be YYYY-MM-DD")
		return
	}
	completion, err := s.store.GetCompletion(r.Context(), task.ID, day)
	if err != nil {
		if errors.Is(err, store.ErrCompletionNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "no ledger entry for that day")
		} else {
			s.logger.Error("get completion", "task_id", task.ID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load completion")
		}
		return
	}
	writeJSON(w, http.StatusOK, completionToResponse(completion))
}

func (s *Server) handleClearCompletion(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadOwnTask(w, r)
	if !ok {
		return
	}
	day, err := core.ParseDay(chi.URLParam(r, "day"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "day must be YYYY-MM-DD")
		return
	}
	if err := s.store.ClearCompletion(r.Context(), s.userID, task.ID, day); err != nil {
		if errors.Is(err, store.ErrCompletionNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "no ledger entry for that day")
		} else {
			s.logger.Error("clear completion", "task_id", task.ID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to clear outcome")
		}
		return
	}
	s.notify(r, core.Event{Entity: core.EntityCompletion, Action: core.ActionDeleted, EntityID: task.ID, Day: core.FormatDay(day)})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBatchCompletions(w http.ResponseWriter, r *http.Request) {
	var req batchCompletionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	if len(req.Entries) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_input", "entries is required")
		return
	}
	writes := make([]store.CompletionWrite, 0, len(req.Entries))
	for _, e := range req.Entries {
		day, err := core.ParseDay(e.Day)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", "day must be YYYY-MM-DD")
			return
		}
		outcome, ok := parseOutcome(e.Outcome)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_input", "unknown outcome")
			return
		}
		writes = append(writes, store.CompletionWrite{
			TaskID:  e.TaskID,
			Day:     day,
			Outcome: outcome,
			Note:    e.Note,
		})
	}

	completions, err := s.store.BatchUpsertCompletions(r.Context(), s.userID, writes)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrTaskNotFound):
			writeError(w, http.StatusNotFound, "not_found", "batch references an unknown task")
		case errors.Is(err, core.ErrCrossUser):
			writeError(w, http.StatusForbidden, "cross_user", "batch references a task owned by another user")
		default:
			s.logger.Error("batch completions", "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to record outcomes")
		}
		return
	}
	res := make([]completionResponse, 0, len(completions))
	for _, c := range completions {
		res = append(res, completionToResponse(c))
		s.notify(r, core.Event{Entity: core.EntityCompletion, Action: core.ActionUpdated, EntityID: c.TaskID, Day: core.FormatDay(c.Day)})
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRollover(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadOwnTask(w, r)
	if !ok {
		return
	}
	var req rolloverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	day, err := core.ParseDay(req.Day)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "day must be YYYY-MM-DD")
		return
	}

	completion, instance, err := s.store.Rollover(r.Context(), task, day)
	if err != nil {
		if errors.Is(err, core.ErrNotRecurring) {
			writeError(w, http.StatusUnprocessableEntity, "not_recurring", "one-time tasks cannot roll over")
			return
		}
		s.logger.Error("rollover", "task_id", task.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to roll task over")
		return
	}
	s.notify(r, core.Event{Entity: core.EntityCompletion, Action: core.ActionUpdated, EntityID: task.ID, Day: core.FormatDay(day)})
	s.notify(r, core.Event{Entity: core.EntityTask, Action: core.ActionCreated, EntityID: instance.ID})
	writeJSON(w, http.StatusOK, map[string]any{
		"completion": completionToResponse(completion),
		"task":       taskToResponse(instance),
	})
}

func completionToResponse(c *core.Completion) completionResponse {
	res := completionResponse{
		ID:     c.ID,
		TaskID: c.TaskID,
		Day:    core.FormatDay(c.Day),
		Note:   c.Note,
	}
	if c.Outcome != nil {
		outcome := string(*c.Outcome)
		res.Outcome = &outcome
	}
	return res
}

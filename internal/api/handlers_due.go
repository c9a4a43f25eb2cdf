package api

import (
	"net/http"
	"time"

	"habitd/internal/core"
)

// maxDueRangeDays bounds the date-scoped query so a bad client cannot ask for
// years of recomputed occurrences in one request.
const maxDueRangeDays = 100

type dueDayResponse struct {
	Day   string         `json:"day"`
	Tasks []taskResponse `json:"tasks"`
}

// handleDue answers "which task instances are due on each day of [from, to]".
// Occurrences are recomputed on every read; nothing is materialized.
func (s *Server) handleDue(w http.ResponseWriter, r *http.Request) {
	today := core.DayIn(time.Now(), s.location)
	from := today
	to := today
	var err error
	if raw := r.URL.Query().Get("from"); raw != "" {
		if from, err = core.ParseDay(raw); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", "from must be YYYY-MM-DD")
			return
		}
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		if to, err = core.ParseDay(raw); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", "to must be YYYY-MM-DD")
			return
		}
	}
	span := core.DaysBetween(from, to)
	if span < 0 {
		writeError(w, http.StatusBadRequest, "invalid_input", "from must not be after to")
		return
	}
	if span > maxDueRangeDays {
		writeError(w, http.StatusBadRequest, "invalid_input", "date range too large")
		return
	}

	tasks, err := s.store.ListTasks(r.Context(), s.userID, nil)
	if err != nil {
		s.logger.Error("list tasks for due query", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list tasks")
		return
	}
	lookup := s.store.OutcomeLookup(r.Context())

	res := make([]dueDayResponse, 0, span+1)
	day := core.DayUTC(from)
	for i := 0; i <= span; i++ {
		entry := dueDayResponse{Day: core.FormatDay(day), Tasks: []taskResponse{}}
		for _, task := range tasks {
			if task.Status == core.TaskStatusArchived {
				continue
			}
			if core.IsDue(task, day, lookup) {
				entry.Tasks = append(entry.Tasks, taskToResponse(task))
			}
		}
		res = append(res, entry)
		day = day.AddDate(0, 0, 1)
	}
	writeJSON(w, http.StatusOK, res)
}

package api

import (
	"encoding/json"
	"net/http"
	"time"

	"habitd/internal/core"
)

type syncCompleteRequest struct {
	// Applied is how many queued mutations the client replayed successfully.
	Applied int `json:"applied"`
}

// handleSyncComplete is called by a client after draining its offline queue.
// Other live connections for the user get a synced signal telling them to
// refetch rather than trust stale cached state.
func (s *Server) handleSyncComplete(w http.ResponseWriter, r *http.Request) {
	var req syncCompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	if req.Applied > 0 {
		s.notify(r, core.Event{Entity: core.EntityTask, Action: core.ActionSynced})
	}
	w.WriteHeader(http.StatusNoContent)
}

type sweepRequest struct {
	Day string `json:"day"`
}

// handleSweep triggers the rollover sweep on demand. Without a day it targets
// yesterday, same as the scheduled nightly pass.
func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	day := core.DayIn(time.Now(), s.location).AddDate(0, 0, -1)
	var req sweepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err == nil && req.Day != "" {
		parsed, err := core.ParseDay(req.Day)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", "day must be YYYY-MM-DD")
			return
		}
		day = parsed
	}
	rolled, err := s.sweeper.SweepOnce(r.Context(), day)
	if err != nil {
		s.logger.Error("manual sweep", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "sweep failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"day": core.FormatDay(day), "rolled": rolled})
}

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"habitd/internal/core"
)

// eventBuffer is the per-connection queue between broadcast fan-out and the
// SSE writer. A connection that cannot drain it is treated as dead.
const eventBuffer = 32

const heartbeatInterval = 25 * time.Second

// eventConn carries events from broadcast fan-out to one SSE writer. When the
// buffer fills, the client is not draining: send reports the failure so the
// hub drops the registration, and done tells the writer to terminate the
// response so the client reconnects through its stale-catch-up path instead
// of idling on heartbeats with no events.
type eventConn struct {
	events chan core.Event
	done   chan struct{}
	once   sync.Once
}

func newEventConn(buffer int) *eventConn {
	return &eventConn{
		events: make(chan core.Event, buffer),
		done:   make(chan struct{}),
	}
}

func (c *eventConn) send(evt core.Event) error {
	select {
	case c.events <- evt:
		return nil
	default:
		c.once.Do(func() { close(c.done) })
		return errors.New("event buffer full")
	}
}

// handleEvents serves the long-lived SSE stream carrying change notifications
// for this user. The client passes its client id so its own mutations are
// never echoed back.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported")
		return
	}
	client := clientID(r)
	if client == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "client_id is required")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	conn := newEventConn(eventBuffer)
	s.hub.Register(s.userID, client, conn.send)
	defer s.hub.Unregister(s.userID, client)

	// Tell the client the stream is live before any change arrives, so it
	// can decide whether a stale-cache refetch is needed.
	fmt.Fprint(w, "event: ready\ndata: {}\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-conn.done:
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case evt := <-conn.events:
			data, err := json.Marshal(evt)
			if err != nil {
				s.logger.Error("marshal event", "err", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: change\ndata: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

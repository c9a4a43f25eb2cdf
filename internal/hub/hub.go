// Package hub fans change notifications out to every live client connection
// for a user, excluding the client whose own action caused the change.
package hub

import (
	"log/slog"
	"sync"

	"habitd/internal/core"
)

// SendFunc delivers one event to a live connection. A returned error is
// treated as an implicit disconnect: the connection is dropped and fan-out
// continues to the remaining connections.
type SendFunc func(core.Event) error

// connection is one registered handle. The generation distinguishes a
// replaced registration from the one a failed send belongs to.
type connection struct {
	send SendFunc
	gen  uint64
}

// Hub is the server-side registry of live connections, keyed by user and
// client. Connections are ephemeral: created on connect, removed on
// disconnect or send failure, rebuilt on every reconnect.
type Hub struct {
	mu      sync.RWMutex
	conns   map[string]map[string]connection // userID -> clientID -> handle
	nextGen uint64
	logger  *slog.Logger
}

// New constructs an empty hub.
func New(logger *slog.Logger) *Hub {
	return &Hub{
		conns:  make(map[string]map[string]connection),
		logger: logger,
	}
}

// Register adds a live connection. A second registration with the same
// (userID, clientID) replaces the previous handle.
func (h *Hub) Register(userID, clientID string, send SendFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients, ok := h.conns[userID]
	if !ok {
		clients = make(map[string]connection)
		h.conns[userID] = clients
	}
	h.nextGen++
	clients[clientID] = connection{send: send, gen: h.nextGen}
	h.logger.Debug("connection registered", "user_id", userID, "client_id", clientID, "live", len(clients))
}

// Unregister removes a live connection if present.
func (h *Hub) Unregister(userID, clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(userID, clientID)
}

func (h *Hub) removeLocked(userID, clientID string) {
	clients, ok := h.conns[userID]
	if !ok {
		return
	}
	if _, ok := clients[clientID]; !ok {
		return
	}
	delete(clients, clientID)
	if len(clients) == 0 {
		delete(h.conns, userID)
	}
	h.logger.Debug("connection removed", "user_id", userID, "client_id", clientID)
}

// Broadcast delivers evt to every live connection for userID except
// excludeClientID. A send failure on one connection removes it and never
// blocks delivery to the rest.
func (h *Hub) Broadcast(userID string, evt core.Event, excludeClientID string) {
	type target struct {
		clientID string
		conn     connection
	}
	h.mu.RLock()
	targets := make([]target, 0, len(h.conns[userID]))
	for clientID, conn := range h.conns[userID] {
		if clientID == excludeClientID {
			continue
		}
		targets = append(targets, target{clientID: clientID, conn: conn})
	}
	h.mu.RUnlock()

	var failed []target
	for _, t := range targets {
		if err := t.conn.send(evt); err != nil {
			h.logger.Warn("broadcast send failed, dropping connection",
				"user_id", userID, "client_id", t.clientID, "err", err)
			failed = append(failed, t)
		}
	}
	if len(failed) > 0 {
		h.mu.Lock()
		for _, t := range failed {
			// A fast reconnect may have replaced this clientID while the
			// send was in flight; only the failed handle is removed.
			if cur, ok := h.conns[userID][t.clientID]; ok && cur.gen == t.conn.gen {
				h.removeLocked(userID, t.clientID)
			}
		}
		h.mu.Unlock()
	}
}

// Count returns the number of live connections for userID.
func (h *Hub) Count(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[userID])
}

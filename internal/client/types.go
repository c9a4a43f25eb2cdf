// Package client implements the device-side half of the sync engine: a
// durable offline mutation queue, a local mirror of server entities, the
// single-flight sync manager that replays the queue, and the live event
// stream subscriber.
package client

import (
	"encoding/json"
	"errors"
	"time"

	"habitd/internal/core"
)

// OpKind is the operation a queued mutation performs.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// MutationStatus tracks a queue entry through replay.
type MutationStatus string

const (
	StatusPending    MutationStatus = "pending"
	StatusInProgress MutationStatus = "in_progress"
	StatusFailed     MutationStatus = "failed"
)

// Mutation is one queued write: everything needed to replay it against the
// backend later, in enqueue order.
type Mutation struct {
	ID       string
	Seq      int64
	Entity   core.EntityKind
	Op       OpKind
	EntityID string
	Method   string
	Endpoint string
	Payload  json.RawMessage
	Retries  int
	Status   MutationStatus

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TokenProvider supplies the bearer token for sync requests and the event
// stream. Sync refuses to run until one is configured.
type TokenProvider func() (string, error)

var (
	// ErrOffline means the device reported no connectivity; sync is a no-op.
	ErrOffline = errors.New("device is offline")
	// ErrNoTokenProvider means sync was attempted before auth was wired up.
	ErrNoTokenProvider = errors.New("no token provider configured")
	// ErrStreamFailed is terminal: the stream exhausted its reconnect
	// budget and needs an explicit restart.
	ErrStreamFailed = errors.New("event stream failed after max reconnect attempts")
)

package client

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"habitd/internal/core"
)

var ErrEntityNotFound = errors.New("entity not in mirror")

// Mirror is the device-local copy of server entities, keyed by kind and id.
// Writes made offline are reflected here optimistically; broadcast events and
// sync completion invalidate or update it.
type Mirror struct {
	db *sql.DB
}

// Put stores or replaces one entity payload.
func (m *Mirror) Put(ctx context.Context, kind core.EntityKind, id string, payload []byte) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO entities (kind, id, payload, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(kind, id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at
	`, kind, id, string(payload), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("put entity: %w", err)
	}
	return nil
}

// Get returns one entity payload.
func (m *Mirror) Get(ctx context.Context, kind core.EntityKind, id string) ([]byte, error) {
	var payload string
	err := m.db.QueryRowContext(ctx, `SELECT payload FROM entities WHERE kind = ? AND id = ?`, kind, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entity: %w", err)
	}
	return []byte(payload), nil
}

// Delete removes one entity if present.
func (m *Mirror) Delete(ctx context.Context, kind core.EntityKind, id string) error {
	if _, err := m.db.ExecContext(ctx, `DELETE FROM entities WHERE kind = ? AND id = ?`, kind, id); err != nil {
		return fmt.Errorf("delete entity: %w", err)
	}
	return nil
}

// List returns every payload of a kind, by id order.
func (m *Mirror) List(ctx context.Context, kind core.EntityKind) ([][]byte, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT payload FROM entities WHERE kind = ? ORDER BY id`, kind)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()
	var payloads [][]byte
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		payloads = append(payloads, []byte(payload))
	}
	return payloads, rows.Err()
}

// InvalidateAll drops every cached collection. Used after a stale reconnect
// or a synced signal from another client: the stream does not replay missed
// history, so the mirror must be refetched wholesale.
func (m *Mirror) InvalidateAll(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, `DELETE FROM entities`); err != nil {
		return fmt.Errorf("invalidate mirror: %w", err)
	}
	return nil
}

// RewriteTempID rewrites a reconciled entity id across the whole local graph:
// the row key itself plus every payload reference held by other entities.
func (m *Mirror) RewriteTempID(ctx context.Context, tempID, serverID string) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rewrite tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE entities SET id = ? WHERE id = ?`, serverID, tempID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("rewrite entity key: %w", err)
	}
	rows, err := tx.QueryContext(ctx, `SELECT kind, id, payload FROM entities`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("scan mirror for rewrite: %w", err)
	}
	type patch struct {
		kind, id, payload string
	}
	var patches []patch
	for rows.Next() {
		var kind, id, payload string
		if err := rows.Scan(&kind, &id, &payload); err != nil {
			rows.Close()
			_ = tx.Rollback()
			return fmt.Errorf("scan entity for rewrite: %w", err)
		}
		next := RewriteRefs([]byte(payload), tempID, serverID)
		if string(next) != payload {
			patches = append(patches, patch{kind: kind, id: id, payload: string(next)})
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		_ = tx.Rollback()
		return err
	}
	for _, p := range patches {
		if _, err := tx.ExecContext(ctx, `UPDATE entities SET payload = ? WHERE kind = ? AND id = ?`,
			p.payload, p.kind, p.id); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("rewrite entity payload: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rewrite: %w", err)
	}
	return nil
}

package client

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"habitd/internal/core"
)

var ErrMutationNotFound = errors.New("mutation not found")

// Outbox is the durable, strictly FIFO offline mutation queue. Entries are
// appended on any write attempted while offline and removed only on confirmed
// replay success.
type Outbox struct {
	db *sql.DB
}

// Enqueue appends a mutation. The sequence number is assigned by the store;
// an empty ID gets one minted here.
func (o *Outbox) Enqueue(ctx context.Context, m *Mutation) error {
	if m.ID == "" {
		m.ID = core.NewID()
	}
	now := time.Now().UTC()
	m.CreatedAt = now
	m.UpdatedAt = now
	m.Status = StatusPending
	res, err := o.db.ExecContext(ctx, `
		INSERT INTO mutations (id, entity, op, entity_id, method, endpoint, payload, retries, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
	`, m.ID, m.Entity, m.Op, m.EntityID, m.Method, m.Endpoint, string(m.Payload), m.Status,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("enqueue mutation: %w", err)
	}
	seq, err := res.LastInsertId()
	if err == nil {
		m.Seq = seq
	}
	return nil
}

// NextBatch returns up to limit pending mutations in enqueue order. The sync
// manager must replay them in this order: later mutations may reference
// entities created by earlier ones.
// A non-positive limit returns every pending mutation.
func (o *Outbox) NextBatch(ctx context.Context, limit int) ([]*Mutation, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := o.db.QueryContext(ctx, selectMutationSQL+`
		WHERE status = ?
		ORDER BY seq
		LIMIT ?
	`, StatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending mutations: %w", err)
	}
	return collectMutations(rows)
}

// MarkInProgress flags a mutation as being replayed.
func (o *Outbox) MarkInProgress(ctx context.Context, id string) error {
	return o.setStatus(ctx, id, StatusInProgress)
}

// MarkSucceeded removes a confirmed mutation from the queue.
func (o *Outbox) MarkSucceeded(ctx context.Context, id string) error {
	res, err := o.db.ExecContext(ctx, `DELETE FROM mutations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete mutation: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrMutationNotFound
	}
	return nil
}

// MarkFailed transitions a mutation to the terminal failed state. Failed
// entries are surfaced to the user and never auto-retried.
func (o *Outbox) MarkFailed(ctx context.Context, id string) error {
	return o.setStatus(ctx, id, StatusFailed)
}

// RecordFailure increments the retry count and either leaves the mutation
// pending for the next sync pass or, once maxRetries is exceeded, parks it as
// failed. Returns true when the failure was terminal.
func (o *Outbox) RecordFailure(ctx context.Context, id string, maxRetries int) (bool, error) {
	m, err := o.get(ctx, id)
	if err != nil {
		return false, err
	}
	retries := m.Retries + 1
	status := StatusPending
	terminal := retries >= maxRetries
	if terminal {
		status = StatusFailed
	}
	if _, err := o.db.ExecContext(ctx, `
		UPDATE mutations SET retries = ?, status = ?, updated_at = ? WHERE id = ?
	`, retries, status, time.Now().UTC().Format(time.RFC3339Nano), id); err != nil {
		return false, fmt.Errorf("record failure: %w", err)
	}
	return terminal, nil
}

// Count returns the number of queue entries that still await replay.
func (o *Outbox) Count(ctx context.Context) (int, error) {
	var count int
	err := o.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM mutations WHERE status != ?`, StatusFailed).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count mutations: %w", err)
	}
	return count, nil
}

// CountFailed returns how many mutations exhausted their retry budget, for
// the "N items failed to sync" indicator.
func (o *Outbox) CountFailed(ctx context.Context) (int, error) {
	var count int
	err := o.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM mutations WHERE status = ?`, StatusFailed).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count failed mutations: %w", err)
	}
	return count, nil
}

// RetryFailed is the explicit user-triggered retry: failed entries go back to
// pending with a fresh retry budget.
func (o *Outbox) RetryFailed(ctx context.Context) (int, error) {
	res, err := o.db.ExecContext(ctx, `
		UPDATE mutations SET status = ?, retries = 0, updated_at = ? WHERE status = ?
	`, StatusPending, time.Now().UTC().Format(time.RFC3339Nano), StatusFailed)
	if err != nil {
		return 0, fmt.Errorf("retry failed mutations: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(rows), nil
}

// ResetInProgress returns mutations stranded mid-replay by a crash to the
// pending queue. Runs on open: a row can only be in_progress while a sync
// pass is live in this process.
func (o *Outbox) ResetInProgress(ctx context.Context) (int, error) {
	res, err := o.db.ExecContext(ctx, `
		UPDATE mutations SET status = ?, updated_at = ? WHERE status = ?
	`, StatusPending, time.Now().UTC().Format(time.RFC3339Nano), StatusInProgress)
	if err != nil {
		return 0, fmt.Errorf("reset in-progress mutations: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(rows), nil
}

// RewriteTempID replaces every occurrence of a temporary entity id in queued
// mutations (target id, endpoint path, payload references) with the
// server-issued id.
func (o *Outbox) RewriteTempID(ctx context.Context, tempID, serverID string) error {
	muts, err := o.all(ctx)
	if err != nil {
		return err
	}
	for _, m := range muts {
		entityID := m.EntityID
		if entityID == tempID {
			entityID = serverID
		}
		endpoint := strings.ReplaceAll(m.Endpoint, tempID, serverID)
		payload := RewriteRefs(m.Payload, tempID, serverID)
		if entityID == m.EntityID && endpoint == m.Endpoint && string(payload) == string(m.Payload) {
			continue
		}
		if _, err := o.db.ExecContext(ctx, `
			UPDATE mutations SET entity_id = ?, endpoint = ?, payload = ?, updated_at = ? WHERE id = ?
		`, entityID, endpoint, string(payload), time.Now().UTC().Format(time.RFC3339Nano), m.ID); err != nil {
			return fmt.Errorf("rewrite mutation %s: %w", m.ID, err)
		}
	}
	return nil
}

// Collapse removes redundant pending mutations before replay. This is an
// optimization only: it never reorders operations against different entities.
// Two rules apply:
//
//  1. A not-yet-synced create followed by a delete of the same entity makes
//     every mutation for that entity a no-op.
//  2. Strictly adjacent updates against the same entity and endpoint merge
//     into the newest, newer fields winning.
func (o *Outbox) Collapse(ctx context.Context) (int, error) {
	muts, err := o.NextBatch(ctx, 0)
	if err != nil {
		return 0, err
	}
	drop, merged := collapsePlan(muts)
	if len(drop) == 0 {
		return 0, nil
	}
	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin collapse tx: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	for id, payload := range merged {
		if _, err := tx.ExecContext(ctx, `
			UPDATE mutations SET payload = ?, updated_at = ? WHERE id = ?
		`, string(payload), now, id); err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("merge mutation %s: %w", id, err)
		}
	}
	for id := range drop {
		if _, err := tx.ExecContext(ctx, `DELETE FROM mutations WHERE id = ?`, id); err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("collapse mutation %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit collapse: %w", err)
	}
	return len(drop), nil
}

// collapsePlan computes which mutation IDs are safe to drop, and the merged
// payloads surviving updates must carry. Pure over the ordered pending queue.
func collapsePlan(muts []*Mutation) (map[string]struct{}, map[string]json.RawMessage) {
	drop := make(map[string]struct{})
	merged := make(map[string]json.RawMessage)

	// Rule 1: create ... delete of the same offline-created entity.
	created := make(map[string]bool)
	deleted := make(map[string]bool)
	for _, m := range muts {
		if m.Op == OpCreate && core.IsTempID(m.EntityID) {
			created[m.EntityID] = true
		}
		if m.Op == OpDelete && created[m.EntityID] {
			deleted[m.EntityID] = true
		}
	}
	for _, m := range muts {
		if deleted[m.EntityID] {
			drop[m.ID] = struct{}{}
		}
	}

	// Rule 2: adjacent updates to the same entity merge into the newer one.
	// Updates are partial patches, so the older payload's untouched fields
	// must survive; payloads that are not both JSON objects stay put. Only
	// strictly consecutive pairs are safe: anything in between could depend
	// on the intermediate state.
	current := func(m *Mutation) []byte {
		if p, ok := merged[m.ID]; ok {
			return p
		}
		return m.Payload
	}
	for i := 0; i+1 < len(muts); i++ {
		cur, next := muts[i], muts[i+1]
		if _, gone := drop[cur.ID]; gone {
			continue
		}
		if cur.Op != OpUpdate || next.Op != OpUpdate ||
			cur.EntityID != next.EntityID || cur.Endpoint != next.Endpoint {
			continue
		}
		payload, ok := mergeObjects(current(cur), current(next))
		if !ok {
			continue
		}
		drop[cur.ID] = struct{}{}
		delete(merged, cur.ID)
		merged[next.ID] = payload
	}
	return drop, merged
}

// mergeObjects overlays newer's keys onto older's. Both must decode as JSON
// objects; anything else is not safe to merge.
func mergeObjects(older, newer []byte) (json.RawMessage, bool) {
	var base, overlay map[string]json.RawMessage
	if err := json.Unmarshal(older, &base); err != nil || base == nil {
		return nil, false
	}
	if err := json.Unmarshal(newer, &overlay); err != nil || overlay == nil {
		return nil, false
	}
	for k, v := range overlay {
		base[k] = v
	}
	out, err := json.Marshal(base)
	if err != nil {
		return nil, false
	}
	return out, true
}

// LastSync returns the recorded completion time of the last successful drain,
// or the zero time when none is recorded.
func (o *Outbox) LastSync(ctx context.Context) (time.Time, error) {
	var value string
	err := o.db.QueryRowContext(ctx, `SELECT value FROM sync_meta WHERE key = 'last_sync'`).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("read last sync: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse last sync: %w", err)
	}
	return t, nil
}

// SetLastSync records the completion time of a successful drain.
func (o *Outbox) SetLastSync(ctx context.Context, t time.Time) error {
	_, err := o.db.ExecContext(ctx, `
		INSERT INTO sync_meta (key, value) VALUES ('last_sync', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, t.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record last sync: %w", err)
	}
	return nil
}

const selectMutationSQL = `
	SELECT seq, id, entity, op, entity_id, method, endpoint, payload, retries, status, created_at, updated_at
	FROM mutations`

func (o *Outbox) setStatus(ctx context.Context, id string, status MutationStatus) error {
	res, err := o.db.ExecContext(ctx, `
		UPDATE mutations SET status = ?, updated_at = ? WHERE id = ?
	`, status, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("update mutation status: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrMutationNotFound
	}
	return nil
}

func (o *Outbox) get(ctx context.Context, id string) (*Mutation, error) {
	row := o.db.QueryRowContext(ctx, selectMutationSQL+` WHERE id = ?`, id)
	m, err := scanMutation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrMutationNotFound
		}
		return nil, err
	}
	return m, nil
}

func (o *Outbox) all(ctx context.Context) ([]*Mutation, error) {
	rows, err := o.db.QueryContext(ctx, selectMutationSQL+` ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("query mutations: %w", err)
	}
	return collectMutations(rows)
}

func collectMutations(rows *sql.Rows) ([]*Mutation, error) {
	defer rows.Close()
	var muts []*Mutation
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, err
		}
		muts = append(muts, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return muts, nil
}

func scanMutation(scanner interface {
	Scan(dest ...any) error
}) (*Mutation, error) {
	var (
		m                    Mutation
		entity, op, status   string
		payload              sql.NullString
		createdAt, updatedAt string
	)
	if err := scanner.Scan(&m.Seq, &m.ID, &entity, &op, &m.EntityID, &m.Method, &m.Endpoint,
		&payload, &m.Retries, &status, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan mutation: %w", err)
	}
	m.Entity = core.EntityKind(entity)
	m.Op = OpKind(op)
	m.Status = MutationStatus(status)
	if payload.Valid {
		m.Payload = []byte(payload.String)
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		m.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		m.UpdatedAt = t
	}
	return &m, nil
}

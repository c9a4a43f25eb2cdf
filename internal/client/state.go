package client

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const stateSchema = `
CREATE TABLE IF NOT EXISTS mutations (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	entity TEXT NOT NULL,
	op TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	method TEXT NOT NULL,
	endpoint TEXT NOT NULL,
	payload TEXT,
	retries INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'pending',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS entities (
	kind TEXT NOT NULL,
	id TEXT NOT NULL,
	payload TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (kind, id)
);

CREATE TABLE IF NOT EXISTS sync_meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// State is the device-local durable store: the offline mutation queue and the
// mirror of server entities. It survives restarts until successfully synced.
type State struct {
	DB     *sql.DB
	Outbox *Outbox
	Mirror *Mirror
}

// Open opens (or creates) the client state database under stateDir.
func Open(ctx context.Context, stateDir string) (*State, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure state dir: %w", err)
	}
	dbPath := filepath.Join(stateDir, "client.sqlite")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open client sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	timeout := int((3 * time.Second) / time.Millisecond)
	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d;", timeout)); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.ExecContext(ctx, stateSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply client schema: %w", err)
	}
	state := &State{
		DB:     db,
		Outbox: &Outbox{db: db},
		Mirror: &Mirror{db: db},
	}
	if _, err := state.Outbox.ResetInProgress(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return state, nil
}

// Close closes the underlying database.
func (s *State) Close() error {
	return s.DB.Close()
}

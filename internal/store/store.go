// Package store persists the relational records whose authoritative
// live state lives elsewhere. The cache wins for live session status;
// this store wins for history once a status is terminal.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS workspaces (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL,
	org_id        TEXT NOT NULL DEFAULT '',
	name          TEXT NOT NULL,
	status        TEXT NOT NULL,
	container_id  TEXT NOT NULL DEFAULT '',
	cpu_cores     INTEGER NOT NULL,
	memory_mib    INTEGER NOT NULL,
	disk_mib      INTEGER NOT NULL,
	env           TEXT NOT NULL DEFAULT '{}',
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_workspaces_user ON workspaces(user_id);

CREATE TABLE IF NOT EXISTS sessions (
	id            TEXT PRIMARY KEY,
	workspace_id  TEXT NOT NULL,
	user_id       TEXT NOT NULL,
	mux_name      TEXT NOT NULL,
	window_index  INTEGER NOT NULL DEFAULT 0,
	cols          INTEGER NOT NULL,
	rows          INTEGER NOT NULL,
	status        TEXT NOT NULL,
	created_at    INTEGER NOT NULL,
	last_seen_at  INTEGER NOT NULL,
	closed_at     INTEGER
);
CREATE INDEX IF NOT EXISTS idx_sessions_workspace ON sessions(workspace_id);

CREATE TABLE IF NOT EXISTS workflows (
	id            TEXT PRIMARY KEY,
	workspace_id  TEXT NOT NULL,
	name          TEXT NOT NULL,
	definition    TEXT NOT NULL,
	env           TEXT NOT NULL DEFAULT '{}',
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_workflows_workspace ON workflows(workspace_id);

CREATE TABLE IF NOT EXISTS workflow_runs (
	id            TEXT PRIMARY KEY,
	workflow_id   TEXT NOT NULL,
	workspace_id  TEXT NOT NULL,
	status        TEXT NOT NULL,
	step_results  TEXT NOT NULL DEFAULT '[]',
	variables     TEXT NOT NULL DEFAULT '{}',
	error         TEXT NOT NULL DEFAULT '',
	started_at    INTEGER,
	completed_at  INTEGER,
	created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_workflow ON workflow_runs(workflow_id);

CREATE TABLE IF NOT EXISTS secrets (
	id            TEXT PRIMARY KEY,
	workspace_id  TEXT NOT NULL,
	name          TEXT NOT NULL,
	envelope      TEXT NOT NULL,
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL,
	UNIQUE(workspace_id, name)
);

CREATE TABLE IF NOT EXISTS apps (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL UNIQUE,
	install_script  TEXT NOT NULL,
	config_env      TEXT NOT NULL DEFAULT '{}',
	created_at      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS app_installs (
	workspace_id  TEXT NOT NULL,
	app_id        TEXT NOT NULL,
	installed_at  INTEGER NOT NULL,
	PRIMARY KEY(workspace_id, app_id)
);

CREATE TABLE IF NOT EXISTS auth_tokens (
	token       TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL,
	expires_at  INTEGER NOT NULL
);
`

// Store wraps the sqlite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and ensures the
// schema exists. Pass ":memory:" for an ephemeral store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA foreign_keys=ON;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragmas: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// nullableUnix converts an optional unix-seconds column.
func nullableUnix(v sql.NullInt64) int64 {
	if v.Valid {
		return v.Int64
	}
	return 0
}

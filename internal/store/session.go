package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/termflux/termflux/internal/errs"
)

// Session statuses. Active and disconnected may alternate any number of
// times; terminated is terminal.
const (
	SessionActive       = "active"
	SessionDisconnected = "disconnected"
	SessionTerminated   = "terminated"
)

// Session is the relational record of a terminal session.
type Session struct {
	ID          string
	WorkspaceID string
	UserID      string
	MuxName     string
	WindowIndex int
	Cols        int
	Rows        int
	Status      string
	CreatedAt   int64
	LastSeenAt  int64
	ClosedAt    int64 // unix seconds, 0 until terminated
}

// CreateSession inserts a new session row.
func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	now := time.Now().Unix()
	sess.CreatedAt, sess.LastSeenAt = now, now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, workspace_id, user_id, mux_name, window_index,
			cols, rows, status, created_at, last_seen_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		sess.ID, sess.WorkspaceID, sess.UserID, sess.MuxName, sess.WindowIndex,
		sess.Cols, sess.Rows, sess.Status, sess.CreatedAt, sess.LastSeenAt)
	if err != nil {
		return &errs.BackendError{Backend: "sqlite", Err: err}
	}
	return nil
}

// GetSession fetches one session; errs.ErrNotFound when absent.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, user_id, mux_name, window_index,
			cols, rows, status, created_at, last_seen_at, closed_at
		FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// ListSessions returns a workspace's sessions newest-first.
func (s *Store) ListSessions(ctx context.Context, workspaceID string) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, user_id, mux_name, window_index,
			cols, rows, status, created_at, last_seen_at, closed_at
		FROM sessions WHERE workspace_id = ? ORDER BY created_at DESC`, workspaceID)
	if err != nil {
		return nil, &errs.BackendError{Backend: "sqlite", Err: err}
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// SetSessionStatus updates the status and last-seen stamp.
func (s *Store) SetSessionStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, last_seen_at = ? WHERE id = ?`,
		status, time.Now().Unix(), id)
	if err != nil {
		return &errs.BackendError{Backend: "sqlite", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// SetSessionGeometry records the latest terminal size.
func (s *Store) SetSessionGeometry(ctx context.Context, id string, cols, rows int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET cols = ?, rows = ?, last_seen_at = ? WHERE id = ?`,
		cols, rows, time.Now().Unix(), id)
	if err != nil {
		return &errs.BackendError{Backend: "sqlite", Err: err}
	}
	return nil
}

// CloseSession marks the session terminated with a closed-at stamp.
// Closing an already-terminated session is a no-op.
func (s *Store) CloseSession(ctx context.Context, id string) error {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, closed_at = ?, last_seen_at = ?
		WHERE id = ? AND status != ?`,
		SessionTerminated, now, now, id, SessionTerminated)
	if err != nil {
		return &errs.BackendError{Backend: "sqlite", Err: err}
	}
	return nil
}

func scanSession(r rowScanner) (*Session, error) {
	var sess Session
	var closedAt sql.NullInt64
	err := r.Scan(&sess.ID, &sess.WorkspaceID, &sess.UserID, &sess.MuxName,
		&sess.WindowIndex, &sess.Cols, &sess.Rows, &sess.Status,
		&sess.CreatedAt, &sess.LastSeenAt, &closedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, &errs.BackendError{Backend: "sqlite", Err: err}
	}
	sess.ClosedAt = nullableUnix(closedAt)
	return &sess, nil
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/termflux/termflux/internal/errs"
)

// Workspace statuses.
const (
	WorkspaceCreating = "creating"
	WorkspaceRunning  = "running"
	WorkspaceStopped  = "stopped"
	WorkspaceError    = "error"
)

// Workspace is the relational record of a workspace. ContainerID is
// empty exactly when the workspace is not running.
type Workspace struct {
	ID          string
	UserID      string
	OrgID       string
	Name        string
	Status      string
	ContainerID string
	CPUCores    int
	MemoryMiB   int
	DiskMiB     int
	Env         map[string]string
	CreatedAt   int64
	UpdatedAt   int64
}

// CreateWorkspace inserts a new workspace row.
func (s *Store) CreateWorkspace(ctx context.Context, w *Workspace) error {
	env, err := json.Marshal(orEmpty(w.Env))
	if err != nil {
		return fmt.Errorf("marshal env: %w", err)
	}
	now := time.Now().Unix()
	w.CreatedAt, w.UpdatedAt = now, now
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workspaces (id, user_id, org_id, name, status, container_id,
			cpu_cores, memory_mib, disk_mib, env, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.UserID, w.OrgID, w.Name, w.Status, w.ContainerID,
		w.CPUCores, w.MemoryMiB, w.DiskMiB, string(env), w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return &errs.BackendError{Backend: "sqlite", Err: fmt.Errorf("create workspace: %w", err)}
	}
	return nil
}

// GetWorkspace fetches one workspace; errs.ErrNotFound when absent.
func (s *Store) GetWorkspace(ctx context.Context, id string) (*Workspace, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, org_id, name, status, container_id,
			cpu_cores, memory_mib, disk_mib, env, created_at, updated_at
		FROM workspaces WHERE id = ?`, id)
	return scanWorkspace(row)
}

// ListWorkspaces returns a user's workspaces newest-first.
func (s *Store) ListWorkspaces(ctx context.Context, userID string) ([]*Workspace, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, org_id, name, status, container_id,
			cpu_cores, memory_mib, disk_mib, env, created_at, updated_at
		FROM workspaces WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, &errs.BackendError{Backend: "sqlite", Err: err}
	}
	defer rows.Close()

	var out []*Workspace
	for rows.Next() {
		w, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// SetWorkspaceStatus updates status and container handle together so the
// containerHandle/running invariant holds in a single write.
func (s *Store) SetWorkspaceStatus(ctx context.Context, id, status, containerID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workspaces SET status = ?, container_id = ?, updated_at = ? WHERE id = ?`,
		status, containerID, time.Now().Unix(), id)
	if err != nil {
		return &errs.BackendError{Backend: "sqlite", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// DeleteWorkspace removes the row. Sessions and secrets are removed by
// their own lifecycles before this is called.
func (s *Store) DeleteWorkspace(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM workspaces WHERE id = ?`, id)
	if err != nil {
		return &errs.BackendError{Backend: "sqlite", Err: err}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkspace(r rowScanner) (*Workspace, error) {
	var w Workspace
	var env string
	err := r.Scan(&w.ID, &w.UserID, &w.OrgID, &w.Name, &w.Status, &w.ContainerID,
		&w.CPUCores, &w.MemoryMiB, &w.DiskMiB, &env, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, &errs.BackendError{Backend: "sqlite", Err: err}
	}
	if err := json.Unmarshal([]byte(env), &w.Env); err != nil {
		return nil, fmt.Errorf("decode env: %w", err)
	}
	return &w, nil
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/termflux/termflux/internal/errs"
)

// SecretRecord holds one encrypted secret. Envelope is the opaque
// ciphertext blob; the secrets package owns its format.
type SecretRecord struct {
	ID          string
	WorkspaceID string
	Name        string
	Envelope    string
	CreatedAt   int64
	UpdatedAt   int64
}

// UpsertSecret inserts or replaces the envelope for (workspace, name).
func (s *Store) UpsertSecret(ctx context.Context, rec *SecretRecord) error {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO secrets (id, workspace_id, name, envelope, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(workspace_id, name)
		DO UPDATE SET envelope = excluded.envelope, updated_at = excluded.updated_at`,
		rec.ID, rec.WorkspaceID, rec.Name, rec.Envelope, now, now)
	if err != nil {
		return &errs.BackendError{Backend: "sqlite", Err: err}
	}
	return nil
}

// GetSecret fetches one secret; errs.ErrNotFound when absent.
func (s *Store) GetSecret(ctx context.Context, workspaceID, name string) (*SecretRecord, error) {
	var rec SecretRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, name, envelope, created_at, updated_at
		FROM secrets WHERE workspace_id = ? AND name = ?`, workspaceID, name).
		Scan(&rec.ID, &rec.WorkspaceID, &rec.Name, &rec.Envelope, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, &errs.BackendError{Backend: "sqlite", Err: err}
	}
	return &rec, nil
}

// ListSecrets returns a workspace's secrets ordered by name.
func (s *Store) ListSecrets(ctx context.Context, workspaceID string) ([]*SecretRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, name, envelope, created_at, updated_at
		FROM secrets WHERE workspace_id = ? ORDER BY name`, workspaceID)
	if err != nil {
		return nil, &errs.BackendError{Backend: "sqlite", Err: err}
	}
	defer rows.Close()

	var out []*SecretRecord
	for rows.Next() {
		var rec SecretRecord
		if err := rows.Scan(&rec.ID, &rec.WorkspaceID, &rec.Name, &rec.Envelope,
			&rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, &errs.BackendError{Backend: "sqlite", Err: err}
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// DeleteSecret removes one secret, reporting whether it existed.
func (s *Store) DeleteSecret(ctx context.Context, workspaceID, name string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM secrets WHERE workspace_id = ? AND name = ?`, workspaceID, name)
	if err != nil {
		return false, &errs.BackendError{Backend: "sqlite", Err: err}
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

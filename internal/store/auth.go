package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/termflux/termflux/internal/errs"
)

// PutAuthToken records a bearer token with its expiry.
func (s *Store) PutAuthToken(ctx context.Context, token, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_tokens (token, user_id, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(token) DO UPDATE SET user_id = excluded.user_id, expires_at = excluded.expires_at`,
		token, userID, expiresAt.Unix())
	if err != nil {
		return &errs.BackendError{Backend: "sqlite", Err: err}
	}
	return nil
}

// LookupAuthToken resolves a live token to its user id. Expired or
// unknown tokens yield errs.ErrNotFound.
func (s *Store) LookupAuthToken(ctx context.Context, token string) (string, error) {
	var userID string
	var expiresAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, expires_at FROM auth_tokens WHERE token = ?`, token).
		Scan(&userID, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errs.ErrNotFound
	}
	if err != nil {
		return "", &errs.BackendError{Backend: "sqlite", Err: err}
	}
	if time.Now().Unix() >= expiresAt {
		return "", errs.ErrNotFound
	}
	return userID, nil
}

// DeleteAuthToken revokes a token.
func (s *Store) DeleteAuthToken(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM auth_tokens WHERE token = ?`, token)
	if err != nil {
		return &errs.BackendError{Backend: "sqlite", Err: err}
	}
	return nil
}

// PurgeExpiredTokens removes tokens past their expiry, returning the
// number removed.
func (s *Store) PurgeExpiredTokens(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM auth_tokens WHERE expires_at <= ?`, time.Now().Unix())
	if err != nil {
		return 0, &errs.BackendError{Backend: "sqlite", Err: err}
	}
	n, _ := res.RowsAffected()
	return n, nil
}

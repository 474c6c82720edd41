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

// App is an installable catalog entry. InstallScript runs inside the
// workspace with ConfigEnv exported.
type App struct {
	ID            string
	Name          string
	InstallScript string
	ConfigEnv     map[string]string
	CreatedAt     int64
}

// UpsertApp inserts or replaces a catalog entry by name.
func (s *Store) UpsertApp(ctx context.Context, app *App) error {
	env, err := json.Marshal(orEmpty(app.ConfigEnv))
	if err != nil {
		return fmt.Errorf("marshal config env: %w", err)
	}
	app.CreatedAt = time.Now().Unix()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO apps (id, name, install_script, config_env, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name)
		DO UPDATE SET install_script = excluded.install_script, config_env = excluded.config_env`,
		app.ID, app.Name, app.InstallScript, string(env), app.CreatedAt)
	if err != nil {
		return &errs.BackendError{Backend: "sqlite", Err: err}
	}
	return nil
}

// GetApp fetches a catalog entry by name; errs.ErrNotFound when absent.
func (s *Store) GetApp(ctx context.Context, name string) (*App, error) {
	var app App
	var env string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, install_script, config_env, created_at
		FROM apps WHERE name = ?`, name).
		Scan(&app.ID, &app.Name, &app.InstallScript, &env, &app.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, &errs.BackendError{Backend: "sqlite", Err: err}
	}
	if err := json.Unmarshal([]byte(env), &app.ConfigEnv); err != nil {
		return nil, fmt.Errorf("decode config env: %w", err)
	}
	return &app, nil
}

// RecordAppInstall marks an app installed in a workspace. Re-installs
// refresh the timestamp.
func (s *Store) RecordAppInstall(ctx context.Context, workspaceID, appID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_installs (workspace_id, app_id, installed_at)
		VALUES (?, ?, ?)
		ON CONFLICT(workspace_id, app_id) DO UPDATE SET installed_at = excluded.installed_at`,
		workspaceID, appID, time.Now().Unix())
	if err != nil {
		return &errs.BackendError{Backend: "sqlite", Err: err}
	}
	return nil
}

// ListAppInstalls returns the app ids installed in a workspace.
func (s *Store) ListAppInstalls(ctx context.Context, workspaceID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT app_id FROM app_installs WHERE workspace_id = ? ORDER BY installed_at`, workspaceID)
	if err != nil {
		return nil, &errs.BackendError{Backend: "sqlite", Err: err}
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, &errs.BackendError{Backend: "sqlite", Err: err}
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

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

// Workflow run statuses.
const (
	RunPending   = "pending"
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
	RunCancelled = "cancelled"
)

// Workflow is a stored workflow definition. Definition is the JSON
// encoding of the step tree; the engine owns its shape.
type Workflow struct {
	ID          string
	WorkspaceID string
	Name        string
	Definition  json.RawMessage
	Env         map[string]string
	CreatedAt   int64
	UpdatedAt   int64
}

// WorkflowRun is the persisted state of one execution. StepResults is
// the JSON encoding of the engine's ordered result list.
type WorkflowRun struct {
	ID          string
	WorkflowID  string
	WorkspaceID string
	Status      string
	StepResults json.RawMessage
	Variables   map[string]string
	Error       string
	StartedAt   int64
	CompletedAt int64
	CreatedAt   int64
}

// CreateWorkflow inserts a workflow definition.
func (s *Store) CreateWorkflow(ctx context.Context, w *Workflow) error {
	env, err := json.Marshal(orEmpty(w.Env))
	if err != nil {
		return fmt.Errorf("marshal env: %w", err)
	}
	now := time.Now().Unix()
	w.CreatedAt, w.UpdatedAt = now, now
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflows (id, workspace_id, name, definition, env, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.WorkspaceID, w.Name, string(w.Definition), string(env), w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return &errs.BackendError{Backend: "sqlite", Err: err}
	}
	return nil
}

// GetWorkflow fetches one definition; errs.ErrNotFound when absent.
func (s *Store) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	var w Workflow
	var def, env string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, name, definition, env, created_at, updated_at
		FROM workflows WHERE id = ?`, id).
		Scan(&w.ID, &w.WorkspaceID, &w.Name, &def, &env, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, &errs.BackendError{Backend: "sqlite", Err: err}
	}
	w.Definition = json.RawMessage(def)
	if err := json.Unmarshal([]byte(env), &w.Env); err != nil {
		return nil, fmt.Errorf("decode env: %w", err)
	}
	return &w, nil
}

// ListWorkflows returns a workspace's definitions newest-first.
func (s *Store) ListWorkflows(ctx context.Context, workspaceID string) ([]*Workflow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, name, definition, env, created_at, updated_at
		FROM workflows WHERE workspace_id = ? ORDER BY created_at DESC`, workspaceID)
	if err != nil {
		return nil, &errs.BackendError{Backend: "sqlite", Err: err}
	}
	defer rows.Close()

	var out []*Workflow
	for rows.Next() {
		var w Workflow
		var def, env string
		if err := rows.Scan(&w.ID, &w.WorkspaceID, &w.Name, &def, &env,
			&w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, &errs.BackendError{Backend: "sqlite", Err: err}
		}
		w.Definition = json.RawMessage(def)
		if err := json.Unmarshal([]byte(env), &w.Env); err != nil {
			return nil, fmt.Errorf("decode env: %w", err)
		}
		out = append(out, &w)
	}
	return out, rows.Err()
}

// CreateRun inserts a pending run row.
func (s *Store) CreateRun(ctx context.Context, r *WorkflowRun) error {
	vars, err := json.Marshal(orEmpty(r.Variables))
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}
	if len(r.StepResults) == 0 {
		r.StepResults = json.RawMessage("[]")
	}
	r.CreatedAt = time.Now().Unix()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_runs (id, workflow_id, workspace_id, status,
			step_results, variables, error, started_at, completed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL, NULL, ?)`,
		r.ID, r.WorkflowID, r.WorkspaceID, r.Status,
		string(r.StepResults), string(vars), r.Error, r.CreatedAt)
	if err != nil {
		return &errs.BackendError{Backend: "sqlite", Err: err}
	}
	return nil
}

// GetRun fetches one run; errs.ErrNotFound when absent.
func (s *Store) GetRun(ctx context.Context, id string) (*WorkflowRun, error) {
	var r WorkflowRun
	var results, vars string
	var started, completed sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, workspace_id, status, step_results, variables,
			error, started_at, completed_at, created_at
		FROM workflow_runs WHERE id = ?`, id).
		Scan(&r.ID, &r.WorkflowID, &r.WorkspaceID, &r.Status, &results, &vars,
			&r.Error, &started, &completed, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, &errs.BackendError{Backend: "sqlite", Err: err}
	}
	r.StepResults = json.RawMessage(results)
	r.StartedAt = nullableUnix(started)
	r.CompletedAt = nullableUnix(completed)
	if err := json.Unmarshal([]byte(vars), &r.Variables); err != nil {
		return nil, fmt.Errorf("decode variables: %w", err)
	}
	return &r, nil
}

// ListRuns returns a workflow's runs newest-first.
func (s *Store) ListRuns(ctx context.Context, workflowID string) ([]*WorkflowRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM workflow_runs WHERE workflow_id = ? ORDER BY created_at DESC`, workflowID)
	if err != nil {
		return nil, &errs.BackendError{Backend: "sqlite", Err: err}
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, &errs.BackendError{Backend: "sqlite", Err: err}
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, &errs.BackendError{Backend: "sqlite", Err: err}
	}

	out := make([]*WorkflowRun, 0, len(ids))
	for _, id := range ids {
		r, err := s.GetRun(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// MarkRunRunning transitions a run to running and stamps startedAt.
func (s *Store) MarkRunRunning(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_runs SET status = ?, started_at = ? WHERE id = ?`,
		RunRunning, time.Now().Unix(), id)
	if err != nil {
		return &errs.BackendError{Backend: "sqlite", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// SaveRunResults persists the accumulated step results mid-run.
func (s *Store) SaveRunResults(ctx context.Context, id string, results json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE workflow_runs SET step_results = ? WHERE id = ?`, string(results), id)
	if err != nil {
		return &errs.BackendError{Backend: "sqlite", Err: err}
	}
	return nil
}

// FinishRun transitions a run to a terminal status with its final
// results and error string.
func (s *Store) FinishRun(ctx context.Context, id, status, errText string, results json.RawMessage) error {
	if len(results) == 0 {
		results = json.RawMessage("[]")
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_runs SET status = ?, error = ?, step_results = ?, completed_at = ?
		WHERE id = ?`,
		status, errText, string(results), time.Now().Unix(), id)
	if err != nil {
		return &errs.BackendError{Backend: "sqlite", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.ErrNotFound
	}
	return nil
}

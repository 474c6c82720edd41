package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/termflux/termflux/internal/docker"
	"github.com/termflux/termflux/internal/errs"
	"github.com/termflux/termflux/internal/ids"
	"github.com/termflux/termflux/internal/store"
)

// DefaultConcurrency is the worker pool size when none is configured.
const DefaultConcurrency = 10

// RunState is the live view of one run. GetRunStatus serves it from the
// in-process map while the run is active and from the store afterwards.
type RunState struct {
	RunID       string
	WorkflowID  string
	WorkspaceID string
	Status      string
	Results     []StepResult
	Error       string
	StartedAt   int64
	CompletedAt int64
}

// Engine executes queued workflow runs against workspace containers.
type Engine struct {
	drv         docker.Driver
	st          *store.Store
	q           *Queue
	log         *zap.Logger
	concurrency int

	mu         sync.Mutex
	activeRuns map[string]*RunState

	wg sync.WaitGroup
}

// New builds an engine. Start must be called before runs execute.
func New(drv docker.Driver, st *store.Store, q *Queue, concurrency int, log *zap.Logger) *Engine {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Engine{
		drv:         drv,
		st:          st,
		q:           q,
		log:         log,
		concurrency: concurrency,
		activeRuns:  make(map[string]*RunState),
	}
}

// Start launches the worker pool. Workers stop when ctx is cancelled;
// Wait blocks until they have drained.
func (e *Engine) Start(ctx context.Context) {
	for i := 0; i < e.concurrency; i++ {
		e.wg.Add(1)
		go e.worker(ctx, i)
	}
	e.log.Info("workflow workers started", zap.Int("concurrency", e.concurrency))
}

// Wait blocks until every worker has exited.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) worker(ctx context.Context, n int) {
	defer e.wg.Done()
	log := e.log.With(zap.Int("worker", n))
	for {
		if ctx.Err() != nil {
			return
		}
		job, state, err := e.q.Dequeue(ctx, time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("dequeue failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		if job == nil {
			continue
		}
		if state == JobDiscarded {
			// Cancelled before any worker picked it up.
			_ = e.st.FinishRun(ctx, job.RunID, store.RunCancelled, "cancelled", nil)
			continue
		}
		e.execute(ctx, job)
	}
}

// SaveWorkflow validates and persists a definition, returning its id.
func (e *Engine) SaveWorkflow(ctx context.Context, workspaceID, name string, steps []Step, env map[string]string) (string, error) {
	if err := ValidateSteps(steps); err != nil {
		return "", err
	}
	def, err := json.Marshal(steps)
	if err != nil {
		return "", fmt.Errorf("marshal definition: %w", err)
	}
	wf := &store.Workflow{
		ID:          ids.NewWorkflowID(),
		WorkspaceID: workspaceID,
		Name:        name,
		Definition:  def,
		Env:         env,
	}
	if err := e.st.CreateWorkflow(ctx, wf); err != nil {
		return "", err
	}
	return wf.ID, nil
}

// StartWorkflow loads a definition, persists a pending run and enqueues
// its job. Caller variables win over the workflow's env on collision.
func (e *Engine) StartWorkflow(ctx context.Context, workflowID, workspaceID, userID string, variables map[string]string) (string, error) {
	wf, err := e.st.GetWorkflow(ctx, workflowID)
	if err != nil {
		return "", err
	}
	if wf.WorkspaceID != workspaceID {
		return "", errs.ErrNotFound
	}

	var steps []Step
	if err := json.Unmarshal(wf.Definition, &steps); err != nil {
		return "", fmt.Errorf("decode definition: %w", err)
	}
	if err := ValidateSteps(steps); err != nil {
		return "", err
	}

	runID := ids.NewToken()
	vars := mergeVars(wf.Env, variables)

	if err := e.st.CreateRun(ctx, &store.WorkflowRun{
		ID:          runID,
		WorkflowID:  workflowID,
		WorkspaceID: workspaceID,
		Status:      store.RunPending,
		Variables:   vars,
	}); err != nil {
		return "", err
	}

	if err := e.q.Enqueue(ctx, &Job{
		RunID:       runID,
		WorkflowID:  workflowID,
		WorkspaceID: workspaceID,
		UserID:      userID,
		Definition:  steps,
		Variables:   vars,
	}); err != nil {
		return "", err
	}
	e.log.Info("workflow queued",
		zap.String("run_id", runID),
		zap.String("workflow_id", workflowID),
		zap.String("workspace_id", workspaceID))
	return runID, nil
}

// execute runs one job to a terminal state.
func (e *Engine) execute(ctx context.Context, job *Job) {
	log := e.log.With(zap.String("run_id", job.RunID), zap.String("workspace_id", job.WorkspaceID))

	rs := &RunState{
		RunID:       job.RunID,
		WorkflowID:  job.WorkflowID,
		WorkspaceID: job.WorkspaceID,
		Status:      store.RunRunning,
		StartedAt:   time.Now().Unix(),
	}
	e.mu.Lock()
	e.activeRuns[job.RunID] = rs
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.activeRuns, job.RunID)
		e.mu.Unlock()
	}()

	if err := e.st.MarkRunRunning(ctx, job.RunID); err != nil {
		log.Error("marking run running failed", zap.Error(err))
	}

	runErr := e.runSteps(ctx, job, job.Definition, job.Variables, rs)

	e.mu.Lock()
	rs.CompletedAt = time.Now().Unix()
	switch {
	case errors.Is(runErr, errs.ErrCancelled):
		rs.Status = store.RunCancelled
		rs.Error = "cancelled"
	case runErr != nil:
		rs.Status = store.RunFailed
		rs.Error = runErr.Error()
	default:
		rs.Status = store.RunCompleted
	}
	status, errText := rs.Status, rs.Error
	results, merr := json.Marshal(rs.Results)
	e.mu.Unlock()
	if merr != nil {
		log.Error("marshaling results failed", zap.Error(merr))
		results = []byte("[]")
	}

	jobState := JobCompleted
	switch status {
	case store.RunFailed:
		jobState = JobFailed
	case store.RunCancelled:
		jobState = JobDiscarded
	}
	if err := e.q.SetState(ctx, job.RunID, jobState); err != nil {
		log.Warn("updating job state failed", zap.Error(err))
	}
	if err := e.st.FinishRun(ctx, job.RunID, status, errText, results); err != nil {
		log.Error("persisting run failed", zap.Error(err))
	}
	log.Info("run finished", zap.String("status", status))
}

// CancelWorkflow discards the queue job and marks the run cancelled. An
// actively executing run notices at its next step boundary; in-flight
// shell commands are not interrupted.
func (e *Engine) CancelWorkflow(ctx context.Context, runID string) error {
	run, err := e.st.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	switch run.Status {
	case store.RunCompleted, store.RunFailed, store.RunCancelled:
		return &errs.ConflictError{Resource: "run", Name: runID}
	}

	if err := e.q.Discard(ctx, runID); err != nil {
		return err
	}

	e.mu.Lock()
	_, active := e.activeRuns[runID]
	e.mu.Unlock()
	if !active {
		// Not running anywhere in this process; finalize the row now.
		return e.st.FinishRun(ctx, runID, store.RunCancelled, "cancelled", run.StepResults)
	}
	return nil
}

// GetRunStatus reports a run, preferring the live in-process state over
// the stored row.
func (e *Engine) GetRunStatus(ctx context.Context, runID string) (*RunState, error) {
	e.mu.Lock()
	if rs, ok := e.activeRuns[runID]; ok {
		cp := *rs
		cp.Results = append([]StepResult(nil), rs.Results...)
		e.mu.Unlock()
		return &cp, nil
	}
	e.mu.Unlock()

	run, err := e.st.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	rs := &RunState{
		RunID:       run.ID,
		WorkflowID:  run.WorkflowID,
		WorkspaceID: run.WorkspaceID,
		Status:      run.Status,
		Error:       run.Error,
		StartedAt:   run.StartedAt,
		CompletedAt: run.CompletedAt,
	}
	if len(run.StepResults) > 0 {
		if err := json.Unmarshal(run.StepResults, &rs.Results); err != nil {
			return nil, fmt.Errorf("decode step results: %w", err)
		}
	}
	return rs, nil
}

// appendResult records one step outcome in execution order and persists
// the accumulated results so a crash mid-run loses at most the step in
// flight.
func (e *Engine) appendResult(ctx context.Context, rs *RunState, r StepResult) {
	e.mu.Lock()
	rs.Results = append(rs.Results, r)
	results, merr := json.Marshal(rs.Results)
	runID := rs.RunID
	e.mu.Unlock()

	if merr != nil {
		e.log.Error("marshaling step results failed", zap.String("run_id", runID), zap.Error(merr))
		return
	}
	if err := e.st.SaveRunResults(ctx, runID, results); err != nil {
		e.log.Warn("persisting step results failed", zap.String("run_id", runID), zap.Error(err))
	}
}

package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/termflux/termflux/internal/docker"
	"github.com/termflux/termflux/internal/errs"
)

// parallelOutputSep joins child outputs in a parallel composite result.
const parallelOutputSep = "\n---\n"

// runSteps walks a step list in declaration order. Cancellation is
// checked at every step boundary; a returned error terminates the run.
func (e *Engine) runSteps(ctx context.Context, job *Job, steps []Step, vars map[string]string, rs *RunState) error {
	for i := range steps {
		if err := e.checkCancelled(ctx, job.RunID); err != nil {
			return err
		}
		if err := e.evalStep(ctx, job, &steps[i], vars, rs); err != nil {
			return err
		}
	}
	return nil
}

// checkCancelled treats any job state other than active as a
// cancellation signal.
func (e *Engine) checkCancelled(ctx context.Context, runID string) error {
	if ctx.Err() != nil {
		return errs.ErrCancelled
	}
	state, err := e.q.GetState(ctx, runID)
	if err != nil {
		// A missing or unreadable job record never kills a run.
		return nil
	}
	if state != JobActive {
		return errs.ErrCancelled
	}
	return nil
}

// evalStep is the single place that knows per-kind semantics. It
// appends results for itself and any children, returning an error only
// when the failure must stop the run.
func (e *Engine) evalStep(ctx context.Context, job *Job, step *Step, vars map[string]string, rs *RunState) error {
	switch step.Kind {
	case KindShell:
		res := e.runShellWithRetry(ctx, job, step, vars)
		e.appendResult(ctx, rs, res)
		return e.propagate(step, res)

	case KindParallel:
		return e.evalParallel(ctx, job, step, vars, rs)

	case KindSequential:
		if err := e.runSteps(ctx, job, step.Steps, vars, rs); err != nil {
			return err
		}
		e.appendResult(ctx, rs, StepResult{
			StepID: step.ID, Name: step.Name, Status: StepSuccess,
			StartedAt: time.Now().Unix(), CompletedAt: time.Now().Unix(),
		})
		return nil

	case KindConditional:
		return e.evalConditional(ctx, job, step, vars, rs)

	case KindWait:
		return e.evalWait(ctx, step, rs)

	default:
		return errs.NewValidation("step.kind", fmt.Sprintf("step %s: unknown kind %q", step.ID, step.Kind))
	}
}

// propagate applies the on-failure policy to a finished leaf result.
func (e *Engine) propagate(step *Step, res StepResult) error {
	if res.Status != StepFailed && res.Status != StepCancelled {
		return nil
	}
	if res.Status == StepCancelled {
		return errs.ErrCancelled
	}
	if step.OnFailure == FailContinue {
		return nil
	}
	return fmt.Errorf("step %s failed: %s", step.ID, res.Error)
}

// evalParallel runs shell children concurrently, joins them all, then
// records each child result in declaration order followed by the
// composite. The composite fails iff any child failed.
func (e *Engine) evalParallel(ctx context.Context, job *Job, step *Step, vars map[string]string, rs *RunState) error {
	start := time.Now()
	childResults := make([]StepResult, len(step.Steps))

	g := new(errgroup.Group)
	for i := range step.Steps {
		i := i
		g.Go(func() error {
			childResults[i] = e.runShellWithRetry(ctx, job, &step.Steps[i], vars)
			return nil
		})
	}
	_ = g.Wait()

	outputs := make([]string, len(childResults))
	failed := false
	for i, cr := range childResults {
		e.appendResult(ctx, rs, cr)
		outputs[i] = cr.Output
		if cr.Status == StepFailed {
			failed = true
		}
	}

	composite := StepResult{
		StepID:      step.ID,
		Name:        step.Name,
		Status:      StepSuccess,
		Output:      strings.Join(outputs, parallelOutputSep),
		StartedAt:   start.Unix(),
		CompletedAt: time.Now().Unix(),
		DurationMS:  time.Since(start).Milliseconds(),
	}
	if failed {
		composite.Status = StepFailed
		composite.Error = "one or more parallel steps failed"
	}
	e.appendResult(ctx, rs, composite)

	if failed && step.OnFailure != FailContinue {
		return fmt.Errorf("step %s failed: %s", step.ID, composite.Error)
	}
	return nil
}

// evalConditional substitutes and executes the condition as a shell
// exit-status predicate. Exit 0 takes the nested steps; the composite
// itself always succeeds.
func (e *Engine) evalConditional(ctx context.Context, job *Job, step *Step, vars map[string]string, rs *RunState) error {
	start := time.Now()
	cond := Interpolate(step.Condition, vars)
	res, err := e.drv.Exec(ctx, job.WorkspaceID, []string{"sh", "-c", cond}, docker.ExecOptions{
		WorkingDir: step.WorkingDir,
		Env:        envList(vars, step.Env),
	})

	take := err == nil && res.ExitCode == 0
	output := fmt.Sprintf("condition %q exited 0, taking branch", cond)
	if !take {
		if err != nil {
			output = fmt.Sprintf("condition %q errored (%v), skipping branch", cond, err)
		} else {
			output = fmt.Sprintf("condition %q exited %d, skipping branch", cond, res.ExitCode)
		}
	}
	e.appendResult(ctx, rs, StepResult{
		StepID:      step.ID,
		Name:        step.Name,
		Status:      StepSuccess,
		Output:      output,
		StartedAt:   start.Unix(),
		CompletedAt: time.Now().Unix(),
		DurationMS:  time.Since(start).Milliseconds(),
	})

	if take {
		return e.runSteps(ctx, job, step.Steps, vars, rs)
	}
	return nil
}

// evalWait sleeps for the step timeout (default one second). Always
// succeeds unless the run context ends first.
func (e *Engine) evalWait(ctx context.Context, step *Step, rs *RunState) error {
	d := time.Duration(step.TimeoutSec) * time.Second
	if step.TimeoutSec <= 0 {
		d = DefaultWaitSec * time.Second
	}
	start := time.Now()

	timer := time.NewTimer(d)
	defer timer.Stop()
	status := StepSuccess
	select {
	case <-timer.C:
	case <-ctx.Done():
		status = StepCancelled
	}

	e.appendResult(ctx, rs, StepResult{
		StepID:      step.ID,
		Name:        step.Name,
		Status:      status,
		StartedAt:   start.Unix(),
		CompletedAt: time.Now().Unix(),
		DurationMS:  time.Since(start).Milliseconds(),
	})
	if status == StepCancelled {
		return errs.ErrCancelled
	}
	return nil
}

// runShellWithRetry re-runs a failing shell step when its policy is
// retry, up to Retries extra attempts.
func (e *Engine) runShellWithRetry(ctx context.Context, job *Job, step *Step, vars map[string]string) StepResult {
	attempts := 1
	if step.OnFailure == FailRetry && step.Retries > 0 {
		attempts += step.Retries
	}
	var res StepResult
	for i := 0; i < attempts; i++ {
		res = e.runShell(ctx, job, step, vars)
		if res.Status != StepFailed {
			break
		}
	}
	return res
}

// runShell executes one shell step raced against its wall-clock
// timeout. A timed-out exec is left to finish in the background; its
// result is discarded.
func (e *Engine) runShell(ctx context.Context, job *Job, step *Step, vars map[string]string) StepResult {
	start := time.Now()
	res := StepResult{StepID: step.ID, Name: step.Name, StartedAt: start.Unix()}

	cmd := Interpolate(step.Command, vars)
	timeout := time.Duration(step.TimeoutSec) * time.Second
	if step.TimeoutSec <= 0 {
		timeout = DefaultShellTimeoutSec * time.Second
	}

	type outcome struct {
		er  docker.ExecResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		er, err := e.drv.Exec(ctx, job.WorkspaceID, []string{"sh", "-c", cmd}, docker.ExecOptions{
			WorkingDir: step.WorkingDir,
			Env:        envList(vars, step.Env),
		})
		done <- outcome{er, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case o := <-done:
		if o.err != nil {
			res.Status = StepFailed
			res.Error = o.err.Error()
		} else {
			code := o.er.ExitCode
			res.ExitCode = &code
			res.Output = string(o.er.Output)
			if code == 0 {
				res.Status = StepSuccess
			} else {
				res.Status = StepFailed
				res.Error = fmt.Sprintf("command exited %d", code)
			}
		}
	case <-timer.C:
		terr := &errs.TimeoutError{Op: "step " + step.ID, Seconds: int(timeout.Seconds())}
		res.Status = StepFailed
		res.Error = terr.Error()
	case <-ctx.Done():
		res.Status = StepCancelled
		res.Error = ctx.Err().Error()
	}

	end := time.Now()
	res.CompletedAt = end.Unix()
	res.DurationMS = end.Sub(start).Milliseconds()
	return res
}

// envList flattens vars overlaid with step env into KEY=VALUE pairs.
func envList(vars, stepEnv map[string]string) []string {
	merged := mergeVars(vars, stepEnv)
	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	return out
}

package workflow

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/termflux/termflux/internal/docker"
	"github.com/termflux/termflux/internal/errs"
	"github.com/termflux/termflux/internal/store"
)

type engineEnv struct {
	eng *Engine
	drv *docker.FakeDriver
	st  *store.Store
	q   *Queue
}

// newEngineEnv starts a two-worker engine over fakes. The fake shell
// understands echo, true, false and "sleepms N".
func newEngineEnv(t *testing.T) *engineEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	st, err := store.Open(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	drv := docker.NewFakeDriver()
	drv.ExecFn = func(_ string, argv []string, _ docker.ExecOptions) (docker.ExecResult, error) {
		cmd := argv[len(argv)-1]
		switch {
		case strings.HasPrefix(cmd, "echo "):
			return docker.ExecResult{Output: []byte(strings.TrimPrefix(cmd, "echo ") + "\n")}, nil
		case cmd == "true":
			return docker.ExecResult{}, nil
		case cmd == "false":
			return docker.ExecResult{ExitCode: 1}, nil
		case strings.HasPrefix(cmd, "sleepms "):
			ms, _ := strconv.Atoi(strings.TrimPrefix(cmd, "sleepms "))
			time.Sleep(time.Duration(ms) * time.Millisecond)
			return docker.ExecResult{}, nil
		}
		return docker.ExecResult{}, nil
	}

	q := NewQueue(rdb)
	eng := New(drv, st, q, 2, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	eng.Start(ctx)
	t.Cleanup(func() {
		cancel()
		eng.Wait()
	})
	return &engineEnv{eng: eng, drv: drv, st: st, q: q}
}

// startRun saves a definition and submits one run.
func (env *engineEnv) startRun(t *testing.T, steps []Step, wfEnv, vars map[string]string) string {
	t.Helper()
	ctx := context.Background()
	wfID, err := env.eng.SaveWorkflow(ctx, "ws1", "test-flow", steps, wfEnv)
	require.NoError(t, err)
	runID, err := env.eng.StartWorkflow(ctx, wfID, "ws1", "user1", vars)
	require.NoError(t, err)
	return runID
}

// waitForStatus polls until the run reaches want.
func (env *engineEnv) waitForStatus(t *testing.T, runID, want string) *RunState {
	t.Helper()
	var rs *RunState
	require.Eventually(t, func() bool {
		var err error
		rs, err = env.eng.GetRunStatus(context.Background(), runID)
		return err == nil && rs.Status == want
	}, 5*time.Second, 20*time.Millisecond, "run %s never reached %s", runID, want)
	return rs
}

func TestRunCompletesWithInterpolation(t *testing.T) {
	env := newEngineEnv(t)

	runID := env.startRun(t,
		[]Step{{ID: "greet", Kind: KindShell, Command: "echo $A ${LONG}"}},
		nil, map[string]string{"A": "x", "LONG": "y"})

	rs := env.waitForStatus(t, runID, store.RunCompleted)
	require.Len(t, rs.Results, 1)
	assert.Equal(t, StepSuccess, rs.Results[0].Status)
	assert.Equal(t, "x y\n", rs.Results[0].Output)

	var sawSubstituted bool
	for _, call := range env.drv.Calls() {
		if call.Argv[len(call.Argv)-1] == "echo x y" {
			sawSubstituted = true
		}
	}
	assert.True(t, sawSubstituted, "command reached the container with variables substituted")
}

func TestCallerVariablesWinOverWorkflowEnv(t *testing.T) {
	env := newEngineEnv(t)

	runID := env.startRun(t,
		[]Step{{ID: "s", Kind: KindShell, Command: "echo ${A} ${B}"}},
		map[string]string{"A": "wf", "B": "wf"},
		map[string]string{"B": "caller"})

	rs := env.waitForStatus(t, runID, store.RunCompleted)
	assert.Equal(t, "wf caller\n", rs.Results[0].Output)
}

func TestParallelComposition(t *testing.T) {
	env := newEngineEnv(t)

	runID := env.startRun(t, []Step{{
		ID: "par", Kind: KindParallel, Steps: []Step{
			{ID: "a", Kind: KindShell, Command: "echo a"},
			{ID: "b", Kind: KindShell, Command: "echo b"},
			{ID: "c", Kind: KindShell, Command: "false"},
		},
	}}, nil, nil)

	rs := env.waitForStatus(t, runID, store.RunFailed)

	// Child results in declaration order, then the composite.
	require.Len(t, rs.Results, 4)
	assert.Equal(t, "a", rs.Results[0].StepID)
	assert.Equal(t, StepSuccess, rs.Results[0].Status)
	assert.Equal(t, "b", rs.Results[1].StepID)
	assert.Equal(t, StepSuccess, rs.Results[1].Status)
	assert.Equal(t, "c", rs.Results[2].StepID)
	assert.Equal(t, StepFailed, rs.Results[2].Status)

	composite := rs.Results[3]
	assert.Equal(t, "par", composite.StepID)
	assert.Equal(t, StepFailed, composite.Status)
	assert.Equal(t, "a\n\n---\nb\n\n---\n", composite.Output)
}

func TestParallelAllSucceed(t *testing.T) {
	env := newEngineEnv(t)

	runID := env.startRun(t, []Step{{
		ID: "par", Kind: KindParallel, Steps: []Step{
			{ID: "a", Kind: KindShell, Command: "echo a"},
			{ID: "b", Kind: KindShell, Command: "echo b"},
		},
	}}, nil, nil)

	rs := env.waitForStatus(t, runID, store.RunCompleted)
	composite := rs.Results[len(rs.Results)-1]
	assert.Equal(t, StepSuccess, composite.Status)
	assert.Contains(t, composite.Output, "\n---\n")
}

func TestParallelFailureContinues(t *testing.T) {
	env := newEngineEnv(t)

	runID := env.startRun(t, []Step{
		{ID: "par", Kind: KindParallel, OnFailure: FailContinue, Steps: []Step{
			{ID: "bad", Kind: KindShell, Command: "false"},
		}},
		{ID: "after", Kind: KindShell, Command: "echo after"},
	}, nil, nil)

	rs := env.waitForStatus(t, runID, store.RunCompleted)
	last := rs.Results[len(rs.Results)-1]
	assert.Equal(t, "after", last.StepID)
	assert.Equal(t, StepSuccess, last.Status)
}

func TestConditionalTaken(t *testing.T) {
	env := newEngineEnv(t)

	runID := env.startRun(t, []Step{{
		ID: "gate", Kind: KindConditional, Condition: "true", Steps: []Step{
			{ID: "inner", Kind: KindShell, Command: "echo ran"},
		},
	}}, nil, nil)

	rs := env.waitForStatus(t, runID, store.RunCompleted)
	require.Len(t, rs.Results, 2)
	assert.Equal(t, "gate", rs.Results[0].StepID)
	assert.Equal(t, StepSuccess, rs.Results[0].Status)
	assert.Contains(t, rs.Results[0].Output, "taking branch")
	assert.Equal(t, "inner", rs.Results[1].StepID)
}

func TestConditionalSkipped(t *testing.T) {
	env := newEngineEnv(t)

	runID := env.startRun(t, []Step{{
		ID: "gate", Kind: KindConditional, Condition: "false", Steps: []Step{
			{ID: "inner", Kind: KindShell, Command: "echo ran"},
		},
	}}, nil, nil)

	rs := env.waitForStatus(t, runID, store.RunCompleted)
	require.Len(t, rs.Results, 1)
	assert.Equal(t, StepSuccess, rs.Results[0].Status)
	assert.Contains(t, rs.Results[0].Output, "skipping branch")
}

func TestWaitStep(t *testing.T) {
	env := newEngineEnv(t)

	start := time.Now()
	runID := env.startRun(t, []Step{{ID: "pause", Kind: KindWait, TimeoutSec: 1}}, nil, nil)
	rs := env.waitForStatus(t, runID, store.RunCompleted)

	assert.Equal(t, StepSuccess, rs.Results[0].Status)
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
	assert.GreaterOrEqual(t, rs.Results[0].DurationMS, int64(1000))
}

func TestShellTimeout(t *testing.T) {
	env := newEngineEnv(t)

	runID := env.startRun(t, []Step{{
		ID: "slow", Kind: KindShell, Command: "sleepms 5000", TimeoutSec: 1,
	}}, nil, nil)

	rs := env.waitForStatus(t, runID, store.RunFailed)
	require.Len(t, rs.Results, 1)
	assert.Equal(t, StepFailed, rs.Results[0].Status)
	assert.Contains(t, rs.Results[0].Error, "exceeded 1s")
	assert.GreaterOrEqual(t, rs.Results[0].DurationMS, int64(1000))
	assert.Less(t, rs.Results[0].DurationMS, int64(1500))
}

func TestRetryEventuallySucceeds(t *testing.T) {
	env := newEngineEnv(t)

	var calls atomic.Int32
	env.drv.SetExecFn(func(_ string, argv []string, _ docker.ExecOptions) (docker.ExecResult, error) {
		if argv[len(argv)-1] == "flaky" {
			if calls.Add(1) < 3 {
				return docker.ExecResult{ExitCode: 1}, nil
			}
			return docker.ExecResult{Output: []byte("ok")}, nil
		}
		return docker.ExecResult{}, nil
	})

	runID := env.startRun(t, []Step{{
		ID: "f", Kind: KindShell, Command: "flaky", OnFailure: FailRetry, Retries: 2,
	}}, nil, nil)

	rs := env.waitForStatus(t, runID, store.RunCompleted)
	assert.Equal(t, StepSuccess, rs.Results[0].Status)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRetryExhaustedFailsRun(t *testing.T) {
	env := newEngineEnv(t)

	runID := env.startRun(t, []Step{{
		ID: "f", Kind: KindShell, Command: "false", OnFailure: FailRetry, Retries: 1,
	}}, nil, nil)

	rs := env.waitForStatus(t, runID, store.RunFailed)
	assert.Equal(t, StepFailed, rs.Results[0].Status)
}

func TestOnFailureStopHaltsRun(t *testing.T) {
	env := newEngineEnv(t)

	runID := env.startRun(t, []Step{
		{ID: "bad", Kind: KindShell, Command: "false"},
		{ID: "never", Kind: KindShell, Command: "echo never"},
	}, nil, nil)

	rs := env.waitForStatus(t, runID, store.RunFailed)
	require.Len(t, rs.Results, 1)
	assert.Equal(t, "bad", rs.Results[0].StepID)
	assert.Contains(t, rs.Error, "step bad failed")
}

func TestOnFailureContinueProceeds(t *testing.T) {
	env := newEngineEnv(t)

	runID := env.startRun(t, []Step{
		{ID: "bad", Kind: KindShell, Command: "false", OnFailure: FailContinue},
		{ID: "next", Kind: KindShell, Command: "echo next"},
	}, nil, nil)

	rs := env.waitForStatus(t, runID, store.RunCompleted)
	require.Len(t, rs.Results, 2)
	assert.Equal(t, StepFailed, rs.Results[0].Status)
	assert.Equal(t, StepSuccess, rs.Results[1].Status)
}

func TestCancellationStopsBetweenSteps(t *testing.T) {
	env := newEngineEnv(t)
	ctx := context.Background()

	runID := env.startRun(t, []Step{
		{ID: "slow", Kind: KindShell, Command: "sleepms 300"},
		{ID: "later", Kind: KindShell, Command: "echo later"},
	}, nil, nil)

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, env.eng.CancelWorkflow(ctx, runID))

	rs := env.waitForStatus(t, runID, store.RunCancelled)
	for _, r := range rs.Results {
		assert.NotEqual(t, "later", r.StepID, "no step starts after cancellation")
	}

	row, err := env.st.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, store.RunCancelled, row.Status)
}

func TestCancelFinishedRunConflicts(t *testing.T) {
	env := newEngineEnv(t)

	runID := env.startRun(t, []Step{{ID: "s", Kind: KindShell, Command: "true"}}, nil, nil)
	env.waitForStatus(t, runID, store.RunCompleted)

	err := env.eng.CancelWorkflow(context.Background(), runID)
	var cerr *errs.ConflictError
	assert.ErrorAs(t, err, &cerr)
}

func TestGetRunStatusFallsBackToStore(t *testing.T) {
	env := newEngineEnv(t)

	runID := env.startRun(t, []Step{{ID: "s", Kind: KindShell, Command: "echo hi"}}, nil, nil)
	env.waitForStatus(t, runID, store.RunCompleted)

	// Workers are idle now; the active map no longer holds the run, so
	// this reads the persisted row.
	rs, err := env.eng.GetRunStatus(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, store.RunCompleted, rs.Status)
	require.Len(t, rs.Results, 1)
	assert.Equal(t, "hi\n", rs.Results[0].Output)

	_, err = env.eng.GetRunStatus(context.Background(), "ghost")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestStartWorkflowErrors(t *testing.T) {
	env := newEngineEnv(t)
	ctx := context.Background()

	_, err := env.eng.StartWorkflow(ctx, "ghost", "ws1", "user1", nil)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	wfID, err := env.eng.SaveWorkflow(ctx, "ws1", "f", []Step{{ID: "s", Kind: KindShell, Command: "true"}}, nil)
	require.NoError(t, err)
	_, err = env.eng.StartWorkflow(ctx, wfID, "other-ws", "user1", nil)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestSaveWorkflowValidates(t *testing.T) {
	env := newEngineEnv(t)
	_, err := env.eng.SaveWorkflow(context.Background(), "ws1", "bad", []Step{{ID: "s", Kind: "magic"}}, nil)
	var verr *errs.ValidationError
	assert.ErrorAs(t, err, &verr)
}

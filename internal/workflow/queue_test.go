package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/termflux/termflux/internal/errs"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewQueue(rdb)
}

func testJob(runID string) *Job {
	return &Job{
		RunID:       runID,
		WorkflowID:  "wf1",
		WorkspaceID: "ws1",
		UserID:      "user1",
		Definition:  []Step{{ID: "s1", Kind: KindShell, Command: "echo hi"}},
		Variables:   map[string]string{"A": "x"},
	}
}

func TestEnqueueDequeueRoundTrip(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, testJob("run1")))

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	state, err := q.GetState(ctx, "run1")
	require.NoError(t, err)
	assert.Equal(t, JobPending, state)

	job, prevState, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, JobPending, prevState)
	assert.Equal(t, "run1", job.RunID)
	assert.Equal(t, "echo hi", job.Definition[0].Command)
	assert.Equal(t, "x", job.Variables["A"])

	// Dequeue moved the job to active.
	state, err = q.GetState(ctx, "run1")
	require.NoError(t, err)
	assert.Equal(t, JobActive, state)
}

func TestDequeueTimeout(t *testing.T) {
	q := newTestQueue(t)
	job, _, err := q.Dequeue(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestDequeueFIFO(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, testJob("run1")))
	require.NoError(t, q.Enqueue(ctx, testJob("run2")))

	first, _, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	second, _, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "run1", first.RunID)
	assert.Equal(t, "run2", second.RunID)
}

func TestDiscardRemovesQueuedJob(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, testJob("run1")))
	require.NoError(t, q.Discard(ctx, "run1"))

	depth, _ := q.Depth(ctx)
	assert.Zero(t, depth)

	state, err := q.GetState(ctx, "run1")
	require.NoError(t, err)
	assert.Equal(t, JobDiscarded, state)
}

func TestDiscardedStateSurvivesDequeue(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, testJob("run1")))
	// Mark discarded without removing from the list, as if a racing
	// cancel landed between RPUSH and BLPOP.
	require.NoError(t, q.SetState(ctx, "run1", JobDiscarded))

	job, state, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, JobDiscarded, state)

	// Dequeue never promotes a discarded job to active.
	state, _ = q.GetState(ctx, "run1")
	assert.Equal(t, JobDiscarded, state)
}

func TestGetStateUnknownRun(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.GetState(context.Background(), "ghost")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

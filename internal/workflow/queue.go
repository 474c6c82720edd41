package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"

	"github.com/termflux/termflux/internal/errs"
)

// Job states tracked in the per-run hash.
const (
	JobPending   = "pending"
	JobActive    = "active"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobDiscarded = "discarded"
)

const queueKey = "workflow:queue"

func jobKey(runID string) string { return "job:" + runID }

// jobTTL keeps finished job records around long enough for inspection
// without growing unbounded.
const jobTTL = 7 * 24 * time.Hour

// Job is one queued workflow execution, keyed by run id.
type Job struct {
	RunID       string            `json:"runId"`
	WorkflowID  string            `json:"workflowId"`
	WorkspaceID string            `json:"workspaceId"`
	UserID      string            `json:"userId"`
	Definition  []Step            `json:"definition"`
	Variables   map[string]string `json:"variables"`
}

// Queue is a redis-list job queue with per-run state hashes. No
// dedicated broker is involved; BLPOP drives the dispatcher.
type Queue struct {
	rdb *redis.Client
}

// NewQueue wraps a redis client.
func NewQueue(rdb *redis.Client) *Queue {
	return &Queue{rdb: rdb}
}

// Enqueue records the job hash and pushes the run id onto the queue.
// Transient redis failures are retried with exponential backoff before
// giving up.
func (q *Queue) Enqueue(ctx context.Context, job *Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	op := func() (struct{}, error) {
		pipe := q.rdb.TxPipeline()
		pipe.HSet(ctx, jobKey(job.RunID),
			"state", JobPending,
			"payload", payload,
			"enqueued_at", time.Now().Unix())
		pipe.Expire(ctx, jobKey(job.RunID), jobTTL)
		pipe.RPush(ctx, queueKey, job.RunID)
		_, err := pipe.Exec(ctx)
		return struct{}{}, err
	}
	_, err = backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(3))
	if err != nil {
		return &errs.BackendError{Backend: "redis", Err: fmt.Errorf("enqueue %s: %w", job.RunID, err)}
	}
	return nil
}

// Dequeue blocks up to timeout for the next job. It returns the job and
// its pre-dequeue state; callers skip discarded jobs. A nil job means
// the timeout elapsed.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, string, error) {
	vals, err := q.rdb.BLPop(ctx, timeout, queueKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", &errs.BackendError{Backend: "redis", Err: err}
	}
	runID := vals[1]

	fields, err := q.rdb.HGetAll(ctx, jobKey(runID)).Result()
	if err != nil {
		return nil, "", &errs.BackendError{Backend: "redis", Err: err}
	}
	if len(fields) == 0 {
		return nil, "", fmt.Errorf("job %s has no record", runID)
	}
	var job Job
	if err := json.Unmarshal([]byte(fields["payload"]), &job); err != nil {
		return nil, "", fmt.Errorf("decode job %s: %w", runID, err)
	}

	state := fields["state"]
	if state == JobPending {
		if err := q.SetState(ctx, runID, JobActive); err != nil {
			return nil, "", err
		}
	}
	return &job, state, nil
}

// SetState updates a job's state.
func (q *Queue) SetState(ctx context.Context, runID, state string) error {
	if err := q.rdb.HSet(ctx, jobKey(runID), "state", state).Err(); err != nil {
		return &errs.BackendError{Backend: "redis", Err: err}
	}
	return nil
}

// GetState reads a job's state; errs.ErrNotFound for unknown runs.
func (q *Queue) GetState(ctx context.Context, runID string) (string, error) {
	state, err := q.rdb.HGet(ctx, jobKey(runID), "state").Result()
	if errors.Is(err, redis.Nil) {
		return "", errs.ErrNotFound
	}
	if err != nil {
		return "", &errs.BackendError{Backend: "redis", Err: err}
	}
	return state, nil
}

// Discard marks a job discarded and removes any queued occurrence so a
// worker never picks it up.
func (q *Queue) Discard(ctx context.Context, runID string) error {
	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(runID), "state", JobDiscarded)
	pipe.LRem(ctx, queueKey, 0, runID)
	if _, err := pipe.Exec(ctx); err != nil {
		return &errs.BackendError{Backend: "redis", Err: err}
	}
	return nil
}

// Depth reports how many jobs are waiting.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	n, err := q.rdb.LLen(ctx, queueKey).Result()
	if err != nil {
		return 0, &errs.BackendError{Backend: "redis", Err: err}
	}
	return n, nil
}

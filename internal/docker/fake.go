package docker

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/termflux/termflux/internal/errs"
)

// FakeDriver is an in-memory Driver for tests. Behaviors can be scripted
// through the Fn fields; unset behaviors succeed with zero values.
type FakeDriver struct {
	mu         sync.Mutex
	containers map[string]*FakeContainer

	ProvisionErr error
	ExecFn       func(workspaceID string, argv []string, opts ExecOptions) (ExecResult, error)
	AttachFn     func(workspaceID string, argv []string) (io.ReadWriteCloser, error)
	StatsFn      func(workspaceID string) (*WorkspaceStats, error)

	ExecCalls []ExecCall
}

// FakeContainer is the fake's view of one provisioned workspace.
type FakeContainer struct {
	ID            string
	Config        WorkspaceConfig
	Status        WorkspaceStatus
	VolumeRemoved bool
	Created       time.Time
}

// ExecCall records one Exec invocation for assertions.
type ExecCall struct {
	WorkspaceID string
	Argv        []string
	Opts        ExecOptions
}

// NewFakeDriver creates an empty fake.
func NewFakeDriver() *FakeDriver {
	return &FakeDriver{containers: make(map[string]*FakeContainer)}
}

// SetExecFn swaps the scripted exec behavior under the fake's lock so
// tests can reconfigure it while workers are live.
func (f *FakeDriver) SetExecFn(fn func(workspaceID string, argv []string, opts ExecOptions) (ExecResult, error)) {
	f.mu.Lock()
	f.ExecFn = fn
	f.mu.Unlock()
}

// Calls returns a copy of the recorded Exec invocations. Safe to call
// while other goroutines are still executing.
func (f *FakeDriver) Calls() []ExecCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ExecCall(nil), f.ExecCalls...)
}

// Container returns the fake container for a workspace id, or nil.
func (f *FakeDriver) Container(workspaceID string) *FakeContainer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.containers[workspaceID]
}

func (f *FakeDriver) Provision(_ context.Context, cfg WorkspaceConfig) (string, error) {
	if f.ProvisionErr != nil {
		return "", f.ProvisionErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id := "fake-" + cfg.WorkspaceID
	f.containers[cfg.WorkspaceID] = &FakeContainer{
		ID:      id,
		Config:  cfg,
		Status:  StatusRunning,
		Created: time.Now(),
	}
	return id, nil
}

func (f *FakeDriver) Exec(_ context.Context, workspaceID string, argv []string, opts ExecOptions) (ExecResult, error) {
	f.mu.Lock()
	f.ExecCalls = append(f.ExecCalls, ExecCall{WorkspaceID: workspaceID, Argv: argv, Opts: opts})
	fn := f.ExecFn
	f.mu.Unlock()

	if fn != nil {
		return fn(workspaceID, argv, opts)
	}
	return ExecResult{ExitCode: 0}, nil
}

func (f *FakeDriver) AttachStream(_ context.Context, workspaceID string, argv []string) (io.ReadWriteCloser, error) {
	f.mu.Lock()
	fn := f.AttachFn
	f.mu.Unlock()

	if fn != nil {
		return fn(workspaceID, argv)
	}
	return nil, &errs.BackendError{Backend: "docker", Err: io.ErrClosedPipe}
}

func (f *FakeDriver) Status(_ context.Context, workspaceID string) (WorkspaceStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ct, ok := f.containers[workspaceID]
	if !ok {
		return StatusNotFound, nil
	}
	return ct.Status, nil
}

func (f *FakeDriver) Stats(_ context.Context, workspaceID string) (*WorkspaceStats, error) {
	if f.StatsFn != nil {
		return f.StatsFn(workspaceID)
	}
	return &WorkspaceStats{}, nil
}

func (f *FakeDriver) StartedAt(_ context.Context, workspaceID string) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ct, ok := f.containers[workspaceID]; ok {
		return ct.Created, nil
	}
	return time.Time{}, errs.ErrNotFound
}

func (f *FakeDriver) Stop(_ context.Context, workspaceID string, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ct, ok := f.containers[workspaceID]; ok {
		ct.Status = StatusStopped
	}
	return nil
}

func (f *FakeDriver) Remove(_ context.Context, workspaceID string, removeVolume bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ct, ok := f.containers[workspaceID]; ok {
		ct.VolumeRemoved = removeVolume
		delete(f.containers, workspaceID)
	}
	return nil
}

func (f *FakeDriver) List(_ context.Context) ([]ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ContainerInfo
	for wsID, ct := range f.containers {
		out = append(out, ContainerInfo{
			ID:          ct.ID,
			Name:        ContainerName(wsID),
			WorkspaceID: wsID,
			State:       string(ct.Status),
			Created:     ct.Created,
		})
	}
	return out, nil
}

func (f *FakeDriver) Cleanup(_ context.Context, age time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := time.Now().Add(-age)
	removed := 0
	for wsID, ct := range f.containers {
		if ct.Status != StatusRunning && ct.Created.Before(cutoff) {
			delete(f.containers, wsID)
			removed++
		}
	}
	return removed, nil
}

// Verify FakeDriver implements Driver at compile time.
var _ Driver = (*FakeDriver)(nil)

package docker

import (
	"context"
	"io"
	"time"
)

// ManagedLabel marks containers owned by termflux.
const ManagedLabel = "termflux.managed"

// ContainerPrefix is prepended to workspace ids to form container names.
const ContainerPrefix = "termflux-"

// HomeDir is the in-container home, backed by the workspace volume.
const HomeDir = "/home/dev"

// DefaultUser is the uid:gid every workspace process runs as.
const DefaultUser = "1000:1000"

// WorkspaceConfig describes the container to provision for a workspace.
type WorkspaceConfig struct {
	WorkspaceID string
	UserID      string
	Image       string

	// CPUCores caps CPU in whole cores (converted to NanoCPUs).
	CPUCores float64
	// MemoryMiB caps memory (converted to bytes).
	MemoryMiB int64
	// DiskMiB is advisory; enforcement is left to the storage driver.
	DiskMiB int64

	// Env is the per-workspace environment map, applied after the
	// mandatory variables.
	Env map[string]string
}

// ExecOptions adjusts a single exec invocation.
type ExecOptions struct {
	WorkingDir string   // defaults to HomeDir
	User       string   // defaults to DefaultUser
	Env        []string // KEY=VALUE pairs appended to the container env
}

// ExecResult is the collected outcome of an exec.
type ExecResult struct {
	// Output is combined stdout and stderr with the engine's 8-byte
	// stream framing stripped.
	Output []byte
	// ExitCode is the inspect-reported code after the stream closed.
	ExitCode int
}

// WorkspaceStatus is the coarse container state.
type WorkspaceStatus string

const (
	StatusRunning  WorkspaceStatus = "running"
	StatusStopped  WorkspaceStatus = "stopped"
	StatusNotFound WorkspaceStatus = "not_found"
)

// WorkspaceStats holds a resource usage snapshot.
type WorkspaceStats struct {
	CPUPercent  float64
	MemoryUsed  uint64
	MemoryLimit uint64
	NetworkRx   uint64
	NetworkTx   uint64
}

// ContainerInfo describes one managed container.
type ContainerInfo struct {
	ID          string
	Name        string
	WorkspaceID string
	State       string
	Created     time.Time
}

// Driver is the container runtime surface the rest of the system depends
// on. The concrete Client implements it; FakeDriver stands in for tests.
type Driver interface {
	Provision(ctx context.Context, cfg WorkspaceConfig) (string, error)
	Exec(ctx context.Context, workspaceID string, argv []string, opts ExecOptions) (ExecResult, error)
	AttachStream(ctx context.Context, workspaceID string, argv []string) (io.ReadWriteCloser, error)
	Status(ctx context.Context, workspaceID string) (WorkspaceStatus, error)
	Stats(ctx context.Context, workspaceID string) (*WorkspaceStats, error)
	StartedAt(ctx context.Context, workspaceID string) (time.Time, error)
	Stop(ctx context.Context, workspaceID string, graceSec int) error
	Remove(ctx context.Context, workspaceID string, removeVolume bool) error
	List(ctx context.Context) ([]ContainerInfo, error)
	Cleanup(ctx context.Context, age time.Duration) (int, error)
}

// Verify Client implements Driver at compile time.
var _ Driver = (*Client)(nil)

// ContainerName returns the container name for a workspace id.
func ContainerName(workspaceID string) string {
	return ContainerPrefix + workspaceID
}

// VolumeName returns the persistent home volume name for a workspace id.
func VolumeName(workspaceID string) string {
	return ContainerPrefix + workspaceID + "-home"
}

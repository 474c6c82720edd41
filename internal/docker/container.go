package docker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/errdefs"

	"github.com/termflux/termflux/internal/errs"
)

// Resource hardening applied to every workspace container.
const (
	pidsLimit         = int64(256)
	logMaxSize        = "10m"
	logMaxFiles       = "3"
	restartMaxRetries = 3
)

// workspaceCapAdd is the capability set granted after dropping ALL.
// Matches the default capability set a regular unprivileged container
// needs for everyday dev work without SYS_ADMIN or NET_ADMIN.
var workspaceCapAdd = []string{
	"CHOWN", "DAC_OVERRIDE", "FOWNER", "FSETID", "KILL",
	"SETGID", "SETUID", "SETPCAP", "NET_BIND_SERVICE",
	"SYS_CHROOT", "MKNOD", "AUDIT_WRITE", "SETFCAP",
}

// buildContainerSpec builds the create-time configuration for a workspace
// container. Split out from Provision so the hardening can be asserted in
// tests without a Docker daemon.
func buildContainerSpec(cfg WorkspaceConfig) (*container.Config, *container.HostConfig) {
	env := []string{
		"WORKSPACE_ID=" + cfg.WorkspaceID,
		"USER_ID=" + cfg.UserID,
		"TERM=xterm-256color",
		"HOME=" + HomeDir,
	}
	for k, v := range cfg.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	containerCfg := &container.Config{
		Image:      cfg.Image,
		Cmd:        []string{"sleep", "infinity"},
		Env:        env,
		User:       DefaultUser,
		WorkingDir: HomeDir,
		Labels: map[string]string{
			ManagedLabel:         "true",
			"termflux.workspace": cfg.WorkspaceID,
			"termflux.user":      cfg.UserID,
		},
	}

	pids := pidsLimit
	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{{
			Type:   mount.TypeVolume,
			Source: VolumeName(cfg.WorkspaceID),
			Target: HomeDir,
		}},
		Resources: container.Resources{
			// CPU cap in nanocores: cores * 1e9.
			NanoCPUs: int64(cfg.CPUCores * 1e9),
			// Memory cap in bytes: MiB * 2^20; swap at twice memory.
			Memory:     cfg.MemoryMiB << 20,
			MemorySwap: (cfg.MemoryMiB << 20) * 2,
			PidsLimit:  &pids,
		},
		CapDrop:     []string{"ALL"},
		CapAdd:      append([]string(nil), workspaceCapAdd...),
		SecurityOpt: []string{"no-new-privileges:true"},
		RestartPolicy: container.RestartPolicy{
			Name:              container.RestartPolicyUnlessStopped,
			MaximumRetryCount: restartMaxRetries,
		},
		LogConfig: container.LogConfig{
			Type: "json-file",
			Config: map[string]string{
				"max-size": logMaxSize,
				"max-file": logMaxFiles,
			},
		},
	}

	return containerCfg, hostCfg
}

// Provision creates (and starts) the container for a workspace. The home
// volume is created if absent; an existing container of the same name is
// force-removed first. Returns the container id.
func (c *Client) Provision(ctx context.Context, cfg WorkspaceConfig) (string, error) {
	name := ContainerName(cfg.WorkspaceID)

	// Ensure the persistent home volume. VolumeCreate is idempotent for
	// an existing name.
	_, err := c.cli.VolumeCreate(ctx, volume.CreateOptions{
		Name:   VolumeName(cfg.WorkspaceID),
		Labels: map[string]string{ManagedLabel: "true"},
	})
	if err != nil {
		return "", &errs.BackendError{Backend: "docker", Err: fmt.Errorf("create volume: %w", err)}
	}

	// Remove any stale container holding the name.
	if err := c.removeByName(ctx, name); err != nil {
		return "", &errs.ConflictError{Resource: "container", Name: name}
	}

	containerCfg, hostCfg := buildContainerSpec(cfg)
	resp, err := c.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		if errdefs.IsConflict(err) {
			return "", &errs.ConflictError{Resource: "container", Name: name}
		}
		if errdefs.IsInvalidParameter(err) {
			return "", &errs.ResourceError{Reason: "container runtime rejected resource caps", Err: err}
		}
		return "", &errs.BackendError{Backend: "docker", Err: err}
	}

	if err := c.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Leave the volume in place so a retry can reuse it.
		_ = c.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", &errs.BackendError{Backend: "docker", Err: fmt.Errorf("start container: %w", err)}
	}

	return resp.ID, nil
}

// removeByName force-removes a container by name if it exists.
func (c *Client) removeByName(ctx context.Context, name string) error {
	info, err := c.cli.ContainerInspect(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return err
	}
	return c.cli.ContainerRemove(ctx, info.ID, container.RemoveOptions{Force: true})
}

// Status reports whether the workspace container is running, stopped, or
// absent.
func (c *Client) Status(ctx context.Context, workspaceID string) (WorkspaceStatus, error) {
	info, err := c.cli.ContainerInspect(ctx, ContainerName(workspaceID))
	if err != nil {
		if errdefs.IsNotFound(err) {
			return StatusNotFound, nil
		}
		return "", &errs.BackendError{Backend: "docker", Err: err}
	}
	if info.State != nil && info.State.Running {
		return StatusRunning, nil
	}
	return StatusStopped, nil
}

// StartedAt returns the container start time, for uptime reporting.
func (c *Client) StartedAt(ctx context.Context, workspaceID string) (time.Time, error) {
	info, err := c.cli.ContainerInspect(ctx, ContainerName(workspaceID))
	if err != nil {
		return time.Time{}, &errs.BackendError{Backend: "docker", Err: err}
	}
	if info.State == nil {
		return time.Time{}, nil
	}
	started, err := time.Parse(time.RFC3339Nano, info.State.StartedAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse StartedAt: %w", err)
	}
	return started, nil
}

// Stop stops the workspace container with the given grace period. A
// missing container is not an error.
func (c *Client) Stop(ctx context.Context, workspaceID string, graceSec int) error {
	err := c.cli.ContainerStop(ctx, ContainerName(workspaceID), container.StopOptions{Timeout: &graceSec})
	if err != nil && !errdefs.IsNotFound(err) {
		return &errs.BackendError{Backend: "docker", Err: err}
	}
	return nil
}

// Remove force-removes the workspace container and, optionally, its home
// volume. A missing container is not an error.
func (c *Client) Remove(ctx context.Context, workspaceID string, removeVolume bool) error {
	err := c.cli.ContainerRemove(ctx, ContainerName(workspaceID), container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return &errs.BackendError{Backend: "docker", Err: err}
	}
	if removeVolume {
		err := c.cli.VolumeRemove(ctx, VolumeName(workspaceID), true)
		if err != nil && !errdefs.IsNotFound(err) {
			return &errs.BackendError{Backend: "docker", Err: err}
		}
	}
	return nil
}

// List returns every container carrying the managed label.
func (c *Client) List(ctx context.Context) ([]ContainerInfo, error) {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", ManagedLabel+"=true")

	containers, err := c.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return nil, &errs.BackendError{Backend: "docker", Err: err}
	}

	var result []ContainerInfo
	for _, ct := range containers {
		name := ""
		if len(ct.Names) > 0 {
			name = strings.TrimPrefix(ct.Names[0], "/")
		}
		result = append(result, ContainerInfo{
			ID:          ct.ID,
			Name:        name,
			WorkspaceID: ct.Labels["termflux.workspace"],
			State:       ct.State,
			Created:     time.Unix(ct.Created, 0),
		})
	}
	return result, nil
}

// Cleanup removes managed containers older than age that are not running.
// Returns the number removed.
func (c *Client) Cleanup(ctx context.Context, age time.Duration) (int, error) {
	containers, err := c.List(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-age)
	removed := 0
	for _, ct := range containers {
		if ct.State == "running" || ct.Created.After(cutoff) {
			continue
		}
		if err := c.cli.ContainerRemove(ctx, ct.ID, container.RemoveOptions{Force: true}); err == nil {
			removed++
		}
	}
	return removed, nil
}

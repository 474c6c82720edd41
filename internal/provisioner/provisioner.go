// Package provisioner orchestrates workspace lifecycle: hardened
// container provisioning, first-boot setup, health reporting, and
// teardown that keeps the cache and relational store in step.
package provisioner

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/termflux/termflux/internal/cache"
	"github.com/termflux/termflux/internal/docker"
	"github.com/termflux/termflux/internal/errs"
	"github.com/termflux/termflux/internal/ids"
	"github.com/termflux/termflux/internal/secrets"
	"github.com/termflux/termflux/internal/store"
)

// Defaults applied when a create request leaves resource caps unset.
type Defaults struct {
	Image     string
	CPUCores  float64
	MemoryMiB int64
	DiskMiB   int64
}

// CreateRequest describes a workspace to provision.
type CreateRequest struct {
	UserID    string
	OrgID     string
	Name      string
	Image     string
	CPUCores  float64
	MemoryMiB int64
	DiskMiB   int64
	Env       map[string]string

	// Setup is the optional first-boot sequence run after the container
	// is up.
	Setup *SetupSpec
}

// Provisioner wires the container driver, cache, store and vault.
type Provisioner struct {
	drv      docker.Driver
	cache    *cache.Cache
	st       *store.Store
	vault    *secrets.Vault
	defaults Defaults
	log      *zap.Logger
}

// New builds a provisioner.
func New(drv docker.Driver, c *cache.Cache, st *store.Store, vault *secrets.Vault, defaults Defaults, log *zap.Logger) *Provisioner {
	return &Provisioner{drv: drv, cache: c, st: st, vault: vault, defaults: defaults, log: log}
}

// Create provisions a new workspace end to end. If any setup step after
// the container start fails, the container is force-removed but the
// volume is kept so a retry can resume from persisted state.
func (p *Provisioner) Create(ctx context.Context, req CreateRequest) (*store.Workspace, error) {
	if req.UserID == "" {
		return nil, errs.NewValidation("userId", "required")
	}
	if req.Name == "" {
		return nil, errs.NewValidation("name", "required")
	}
	if req.Image == "" {
		req.Image = p.defaults.Image
	}
	if req.CPUCores <= 0 {
		req.CPUCores = p.defaults.CPUCores
	}
	if req.MemoryMiB <= 0 {
		req.MemoryMiB = p.defaults.MemoryMiB
	}
	if req.DiskMiB <= 0 {
		req.DiskMiB = p.defaults.DiskMiB
	}

	ws := &store.Workspace{
		ID:        ids.NewWorkspaceID(),
		UserID:    req.UserID,
		OrgID:     req.OrgID,
		Name:      req.Name,
		Status:    store.WorkspaceCreating,
		CPUCores:  int(req.CPUCores),
		MemoryMiB: int(req.MemoryMiB),
		DiskMiB:   int(req.DiskMiB),
		Env:       req.Env,
	}
	if err := p.st.CreateWorkspace(ctx, ws); err != nil {
		return nil, err
	}

	log := p.log.With(zap.String("workspace_id", ws.ID), zap.String("user_id", req.UserID))
	log.Info("provisioning workspace", zap.String("image", req.Image))

	containerID, err := p.drv.Provision(ctx, docker.WorkspaceConfig{
		WorkspaceID: ws.ID,
		UserID:      req.UserID,
		Image:       req.Image,
		CPUCores:    req.CPUCores,
		MemoryMiB:   req.MemoryMiB,
		DiskMiB:     req.DiskMiB,
		Env:         req.Env,
	})
	if err != nil {
		_ = p.st.SetWorkspaceStatus(ctx, ws.ID, store.WorkspaceError, "")
		return nil, fmt.Errorf("provision container: %w", err)
	}

	if err := p.finishBoot(ctx, ws, containerID, req.Setup); err != nil {
		log.Error("first boot failed, removing container", zap.Error(err))
		// Keep the volume: a retry provisions a fresh container over the
		// same home directory.
		_ = p.drv.Remove(ctx, ws.ID, false)
		_ = p.st.SetWorkspaceStatus(ctx, ws.ID, store.WorkspaceError, "")
		_ = p.cache.RemoveWorkspace(ctx, ws.ID)
		return nil, err
	}

	ws.Status = store.WorkspaceRunning
	ws.ContainerID = containerID
	log.Info("workspace running", zap.String("container_id", containerID))
	return ws, nil
}

// finishBoot runs filesystem init, registers the workspace as running,
// then walks the optional setup steps.
func (p *Provisioner) finishBoot(ctx context.Context, ws *store.Workspace, containerID string, setup *SetupSpec) error {
	if err := docker.InitFilesystem(ctx, p.drv, ws.ID); err != nil {
		return fmt.Errorf("init filesystem: %w", err)
	}

	if err := p.st.SetWorkspaceStatus(ctx, ws.ID, store.WorkspaceRunning, containerID); err != nil {
		return err
	}
	if err := p.cache.SetWorkspace(ctx, &cache.CacheWorkspace{
		ID:          ws.ID,
		UserID:      ws.UserID,
		Name:        ws.Name,
		ContainerID: containerID,
		Status:      store.WorkspaceRunning,
	}); err != nil {
		return err
	}

	if setup != nil {
		if err := p.runSetup(ctx, ws.ID, setup); err != nil {
			return err
		}
	}
	return nil
}

// Stop stops the container and terminates every session in both stores.
func (p *Provisioner) Stop(ctx context.Context, workspaceID string, graceSec int) error {
	if err := p.drv.Stop(ctx, workspaceID, graceSec); err != nil {
		return err
	}
	p.terminateSessions(ctx, workspaceID)

	if err := p.st.SetWorkspaceStatus(ctx, workspaceID, store.WorkspaceStopped, ""); err != nil && !errs.IsNotFound(err) {
		return err
	}
	if err := p.cache.SetWorkspaceStatus(ctx, workspaceID, store.WorkspaceStopped); err != nil {
		return err
	}
	p.log.Info("workspace stopped", zap.String("workspace_id", workspaceID))
	return nil
}

// Restart provisions a fresh container over the existing volume using
// the stored resource caps.
func (p *Provisioner) Restart(ctx context.Context, workspaceID string) error {
	ws, err := p.st.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return err
	}

	containerID, err := p.drv.Provision(ctx, docker.WorkspaceConfig{
		WorkspaceID: ws.ID,
		UserID:      ws.UserID,
		Image:       p.defaults.Image,
		CPUCores:    float64(ws.CPUCores),
		MemoryMiB:   int64(ws.MemoryMiB),
		DiskMiB:     int64(ws.DiskMiB),
		Env:         ws.Env,
	})
	if err != nil {
		_ = p.st.SetWorkspaceStatus(ctx, ws.ID, store.WorkspaceError, "")
		return fmt.Errorf("provision container: %w", err)
	}

	// Guarded writes make re-running init safe on a populated volume.
	if err := docker.InitFilesystem(ctx, p.drv, ws.ID); err != nil {
		_ = p.drv.Remove(ctx, ws.ID, false)
		_ = p.st.SetWorkspaceStatus(ctx, ws.ID, store.WorkspaceError, "")
		return err
	}

	if err := p.st.SetWorkspaceStatus(ctx, ws.ID, store.WorkspaceRunning, containerID); err != nil {
		return err
	}
	return p.cache.SetWorkspace(ctx, &cache.CacheWorkspace{
		ID:          ws.ID,
		UserID:      ws.UserID,
		Name:        ws.Name,
		ContainerID: containerID,
		Status:      store.WorkspaceRunning,
	})
}

// Remove destroys the workspace: container, optionally its volume, all
// session state, and the relational row.
func (p *Provisioner) Remove(ctx context.Context, workspaceID string, removeVolume bool) error {
	p.terminateSessions(ctx, workspaceID)

	if err := p.drv.Remove(ctx, workspaceID, removeVolume); err != nil {
		return err
	}
	if err := p.cache.RemoveWorkspace(ctx, workspaceID); err != nil {
		return err
	}
	if err := p.st.DeleteWorkspace(ctx, workspaceID); err != nil {
		return err
	}
	p.log.Info("workspace removed",
		zap.String("workspace_id", workspaceID),
		zap.Bool("volume_removed", removeVolume))
	return nil
}

// terminateSessions marks every session of the workspace terminated in
// the store and clears its cache state. Best effort; teardown proceeds
// past individual failures.
func (p *Provisioner) terminateSessions(ctx context.Context, workspaceID string) {
	sessionIDs, err := p.cache.WorkspaceSessions(ctx, workspaceID)
	if err != nil {
		p.log.Warn("listing cached sessions failed", zap.String("workspace_id", workspaceID), zap.Error(err))
	}
	// The store may know sessions the cache already expired.
	if rows, err := p.st.ListSessions(ctx, workspaceID); err == nil {
		seen := make(map[string]bool, len(sessionIDs))
		for _, id := range sessionIDs {
			seen[id] = true
		}
		for _, row := range rows {
			if !seen[row.ID] && row.Status != store.SessionTerminated {
				sessionIDs = append(sessionIDs, row.ID)
			}
		}
	}

	for _, id := range sessionIDs {
		if err := p.st.CloseSession(ctx, id); err != nil {
			p.log.Warn("closing session row failed", zap.String("session_id", id), zap.Error(err))
		}
		if err := p.cache.RemoveSession(ctx, id); err != nil {
			p.log.Warn("removing cached session failed", zap.String("session_id", id), zap.Error(err))
		}
	}
}

// CleanupOrphans removes managed containers older than age that have no
// workspace row, returning how many were removed.
func (p *Provisioner) CleanupOrphans(ctx context.Context, age time.Duration) (int, error) {
	infos, err := p.drv.List(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-age)
	removed := 0
	for _, info := range infos {
		if info.WorkspaceID == "" || info.Created.After(cutoff) {
			continue
		}
		if _, err := p.st.GetWorkspace(ctx, info.WorkspaceID); !errs.IsNotFound(err) {
			continue
		}
		if err := p.drv.Remove(ctx, info.WorkspaceID, false); err != nil {
			p.log.Warn("removing orphan failed", zap.String("workspace_id", info.WorkspaceID), zap.Error(err))
			continue
		}
		p.log.Info("removed orphaned container", zap.String("workspace_id", info.WorkspaceID))
		removed++
	}
	return removed, nil
}

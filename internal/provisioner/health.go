package provisioner

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/termflux/termflux/internal/docker"
)

// Health aggregates a workspace's live condition.
type Health struct {
	WorkspaceID  string
	Status       docker.WorkspaceStatus
	Stats        *docker.WorkspaceStats
	DiskUsed     uint64
	DiskFree     uint64
	SessionCount int64
	Uptime       time.Duration
}

// Health reports container status plus, when running, resource stats,
// home-volume disk usage, cached session count and uptime.
func (p *Provisioner) Health(ctx context.Context, workspaceID string) (*Health, error) {
	status, err := p.drv.Status(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	h := &Health{WorkspaceID: workspaceID, Status: status}
	if status != docker.StatusRunning {
		return h, nil
	}

	if stats, err := p.drv.Stats(ctx, workspaceID); err == nil {
		h.Stats = stats
	}
	if used, free, err := p.diskUsage(ctx, workspaceID); err == nil {
		h.DiskUsed, h.DiskFree = used, free
	}
	if n, err := p.cache.SessionCount(ctx, workspaceID); err == nil {
		h.SessionCount = n
	}
	if started, err := p.drv.StartedAt(ctx, workspaceID); err == nil && !started.IsZero() {
		h.Uptime = time.Since(started)
	}
	return h, nil
}

// AllStats snapshots resource usage for every managed container, keyed
// by workspace id.
func (p *Provisioner) AllStats(ctx context.Context) (map[string]*docker.WorkspaceStats, error) {
	infos, err := p.drv.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*docker.WorkspaceStats, len(infos))
	for _, info := range infos {
		if info.WorkspaceID == "" || info.State != string(docker.StatusRunning) {
			continue
		}
		stats, err := p.drv.Stats(ctx, info.WorkspaceID)
		if err != nil {
			continue
		}
		out[info.WorkspaceID] = stats
	}
	return out, nil
}

// diskUsage parses `df -B1 /home/dev` output: a header line then one
// data line whose fields include used and available bytes.
func (p *Provisioner) diskUsage(ctx context.Context, workspaceID string) (used, free uint64, err error) {
	res, err := p.drv.Exec(ctx, workspaceID, []string{"df", "-B1", docker.HomeDir}, docker.ExecOptions{})
	if err != nil {
		return 0, 0, err
	}
	if res.ExitCode != 0 {
		return 0, 0, fmt.Errorf("df exited %d", res.ExitCode)
	}
	return parseDF(string(res.Output))
}

func parseDF(out string) (used, free uint64, err error) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) < 2 {
		return 0, 0, fmt.Errorf("unexpected df output: %q", out)
	}
	// Filesystem 1B-blocks Used Available Use% Mounted on
	fields := strings.Fields(lines[len(lines)-1])
	if len(fields) < 4 {
		return 0, 0, fmt.Errorf("unexpected df line: %q", lines[len(lines)-1])
	}
	used, err = strconv.ParseUint(fields[2], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parse used: %w", err)
	}
	free, err = strconv.ParseUint(fields[3], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parse available: %w", err)
	}
	return used, free, nil
}

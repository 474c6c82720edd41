package docker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/docker/docker/api/types/container"

	"github.com/termflux/termflux/internal/errs"
)

// Stats retrieves a one-shot resource usage snapshot for a workspace.
func (c *Client) Stats(ctx context.Context, workspaceID string) (*WorkspaceStats, error) {
	resp, err := c.cli.ContainerStatsOneShot(ctx, ContainerName(workspaceID))
	if err != nil {
		return nil, &errs.BackendError{Backend: "docker", Err: fmt.Errorf("stats: %w", err)}
	}
	defer resp.Body.Close()

	var stats container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("decode stats: %w", err)
	}

	var rx, tx uint64
	for _, nw := range stats.Networks {
		rx += nw.RxBytes
		tx += nw.TxBytes
	}

	return &WorkspaceStats{
		CPUPercent:  calculateCPUPercent(&stats),
		MemoryUsed:  stats.MemoryStats.Usage,
		MemoryLimit: stats.MemoryStats.Limit,
		NetworkRx:   rx,
		NetworkTx:   tx,
	}, nil
}

// calculateCPUPercent computes CPU usage from the delta between the
// current and pre-CPU samples in a stats snapshot.
func calculateCPUPercent(stats *container.StatsResponse) float64 {
	cpuDelta := float64(stats.CPUStats.CPUUsage.TotalUsage) - float64(stats.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(stats.CPUStats.SystemUsage) - float64(stats.PreCPUStats.SystemUsage)
	if systemDelta <= 0 || cpuDelta <= 0 {
		return 0
	}

	onlineCPUs := float64(stats.CPUStats.OnlineCPUs)
	if onlineCPUs == 0 {
		onlineCPUs = float64(len(stats.CPUStats.CPUUsage.PercpuUsage))
	}
	if onlineCPUs == 0 {
		onlineCPUs = 1
	}

	return (cpuDelta / systemDelta) * onlineCPUs * 100.0
}

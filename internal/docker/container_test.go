package docker

import (
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testWorkspaceConfig() WorkspaceConfig {
	return WorkspaceConfig{
		WorkspaceID: "ws1",
		UserID:      "user1",
		Image:       "termflux/workspace:latest",
		CPUCores:    2,
		MemoryMiB:   2048,
		DiskMiB:     10240,
		Env:         map[string]string{"FOO": "bar"},
	}
}

func TestBuildContainerSpecResources(t *testing.T) {
	_, hostCfg := buildContainerSpec(testWorkspaceConfig())

	assert.Equal(t, int64(2e9), hostCfg.Resources.NanoCPUs)
	assert.Equal(t, int64(2048)<<20, hostCfg.Resources.Memory)
	assert.Equal(t, (int64(2048)<<20)*2, hostCfg.Resources.MemorySwap)
	require.NotNil(t, hostCfg.Resources.PidsLimit)
	assert.Equal(t, int64(256), *hostCfg.Resources.PidsLimit)
}

func TestBuildContainerSpecHardening(t *testing.T) {
	_, hostCfg := buildContainerSpec(testWorkspaceConfig())

	assert.Equal(t, []string{"ALL"}, []string(hostCfg.CapDrop))
	assert.Contains(t, hostCfg.CapAdd, "CHOWN")
	assert.Contains(t, hostCfg.CapAdd, "SETUID")
	assert.Contains(t, hostCfg.CapAdd, "NET_BIND_SERVICE")
	assert.NotContains(t, hostCfg.CapAdd, "SYS_ADMIN")
	assert.NotContains(t, hostCfg.CapAdd, "NET_ADMIN")
	assert.Len(t, hostCfg.CapAdd, 13)

	assert.Contains(t, hostCfg.SecurityOpt, "no-new-privileges:true")
	assert.Equal(t, container.RestartPolicyUnlessStopped, hostCfg.RestartPolicy.Name)
	assert.Equal(t, 3, hostCfg.RestartPolicy.MaximumRetryCount)
	assert.Equal(t, "json-file", hostCfg.LogConfig.Type)
	assert.Equal(t, "10m", hostCfg.LogConfig.Config["max-size"])
}

func TestBuildContainerSpecVolumeMount(t *testing.T) {
	_, hostCfg := buildContainerSpec(testWorkspaceConfig())

	require.Len(t, hostCfg.Mounts, 1)
	m := hostCfg.Mounts[0]
	assert.Equal(t, mount.TypeVolume, m.Type)
	assert.Equal(t, "termflux-ws1-home", m.Source)
	assert.Equal(t, "/home/dev", m.Target)
}

func TestBuildContainerSpecEnvAndIdentity(t *testing.T) {
	cfg, _ := buildContainerSpec(testWorkspaceConfig())

	assert.Equal(t, "1000:1000", cfg.User)
	assert.Equal(t, "/home/dev", cfg.WorkingDir)
	assert.Contains(t, cfg.Env, "WORKSPACE_ID=ws1")
	assert.Contains(t, cfg.Env, "USER_ID=user1")
	assert.Contains(t, cfg.Env, "TERM=xterm-256color")
	assert.Contains(t, cfg.Env, "HOME=/home/dev")
	assert.Contains(t, cfg.Env, "FOO=bar")
	assert.Equal(t, "true", cfg.Labels[ManagedLabel])
	assert.Equal(t, "ws1", cfg.Labels["termflux.workspace"])
}

func TestContainerNaming(t *testing.T) {
	assert.Equal(t, "termflux-abc", ContainerName("abc"))
	assert.Equal(t, "termflux-abc-home", VolumeName("abc"))
}

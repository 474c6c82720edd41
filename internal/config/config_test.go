package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8700", cfg.ListenAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 10, cfg.Workflows.Concurrency)
	assert.Equal(t, "127.0.0.1:6379", cfg.Redis.Addr)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "termflux.yaml")
	data := []byte(`
listen_addr: ":9900"
docker:
  image: custom/image:1
  default_cpu_cores: 4
  default_memory_mib: 4096
workflows:
  concurrency: 3
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9900", cfg.ListenAddr)
	assert.Equal(t, "custom/image:1", cfg.Docker.Image)
	assert.Equal(t, float64(4), cfg.Docker.DefaultCPUCores)
	assert.Equal(t, 3, cfg.Workflows.Concurrency)
	// Untouched values keep their defaults.
	assert.Equal(t, "termflux.db", cfg.Store.Path)
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8700", cfg.ListenAddr)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TERMFLUX_LISTEN_ADDR", ":7001")
	t.Setenv("TERMFLUX_REDIS_ADDR", "redis.internal:6379")
	t.Setenv("TERMFLUX_WORKFLOW_CONCURRENCY", "5")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":7001", cfg.ListenAddr)
	assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
	assert.Equal(t, 5, cfg.Workflows.Concurrency)
}

func TestValidateRejectsBadConcurrency(t *testing.T) {
	t.Setenv("TERMFLUX_WORKFLOW_CONCURRENCY", "-1")

	_, err := Load("")
	assert.Error(t, err)
}

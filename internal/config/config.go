// Package config loads daemon configuration from a YAML file with
// environment variable overrides. Precedence (highest to lowest):
// environment, config file, built-in defaults.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds the full daemon configuration.
type Config struct {
	// ListenAddr is the HTTP listen address for the terminal gateway.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// DevLogging switches to the human-readable console encoder.
	DevLogging bool `yaml:"dev_logging"`

	Docker    DockerConfig    `yaml:"docker"`
	Redis     RedisConfig     `yaml:"redis"`
	Store     StoreConfig     `yaml:"store"`
	Secrets   SecretsConfig   `yaml:"secrets"`
	Workflows WorkflowsConfig `yaml:"workflows"`
}

// DockerConfig holds container runtime settings.
type DockerConfig struct {
	// Image is the workspace base image.
	Image string `yaml:"image"`

	// DefaultCPUCores caps workspaces that do not request CPU explicitly.
	DefaultCPUCores float64 `yaml:"default_cpu_cores"`

	// DefaultMemoryMiB caps workspaces that do not request memory.
	DefaultMemoryMiB int64 `yaml:"default_memory_mib"`

	// DefaultDiskMiB is the advisory disk quota for new workspaces.
	DefaultDiskMiB int64 `yaml:"default_disk_mib"`
}

// RedisConfig holds cache and queue connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// StoreConfig holds relational store settings.
type StoreConfig struct {
	// Path is the sqlite database file. ":memory:" is valid for tests.
	Path string `yaml:"path"`
}

// SecretsConfig holds the secret store settings.
type SecretsConfig struct {
	// MasterKey is the process-wide envelope key. Usually supplied via
	// TERMFLUX_MASTER_KEY rather than the file.
	MasterKey string `yaml:"master_key"`
}

// WorkflowsConfig holds workflow engine settings.
type WorkflowsConfig struct {
	// Concurrency is the number of runs processed at once.
	Concurrency int `yaml:"concurrency"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		ListenAddr: ":8700",
		LogLevel:   "info",
		Docker: DockerConfig{
			Image:            "termflux/workspace:latest",
			DefaultCPUCores:  2,
			DefaultMemoryMiB: 2048,
			DefaultDiskMiB:   10240,
		},
		Redis: RedisConfig{
			Addr: "127.0.0.1:6379",
		},
		Store: StoreConfig{
			Path: "termflux.db",
		},
		Workflows: WorkflowsConfig{
			Concurrency: 10,
		},
	}
}

// Load reads the config file at path (missing file is not an error) and
// applies environment overrides on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	applyEnv(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides fields from TERMFLUX_* environment variables.
func applyEnv(cfg *Config) {
	setString(&cfg.ListenAddr, "TERMFLUX_LISTEN_ADDR")
	setString(&cfg.LogLevel, "TERMFLUX_LOG_LEVEL")
	setString(&cfg.Docker.Image, "TERMFLUX_IMAGE")
	setString(&cfg.Redis.Addr, "TERMFLUX_REDIS_ADDR")
	setString(&cfg.Redis.Password, "TERMFLUX_REDIS_PASSWORD")
	setString(&cfg.Store.Path, "TERMFLUX_DB_PATH")
	setString(&cfg.Secrets.MasterKey, "TERMFLUX_MASTER_KEY")
	setInt(&cfg.Workflows.Concurrency, "TERMFLUX_WORKFLOW_CONCURRENCY")
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func (c *Config) validate() error {
	if c.Workflows.Concurrency <= 0 {
		return fmt.Errorf("workflows.concurrency must be positive, got %d", c.Workflows.Concurrency)
	}
	if c.Docker.DefaultCPUCores <= 0 {
		return fmt.Errorf("docker.default_cpu_cores must be positive")
	}
	if c.Docker.DefaultMemoryMiB <= 0 {
		return fmt.Errorf("docker.default_memory_mib must be positive")
	}
	return nil
}

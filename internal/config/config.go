// Package config loads the YAML configuration shared by the manager and
// worker processes, matching the key table in spec.md §6.2.
//
// Grounded on the teacher's internal/cli.Config: a struct-with-yaml-tags
// decoded via gopkg.in/yaml.v3, read from a path given on the command
// line.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/task-messenger/pkg/types"
)

// WorkerMode selects how a worker runtime drives its processor coroutines.
type WorkerMode string

const (
	WorkerModeAsync    WorkerMode = "async"
	WorkerModeBlocking WorkerMode = "blocking"
)

// Config is the complete configuration surface for a manager or worker
// process.
type Config struct {
	ListenEndpoint  string `yaml:"listen_endpoint"`
	ConnectEndpoint string `yaml:"connect_endpoint"`

	IOThreads int `yaml:"io_threads"`

	MaxInFlight uint32 `yaml:"max_in_flight"`

	PoolHardCapacity int `yaml:"pool_hard_capacity"`
	PoolLowWatermark int `yaml:"pool_low_watermark"`
	PoolRefillBatch  int `yaml:"pool_refill_batch"`

	MaxFrameSize uint32 `yaml:"max_frame_size"`

	ResponseTimeout time.Duration `yaml:"response_timeout"`
	DrainTimeout    time.Duration `yaml:"drain_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	WorkerMode WorkerMode `yaml:"worker_mode"`

	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffCap  time.Duration `yaml:"backoff_cap"`

	MaxReleaseRetries *int `yaml:"max_release_retries"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`
}

// ApplyDefaults fills every unset field with spec.md §6.2's defaults.
func (c *Config) ApplyDefaults() {
	if c.IOThreads <= 0 {
		c.IOThreads = 1
	}
	if c.MaxInFlight == 0 {
		c.MaxInFlight = 8
	}
	if c.PoolHardCapacity == 0 {
		c.PoolHardCapacity = 1024
	}
	if c.PoolLowWatermark == 0 {
		c.PoolLowWatermark = 128
	}
	if c.PoolRefillBatch == 0 {
		c.PoolRefillBatch = 256
	}
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = 16 * 1024 * 1024
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = 30 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 5 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.WorkerMode == "" {
		c.WorkerMode = WorkerModeAsync
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 100 * time.Millisecond
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 10 * time.Second
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9090
	}
}

// Validate rejects malformed or inconsistent configuration combinations.
func (c *Config) Validate() error {
	if c.PoolLowWatermark >= c.PoolHardCapacity {
		return types.ConfigError(fmt.Sprintf(
			"pool_low_watermark (%d) must be less than pool_hard_capacity (%d)",
			c.PoolLowWatermark, c.PoolHardCapacity), nil)
	}
	if c.WorkerMode != WorkerModeAsync && c.WorkerMode != WorkerModeBlocking {
		return types.ConfigError(fmt.Sprintf("unknown worker_mode %q", c.WorkerMode), nil)
	}
	if c.MaxInFlight == 0 {
		return types.ConfigError("max_in_flight must be positive", nil)
	}
	return nil
}

// Load reads and parses a YAML config file at path, applying defaults and
// validating the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, types.ConfigError(fmt.Sprintf("failed to read config file %s", path), err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, types.ConfigError("failed to parse config YAML", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
listen_endpoint: "0.0.0.0:9000"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.ListenEndpoint)
	assert.Equal(t, 1, cfg.IOThreads)
	assert.Equal(t, uint32(8), cfg.MaxInFlight)
	assert.Equal(t, 1024, cfg.PoolHardCapacity)
	assert.Equal(t, 128, cfg.PoolLowWatermark)
	assert.Equal(t, 256, cfg.PoolRefillBatch)
	assert.Equal(t, uint32(16*1024*1024), cfg.MaxFrameSize)
	assert.Equal(t, WorkerModeAsync, cfg.WorkerMode)
}

func TestLoadRejectsWatermarkAboveCapacity(t *testing.T) {
	path := writeConfig(t, `
pool_hard_capacity: 10
pool_low_watermark: 20
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsUnknownWorkerMode(t *testing.T) {
	path := writeConfig(t, `
worker_mode: "turbo"
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

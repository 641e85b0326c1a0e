package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/behrlich/go-bmservice/internal/logging"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "runner.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_ParsesFileOverDefaults(t *testing.T) {
	path := writeYAML(t, `
device_ids: [0, 1]
model_path: /models/net.bin
network_name: net
input_queue_burst: 8
cpu_affinity: [2, 3]
log_level: debug
log_format: json
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, cfg.DeviceIDs)
	assert.Equal(t, "/models/net.bin", cfg.ModelPath)
	assert.Equal(t, "net", cfg.NetworkName)
	assert.Equal(t, 8, cfg.InputQueueBurst)
	assert.Equal(t, []int{2, 3}, cfg.CPUAffinity)
	assert.Equal(t, logging.LevelDebug, cfg.LoggingLevel())
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestLoad_MissingFieldsKeepDefaults(t *testing.T) {
	path := writeYAML(t, `
model_path: /models/net.bin
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/models/net.bin", cfg.ModelPath)
	assert.Equal(t, 4, cfg.InputQueueBurst)
	assert.Equal(t, logging.LevelInfo, cfg.LoggingLevel())
}

func TestLoad_MissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_InvalidYAMLFails(t *testing.T) {
	path := writeYAML(t, "device_ids: [0, 1\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestApplyEnvOverrides_DeviceAndLogLevel(t *testing.T) {
	cfg := Default()
	cfg.DeviceIDs = []int{0, 1, 2}
	cfg.LogLevel = "info"

	t.Setenv("BMSERVICE_USE_DEVICE", "0 2")
	t.Setenv("BMSERVICE_LOG_LEVEL", "3")

	cfg.ApplyEnvOverrides()
	assert.Equal(t, []int{0, 2}, cfg.DeviceIDs)
	assert.Equal(t, logging.LevelError, cfg.LoggingLevel())
}

func TestApplyEnvOverrides_UnsetLeavesFileValues(t *testing.T) {
	cfg := Default()
	cfg.DeviceIDs = []int{5}
	t.Setenv("BMSERVICE_USE_DEVICE", "")
	t.Setenv("BMSERVICE_LOG_LEVEL", "")

	cfg.ApplyEnvOverrides()
	assert.Equal(t, []int{5}, cfg.DeviceIDs)
}

func TestLoggingConfig_BuildsFromFile(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "warn"
	cfg.LogFormat = "json"
	lc := cfg.LoggingConfig()
	assert.Equal(t, logging.LevelWarn, lc.Level)
	assert.Equal(t, "json", lc.Format)
}

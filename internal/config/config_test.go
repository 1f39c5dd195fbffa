package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/envrun/envrun/internal/config"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
defaults:
  parallel: 4
  command_timeout: 2m
  workdir_name: .state

docker:
  memory_limit: 512m
  cpu_limit: "1.5"
  pull_policy: always

serve:
  addr: ":9999"
  watch_debounce: 250ms
  ignore_globs:
    - "*.log"

history:
  enabled: false

telemetry:
  enabled: true
  collector_host: otel.internal
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Defaults.Parallel)
	assert.Equal(t, 2*time.Minute, cfg.Defaults.CommandTimeout)
	assert.Equal(t, ".state", cfg.Defaults.WorkDirName)
	assert.Equal(t, "512m", cfg.Docker.MemoryLimit)
	assert.Equal(t, "1.5", cfg.Docker.CPULimit)
	assert.Equal(t, "always", cfg.Docker.PullPolicy)
	assert.Equal(t, ":9999", cfg.Serve.Addr)
	assert.Equal(t, 250*time.Millisecond, cfg.Serve.WatchDebounce)
	assert.Equal(t, []string{"*.log"}, cfg.Serve.IgnoreGlobs)
	assert.False(t, cfg.History.Enabled)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "otel.internal", cfg.Telemetry.CollectorHost)

	// Unset keys still get defaults.
	assert.Equal(t, "envrun", cfg.Telemetry.ServiceName)
	assert.Equal(t, 4317, cfg.Telemetry.CollectorPort)
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("ENVRUN_CONFIG", "")

	cfg, err := config.LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.Defaults.Parallel)
	assert.Equal(t, time.Duration(0), cfg.Defaults.CommandTimeout)
	assert.Equal(t, ".envrun", cfg.Defaults.WorkDirName)
	assert.Equal(t, "missing", cfg.Docker.PullPolicy)
	assert.Equal(t, ":8080", cfg.Serve.Addr)
	assert.Equal(t, 500*time.Millisecond, cfg.Serve.WatchDebounce)
	assert.True(t, cfg.History.Enabled)
	assert.False(t, cfg.Telemetry.Enabled)
	assert.Equal(t, 15*time.Second, cfg.Telemetry.MetricsInterval)
}

func TestLoadConfig_ExplicitPathMissing(t *testing.T) {
	_, err := config.LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config")
}

func TestLoadConfig_EnvConfigPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "from-env.yaml")
	require.NoError(t, os.WriteFile(path, []byte("defaults:\n  parallel: 7\n"), 0644))
	t.Setenv("ENVRUN_CONFIG", path)

	cfg, err := config.LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Defaults.Parallel)

	t.Setenv("ENVRUN_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err = config.LoadConfig("")
	require.Error(t, err)
}

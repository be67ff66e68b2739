package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "./data/smartscope.db", cfg.SQLite.Path)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, "v1", cfg.LLM.PromptVersion)
	assert.Equal(t, 8, cfg.LLM.MaxImages)
	assert.Equal(t, 2000, cfg.LLM.MaxContextChars)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Retry.InitialDelay)
	assert.Equal(t, uint32(5), cfg.Breaker.MinRequests)
	assert.InDelta(t, 0.5, cfg.Breaker.FailureRate, 0.001)
	assert.Equal(t, 2048, cfg.Media.MaxWidth)
	assert.InDelta(t, 0.7, cfg.Media.QualityThreshold, 0.001)
	assert.Equal(t, 24*time.Hour, cfg.Cache.Window)
	assert.Equal(t, 4, cfg.Pipeline.Workers)
	assert.Equal(t, time.Hour, cfg.Calibration.Interval)
	assert.InDelta(t, 25.0, cfg.Budget.Daily, 0.001)
	assert.InDelta(t, 500.0, cfg.Budget.Monthly, 0.001)
	assert.Equal(t, []float64{0.8, 1.0}, cfg.Budget.Thresholds)
	assert.False(t, cfg.Budget.HardStop)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
server:
  port: 9090
pipeline:
  workers: 2
retry:
  initialDelay: 250ms
budget:
  daily: 10
  hardStop: true
  orgOverrides:
    Org-A:
      daily: 3
      monthly: 40
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 2, cfg.Pipeline.Workers)
	assert.Equal(t, 250*time.Millisecond, cfg.Retry.InitialDelay)
	assert.True(t, cfg.Budget.HardStop)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// Defaults still apply for unset values
	assert.Equal(t, 64, cfg.Pipeline.QueueSize)

	a := cfg.Budget.BudgetFor("Org-A")
	assert.InDelta(t, 3.0, a.Daily, 0.001)
	assert.InDelta(t, 40.0, a.Monthly, 0.001)

	other := cfg.Budget.BudgetFor("org-b")
	assert.InDelta(t, 10.0, other.Daily, 0.001)
	assert.InDelta(t, 500.0, other.Monthly, 0.001)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("server:\n  port: 9090\n"), 0644))
	t.Setenv("SMARTSCOPE_SERVER_PORT", "7070")
	t.Setenv("SMARTSCOPE_LLM_MODEL", "gpt-4o-mini")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "gpt-4o-mini", cfg.LLM.Model)
}

func TestLoadFileRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("media:\n  qualityThreshold: 1.5\n"), 0644))

	_, err := LoadFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "qualityThreshold")
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

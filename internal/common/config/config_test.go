package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8000/api", cfg.Client.BaseURL)
	assert.Equal(t, 2*time.Second, cfg.Client.AutosaveDelay())
	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, "python:3.11-slim", cfg.Executor.Image)
	assert.Equal(t, int64(256), cfg.Executor.MemoryLimitMB)
	assert.Equal(t, int64(512), cfg.Executor.CPUShares)
	assert.Equal(t, 10*time.Second, cfg.Executor.TimeoutDuration())
	assert.Equal(t, 30*time.Minute, cfg.Auth.TokenDurationTime())
	assert.NotEmpty(t, cfg.Auth.JWTSecret, "dev secret is generated when unset")
	assert.Equal(t, filepath.Join("./data", "Notebooks"), cfg.Server.NotebookDir())
	assert.Equal(t, filepath.Join("./data", "Uploads"), cfg.Server.WorkspaceDir())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PEGASUS_CLIENT_AUTOSAVEDELAYMS", "500")
	t.Setenv("APP_USERNAME", "alice")
	t.Setenv("APP_PASSWORD", "wonderland")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 500*time.Millisecond, cfg.Client.AutosaveDelay())
	assert.Equal(t, "alice", cfg.Auth.Username)
	assert.Equal(t, "wonderland", cfg.Auth.Password)
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	content := []byte("server:\n  port: 9100\n  appTitle: Lab\nlogging:\n  level: debug\n  format: json\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), content, 0o644))

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "Lab", cfg.Server.AppTitle)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestValidateAggregatesErrors(t *testing.T) {
	dir := t.TempDir()
	content := []byte("server:\n  port: 0\nclient:\n  baseUrl: ftp://nowhere\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), content, 0o644))

	_, err := LoadWithPath(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
	assert.Contains(t, err.Error(), "client.baseUrl")
}

func TestTracingSection(t *testing.T) {
	dir := t.TempDir()
	content := []byte("tracing:\n  endpoint: http://collector:4318\n  sampleRatio: 0.5\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), content, 0o644))

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)
	opts := cfg.Tracing.ToTracingOptions("pegasusd")
	assert.Equal(t, "pegasusd", opts.ServiceName)
	assert.Equal(t, "http://collector:4318", opts.Endpoint)
	assert.Equal(t, 0.5, opts.SampleRatio)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("tracing:\n  sampleRatio: 2\n"), 0o644))
	_, err = LoadWithPath(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tracing.sampleRatio")
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "./experiments", cfg.Controller.RepoPath)
	assert.Equal(t, "./data/lan.json", cfg.Registry.Path)
	assert.Equal(t, "pi", cfg.SSH.User)
	assert.Equal(t, 22, cfg.SSH.Port)
	assert.Equal(t, 3, cfg.SSH.ConnectAttempts)
	assert.Equal(t, 5*time.Second, cfg.SSH.ConnectTimeout)
	assert.Equal(t, 22, cfg.Discovery.ProbePort)
	assert.Equal(t, "unix:///var/run/docker.sock", cfg.Build.DockerHost)
	assert.Equal(t, "bramble-base:arm64", cfg.Build.BaseImages["arm64"])
	assert.Equal(t, 2*time.Second, cfg.Telemetry.PollInterval)
	assert.Equal(t, 8180, cfg.Server.Port)
	assert.False(t, cfg.Security.AuthEnabled)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
controller:
  repo_path: /srv/experiments
ssh:
  user: ubuntu
  connect_attempts: 5
discovery:
  probe_timeout: 1s
server:
  port: 9999
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/srv/experiments", cfg.Controller.RepoPath)
	assert.Equal(t, "ubuntu", cfg.SSH.User)
	assert.Equal(t, 5, cfg.SSH.ConnectAttempts)
	assert.Equal(t, time.Second, cfg.Discovery.ProbeTimeout)
	assert.Equal(t, 9999, cfg.Server.Port)

	// Untouched sections keep their defaults.
	assert.Equal(t, "./data/lan.json", cfg.Registry.Path)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ssh:\n  user: ubuntu\n"), 0o644))

	t.Setenv("BRM_SSH_USER", "worker")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "worker", cfg.SSH.User)
}

func TestLoad_InvalidPortRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 0\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_InvalidSSHPortRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ssh:\n  port: 70000\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_ZeroConnectAttemptsRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ssh:\n  connect_attempts: 0\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_MalformedYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("::: not yaml"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

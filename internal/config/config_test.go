package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uib-gmbh/confd/internal/config"
)

func TestDefault(t *testing.T) {
	cfg := config.Default()
	assert.Equal(t, 4447, cfg.Port)
	assert.Equal(t, "opsiconfd-session", cfg.SessionCookieName)
	assert.Equal(t, 2*time.Hour, cfg.SessionLifetime)
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, config.Default().Port, cfg.Port)
}

func TestLoad_ParsesYAMLOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "confd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 9000\nnode_name: node-a\n"), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "node-a", cfg.NodeName)
	// Unset fields keep their default value.
	assert.Equal(t, config.Default().SessionCookieName, cfg.SessionCookieName)
}

func TestLoad_EnvOverridesBeatFileAndDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "confd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 9000\n"), 0o600))
	t.Setenv("CONFD_PORT", "9999")
	t.Setenv("CONFD_DEBUG", "true")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Port)
	assert.True(t, cfg.Debug)
}

func TestGet_ReturnsLastLoaded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "confd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("node_name: getme\n"), 0o600))

	_, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "getme", config.Get().NodeName)
}

func TestReload_ReReadsSamePath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "confd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("node_name: before\n"), 0o600))

	_, err := config.Load(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("node_name: after\n"), 0o600))
	cfg, err := config.Reload(path)
	require.NoError(t, err)
	assert.Equal(t, "after", cfg.NodeName)
}

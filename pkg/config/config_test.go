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
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.False(t, cfg.AllowInsecure)
	assert.False(t, cfg.InsecureQuiet)
	assert.Equal(t, 5, cfg.Forks)
	assert.Equal(t, "inventory", cfg.Inventory)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
qubes_allow_insecure: true
forks: 10
inventory: /srv/ansible/hosts
timeout: 2m
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.AllowInsecure)
	assert.Equal(t, 10, cfg.Forks)
	assert.Equal(t, "/srv/ansible/hosts", cfg.Inventory)
	assert.Equal(t, 2*time.Minute, cfg.Timeout.Std())
}

func TestEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("qubes_allow_insecure: false\n"), 0o644))

	t.Setenv(EnvAllowInsecure, "1")
	t.Setenv(EnvInsecureQuiet, "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.AllowInsecure)
	assert.True(t, cfg.InsecureQuiet)
}

func TestInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("forks: [not a number\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	require.Equal(t, 1, cfg.MaxWorkers)
	require.Equal(t, 1, cfg.MaxSemaphores)
	require.False(t, cfg.NoEmbed)
}

func TestLoadOverridesFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_workers: 4\nno_embed: true\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 4, cfg.MaxWorkers)
	require.True(t, cfg.NoEmbed)
	require.Equal(t, 1, cfg.MaxSemaphores) // untouched field keeps default
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_workers: 4\n"), 0o644))

	t.Setenv("GATEWAY_MAX_WORKERS", "7")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 7, cfg.MaxWorkers)
}

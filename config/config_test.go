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
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := "buffer_size: 4096\ntimeout: 5s\nbatch_policy: fail-fast\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))
	t.Setenv("FERRY_WORKERS", "8")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 4096, cfg.BufferSize)
	assert.Equal(t, 5*time.Second, cfg.Timeout)
	assert.Equal(t, "fail-fast", cfg.BatchPolicy)
	assert.Equal(t, 8, cfg.Workers)
}

func TestLoadRejectsInvalidPolicy(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("batch_policy: sometimes\n"), 0o644))

	_, err := Load(dir)
	require.Error(t, err)
}

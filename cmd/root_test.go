package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"civiclake/internal/config"
)

func TestLoadConfigEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	file := `storage:
  backend: local
  local_path: /data/lake
keystore:
  path: /data/watermarks.db
pipeline:
  max_concurrency: 10
`
	require.NoError(t, os.WriteFile(path, []byte(file), 0o600))
	t.Setenv(config.EnvConfig, path)
	t.Setenv("CIVICLAKE_KEYSTORE_PATH", "/scratch/override.db")
	t.Setenv("CIVICLAKE_PIPELINE_MAX_CONCURRENCY", "4")
	initConfig()

	cfg, err := loadConfig()
	require.NoError(t, err)

	assert.Equal(t, "/scratch/override.db", cfg.Keystore.Path)
	assert.Equal(t, 4, cfg.Pipeline.MaxConcurrency)
	// Keys without an override keep the file values.
	assert.Equal(t, "local", cfg.Storage.Backend)
	assert.Equal(t, "/data/lake", cfg.Storage.LocalPath)
}

func TestLoadConfigBackendOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  backend: local\n"), 0o600))
	t.Setenv(config.EnvConfig, path)
	t.Setenv("CIVICLAKE_STORAGE_BACKEND", "minio")
	t.Setenv("CIVICLAKE_STORAGE_ENDPOINT", "minio.internal:9000")
	t.Setenv("CIVICLAKE_STORAGE_BUCKET", "civiclake-staging")
	initConfig()

	cfg, err := loadConfig()
	require.NoError(t, err)

	assert.Equal(t, "minio", cfg.Storage.Backend)
	assert.Equal(t, "minio.internal:9000", cfg.Storage.Endpoint)
	assert.Equal(t, "civiclake-staging", cfg.Storage.Bucket)
}

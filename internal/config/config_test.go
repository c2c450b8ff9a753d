package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 4, cfg.Indexer.FacetGroupSize)
	assert.True(t, cfg.Tasks.AutoCreateIndexes)
}

func TestLoad_FileOverrides(t *testing.T) {
	dir := t.TempDir()
	payload := "version: 1\nlogging:\n  level: debug\nsearch:\n  cutoff_ms: 150\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "quill.yaml"), []byte(payload), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, int64(150), cfg.Search.CutoffMs)
}

func TestLoad_EnvBeatsFile(t *testing.T) {
	dir := t.TempDir()
	payload := "logging:\n  level: debug\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "quill.yaml"), []byte(payload), 0o644))
	t.Setenv("QUILL_LOG_LEVEL", "error")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.Logging.Level)
}

func TestLoad_InvalidFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "quill.yaml"), []byte("{not yaml"), 0o644))
	_, err := Load(dir)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default(t.TempDir())
	cfg.Indexer.FacetGroupSize = 1
	require.Error(t, cfg.Validate())

	cfg = Default(t.TempDir())
	cfg.Search.CutoffMs = -1
	require.Error(t, cfg.Validate())
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := Default(dir)
	cfg.Logging.Level = "warn"
	require.NoError(t, cfg.Save())

	loaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "warn", loaded.Logging.Level)
}

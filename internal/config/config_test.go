package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_Validates(t *testing.T) {
	cfg := Default()
	assert.NoError(t, Validate(cfg))
	assert.Equal(t, 100, cfg.Auth.WritesPerMinute)
	assert.True(t, cfg.Cache.Enabled)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	// Arrange
	dir := t.TempDir()
	path := filepath.Join(dir, "helios.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
environment: production
server:
  port: 9999
cache:
  enabled: false
datasets:
  - name: events
    from: memory:events
`), 0o644))

	// Act
	cfg, err := Load(path)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.False(t, cfg.Cache.Enabled)
	require.Len(t, cfg.Datasets, 1)
	assert.Equal(t, "memory:events", cfg.Datasets[0].From)
}

func TestLoad_EnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "helios.yaml")
	require.NoError(t, os.WriteFile(path, []byte("environment: development\n"), 0o644))
	t.Setenv("HELIOS__SERVER__PORT", "7777")

	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, 7777, cfg.Server.Port)
}

func TestApplyOverride_CreatesIntermediateMappings(t *testing.T) {
	doc := map[string]any{}

	err := ApplyOverride(doc, []string{"cache", "ttl"}, "5m")

	require.NoError(t, err)
	assert.Equal(t, "5m", doc["cache"].(map[string]any)["ttl"])
}

func TestApplyOverride_NonMappingComponentFails(t *testing.T) {
	doc := map[string]any{"cache": "not-a-mapping"}

	err := ApplyOverride(doc, []string{"cache", "ttl"}, "5m")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a mapping")
}

func TestValidate_DuplicateDatasetNames(t *testing.T) {
	cfg := Default()
	cfg.Datasets = []Dataset{
		{Name: "a", From: "memory:a"},
		{Name: "a", From: "memory:b"},
	}

	err := Validate(cfg)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate dataset name")
}

func TestValidate_TaskHistoryRetentionFloor(t *testing.T) {
	cfg := Default()
	cfg.TaskHistory.Retention = 10 * time.Second

	assert.Error(t, Validate(cfg))
}

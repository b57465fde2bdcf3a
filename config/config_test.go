package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 3000, cfg.Session.MaxTokenLimit)
	assert.Equal(t, 7, cfg.Session.TTLDays)
	assert.True(t, cfg.Session.EnablePIIRedaction)
	assert.Equal(t, 0.3, cfg.Memory.ImportanceThreshold)
	assert.Equal(t, 5, cfg.Memory.MaxMemoriesPerQuery)
	assert.Equal(t, 24, cfg.Memory.ConsolidationIntervalHours)
	assert.Equal(t, "file", cfg.Storage.Backend)
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := writeConfig(t, `
session_management:
  max_token_limit: 500
  enable_pii_redaction: false
storage:
  backend: sqlite
  path: /tmp/recall.db
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 500, cfg.Session.MaxTokenLimit)
	assert.False(t, cfg.Session.EnablePIIRedaction)
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
	// Untouched sections keep defaults.
	assert.Equal(t, 7, cfg.Session.TTLDays)
	assert.Equal(t, 5, cfg.Memory.MaxMemoriesPerQuery)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"bad backend", "storage:\n  backend: redis\n"},
		{"zero token limit", "session_management:\n  max_token_limit: 0\n"},
		{"threshold out of range", "memory_management:\n  importance_threshold: 1.5\n"},
		{"not yaml", "{{{"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.content))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yml"))
	assert.Error(t, err)
}

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "bolt", cfg.Storage.Type)
	assert.Equal(t, "/var/lib/rotator/rotator.bolt", cfg.Storage.Path)
	assert.Equal(t, "rotator", cfg.Storage.Redis.KeyPrefix)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, DefaultOwnerID, cfg.Rotation.Owner)
	assert.Equal(t, []string{"anthropic", "gemini"}, cfg.Rotation.Providers)
	assert.Equal(t, "*/5 * * * *", cfg.Rotation.ReclaimSchedule)
	assert.True(t, cfg.Rotation.ReclaimOnStart)
	assert.Equal(t, "127.0.0.1:9464", cfg.Metrics.Addr())
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
storage:
  type: SQL
  dsn: postgres://rotator@db/rotator
logging:
  level: debug
  file: /var/log/rotator.log
rotation:
  owner: team-a
  providers: [" Gemini ", anthropic]
  reclaim_schedule: "@hourly"
metrics:
  enabled: false
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sql", cfg.Storage.Type)
	assert.Equal(t, "postgres://rotator@db/rotator", cfg.Storage.DSN)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "/var/log/rotator.log", cfg.Logging.File)
	assert.Equal(t, "team-a", cfg.Rotation.Owner)
	assert.Equal(t, []string{"gemini", "anthropic"}, cfg.Rotation.Providers)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("ROTATOR_STORAGE_TYPE", "redis")
	t.Setenv("ROTATOR_STORAGE_REDIS_HOST", "cache.internal")
	t.Setenv("ROTATOR_LOGGING_LEVEL", "warn")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "redis", cfg.Storage.Type)
	assert.Equal(t, "cache.internal", cfg.Storage.Redis.Host)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"unknown storage", "storage:\n  type: mongo\n", "unsupported storage type"},
		{"sql without dsn", "storage:\n  type: sql\n", "dsn is required"},
		{"bolt without path", "storage:\n  path: \"\"\n", "path is required"},
		{"bad lock wait", "storage:\n  type: redis\n  redis:\n    lock_wait: soon\n", "lock_wait"},
		{"duplicate provider", "rotation:\n  providers: [gemini, GEMINI]\n", "duplicate provider"},
		{"bad schedule", "rotation:\n  reclaim_schedule: every tuesday\n", "invalid reclaim schedule"},
		{"bad metrics port", "metrics:\n  port: 70000\n", "invalid metrics port"},
		{"bad level", "logging:\n  level: loud\n", "invalid logging level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestEmptyOwnerFallsBackToDefault(t *testing.T) {
	cfg, err := Load(writeConfig(t, "rotation:\n  owner: \"  \"\n"))
	require.NoError(t, err)
	assert.Equal(t, DefaultOwnerID, cfg.Rotation.Owner)
}

func TestMalformedFile(t *testing.T) {
	_, err := Load(writeConfig(t, "storage: [unterminated\n"))
	assert.Error(t, err)
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, int32(10), cfg.Database.MaxConns)
	assert.Equal(t, 5*time.Second, cfg.Database.StatementTimeout)
	assert.Equal(t, 50061, cfg.GRPC.Port)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.False(t, cfg.Alerts.Enabled)
	assert.Equal(t, "postgres://screener:@localhost:5432/screener?sslmode=disable", cfg.Database.ConnString())
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 5432, cfg.Database.Port)
}

func TestLoadYAMLThenEnv(t *testing.T) {
	path := writeFile(t, "screener.yaml", `
database:
  host: db.internal
  name: markets
  statement_timeout: 750ms
redis:
  enabled: true
  host: cache.internal
alerts:
  enabled: true
  rules_file: /etc/screener/alerts.yaml
  parallelism: 2
log:
  level: DEBUG
`)
	t.Setenv("SCREENER_DB_HOST", "override.internal")
	t.Setenv("SCREENER_CACHE_TTL", "90s")
	t.Setenv("SCREENER_DB_MAX_CONNS", "not-a-number")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "override.internal", cfg.Database.Host)
	assert.Equal(t, "markets", cfg.Database.Name)
	assert.Equal(t, 750*time.Millisecond, cfg.Database.StatementTimeout)
	assert.Equal(t, int32(10), cfg.Database.MaxConns)
	assert.Equal(t, "cache.internal:6379", cfg.Redis.Addr())
	assert.Equal(t, 90*time.Second, cfg.Cache.TTL)
	assert.Equal(t, 2, cfg.Alerts.Parallelism)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad log level", "log:\n  level: verbose\n"},
		{"zero max conns", "database:\n  max_conns: 0\n"},
		{"min above max", "database:\n  max_conns: 2\n  min_conns: 5\n"},
		{"alerts without rules", "alerts:\n  enabled: true\n"},
		{"bad port", "grpc:\n  port: 70000\n"},
		{"zero parallelism", "alerts:\n  parallelism: 0\n"},
		{"cache without redis", "cache:\n  enabled: true\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, "screener.yaml", tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "config validation")
		})
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	_, err := Load(writeFile(t, "screener.yaml", "database: [unterminated"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config file")
}

func TestLoadEnvFile(t *testing.T) {
	require.NoError(t, LoadEnvFile(""))
	require.NoError(t, LoadEnvFile(filepath.Join(t.TempDir(), "missing.env")))

	path := writeFile(t, ".env", "SCREENER_GRPC_PORT=6001\n")
	t.Setenv("SCREENER_GRPC_PORT", "")
	require.NoError(t, os.Unsetenv("SCREENER_GRPC_PORT"))
	require.NoError(t, LoadEnvFile(path))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 6001, cfg.GRPC.Port)
}

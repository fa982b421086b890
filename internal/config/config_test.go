package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, "clamp", cfg.Pricing.FixedOddsCostPolicy)
	assert.Equal(t, 256, cfg.Pump.QueueSize)
	assert.Equal(t, int64(1000), cfg.Users.InitialPoints)
	assert.Equal(t, time.Minute, cfg.SettlementTick())
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_YAMLValues(t *testing.T) {
	path := writeConfig(t, `
http:
  port: 9090
storage:
  backend: sqlite
  sqlite_path: /tmp/predex-test.db
pricing:
  fixed_odds_cost_policy: spread
risk:
  max_per_market: 500
  max_total: 2000
settlement:
  tick_seconds: 15
log:
  level: debug
  format: text
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
	assert.Equal(t, "/tmp/predex-test.db", cfg.Storage.SQLitePath)
	assert.Equal(t, "spread", cfg.Pricing.FixedOddsCostPolicy)
	assert.Equal(t, int64(500), cfg.Risk.MaxPerMarket)
	assert.Equal(t, int64(2000), cfg.Risk.MaxTotal)
	assert.Equal(t, 15*time.Second, cfg.SettlementTick())
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	path := writeConfig(t, `
http:
  port: 9090
log:
  level: debug
`)
	t.Setenv("PORT", "7070")
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("STORAGE_BACKEND", "postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/predex")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.HTTP.Port)
	assert.Equal(t, "error", cfg.Log.Level)
	assert.Equal(t, "postgres", cfg.Storage.Backend)
	assert.Equal(t, "postgres://localhost/predex", cfg.Storage.PostgresDSN)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "http: [not a map")
	_, err := Load(path)
	assert.Error(t, err)
}

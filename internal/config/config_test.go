package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockflow/blockflow/pkg/errors"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "memory", cfg.Backend.Driver)
	assert.Equal(t, 10000, cfg.Runs.MaxSteps)
	assert.Equal(t, 5*time.Minute, cfg.Runs.MaxDuration.Std())
	require.NoError(t, cfg.Validate())
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blockflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
backend:
  driver: sqlite
  path: /var/lib/blockflow/runs.db
  wal: true
log:
  level: debug
  format: text
runs:
  max_steps: 500
  max_duration: 90s
fetch:
  allow_private: true
location:
  latitude: 51.5072
  longitude: -0.1276
  label: London
secrets:
  seal_passphrase: hunter2
  static:
    api_token: abc
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Backend.Driver)
	assert.Equal(t, "/var/lib/blockflow/runs.db", cfg.Backend.Path)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 500, cfg.Runs.MaxSteps)
	assert.Equal(t, 90*time.Second, cfg.Runs.MaxDuration.Std())
	assert.True(t, cfg.Fetch.AllowPrivate)
	assert.Equal(t, 51.5072, cfg.Location.Latitude)
	assert.Equal(t, "hunter2", cfg.Secrets.SealPassphrase)
	assert.Equal(t, "abc", cfg.Secrets.Static["api_token"])

	// Unset fields keep their defaults.
	assert.Equal(t, 3, cfg.Runs.DeferConcurrency)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BLOCKFLOW_BACKEND", "sqlite")
	t.Setenv("BLOCKFLOW_DB_PATH", "/tmp/env.db")
	t.Setenv("BLOCKFLOW_METRICS_ADDR", "127.0.0.1:9200")
	t.Setenv("BLOCKFLOW_SEAL_PASSPHRASE", "from-env")
	t.Setenv("BLOCKFLOW_ALLOW_PRIVATE_FETCH", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Backend.Driver)
	assert.Equal(t, "/tmp/env.db", cfg.Backend.Path)
	assert.Equal(t, "127.0.0.1:9200", cfg.Metrics.Addr)
	assert.Equal(t, "from-env", cfg.Secrets.SealPassphrase)
	assert.True(t, cfg.Fetch.AllowPrivate)
}

func TestValidate(t *testing.T) {
	t.Run("sqlite requires a path", func(t *testing.T) {
		cfg := Default()
		cfg.Backend.Driver = "sqlite"
		err := cfg.Validate()
		var configErr *errors.ConfigError
		require.ErrorAs(t, err, &configErr)
		assert.Equal(t, "backend.path", configErr.Key)
	})

	t.Run("unknown driver rejected", func(t *testing.T) {
		cfg := Default()
		cfg.Backend.Driver = "postgres"
		err := cfg.Validate()
		var configErr *errors.ConfigError
		require.ErrorAs(t, err, &configErr)
		assert.Equal(t, "backend.driver", configErr.Key)
	})
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	var configErr *errors.ConfigError
	require.ErrorAs(t, err, &configErr)
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.RemoteTimeout())
	assert.Equal(t, 50, cfg.Sync.BatchSize)
	assert.Equal(t, "server_wins", cfg.Sync.Strategy)
	assert.Equal(t, 7*24*time.Hour, cfg.Agent.Retention)
	assert.Equal(t, filepath.Join(cfg.DataDir, "retry.db"), cfg.RetryDBPath())
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "opsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: `+dir+`
remote:
  base_url: http://example.test/api
  timeout: 3s
sync:
  batch_size: 10
  strategy: merged
`), 0o600))

	t.Setenv("OPSYNC_SYNC_BATCH_SIZE", "25")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, "http://example.test/api", cfg.Remote.BaseURL)
	assert.Equal(t, 3*time.Second, cfg.Remote.Timeout)
	assert.Equal(t, 25, cfg.Sync.BatchSize, "env must override file")
	assert.Equal(t, "merged", cfg.Sync.Strategy)
}

func TestLoad_MissingFileIgnored(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			DataDir: "/tmp/x",
			Remote:  RemoteConfig{BaseURL: "http://x"},
			Sync:    SyncConfig{BatchSize: 1, MaxAttempts: 1, Strategy: "server_wins"},
			Agent:   AgentConfig{Retention: time.Hour},
		}
	}

	require.NoError(t, base().Validate())

	tests := map[string]func(c *Config){
		"no data dir":    func(c *Config) { c.DataDir = "" },
		"no base url":    func(c *Config) { c.Remote.BaseURL = "" },
		"zero batch":     func(c *Config) { c.Sync.BatchSize = 0 },
		"zero attempts":  func(c *Config) { c.Sync.MaxAttempts = 0 },
		"bad strategy":   func(c *Config) { c.Sync.Strategy = "manual" },
		"zero retention": func(c *Config) { c.Agent.Retention = 0 },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			c := base()
			mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

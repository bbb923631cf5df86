package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	t.Setenv(EnvHome, "/tmp/nw")

	cfg := DefaultConfig()
	assert.Equal(t, "file", cfg.Store.Driver)
	assert.Equal(t, "/tmp/nw/shared.yaml", cfg.Store.Path)
	assert.Equal(t, "/tmp/nw/control.sock", cfg.Control.Socket)
	assert.Equal(t, "/tmp/nw/descriptor.yaml", cfg.Tunnel.Descriptor)
	assert.Equal(t, 2*time.Second, cfg.Controller.PollInterval.Duration())
	assert.Equal(t, 5*time.Second, cfg.Tunnel.StopTimeout.Duration())
	assert.True(t, cfg.Metrics.Enabled)
	require.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	configFile := filepath.Join(dir, "netwraith.yaml")
	t.Setenv("NW_TEST_DIR", dir)

	content := `
store:
  driver: sqlite
  path: ${NW_TEST_DIR}/shared.db
control:
  socket: ${NW_TEST_DIR}/ctl.sock
controller:
  poll_interval: 500ms
logging:
  level: debug
  format: json
`
	require.NoError(t, os.WriteFile(configFile, []byte(content), 0644))

	cfg := DefaultConfig()
	require.NoError(t, LoadOrDefault(configFile, &cfg))

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, filepath.Join(dir, "shared.db"), cfg.Store.Path)
	assert.Equal(t, filepath.Join(dir, "ctl.sock"), cfg.Control.Socket)
	assert.Equal(t, 500*time.Millisecond, cfg.Controller.PollInterval.Duration())
	assert.Equal(t, "debug", cfg.Logging.Level)
	// Untouched sections keep their defaults.
	assert.Equal(t, "nwraith0", cfg.Tunnel.Interface)
}

func TestLoadOrDefault_MissingFile(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, LoadOrDefault(filepath.Join(t.TempDir(), "absent.yaml"), &cfg))
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store: [unclosed"), 0644))

	cfg := DefaultConfig()
	err := LoadOrDefault(path, &cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"memory store without path", func(c *Config) { c.Store = StoreConfig{Driver: "memory"} }, ""},
		{"unknown driver", func(c *Config) { c.Store.Driver = "redis" }, "store.driver"},
		{"missing store path", func(c *Config) { c.Store.Path = "" }, "store.path"},
		{"missing socket", func(c *Config) { c.Control.Socket = "" }, "control.socket"},
		{"long interface", func(c *Config) { c.Tunnel.Interface = strings.Repeat("n", 16) }, "tunnel.interface"},
		{"zero poll interval", func(c *Config) { c.Controller.PollInterval = 0 }, "poll_interval"},
		{"zero stop timeout", func(c *Config) { c.Tunnel.StopTimeout = 0 }, "stop_timeout"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSaveAndBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "netwraith.yaml")

	cfg := DefaultConfig()
	cfg.Store.Driver = "sqlite"
	require.NoError(t, Save(path, cfg))

	loaded := DefaultConfig()
	require.NoError(t, Load(path, &loaded))
	assert.Equal(t, cfg, loaded)

	backup, err := Backup(path)
	require.NoError(t, err)
	assert.FileExists(t, backup)

	orig, err := os.ReadFile(path)
	require.NoError(t, err)
	copied, err := os.ReadFile(backup)
	require.NoError(t, err)
	assert.Equal(t, orig, copied)

	_, err = Backup(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

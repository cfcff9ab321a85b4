// ABOUTME: Tests for configuration loading, env expansion, and validation
// ABOUTME: Uses temp config files to exercise the YAML parsing paths

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
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, ":8385", cfg.Server.HTTPAddr)
	assert.Equal(t, "data/sessions.db", cfg.Database.Path)
	assert.True(t, cfg.Relay.DetectWorkspacePaths)
	assert.Zero(t, cfg.Relay.QueueSize)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	require.NoError(t, cfg.Validate())
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: ":9000"
database:
  path: /var/lib/session-relay/log.db
relay:
  queue_size: 512
  detect_workspace_paths: false
logging:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.HTTPAddr)
	assert.Equal(t, "/var/lib/session-relay/log.db", cfg.Database.Path)
	assert.Equal(t, 512, cfg.Relay.QueueSize)
	assert.False(t, cfg.Relay.DetectWorkspacePaths)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: warn
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, ":8385", cfg.Server.HTTPAddr)
	assert.Equal(t, "data/sessions.db", cfg.Database.Path)
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("RELAY_TEST_DB_DIR", "/srv/relay")

	path := writeConfig(t, `
database:
  path: ${RELAY_TEST_DB_DIR}/sessions.db
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/relay/sessions.db", cfg.Database.Path)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := writeConfig(t, "server: [this is not\n  a mapping")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing http addr",
			mutate:  func(c *Config) { c.Server.HTTPAddr = "" },
			wantErr: "server.http_addr",
		},
		{
			name:    "missing database path",
			mutate:  func(c *Config) { c.Database.Path = "" },
			wantErr: "database.path",
		},
		{
			name:    "negative queue size",
			mutate:  func(c *Config) { c.Relay.QueueSize = -1 },
			wantErr: "queue_size",
		},
		{
			name:    "bad logging format",
			mutate:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: "logging.format",
		},
		{
			name:   "empty format is allowed",
			mutate: func(c *Config) { c.Logging.Format = "" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

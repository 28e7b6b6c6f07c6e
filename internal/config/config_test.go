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

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, Validate(DefaultConfig()))
}

func TestDefaultWindows(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 5*time.Minute, cfg.StalenessWindow())
	assert.Equal(t, 30*time.Minute, cfg.AnalysisWindow())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
[server]
listen_addr = ":9090"

[policy]
staleness_window = "90s"

[logging]
level = "debug"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.ListenAddr)
	assert.Equal(t, 90*time.Second, cfg.StalenessWindow())
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Unset fields keep their defaults.
	assert.Equal(t, 30*time.Minute, cfg.AnalysisWindow())
	assert.Equal(t, defaultPageSize, cfg.Sync.PageSize)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
[server]
listen_address = ":9090"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown config keys")
	assert.Contains(t, err.Error(), "server.listen_address")
}

func TestLoadRejectsInvalidTOML(t *testing.T) {
	path := writeConfig(t, `this is not toml = = =`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestResolveEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
[github]
token = "file-token"

[database]
path = "file.db"
`)

	cfg, err := Resolve(EnvOverrides{
		GitHubToken:  "env-token",
		DatabasePath: "env.db",
	}, path)
	require.NoError(t, err)

	assert.Equal(t, "env-token", cfg.GitHub.Token, "environment beats the config file")
	assert.Equal(t, "env.db", cfg.Database.Path)
}

func TestResolveExplicitPathBeatsEnvPath(t *testing.T) {
	envPath := writeConfig(t, `
[server]
listen_addr = ":7070"
`)
	explicit := writeConfig(t, `
[server]
listen_addr = ":6060"
`)

	cfg, err := Resolve(EnvOverrides{ConfigPath: envPath}, explicit)
	require.NoError(t, err)
	assert.Equal(t, ":6060", cfg.Server.ListenAddr)
}

func TestValidateFailures(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantMsg string
	}{
		{
			name:    "empty listen addr",
			mutate:  func(c *Config) { c.Server.ListenAddr = "" },
			wantMsg: "listen_addr",
		},
		{
			name:    "empty database path",
			mutate:  func(c *Config) { c.Database.Path = "" },
			wantMsg: "database.path",
		},
		{
			name:    "unparseable staleness window",
			mutate:  func(c *Config) { c.Policy.StalenessWindow = "five minutes" },
			wantMsg: "staleness_window",
		},
		{
			name:    "negative analysis window",
			mutate:  func(c *Config) { c.Policy.AnalysisWindow = "-1m" },
			wantMsg: "must be positive",
		},
		{
			name:    "zero page size",
			mutate:  func(c *Config) { c.Sync.PageSize = 0 },
			wantMsg: "page_size",
		},
		{
			name:    "page size over cap",
			mutate:  func(c *Config) { c.Sync.PageSize = 500 },
			wantMsg: "page_size",
		},
		{
			name:    "too many workers",
			mutate:  func(c *Config) { c.Sync.DetailWorkers = 50 },
			wantMsg: "detail_workers",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Logging.Level = "trace" },
			wantMsg: "logging.level",
		},
		{
			name:    "bad log format",
			mutate:  func(c *Config) { c.Logging.Format = "xml" },
			wantMsg: "logging.format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

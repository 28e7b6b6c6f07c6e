// Package config loads and validates trackmirror configuration from a TOML
// file, with defaults, environment variable overrides, and CLI flag
// overrides applied in that order (later layers win).
package config

import "time"

// Config is the top-level configuration, decoded from TOML.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	GitHub   GitHubConfig   `toml:"github"`
	Database DatabaseConfig `toml:"database"`
	Policy   PolicyConfig   `toml:"policy"`
	Sync     SyncConfig     `toml:"sync"`
	Logging  LoggingConfig  `toml:"logging"`
}

// ServerConfig holds the HTTP server settings.
type ServerConfig struct {
	ListenAddr    string `toml:"listen_addr"`
	WebhookSecret string `toml:"webhook_secret"`
}

// GitHubConfig holds remote API settings. Token may also come from the
// TRACKMIRROR_GITHUB_TOKEN environment variable, which takes precedence.
type GitHubConfig struct {
	Token   string `toml:"token"`
	BaseURL string `toml:"base_url"` // empty means api.github.com
}

// DatabaseConfig holds the SQLite database location.
type DatabaseConfig struct {
	Path string `toml:"path"`
}

// PolicyConfig holds the staleness windows. Both are durations in TOML
// string form ("5m"). They tune perceived freshness, not correctness.
type PolicyConfig struct {
	StalenessWindow string `toml:"staleness_window"`
	AnalysisWindow  string `toml:"analysis_window"`
}

// SyncConfig holds full-sync tuning knobs.
type SyncConfig struct {
	PageSize      int `toml:"page_size"`
	DetailWorkers int `toml:"detail_workers"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // auto, text, json
}

// Default values. These are "layer 0" of the override chain and work for
// most deployments without a config file.
const (
	defaultListenAddr      = ":8080"
	defaultDatabasePath    = "trackmirror.db"
	defaultStalenessWindow = "5m"
	defaultAnalysisWindow  = "30m"
	defaultPageSize        = 100
	defaultDetailWorkers   = 5
	defaultLogLevel        = "info"
	defaultLogFormat       = "auto"
)

// Limits enforced by Validate.
const (
	maxPageSize      = 100 // GitHub API per_page cap
	maxDetailWorkers = 10
)

// DefaultConfig returns a Config populated with all default values. Used
// both as the starting point for TOML decoding (unset fields keep their
// defaults) and as the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: defaultListenAddr,
		},
		Database: DatabaseConfig{
			Path: defaultDatabasePath,
		},
		Policy: PolicyConfig{
			StalenessWindow: defaultStalenessWindow,
			AnalysisWindow:  defaultAnalysisWindow,
		},
		Sync: SyncConfig{
			PageSize:      defaultPageSize,
			DetailWorkers: defaultDetailWorkers,
		},
		Logging: LoggingConfig{
			Level:  defaultLogLevel,
			Format: defaultLogFormat,
		},
	}
}

// StalenessWindow returns the parsed staleness window. Validate guarantees
// the string parses, so errors here indicate a Config that bypassed Validate.
func (c *Config) StalenessWindow() time.Duration {
	d, err := time.ParseDuration(c.Policy.StalenessWindow)
	if err != nil {
		d, _ = time.ParseDuration(defaultStalenessWindow)
	}

	return d
}

// AnalysisWindow returns the parsed resolution-analysis window.
func (c *Config) AnalysisWindow() time.Duration {
	d, err := time.ParseDuration(c.Policy.AnalysisWindow)
	if err != nil {
		d, _ = time.ParseDuration(defaultAnalysisWindow)
	}

	return d
}

package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// Environment variable names recognized by ReadEnvOverrides.
const (
	EnvConfigPath    = "TRACKMIRROR_CONFIG"
	EnvGitHubToken   = "TRACKMIRROR_GITHUB_TOKEN"
	EnvWebhookSecret = "TRACKMIRROR_WEBHOOK_SECRET"
	EnvDatabasePath  = "TRACKMIRROR_DB"
)

// EnvOverrides carries values read from the environment. Empty fields mean
// "not set" and leave the lower layer untouched.
type EnvOverrides struct {
	ConfigPath    string
	GitHubToken   string
	WebhookSecret string
	DatabasePath  string
}

// ReadEnvOverrides reads all recognized TRACKMIRROR_* variables.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath:    os.Getenv(EnvConfigPath),
		GitHubToken:   os.Getenv(EnvGitHubToken),
		WebhookSecret: os.Getenv(EnvWebhookSecret),
		DatabasePath:  os.Getenv(EnvDatabasePath),
	}
}

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are fatal — silently ignoring a typo in a
// config file leads to hard-to-debug behavior.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns a
// Config populated with defaults. Supports the zero-config first run.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolve loads configuration and applies the override chain:
// defaults -> config file -> environment variables. CLI flags are applied
// by the command layer afterward because they always win.
func Resolve(env EnvOverrides, explicitPath string) (*Config, error) {
	path := DefaultConfigPath()
	if env.ConfigPath != "" {
		path = env.ConfigPath
	}

	if explicitPath != "" {
		path = explicitPath
	}

	cfg, err := LoadOrDefault(path)
	if err != nil {
		return nil, err
	}

	if env.GitHubToken != "" {
		cfg.GitHub.Token = env.GitHubToken
	}

	if env.WebhookSecret != "" {
		cfg.Server.WebhookSecret = env.WebhookSecret
	}

	if env.DatabasePath != "" {
		cfg.Database.Path = env.DatabasePath
	}

	return cfg, nil
}

// DefaultConfigPath returns the conventional config file location:
// $XDG_CONFIG_HOME/trackmirror/config.toml, falling back to
// ~/.config/trackmirror/config.toml.
func DefaultConfigPath() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "config.toml"
		}

		base = home + "/.config"
	}

	return base + "/trackmirror/config.toml"
}

// checkUnknownKeys rejects keys present in the file but absent from the
// Config struct, listing them sorted so the error is deterministic.
func checkUnknownKeys(md *toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}

	keys := make([]string, 0, len(undecoded))
	for _, k := range undecoded {
		keys = append(keys, k.String())
	}

	sort.Strings(keys)

	return fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
}

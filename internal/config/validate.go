package config

import (
	"fmt"
	"time"
)

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}

// Validate checks all config values for internal consistency. It does not
// check reachability of external services — a missing GitHub token is only
// an error at the point a sync is requested.
func Validate(cfg *Config) error {
	if cfg.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr must not be empty")
	}

	if cfg.Database.Path == "" {
		return fmt.Errorf("database.path must not be empty")
	}

	if err := validateWindow("policy.staleness_window", cfg.Policy.StalenessWindow); err != nil {
		return err
	}

	if err := validateWindow("policy.analysis_window", cfg.Policy.AnalysisWindow); err != nil {
		return err
	}

	if cfg.Sync.PageSize < 1 || cfg.Sync.PageSize > maxPageSize {
		return fmt.Errorf("sync.page_size must be between 1 and %d, got %d", maxPageSize, cfg.Sync.PageSize)
	}

	if cfg.Sync.DetailWorkers < 1 || cfg.Sync.DetailWorkers > maxDetailWorkers {
		return fmt.Errorf("sync.detail_workers must be between 1 and %d, got %d", maxDetailWorkers, cfg.Sync.DetailWorkers)
	}

	if !validLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", cfg.Logging.Level)
	}

	if !validLogFormats[cfg.Logging.Format] {
		return fmt.Errorf("logging.format must be one of auto, text, json; got %q", cfg.Logging.Format)
	}

	return nil
}

func validateWindow(key, value string) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}

	if d <= 0 {
		return fmt.Errorf("%s must be positive, got %s", key, d)
	}

	return nil
}

package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/trackmirror/trackmirror/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagJSON       bool
	flagVerbose    bool
	flagQuiet      bool
)

// resolvedCfg holds the effective configuration loaded by
// PersistentPreRunE, available to all subcommands afterwards.
var resolvedCfg *config.Config

// newRootCmd builds the fully-assembled root command. Called once from
// main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "trackmirror",
		Short:   "Local mirror for a remote issue tracker",
		Long:    "trackmirror keeps a queryable local mirror of a remote issue tracker, converged by full syncs and webhook deliveries.",
		Version: version,
		// Silence Cobra's default error/usage printing; main handles it.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return loadConfig()
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newStatusCmd())

	return cmd
}

// loadConfig resolves the effective configuration from the override
// chain (defaults, config file, environment, CLI flags).
func loadConfig() error {
	env := config.ReadEnvOverrides()

	cfg, err := config.Resolve(env, flagConfigPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	resolvedCfg = cfg

	return nil
}

// buildLogger creates the process logger from the resolved config.
// Format "auto" emits text on a terminal and JSON otherwise; --verbose
// and --quiet override the configured level.
func buildLogger() *slog.Logger {
	level := slog.LevelInfo

	if resolvedCfg != nil {
		switch resolvedCfg.Logging.Level {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}

	if flagVerbose {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	format := "auto"
	if resolvedCfg != nil {
		format = resolvedCfg.Logging.Format
	}

	switch format {
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	default:
		if isatty.IsTerminal(os.Stderr.Fd()) {
			return slog.New(slog.NewTextHandler(os.Stderr, opts))
		}

		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
}

package main

import (
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/trackmirror/trackmirror/internal/config"
	"github.com/trackmirror/trackmirror/internal/gh"
	"github.com/trackmirror/trackmirror/internal/httpapi"
	"github.com/trackmirror/trackmirror/internal/mirror"
	"github.com/trackmirror/trackmirror/internal/store"
	"github.com/trackmirror/trackmirror/internal/webhook"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the mirror server",
		Long:  "Starts the HTTP server: webhook ingestion, sync triggers, read-through issue fetches, and the notification feed.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd)
		},
	}
}

func runServe(cmd *cobra.Command) error {
	cfg := resolvedCfg
	logger := buildLogger()

	if cfg.GitHub.Token == "" {
		return fmt.Errorf("no API token configured (set %s or github.token)", config.EnvGitHubToken)
	}

	if cfg.Server.WebhookSecret == "" {
		return fmt.Errorf("no webhook secret configured (set %s or server.webhook_secret)", config.EnvWebhookSecret)
	}

	st, err := store.Open(cfg.Database.Path, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	client, err := gh.NewClient(cfg.GitHub.Token, cfg.GitHub.BaseURL, nil, logger)
	if err != nil {
		return err
	}

	rec := mirror.NewReconciler(st, logger)
	orch := mirror.NewOrchestrator(st, rec, cfg.GitHub.BaseURL, cfg.Sync.DetailWorkers, logger)
	policy := mirror.NewPolicy(st, cfg.StalenessWindow(), cfg.AnalysisWindow(), logger)
	reader := mirror.NewReader(st, policy, rec, client, logger)

	dispatcher := mirror.NewDispatcher(st, logger)
	feed := httpapi.NewFeed(logger)
	dispatcher.SetDeliveryHook(feed.Publish)

	pipeline := webhook.NewPipeline(st, rec, dispatcher, []byte(cfg.Server.WebhookSecret), logger)

	server := httpapi.NewServer(cfg, st, orch, reader, pipeline, feed, logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Hot-reload the staleness windows when the config file changes.
	// Everything else (listen address, database path) needs a restart.
	if path := configFilePath(); path != "" {
		go func() {
			err := config.Watch(ctx, path, logger, func(updated *config.Config) {
				policy.UpdateWindows(updated.StalenessWindow(), updated.AnalysisWindow())

				logger.Info("staleness windows reloaded",
					slog.String("staleness_window", updated.Policy.StalenessWindow),
					slog.String("analysis_window", updated.Policy.AnalysisWindow),
				)
			})
			if err != nil {
				logger.Warn("config watcher stopped", slog.String("error", err.Error()))
			}
		}()
	}

	return server.Run(ctx)
}

// configFilePath returns the config file in effect, or empty when
// running purely on defaults.
func configFilePath() string {
	if flagConfigPath != "" {
		return flagConfigPath
	}

	if env := config.ReadEnvOverrides().ConfigPath; env != "" {
		return env
	}

	return config.DefaultConfigPath()
}

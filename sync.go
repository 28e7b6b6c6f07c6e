package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/trackmirror/trackmirror/internal/config"
	"github.com/trackmirror/trackmirror/internal/mirror"
	"github.com/trackmirror/trackmirror/internal/store"
)

var flagSyncUser int64

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync OWNER/REPO",
		Short: "Run one full repository sync",
		Long:  "Fetches the complete current state of a repository and converges the local mirror to it. Blocks until the sync finishes.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, args[0])
		},
	}

	cmd.Flags().Int64Var(&flagSyncUser, "user", 0, "numeric user id requesting the sync (must be a collaborator)")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}

func runSync(cmd *cobra.Command, fullName string) error {
	cfg := resolvedCfg
	logger := buildLogger()

	owner, repo, ok := strings.Cut(fullName, "/")
	if !ok || owner == "" || repo == "" {
		return fmt.Errorf("repository must be OWNER/REPO, got %q", fullName)
	}

	if cfg.GitHub.Token == "" {
		return fmt.Errorf("no API token configured (set %s or github.token)", config.EnvGitHubToken)
	}

	st, err := store.Open(cfg.Database.Path, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	rec := mirror.NewReconciler(st, logger)
	orch := mirror.NewOrchestrator(st, rec, cfg.GitHub.BaseURL, cfg.Sync.DetailWorkers, logger)

	summary, err := orch.SyncRepository(cmd.Context(), cfg.GitHub.Token, owner, repo, flagSyncUser)
	if err != nil {
		return err
	}

	if flagJSON {
		return json.NewEncoder(os.Stdout).Encode(summary)
	}

	fmt.Printf("Synced %s in %s\n", summary.Repository, summary.Duration.Round(time.Millisecond))
	fmt.Printf("  issues:        %d\n", summary.Issues)
	fmt.Printf("  pull requests: %d\n", summary.PullRequests)
	fmt.Printf("  comments:      %d\n", summary.Comments)
	fmt.Printf("  reviews:       %d\n", summary.Reviews)
	fmt.Printf("  labels:        %d\n", summary.Labels)
	fmt.Printf("  milestones:    %d\n", summary.Milestones)
	fmt.Printf("  collaborators: %d\n", summary.Collaborators)

	if summary.Skipped > 0 {
		fmt.Printf("  skipped:       %d (see log for details)\n", summary.Skipped)
	}

	return nil
}

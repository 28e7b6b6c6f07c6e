package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/trackmirror/trackmirror/internal/store"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show mirrored repositories and their sync state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd)
		},
	}
}

type repoStatus struct {
	FullName     string     `json:"full_name"`
	Private      bool       `json:"private"`
	Syncing      bool       `json:"syncing"`
	LastSyncedAt *time.Time `json:"last_synced_at"`
}

func runStatus(cmd *cobra.Command) error {
	logger := buildLogger()

	st, err := store.Open(resolvedCfg.Database.Path, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	repos, err := st.ListRepositories(cmd.Context())
	if err != nil {
		return err
	}

	statuses := make([]repoStatus, 0, len(repos))
	for _, r := range repos {
		statuses = append(statuses, repoStatus{
			FullName:     r.FullName,
			Private:      r.Private,
			Syncing:      r.Syncing,
			LastSyncedAt: r.LastSyncedAt,
		})
	}

	if flagJSON {
		return json.NewEncoder(os.Stdout).Encode(statuses)
	}

	if len(statuses) == 0 {
		fmt.Println("No repositories mirrored yet. Run 'trackmirror sync OWNER/REPO' to start.")
		return nil
	}

	for _, s := range statuses {
		state := "never synced"

		switch {
		case s.Syncing:
			state = "syncing"
		case s.LastSyncedAt != nil:
			state = "synced " + time.Since(*s.LastSyncedAt).Round(time.Second).String() + " ago"
		}

		fmt.Printf("%-40s %s\n", s.FullName, state)
	}

	return nil
}

package commands

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stepflow/stepflow/pkg/stores"
)

func newRunsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect persisted run history",
	}

	cmd.AddCommand(newRunsListCommand())
	cmd.AddCommand(newRunsShowCommand())

	return cmd
}

func newRunsListCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		Example: `  # Show the last 20 runs
  stepflow runs list

  # Show more, as JSON
  stepflow runs list --limit 100 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.ListRuns(cmd.Context(), limit, 0)
			if err != nil {
				return fmt.Errorf("failed to list runs: %w", err)
			}

			if jsonOutput {
				return printJSON(runs)
			}
			if len(runs) == 0 {
				fmt.Println("No runs recorded")
				return nil
			}
			for _, r := range runs {
				fmt.Printf("%s  %-11s  %-11s  %s  %s\n",
					r.ID, r.Status, r.Mode,
					r.StartedAt.Format(time.RFC3339),
					truncateTask(r.Task, 60))
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to list")

	return cmd
}

func newRunsShowCommand() *cobra.Command {
	var withEvents bool

	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run with its step records",
		Example: `  # Show a run and its steps
  stepflow runs show 6f1c9b2e-...

  # Include the raw trace events
  stepflow runs show 6f1c9b2e-... --events`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			run, err := store.GetRun(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to load run: %w", err)
			}
			steps, err := store.ListStepsByRun(cmd.Context(), run.ID)
			if err != nil {
				return fmt.Errorf("failed to load step records: %w", err)
			}
			var events []*stores.Event
			if withEvents {
				events, err = store.GetEvents(cmd.Context(), &run.ID, nil, 0, 0)
				if err != nil {
					return fmt.Errorf("failed to load events: %w", err)
				}
			}

			if jsonOutput {
				out := map[string]any{"run": run, "steps": steps}
				if withEvents {
					out["events"] = events
				}
				return printJSON(out)
			}

			fmt.Printf("Run:     %s\n", run.ID)
			fmt.Printf("Task:    %s\n", run.Task)
			fmt.Printf("Mode:    %s\n", run.Mode)
			fmt.Printf("Status:  %s\n", run.Status)
			fmt.Printf("Started: %s\n", run.StartedAt.Format(time.RFC3339))
			if run.CompletedAt != nil {
				fmt.Printf("Ended:   %s\n", run.CompletedAt.Format(time.RFC3339))
			}
			if run.Error != nil {
				fmt.Printf("Error:   %s\n", *run.Error)
			}
			fmt.Printf("Stats:   %s\n", run.Stats)
			fmt.Printf("Steps (%d):\n", len(steps))
			for _, s := range steps {
				fmt.Printf("  %3d  %-16s  %-9s  %s\n", s.Idx, s.Type, s.Status, s.Signature)
			}
			if withEvents {
				fmt.Printf("Events (%d):\n", len(events))
				for _, e := range events {
					fmt.Printf("  %s  %s\n", e.Timestamp.Format(time.RFC3339), e.Name)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&withEvents, "events", false, "include raw trace events")

	return cmd
}

// openStore opens the configured run store, migrated and ready.
func openStore(cmd *cobra.Command) (*stores.SQLiteStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if !cfg.Store.Enabled {
		return nil, fmt.Errorf("run store is disabled in the config")
	}
	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Store.Path})
	if err != nil {
		return nil, fmt.Errorf("failed to open run store: %w", err)
	}
	if err := store.Init(cmd.Context()); err != nil {
		return nil, fmt.Errorf("failed to init run store: %w", err)
	}
	if err := store.Migrate(cmd.Context()); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to migrate run store: %w", err)
	}
	log.Debug().Str("path", cfg.Store.Path).Msg("run store opened")
	return store, nil
}

// truncateTask shortens a task for one-line listings.
func truncateTask(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

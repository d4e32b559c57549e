package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool

	// Build metadata, set by Execute.
	cliVersion = "dev"
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	cliVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "stepflow",
		Short: "Stepflow - Browser Plan Execution Engine",
		Long: `Stepflow compiles declarative step plans and executes them against a
live browser session.

Features:
  - Flat JSON/YAML step plans with macros, aliases, and variables
  - Free-form selector resolution with layered fallbacks
  - Bounded repair, skip, and replan on step failure
  - Plan-and-execute mode that grows the plan subgoal by subgoal
  - Policy admission via OPA/rego before anything runs
  - Run history, traces, and artifacts on disk`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newCompileCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newRunsCommand())
	rootCmd.AddCommand(newPolicyCommand())

	return rootCmd
}

package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stepflow/stepflow/pkg/policy"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect plan admission policies",
	}

	cmd.AddCommand(newPolicyListCommand())
	cmd.AddCommand(newPolicyShowCommand())

	return cmd
}

// policyEngine builds an engine with the builtins plus any policy
// paths from the config.
func policyEngine(cmd *cobra.Command) (*policy.Engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	eng, err := policy.NewEngine(log.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build policy engine: %w", err)
	}
	if len(cfg.Policy.Paths) > 0 {
		if err := eng.LoadPolicies(cmd.Context(), cfg.Policy.Paths); err != nil {
			return nil, fmt.Errorf("failed to load policies: %w", err)
		}
	}
	return eng, nil
}

func newPolicyListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List builtin and configured policies",
		Example: `  # List every policy the run command would enforce
  stepflow policy list`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := policyEngine(cmd)
			if err != nil {
				return err
			}
			policies := eng.ListPolicies()

			if jsonOutput {
				return printJSON(policies)
			}
			for _, p := range policies {
				state := "enabled"
				if !p.Enabled {
					state = "disabled"
				}
				fmt.Printf("%-22s  %-8s  %-8s  %s\n", p.Name, p.Severity, state, p.Description)
			}
			return nil
		},
	}

	return cmd
}

func newPolicyShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <name>",
		Short: "Print one policy including its rego source",
		Example: `  # Inspect the navigation allowlist rule
  stepflow policy show navigation-allowlist`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := policyEngine(cmd)
			if err != nil {
				return err
			}
			p, err := eng.GetPolicy(args[0])
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(p)
			}
			fmt.Printf("Name:        %s\n", p.Name)
			fmt.Printf("Description: %s\n", p.Description)
			fmt.Printf("Severity:    %s\n", p.Severity)
			fmt.Printf("Enabled:     %v\n", p.Enabled)
			fmt.Println()
			fmt.Println(p.Rego)
			return nil
		},
	}

	return cmd
}

package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stepflow/stepflow/pkg/plan"
	"github.com/stepflow/stepflow/pkg/policy"
)

func newValidateCommand() *cobra.Command {
	var (
		strict   bool
		task     string
		varFlags []string
		noPolicy bool
	)

	cmd := &cobra.Command{
		Use:   "validate <plan-file>",
		Short: "Validate a step plan without executing it",
		Long: `Validate a step plan file (YAML or JSON) without touching a browser.

This command checks:
  - Step schema validity (types, required fields, value shapes)
  - Macro expansion and alias normalization
  - Variable references against the provided --var values
  - Policy compliance (OPA/rego) unless --no-policy is set`,
		Example: `  # Validate a plan
  stepflow validate checkout.yaml

  # Strict mode rejects unknown step types instead of warning
  stepflow validate --strict checkout.yaml

  # Provide variables referenced by the plan
  stepflow validate --var user=alice --var env=staging checkout.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			raw, err := loadPlanFile(args[0])
			if err != nil {
				return err
			}
			vars, err := parseVars(varFlags)
			if err != nil {
				return err
			}

			opts := plan.DefaultOptions()
			opts.Strict = strict
			res := plan.Compile(raw, plan.Context{Task: task, Vars: vars}, opts)

			var polResult *policy.Result
			if cfg.Policy.Enabled && !noPolicy && len(res.Steps) > 0 {
				polResult, err = admitPlan(cmd.Context(), cfg, res.Steps, task, true, log.Logger)
				if err != nil {
					return err
				}
			}

			valid := res.OK() && (polResult == nil || polResult.Allowed)

			if jsonOutput {
				report := map[string]any{
					"valid":    valid,
					"steps":    len(res.Steps),
					"warnings": res.Warnings,
					"errors":   res.Errors,
				}
				if polResult != nil {
					report["policy"] = polResult
				}
				if err := printJSON(report); err != nil {
					return err
				}
			} else {
				fmt.Printf("Plan: %s (%d steps)\n", args[0], len(res.Steps))
				for _, w := range res.Warnings {
					fmt.Printf("  warning: %s\n", w)
				}
				for _, e := range res.Errors {
					fmt.Printf("  error: %s\n", e)
				}
				if polResult != nil {
					for _, w := range polResult.Warnings {
						fmt.Printf("  policy warning: %s\n", w)
					}
					for _, v := range polResult.Violations {
						fmt.Printf("  policy %s [%s]: %s\n", v.Severity, v.Policy, v.Message)
					}
				}
				if valid {
					fmt.Println("Plan is valid")
				}
			}

			if !valid {
				return fmt.Errorf("plan failed validation")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&strict, "strict", false, "reject unknown step types instead of warning")
	cmd.Flags().StringVar(&task, "task", "", "task description used for variable rendering and policy context")
	cmd.Flags().StringArrayVar(&varFlags, "var", nil, "plan variable as key=value (repeatable)")
	cmd.Flags().BoolVar(&noPolicy, "no-policy", false, "skip policy evaluation")

	return cmd
}

package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stepflow/stepflow/pkg/plan"
)

func newCompileCommand() *cobra.Command {
	var (
		strict    bool
		task      string
		varFlags  []string
		noMacros  bool
		noAliases bool
		render    bool
	)

	cmd := &cobra.Command{
		Use:   "compile <plan-file>",
		Short: "Compile a step plan and print the expanded steps",
		Long: `Compile a step plan file and print the result of macro expansion,
alias normalization, and variable rendering as flat JSON steps.

The output is exactly what the runtime would execute; feed it back to
"stepflow run" to replay a fully expanded plan.`,
		Example: `  # Expand macros and print the flat plan
  stepflow compile checkout.yaml

  # Substitute ${user} at compile time instead of at run time
  stepflow compile --render --var user=alice checkout.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
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
			opts.ExpandMacros = !noMacros
			opts.NormalizeAliases = !noAliases
			opts.RenderVars = render

			res := plan.Compile(raw, plan.Context{Task: task, Vars: vars}, opts)
			for _, w := range res.Warnings {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", w)
			}
			if !res.OK() {
				for _, e := range res.Errors {
					fmt.Fprintf(cmd.ErrOrStderr(), "error: %s\n", e)
				}
				return fmt.Errorf("plan failed to compile")
			}
			return printJSON(res.Steps)
		},
	}

	cmd.Flags().BoolVar(&strict, "strict", false, "reject unknown step types instead of warning")
	cmd.Flags().StringVar(&task, "task", "", "task description recorded in the compile context")
	cmd.Flags().StringArrayVar(&varFlags, "var", nil, "plan variable as key=value (repeatable)")
	cmd.Flags().BoolVar(&noMacros, "no-macros", false, "skip macro expansion")
	cmd.Flags().BoolVar(&noAliases, "no-aliases", false, "skip alias normalization")
	cmd.Flags().BoolVar(&render, "render", false, "substitute ${var} at compile time")

	return cmd
}

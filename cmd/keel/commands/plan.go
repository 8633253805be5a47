package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/keelhq/keel/pkg/engine"
	"github.com/keelhq/keel/pkg/telemetry"
)

func newPlanCommand() *cobra.Command {
	var (
		deltaPath string
		requester string
		dotFile   string
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Plan a delta graph without executing it",
		Long: `Plan a delta graph against stored state and print the resulting plan.

Planning closes the graph over stored peers, checks mutual edge connectivity
and cardinality, runs every validator, and iterates resource planning to a
fixed point. Nothing is locked or persisted.`,
		Example: `  # Plan a delta and print the plan as a table
  keel plan -f delta.yaml

  # Write the plan DAG for graphviz
  keel plan -f delta.yaml --dot plan.dot`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			delta, err := readDelta(deltaPath, cmd.InOrStdin())
			if err != nil {
				return err
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			op := telemetry.StartOperation(a.tel.WithContext(ctx), "cli.plan", telemetry.AttrRequester.String(requester))
			plan, err := a.engine.Plan(op.Ctx, requester, delta)
			op.End(err)
			if err != nil {
				return fmt.Errorf("planning failed: %w", err)
			}
			op.Logger.NewComponentLogger("cli").
				WithRequester(requester).
				Zerolog().Debug().
				Int("resources", len(plan)).
				Dur("duration", op.Timer.Duration()).
				Msg("Plan computed")

			if dotFile != "" {
				dag, err := engine.BuildPlanDAG(plan)
				if err != nil {
					return err
				}
				if err := os.WriteFile(dotFile, []byte(dag.ToDOT()), 0o644); err != nil {
					return fmt.Errorf("failed to write DOT file: %w", err)
				}
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), plan)
			}
			return printPlan(cmd.OutOrStdout(), plan)
		},
	}

	cmd.Flags().StringVarP(&deltaPath, "file", "f", "", "delta graph file (YAML or JSON, - for stdin)")
	cmd.Flags().StringVar(&requester, "requester", defaultRequester(), "principal submitting the change")
	cmd.Flags().StringVar(&dotFile, "dot", "", "write the plan DAG in DOT format to this file")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

// defaultRequester is the local user name, or "keel" when it is unknown.
func defaultRequester() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "keel"
}

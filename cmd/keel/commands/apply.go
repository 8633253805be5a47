package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/keelhq/keel/pkg/engine"
	"github.com/keelhq/keel/pkg/telemetry"
)

func newApplyCommand() *cobra.Command {
	var (
		deltaPath string
		requester string
		wait      bool
		timeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Plan a delta graph and submit it for execution",
		Long: `Plan a delta graph, lock every resource it touches, and submit the
resulting execution graph.

Without --wait the graph is queued in the database for a running
'keel serve'. With --wait the executor runs in this process until the
graph completes. An in-memory queue always implies --wait.`,
		Example: `  # Submit a change for the server to execute
  keel apply -f delta.yaml

  # Execute locally and wait for the result
  keel apply -f delta.yaml --wait`,
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
			if cfg.Executor.InMemoryQueue {
				wait = true
			}
			if wait && !cfg.Executor.Enabled {
				return fmt.Errorf("--wait requires executor.enabled")
			}

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			op := telemetry.StartOperation(a.tel.WithContext(ctx), "cli.apply", telemetry.AttrRequester.String(requester))
			graph, err := a.engine.ExecuteGraphUpdate(op.Ctx, requester, delta)
			op.End(err)
			if err != nil {
				return fmt.Errorf("apply failed: %w", err)
			}
			op.Logger.NewComponentLogger("cli").
				WithExecutionID(graph.ExecutionID).
				WithRequester(requester).
				Zerolog().Info().
				Int("resources", len(graph.ExecutionPlan)).
				Dur("duration", op.Timer.Duration()).
				Msg("Execution submitted")

			if !wait {
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), graph)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Submitted execution %s\n", graph.ExecutionID)
				return nil
			}

			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			if err := a.executor.Start(ctx); err != nil {
				return fmt.Errorf("failed to start executor: %w", err)
			}
			final, err := waitForExecution(ctx, a.store, graph.ExecutionID, cfg.Executor.PollInterval)
			a.executor.Stop()
			if err != nil {
				return err
			}

			if jsonOutput {
				if err := printJSON(cmd.OutOrStdout(), final); err != nil {
					return err
				}
			} else if err := printGraph(cmd.OutOrStdout(), final); err != nil {
				return err
			}
			if final.Status != engine.StatusSucceeded {
				return fmt.Errorf("execution %s finished with status %s", final.ExecutionID, final.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&deltaPath, "file", "f", "", "delta graph file (YAML or JSON, - for stdin)")
	cmd.Flags().StringVar(&requester, "requester", defaultRequester(), "principal submitting the change")
	cmd.Flags().BoolVar(&wait, "wait", false, "execute in this process and wait for completion")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up waiting after this long (0 waits forever)")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

// waitForExecution polls the state store until the graph is complete.
func waitForExecution(ctx context.Context, states engine.StateStore, executionID string, interval time.Duration) (*engine.ExecutionGraph, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		graph, err := states.GetExecutionGraph(ctx, executionID)
		if err != nil {
			return nil, fmt.Errorf("failed to read execution %s: %w", executionID, err)
		}
		if graph == nil {
			return nil, fmt.Errorf("execution %s not found", executionID)
		}
		if graph.IsComplete() {
			return graph, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("stopped waiting for execution %s: %w", executionID, ctx.Err())
		case <-ticker.C:
		}
	}
}

package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/keelhq/keel/pkg/engine"
)

func newExecutionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "executions",
		Aliases: []string{"exec"},
		Short:   "Inspect execution graphs",
	}

	cmd.AddCommand(newExecutionsListCommand())
	cmd.AddCommand(newExecutionsShowCommand())

	return cmd
}

func newExecutionsListCommand() *cobra.Command {
	var (
		requester string
		statuses  []string
		since     time.Duration
		limit     int
		offset    int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List executions, newest first",
		Example: `  # Failed executions of the last day
  keel executions list --status failed --since 24h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			filter := engine.ExecutionFilter{
				Requester: requester,
				Limit:     limit,
				Offset:    offset,
			}
			for _, s := range statuses {
				status := engine.Status(s)
				if err := status.Validate(); err != nil {
					return err
				}
				filter.Statuses = append(filter.Statuses, status)
			}
			if since > 0 {
				filter.StartedAfter = time.Now().Add(-since)
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			summaries, err := store.ListExecutions(ctx, filter)
			if err != nil {
				return fmt.Errorf("failed to list executions: %w", err)
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), summaries)
			}
			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "EXECUTION\tREQUESTER\tSTATUS\tSTARTED\tENDED")
			for _, s := range summaries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.ExecutionID, s.Requester, s.Status, formatTime(s.StartTime), formatTime(s.EndTime))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&requester, "requester", "", "only executions of this requester")
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "only executions with these statuses")
	cmd.Flags().DurationVar(&since, "since", 0, "only executions started within this window")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of results")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of results to skip")

	return cmd
}

func newExecutionsShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <execution-id>",
		Short: "Show an execution graph and its task failures",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			graph, err := store.GetExecutionGraph(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to read execution: %w", err)
			}
			if graph == nil {
				return fmt.Errorf("execution %s not found", args[0])
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), graph)
			}
			return printGraph(cmd.OutOrStdout(), graph)
		},
	}
}

package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/keelhq/keel/pkg/audit"
	"github.com/keelhq/keel/pkg/engine"
)

func newAuditCommand() *cobra.Command {
	var (
		file   string
		action string
		actor  string
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the audit trail of completed executions",
		Long: `Show the audit trail of completed executions.

Entries are read from the database. With --file, records are read from an
NDJSON audit file written by the executor instead.`,
		Example: `  # Entries recorded in the database
  keel audit --actor alice

  # Records from the audit file
  keel audit --file /var/lib/keel/audit.ndjson`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			if file != "" {
				records, err := audit.ReadFile(file)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(out, records)
				}
				tw := newTable(out)
				fmt.Fprintln(tw, "EXECUTION\tREQUESTER\tSTATUS\tENDED\tSUCCEEDED\tFAILED")
				for _, rec := range records {
					counts := rec.Counts()
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\n",
						rec.ExecutionID, rec.Requester, rec.Status, formatTime(rec.EndTime),
						counts[engine.StatusSucceeded], counts[engine.StatusFailed]+counts[engine.StatusCancelled])
				}
				return tw.Flush()
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

			entries, err := store.ListAuditEntries(ctx, action, actor, limit, offset)
			if err != nil {
				return fmt.Errorf("failed to list audit entries: %w", err)
			}

			if jsonOutput {
				return printJSON(out, entries)
			}
			tw := newTable(out)
			fmt.Fprintln(tw, "TIME\tACTION\tACTOR\tTARGET\tSTATUS")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", formatTime(e.Timestamp), e.Action, e.Actor, e.TargetID, e.Status)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "read records from this audit file")
	cmd.Flags().StringVar(&action, "action", "", "only entries with this action")
	cmd.Flags().StringVar(&actor, "actor", "", "only entries of this actor")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of entries")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of entries to skip")

	return cmd
}

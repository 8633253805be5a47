package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/keelhq/keel/pkg/engine"
	"github.com/keelhq/keel/pkg/stores"
	"github.com/keelhq/keel/pkg/telemetry"
)

func newResourcesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "resources",
		Aliases: []string{"res"},
		Short:   "Inspect stored resources",
	}

	cmd.AddCommand(newResourcesListCommand())
	cmd.AddCommand(newResourcesShowCommand())
	cmd.AddCommand(newResourcesSearchCommand())
	cmd.AddCommand(newResourcesUnlockCommand())

	return cmd
}

func newResourcesListCommand() *cobra.Command {
	var filter stores.ResourceFilter

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored resources",
		Args:  cobra.NoArgs,
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

			resources, err := store.ListResources(ctx, filter)
			if err != nil {
				return fmt.Errorf("failed to list resources: %w", err)
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), resources)
			}
			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "ID\tTYPE\tOWNER\tLOCK\tDELETED\tUPDATED")
			for _, r := range resources {
				lock := r.LockOwner
				if lock == "" {
					lock = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\n", r.ID, r.Type, r.Owner, lock, r.Deleted, formatTime(time.UnixMilli(r.LastUpdateTimestamp)))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&filter.Type, "type", "", "only resources of this type")
	cmd.Flags().BoolVar(&filter.IncludeDeleted, "deleted", false, "include deleted resources")
	cmd.Flags().BoolVar(&filter.LockedOnly, "locked", false, "only locked resources")
	cmd.Flags().IntVar(&filter.Limit, "limit", 100, "maximum number of results")
	cmd.Flags().IntVar(&filter.Offset, "offset", 0, "number of results to skip")

	return cmd
}

func newResourcesShowCommand() *cobra.Command {
	var at string

	cmd := &cobra.Command{
		Use:   "show <resource-id>",
		Short: "Show a stored resource",
		Long: `Show a stored resource as JSON.

With --at, the snapshot recorded at or before that RFC 3339 time is shown
instead of the current state.`,
		Args: cobra.ExactArgs(1),
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

			var r *engine.Resource
			if at != "" {
				ts, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("invalid --at time: %w", err)
				}
				r, err = store.GetResourceSnapshot(ctx, args[0], ts)
				if err != nil {
					return err
				}
			} else {
				r, err = store.GetResource(ctx, args[0])
				if err != nil {
					return err
				}
			}
			if r == nil {
				return fmt.Errorf("resource %s not found", args[0])
			}
			return printJSON(cmd.OutOrStdout(), r)
		},
	}

	cmd.Flags().StringVar(&at, "at", "", "show the snapshot as of this RFC 3339 time")

	return cmd
}

func newResourcesSearchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "search <id-prefix>",
		Short: "Find resources by id prefix",
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

			hits, err := store.SearchResourceIDPrefix(ctx, args[0])
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), hits)
			}
			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "ID\tTYPE")
			for _, hit := range hits {
				fmt.Fprintf(tw, "%s\t%s\n", hit.ID, hit.Type)
			}
			return tw.Flush()
		},
	}
}

func newResourcesUnlockCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "unlock <resource-id>",
		Short: "Release a lock left by an execution that no longer exists",
		Long: `Release the lock on a resource.

Locks are released by the executor when an execution completes. This command
only unlocks a resource whose owning execution is missing or already
complete, unless --force is given.`,
		Args: cobra.ExactArgs(1),
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

			r, err := store.GetResource(ctx, args[0])
			if err != nil {
				return err
			}
			if r == nil {
				return fmt.Errorf("resource %s not found", args[0])
			}
			if r.LockOwner == "" {
				fmt.Fprintf(cmd.OutOrStdout(), "Resource %s is not locked\n", r.ID)
				return nil
			}

			if !force {
				graph, err := store.GetExecutionGraph(ctx, r.LockOwner)
				if err != nil {
					return err
				}
				if graph != nil && !graph.IsComplete() {
					return fmt.Errorf("resource %s is held by running execution %s", r.ID, r.LockOwner)
				}
			}

			if err := store.UnlockResource(ctx, r.ID); err != nil {
				return err
			}
			if logger, err := telemetry.NewLogger(cfg.Telemetry.Logging); err == nil {
				logger.NewComponentLogger("cli").
					WithResourceID(r.ID).
					WithExecutionID(r.LockOwner).
					Zerolog().Warn().
					Bool("force", force).
					Msg("Resource lock released manually")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Released lock of %s held by %s\n", r.ID, r.LockOwner)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "unlock even if the owning execution is still running")

	return cmd
}

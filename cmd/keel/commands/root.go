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
	devMode    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "keel",
		Short: "Keel - graph reconciliation engine for infrastructure resources",
		Long: `Keel reconciles a graph of typed, interlinked infrastructure resources
toward a proposed desired state.

A change is submitted as a delta graph. Keel closes it against stored state,
validates edges and policies, plans one lifecycle process per resource, and
drives the plan to completion, applying edge changes only once both ends of
an edge have converged.

Resource types come from a catalog of CUE or YAML definitions; their tasks
run Starlark scripts, WASM plugins, or commands over SSH.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&devMode, "dev", false, "use development telemetry: debug console logs and stdout traces")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newServeCommand(version))
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newExecutionsCommand())
	rootCmd.AddCommand(newResourcesCommand())
	rootCmd.AddCommand(newAuditCommand())
	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}

func newVersionCommand(version, commit, buildDate string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]string{
					"version":    version,
					"commit":     commit,
					"build_date": buildDate,
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "keel %s (commit: %s, built: %s)\n", version, commit, buildDate)
			return nil
		},
	}
}

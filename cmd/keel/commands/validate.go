package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/keelhq/keel/pkg/config"
	"github.com/keelhq/keel/pkg/engine"
	"github.com/keelhq/keel/pkg/plugins"
	"github.com/keelhq/keel/pkg/policy"
	"github.com/keelhq/keel/pkg/transports/ssh"
)

func newValidateCommand() *cobra.Command {
	var deltaPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration, catalog, policies, and plugins",
		Long: `Validate everything the server loads at startup without touching the
database.

This command checks:
  - the configuration file
  - catalog type definitions, schemas, and plan scripts
  - custom policies
  - plugin manifests and modules

With -f, every resource of a delta graph is also checked against its type
schema and the policies. Edges and stored state are checked by 'keel plan'.`,
		Example: `  # Validate the configured workspace
  keel validate -c keel.yaml

  # Also check the resources of a delta
  keel validate -c keel.yaml -f delta.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			var delta map[string]*engine.Resource
			if deltaPath != "" {
				delta, err = readDelta(deltaPath, cmd.InOrStdin())
				if err != nil {
					return err
				}
			}
			return runValidate(cmd.Context(), cfg, delta, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&deltaPath, "file", "f", "", "delta graph whose resources to check")

	return cmd
}

func runValidate(ctx context.Context, cfg *config.Config, delta map[string]*engine.Resource, out io.Writer) error {
	logger := zerolog.Nop()
	fmt.Fprintln(out, "Configuration is valid")

	registry := engine.NewRegistry()
	evaluator := config.NewStarlarkEvaluator(cfg.Plugins.Timeout)
	command := ssh.NewCommandTask(ssh.Defaults{}, nil, logger)
	defer command.Close()
	upload := ssh.NewUploadTask(ssh.Defaults{}, nil, logger)
	defer upload.Close()
	for _, def := range []engine.TaskDefinition{config.NewStarlarkTask(evaluator), command, upload} {
		if err := registry.RegisterTaskDefinition(def); err != nil {
			return err
		}
	}

	if cfg.Plugins.Dir != "" {
		n, err := validatePlugins(ctx, cfg, registry, logger)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Plugins are valid (%d loaded)\n", n)
	}

	policies, err := policy.NewEngine(cfg.Policy, logger)
	if err != nil {
		return fmt.Errorf("invalid policy config: %w", err)
	}
	if cfg.Policy.Dir != "" {
		custom, err := policy.NewLoader(logger).LoadFromPaths([]string{cfg.Policy.Dir})
		if err != nil {
			return err
		}
		if err := policies.ReplaceCustomPolicies(ctx, custom); err != nil {
			return err
		}
		fmt.Fprintf(out, "Policies are valid (%d custom)\n", len(custom))
	}
	registry.RegisterValidator("policy", policies)

	schemas := config.NewSchemaRegistry()
	registry.RegisterValidator("schema", schemas)
	if cfg.Catalog.Path != "" {
		specs, err := config.NewCatalog(registry, schemas, evaluator, logger).Load(cfg.Catalog.Path)
		if err != nil {
			return err
		}
		if err := checkTaskReferences(specs, registry); err != nil {
			return err
		}
		fmt.Fprintf(out, "Catalog is valid (%d types)\n", len(specs))
	}

	if len(delta) == 0 {
		return nil
	}

	ids := make([]string, 0, len(delta))
	for id := range delta {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	failed := 0
	for _, id := range ids {
		r := delta[id]
		if _, err := registry.ResourceDefinition(r.Type); err != nil {
			fmt.Fprintf(out, "  %s: %v\n", id, err)
			failed++
			continue
		}
		for _, v := range registry.Validators() {
			if err := v.Validate(ctx, r); err != nil {
				fmt.Fprintf(out, "  %s: %v\n", id, err)
				failed++
			}
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d resource check(s) failed", failed)
	}
	fmt.Fprintf(out, "Delta resources are valid (%d)\n", len(ids))
	return nil
}

// validatePlugins compiles every plugin under the plugin directory and
// fails on the first manifest that does not load.
func validatePlugins(ctx context.Context, cfg *config.Config, registry *engine.Registry, logger zerolog.Logger) (int, error) {
	host := plugins.NewRegistry(plugins.HostConfig{
		Timeout:             cfg.Plugins.Timeout,
		MemoryLimitPages:    cfg.Plugins.MemoryLimitPages,
		AllowedCapabilities: cfg.Plugins.AllowedCapabilities,
	}, logger)
	defer host.Close(ctx)

	entries, err := os.ReadDir(cfg.Plugins.Dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read plugin directory: %w", err)
	}
	n := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(cfg.Plugins.Dir, entry.Name(), plugins.ManifestFileName)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if _, err := host.RegisterFromPath(ctx, path); err != nil {
			return n, err
		}
		n++
	}
	return n, host.RegisterTaskDefinitions(registry)
}

// checkTaskReferences fails when a catalog task names a task definition that
// is not registered.
func checkTaskReferences(specs []config.TypeSpec, registry *engine.Registry) error {
	for _, spec := range specs {
		for _, tmpl := range []*config.ProcessTemplate{spec.Create, spec.Update, spec.Delete} {
			if tmpl == nil {
				continue
			}
			for _, task := range tmpl.Tasks {
				if _, ok := registry.TaskDefinition(task.Definition); !ok {
					return fmt.Errorf("type %s: task %s uses unknown definition %q", spec.Type, task.ID, task.Definition)
				}
			}
		}
	}
	return nil
}

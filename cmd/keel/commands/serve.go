package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/keelhq/keel/pkg/config"
	"github.com/keelhq/keel/pkg/policy"
	"github.com/keelhq/keel/pkg/telemetry"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(version string) *cobra.Command {
	var noExecute bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the graph executor",
		Long: `Run the graph executor until interrupted.

The executor recovers every incomplete execution from the database, then
takes queued executions and advances them one tick at a time. When enabled,
the metrics endpoint is served and the catalog and policy directories are
watched for changes.`,
		Example: `  # Run with a config file
  keel serve -c keel.yaml

  # Serve metrics and reload the catalog without executing anything
  keel serve -c keel.yaml --no-execute`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Telemetry.ServiceVersion == "" {
				cfg.Telemetry.ServiceVersion = version
			}

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			return a.serve(ctx, !noExecute && cfg.Executor.Enabled)
		},
	}

	cmd.Flags().BoolVar(&noExecute, "no-execute", false, "do not start the executor")

	return cmd
}

// serve runs the background components until ctx is done.
func (a *app) serve(ctx context.Context, execute bool) error {
	errCh := make(chan error, 1)

	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.tel.Tracer.ForceFlush(flushCtx); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to flush spans")
		}
	}()

	if srv := a.tel.Metrics.NewMetricsServer(); srv != nil {
		go func() {
			a.logger.Info().Str("addr", srv.Addr).Msg("Serving metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server failed: %w", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if a.cfg.Catalog.Path != "" && a.cfg.Catalog.Watch {
		watcher := config.NewCatalogWatcher(a.catalog, a.cfg.Catalog.Path, a.logger)
		watcher.OnReload = func(_ []config.TypeSpec, err error) {
			if err != nil {
				a.tel.Metrics.RecordError("catalog", "reload")
			}
		}
		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("failed to watch catalog: %w", err)
		}
		defer watcher.Close()
	}

	if a.cfg.Policy.Dir != "" && a.cfg.Policy.Watch {
		loader := policy.NewLoader(a.logger)
		if err := loader.Watch(ctx, []string{a.cfg.Policy.Dir}, a.policies.ReplaceCustomPolicies); err != nil {
			return fmt.Errorf("failed to watch policies: %w", err)
		}
		defer loader.Close()
	}

	if a.tel.Config.Events.Enabled {
		a.tel.Events.Subscribe(func(ev telemetry.Event) {
			a.logger.Debug().
				Str("event", ev.Type).
				Str("execution_id", ev.ExecutionID).
				Msg("Execution event")
		}, nil)
	}

	if execute {
		if err := a.executor.Start(ctx); err != nil {
			return fmt.Errorf("failed to start executor: %w", err)
		}
		defer a.executor.Stop()
	}

	a.logger.Info().Bool("execute", execute).Msg("Keel server started")

	select {
	case <-ctx.Done():
		a.logger.Info().Msg("Shutting down")
		return nil
	case err := <-errCh:
		return err
	}
}

package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/keelhq/keel/pkg/audit"
	"github.com/keelhq/keel/pkg/config"
	"github.com/keelhq/keel/pkg/engine"
	"github.com/keelhq/keel/pkg/plugins"
	"github.com/keelhq/keel/pkg/policy"
	"github.com/keelhq/keel/pkg/stores"
	"github.com/keelhq/keel/pkg/telemetry"
	"github.com/keelhq/keel/pkg/transports/ssh"
)

// app holds every component built from one configuration.
type app struct {
	cfg      *config.Config
	tel      *telemetry.Telemetry
	logger   zerolog.Logger
	store    *stores.SQLiteStore
	queue    engine.ExecutionQueue
	registry *engine.Registry
	catalog  *config.Catalog
	policies *policy.Engine
	plugins  *plugins.Registry
	executor *engine.GraphExecutor
	engine   *engine.GraphEngine

	closers []func(context.Context) error
}

// loadConfig reads the --config file and applies --dev and --verbose.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if devMode {
		dev := telemetry.DevelopmentConfig()
		dev.ServiceVersion = cfg.Telemetry.ServiceVersion
		cfg.Telemetry = dev
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	return cfg, nil
}

// openStore opens and migrates the configured database.
func openStore(ctx context.Context, cfg *config.Config) (*stores.SQLiteStore, error) {
	if dir := filepath.Dir(cfg.Database.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            cfg.Database.Path,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		LeaseTTL:        cfg.Database.LeaseTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}

// newApp wires the store, task definitions, validators, catalog, audit sinks,
// executor, and graph engine from cfg.
func newApp(ctx context.Context, cfg *config.Config) (a *app, err error) {
	tel, err := telemetry.NewTelemetry(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	a = &app{
		cfg:    cfg,
		tel:    tel,
		logger: *tel.Logger.Zerolog(),
	}
	defer func() {
		if err != nil {
			a.Close(context.Background())
		}
	}()
	a.closers = append(a.closers, tel.Shutdown)

	a.store, err = openStore(ctx, cfg)
	if err != nil {
		return a, err
	}
	a.closers = append(a.closers, func(context.Context) error { return a.store.Close() })

	a.queue = a.store
	if cfg.Executor.InMemoryQueue {
		a.queue = stores.NewMemoryQueue()
	}

	a.registry = engine.NewRegistry()
	if err := a.registerTasks(ctx); err != nil {
		return a, err
	}
	if err := a.registerValidators(ctx); err != nil {
		return a, err
	}

	schemas := config.NewSchemaRegistry()
	a.registry.RegisterValidator("schema", schemas)

	a.catalog = config.NewCatalog(a.registry, schemas, config.NewStarlarkEvaluator(cfg.Plugins.Timeout), a.logger)
	if cfg.Catalog.Path != "" {
		specs, err := a.catalog.Load(cfg.Catalog.Path)
		if err != nil {
			return a, fmt.Errorf("failed to load catalog: %w", err)
		}
		a.logger.Info().Int("types", len(specs)).Str("path", cfg.Catalog.Path).Msg("Catalog loaded")
	}

	sink, err := a.auditSink()
	if err != nil {
		return a, err
	}

	a.executor, err = engine.NewGraphExecutor(engine.GraphExecutorConfig{
		Resources:    a.store,
		States:       a.store,
		Queue:        a.queue,
		Tasks:        telemetry.InstrumentTaskRuntime(engine.NewCoreTaskRuntime(a.registry, a.logger), tel.Tracer, tel.Metrics).WithLogger(tel.Logger),
		Audit:        sink,
		Notifier:     tel.Events,
		Logger:       &a.logger,
		Metrics:      tel.Metrics,
		Tracer:       tel.Tracer.Tracer(),
		Workers:      cfg.Executor.Workers,
		PollInterval: cfg.Executor.PollInterval,
	})
	if err != nil {
		return a, fmt.Errorf("failed to create executor: %w", err)
	}

	a.engine, err = engine.NewGraphEngine(engine.GraphEngineConfig{
		Registry:      a.registry,
		Resources:     a.store,
		Submitter:     a.executor,
		Logger:        &a.logger,
		Metrics:       tel.Metrics,
		Tracer:        tel.Tracer.Tracer(),
		MaxIterations: cfg.Executor.MaxPlanIterations,
	})
	if err != nil {
		return a, fmt.Errorf("failed to create graph engine: %w", err)
	}

	return a, nil
}

func (a *app) registerTasks(ctx context.Context) error {
	evaluator := config.NewStarlarkEvaluator(a.cfg.Plugins.Timeout)
	if err := a.registry.RegisterTaskDefinition(config.NewStarlarkTask(evaluator)); err != nil {
		return err
	}

	defaults := ssh.Defaults{
		User:           a.cfg.SSH.User,
		KeyPath:        a.cfg.SSH.KeyPath,
		KnownHostsPath: a.cfg.SSH.KnownHostsPath,
		ConnectTimeout: a.cfg.SSH.ConnectTimeout,
	}
	command := ssh.NewCommandTask(defaults, nil, a.logger)
	upload := ssh.NewUploadTask(defaults, nil, a.logger)
	a.closers = append(a.closers,
		func(context.Context) error { return command.Close() },
		func(context.Context) error { return upload.Close() },
	)
	if err := a.registry.RegisterTaskDefinition(command); err != nil {
		return err
	}
	if err := a.registry.RegisterTaskDefinition(upload); err != nil {
		return err
	}

	if a.cfg.Plugins.Dir == "" {
		return nil
	}
	a.plugins = plugins.NewRegistry(plugins.HostConfig{
		Timeout:             a.cfg.Plugins.Timeout,
		MemoryLimitPages:    a.cfg.Plugins.MemoryLimitPages,
		AllowedCapabilities: a.cfg.Plugins.AllowedCapabilities,
	}, a.logger)
	a.closers = append(a.closers, a.plugins.Close)

	n, err := a.plugins.ScanDirectory(ctx, a.cfg.Plugins.Dir)
	if err != nil {
		return fmt.Errorf("failed to load plugins: %w", err)
	}
	if err := a.plugins.RegisterTaskDefinitions(a.registry); err != nil {
		return err
	}
	a.logger.Info().Int("plugins", n).Str("dir", a.cfg.Plugins.Dir).Msg("Plugins loaded")
	return nil
}

func (a *app) registerValidators(ctx context.Context) error {
	var err error
	a.policies, err = policy.NewEngine(a.cfg.Policy, a.logger)
	if err != nil {
		return fmt.Errorf("failed to create policy engine: %w", err)
	}

	if a.cfg.Policy.Dir != "" {
		custom, err := policy.NewLoader(a.logger).LoadFromPaths([]string{a.cfg.Policy.Dir})
		if err != nil {
			return fmt.Errorf("failed to load policies: %w", err)
		}
		if err := a.policies.ReplaceCustomPolicies(ctx, custom); err != nil {
			return err
		}
	}

	a.registry.RegisterValidator("policy", a.policies)
	return nil
}

func (a *app) auditSink() (engine.AuditSink, error) {
	sinks := audit.Multi{audit.NewLogSink(a.logger)}

	if a.cfg.Audit.File != "" {
		file, err := audit.OpenFile(a.cfg.Audit.File)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return file.Close() })
		sinks = append(sinks, file)
	}
	if a.cfg.Audit.Store {
		sinks = append(sinks, a.store)
	}
	return sinks, nil
}

// Close releases components in reverse order of construction.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

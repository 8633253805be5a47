// Package telemetry provides observability for Keel.
//
// It combines structured logging (zerolog), distributed tracing
// (OpenTelemetry), Prometheus metrics, and execution lifecycle events.
//
// # Usage
//
// Initialize telemetry at startup and hand the pieces to the engine:
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	executor, err := engine.NewGraphExecutor(engine.GraphExecutorConfig{
//	    Logger:   tel.Logger.NewComponentLogger("executor").Zerolog(),
//	    Metrics:  tel.Metrics,
//	    Tracer:   tel.Tracer.Tracer(),
//	    Notifier: tel.Events,
//	    Tasks:    telemetry.InstrumentTaskRuntime(runtime, tel.Tracer, tel.Metrics),
//	    // stores ...
//	})
//
// # Logging
//
// Loggers carry execution and resource fields:
//
//	logger := tel.Logger.NewComponentLogger("executor").
//	    WithExecutionID(graph.ExecutionID).
//	    WithResourceID("orders")
//	logger.Zerolog().Info().Msg("vertex succeeded")
//
// # Metrics
//
// Metrics implements engine.Metrics. Counters and histograms cover planning
// (calls, substitution passes, non-convergence, lock conflicts), execution
// (ticks, completions, active graphs), task calls, and classified errors.
// NewMetricsServer exposes them over HTTP for Prometheus to scrape.
//
// # Events
//
// EventPublisher implements engine.Notifier and turns every completed
// execution into an execution.succeeded, execution.failed, or
// execution.cancelled event for subscribers.
package telemetry

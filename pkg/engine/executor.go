package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultPollInterval is how long an idle worker waits before taking again.
const DefaultPollInterval = time.Second

// GraphExecutorConfig wires a GraphExecutor.
type GraphExecutorConfig struct {
	// Resources persists resources and releases locks.
	Resources ResourceStore

	// States persists execution graphs and resource snapshots.
	States StateStore

	// Queue hands execution ids to workers.
	Queue ExecutionQueue

	// Tasks dispatches task executions.
	Tasks TaskRuntime

	// Audit records completed graphs. Optional.
	Audit AuditSink

	// Notifier tells requesters about completed graphs. Optional.
	Notifier Notifier

	// Logger defaults to a disabled logger.
	Logger *zerolog.Logger

	// Metrics defaults to NopMetrics.
	Metrics Metrics

	// Tracer defaults to the global OpenTelemetry tracer.
	Tracer trace.Tracer

	// Workers is the number of independent scheduling loops. Defaults to 1.
	Workers int

	// PollInterval is the idle back-off. Defaults to DefaultPollInterval.
	PollInterval time.Duration
}

// GraphExecutor drives persisted execution graphs to completion. Each worker
// loop takes an id from the queue, ticks the graph once, and either re-queues
// it or finalizes it.
type GraphExecutor struct {
	resources    ResourceStore
	states       StateStore
	queue        ExecutionQueue
	tasks        TaskRuntime
	audit        AuditSink
	notifier     Notifier
	logger       zerolog.Logger
	metrics      Metrics
	tracer       trace.Tracer
	workers      int
	pollInterval time.Duration

	// mu protects inFlight.
	mu sync.Mutex

	// inFlight holds the ids currently being ticked by a worker of this process.
	inFlight map[string]struct{}

	cancel   context.CancelFunc
	loops    sync.WaitGroup
	auditing sync.WaitGroup
}

// NewGraphExecutor creates an executor from cfg.
func NewGraphExecutor(cfg GraphExecutorConfig) (*GraphExecutor, error) {
	if cfg.Resources == nil || cfg.States == nil || cfg.Queue == nil || cfg.Tasks == nil {
		return nil, fmt.Errorf("graph executor requires resource store, state store, queue, and task runtime")
	}

	e := &GraphExecutor{
		resources:    cfg.Resources,
		states:       cfg.States,
		queue:        cfg.Queue,
		tasks:        cfg.Tasks,
		audit:        cfg.Audit,
		notifier:     cfg.Notifier,
		logger:       zerolog.Nop(),
		metrics:      cfg.Metrics,
		tracer:       cfg.Tracer,
		workers:      cfg.Workers,
		pollInterval: cfg.PollInterval,
		inFlight:     make(map[string]struct{}),
	}
	if cfg.Logger != nil {
		e.logger = cfg.Logger.With().Str("component", "executor").Logger()
	}
	if e.metrics == nil {
		e.metrics = NopMetrics{}
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer("github.com/keelhq/keel/pkg/engine")
	}
	if e.workers <= 0 {
		e.workers = 1
	}
	if e.pollInterval <= 0 {
		e.pollInterval = DefaultPollInterval
	}
	return e, nil
}

// Submit stamps the start time of a new graph, persists it, and enqueues it.
func (e *GraphExecutor) Submit(ctx context.Context, graph *ExecutionGraph) error {
	graph.StartTime = time.Now()
	if err := e.states.SaveExecutionGraph(ctx, graph); err != nil {
		return fmt.Errorf("failed to save execution graph: %w", err)
	}
	if err := e.queue.Add(ctx, graph.ExecutionID); err != nil {
		return fmt.Errorf("failed to enqueue execution graph: %w", err)
	}

	e.logger.Info().
		Str("execution_id", graph.ExecutionID).
		Str("requester", graph.Requester).
		Strs("frontier", graph.Frontier).
		Msg("Execution graph submitted")
	return nil
}

// Start re-queues every incomplete graph and launches the worker loops. It
// returns once the loops are running; Stop ends them.
func (e *GraphExecutor) Start(ctx context.Context) error {
	ids, err := e.states.ListIncompleteExecutionIDs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list incomplete executions: %w", err)
	}
	if err := e.queue.Bootstrap(ctx, ids); err != nil {
		return fmt.Errorf("failed to bootstrap execution queue: %w", err)
	}
	e.logger.Info().
		Int("recovered", len(ids)).
		Int("workers", e.workers).
		Dur("poll_interval", e.pollInterval).
		Msg("Starting graph executor")

	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	for i := 0; i < e.workers; i++ {
		e.loops.Add(1)
		go func(worker int) {
			defer e.loops.Done()
			e.loop(loopCtx, worker)
		}(i)
	}
	return nil
}

// Stop cancels the worker loops and waits for them and any pending audits.
func (e *GraphExecutor) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.loops.Wait()
	e.auditing.Wait()
	e.logger.Info().Msg("Graph executor stopped")
}

func (e *GraphExecutor) loop(ctx context.Context, worker int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		worked, err := e.Step(ctx)
		if err != nil {
			e.logger.Debug().Err(err).Int("worker", worker).Msg("Scheduling step reported an error")
		}
		if worked {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(e.pollInterval):
		}
	}
}

// Step runs one scheduling iteration. It reports false when the queue was empty.
func (e *GraphExecutor) Step(ctx context.Context) (bool, error) {
	id, ok, err := e.queue.Take(ctx)
	if err != nil {
		e.logger.Error().Err(err).Msg("Failed to take from execution queue")
		return false, err
	}
	if !ok {
		return false, nil
	}

	if !e.claim(id) {
		// the worker holding the claim re-queues the id when its tick ends
		return true, nil
	}
	defer e.release(id)

	graph, err := e.states.GetExecutionGraph(ctx, id)
	if err != nil {
		e.logger.Error().Err(err).Str("execution_id", id).Msg("Failed to load execution graph")
		if addErr := e.queue.Add(ctx, id); addErr != nil {
			e.logger.Error().Err(addErr).Str("execution_id", id).Msg("Failed to re-queue execution graph")
		}
		return true, err
	}
	if graph == nil {
		e.logger.Warn().Str("execution_id", id).Msg("Execution graph not found, dropping it from the queue")
		return true, nil
	}
	if graph.IsComplete() {
		return true, e.queue.Delete(ctx, id)
	}

	tickErr := e.tick(ctx, graph)

	if graph.IsComplete() {
		e.complete(ctx, graph)
	}

	if err := e.states.SaveExecutionGraph(ctx, graph); err != nil {
		e.logger.Error().Err(err).Str("execution_id", id).Msg("Failed to save execution graph")
		if !graph.IsComplete() {
			if addErr := e.queue.Add(ctx, id); addErr != nil {
				e.logger.Error().Err(addErr).Str("execution_id", id).Msg("Failed to re-queue execution graph")
			}
		}
		return true, err
	}

	if !graph.IsComplete() {
		if err := e.queue.Add(ctx, id); err != nil {
			e.logger.Error().Err(err).Str("execution_id", id).Msg("Failed to re-queue execution graph")
			return true, err
		}
	}
	return true, tickErr
}

func (e *GraphExecutor) tick(ctx context.Context, graph *ExecutionGraph) (err error) {
	ctx, span := e.tracer.Start(ctx, "executor.tick",
		trace.WithAttributes(
			attribute.String("execution_id", graph.ExecutionID),
			attribute.Int("frontier.size", len(graph.Frontier)),
		))
	defer span.End()

	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			err = NewInvariantError(fmt.Sprintf("tick panicked: %v", rec))
		}
		status := "ok"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			recordError(e.metrics, err)
			e.logger.Error().
				Err(err).
				Str("execution_id", graph.ExecutionID).
				Bool("invariant_violation", IsInvariantViolation(err)).
				Msg("Execution graph tick failed")
		}
		e.metrics.RecordTick(status, time.Since(start))
	}()

	return graph.Tick(ctx, &GraphRuntime{
		Resources: e.resources,
		Snapshots: e.states,
		Tasks:     e.tasks,
		Logger:    e.logger,
	})
}

// complete releases everything a finished graph holds and reports it.
func (e *GraphExecutor) complete(ctx context.Context, graph *ExecutionGraph) {
	id := graph.ExecutionID
	ctx, span := e.tracer.Start(ctx, "executor.complete",
		trace.WithAttributes(
			attribute.String("execution_id", id),
			attribute.String("status", string(graph.Status)),
		))
	defer span.End()

	if err := e.queue.Delete(ctx, id); err != nil {
		e.logger.Error().Err(err).Str("execution_id", id).Msg("Failed to delete execution graph from queue")
	}
	if err := e.resources.UnlockResources(ctx, graph.ResourceIDs()); err != nil {
		e.logger.Error().Err(err).Str("execution_id", id).Msg("Failed to release execution graph locks")
	}
	graph.EndTime = time.Now()

	e.logger.Info().
		Str("execution_id", id).
		Str("requester", graph.Requester).
		Str("status", string(graph.Status)).
		Dur("duration", graph.EndTime.Sub(graph.StartTime)).
		Msg("Execution graph completed")
	e.metrics.RecordExecutionCompleted(string(graph.Status), graph.EndTime.Sub(graph.StartTime))

	if e.audit != nil {
		auditCtx := context.WithoutCancel(ctx)
		e.auditing.Add(1)
		go func() {
			defer e.auditing.Done()
			if err := e.audit.Audit(auditCtx, graph); err != nil {
				e.logger.Warn().Err(err).Str("execution_id", id).Msg("Failed to audit execution graph")
			}
		}()
	}
	if e.notifier != nil {
		e.notifier.NotifyCompletion(ctx, graph)
	}
}

func (e *GraphExecutor) claim(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inFlight[id]; busy {
		return false
	}
	e.inFlight[id] = struct{}{}
	e.metrics.SetActiveExecutions(float64(len(e.inFlight)))
	return true
}

func (e *GraphExecutor) release(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inFlight, id)
	e.metrics.SetActiveExecutions(float64(len(e.inFlight)))
}

package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keelhq/keel/pkg/engine"
)

// InstrumentedTaskRuntime wraps an engine.TaskRuntime with a span and a metric
// sample around every start and poll.
type InstrumentedTaskRuntime struct {
	next    engine.TaskRuntime
	tracer  *Tracer
	metrics *Metrics
	logger  *Logger
}

var _ engine.TaskRuntime = (*InstrumentedTaskRuntime)(nil)

// InstrumentTaskRuntime wraps next. Nil tracer or metrics are skipped.
func InstrumentTaskRuntime(next engine.TaskRuntime, tracer *Tracer, metrics *Metrics) *InstrumentedTaskRuntime {
	return &InstrumentedTaskRuntime{next: next, tracer: tracer, metrics: metrics}
}

// WithLogger logs every call at debug level to logger.
func (r *InstrumentedTaskRuntime) WithLogger(logger *Logger) *InstrumentedTaskRuntime {
	r.logger = logger.NewComponentLogger("task_calls")
	return r
}

// StartExecution starts the task through the wrapped runtime.
func (r *InstrumentedTaskRuntime) StartExecution(ctx context.Context, definitionID, taskID string, process *engine.LifecycleProcess) *engine.StatusUpdate {
	return r.observe(ctx, definitionID, taskID, "start", process, r.next.StartExecution)
}

// CheckStatus polls the task through the wrapped runtime.
func (r *InstrumentedTaskRuntime) CheckStatus(ctx context.Context, definitionID, taskID string, process *engine.LifecycleProcess) *engine.StatusUpdate {
	return r.observe(ctx, definitionID, taskID, "poll", process, r.next.CheckStatus)
}

type taskCall func(ctx context.Context, definitionID, taskID string, process *engine.LifecycleProcess) *engine.StatusUpdate

func (r *InstrumentedTaskRuntime) observe(ctx context.Context, definitionID, taskID, operation string, process *engine.LifecycleProcess, call taskCall) *engine.StatusUpdate {
	timer := NewTimer()

	var span trace.Span
	if r.tracer != nil {
		ctx, span = r.tracer.StartTaskSpan(ctx, definitionID, taskID, operation)
		if process != nil {
			span.SetAttributes(AttrExecutionID.String(process.ExecutionID))
		}
		defer span.End()
	}

	update := call(ctx, definitionID, taskID, process)

	status := "unchanged"
	if update != nil {
		status = string(update.Status)
	}
	if span != nil {
		span.SetAttributes(AttrTaskStatus.String(status))
		if update != nil && update.Status == engine.StatusFailed {
			span.SetStatus(codes.Error, update.Stderr)
		}
	}
	if r.metrics != nil {
		r.metrics.RecordTaskCall(definitionID, operation, status, timer.Duration())
	}
	if r.logger != nil {
		l := r.logger.WithTask(taskID, definitionID)
		if process != nil {
			l = l.WithExecutionID(process.ExecutionID)
		}
		l.Zerolog().Debug().
			Str("operation", operation).
			Str("status", status).
			Dur("duration", timer.Duration()).
			Msg("Task call")
	}
	return update
}

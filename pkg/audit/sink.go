package audit

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/keelhq/keel/pkg/engine"
)

// LogSink writes each finished graph as one log event.
type LogSink struct {
	logger zerolog.Logger
}

var _ engine.AuditSink = (*LogSink)(nil)

// NewLogSink creates a sink logging to logger.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "audit").Logger()}
}

// Audit implements engine.AuditSink.
func (s *LogSink) Audit(ctx context.Context, graph *engine.ExecutionGraph) error {
	rec := NewTracedRecord(ctx, graph)

	event := s.logger.Info()
	if rec.Status.IsFailure() {
		event = s.logger.Warn()
	}

	counts := zerolog.Dict()
	for status, n := range rec.Counts() {
		counts.Int(string(status), n)
	}

	failed := zerolog.Arr()
	for _, rr := range rec.Resources {
		for _, f := range rr.FailedTasks {
			failed.Str(rr.ID + "/" + f.TaskID + ": " + f.Error)
		}
	}

	event.
		Str("execution_id", rec.ExecutionID).
		Str("requester", rec.Requester).
		Str("trace_id", rec.TraceID).
		Str("status", string(rec.Status)).
		Int64("duration_ms", rec.DurationMS).
		Dict("resources", counts).
		Array("failed_tasks", failed).
		Msg("Execution audited")
	return nil
}

// Multi sends every graph to all of its sinks. A failing sink does not stop
// the others; their errors are joined.
type Multi []engine.AuditSink

var _ engine.AuditSink = Multi(nil)

// Audit implements engine.AuditSink.
func (m Multi) Audit(ctx context.Context, graph *engine.ExecutionGraph) error {
	var errs []error
	for i, sink := range m {
		if err := sink.Audit(ctx, graph); err != nil {
			errs = append(errs, fmt.Errorf("audit sink %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

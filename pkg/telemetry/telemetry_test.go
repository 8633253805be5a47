package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/keelhq/keel/pkg/engine"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "default", mutate: func(*Config) {}},
		{name: "development", mutate: func(c *Config) { *c = *DevelopmentConfig() }},
		{name: "missing service", mutate: func(c *Config) { c.ServiceName = "" }, wantErr: "service name"},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: "invalid log level"},
		{name: "bad format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: "invalid log format"},
		{
			name: "bad exporter",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.Exporter = "jaeger"
			},
			wantErr: "invalid trace exporter",
		},
		{
			name: "otlp without endpoint",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.Exporter = "otlp"
			},
			wantErr: "endpoint is required",
		},
		{name: "bad sampling", mutate: func(c *Config) { c.Tracing.SamplingRate = 2 }, wantErr: "sampling rate"},
		{name: "zero buffer", mutate: func(c *Config) { c.Events.BufferSize = 0 }, wantErr: "buffer size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Expected valid config, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "debug", Format: "json"}, &buf)

	logger.NewComponentLogger("executor").
		WithExecutionID("alice_1").
		WithRequester("alice").
		WithResourceID("orders").
		WithTask("work", "sshCommand").
		Zerolog().Info().Msg("vertex started")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("Expected one JSON line, got %q: %v", buf.String(), err)
	}

	want := map[string]string{
		"component":       "executor",
		"execution_id":    "alice_1",
		"requester":       "alice",
		"resource_id":     "orders",
		"task_id":         "work",
		"task_definition": "sshCommand",
		"message":         "vertex started",
		"level":           "info",
	}
	for k, v := range want {
		if line[k] != v {
			t.Errorf("Expected %s=%q, got %v", k, v, line[k])
		}
	}
}

func TestLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "warn", Format: "json"}, &buf)

	logger.Zerolog().Info().Msg("hidden")
	logger.Zerolog().Debug().Msg("hidden too")
	if buf.Len() != 0 {
		t.Fatalf("Expected nothing below warn, got %q", buf.String())
	}

	logger.Zerolog().Warn().Msg("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("Expected warning to be logged, got %q", buf.String())
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"trace":   zerolog.TraceLevel,
		"debug":   zerolog.DebugLevel,
		"warn":    zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"unknown": zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := ParseLogLevel(in); got != want {
			t.Errorf("ParseLogLevel(%q): expected %s, got %s", in, want, got)
		}
	}
}

func TestFromContext(t *testing.T) {
	logger := NewLoggerWithWriter(LoggingConfig{Level: "info"}, &bytes.Buffer{})
	ctx := logger.WithContext(context.Background())
	if FromContext(ctx) != logger {
		t.Error("Expected logger from context")
	}
	if FromContext(context.Background()) == nil {
		t.Error("Expected default logger")
	}
}

func counterValue(t *testing.T, m *Metrics, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, metric := range mf.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue metrics
				}
			}
			if metric.GetCounter() != nil {
				return metric.GetCounter().GetValue()
			}
			if metric.GetGauge() != nil {
				return metric.GetGauge().GetValue()
			}
			return float64(metric.GetHistogram().GetSampleCount())
		}
	}
	return 0
}

func TestMetricsImplementEngineMetrics(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "keel"})
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	m.RecordPlan("success", 2, 10*time.Millisecond)
	m.RecordPlan("success", 1, 5*time.Millisecond)
	m.RecordPlanNonConvergence()
	m.RecordLockConflict()
	m.RecordTick("running", time.Millisecond)
	m.RecordExecutionCompleted("succeeded", time.Second)
	m.SetActiveExecutions(3)
	m.RecordTaskCall("sshCommand", "start", "running", time.Millisecond)
	m.RecordError("conflict", "LOCK_CONFLICT")

	tests := []struct {
		name   string
		labels map[string]string
		want   float64
	}{
		{name: "keel_plans_total", labels: map[string]string{"status": "success"}, want: 2},
		{name: "keel_plan_iterations", want: 2},
		{name: "keel_plan_non_convergence_total", want: 1},
		{name: "keel_lock_conflicts_total", want: 1},
		{name: "keel_execution_ticks_total", labels: map[string]string{"status": "running"}, want: 1},
		{name: "keel_executions_completed_total", labels: map[string]string{"status": "succeeded"}, want: 1},
		{name: "keel_active_executions", want: 3},
		{name: "keel_task_calls_total", labels: map[string]string{"task_definition": "sshCommand", "operation": "start", "status": "running"}, want: 1},
		{name: "keel_errors_by_code_total", labels: map[string]string{"code": "LOCK_CONFLICT"}, want: 1},
	}
	for _, tt := range tests {
		if got := counterValue(t, m, tt.name, tt.labels); got != tt.want {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.want, got)
		}
	}
}

func TestDisabledMetrics(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	// no-ops, must not panic
	m.RecordPlan("success", 1, time.Millisecond)
	m.RecordTick("running", time.Millisecond)
	m.RecordError("transient", "")

	if m.NewMetricsServer() != nil {
		t.Error("Expected no server when metrics are disabled")
	}
	if m.Registry() != nil {
		t.Error("Expected no registry when metrics are disabled")
	}
}

func TestEventPublisherNotifiesCompletion(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 10, MaxBatchSize: 4, EnableAsync: true})
	if err != nil {
		t.Fatalf("NewEventPublisher failed: %v", err)
	}

	var mu sync.Mutex
	var got []Event
	ep.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e)
	}, FilterByRequester("alice"))

	start := time.Now()
	ep.NotifyCompletion(context.Background(), &engine.ExecutionGraph{
		ExecutionID: "alice_1",
		Requester:   "alice",
		Status:      engine.StatusCancelled,
		StartTime:   start,
		EndTime:     start.Add(2 * time.Second),
	})
	ep.NotifyCompletion(context.Background(), &engine.ExecutionGraph{
		ExecutionID: "bob_1",
		Requester:   "bob",
		Status:      engine.StatusSucceeded,
	})

	if err := ep.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("Expected 1 event for alice, got %d", len(got))
	}
	e := got[0]
	if e.Type != EventTypeExecutionCancelled || e.Level != EventLevelWarning {
		t.Errorf("Expected cancelled warning, got %s/%s", e.Type, e.Level)
	}
	if e.ID == "" || e.Timestamp.IsZero() {
		t.Error("Expected id and timestamp to be set")
	}
	if e.Data["duration"] != 2.0 {
		t.Errorf("Expected duration 2s, got %v", e.Data["duration"])
	}

	if err := ep.Publish(Event{Type: "late"}); err == nil {
		t.Error("Expected publish after shutdown to fail")
	}
}

func TestFilters(t *testing.T) {
	warn := Event{Type: EventTypeExecutionCancelled, Level: EventLevelWarning}
	if !FilterByLevel(EventLevelInfo)(warn) || FilterByLevel(EventLevelError)(warn) {
		t.Error("Level filter mismatch")
	}
	if !FilterByType(EventTypeExecutionCancelled)(warn) || FilterByType(EventTypeExecutionFailed)(warn) {
		t.Error("Type filter mismatch")
	}
}

type stubRuntime struct {
	update *engine.StatusUpdate
	calls  int
}

func (s *stubRuntime) StartExecution(ctx context.Context, definitionID, taskID string, process *engine.LifecycleProcess) *engine.StatusUpdate {
	s.calls++
	return s.update
}

func (s *stubRuntime) CheckStatus(ctx context.Context, definitionID, taskID string, process *engine.LifecycleProcess) *engine.StatusUpdate {
	s.calls++
	return nil
}

func TestInstrumentTaskRuntime(t *testing.T) {
	m, _ := NewMetrics(MetricsConfig{Enabled: true, Namespace: "keel"})
	tracer, err := NewTracer(TracingConfig{Enabled: false}, "keel", "test", "test", nil)
	if err != nil {
		t.Fatalf("NewTracer failed: %v", err)
	}
	stub := &stubRuntime{update: engine.NewStatusUpdate(engine.StatusRunning)}
	rt := InstrumentTaskRuntime(stub, tracer, m)

	process := engine.NewLifecycleProcess("work", nil)
	if got := rt.StartExecution(context.Background(), "sshCommand", "work", process); got != stub.update {
		t.Errorf("Expected update to pass through, got %v", got)
	}
	if got := rt.CheckStatus(context.Background(), "sshCommand", "work", process); got != nil {
		t.Errorf("Expected nil poll update, got %v", got)
	}
	if stub.calls != 2 {
		t.Errorf("Expected 2 calls, got %d", stub.calls)
	}

	start := counterValue(t, m, "keel_task_calls_total", map[string]string{"task_definition": "sshCommand", "operation": "start", "status": "running"})
	poll := counterValue(t, m, "keel_task_calls_total", map[string]string{"task_definition": "sshCommand", "operation": "poll", "status": "unchanged"})
	if start != 1 || poll != 1 {
		t.Errorf("Expected one start and one poll sample, got %v and %v", start, poll)
	}

	// nil tracer and metrics are tolerated
	bare := InstrumentTaskRuntime(stub, nil, nil)
	_ = bare.StartExecution(context.Background(), "sshCommand", "work", process)
}

func TestInstrumentTaskRuntimeLogsCalls(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "debug", Format: "json"}, &buf)
	stub := &stubRuntime{update: engine.NewStatusUpdate(engine.StatusFailed)}
	rt := InstrumentTaskRuntime(stub, nil, nil).WithLogger(logger)

	process := engine.NewLifecycleProcess("work", nil)
	process.ExecutionID = "alice_1"
	_ = rt.StartExecution(context.Background(), "sshCommand", "work", process)

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("Expected one JSON line, got %q: %v", buf.String(), err)
	}
	want := map[string]string{
		"component":       "task_calls",
		"execution_id":    "alice_1",
		"task_id":         "work",
		"task_definition": "sshCommand",
		"operation":       "start",
		"status":          "failed",
		"level":           "debug",
	}
	for k, v := range want {
		if line[k] != v {
			t.Errorf("Expected %s=%q, got %v", k, v, line[k])
		}
	}
}

func TestNewTelemetry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Output = "stderr"
	tel, err := NewTelemetry(cfg)
	if err != nil {
		t.Fatalf("NewTelemetry failed: %v", err)
	}
	ctx := tel.WithContext(context.Background())
	if FromTelemetryContext(ctx) != tel {
		t.Error("Expected telemetry from context")
	}

	op := StartOperation(ctx, "plan")
	if op.Logger == nil || op.Timer == nil {
		t.Fatal("Expected logger and timer")
	}
	op.End(nil)

	if err := tel.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}

	bad := DefaultConfig()
	bad.ServiceName = ""
	if _, err := NewTelemetry(bad); err == nil {
		t.Error("Expected invalid config to be rejected")
	}
}

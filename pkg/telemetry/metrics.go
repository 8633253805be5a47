package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keelhq/keel/pkg/engine"
)

// Metrics provides Prometheus metrics for Keel. It implements engine.Metrics.
// A Metrics built from a disabled config records nothing.
type Metrics struct {
	config MetricsConfig

	// Planning metrics
	plans             *prometheus.CounterVec
	planIterations    prometheus.Histogram
	planDuration      *prometheus.HistogramVec
	planNonConvergent prometheus.Counter
	lockConflicts     prometheus.Counter

	// Execution metrics
	ticks               *prometheus.CounterVec
	tickDuration        *prometheus.HistogramVec
	executionsCompleted *prometheus.CounterVec
	executionDuration   *prometheus.HistogramVec
	activeExecutions    prometheus.Gauge

	// Task metrics
	taskCalls    *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	registry *prometheus.Registry
}

var _ engine.Metrics = (*Metrics)(nil)

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		plans: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plans_total",
				Help:      "Total number of planning calls by outcome",
			},
			[]string{"status"},
		),
		planIterations: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "plan_iterations",
				Help:      "Id substitution passes needed per planning call",
				Buckets:   []float64{1, 2, 3, 5, 8, 13, 21, 34},
			},
		),
		planDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "plan_duration_seconds",
				Help:      "Duration of planning calls in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		planNonConvergent: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plan_non_convergence_total",
				Help:      "Planning calls that stopped at the iteration cap",
			},
		),
		lockConflicts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lock_conflicts_total",
				Help:      "Plans rejected because a resource was locked by another execution",
			},
		),

		ticks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "execution_ticks_total",
				Help:      "Total number of execution graph ticks",
			},
			[]string{"status"},
		),
		tickDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_tick_duration_seconds",
				Help:      "Duration of execution graph ticks in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		executionsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_completed_total",
				Help:      "Total number of execution graphs that reached a terminal status",
			},
			[]string{"status"},
		),
		executionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_seconds",
				Help:      "Wall time from submission to completion in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
			},
			[]string{"status"},
		),
		activeExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_executions",
				Help:      "Execution graphs being ticked right now",
			},
		),

		taskCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_calls_total",
				Help:      "Total number of task definition calls",
			},
			[]string{"task_definition", "operation", "status"},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_call_duration_seconds",
				Help:      "Duration of task definition calls in seconds",
				Buckets:   buckets,
			},
			[]string{"task_definition", "operation"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.plans,
		m.planIterations,
		m.planDuration,
		m.planNonConvergent,
		m.lockConflicts,
		m.ticks,
		m.tickDuration,
		m.executionsCompleted,
		m.executionDuration,
		m.activeExecutions,
		m.taskCalls,
		m.taskDuration,
		m.errorsByClass,
		m.errorsByCode,
	)

	return m, nil
}

// Planning Metrics

// RecordPlan observes one planning call.
func (m *Metrics) RecordPlan(status string, iterations int, duration time.Duration) {
	if m.plans == nil {
		return
	}
	m.plans.WithLabelValues(status).Inc()
	m.planIterations.Observe(float64(iterations))
	m.planDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordPlanNonConvergence counts planning calls that hit the iteration cap.
func (m *Metrics) RecordPlanNonConvergence() {
	if m.planNonConvergent == nil {
		return
	}
	m.planNonConvergent.Inc()
}

// RecordLockConflict counts plans rejected by a lock conflict.
func (m *Metrics) RecordLockConflict() {
	if m.lockConflicts == nil {
		return
	}
	m.lockConflicts.Inc()
}

// Execution Metrics

// RecordTick observes one execution graph tick.
func (m *Metrics) RecordTick(status string, duration time.Duration) {
	if m.ticks == nil {
		return
	}
	m.ticks.WithLabelValues(status).Inc()
	m.tickDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordExecutionCompleted observes a graph reaching a terminal status.
func (m *Metrics) RecordExecutionCompleted(status string, duration time.Duration) {
	if m.executionsCompleted == nil {
		return
	}
	m.executionsCompleted.WithLabelValues(status).Inc()
	m.executionDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// SetActiveExecutions sets the number of graphs being ticked.
func (m *Metrics) SetActiveExecutions(count float64) {
	if m.activeExecutions == nil {
		return
	}
	m.activeExecutions.Set(count)
}

// Task Metrics

// RecordTaskCall records one start or poll of a task definition.
func (m *Metrics) RecordTaskCall(definitionID, operation, status string, duration time.Duration) {
	if m.taskCalls == nil {
		return
	}
	m.taskCalls.WithLabelValues(definitionID, operation, status).Inc()
	m.taskDuration.WithLabelValues(definitionID, operation).Observe(duration.Seconds())
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Registry returns the Prometheus registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// NewMetricsServer returns an HTTP server exposing the metrics endpoint, or nil
// when metrics are disabled. The caller starts and shuts it down.
func (m *Metrics) NewMetricsServer() *http.Server {
	if !m.config.Enabled {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	return &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

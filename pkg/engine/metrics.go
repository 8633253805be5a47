package engine

import "time"

// Metrics receives engine measurements. telemetry.Metrics implements it on top
// of Prometheus; NopMetrics discards everything.
type Metrics interface {
	// RecordPlan observes one planning call.
	RecordPlan(status string, iterations int, duration time.Duration)

	// RecordPlanNonConvergence counts planning calls that hit the iteration cap.
	RecordPlanNonConvergence()

	// RecordLockConflict counts plans rejected because a resource was locked.
	RecordLockConflict()

	// RecordTick observes one execution graph tick.
	RecordTick(status string, duration time.Duration)

	// RecordExecutionCompleted observes a graph reaching a terminal status.
	RecordExecutionCompleted(status string, duration time.Duration)

	// SetActiveExecutions reports the number of graphs being ticked right now.
	SetActiveExecutions(count float64)

	// RecordError counts a classified error.
	RecordError(errorClass, errorCode string)
}

// NopMetrics is a Metrics implementation that records nothing.
type NopMetrics struct{}

func (NopMetrics) RecordPlan(string, int, time.Duration)          {}
func (NopMetrics) RecordPlanNonConvergence()                      {}
func (NopMetrics) RecordLockConflict()                            {}
func (NopMetrics) RecordTick(string, time.Duration)               {}
func (NopMetrics) RecordExecutionCompleted(string, time.Duration) {}
func (NopMetrics) SetActiveExecutions(float64)                    {}
func (NopMetrics) RecordError(string, string)                     {}

// recordError forwards the class and code of err to m.
func recordError(m Metrics, err error) {
	if err == nil {
		return
	}
	class := "unknown"
	if e, ok := asEngineError(err); ok {
		class = string(e.Class)
	}
	m.RecordError(class, ErrorCode(err))
}

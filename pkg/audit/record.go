package audit

import (
	"context"
	"sort"
	"time"

	"github.com/keelhq/keel/pkg/engine"
	"github.com/keelhq/keel/pkg/telemetry"
)

// Record is the audit document of one finished execution graph.
type Record struct {
	ExecutionID string           `json:"execution_id"`
	TraceID     string           `json:"trace_id,omitempty"`
	Requester   string           `json:"requester"`
	Status      engine.Status    `json:"status"`
	StartTime   time.Time        `json:"start_time"`
	EndTime     time.Time        `json:"end_time"`
	DurationMS  int64            `json:"duration_ms"`
	Resources   []ResourceRecord `json:"resources"`
}

// ResourceRecord is the outcome of one vertex of the graph.
type ResourceRecord struct {
	ID          string             `json:"id"`
	Type        string             `json:"type,omitempty"`
	ProcessType engine.ProcessType `json:"process_type,omitempty"`
	Status      engine.Status      `json:"status"`
	FailedTasks []TaskFailure      `json:"failed_tasks,omitempty"`
}

// TaskFailure names a failed task and its last stderr line.
type TaskFailure struct {
	TaskID string `json:"task_id"`
	Error  string `json:"error,omitempty"`
}

// NewTracedRecord is NewRecord stamped with the trace of the span in ctx, if
// any.
func NewTracedRecord(ctx context.Context, graph *engine.ExecutionGraph) *Record {
	rec := NewRecord(graph)
	rec.TraceID = telemetry.TraceID(ctx)
	return rec
}

// NewRecord summarizes graph. Vertices without a process count as succeeded,
// matching how they are persisted directly.
func NewRecord(graph *engine.ExecutionGraph) *Record {
	rec := &Record{
		ExecutionID: graph.ExecutionID,
		Requester:   graph.Requester,
		Status:      graph.Status,
		StartTime:   graph.StartTime,
		EndTime:     graph.EndTime,
		Resources:   make([]ResourceRecord, 0, len(graph.ExecutionPlan)),
	}
	if !graph.EndTime.IsZero() {
		rec.DurationMS = graph.EndTime.Sub(graph.StartTime).Milliseconds()
	}

	for id, v := range graph.ExecutionPlan {
		rr := ResourceRecord{ID: id, Status: engine.StatusSucceeded}
		if v.ProposedResource != nil {
			rr.Type = v.ProposedResource.Type
		}
		if p := v.Process; p != nil {
			rr.ProcessType = p.ProcessType
			rr.Status = p.EndStatus
			if rr.Status == "" {
				rr.Status = engine.StatusNotStarted
			}
			rr.FailedTasks = failedTasks(p)
		}
		rec.Resources = append(rec.Resources, rr)
	}
	sort.Slice(rec.Resources, func(i, j int) bool {
		return rec.Resources[i].ID < rec.Resources[j].ID
	})
	return rec
}

func failedTasks(p *engine.LifecycleProcess) []TaskFailure {
	var failures []TaskFailure
	for id, t := range p.Tasks {
		if t.Status != engine.StatusFailed {
			continue
		}
		f := TaskFailure{TaskID: id}
		if n := len(t.Stderr); n > 0 {
			f.Error = t.Stderr[n-1].Message
		}
		failures = append(failures, f)
	}
	sort.Slice(failures, func(i, j int) bool { return failures[i].TaskID < failures[j].TaskID })
	return failures
}

// Counts returns how many resources ended in each status.
func (r *Record) Counts() map[engine.Status]int {
	counts := make(map[engine.Status]int)
	for _, rr := range r.Resources {
		counts[rr.Status]++
	}
	return counts
}

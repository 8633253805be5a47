package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// GraphRuntime bundles what an ExecutionGraph needs to make progress.
type GraphRuntime struct {
	// Resources persists resources and releases their locks.
	Resources ResourceStore

	// Snapshots records a versioned copy of every persisted resource. Optional.
	Snapshots StateStore

	// Tasks dispatches task executions.
	Tasks TaskRuntime

	// Logger receives per-vertex progress.
	Logger zerolog.Logger
}

// NewExecutionGraph builds a runnable graph from a plan. It records the edge
// mutations the plan implies, strips those edges from the proposed resources,
// and seeds the frontier.
func NewExecutionGraph(executionID, requester string, plan map[string]*PlanVertex) *ExecutionGraph {
	g := &ExecutionGraph{
		ExecutionID:   executionID,
		Requester:     requester,
		Status:        StatusNotStarted,
		ExecutionPlan: plan,
		EdgeMutations: GenerateEdgeMutations(plan),
	}
	for _, id := range sortedKeys(plan) {
		resetEdges(plan[id])
	}
	g.EnqueueReadyVertices()
	return g
}

// EnqueueReadyVertices adds every unstarted vertex whose upstream vertices are
// resolved to the frontier. Upstream ids outside the plan are ignored.
func (g *ExecutionGraph) EnqueueReadyVertices() {
	frontier := NewIDSet(g.Frontier...)

	for _, id := range sortedKeys(g.ExecutionPlan) {
		vertex := g.ExecutionPlan[id]
		if vertex.Process == nil {
			if vertex.Persisted {
				continue
			}
		} else if vertex.Process.EndStatus != StatusNotStarted {
			continue
		}
		if g.upstreamResolved(vertex) {
			frontier.Add(id)
		}
	}

	g.Frontier = frontier.Sorted()
}

func (g *ExecutionGraph) upstreamResolved(vertex *PlanVertex) bool {
	for _, up := range vertex.UpstreamVertices {
		if up == "" {
			continue
		}
		upstream, ok := g.ExecutionPlan[up]
		if !ok {
			continue
		}
		if !upstream.Resolved() {
			return false
		}
	}
	return true
}

// Tick advances every frontier vertex by one step. An error in one vertex does
// not stop the others; all errors are returned joined. Vertices whose step
// failed stay on the frontier and are retried on the next tick.
func (g *ExecutionGraph) Tick(ctx context.Context, rt *GraphRuntime) error {
	if g.Status == StatusNotStarted {
		g.Status = StatusRunning
	}

	frontier := NewIDSet(g.Frontier...)
	var errs []error

	for _, id := range g.Frontier {
		vertex, ok := g.ExecutionPlan[id]
		if !ok {
			frontier.Remove(id)
			errs = append(errs, NewInvariantError(fmt.Sprintf("frontier vertex %s is not planned", id)))
			continue
		}

		done, err := g.stepVertex(ctx, rt, id, vertex)
		if err != nil {
			rt.Logger.Error().
				Err(err).
				Str("execution_id", g.ExecutionID).
				Str("resource_id", id).
				Msg("Vertex step failed")
			errs = append(errs, err)
		}
		if done {
			frontier.Remove(id)
		}
	}

	// vertices that became ready are stepped on the next tick
	g.Frontier = frontier.Sorted()
	g.EnqueueReadyVertices()

	if len(g.Frontier) == 0 {
		if err := g.finish(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// stepVertex runs one step of a vertex and reports whether it leaves the frontier.
func (g *ExecutionGraph) stepVertex(ctx context.Context, rt *GraphRuntime, id string, vertex *PlanVertex) (bool, error) {
	process := vertex.Process
	if process == nil {
		if err := g.persistVertex(ctx, rt, id, vertex); err != nil {
			return false, err
		}
		vertex.Persisted = true
		rt.Logger.Debug().
			Str("execution_id", g.ExecutionID).
			Str("resource_id", id).
			Msg("Persisted resource without process")
		return true, nil
	}

	if process.IsComplete() {
		if process.EndTime.IsZero() {
			process.EndTime = time.Now()
		}
		switch process.EndStatus {
		case StatusSucceeded:
			if err := g.persistVertex(ctx, rt, id, vertex); err != nil {
				return false, err
			}
			if vertex.CurrentResource == nil {
				if err := rt.Resources.UnlockProposedResource(ctx, id); err != nil {
					return false, NewTransientError("failed to release proposed lock", err).
						WithCode(ErrCodeStore).
						WithResource(id)
				}
			}
			rt.Logger.Info().
				Str("execution_id", g.ExecutionID).
				Str("resource_id", id).
				Msg("Vertex succeeded")
		case StatusFailed, StatusCancelled:
			if err := rt.Resources.UnlockResource(ctx, id); err != nil {
				return false, NewTransientError("failed to release lock", err).
					WithCode(ErrCodeStore).
					WithResource(id)
			}
			rt.Logger.Warn().
				Str("execution_id", g.ExecutionID).
				Str("resource_id", id).
				Str("status", string(process.EndStatus)).
				Msg("Vertex did not succeed")
		}
		return true, nil
	}

	if process.EndStatus == StatusNotStarted {
		process.ExecutionID = g.ExecutionID
		process.ProcessID = g.ExecutionID + "_" + id
		if err := process.Init(); err != nil {
			process.EndStatus = StatusFailed
			return false, NewInvariantError(fmt.Sprintf("process for %s cannot start", id)).WithCause(err)
		}
		process.StartTime = time.Now()
	}

	if err := process.Advance(ctx, rt.Tasks); err != nil {
		// a broken process fails its vertex on the next tick
		process.EndStatus = StatusFailed
		return false, err
	}
	return false, nil
}

// persistVertex writes the proposed resource and applies every edge mutation
// that became eligible. A mutation leaves the pending map only once both of its
// endpoints are written, so a failed write is redone on the next tick.
func (g *ExecutionGraph) persistVertex(ctx context.Context, rt *GraphRuntime, id string, vertex *PlanVertex) error {
	if err := g.persistResource(ctx, rt, vertex.ProposedResource); err != nil {
		return err
	}

	touched, applied, err := g.ApplyEligibleMutations(ctx, rt.Resources)
	if err != nil {
		return err
	}
	for _, peerID := range sortedKeys(touched) {
		if err := g.persistResource(ctx, rt, touched[peerID]); err != nil {
			return err
		}
		rt.Logger.Debug().
			Str("execution_id", g.ExecutionID).
			Str("resource_id", peerID).
			Str("trigger", id).
			Msg("Applied edge mutations")
	}
	g.ClearMutations(applied)
	return nil
}

func (g *ExecutionGraph) persistResource(ctx context.Context, rt *GraphRuntime, r *Resource) error {
	if err := rt.Resources.UpdateResource(ctx, r); err != nil {
		return NewTransientError("failed to persist resource", err).
			WithCode(ErrCodeStore).
			WithResource(r.ID)
	}
	if rt.Snapshots == nil {
		return nil
	}
	ts := time.UnixMilli(r.LastUpdateTimestamp)
	if r.LastUpdateTimestamp == 0 {
		ts = time.Now()
	}
	if err := rt.Snapshots.SaveResourceSnapshot(ctx, r, ts); err != nil {
		return NewTransientError("failed to save resource snapshot", err).
			WithCode(ErrCodeStore).
			WithResource(r.ID)
	}
	return nil
}

// finish decides the terminal status once the frontier has drained.
func (g *ExecutionGraph) finish() error {
	failed, cancelled, unresolved := false, false, false
	for _, vertex := range g.ExecutionPlan {
		if vertex.Process == nil {
			continue
		}
		switch vertex.Process.EndStatus {
		case StatusFailed:
			failed = true
		case StatusCancelled:
			cancelled = true
		case StatusSucceeded:
		default:
			unresolved = true
		}
	}

	switch {
	case failed:
		g.Status = StatusFailed
	case cancelled:
		g.Status = StatusCancelled
	case !unresolved:
		g.Status = StatusSucceeded
	default:
		return NewInvariantError("frontier drained while vertices are still pending").
			WithDetail("execution_id", g.ExecutionID)
	}
	return nil
}

// Package engine reconciles a graph of typed, interlinked infrastructure
// resources toward a proposed desired state.
//
// # Overview
//
// A caller submits a delta graph: the resources it wants created, changed, or
// deleted, keyed by id. Work then proceeds in two phases:
//
//  1. Plan - GraphEngine closes the delta graph against the store, validates
//     edge connectivity and edge definitions, asks every ResourceDefinition for a
//     plan, and iterates id substitutions to a fixed point.
//  2. Execute - the plan becomes an ExecutionGraph. GraphExecutor ticks it from
//     a queue until every vertex has resolved.
//
// # Core Domain Types
//
//   - Resource: a typed entity with a desired state, named input/output slots,
//     an optional parent, and children
//   - EdgeDefinition: which peer types a slot accepts and how many
//   - PlanVertex: one resource's process plus the vertices it waits for
//   - LifecycleProcess: a per-resource DAG of tasks with sentinel end tasks
//   - EdgeMutation: a deferred edge change, applied once both endpoints succeed
//   - ExecutionGraph: the persisted run of a whole plan
//
// # Execution Model
//
// Execution is two-level. The graph keeps a frontier of vertices whose upstream
// vertices have resolved; each tick advances every frontier vertex by one step.
// A vertex advances its process, and a process keeps its own frontier of tasks.
// Tasks are non-blocking: a TaskDefinition starts work and is polled until it
// reports a terminal status.
//
//	┌──────────────┐   take    ┌──────────────┐   tick   ┌──────────────┐
//	│ExecutionQueue│ ────────▶ │GraphExecutor │ ───────▶ │ExecutionGraph│
//	└──────────────┘ ◀──────── └──────────────┘          └──────┬───────┘
//	                  re-queue                                  │ advance
//	                                                     ┌──────▼───────┐
//	                                                     │   Process    │
//	                                                     └──────┬───────┘
//	                                                            │ start / poll
//	                                                     ┌──────▼───────┐
//	                                                     │TaskDefinition│
//	                                                     └──────────────┘
//
// Edges proposed between two resources are held back from both of them and
// applied only after both processes succeed, so a stored resource never points
// at a peer that failed to converge.
//
// # Locking
//
// ExecuteGraphUpdate locks every planned resource for the execution before the
// graph is submitted. Resources that don't exist yet get a proposed-resource
// lock. Locks are released per vertex on failure, for new resources on success,
// and for everything when the graph completes.
//
// # Error Handling
//
// Errors are classified for retry logic:
//
//   - Transient: store and queue failures that may succeed on retry
//   - Throttled: rate limiting
//   - Conflict: a resource already locked by another execution
//   - Permanent: planning errors and invariant violations
//
// Planning errors carry a code (ErrCodeConnectivity, ErrCodeCardinality, ...)
// and the resource that caused them. They are raised before anything is
// mutated. Task failures never surface as Go errors: the TaskRuntime turns
// errors and panics into FAILED status updates.
//
// # Thread Safety
//
// Registry is safe for concurrent use. ExecutionGraph and LifecycleProcess are
// not; GraphExecutor guarantees a graph is ticked by one worker at a time.
package engine

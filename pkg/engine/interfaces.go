package engine

import (
	"context"
	"time"
)

// ResourceDefinition plans changes for one resource type and declares the edge
// constraints the planner enforces for it.
type ResourceDefinition interface {
	// Type returns the resource type tag this definition handles.
	Type() string

	// PlanChange computes the process and upstream dependencies needed to move the
	// resource from its current to its proposed state. It may normalize the proposed
	// resource and may request an id substitution through Plan.UpdatedResourceID.
	PlanChange(ctx context.Context, change *ResourceChange) (*Plan, error)

	// RequiredInboundEdgeTypes returns the allowed input slots keyed by slot name.
	RequiredInboundEdgeTypes() map[string]EdgeDefinition

	// RequiredOutboundEdgeTypes returns the allowed output slots keyed by slot name.
	RequiredOutboundEdgeTypes() map[string]EdgeDefinition

	// RequiredParentEdgeType returns the required parent constraint, or nil when a
	// parent is not required.
	RequiredParentEdgeType() *EdgeDefinition

	// RequiredChildEdgeTypes returns the allowed child constraints. Nil means the
	// type may not have children.
	RequiredChildEdgeTypes() []EdgeDefinition
}

// CurrentStateReader is implemented by resource definitions that can read the
// live state of a resource from the system it describes. Definitions that don't
// implement it are given the stored desired state.
type CurrentStateReader interface {
	// ReadExternalCurrentState returns the current state of an existing resource.
	ReadExternalCurrentState(ctx context.Context, resource *Resource) (map[string]interface{}, error)
}

// TaskDefinition implements one kind of task inside a lifecycle process.
// Long running work is modeled by returning RUNNING and being polled again.
type TaskDefinition interface {
	// ID returns the task definition id referenced by Task.TaskDefinitionID.
	ID() string

	// Validate checks at plan time that the task can run with the given context.
	Validate(taskID string, process *LifecycleProcess, processContext, taskContext map[string]interface{}) error

	// StartExecution submits the task. A nil update leaves the task RUNNING.
	StartExecution(ctx context.Context, taskID string, process *LifecycleProcess, processContext, taskContext map[string]interface{}) (*StatusUpdate, error)

	// CheckStatus polls a running task. A nil update leaves the task unchanged.
	CheckStatus(ctx context.Context, taskID string, process *LifecycleProcess, processContext, taskContext map[string]interface{}) (*StatusUpdate, error)
}

// TaskRuntime dispatches task executions to their definitions. Implementations
// must never return an error or panic into the engine: failures are reported as
// FAILED status updates.
type TaskRuntime interface {
	// StartExecution starts the task instance taskID of the given definition.
	StartExecution(ctx context.Context, taskDefinitionID, taskID string, process *LifecycleProcess) *StatusUpdate

	// CheckStatus polls the task instance taskID of the given definition.
	CheckStatus(ctx context.Context, taskDefinitionID, taskID string, process *LifecycleProcess) *StatusUpdate
}

// ResourceValidator performs structural validation of a proposed resource
// before planning.
type ResourceValidator interface {
	// Validate returns an error describing why the resource is malformed.
	Validate(ctx context.Context, resource *Resource) error
}

// ResourceStore persists resources and the locks that reserve them.
type ResourceStore interface {
	// GetResource returns the resource with the given id, or nil if it doesn't exist.
	GetResource(ctx context.Context, id string) (*Resource, error)

	// GetResources returns the resources that exist among ids, keyed by id.
	GetResources(ctx context.Context, ids []string) (map[string]*Resource, error)

	// UpdateResource creates or replaces a resource and stamps its update timestamp.
	UpdateResource(ctx context.Context, resource *Resource) error

	// UpdateResources creates or replaces several resources in one transaction.
	UpdateResources(ctx context.Context, resources []*Resource) error

	// DeleteResource removes a resource.
	DeleteResource(ctx context.Context, id string) error

	// SearchResourceIDPrefix returns resources whose id starts with prefix.
	SearchResourceIDPrefix(ctx context.Context, prefix string) ([]ResourceSearchResult, error)

	// LockResources reserves every id for owner. Ids that don't exist get a
	// proposed-resource lock. Any conflict aborts the whole operation.
	LockResources(ctx context.Context, owner string, ids []string) error

	// UnlockResource releases the lock on an existing or proposed resource.
	UnlockResource(ctx context.Context, id string) error

	// UnlockResources releases the locks on several resources.
	UnlockResources(ctx context.Context, ids []string) error

	// GetProposedResourceLockOwner returns the owner of the proposed-resource lock
	// for id, or the empty string.
	GetProposedResourceLockOwner(ctx context.Context, id string) (string, error)

	// LockProposedResource reserves an id that doesn't exist yet.
	LockProposedResource(ctx context.Context, owner, id string) error

	// UnlockProposedResource releases a proposed-resource lock.
	UnlockProposedResource(ctx context.Context, id string) error

	// GetLastUpdateTimestamps returns the update version of each existing id.
	GetLastUpdateTimestamps(ctx context.Context, ids []string) (map[string]int64, error)
}

// StateStore persists execution graphs and versioned resource snapshots.
type StateStore interface {
	// SaveExecutionGraph creates or replaces an execution graph.
	SaveExecutionGraph(ctx context.Context, graph *ExecutionGraph) error

	// GetExecutionGraph loads an execution graph, or nil if it doesn't exist.
	GetExecutionGraph(ctx context.Context, executionID string) (*ExecutionGraph, error)

	// ListIncompleteExecutionIDs returns the ids of graphs that are not terminal.
	ListIncompleteExecutionIDs(ctx context.Context) ([]string, error)

	// ListExecutions returns execution summaries matching filter, newest first.
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]ExecutionSummary, error)

	// SaveResourceSnapshot records the resource as it was at ts.
	SaveResourceSnapshot(ctx context.Context, resource *Resource, ts time.Time) error

	// GetResourceSnapshot returns the latest snapshot of id recorded at or before
	// ts, or nil.
	GetResourceSnapshot(ctx context.Context, id string, ts time.Time) (*Resource, error)
}

// ExecutionQueue hands execution ids to schedulers.
type ExecutionQueue interface {
	// Take removes and returns the next id. ok is false when the queue is empty.
	Take(ctx context.Context) (id string, ok bool, err error)

	// Add appends an id to the queue.
	Add(ctx context.Context, executionID string) error

	// Delete removes every queued copy of an id.
	Delete(ctx context.Context, executionID string) error

	// Bootstrap seeds the queue with ids that are not queued yet.
	Bootstrap(ctx context.Context, executionIDs []string) error

	// IsEmpty reports whether the queue holds no ids.
	IsEmpty(ctx context.Context) (bool, error)
}

// AuditSink records completed executions.
type AuditSink interface {
	// Audit records a terminal execution graph.
	Audit(ctx context.Context, graph *ExecutionGraph) error
}

// Notifier tells the requester that an execution finished.
type Notifier interface {
	// NotifyCompletion is called once per graph when it reaches a terminal status.
	NotifyCompletion(ctx context.Context, graph *ExecutionGraph)
}

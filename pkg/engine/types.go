package engine

import (
	"encoding/json"
	"reflect"
	"time"
)

// Resource represents a typed infrastructure entity with a desired state and
// edges to other resources.
type Resource struct {
	// ID is the globally unique identifier for this resource.
	ID string `json:"id" validate:"required"`

	// Type selects the ResourceDefinition that plans changes for this resource.
	Type string `json:"type" validate:"required"`

	// Owner is the group that owns this resource.
	Owner string `json:"owner,omitempty"`

	// Project is the project this resource belongs to.
	Project string `json:"project,omitempty"`

	// Region is the region the resource is provisioned in.
	Region string `json:"region,omitempty"`

	// Environment is the environment the resource is provisioned in.
	Environment string `json:"environment,omitempty"`

	// DesiredState is the opaque, type-specific desired configuration.
	DesiredState map[string]interface{} `json:"desired_state"`

	// LockOwner is the execution holding this resource. Empty means unlocked.
	LockOwner string `json:"lock_owner,omitempty"`

	// InputResources maps input slot names to the peers feeding this resource.
	InputResources Edges `json:"input_resources,omitempty"`

	// OutputResources maps output slot names to the peers this resource feeds.
	OutputResources Edges `json:"output_resources,omitempty"`

	// ParentResource is the id of the parent resource, if any.
	ParentResource string `json:"parent_resource,omitempty"`

	// ChildResources holds the ids of child resources.
	ChildResources IDSet `json:"child_resources,omitempty"`

	// Deleted marks the resource as removed.
	Deleted bool `json:"deleted"`

	// LastUpdateTimestamp is stamped by the store on every write and acts as the version.
	LastUpdateTimestamp int64 `json:"last_update_timestamp"`
}

// Clone returns a deep copy of the resource.
func (r *Resource) Clone() *Resource {
	if r == nil {
		return nil
	}
	c := *r
	c.DesiredState = cloneTree(r.DesiredState)
	c.InputResources = r.InputResources.Clone()
	c.OutputResources = r.OutputResources.Clone()
	c.ChildResources = r.ChildResources.Clone()
	return &c
}

// IsLocked reports whether an execution currently holds the resource.
func (r *Resource) IsLocked() bool {
	return r != nil && r.LockOwner != ""
}

// Connections returns every peer id reachable through input and output slots.
func (r *Resource) Connections() []string {
	all := NewIDSet(r.InputResources.IDs()...)
	for _, id := range r.OutputResources.IDs() {
		all.Add(id)
	}
	return all.Sorted()
}

// Equal compares the planned content of two resources. Lock state and the
// update version are not part of the comparison.
func (r *Resource) Equal(o *Resource) bool {
	if r == nil || o == nil {
		return r == o
	}
	return r.ID == o.ID &&
		r.Type == o.Type &&
		r.Owner == o.Owner &&
		r.Project == o.Project &&
		r.Region == o.Region &&
		r.Environment == o.Environment &&
		r.Deleted == o.Deleted &&
		r.ParentResource == o.ParentResource &&
		r.ChildResources.Equal(o.ChildResources) &&
		r.InputResources.Equal(o.InputResources) &&
		r.OutputResources.Equal(o.OutputResources) &&
		treeEqual(r.DesiredState, o.DesiredState)
}

// EdgeDefinition declares which peer types may connect through a slot and how many.
type EdgeDefinition struct {
	// ConnectedResourceTypes lists the peer types allowed on this edge.
	ConnectedResourceTypes []string `json:"connected_resource_types" yaml:"types" validate:"required,min=1"`

	// MinCardinality is the minimum number of peers.
	MinCardinality int `json:"min_cardinality" yaml:"min" validate:"gte=0"`

	// MaxCardinality is the maximum number of peers.
	MaxCardinality int `json:"max_cardinality" yaml:"max" validate:"gtefield=MinCardinality"`
}

// Allows reports whether a peer of resourceType may connect through this edge.
func (d EdgeDefinition) Allows(resourceType string) bool {
	for _, t := range d.ConnectedResourceTypes {
		if t == resourceType {
			return true
		}
	}
	return false
}

// Plan is the result of planning a change for a single resource.
type Plan struct {
	// ProposedResource is the normalized resource the definition wants persisted.
	ProposedResource *Resource `json:"proposed_resource"`

	// Process performs the change. Nil means no work is required.
	Process *LifecycleProcess `json:"process,omitempty"`

	// UpstreamVertexIDs lists resources whose processes must succeed first.
	UpstreamVertexIDs []string `json:"upstream_vertex_ids,omitempty"`

	// UpdatedResourceID asks the planner to substitute this id for the proposed id.
	UpdatedResourceID string `json:"updated_resource_id,omitempty"`
}

// ResourceChange is the input handed to a ResourceDefinition for planning.
type ResourceChange struct {
	// Requester is the principal asking for the change.
	Requester string

	// CurrentResource is the stored resource, nil when it is being created.
	CurrentResource *Resource

	// CurrentState is the state read from the external system, if any.
	CurrentState map[string]interface{}

	// ProposedResource is the resource as the caller wants it.
	ProposedResource *Resource

	// DeltaGraph is the closed delta graph being planned.
	DeltaGraph map[string]*Resource
}

// PlanVertex is one resource's planned change plus its execution dependencies.
type PlanVertex struct {
	// Process performs the change. Nil means the resource is persisted directly.
	Process *LifecycleProcess `json:"process,omitempty"`

	// UpstreamVertices lists resource ids that must resolve first.
	UpstreamVertices []string `json:"upstream_vertices,omitempty"`

	// ProposedResource is the resource to persist once the process succeeds.
	ProposedResource *Resource `json:"proposed_resource"`

	// CurrentResource is the stored resource, nil when it is being created.
	CurrentResource *Resource `json:"current_resource,omitempty"`

	// OldID is the caller-supplied id before substitution, if any.
	OldID string `json:"old_id,omitempty"`

	// NewID is the id produced by substitution, if any.
	NewID string `json:"new_id,omitempty"`

	// Persisted is set once a process-less vertex has been written to the store.
	Persisted bool `json:"persisted,omitempty"`
}

// Resolved reports whether the vertex has no pending work: it either has no
// process or its process succeeded.
func (v *PlanVertex) Resolved() bool {
	return v.Process == nil || v.Process.EndStatus == StatusSucceeded
}

// Equal compares the process, upstream list, and proposed resource of two vertices.
func (v *PlanVertex) Equal(o *PlanVertex) bool {
	if v == nil || o == nil {
		return v == o
	}
	if !v.ProposedResource.Equal(o.ProposedResource) {
		return false
	}
	if !stringsEqual(v.UpstreamVertices, o.UpstreamVertices) {
		return false
	}
	return v.Process.Equal(o.Process)
}

// EdgeMutation is a deferred add or remove of a single edge.
type EdgeMutation struct {
	// SrcID is the resource on the output side, or the parent for parent/child edges.
	SrcID string `json:"src_id"`

	// DestID is the resource on the input side, or the child for parent/child edges.
	DestID string `json:"dest_id"`

	// SrcFieldName is the output slot on the source.
	SrcFieldName string `json:"src_field_name,omitempty"`

	// DestFieldName is the input slot on the destination.
	DestFieldName string `json:"dest_field_name,omitempty"`

	// Add is true to create the edge and false to remove it.
	Add bool `json:"add"`

	// ParentChild marks a parent/child edge rather than an input/output edge.
	ParentChild bool `json:"parent_child"`
}

// ExecutionGraph is the top-level run of an entire plan across all its vertices.
type ExecutionGraph struct {
	// ExecutionID uniquely identifies this run.
	ExecutionID string `json:"execution_id"`

	// Requester is the principal that submitted the run.
	Requester string `json:"requester"`

	// Status is the overall status of the run.
	Status Status `json:"status"`

	// StartTime is when the run was submitted.
	StartTime time.Time `json:"start_time"`

	// EndTime is when the run reached a terminal status.
	EndTime time.Time `json:"end_time"`

	// ExecutionPlan holds one vertex per resource id.
	ExecutionPlan map[string]*PlanVertex `json:"execution_plan"`

	// Frontier is the sorted set of resource ids eligible to progress.
	Frontier []string `json:"frontier"`

	// EdgeMutations holds the pending edge changes keyed by mutation id.
	EdgeMutations map[string]*EdgeMutation `json:"edge_mutations"`
}

// IsComplete reports whether the run has reached a terminal status.
func (g *ExecutionGraph) IsComplete() bool {
	return g.Status.IsTerminal()
}

// ResourceIDs returns the ids of every planned resource in lexical order.
func (g *ExecutionGraph) ResourceIDs() []string {
	return sortedKeys(g.ExecutionPlan)
}

// ExecutionSummary is the listing view of an execution graph.
type ExecutionSummary struct {
	ExecutionID string    `json:"execution_id"`
	Requester   string    `json:"requester"`
	Status      Status    `json:"status"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
}

// ExecutionFilter narrows execution listings. Zero values do not filter.
type ExecutionFilter struct {
	// Requester restricts results to one requester.
	Requester string

	// Statuses restricts results to the given statuses.
	Statuses []Status

	// StartedAfter restricts results to runs started at or after this time.
	StartedAfter time.Time

	// StartedBefore restricts results to runs started at or before this time.
	StartedBefore time.Time

	// EndedAfter restricts results to runs that ended at or after this time.
	EndedAfter time.Time

	// Limit caps the number of results. Zero means the store default.
	Limit int

	// Offset skips results for paging.
	Offset int
}

// ResourceSearchResult is a lightweight search hit.
type ResourceSearchResult struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// StatusUpdate is what a task definition reports after starting or polling a task.
type StatusUpdate struct {
	// Status is the new task status.
	Status Status `json:"status"`

	// Stdout is an optional line appended to the task's stdout.
	Stdout string `json:"stdout,omitempty"`

	// Stderr is an optional line appended to the task's stderr.
	Stderr string `json:"stderr,omitempty"`

	// ContextPatch is merged into the process context with MergeContext.
	ContextPatch map[string]interface{} `json:"context_patch,omitempty"`
}

// NewStatusUpdate creates an update with just a status.
func NewStatusUpdate(status Status) *StatusUpdate {
	return &StatusUpdate{Status: status}
}

// FailedUpdate creates a FAILED update describing err.
func FailedUpdate(msg string, err error) *StatusUpdate {
	if err != nil {
		msg += ". Reason: " + err.Error()
	} else {
		msg += ". Reason: missing error"
	}
	return &StatusUpdate{Status: StatusFailed, Stderr: msg}
}

// LogLine is a single timestamped line in a task log.
type LogLine struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// cloneTree deep copies a JSON-like document.
func cloneTree(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		out := make(map[string]interface{}, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return m
	}
	return out
}

// treeEqual compares two JSON-like documents by their encoded form, so numeric
// types that differ only by Go representation compare equal. Nil equals empty.
func treeEqual(a, b map[string]interface{}) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return reflect.DeepEqual(a, b)
	}
	return string(ja) == string(jb)
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// MaxIterations caps the id-substitution fixed point.
const MaxIterations = 100

// reservedStateKeys are top-level resource fields that must not be duplicated
// inside the desired state.
var reservedStateKeys = []string{"owner", "project", "region", "environment"}

// Submitter accepts execution graphs for asynchronous execution.
type Submitter interface {
	// Submit stamps, persists, and enqueues a new graph.
	Submit(ctx context.Context, graph *ExecutionGraph) error
}

// GraphEngineConfig wires a GraphEngine.
type GraphEngineConfig struct {
	// Registry resolves resource definitions, task definitions, and validators.
	Registry *Registry

	// Resources is the resource store used to close graphs and take locks.
	Resources ResourceStore

	// Submitter runs accepted graphs. Required only by ExecuteGraphUpdate.
	Submitter Submitter

	// Logger defaults to a disabled logger.
	Logger *zerolog.Logger

	// Metrics defaults to NopMetrics.
	Metrics Metrics

	// Tracer defaults to the global OpenTelemetry tracer.
	Tracer trace.Tracer

	// MaxIterations overrides the fixed-point cap. Zero means MaxIterations.
	MaxIterations int
}

// GraphEngine validates delta graphs and turns them into execution graphs.
type GraphEngine struct {
	registry      *Registry
	resources     ResourceStore
	submitter     Submitter
	logger        zerolog.Logger
	metrics       Metrics
	tracer        trace.Tracer
	maxIterations int
}

// NewGraphEngine creates a planner from cfg.
func NewGraphEngine(cfg GraphEngineConfig) (*GraphEngine, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("graph engine requires a registry")
	}
	if cfg.Resources == nil {
		return nil, fmt.Errorf("graph engine requires a resource store")
	}

	e := &GraphEngine{
		registry:      cfg.Registry,
		resources:     cfg.Resources,
		submitter:     cfg.Submitter,
		logger:        zerolog.Nop(),
		metrics:       cfg.Metrics,
		tracer:        cfg.Tracer,
		maxIterations: cfg.MaxIterations,
	}
	if cfg.Logger != nil {
		e.logger = cfg.Logger.With().Str("component", "planner").Logger()
	}
	if e.metrics == nil {
		e.metrics = NopMetrics{}
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer("github.com/keelhq/keel/pkg/engine")
	}
	if e.maxIterations <= 0 {
		e.maxIterations = MaxIterations
	}
	return e, nil
}

// planState is the working set of one Plan call.
type planState struct {
	requester string

	// graph is the closed delta graph. It owns private copies of every resource.
	graph map[string]*Resource

	// existing holds the stored version of every resource that already exists.
	existing map[string]*Resource
}

// Plan validates the delta graph and returns one vertex per resource of the
// closed graph. Nothing is mutated in the store.
func (e *GraphEngine) Plan(ctx context.Context, requester string, delta map[string]*Resource) (map[string]*PlanVertex, error) {
	ctx, span := e.tracer.Start(ctx, "engine.plan",
		trace.WithAttributes(
			attribute.String("requester", requester),
			attribute.Int("delta.size", len(delta)),
		))
	defer span.End()

	start := time.Now()
	plan, iterations, err := e.plan(ctx, requester, delta)
	status := "succeeded"
	if err != nil {
		status = "rejected"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		recordError(e.metrics, err)
		if IsLockConflict(err) {
			e.metrics.RecordLockConflict()
		}
	} else {
		span.SetAttributes(attribute.Int("plan.size", len(plan)), attribute.Int("plan.iterations", iterations))
		span.SetStatus(codes.Ok, "")
	}
	e.metrics.RecordPlan(status, iterations, time.Since(start))
	return plan, err
}

func (e *GraphEngine) plan(ctx context.Context, requester string, delta map[string]*Resource) (map[string]*PlanVertex, int, error) {
	st := &planState{
		requester: requester,
		graph:     make(map[string]*Resource, len(delta)),
		existing:  make(map[string]*Resource),
	}

	for id, r := range delta {
		if r == nil {
			return nil, 0, NewPlanningError(ErrCodeValidation, "delta graph entry is empty").WithResource(id)
		}
		if id != r.ID {
			return nil, 0, NewPlanningError(ErrCodeIDMismatch,
				fmt.Sprintf("the id of resource in the map (%s) and the id inside the resource (%s) must match", id, r.ID)).
				WithResource(id)
		}
		st.graph[id] = r.Clone()
	}

	for _, id := range sortedKeys(delta) {
		if err := e.admit(ctx, st, st.graph[id]); err != nil {
			return nil, 0, err
		}
	}

	if err := validateConnectivity(st.graph); err != nil {
		return nil, 0, err
	}

	substitutions := make(map[string]string)
	var previous map[string]*PlanVertex
	iterations := 0
	converged := false
	for i := 1; i < e.maxIterations; i++ {
		iterations++
		pass := make(map[string]*PlanVertex)
		subs, err := e.planResources(ctx, st, pass, true)
		if err != nil {
			continue
		}
		for newID, oldID := range subs {
			substitutions[newID] = oldID
		}
		if previous != nil && plansEqual(pass, previous) {
			converged = true
			break
		}
		previous = pass
	}
	if !converged {
		e.logger.Warn().
			Str("requester", requester).
			Int("iterations", iterations).
			Msg("Planning did not reach a fixed point")
		e.metrics.RecordPlanNonConvergence()
	} else {
		e.logger.Debug().Int("iterations", iterations).Msg("Planning converged")
	}

	final := make(map[string]*PlanVertex)
	subs, err := e.planResources(ctx, st, final, false)
	if err != nil {
		return nil, iterations, err
	}
	for newID, oldID := range subs {
		substitutions[newID] = oldID
	}

	plan := make(map[string]*PlanVertex, len(final))
	for _, vertex := range final {
		plan[vertex.ProposedResource.ID] = vertex
	}
	for _, newID := range sortedKeys(substitutions) {
		vertex, ok := plan[newID]
		if !ok {
			continue
		}
		oldID := substitutions[newID]
		for seen := 0; seen < len(substitutions); seen++ {
			prev, chained := substitutions[oldID]
			if !chained || prev == oldID {
				break
			}
			oldID = prev
		}
		vertex.OldID = oldID
		vertex.NewID = newID
	}

	if err := e.checkLocks(ctx, plan); err != nil {
		return nil, iterations, err
	}

	if _, err := BuildPlanDAG(plan); err != nil {
		return nil, iterations, err
	}

	return plan, iterations, nil
}

// admit normalizes and validates one caller-supplied resource and pulls the
// peers it references into the graph.
func (e *GraphEngine) admit(ctx context.Context, st *planState, r *Resource) error {
	normalize(r)
	if err := checkResourceFields(r); err != nil {
		return err
	}

	for _, v := range e.registry.Validators() {
		if err := v.Validate(ctx, r); err != nil {
			if IsPlanningError(err) {
				return err
			}
			return NewPlanningError(ErrCodeValidation, "resource failed validation").
				WithResource(r.ID).
				WithCause(err)
		}
	}

	stored, err := e.resources.GetResource(ctx, r.ID)
	if err != nil {
		return storeError("failed to load resource", r.ID, err)
	}
	if stored != nil {
		if stored.IsLocked() {
			return NewLockConflictError(r.ID, stored.LockOwner)
		}
		st.existing[r.ID] = stored
	}

	if err := e.resolvePeers(ctx, st, r.ID, r.InputResources, true); err != nil {
		return err
	}
	if err := e.resolvePeers(ctx, st, r.ID, r.OutputResources, false); err != nil {
		return err
	}
	if err := e.resolveFamily(ctx, st, r, stored); err != nil {
		return err
	}

	return e.validateEdges(r, st.graph)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// checkResourceFields enforces the validate tags of Resource.
func checkResourceFields(r *Resource) error {
	err := validate.Struct(r)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return NewPlanningError(ErrCodeValidation, "resource is malformed").WithResource(r.ID).WithCause(err)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s is %s", fe.Field(), fe.Tag()))
	}
	return NewPlanningError(ErrCodeValidation, strings.Join(fields, "; ")).WithResource(r.ID)
}

func normalize(r *Resource) {
	if r.DesiredState == nil {
		r.DesiredState = make(map[string]interface{})
	}
	for _, key := range reservedStateKeys {
		delete(r.DesiredState, key)
	}
	if r.InputResources == nil {
		r.InputResources = Edges{}
	}
	if r.OutputResources == nil {
		r.OutputResources = Edges{}
	}
}

// resolvePeers fetches every peer missing from the graph and checks that it
// already references rid from the opposite side.
func (e *GraphEngine) resolvePeers(ctx context.Context, st *planState, rid string, edges Edges, isInput bool) error {
	for _, pid := range edges.IDs() {
		if _, ok := st.graph[pid]; ok {
			continue
		}
		peer, err := e.resources.GetResource(ctx, pid)
		if err != nil {
			return storeError("failed to load peer resource", pid, err)
		}
		if peer == nil {
			return NewPlanningError(ErrCodeNotFound,
				fmt.Sprintf("error finding resource %s, it must exist either in the delta graph or in the store", pid)).
				WithResource(rid)
		}

		var mirrored bool
		if isInput {
			mirrored = peer.OutputResources.Contains(rid)
		} else {
			mirrored = peer.InputResources.Contains(rid)
		}
		if !mirrored {
			return NewPlanningError(ErrCodeConnectivity,
				fmt.Sprintf("resource %s is missing the edge from %s", pid, rid)).
				WithResource(rid)
		}

		st.existing[pid] = peer
		local := peer.Clone()
		normalize(local)
		st.graph[pid] = local
	}
	return nil
}

// resolveFamily pulls the parent and every proposed or current child into the graph.
func (e *GraphEngine) resolveFamily(ctx context.Context, st *planState, r, stored *Resource) error {
	family := NewIDSet(r.ChildResources.Sorted()...)
	if stored != nil {
		for id := range stored.ChildResources {
			family.Add(id)
		}
	}

	for _, id := range family.Sorted() {
		if _, ok := st.graph[id]; ok {
			continue
		}
		child, err := e.resources.GetResource(ctx, id)
		if err != nil {
			return storeError("failed to load child resource", id, err)
		}
		if child == nil {
			return NewPlanningError(ErrCodeNotFound,
				fmt.Sprintf("error finding child resource %s, it must exist either in the delta graph or in the store", id)).
				WithResource(r.ID)
		}
		st.existing[id] = child
		local := child.Clone()
		normalize(local)
		st.graph[id] = local
	}

	if r.ParentResource == "" {
		return nil
	}
	if _, ok := st.graph[r.ParentResource]; ok {
		return nil
	}
	parent, err := e.resources.GetResource(ctx, r.ParentResource)
	if err != nil {
		return storeError("failed to load parent resource", r.ParentResource, err)
	}
	if parent == nil {
		return NewPlanningError(ErrCodeMissingParent,
			fmt.Sprintf("parent resource %s does not exist", r.ParentResource)).
			WithResource(r.ID)
	}
	st.existing[r.ParentResource] = parent
	local := parent.Clone()
	normalize(local)
	st.graph[r.ParentResource] = local
	return nil
}

// validateEdges enforces the edge definitions of r's type against the graph.
func (e *GraphEngine) validateEdges(r *Resource, graph map[string]*Resource) error {
	def, err := e.registry.ResourceDefinition(r.Type)
	if err != nil {
		return err.(*EngineError).WithResource(r.ID)
	}

	inbound := def.RequiredInboundEdgeTypes()
	outbound := def.RequiredOutboundEdgeTypes()

	if !r.Deleted {
		if err := requireSlots(r, "input", r.InputResources, inbound); err != nil {
			return err
		}
		if err := requireSlots(r, "output", r.OutputResources, outbound); err != nil {
			return err
		}
	}
	if err := validateSlots(r, graph, r.InputResources, inbound); err != nil {
		return err
	}
	if err := validateSlots(r, graph, r.OutputResources, outbound); err != nil {
		return err
	}

	parentDef := def.RequiredParentEdgeType()
	if parentDef != nil {
		parent, ok := graph[r.ParentResource]
		if r.ParentResource == "" || !ok {
			return NewPlanningError(ErrCodeMissingParent,
				fmt.Sprintf("missing required parent resource for type %s, allowed parent types: %v",
					r.Type, parentDef.ConnectedResourceTypes)).
				WithResource(r.ID)
		}
		if !parentDef.Allows(parent.Type) {
			return NewPlanningError(ErrCodeEdgeType,
				fmt.Sprintf("invalid parent edge type: %v vs %s", parentDef.ConnectedResourceTypes, parent.Type)).
				WithResource(r.ID)
		}
	}

	return validateChildren(r, graph, def.RequiredChildEdgeTypes())
}

// requireSlots checks that every slot with a positive minimum is populated.
func requireSlots(r *Resource, direction string, edges Edges, defs map[string]EdgeDefinition) error {
	for _, slot := range sortedKeys(defs) {
		def := defs[slot]
		if def.MinCardinality > 0 && len(edges[slot]) < def.MinCardinality {
			return NewPlanningError(ErrCodeCardinality,
				fmt.Sprintf("missing %s connection %q, needs at least %d", direction, slot, def.MinCardinality)).
				WithResource(r.ID).
				WithDetail("slot", slot)
		}
	}
	return nil
}

// validateSlots rejects unknown slots, cardinality violations, and peers of a
// type the slot does not accept.
func validateSlots(r *Resource, graph map[string]*Resource, edges Edges, defs map[string]EdgeDefinition) error {
	for _, slot := range edges.Slots() {
		ids := edges[slot]
		if ids == nil {
			continue
		}
		def, ok := defs[slot]
		if !ok {
			return NewPlanningError(ErrCodeEdgeType,
				fmt.Sprintf("invalid edge definition for slot %q", slot)).
				WithResource(r.ID)
		}
		if !r.Deleted {
			if len(ids) < def.MinCardinality {
				return NewPlanningError(ErrCodeCardinality,
					fmt.Sprintf("min cardinality constraint violated at slot %q of type %s", slot, r.Type)).
					WithResource(r.ID)
			}
			if len(ids) > def.MaxCardinality {
				return NewPlanningError(ErrCodeCardinality,
					fmt.Sprintf("max cardinality constraint violated at slot %q of type %s", slot, r.Type)).
					WithResource(r.ID)
			}
		}
		for _, id := range ids.Sorted() {
			peer, ok := graph[id]
			if !ok {
				return NewPlanningError(ErrCodeNotFound,
					fmt.Sprintf("resource %s doesn't exist, it is proposed to be connected at slot %q", id, slot)).
					WithResource(r.ID)
			}
			if !def.Allows(peer.Type) {
				return NewPlanningError(ErrCodeEdgeType,
					fmt.Sprintf("invalid connection at slot %q, expected %v got %s (%s)",
						slot, def.ConnectedResourceTypes, id, peer.Type)).
					WithResource(r.ID)
			}
		}
	}
	return nil
}

func validateChildren(r *Resource, graph map[string]*Resource, defs []EdgeDefinition) error {
	if len(r.ChildResources) == 0 {
		for _, def := range defs {
			if def.MinCardinality > 0 {
				return NewPlanningError(ErrCodeMissingChild,
					fmt.Sprintf("missing child connection, needed %v", def.ConnectedResourceTypes)).
					WithResource(r.ID)
			}
		}
		return nil
	}
	if defs == nil {
		return NewPlanningError(ErrCodeEdgeType,
			fmt.Sprintf("unexpected child edges for resource type %s", r.Type)).
			WithResource(r.ID)
	}

	allowed := make(IDSet)
	for _, def := range defs {
		for _, t := range def.ConnectedResourceTypes {
			allowed.Add(t)
		}
	}

	byType := make(map[string]int)
	for _, id := range r.ChildResources.Sorted() {
		child, ok := graph[id]
		if !ok {
			return NewPlanningError(ErrCodeConnectivity,
				fmt.Sprintf("incomplete edge from parent %s to child %s, add the edge on both sides", r.ID, id)).
				WithResource(r.ID)
		}
		if child.ParentResource != r.ID {
			return NewPlanningError(ErrCodeConnectivity,
				fmt.Sprintf("incomplete edge from child %s to parent %s, add the edge on both sides", id, r.ID)).
				WithResource(r.ID)
		}
		if !allowed.Has(child.Type) {
			return NewPlanningError(ErrCodeEdgeType,
				fmt.Sprintf("invalid child resource %s of type %s, only %v are allowed", id, child.Type, allowed.Sorted())).
				WithResource(r.ID)
		}
		byType[child.Type]++
	}

	for _, def := range defs {
		count := 0
		for _, t := range def.ConnectedResourceTypes {
			count += byType[t]
		}
		if count < def.MinCardinality || count > def.MaxCardinality {
			return NewPlanningError(ErrCodeCardinality,
				fmt.Sprintf("child cardinality mismatch for %v: %d not in [%d,%d]",
					def.ConnectedResourceTypes, count, def.MinCardinality, def.MaxCardinality)).
				WithResource(r.ID)
		}
	}
	return nil
}

// validateConnectivity checks that every edge in the closed graph is mirrored on
// the other endpoint. Peers absent from the graph are not checked, except for
// parents, which must be present.
func validateConnectivity(graph map[string]*Resource) error {
	for _, id := range sortedKeys(graph) {
		r := graph[id]
		for _, pid := range r.InputResources.IDs() {
			peer, ok := graph[pid]
			if !ok {
				continue
			}
			if !peer.OutputResources.Contains(id) {
				return missingMutualEdge(id, pid)
			}
		}
		for _, pid := range r.OutputResources.IDs() {
			peer, ok := graph[pid]
			if !ok {
				continue
			}
			if !peer.InputResources.Contains(id) {
				return missingMutualEdge(id, pid)
			}
		}
		for _, cid := range r.ChildResources.Sorted() {
			child, ok := graph[cid]
			if !ok {
				continue
			}
			if child.ParentResource != id {
				return missingMutualEdge(id, cid)
			}
		}
		if r.ParentResource != "" {
			parent, ok := graph[r.ParentResource]
			if !ok {
				return NewPlanningError(ErrCodeMissingParent,
					fmt.Sprintf("parent %s of %s is not part of the graph", r.ParentResource, id)).
					WithResource(id)
			}
			if !parent.ChildResources.Has(id) {
				return missingMutualEdge(id, r.ParentResource)
			}
		}
	}
	return nil
}

func missingMutualEdge(from, to string) error {
	return NewPlanningError(ErrCodeConnectivity,
		fmt.Sprintf("missing mutual edge connection, connection is specified in %s but not in %s", from, to)).
		WithResource(from).
		WithDetail("peer", to)
}

// planResources runs resource-level planning over the whole graph. In
// exploratory mode per-resource errors are ignored so that substitutions can
// still settle. Substitutions found in the pass are applied to the graph keys
// before returning, as a map of new id to old id.
func (e *GraphEngine) planResources(ctx context.Context, st *planState, plan map[string]*PlanVertex, exploratory bool) (map[string]string, error) {
	subs := make(map[string]string)

	for _, id := range sortedKeys(st.graph) {
		if err := e.planResource(ctx, st, plan, subs, id); err != nil {
			if exploratory {
				continue
			}
			return nil, err
		}
	}

	for _, newID := range sortedKeys(subs) {
		oldID := subs[newID]
		r, ok := st.graph[oldID]
		if !ok {
			continue
		}
		if _, taken := st.graph[newID]; taken {
			return nil, NewPlanningError(ErrCodeIDMismatch,
				fmt.Sprintf("resources %s and %s resolve to the same id", oldID, newID)).
				WithResource(newID)
		}
		delete(st.graph, oldID)
		r.ID = newID
		st.graph[newID] = r
		e.logger.Info().
			Str("old_id", oldID).
			Str("new_id", newID).
			Msg("Id substitution")
	}

	return subs, nil
}

func (e *GraphEngine) planResource(ctx context.Context, st *planState, plan map[string]*PlanVertex, subs map[string]string, id string) error {
	proposed := st.graph[id]
	current := st.existing[id]

	var currentState map[string]interface{}
	if current != nil {
		if !strings.EqualFold(current.Type, proposed.Type) {
			return NewPlanningError(ErrCodeTypeChange,
				fmt.Sprintf("existing resource type %s and proposed resource type %s must be the same",
					current.Type, proposed.Type)).
				WithResource(id)
		}
		state, err := e.currentState(ctx, current)
		if err != nil {
			return err
		}
		currentState = state
	}

	def, err := e.registry.ResourceDefinition(proposed.Type)
	if err != nil {
		return err.(*EngineError).WithResource(id)
	}

	p, err := def.PlanChange(ctx, &ResourceChange{
		Requester:        st.requester,
		CurrentResource:  current,
		CurrentState:     currentState,
		ProposedResource: proposed,
		DeltaGraph:       st.graph,
	})
	if err != nil {
		if IsPlanningError(err) {
			return err
		}
		return NewPlanningError(ErrCodeValidation, "resource definition rejected the change").
			WithResource(id).
			WithCause(err)
	}
	if p == nil {
		p = &Plan{}
	}
	if p.ProposedResource != nil {
		proposed.DesiredState = p.ProposedResource.DesiredState
	}

	if existing, ok := plan[proposed.ID]; ok && existing.Process != nil {
		return NewPlanningError(ErrCodeIDMismatch, "found conflicting vertices in the graph").WithResource(id)
	}

	if p.Process != nil {
		if p.Process.ProcessType == "" {
			switch {
			case current == nil:
				p.Process.ProcessType = ProcessCreate
			case proposed.Deleted:
				p.Process.ProcessType = ProcessDelete
			default:
				p.Process.ProcessType = ProcessUpdate
			}
		}
		if err := p.Process.ValidateTasks(e.registry); err != nil {
			return err.(*EngineError).WithResource(id)
		}
	}

	plan[proposed.ID] = &PlanVertex{
		Process:          p.Process,
		UpstreamVertices: append([]string(nil), p.UpstreamVertexIDs...),
		ProposedResource: proposed,
		CurrentResource:  current,
	}

	rectified := p.UpdatedResourceID
	if rectified == "" || rectified == proposed.ID {
		return nil
	}

	stored, err := e.resources.GetResource(ctx, rectified)
	if err != nil {
		return storeError("failed to load resource", rectified, err)
	}
	if stored != nil {
		st.existing[rectified] = stored
		e.logger.Info().
			Str("existing_id", rectified).
			Str("proposed_id", proposed.ID).
			Msg("Id rectification points to an existing resource")
		return NewPlanningError(ErrCodeStaleID,
			fmt.Sprintf("are you using the latest version of the existing resource? invalid id provided to modify existing resource, existing id: %s, proposed id: %s",
				rectified, proposed.ID)).
			WithResource(id)
	}

	substitute(st.graph, subs, proposed, rectified)
	return nil
}

// substitute rewrites every reference to proposed's id in its peers and
// records the substitution.
func substitute(graph map[string]*Resource, subs map[string]string, proposed *Resource, newID string) {
	oldID := proposed.ID
	for _, pid := range proposed.InputResources.IDs() {
		if peer, ok := graph[pid]; ok {
			peer.OutputResources.Replace(oldID, newID)
		}
	}
	for _, pid := range proposed.OutputResources.IDs() {
		if peer, ok := graph[pid]; ok {
			peer.InputResources.Replace(oldID, newID)
		}
	}
	for cid := range proposed.ChildResources {
		if child, ok := graph[cid]; ok && child.ParentResource == oldID {
			child.ParentResource = newID
		}
	}
	if parent, ok := graph[proposed.ParentResource]; ok && parent.ChildResources.Remove(oldID) {
		parent.ChildResources.Add(newID)
	}
	subs[newID] = oldID
}

func (e *GraphEngine) currentState(ctx context.Context, current *Resource) (map[string]interface{}, error) {
	def, err := e.registry.ResourceDefinition(current.Type)
	if err != nil {
		return nil, err.(*EngineError).WithResource(current.ID)
	}
	reader, ok := def.(CurrentStateReader)
	if !ok {
		return cloneTree(current.DesiredState), nil
	}
	state, err := reader.ReadExternalCurrentState(ctx, current)
	if err != nil {
		return nil, NewPlanningError(ErrCodeDependencyFailed, "failed to read current state").
			WithResource(current.ID).
			WithCause(err)
	}
	return state, nil
}

// checkLocks rejects plans touching a locked resource or a proposed id that an
// in-flight execution is already creating.
func (e *GraphEngine) checkLocks(ctx context.Context, plan map[string]*PlanVertex) error {
	for _, id := range sortedKeys(plan) {
		vertex := plan[id]
		if vertex.CurrentResource != nil {
			if vertex.CurrentResource.IsLocked() {
				return NewLockConflictError(id, vertex.CurrentResource.LockOwner)
			}
			continue
		}
		owner, err := e.resources.GetProposedResourceLockOwner(ctx, id)
		if err != nil {
			return storeError("failed to read proposed lock", id, err)
		}
		if owner != "" {
			return NewLockConflictError(id, owner).WithDetail("proposed", true)
		}
	}
	return nil
}

// ExecuteGraphUpdate plans the delta graph, locks every planned resource, and
// submits the resulting execution graph. Any failure after locking releases
// the locks again.
func (e *GraphEngine) ExecuteGraphUpdate(ctx context.Context, requester string, delta map[string]*Resource) (*ExecutionGraph, error) {
	if requester == "" {
		return nil, NewPlanningError(ErrCodeValidation, "invalid requester")
	}
	if e.submitter == nil {
		return nil, NewPermanentError("graph engine has no executor", nil).WithCode(ErrCodeInternal)
	}

	ctx, span := e.tracer.Start(ctx, "engine.execute",
		trace.WithAttributes(attribute.String("requester", requester)))
	defer span.End()

	plan, err := e.Plan(ctx, requester, delta)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	executionID := requester + "_" + uuid.New().String()
	ids := sortedKeys(plan)

	if err := e.resources.LockResources(ctx, executionID, ids); err != nil {
		if IsLockConflict(err) {
			e.metrics.RecordLockConflict()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	graph := NewExecutionGraph(executionID, requester, plan)
	e.logger.Info().
		Str("execution_id", executionID).
		Str("requester", requester).
		Int("vertices", len(plan)).
		Int("edge_mutations", len(graph.EdgeMutations)).
		Msg("Submitting execution graph")

	if err := e.submitter.Submit(ctx, graph); err != nil {
		if unlockErr := e.resources.UnlockResources(ctx, ids); unlockErr != nil {
			e.logger.Error().
				Err(unlockErr).
				Str("execution_id", executionID).
				Msg("Failed to release locks after rejected submission")
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to submit execution graph: %w", err)
	}

	span.SetAttributes(attribute.String("execution_id", executionID))
	span.SetStatus(codes.Ok, "")
	return graph, nil
}

func plansEqual(a, b map[string]*PlanVertex) bool {
	if len(a) != len(b) {
		return false
	}
	for id, v := range a {
		if !v.Equal(b[id]) {
			return false
		}
	}
	return true
}

func storeError(msg, id string, err error) error {
	return NewTransientError(msg, err).WithCode(ErrCodeStore).WithResource(id)
}

package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type recordingMetrics struct {
	NopMetrics

	mu             sync.Mutex
	plans          []string
	nonConvergence int
	lockConflicts  int
	completed      []string
	errors         []string
}

func (m *recordingMetrics) RecordPlan(status string, iterations int, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans = append(m.plans, status)
}

func (m *recordingMetrics) RecordPlanNonConvergence() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nonConvergence++
}

func (m *recordingMetrics) RecordLockConflict() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lockConflicts++
}

func (m *recordingMetrics) RecordExecutionCompleted(status string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed = append(m.completed, status)
}

func (m *recordingMetrics) RecordError(class, code string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors = append(m.errors, class+"/"+code)
}

type recordingSubmitter struct {
	graphs []*ExecutionGraph
	err    error
}

func (s *recordingSubmitter) Submit(ctx context.Context, graph *ExecutionGraph) error {
	if s.err != nil {
		return s.err
	}
	s.graphs = append(s.graphs, graph)
	return nil
}

type rejectingValidator struct{}

func (rejectingValidator) Validate(ctx context.Context, r *Resource) error {
	if r.Project == "forbidden" {
		return errors.New("project is not allowed")
	}
	return nil
}

func delta(resources ...*Resource) map[string]*Resource {
	out := make(map[string]*Resource, len(resources))
	for _, r := range resources {
		out[r.ID] = r
	}
	return out
}

func expectPlanningCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("Expected planning error %s, got nil", code)
	}
	if got := ErrorCode(err); got != code {
		t.Fatalf("Expected error code %s, got %s (%v)", code, got, err)
	}
}

func TestNewGraphEngine(t *testing.T) {
	if _, err := NewGraphEngine(GraphEngineConfig{Resources: newMemResourceStore()}); err == nil {
		t.Fatal("Expected error without registry")
	}
	if _, err := NewGraphEngine(GraphEngineConfig{Registry: NewRegistry()}); err == nil {
		t.Fatal("Expected error without resource store")
	}

	e := newTestEngine(t, NewRegistry(), newMemResourceStore(), nil)
	if e == nil {
		t.Fatal("Expected non-nil graph engine")
	}
	if e.maxIterations != MaxIterations {
		t.Errorf("Expected default max iterations %d, got %d", MaxIterations, e.maxIterations)
	}
}

func TestPlanNewResources(t *testing.T) {
	registry, _ := topicAndConsumer(t)
	e := newTestEngine(t, registry, newMemResourceStore(), nil)

	plan, err := e.Plan(context.Background(), "alice", delta(
		newTopic("orders", "billing"),
		newConsumer("billing", "orders"),
	))
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	if diff := cmp.Diff([]string{"billing", "orders"}, sortedKeys(plan)); diff != "" {
		t.Fatalf("Planned ids mismatch (-want +got):\n%s", diff)
	}
	for id, vertex := range plan {
		if vertex.CurrentResource != nil {
			t.Errorf("Expected %s to be a creation", id)
		}
		if vertex.Process == nil || vertex.Process.ProcessType != ProcessCreate {
			t.Errorf("Expected %s to have a create process", id)
		}
	}
	if !plan["billing"].ProposedResource.InputResources["topics"].Has("orders") {
		t.Error("Expected planned consumer to keep its proposed edges")
	}
}

func TestPlanRejectsMalformedDelta(t *testing.T) {
	registry, _ := topicAndConsumer(t)
	e := newTestEngine(t, registry, newMemResourceStore(), nil)

	_, err := e.Plan(context.Background(), "alice", map[string]*Resource{"orders": nil})
	expectPlanningCode(t, err, ErrCodeValidation)

	_, err = e.Plan(context.Background(), "alice", map[string]*Resource{"orders": newTopic("payments")})
	expectPlanningCode(t, err, ErrCodeIDMismatch)

	_, err = e.Plan(context.Background(), "alice", delta(&Resource{ID: "x", Type: "bucket"}))
	expectPlanningCode(t, err, ErrCodeNotFound)

	_, err = e.Plan(context.Background(), "alice", delta(&Resource{ID: "x"}))
	expectPlanningCode(t, err, ErrCodeValidation)
	if !strings.Contains(err.Error(), "Type is required") {
		t.Errorf("Expected missing type to be named, got %v", err)
	}

	_, err = e.Plan(context.Background(), "alice", map[string]*Resource{"": {Type: "topic"}})
	expectPlanningCode(t, err, ErrCodeValidation)
}

func TestPlanConnectivity(t *testing.T) {
	registry, _ := topicAndConsumer(t)

	t.Run("edge not mirrored inside delta", func(t *testing.T) {
		e := newTestEngine(t, registry, newMemResourceStore(), nil)
		_, err := e.Plan(context.Background(), "alice", delta(
			newTopic("orders"),
			newConsumer("billing", "orders"),
		))
		expectPlanningCode(t, err, ErrCodeConnectivity)
		if !strings.Contains(err.Error(), "missing mutual edge connection") {
			t.Errorf("Unexpected message: %v", err)
		}
	})

	t.Run("edge not mirrored by stored peer", func(t *testing.T) {
		store := newMemResourceStore(newTopic("orders"))
		e := newTestEngine(t, registry, store, nil)
		_, err := e.Plan(context.Background(), "alice", delta(newConsumer("billing", "orders")))
		expectPlanningCode(t, err, ErrCodeConnectivity)
	})

	t.Run("stored peer mirrors edge", func(t *testing.T) {
		store := newMemResourceStore(newTopic("orders", "billing"))
		e := newTestEngine(t, registry, store, nil)
		plan, err := e.Plan(context.Background(), "alice", delta(newConsumer("billing", "orders")))
		if err != nil {
			t.Fatalf("Plan failed: %v", err)
		}
		orders, ok := plan["orders"]
		if !ok {
			t.Fatal("Expected stored peer to be planned as part of the closed graph")
		}
		if orders.Process == nil || orders.Process.ProcessType != ProcessUpdate {
			t.Error("Expected stored peer to be planned as an update")
		}
	})

	t.Run("unknown peer", func(t *testing.T) {
		e := newTestEngine(t, registry, newMemResourceStore(), nil)
		_, err := e.Plan(context.Background(), "alice", delta(newConsumer("billing", "ghost")))
		expectPlanningCode(t, err, ErrCodeNotFound)
	})
}

func TestPlanEdgeConstraints(t *testing.T) {
	registry, _ := topicAndConsumer(t)

	tests := []struct {
		name  string
		delta map[string]*Resource
		code  string
	}{
		{
			name:  "required input missing",
			delta: delta(newConsumer("billing")),
			code:  ErrCodeCardinality,
		},
		{
			name: "too many inputs",
			delta: delta(
				newTopic("a", "billing"),
				newTopic("b", "billing"),
				newTopic("c", "billing"),
				newConsumer("billing", "a", "b", "c"),
			),
			code: ErrCodeCardinality,
		},
		{
			name: "wrong peer type",
			delta: func() map[string]*Resource {
				other := newConsumer("other", "orders")
				other.OutputResources["consumers"] = NewIDSet("billing")
				return delta(newTopic("orders", "other"), other, newConsumer("billing", "other"))
			}(),
			code: ErrCodeEdgeType,
		},
		{
			name: "unknown slot",
			delta: func() map[string]*Resource {
				billing := newConsumer("billing", "orders")
				billing.InputResources["mirrors"] = NewIDSet("orders")
				return delta(newTopic("orders", "billing"), billing)
			}(),
			code: ErrCodeEdgeType,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t, registry, newMemResourceStore(), nil)
			_, err := e.Plan(context.Background(), "alice", tt.delta)
			expectPlanningCode(t, err, tt.code)
			if !IsPlanningError(err) {
				t.Errorf("Expected a planning error, got %v", err)
			}
		})
	}
}

func TestPlanDeletedResourceSkipsMinimums(t *testing.T) {
	registry, _ := topicAndConsumer(t)
	store := newMemResourceStore(newConsumer("billing", "orders"), newTopic("orders", "billing"))
	e := newTestEngine(t, registry, store, nil)

	billing := newConsumer("billing")
	billing.Deleted = true
	plan, err := e.Plan(context.Background(), "alice", delta(billing, newTopic("orders")))
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if plan["billing"].Process.ProcessType != ProcessDelete {
		t.Errorf("Expected delete process, got %s", plan["billing"].Process.ProcessType)
	}
	if plan["orders"].Process.ProcessType != ProcessUpdate {
		t.Errorf("Expected update process, got %s", plan["orders"].Process.ProcessType)
	}
}

func TestPlanIsIdempotent(t *testing.T) {
	registry, _ := topicAndConsumer(t)
	store := newMemResourceStore(newTopic("orders"))
	e := newTestEngine(t, registry, store, nil)

	d := delta(newTopic("orders", "billing"), newConsumer("billing", "orders"))
	first, err := e.Plan(context.Background(), "alice", d)
	if err != nil {
		t.Fatalf("First plan failed: %v", err)
	}
	second, err := e.Plan(context.Background(), "alice", d)
	if err != nil {
		t.Fatalf("Second plan failed: %v", err)
	}
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("Plans differ (-first +second):\n%s", diff)
	}
	if len(store.resources) != 1 || store.writes != 0 {
		t.Error("Expected planning to leave the store untouched")
	}
}

func TestPlanStripsReservedStateKeys(t *testing.T) {
	registry, _ := topicAndConsumer(t)
	e := newTestEngine(t, registry, newMemResourceStore(), nil)

	orders := newTopic("orders")
	orders.DesiredState["owner"] = "mallory"
	orders.DesiredState["region"] = "mars-1"

	plan, err := e.Plan(context.Background(), "alice", delta(orders))
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	want := map[string]interface{}{"partitions": float64(3)}
	if diff := cmp.Diff(want, plan["orders"].ProposedResource.DesiredState); diff != "" {
		t.Errorf("Desired state mismatch (-want +got):\n%s", diff)
	}
	if _, ok := orders.DesiredState["owner"]; !ok {
		t.Error("Expected caller's delta graph to be left untouched")
	}
}

func TestPlanValidators(t *testing.T) {
	registry, _ := topicAndConsumer(t)
	registry.RegisterValidator("projects", rejectingValidator{})
	e := newTestEngine(t, registry, newMemResourceStore(), nil)

	orders := newTopic("orders")
	orders.Project = "forbidden"
	_, err := e.Plan(context.Background(), "alice", delta(orders))
	expectPlanningCode(t, err, ErrCodeValidation)
	if !strings.Contains(err.Error(), "project is not allowed") {
		t.Errorf("Expected validator cause in error, got %v", err)
	}
}

func TestPlanLockConflicts(t *testing.T) {
	registry, _ := topicAndConsumer(t)

	t.Run("locked resource", func(t *testing.T) {
		store := newMemResourceStore(newTopic("orders"))
		if err := store.LockResources(context.Background(), "bob_1", []string{"orders"}); err != nil {
			t.Fatalf("LockResources failed: %v", err)
		}
		metrics := &recordingMetrics{}
		e, _ := NewGraphEngine(GraphEngineConfig{Registry: registry, Resources: store, Metrics: metrics})

		_, err := e.Plan(context.Background(), "alice", delta(newTopic("orders")))
		if !IsLockConflict(err) {
			t.Fatalf("Expected lock conflict, got %v", err)
		}
		if !IsPlanningError(err) {
			t.Error("Expected lock conflicts to count as planning errors")
		}
		if metrics.lockConflicts != 1 {
			t.Errorf("Expected 1 lock conflict metric, got %d", metrics.lockConflicts)
		}
	})

	t.Run("proposed id already being created", func(t *testing.T) {
		store := newMemResourceStore()
		if err := store.LockProposedResource(context.Background(), "bob_1", "orders"); err != nil {
			t.Fatalf("LockProposedResource failed: %v", err)
		}
		e := newTestEngine(t, registry, store, nil)

		_, err := e.Plan(context.Background(), "alice", delta(newTopic("orders")))
		if !IsLockConflict(err) {
			t.Fatalf("Expected lock conflict, got %v", err)
		}
		var engineErr *EngineError
		if !errors.As(err, &engineErr) || engineErr.Details["proposed"] != true {
			t.Errorf("Expected proposed lock detail, got %v", err)
		}
	})
}

func TestPlanTypeChange(t *testing.T) {
	registry, _ := topicAndConsumer(t)
	store := newMemResourceStore(&Resource{ID: "orders", Type: "consumer", DesiredState: map[string]interface{}{}})
	e := newTestEngine(t, registry, store, nil)

	_, err := e.Plan(context.Background(), "alice", delta(newTopic("orders")))
	expectPlanningCode(t, err, ErrCodeTypeChange)
}

func TestPlanUpstreamCycle(t *testing.T) {
	registry, _ := topicAndConsumer(t)
	e := newTestEngine(t, registry, newMemResourceStore(), nil)

	a := newTopic("a")
	a.DesiredState["after"] = []interface{}{"b"}
	b := newTopic("b")
	b.DesiredState["after"] = []interface{}{"a"}

	_, err := e.Plan(context.Background(), "alice", delta(a, b))
	expectPlanningCode(t, err, ErrCodeCycle)
	if !strings.Contains(err.Error(), "a -> b -> a") {
		t.Errorf("Expected cycle path in error, got %v", err)
	}
}

func bucketRegistry(t *testing.T) *Registry {
	t.Helper()
	registry := NewRegistry()
	if err := registry.RegisterTaskDefinition(&scriptedTask{id: "scripted"}); err != nil {
		t.Fatalf("Failed to register task: %v", err)
	}
	bucket := &testDefinition{typ: "bucket"}
	bucket.plan = func(change *ResourceChange) (*Plan, error) {
		name, _ := change.ProposedResource.DesiredState["name"].(string)
		return &Plan{
			ProposedResource:  change.ProposedResource,
			Process:           singleTaskProcess("scripted", nil),
			UpdatedResourceID: "bucket-" + name,
		}, nil
	}
	if err := registry.RegisterResourceDefinition(bucket); err != nil {
		t.Fatalf("Failed to register bucket: %v", err)
	}
	return registry
}

func newBucket(id, name string) *Resource {
	return &Resource{ID: id, Type: "bucket", DesiredState: map[string]interface{}{"name": name}}
}

func TestPlanIDSubstitution(t *testing.T) {
	e := newTestEngine(t, bucketRegistry(t), newMemResourceStore(), nil)

	plan, err := e.Plan(context.Background(), "alice", delta(newBucket("tmp-1", "logs")))
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	vertex, ok := plan["bucket-logs"]
	if !ok {
		t.Fatalf("Expected vertex under substituted id, got %v", sortedKeys(plan))
	}
	if vertex.ProposedResource.ID != "bucket-logs" {
		t.Errorf("Expected proposed id bucket-logs, got %s", vertex.ProposedResource.ID)
	}
	if vertex.OldID != "tmp-1" || vertex.NewID != "bucket-logs" {
		t.Errorf("Expected substitution tmp-1 -> bucket-logs, got %s -> %s", vertex.OldID, vertex.NewID)
	}
}

func TestPlanIDSubstitutionConflicts(t *testing.T) {
	t.Run("stale id", func(t *testing.T) {
		store := newMemResourceStore(newBucket("bucket-logs", "logs"))
		e := newTestEngine(t, bucketRegistry(t), store, nil)
		_, err := e.Plan(context.Background(), "alice", delta(newBucket("tmp-1", "logs")))
		expectPlanningCode(t, err, ErrCodeStaleID)
	})

	t.Run("two resources resolve to one id", func(t *testing.T) {
		e := newTestEngine(t, bucketRegistry(t), newMemResourceStore(), nil)
		_, err := e.Plan(context.Background(), "alice", delta(
			newBucket("tmp-1", "logs"),
			newBucket("tmp-2", "logs"),
		))
		expectPlanningCode(t, err, ErrCodeIDMismatch)
	})
}

func TestSubstituteRewritesReferences(t *testing.T) {
	child := &Resource{ID: "child", ParentResource: "tmp"}
	parent := &Resource{ID: "parent", ChildResources: NewIDSet("tmp")}
	src := &Resource{ID: "src", OutputResources: Edges{"out": NewIDSet("tmp")}}
	dst := &Resource{ID: "dst", InputResources: Edges{"in": NewIDSet("tmp")}}
	proposed := &Resource{
		ID:              "tmp",
		ParentResource:  "parent",
		ChildResources:  NewIDSet("child"),
		InputResources:  Edges{"in": NewIDSet("src")},
		OutputResources: Edges{"out": NewIDSet("dst")},
	}
	graph := delta(child, parent, src, dst, proposed)
	subs := make(map[string]string)

	substitute(graph, subs, proposed, "real")

	if child.ParentResource != "real" {
		t.Errorf("Expected child parent to be rewritten, got %s", child.ParentResource)
	}
	if !parent.ChildResources.Has("real") || parent.ChildResources.Has("tmp") {
		t.Errorf("Expected parent children to be rewritten, got %v", parent.ChildResources.Sorted())
	}
	if !src.OutputResources["out"].Has("real") {
		t.Error("Expected source output to be rewritten")
	}
	if !dst.InputResources["in"].Has("real") {
		t.Error("Expected destination input to be rewritten")
	}
	if subs["real"] != "tmp" {
		t.Errorf("Expected substitution to be recorded, got %v", subs)
	}
}

func familyRegistry(t *testing.T) *Registry {
	t.Helper()
	registry, _ := topicAndConsumer(t)
	cluster := &testDefinition{
		typ:      "cluster",
		children: []EdgeDefinition{{ConnectedResourceTypes: []string{"node"}, MinCardinality: 1, MaxCardinality: 3}},
	}
	node := &testDefinition{
		typ:    "node",
		parent: &EdgeDefinition{ConnectedResourceTypes: []string{"cluster"}, MinCardinality: 1, MaxCardinality: 1},
	}
	for _, def := range []ResourceDefinition{cluster, node} {
		if err := registry.RegisterResourceDefinition(def); err != nil {
			t.Fatalf("Failed to register %s: %v", def.Type(), err)
		}
	}
	return registry
}

func TestPlanParentChild(t *testing.T) {
	registry := familyRegistry(t)

	t.Run("allowed", func(t *testing.T) {
		e := newTestEngine(t, registry, newMemResourceStore(), nil)
		plan, err := e.Plan(context.Background(), "alice", delta(
			&Resource{ID: "c1", Type: "cluster", ChildResources: NewIDSet("n1", "n2")},
			&Resource{ID: "n1", Type: "node", ParentResource: "c1"},
			&Resource{ID: "n2", Type: "node", ParentResource: "c1"},
		))
		if err != nil {
			t.Fatalf("Plan failed: %v", err)
		}
		if len(plan) != 3 {
			t.Errorf("Expected 3 vertices, got %d", len(plan))
		}
	})

	t.Run("parent fetched from store", func(t *testing.T) {
		store := newMemResourceStore(&Resource{ID: "c1", Type: "cluster", ChildResources: NewIDSet("n1")})
		e := newTestEngine(t, registry, store, nil)
		plan, err := e.Plan(context.Background(), "alice", delta(
			&Resource{ID: "n1", Type: "node", ParentResource: "c1"},
		))
		if err != nil {
			t.Fatalf("Plan failed: %v", err)
		}
		if _, ok := plan["c1"]; !ok {
			t.Error("Expected stored parent to join the closed graph")
		}
	})

	tests := []struct {
		name  string
		delta map[string]*Resource
		code  string
	}{
		{
			name:  "node without parent",
			delta: delta(&Resource{ID: "n1", Type: "node"}),
			code:  ErrCodeMissingParent,
		},
		{
			name:  "parent does not exist",
			delta: delta(&Resource{ID: "n1", Type: "node", ParentResource: "c9"}),
			code:  ErrCodeMissingParent,
		},
		{
			name:  "cluster without children",
			delta: delta(&Resource{ID: "c1", Type: "cluster"}),
			code:  ErrCodeMissingChild,
		},
		{
			name: "child of disallowed type",
			delta: delta(
				&Resource{ID: "c1", Type: "cluster", ChildResources: NewIDSet("n1", "t1")},
				&Resource{ID: "n1", Type: "node", ParentResource: "c1"},
				&Resource{ID: "t1", Type: "topic", ParentResource: "c1"},
			),
			code: ErrCodeEdgeType,
		},
		{
			name: "type without children",
			delta: delta(
				&Resource{ID: "t1", Type: "topic", ChildResources: NewIDSet("n1")},
				&Resource{ID: "n1", Type: "node", ParentResource: "t1"},
			),
			code: ErrCodeEdgeType,
		},
		{
			name: "child not pointing back",
			delta: delta(
				&Resource{ID: "c1", Type: "cluster", ChildResources: NewIDSet("n1")},
				&Resource{ID: "n1", Type: "node", ParentResource: "c2"},
				&Resource{ID: "c2", Type: "cluster", ChildResources: NewIDSet("n1")},
			),
			code: ErrCodeConnectivity,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t, registry, newMemResourceStore(), nil)
			_, err := e.Plan(context.Background(), "alice", tt.delta)
			expectPlanningCode(t, err, tt.code)
		})
	}
}

func TestPlanNonConvergenceStillPlans(t *testing.T) {
	registry := NewRegistry()
	_ = registry.RegisterTaskDefinition(&scriptedTask{id: "scripted"})
	calls := 0
	restless := &testDefinition{typ: "restless"}
	restless.plan = func(change *ResourceChange) (*Plan, error) {
		calls++
		p := singleTaskProcess("scripted", nil)
		p.Context["attempt"] = calls
		return &Plan{ProposedResource: change.ProposedResource, Process: p}, nil
	}
	_ = registry.RegisterResourceDefinition(restless)

	metrics := &recordingMetrics{}
	e, err := NewGraphEngine(GraphEngineConfig{
		Registry:      registry,
		Resources:     newMemResourceStore(),
		Metrics:       metrics,
		MaxIterations: 4,
	})
	if err != nil {
		t.Fatalf("NewGraphEngine failed: %v", err)
	}

	plan, err := e.Plan(context.Background(), "alice", delta(&Resource{ID: "r1", Type: "restless"}))
	if err != nil {
		t.Fatalf("Expected non-convergence to be tolerated, got %v", err)
	}
	if _, ok := plan["r1"]; !ok {
		t.Fatal("Expected the final pass to produce a plan")
	}
	if metrics.nonConvergence != 1 {
		t.Errorf("Expected 1 non-convergence metric, got %d", metrics.nonConvergence)
	}
	// three exploratory passes plus the final one
	if calls != 4 {
		t.Errorf("Expected 4 planning calls, got %d", calls)
	}
}

func TestExecuteGraphUpdate(t *testing.T) {
	registry, _ := topicAndConsumer(t)
	store := newMemResourceStore(newTopic("orders"))
	submitter := &recordingSubmitter{}
	e := newTestEngine(t, registry, store, submitter)

	graph, err := e.ExecuteGraphUpdate(context.Background(), "alice", delta(
		newTopic("orders", "billing"),
		newConsumer("billing", "orders"),
	))
	if err != nil {
		t.Fatalf("ExecuteGraphUpdate failed: %v", err)
	}

	if !strings.HasPrefix(graph.ExecutionID, "alice_") {
		t.Errorf("Expected execution id to start with requester, got %s", graph.ExecutionID)
	}
	if len(submitter.graphs) != 1 || submitter.graphs[0] != graph {
		t.Fatal("Expected graph to be submitted")
	}
	for _, id := range []string{"orders", "billing"} {
		if owner := store.lockOwner(id); owner != graph.ExecutionID {
			t.Errorf("Expected %s to be locked by %s, got %q", id, graph.ExecutionID, owner)
		}
	}
	if graph.Status != StatusNotStarted {
		t.Errorf("Expected NOT_STARTED graph, got %s", graph.Status)
	}
	if diff := cmp.Diff([]string{"billing", "orders"}, graph.Frontier); diff != "" {
		t.Errorf("Frontier mismatch (-want +got):\n%s", diff)
	}
	if _, ok := graph.EdgeMutations[MutationKey("orders", "billing")]; !ok {
		t.Errorf("Expected pending edge mutation, got %v", sortedKeys(graph.EdgeMutations))
	}

	_, err = e.ExecuteGraphUpdate(context.Background(), "bob", delta(newTopic("orders")))
	if !IsLockConflict(err) {
		t.Fatalf("Expected second execution to hit the lock, got %v", err)
	}
}

func TestExecuteGraphUpdateReleasesLocksOnRejectedSubmission(t *testing.T) {
	registry, _ := topicAndConsumer(t)
	store := newMemResourceStore(newTopic("orders"))
	e := newTestEngine(t, registry, store, &recordingSubmitter{err: errors.New("queue unavailable")})

	_, err := e.ExecuteGraphUpdate(context.Background(), "alice", delta(newTopic("orders"), newTopic("payments")))
	if err == nil {
		t.Fatal("Expected submission error")
	}
	for _, id := range []string{"orders", "payments"} {
		if owner := store.lockOwner(id); owner != "" {
			t.Errorf("Expected %s to be unlocked, got %q", id, owner)
		}
	}
}

func TestExecuteGraphUpdateRequiresRequester(t *testing.T) {
	registry, _ := topicAndConsumer(t)
	e := newTestEngine(t, registry, newMemResourceStore(), &recordingSubmitter{})

	_, err := e.ExecuteGraphUpdate(context.Background(), "", delta(newTopic("orders")))
	expectPlanningCode(t, err, ErrCodeValidation)
}

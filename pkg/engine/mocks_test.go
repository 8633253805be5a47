package engine

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"
)

// Mock implementations for testing

type memResourceStore struct {
	mu        sync.Mutex
	resources map[string]*Resource
	proposed  map[string]string
	clock     int64
	writes    int
}

func newMemResourceStore(resources ...*Resource) *memResourceStore {
	s := &memResourceStore{
		resources: make(map[string]*Resource),
		proposed:  make(map[string]string),
	}
	for _, r := range resources {
		s.clock++
		c := r.Clone()
		c.LastUpdateTimestamp = s.clock
		s.resources[r.ID] = c
	}
	return s
}

func (m *memResourceStore) GetResource(ctx context.Context, id string) (*Resource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resources[id].Clone(), nil
}

func (m *memResourceStore) GetResources(ctx context.Context, ids []string) (map[string]*Resource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*Resource)
	for _, id := range ids {
		if r, ok := m.resources[id]; ok {
			out[id] = r.Clone()
		}
	}
	return out, nil
}

func (m *memResourceStore) UpdateResource(ctx context.Context, resource *Resource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock++
	m.writes++
	resource.LastUpdateTimestamp = m.clock
	c := resource.Clone()
	c.LockOwner = ""
	if existing, ok := m.resources[resource.ID]; ok {
		c.LockOwner = existing.LockOwner
	}
	m.resources[resource.ID] = c
	return nil
}

func (m *memResourceStore) UpdateResources(ctx context.Context, resources []*Resource) error {
	for _, r := range resources {
		if err := m.UpdateResource(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func (m *memResourceStore) DeleteResource(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.resources, id)
	return nil
}

func (m *memResourceStore) SearchResourceIDPrefix(ctx context.Context, prefix string) ([]ResourceSearchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ResourceSearchResult
	for id, r := range m.resources {
		if strings.HasPrefix(id, prefix) {
			out = append(out, ResourceSearchResult{ID: id, Type: r.Type})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memResourceStore) LockResources(ctx context.Context, owner string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if r, ok := m.resources[id]; ok {
			if r.LockOwner != "" {
				return NewLockConflictError(id, r.LockOwner)
			}
		} else if holder, ok := m.proposed[id]; ok {
			return NewLockConflictError(id, holder)
		}
	}
	for _, id := range ids {
		if r, ok := m.resources[id]; ok {
			r.LockOwner = owner
		} else {
			m.proposed[id] = owner
		}
	}
	return nil
}

func (m *memResourceStore) UnlockResource(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.resources[id]; ok {
		r.LockOwner = ""
	}
	delete(m.proposed, id)
	return nil
}

func (m *memResourceStore) UnlockResources(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if err := m.UnlockResource(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (m *memResourceStore) GetProposedResourceLockOwner(ctx context.Context, id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.proposed[id], nil
}

func (m *memResourceStore) LockProposedResource(ctx context.Context, owner, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if holder, ok := m.proposed[id]; ok {
		return NewLockConflictError(id, holder)
	}
	m.proposed[id] = owner
	return nil
}

func (m *memResourceStore) UnlockProposedResource(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.proposed, id)
	return nil
}

func (m *memResourceStore) GetLastUpdateTimestamps(ctx context.Context, ids []string) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64)
	for _, id := range ids {
		if r, ok := m.resources[id]; ok {
			out[id] = r.LastUpdateTimestamp
		}
	}
	return out, nil
}

func (m *memResourceStore) lockOwner(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.resources[id]; ok {
		return r.LockOwner
	}
	return m.proposed[id]
}

// memStateStore round-trips graphs through JSON like a real store would.
type memStateStore struct {
	mu        sync.Mutex
	graphs    map[string][]byte
	snapshots map[string][]*Resource
}

func newMemStateStore() *memStateStore {
	return &memStateStore{
		graphs:    make(map[string][]byte),
		snapshots: make(map[string][]*Resource),
	}
}

func (m *memStateStore) SaveExecutionGraph(ctx context.Context, graph *ExecutionGraph) error {
	data, err := json.Marshal(graph)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.graphs[graph.ExecutionID] = data
	return nil
}

func (m *memStateStore) GetExecutionGraph(ctx context.Context, executionID string) (*ExecutionGraph, error) {
	m.mu.Lock()
	data, ok := m.graphs[executionID]
	m.mu.Unlock()
	if !ok {
		return nil, nil
	}
	var g ExecutionGraph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

func (m *memStateStore) ListIncompleteExecutionIDs(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, data := range m.graphs {
		var g ExecutionGraph
		if err := json.Unmarshal(data, &g); err != nil {
			return nil, err
		}
		if !g.IsComplete() {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *memStateStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]ExecutionSummary, error) {
	return nil, nil
}

func (m *memStateStore) SaveResourceSnapshot(ctx context.Context, resource *Resource, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[resource.ID] = append(m.snapshots[resource.ID], resource.Clone())
	return nil
}

func (m *memStateStore) GetResourceSnapshot(ctx context.Context, id string, ts time.Time) (*Resource, error) {
	return nil, nil
}

type memQueue struct {
	mu  sync.Mutex
	ids []string
}

func (q *memQueue) Take(ctx context.Context) (string, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ids) == 0 {
		return "", false, nil
	}
	id := q.ids[0]
	q.ids = q.ids[1:]
	return id, true, nil
}

func (q *memQueue) Add(ctx context.Context, executionID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ids = append(q.ids, executionID)
	return nil
}

func (q *memQueue) Delete(ctx context.Context, executionID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.ids[:0]
	for _, id := range q.ids {
		if id != executionID {
			kept = append(kept, id)
		}
	}
	q.ids = kept
	return nil
}

func (q *memQueue) Bootstrap(ctx context.Context, executionIDs []string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	queued := NewIDSet(q.ids...)
	for _, id := range executionIDs {
		if !queued.Has(id) {
			q.ids = append(q.ids, id)
			queued.Add(id)
		}
	}
	return nil
}

func (q *memQueue) IsEmpty(ctx context.Context) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ids) == 0, nil
}

// scriptedTask starts RUNNING and then reports the status named by the
// "outcome" key of the process context, SUCCEEDED by default.
type scriptedTask struct {
	id string

	mu      sync.Mutex
	started []string
}

func (s *scriptedTask) ID() string { return s.id }

func (s *scriptedTask) Validate(taskID string, process *LifecycleProcess, processContext, taskContext map[string]interface{}) error {
	return nil
}

func (s *scriptedTask) StartExecution(ctx context.Context, taskID string, process *LifecycleProcess, processContext, taskContext map[string]interface{}) (*StatusUpdate, error) {
	s.mu.Lock()
	s.started = append(s.started, process.ProcessID)
	s.mu.Unlock()
	return &StatusUpdate{Status: StatusRunning, Stdout: "submitted"}, nil
}

func (s *scriptedTask) CheckStatus(ctx context.Context, taskID string, process *LifecycleProcess, processContext, taskContext map[string]interface{}) (*StatusUpdate, error) {
	outcome, _ := processContext["outcome"].(string)
	if outcome == "" {
		outcome = string(StatusSucceeded)
	}
	return &StatusUpdate{
		Status:       Status(outcome),
		ContextPatch: map[string]interface{}{taskID: map[string]interface{}{"checked": true}},
	}, nil
}

func (s *scriptedTask) startedProcesses() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.started...)
}

// testDefinition is a configurable ResourceDefinition. Unless plan is set it
// returns a single-task process and the upstream ids listed under "after" in
// the desired state.
type testDefinition struct {
	typ      string
	inbound  map[string]EdgeDefinition
	outbound map[string]EdgeDefinition
	parent   *EdgeDefinition
	children []EdgeDefinition
	noop     bool
	plan     func(change *ResourceChange) (*Plan, error)
}

func (d *testDefinition) Type() string { return d.typ }

func (d *testDefinition) PlanChange(ctx context.Context, change *ResourceChange) (*Plan, error) {
	if d.plan != nil {
		return d.plan(change)
	}
	p := &Plan{ProposedResource: change.ProposedResource}
	if !d.noop {
		p.Process = singleTaskProcess("scripted", change.ProposedResource.DesiredState["outcome"])
	}
	if after, ok := change.ProposedResource.DesiredState["after"].([]interface{}); ok {
		for _, id := range after {
			p.UpstreamVertexIDs = append(p.UpstreamVertexIDs, id.(string))
		}
	}
	return p, nil
}

func (d *testDefinition) RequiredInboundEdgeTypes() map[string]EdgeDefinition {
	if d.inbound == nil {
		return map[string]EdgeDefinition{}
	}
	return d.inbound
}

func (d *testDefinition) RequiredOutboundEdgeTypes() map[string]EdgeDefinition {
	if d.outbound == nil {
		return map[string]EdgeDefinition{}
	}
	return d.outbound
}

func (d *testDefinition) RequiredParentEdgeType() *EdgeDefinition { return d.parent }

func (d *testDefinition) RequiredChildEdgeTypes() []EdgeDefinition { return d.children }

func singleTaskProcess(defID string, outcome interface{}) *LifecycleProcess {
	ctx := map[string]interface{}{"work": map[string]interface{}{}}
	if outcome != nil {
		ctx["outcome"] = outcome
	}
	p := NewLifecycleProcess("work", ctx)
	_ = p.AddTask(NewTask("work", defID,
		[]string{SucceedProcessTask}, []string{FailProcessTask}, []string{FailProcessTask}))
	return p
}

// topicAndConsumer registers a "topic" type with an output slot "consumers"
// and a "consumer" type with a required input slot "topics".
func topicAndConsumer(t interface{ Fatalf(string, ...interface{}) }) (*Registry, *scriptedTask) {
	registry := NewRegistry()
	task := &scriptedTask{id: "scripted"}
	if err := registry.RegisterTaskDefinition(task); err != nil {
		t.Fatalf("Failed to register task: %v", err)
	}
	topic := &testDefinition{
		typ: "topic",
		outbound: map[string]EdgeDefinition{
			"consumers": {ConnectedResourceTypes: []string{"consumer"}, MinCardinality: 0, MaxCardinality: 10},
		},
	}
	consumer := &testDefinition{
		typ: "consumer",
		inbound: map[string]EdgeDefinition{
			"topics": {ConnectedResourceTypes: []string{"topic"}, MinCardinality: 1, MaxCardinality: 2},
		},
	}
	for _, def := range []ResourceDefinition{topic, consumer} {
		if err := registry.RegisterResourceDefinition(def); err != nil {
			t.Fatalf("Failed to register definition: %v", err)
		}
	}
	return registry, task
}

func newTopic(id string, consumers ...string) *Resource {
	r := &Resource{
		ID:              id,
		Type:            "topic",
		DesiredState:    map[string]interface{}{"partitions": float64(3)},
		InputResources:  Edges{},
		OutputResources: Edges{},
	}
	if len(consumers) > 0 {
		r.OutputResources["consumers"] = NewIDSet(consumers...)
	}
	return r
}

func newConsumer(id string, topics ...string) *Resource {
	r := &Resource{
		ID:              id,
		Type:            "consumer",
		DesiredState:    map[string]interface{}{"group": id},
		InputResources:  Edges{},
		OutputResources: Edges{},
	}
	if len(topics) > 0 {
		r.InputResources["topics"] = NewIDSet(topics...)
	}
	return r
}

func newTestEngine(t interface{ Fatalf(string, ...interface{}) }, registry *Registry, store ResourceStore, submitter Submitter) *GraphEngine {
	e, err := NewGraphEngine(GraphEngineConfig{
		Registry:  registry,
		Resources: store,
		Submitter: submitter,
	})
	if err != nil {
		t.Fatalf("Failed to create graph engine: %v", err)
	}
	return e
}

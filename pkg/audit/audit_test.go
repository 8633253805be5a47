package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/keelhq/keel/pkg/engine"
)

func testGraph() *engine.ExecutionGraph {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	failing := engine.NewTask("install", "sshCommand", nil, []string{"fail"}, nil)
	failing.Status = engine.StatusFailed
	failing.Stderr = []engine.LogLine{
		{Timestamp: start, Message: "first attempt"},
		{Timestamp: start, Message: "Command exited with code 1: no space left"},
	}
	done := engine.NewTask("prepare", "starlark", []string{"install"}, nil, nil)
	done.Status = engine.StatusSucceeded

	return &engine.ExecutionGraph{
		ExecutionID: "alice_1234",
		Requester:   "alice",
		Status:      engine.StatusFailed,
		StartTime:   start,
		EndTime:     start.Add(1500 * time.Millisecond),
		ExecutionPlan: map[string]*engine.PlanVertex{
			"web": {
				ProposedResource: &engine.Resource{ID: "web", Type: "vm"},
				Process: &engine.LifecycleProcess{
					ProcessType: engine.ProcessCreate,
					EndStatus:   engine.StatusFailed,
					Tasks:       map[string]*engine.Task{"install": failing, "prepare": done},
				},
			},
			"dns": {
				ProposedResource: &engine.Resource{ID: "dns", Type: "record"},
			},
			"lb": {
				ProposedResource: &engine.Resource{ID: "lb", Type: "balancer"},
				Process:          &engine.LifecycleProcess{ProcessType: engine.ProcessUpdate},
			},
		},
	}
}

func TestNewRecord(t *testing.T) {
	rec := NewRecord(testGraph())

	want := &Record{
		ExecutionID: "alice_1234",
		Requester:   "alice",
		Status:      engine.StatusFailed,
		StartTime:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		EndTime:     time.Date(2026, 3, 1, 12, 0, 1, 500_000_000, time.UTC),
		DurationMS:  1500,
		Resources: []ResourceRecord{
			{ID: "dns", Type: "record", Status: engine.StatusSucceeded},
			{ID: "lb", Type: "balancer", ProcessType: engine.ProcessUpdate, Status: engine.StatusNotStarted},
			{
				ID:          "web",
				Type:        "vm",
				ProcessType: engine.ProcessCreate,
				Status:      engine.StatusFailed,
				FailedTasks: []TaskFailure{{TaskID: "install", Error: "Command exited with code 1: no space left"}},
			},
		},
	}
	if diff := cmp.Diff(want, rec); diff != "" {
		t.Errorf("Unexpected record (-want +got):\n%s", diff)
	}

	wantCounts := map[engine.Status]int{
		engine.StatusSucceeded:  1,
		engine.StatusNotStarted: 1,
		engine.StatusFailed:     1,
	}
	if diff := cmp.Diff(wantCounts, rec.Counts()); diff != "" {
		t.Errorf("Unexpected counts (-want +got):\n%s", diff)
	}
}

func TestFileSinkAppendsRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "executions.ndjson")

	sink, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	graph := testGraph()
	if err := sink.Audit(context.Background(), graph); err != nil {
		t.Fatalf("Audit failed: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Reopening appends rather than truncating.
	sink, err = OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	graph.ExecutionID = "alice_5678"
	if err := sink.Audit(context.Background(), graph); err != nil {
		t.Fatalf("Audit failed: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	records, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(records))
	}
	if records[0].ExecutionID != "alice_1234" || records[1].ExecutionID != "alice_5678" {
		t.Errorf("Unexpected record order: %s, %s", records[0].ExecutionID, records[1].ExecutionID)
	}
	if diff := cmp.Diff(NewRecord(testGraph()), records[0]); diff != "" {
		t.Errorf("Record did not survive the file (-want +got):\n%s", diff)
	}
}

func TestFileSinkConcurrentWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.ndjson")
	sink, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sink.Audit(context.Background(), testGraph()); err != nil {
				t.Errorf("Audit failed: %v", err)
			}
		}()
	}
	wg.Wait()
	if err := sink.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	records, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if len(records) != 20 {
		t.Errorf("Expected 20 records, got %d", len(records))
	}
}

func TestFileSinkClosed(t *testing.T) {
	sink, err := OpenFile(filepath.Join(t.TempDir(), "audit.ndjson"))
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Errorf("Second Close failed: %v", err)
	}
	if err := sink.Audit(context.Background(), testGraph()); err == nil {
		t.Error("Expected error writing to a closed sink")
	}
}

func TestFileSinkRecordsTraceID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.ndjson")
	sink, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x4b, 0xf9, 0x2f, 0x35, 0x77, 0xb3, 0x4d, 0xa6, 0xa3, 0xce, 0x92, 0x9d, 0x0e, 0x0e, 0x47, 0x36},
		SpanID:     trace.SpanID{0x00, 0xf0, 0x67, 0xaa, 0x0b, 0xa9, 0x02, 0xb7},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	if err := sink.Audit(ctx, testGraph()); err != nil {
		t.Fatalf("Audit failed: %v", err)
	}
	if err := sink.Audit(context.Background(), testGraph()); err != nil {
		t.Fatalf("Audit failed: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	records, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(records))
	}
	if records[0].TraceID != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("Expected trace id 4bf92f3577b34da6a3ce929d0e0e4736, got %q", records[0].TraceID)
	}
	if records[1].TraceID != "" {
		t.Errorf("Expected no trace id without a span, got %q", records[1].TraceID)
	}
}

func TestDecoder(t *testing.T) {
	input := "{\"execution_id\":\"a\",\"status\":\"succeeded\"}\n\n{\"execution_id\":\"b\",\"status\":\"failed\"}\n"
	dec := NewDecoder(strings.NewReader(input))

	var ids []string
	for {
		rec, err := dec.Decode()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		ids = append(ids, rec.ExecutionID)
	}
	if diff := cmp.Diff([]string{"a", "b"}, ids); diff != "" {
		t.Errorf("Unexpected ids (-want +got):\n%s", diff)
	}

	_, err := NewDecoder(strings.NewReader("{\"status\":\"paused\"}\n")).Decode()
	if err == nil || !strings.Contains(err.Error(), "line 1") {
		t.Errorf("Expected error naming line 1, got %v", err)
	}
}

func TestReadFileMissing(t *testing.T) {
	if _, err := ReadFile(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(zerolog.New(&buf))

	if err := sink.Audit(context.Background(), testGraph()); err != nil {
		t.Fatalf("Audit failed: %v", err)
	}

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Failed to parse log line %q: %v", buf.String(), err)
	}
	if entry["level"] != "warn" {
		t.Errorf("Expected warn level for a failed execution, got %v", entry["level"])
	}
	if entry["execution_id"] != "alice_1234" || entry["component"] != "audit" {
		t.Errorf("Unexpected fields %v", entry)
	}
	if entry["duration_ms"] != float64(1500) {
		t.Errorf("Expected duration_ms 1500, got %v", entry["duration_ms"])
	}
	wantResources := map[string]interface{}{"succeeded": float64(1), "not_started": float64(1), "failed": float64(1)}
	if diff := cmp.Diff(wantResources, entry["resources"]); diff != "" {
		t.Errorf("Unexpected resources (-want +got):\n%s", diff)
	}
	wantFailed := []interface{}{"web/install: Command exited with code 1: no space left"}
	if diff := cmp.Diff(wantFailed, entry["failed_tasks"]); diff != "" {
		t.Errorf("Unexpected failed tasks (-want +got):\n%s", diff)
	}
}

type recordingSink struct {
	mu     sync.Mutex
	graphs []string
	err    error
}

func (s *recordingSink) Audit(_ context.Context, graph *engine.ExecutionGraph) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.graphs = append(s.graphs, graph.ExecutionID)
	return s.err
}

func TestMultiContinuesPastErrors(t *testing.T) {
	first := &recordingSink{err: errors.New("disk full")}
	second := &recordingSink{}

	err := Multi{first, second}.Audit(context.Background(), testGraph())
	if err == nil || !strings.Contains(err.Error(), "audit sink 0: disk full") {
		t.Fatalf("Expected joined sink error, got %v", err)
	}
	if len(second.graphs) != 1 {
		t.Errorf("Expected the second sink to run, got %v", second.graphs)
	}

	if err := (Multi{second}).Audit(context.Background(), testGraph()); err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
}

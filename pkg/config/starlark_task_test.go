package config

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/keelhq/keel/pkg/engine"
)

func runScriptTask(t *testing.T, script string, processContext, extra map[string]interface{}) *engine.StatusUpdate {
	t.Helper()

	task := NewStarlarkTask(NewStarlarkEvaluator(time.Second))
	taskContext := map[string]interface{}{"script": script}
	for k, v := range extra {
		taskContext[k] = v
	}
	if err := task.Validate("make", nil, processContext, taskContext); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	update, err := task.StartExecution(context.Background(), "make", nil, processContext, taskContext)
	if err != nil {
		t.Fatalf("StartExecution failed: %v", err)
	}
	if update == nil {
		t.Fatal("Expected a status update")
	}
	return update
}

func TestStarlarkTaskSucceeds(t *testing.T) {
	processContext := map[string]interface{}{
		"resource": map[string]interface{}{
			"desired_state": map[string]interface{}{"name": "logs"},
		},
		"make": map[string]interface{}{"script": "ignored"},
	}

	script := `
if "make" in context:
    fail("own task context leaked")
print("creating bucket")
output = {"url": "s3://" + context["resource"]["desired_state"]["name"], "retries": task["retries"]}
message = "done"
`
	update := runScriptTask(t, script, processContext, map[string]interface{}{"retries": 3})

	if update.Status != engine.StatusSucceeded {
		t.Fatalf("Expected succeeded, got %s (%s)", update.Status, update.Stderr)
	}
	want := map[string]interface{}{"url": "s3://logs", "retries": int64(3)}
	if diff := cmp.Diff(want, update.ContextPatch); diff != "" {
		t.Errorf("Unexpected context patch (-want +got):\n%s", diff)
	}
	if update.Stdout != "creating bucket\ndone" {
		t.Errorf("Unexpected stdout %q", update.Stdout)
	}
}

func TestStarlarkTaskStatuses(t *testing.T) {
	tests := []struct {
		name       string
		script     string
		wantStatus engine.Status
		wantStderr string
	}{
		{"failed", "status = \"failed\"\nmessage = \"disk full\"\n", engine.StatusFailed, "disk full"},
		{"running", "status = \"RUNNING\"\n", engine.StatusRunning, ""},
		{"invalid status", "status = \"paused\"\n", engine.StatusFailed, "invalid status"},
		{"runtime error", "x = 1 // 0\n", engine.StatusFailed, "failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			update := runScriptTask(t, tt.script, map[string]interface{}{}, nil)
			if update.Status != tt.wantStatus {
				t.Fatalf("Expected %s, got %s", tt.wantStatus, update.Status)
			}
			if !strings.Contains(update.Stderr, tt.wantStderr) {
				t.Errorf("Expected stderr containing %q, got %q", tt.wantStderr, update.Stderr)
			}
			if update.ContextPatch != nil {
				t.Errorf("Expected no context patch, got %v", update.ContextPatch)
			}
		})
	}
}

func TestStarlarkTaskValidate(t *testing.T) {
	task := NewStarlarkTask(NewStarlarkEvaluator(0))
	if task.ID() != StarlarkTaskDefinitionID {
		t.Errorf("Expected id %s, got %s", StarlarkTaskDefinitionID, task.ID())
	}

	tests := []struct {
		name        string
		taskContext map[string]interface{}
	}{
		{"missing script", map[string]interface{}{}},
		{"blank script", map[string]interface{}{"script": "  "}},
		{"script not a string", map[string]interface{}{"script": 7}},
		{"syntax error", map[string]interface{}{"script": "output = {"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := task.Validate("make", nil, nil, tt.taskContext); err == nil {
				t.Fatal("Expected validation error")
			}
		})
	}
}

func TestStarlarkTaskInRegistry(t *testing.T) {
	registry := engine.NewRegistry()
	if err := registry.RegisterTaskDefinition(NewStarlarkTask(NewStarlarkEvaluator(0))); err != nil {
		t.Fatalf("RegisterTaskDefinition failed: %v", err)
	}
	if _, ok := registry.TaskDefinition(StarlarkTaskDefinitionID); !ok {
		t.Fatal("Expected starlark task definition to be registered")
	}
}

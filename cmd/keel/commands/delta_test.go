package commands

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseDeltaYAML(t *testing.T) {
	data := `
resources:
  - id: logs
    type: bucket
    owner: team-a
    desired_state:
      name: logs
      versioned: true
    input_resources:
      network: [net-1]
  - id: net-1
    type: network
    desired_state: {cidr: 10.0.0.0/16}
    output_resources:
      buckets: [logs]
    child_resources: [subnet-b, subnet-a]
`
	delta, err := parseDelta([]byte(data))
	if err != nil {
		t.Fatalf("parseDelta failed: %v", err)
	}
	if len(delta) != 2 {
		t.Fatalf("Expected 2 resources, got %d", len(delta))
	}

	logs := delta["logs"]
	if logs.Type != "bucket" || logs.Owner != "team-a" {
		t.Errorf("Unexpected resource %+v", logs)
	}
	wantState := map[string]interface{}{"name": "logs", "versioned": true}
	if diff := cmp.Diff(wantState, logs.DesiredState); diff != "" {
		t.Errorf("Unexpected desired state (-want +got):\n%s", diff)
	}
	if !logs.InputResources["network"].Has("net-1") {
		t.Errorf("Expected input edge to net-1, got %v", logs.InputResources)
	}

	net := delta["net-1"]
	if !net.ChildResources.Has("subnet-a") || !net.ChildResources.Has("subnet-b") {
		t.Errorf("Expected both children, got %v", net.ChildResources)
	}
}

func TestParseDeltaJSON(t *testing.T) {
	data := `{"resources": [{"id": "logs", "type": "bucket", "deleted": true, "desired_state": {}}]}`
	delta, err := parseDelta([]byte(data))
	if err != nil {
		t.Fatalf("parseDelta failed: %v", err)
	}
	if r := delta["logs"]; r == nil || !r.Deleted {
		t.Fatalf("Expected deleted resource, got %+v", r)
	}
}

func TestParseDeltaErrors(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr string
	}{
		{"empty", "", "empty"},
		{"no resources", "resources: []", "no resources"},
		{"missing id", "resources: [{type: bucket}]", "no id"},
		{"missing type", "resources: [{id: logs}]", "no type"},
		{"duplicate", "resources: [{id: a, type: t}, {id: a, type: t}]", "more than once"},
		{"bad yaml", "resources: [", "failed to parse"},
		{"bad field", "resources: [{id: a, type: t, deleted: maybe}]", "failed to decode"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseDelta([]byte(tt.data))
			if err == nil {
				t.Fatal("Expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestReadDeltaStdin(t *testing.T) {
	delta, err := readDelta("-", strings.NewReader("resources: [{id: a, type: t}]"))
	if err != nil {
		t.Fatalf("readDelta failed: %v", err)
	}
	if _, ok := delta["a"]; !ok {
		t.Fatalf("Expected resource a, got %v", delta)
	}
}

func TestReadDeltaMissingFile(t *testing.T) {
	if _, err := readDelta("/nonexistent/delta.yaml", nil); err == nil {
		t.Fatal("Expected error for missing file")
	}
}

package config

import (
	"context"
	"testing"

	"github.com/keelhq/keel/pkg/engine"
)

const bucketSchema = `
name:       string & =~"^[a-z0-9-]+$"
versioned?: bool
replicas:   int & >=1 & <=5 | *1
`

func TestSchemaRegistryValidateState(t *testing.T) {
	sr := NewSchemaRegistry()
	if err := sr.RegisterSchema("bucket", bucketSchema); err != nil {
		t.Fatalf("RegisterSchema failed: %v", err)
	}

	tests := []struct {
		name    string
		state   map[string]interface{}
		wantErr bool
	}{
		{"minimal", map[string]interface{}{"name": "logs"}, false},
		{"all fields", map[string]interface{}{"name": "logs", "versioned": true, "replicas": 3}, false},
		{"missing name", map[string]interface{}{"versioned": true}, true},
		{"bad name", map[string]interface{}{"name": "Logs!"}, true},
		{"replicas out of range", map[string]interface{}{"name": "logs", "replicas": 9}, true},
		{"unknown field", map[string]interface{}{"name": "logs", "color": "red"}, true},
		{"nil state", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sr.ValidateState("bucket", tt.state)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Expected error=%v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestSchemaRegistryUnknownTypeAcceptsAnything(t *testing.T) {
	sr := NewSchemaRegistry()
	if err := sr.ValidateState("queue", map[string]interface{}{"anything": 1}); err != nil {
		t.Fatalf("Expected types without schema to pass, got %v", err)
	}
}

func TestSchemaRegistryRejectsInvalidSchema(t *testing.T) {
	sr := NewSchemaRegistry()
	if err := sr.RegisterSchema("bucket", "name: string &"); err == nil {
		t.Fatal("Expected compile error")
	}
	if len(sr.ListSchemas()) != 0 {
		t.Errorf("Expected no schemas, got %v", sr.ListSchemas())
	}
}

func TestSchemaRegistryAsValidator(t *testing.T) {
	sr := NewSchemaRegistry()
	if err := sr.RegisterSchema("bucket", bucketSchema); err != nil {
		t.Fatalf("RegisterSchema failed: %v", err)
	}
	ctx := context.Background()

	good := &engine.Resource{ID: "b1", Type: "bucket", DesiredState: map[string]interface{}{"name": "logs"}}
	if err := sr.Validate(ctx, good); err != nil {
		t.Fatalf("Expected valid resource, got %v", err)
	}

	bad := &engine.Resource{ID: "b2", Type: "bucket", DesiredState: map[string]interface{}{"name": 7}}
	err := sr.Validate(ctx, bad)
	if err == nil {
		t.Fatal("Expected validation error")
	}
	if !engine.IsPlanningError(err) {
		t.Errorf("Expected planning error, got %v", err)
	}

	bad.Deleted = true
	if err := sr.Validate(ctx, bad); err != nil {
		t.Errorf("Expected deleted resources to skip schema checks, got %v", err)
	}

	sr.RemoveSchema("bucket")
	if _, ok := sr.Schema("bucket"); ok {
		t.Error("Expected schema to be removed")
	}
}

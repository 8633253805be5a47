package policy

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/keelhq/keel/pkg/engine"
)

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	eng, err := NewEngine(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func validResource() *engine.Resource {
	return &engine.Resource{
		ID:           "web-1",
		Type:         "server",
		Owner:        "platform",
		Project:      "shop",
		Region:       "eu-west-1",
		Environment:  "production",
		DesiredState: map[string]interface{}{"size": "m"},
	}
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t, Config{})

	var names []string
	for _, p := range eng.ListPolicies() {
		names = append(names, p.Name)
		if !p.Builtin {
			t.Errorf("Expected %s to be built-in", p.Name)
		}
	}

	want := []string{"ownership", "project-naming", "region-allow-list", "resource-identity"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Fatalf("Unexpected policies (-want +got):\n%s", diff)
	}
}

func TestNewEngineInvalidProjectPattern(t *testing.T) {
	if _, err := NewEngine(Config{ProjectPattern: "("}, zerolog.Nop()); err == nil {
		t.Fatal("Expected error for invalid project pattern")
	}
}

func TestEvaluateResource(t *testing.T) {
	eng := newTestEngine(t, Config{AllowedRegions: []string{"eu-west-1", "us-east-1"}})

	tests := []struct {
		name           string
		mutate         func(r *engine.Resource)
		wantAllowed    bool
		wantViolations []string
		wantWarnings   []string
	}{
		{
			name:        "valid resource",
			mutate:      func(r *engine.Resource) {},
			wantAllowed: true,
		},
		{
			name:           "production without owner",
			mutate:         func(r *engine.Resource) { r.Owner = "" },
			wantAllowed:    false,
			wantViolations: []string{"ownership"},
		},
		{
			name: "staging without owner warns",
			mutate: func(r *engine.Resource) {
				r.Owner = ""
				r.Environment = "staging"
			},
			wantAllowed:  true,
			wantWarnings: []string{"ownership"},
		},
		{
			name:           "region outside allow list",
			mutate:         func(r *engine.Resource) { r.Region = "ap-south-1" },
			wantAllowed:    false,
			wantViolations: []string{"region-allow-list"},
		},
		{
			name:        "empty region",
			mutate:      func(r *engine.Resource) { r.Region = "" },
			wantAllowed: true,
		},
		{
			name:           "project with uppercase and spaces",
			mutate:         func(r *engine.Resource) { r.Project = "Shop Team" },
			wantAllowed:    false,
			wantViolations: []string{"project-naming"},
		},
		{
			name:           "id with whitespace",
			mutate:         func(r *engine.Resource) { r.ID = "web 1" },
			wantAllowed:    false,
			wantViolations: []string{"resource-identity"},
		},
		{
			name: "deleted resource skips ownership",
			mutate: func(r *engine.Resource) {
				r.Owner = ""
				r.Deleted = true
			},
			wantAllowed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validResource()
			tt.mutate(r)

			result, err := eng.EvaluateResource(context.Background(), r, "apply")
			if err != nil {
				t.Fatalf("EvaluateResource failed: %v", err)
			}

			if result.Allowed != tt.wantAllowed {
				t.Fatalf("Expected allowed=%v, got %v (violations: %+v)", tt.wantAllowed, result.Allowed, result.Violations)
			}
			if diff := cmp.Diff(tt.wantViolations, policyNames(result.Violations)); diff != "" {
				t.Errorf("Unexpected violations (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantWarnings, policyNames(result.Warnings)); diff != "" {
				t.Errorf("Unexpected warnings (-want +got):\n%s", diff)
			}
			if len(result.EvaluatedPolicies) != 4 {
				t.Errorf("Expected 4 evaluated policies, got %d", len(result.EvaluatedPolicies))
			}
		})
	}
}

func policyNames(violations []Violation) []string {
	var names []string
	for _, v := range violations {
		names = append(names, v.Policy)
	}
	return names
}

func TestValidate(t *testing.T) {
	eng := newTestEngine(t, Config{})
	ctx := context.Background()

	if err := eng.Validate(ctx, validResource()); err != nil {
		t.Fatalf("Expected valid resource to pass, got %v", err)
	}

	r := validResource()
	r.Owner = ""
	err := eng.Validate(ctx, r)
	if err == nil {
		t.Fatal("Expected validation error")
	}
	if !engine.IsPlanningError(err) {
		t.Errorf("Expected planning error, got %v", err)
	}
	if code := engine.ErrorCode(err); code != engine.ErrCodeValidation {
		t.Errorf("Expected code %s, got %s", engine.ErrCodeValidation, code)
	}
}

func TestDisabledBuiltins(t *testing.T) {
	eng := newTestEngine(t, Config{Disabled: []string{"ownership"}})

	r := validResource()
	r.Owner = ""
	if err := eng.Validate(context.Background(), r); err != nil {
		t.Fatalf("Expected disabled ownership policy to be skipped, got %v", err)
	}

	p, err := eng.GetPolicy("ownership")
	if err != nil {
		t.Fatalf("GetPolicy failed: %v", err)
	}
	if p.Enabled {
		t.Error("Expected ownership policy to be disabled")
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	eng := newTestEngine(t, Config{})
	ctx := context.Background()

	r := validResource()
	r.Project = "Bad Name"

	if err := eng.DisablePolicy("project-naming"); err != nil {
		t.Fatalf("DisablePolicy failed: %v", err)
	}
	if err := eng.Validate(ctx, r); err != nil {
		t.Fatalf("Expected no error with policy disabled, got %v", err)
	}

	if err := eng.EnablePolicy("project-naming"); err != nil {
		t.Fatalf("EnablePolicy failed: %v", err)
	}
	if err := eng.Validate(ctx, r); err == nil {
		t.Fatal("Expected error with policy enabled")
	}

	if err := eng.EnablePolicy("missing"); err == nil {
		t.Error("Expected error enabling unknown policy")
	}
}

const latestTagPolicy = `package keel.custom.images

import rego.v1

deny contains msg if {
	endswith(input.resource.desired_state.image, ":latest")
	msg := sprintf("resource %s uses a floating image tag", [input.resource.id])
}
`

func TestReplaceCustomPolicies(t *testing.T) {
	eng := newTestEngine(t, Config{})
	ctx := context.Background()

	r := validResource()
	r.DesiredState["image"] = "nginx:latest"

	if err := eng.Validate(ctx, r); err != nil {
		t.Fatalf("Expected no error before custom policy, got %v", err)
	}

	custom := []Policy{{Name: "no-latest", Rego: latestTagPolicy, Enabled: true}}
	if err := eng.ReplaceCustomPolicies(ctx, custom); err != nil {
		t.Fatalf("ReplaceCustomPolicies failed: %v", err)
	}

	result, err := eng.EvaluateResource(ctx, r, "apply")
	if err != nil {
		t.Fatalf("EvaluateResource failed: %v", err)
	}
	want := []Violation{{
		Policy:   "no-latest",
		Resource: "web-1",
		Message:  "resource web-1 uses a floating image tag",
		Severity: SeverityError,
	}}
	if diff := cmp.Diff(want, result.Violations); diff != "" {
		t.Fatalf("Unexpected violations (-want +got):\n%s", diff)
	}

	broken := []Policy{{Name: "broken", Rego: "package broken\n\ndeny[msg] {", Enabled: true}}
	if err := eng.ReplaceCustomPolicies(ctx, broken); err == nil {
		t.Fatal("Expected compile error")
	}
	if _, err := eng.GetPolicy("no-latest"); err != nil {
		t.Errorf("Expected previous custom policy to be kept, got %v", err)
	}

	shadow := []Policy{{Name: "ownership", Rego: latestTagPolicy, Enabled: true}}
	if err := eng.ReplaceCustomPolicies(ctx, shadow); err == nil {
		t.Fatal("Expected error replacing a built-in policy")
	}

	if err := eng.ReplaceCustomPolicies(ctx, nil); err != nil {
		t.Fatalf("ReplaceCustomPolicies failed: %v", err)
	}
	if err := eng.Validate(ctx, r); err != nil {
		t.Fatalf("Expected no error after custom policies removed, got %v", err)
	}
	if len(eng.ListPolicies()) != 4 {
		t.Errorf("Expected only built-in policies, got %d", len(eng.ListPolicies()))
	}
}

func TestRemovePolicy(t *testing.T) {
	eng := newTestEngine(t, Config{})

	if err := eng.RemovePolicy("region-allow-list"); err != nil {
		t.Fatalf("RemovePolicy failed: %v", err)
	}
	if _, err := eng.GetPolicy("region-allow-list"); err == nil {
		t.Error("Expected removed policy to be gone")
	}
	if err := eng.RemovePolicy("region-allow-list"); err == nil {
		t.Error("Expected error removing a missing policy")
	}
}

func TestRegistersAsValidator(t *testing.T) {
	eng := newTestEngine(t, Config{})

	registry := engine.NewRegistry()
	registry.RegisterValidator("policy", eng)

	if len(registry.Validators()) != 1 {
		t.Fatalf("Expected 1 validator, got %d", len(registry.Validators()))
	}
}

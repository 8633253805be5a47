package config

import (
	"github.com/keelhq/keel/pkg/engine"
)

// CatalogFile is the document a catalog file decodes to.
type CatalogFile struct {
	Types []TypeSpec `yaml:"types" validate:"dive"`
}

// TypeSpec declares one resource type: its desired state schema, its edge
// constraints, and the lifecycle processes that create, update, and delete it.
type TypeSpec struct {
	// Type is the resource type tag.
	Type string `yaml:"type" validate:"required"`

	// Description is shown by the CLI.
	Description string `yaml:"description"`

	// Schema is a CUE expression every desired state of this type must unify with.
	Schema string `yaml:"schema"`

	// Inputs are the allowed input slots keyed by slot name.
	Inputs map[string]engine.EdgeDefinition `yaml:"inputs" validate:"dive"`

	// Outputs are the allowed output slots keyed by slot name.
	Outputs map[string]engine.EdgeDefinition `yaml:"outputs" validate:"dive"`

	// Parent is the required parent constraint.
	Parent *engine.EdgeDefinition `yaml:"parent" validate:"omitempty"`

	// Children are the allowed child constraints.
	Children []engine.EdgeDefinition `yaml:"children" validate:"dive"`

	// PlanScript is a Starlark script run while planning. See PlanScriptResult.
	PlanScript string `yaml:"plan_script"`

	// Create, Update and Delete are the process templates for each kind of
	// change. A missing template means the change is persisted without work.
	Create *ProcessTemplate `yaml:"create" validate:"omitempty"`
	Update *ProcessTemplate `yaml:"update" validate:"omitempty"`
	Delete *ProcessTemplate `yaml:"delete" validate:"omitempty"`
}

// ProcessTemplate is the declarative form of a lifecycle process.
type ProcessTemplate struct {
	// Start is the instance id of the first task.
	Start string `yaml:"start" validate:"required"`

	// Context seeds the process context.
	Context map[string]interface{} `yaml:"context"`

	// Tasks are the process nodes.
	Tasks []TaskTemplate `yaml:"tasks" validate:"required,min=1,dive"`
}

// TaskTemplate is one node of a ProcessTemplate.
type TaskTemplate struct {
	ID          string                 `yaml:"id" validate:"required"`
	Definition  string                 `yaml:"definition" validate:"required"`
	Context     map[string]interface{} `yaml:"context"`
	OnSucceeded []string               `yaml:"on_succeeded"`
	OnFailed    []string               `yaml:"on_failed"`
	OnCancelled []string               `yaml:"on_cancelled"`
}

// PlanScriptResult holds the globals a plan script may set. Every field is
// optional.
type PlanScriptResult struct {
	// ResourceID asks the planner to substitute this id for the proposed one.
	ResourceID string

	// Upstream replaces the default upstream vertex ids.
	Upstream []string

	// DesiredState replaces the proposed desired state.
	DesiredState map[string]interface{}

	// Context is merged into the process context.
	Context map[string]interface{}

	// Skip plans no process for this change.
	Skip bool
}

// StarlarkResult represents the result of a Starlark script execution.
type StarlarkResult struct {
	// Output contains the exported global variables.
	Output map[string]interface{}

	// Prints collects print() output.
	Prints []string
}

package policy

import (
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for errors that block planning.
	SeverityError Severity = "error"

	// SeverityCritical is for critical violations that block planning.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether a violation of this severity rejects the resource.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. The package must define a deny set.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Builtin marks policies shipped with Keel.
	Builtin bool `json:"builtin,omitempty"`
}

// Violation represents a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Resource is the resource ID that violated the policy.
	Resource string `json:"resource,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`
}

// Result represents the result of evaluating every enabled policy against one
// resource.
type Result struct {
	// Allowed is false when any violation blocks.
	Allowed bool `json:"allowed"`

	// Violations lists blocking policy violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists non-blocking violations.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Input is the document policies see as `input`.
type Input struct {
	// Resource is the proposed resource, with its JSON field names.
	Resource map[string]interface{} `json:"resource"`

	// Operation is the operation being performed (create, update, delete).
	Operation string `json:"operation,omitempty"`
}

// Bundle represents a collection of related policies stored as one JSON file.
type Bundle struct {
	// Name is the unique name of the bundle.
	Name string `json:"name"`

	// Version is the bundle version.
	Version string `json:"version"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Policies are the policies in this bundle.
	Policies []Policy `json:"policies"`
}

// Config configures the policy engine and the data its built-in policies read.
type Config struct {
	// Dir holds custom .rego and .json policy files. Empty means built-ins only.
	Dir string `yaml:"dir" json:"dir"`

	// Watch reloads custom policies when files under Dir change.
	Watch bool `yaml:"watch" json:"watch"`

	// AllowedRegions restricts Resource.Region. Empty allows any region.
	AllowedRegions []string `yaml:"allowed_regions" json:"allowed_regions"`

	// ProjectPattern is the regular expression Resource.Project must match.
	ProjectPattern string `yaml:"project_pattern" json:"project_pattern"`

	// Disabled names built-in policies to turn off.
	Disabled []string `yaml:"disabled" json:"disabled"`
}

// DefaultProjectPattern matches lowercase project and group names.
const DefaultProjectPattern = `^[a-z0-9@_-]+$`

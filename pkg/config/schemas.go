package config

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"

	"github.com/keelhq/keel/pkg/engine"
)

// SchemaRegistry holds one CUE schema per resource type and validates desired
// states against them. It implements engine.ResourceValidator.
type SchemaRegistry struct {
	mu      sync.Mutex
	ctx     *cue.Context
	schemas map[string]cue.Value
	sources map[string]string
}

var _ engine.ResourceValidator = (*SchemaRegistry)(nil)

// NewSchemaRegistry creates an empty schema registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
		sources: make(map[string]string),
	}
}

// RegisterSchema compiles schema as the closed struct every desired state of
// resourceType must unify with. Fields not declared by the schema are rejected.
func (sr *SchemaRegistry) RegisterSchema(resourceType, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(fmt.Sprintf("close({\n%s\n})", schema), cue.Filename(resourceType+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema for %s: %s", resourceType, formatCUEError(err))
	}

	sr.schemas[resourceType] = val
	sr.sources[resourceType] = schema
	return nil
}

// RemoveSchema drops the schema of resourceType.
func (sr *SchemaRegistry) RemoveSchema(resourceType string) {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	delete(sr.schemas, resourceType)
	delete(sr.sources, resourceType)
}

// Schema returns the source of the schema registered for resourceType.
func (sr *SchemaRegistry) Schema(resourceType string) (string, bool) {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	src, ok := sr.sources[resourceType]
	return src, ok
}

// ListSchemas returns the resource types that have a schema.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateState checks state against the schema of resourceType. Types
// without a schema accept any state.
func (sr *SchemaRegistry) ValidateState(resourceType string, state map[string]interface{}) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	schema, ok := sr.schemas[resourceType]
	if !ok {
		return nil
	}
	if state == nil {
		state = map[string]interface{}{}
	}

	data := sr.ctx.Encode(state)
	if err := data.Err(); err != nil {
		return fmt.Errorf("failed to encode desired state: %w", err)
	}

	if err := schema.Unify(data).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("%s", formatCUEError(err))
	}
	return nil
}

// Validate implements engine.ResourceValidator. Deleted resources are not
// checked.
func (sr *SchemaRegistry) Validate(_ context.Context, resource *engine.Resource) error {
	if resource.Deleted {
		return nil
	}
	if err := sr.ValidateState(resource.Type, resource.DesiredState); err != nil {
		return engine.NewPlanningError(engine.ErrCodeValidation,
			fmt.Sprintf("desired state does not match the %s schema: %v", resource.Type, err)).
			WithResource(resource.ID).
			WithOperation("schema")
	}
	return nil
}

func formatCUEError(err error) string {
	errs := cueerrors.Errors(err)
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msgs = append(msgs, strings.TrimSpace(cueerrors.Details(e, nil)))
	}
	if len(msgs) == 0 {
		return err.Error()
	}
	return strings.Join(msgs, "; ")
}

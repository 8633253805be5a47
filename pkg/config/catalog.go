package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"sync"

	"cuelang.org/go/cue/cuecontext"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/keelhq/keel/pkg/engine"
)

// Catalog registers declarative resource types from YAML or CUE files on an
// engine registry, together with their desired state schemas.
type Catalog struct {
	registry  *engine.Registry
	schemas   *SchemaRegistry
	evaluator *StarlarkEvaluator
	logger    zerolog.Logger

	mu    sync.Mutex
	types map[string]TypeSpec
}

// NewCatalog creates a catalog that registers onto registry and schemas.
func NewCatalog(registry *engine.Registry, schemas *SchemaRegistry, evaluator *StarlarkEvaluator, logger zerolog.Logger) *Catalog {
	return &Catalog{
		registry:  registry,
		schemas:   schemas,
		evaluator: evaluator,
		logger:    logger.With().Str("component", "catalog").Logger(),
		types:     make(map[string]TypeSpec),
	}
}

// Load reads path and replaces the types registered by an earlier Load. Types
// that disappeared are unregistered. Nothing changes when any file is invalid.
func (c *Catalog) Load(path string) ([]TypeSpec, error) {
	specs, err := ReadCatalog(path)
	if err != nil {
		return nil, err
	}

	defs := make([]*DeclarativeDefinition, 0, len(specs))
	for _, spec := range specs {
		def, err := NewDeclarativeDefinition(spec, c.evaluator)
		if err != nil {
			return nil, err
		}
		if spec.Schema != "" {
			if err := checkSchema(spec.Type, spec.Schema); err != nil {
				return nil, err
			}
		}
		defs = append(defs, def)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	next := make(map[string]TypeSpec, len(specs))
	for i, def := range defs {
		if err := c.registry.RegisterResourceDefinition(def); err != nil {
			return nil, err
		}
		c.schemas.RemoveSchema(def.Type())
		if specs[i].Schema != "" {
			if err := c.schemas.RegisterSchema(def.Type(), specs[i].Schema); err != nil {
				return nil, err
			}
		}
		next[def.Type()] = specs[i]
	}
	for typ := range c.types {
		if _, ok := next[typ]; !ok {
			c.registry.UnregisterResourceDefinition(typ)
			c.schemas.RemoveSchema(typ)
			c.logger.Info().Str("type", typ).Msg("Resource type removed from catalog")
		}
	}
	c.types = next

	c.logger.Info().Int("types", len(specs)).Str("path", path).Msg("Catalog loaded")
	return specs, nil
}

// Types returns the currently registered catalog types ordered by name.
func (c *Catalog) Types() []TypeSpec {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]TypeSpec, 0, len(c.types))
	for _, spec := range c.types {
		out = append(out, spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

func checkSchema(resourceType, schema string) error {
	val := cuecontext.New().CompileString(fmt.Sprintf("close({\n%s\n})", schema))
	if err := val.Err(); err != nil {
		return fmt.Errorf("invalid schema for %s: %s", resourceType, formatCUEError(err))
	}
	return nil
}

// ReadCatalog reads a catalog file, or every .yaml, .yml and .cue file in a
// directory, and validates the declared types.
func ReadCatalog(path string) ([]TypeSpec, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat catalog %s: %w", path, err)
	}

	files := []string{path}
	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read catalog directory: %w", err)
		}
		files = files[:0]
		for _, e := range entries {
			if !e.IsDir() && isCatalogFile(e.Name()) {
				files = append(files, filepath.Join(path, e.Name()))
			}
		}
	}

	var specs []TypeSpec
	seen := make(map[string]string)
	for _, file := range files {
		doc, err := readCatalogFile(file)
		if err != nil {
			return nil, err
		}
		if err := validate.Struct(doc); err != nil {
			return nil, fmt.Errorf("%s: %w", file, formatValidationErrors(err))
		}
		for _, spec := range doc.Types {
			if prev, dup := seen[spec.Type]; dup {
				return nil, fmt.Errorf("resource type %s declared in both %s and %s", spec.Type, prev, file)
			}
			seen[spec.Type] = file
			specs = append(specs, spec)
		}
	}

	sort.Slice(specs, func(i, j int) bool { return specs[i].Type < specs[j].Type })
	return specs, nil
}

func isCatalogFile(name string) bool {
	switch filepath.Ext(name) {
	case ".yaml", ".yml", ".cue":
		return true
	}
	return false
}

// readCatalogFile decodes YAML directly. CUE files are evaluated and exported
// to JSON, which decodes through the same YAML tags.
func readCatalogFile(file string) (*CatalogFile, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}

	if filepath.Ext(file) == ".cue" {
		val := cuecontext.New().CompileBytes(data)
		if err := val.Err(); err != nil {
			return nil, fmt.Errorf("%s: %s", file, formatCUEError(err))
		}
		data, err = val.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("%s: failed to export CUE: %s", file, formatCUEError(err))
		}
	}

	var doc CatalogFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse catalog file %s: %w", file, err)
	}
	return &doc, nil
}

// DeclarativeDefinition is an engine.ResourceDefinition built from a TypeSpec.
type DeclarativeDefinition struct {
	spec      TypeSpec
	evaluator *StarlarkEvaluator
}

var _ engine.ResourceDefinition = (*DeclarativeDefinition)(nil)

// NewDeclarativeDefinition checks spec and wraps it as a resource definition.
func NewDeclarativeDefinition(spec TypeSpec, evaluator *StarlarkEvaluator) (*DeclarativeDefinition, error) {
	if spec.Type == "" {
		return nil, fmt.Errorf("resource type is required")
	}
	for name, tmpl := range map[string]*ProcessTemplate{"create": spec.Create, "update": spec.Update, "delete": spec.Delete} {
		if tmpl == nil {
			continue
		}
		if err := checkTemplate(tmpl); err != nil {
			return nil, fmt.Errorf("type %s: %s process: %w", spec.Type, name, err)
		}
	}
	if spec.PlanScript != "" {
		if evaluator == nil {
			return nil, fmt.Errorf("type %s: plan_script needs a starlark evaluator", spec.Type)
		}
		if err := evaluator.Check(spec.Type+".plan.star", spec.PlanScript); err != nil {
			return nil, fmt.Errorf("type %s: %w", spec.Type, err)
		}
	}
	return &DeclarativeDefinition{spec: spec, evaluator: evaluator}, nil
}

func checkTemplate(tmpl *ProcessTemplate) error {
	ids := make(map[string]bool, len(tmpl.Tasks))
	for _, t := range tmpl.Tasks {
		if ids[t.ID] {
			return fmt.Errorf("duplicate task %s", t.ID)
		}
		ids[t.ID] = true
	}
	if !ids[tmpl.Start] {
		return fmt.Errorf("start task %s is not declared", tmpl.Start)
	}
	return nil
}

// Type implements engine.ResourceDefinition.
func (d *DeclarativeDefinition) Type() string { return d.spec.Type }

// Spec returns the declaration this definition was built from.
func (d *DeclarativeDefinition) Spec() TypeSpec { return d.spec }

// RequiredInboundEdgeTypes implements engine.ResourceDefinition.
func (d *DeclarativeDefinition) RequiredInboundEdgeTypes() map[string]engine.EdgeDefinition {
	return copyEdges(d.spec.Inputs)
}

// RequiredOutboundEdgeTypes implements engine.ResourceDefinition.
func (d *DeclarativeDefinition) RequiredOutboundEdgeTypes() map[string]engine.EdgeDefinition {
	return copyEdges(d.spec.Outputs)
}

// RequiredParentEdgeType implements engine.ResourceDefinition.
func (d *DeclarativeDefinition) RequiredParentEdgeType() *engine.EdgeDefinition {
	if d.spec.Parent == nil {
		return nil
	}
	parent := *d.spec.Parent
	return &parent
}

// RequiredChildEdgeTypes implements engine.ResourceDefinition.
func (d *DeclarativeDefinition) RequiredChildEdgeTypes() []engine.EdgeDefinition {
	if d.spec.Children == nil {
		return nil
	}
	return append([]engine.EdgeDefinition(nil), d.spec.Children...)
}

func copyEdges(in map[string]engine.EdgeDefinition) map[string]engine.EdgeDefinition {
	out := make(map[string]engine.EdgeDefinition, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// PlanChange implements engine.ResourceDefinition. It picks the create, update
// or delete template, lets the plan script adjust the result, and instantiates
// the template as a lifecycle process.
//
// Without a plan script, creates and updates wait for input peers and the
// parent; deletes wait for output peers and children. An update that leaves
// the desired state unchanged plans no process.
func (d *DeclarativeDefinition) PlanChange(ctx context.Context, change *engine.ResourceChange) (*engine.Plan, error) {
	proposed := change.ProposedResource
	current := change.CurrentResource

	var (
		processType engine.ProcessType
		tmpl        *ProcessTemplate
	)
	switch {
	case proposed.Deleted && current == nil:
		return &engine.Plan{ProposedResource: proposed}, nil
	case proposed.Deleted:
		processType, tmpl = engine.ProcessDelete, d.spec.Delete
	case current == nil:
		processType, tmpl = engine.ProcessCreate, d.spec.Create
	default:
		processType, tmpl = engine.ProcessUpdate, d.spec.Update
	}

	out := *proposed
	plan := &engine.Plan{
		ProposedResource:  &out,
		UpstreamVertexIDs: defaultUpstream(proposed, processType),
	}

	var scripted PlanScriptResult
	if d.spec.PlanScript != "" {
		res, err := d.runPlanScript(ctx, change, processType)
		if err != nil {
			return nil, err
		}
		scripted = *res
		if scripted.ResourceID != "" {
			plan.UpdatedResourceID = scripted.ResourceID
		}
		if scripted.Upstream != nil {
			plan.UpstreamVertexIDs = scripted.Upstream
		}
		if scripted.DesiredState != nil {
			out.DesiredState = scripted.DesiredState
		}
	}

	if tmpl == nil || scripted.Skip {
		return plan, nil
	}
	if processType == engine.ProcessUpdate && jsonEqual(current.DesiredState, out.DesiredState) {
		return plan, nil
	}

	process, err := instantiate(tmpl, processType, &out, scripted.Context)
	if err != nil {
		return nil, err
	}
	plan.Process = process
	return plan, nil
}

func defaultUpstream(r *engine.Resource, processType engine.ProcessType) []string {
	var ids []string
	if processType == engine.ProcessDelete {
		ids = append(ids, r.OutputResources.IDs()...)
		ids = append(ids, r.ChildResources.Sorted()...)
	} else {
		ids = append(ids, r.InputResources.IDs()...)
		if r.ParentResource != "" {
			ids = append(ids, r.ParentResource)
		}
	}
	return ids
}

func (d *DeclarativeDefinition) runPlanScript(ctx context.Context, change *engine.ResourceChange, processType engine.ProcessType) (*PlanScriptResult, error) {
	resource, err := toDocument(change.ProposedResource)
	if err != nil {
		return nil, err
	}
	var current interface{}
	if change.CurrentResource != nil {
		if current, err = toDocument(change.CurrentResource); err != nil {
			return nil, err
		}
	}
	var currentState interface{}
	if change.CurrentState != nil {
		currentState = normalizeTree(change.CurrentState)
	}

	res, err := d.evaluator.Evaluate(ctx, d.spec.Type+".plan.star", d.spec.PlanScript, map[string]interface{}{
		"resource":      resource,
		"current":       current,
		"current_state": currentState,
		"operation":     string(processType),
		"requester":     change.Requester,
	})
	if err != nil {
		return nil, engine.NewPlanningError(engine.ErrCodeValidation, "plan script failed").
			WithResource(change.ProposedResource.ID).
			WithCause(err)
	}

	out := &PlanScriptResult{}
	for name, val := range res.Output {
		switch name {
		case "resource_id":
			out.ResourceID, _ = val.(string)
		case "upstream":
			list, ok := val.([]interface{})
			if !ok {
				return nil, fmt.Errorf("plan script: upstream must be a list")
			}
			out.Upstream = make([]string, 0, len(list))
			for _, item := range list {
				s, ok := item.(string)
				if !ok {
					return nil, fmt.Errorf("plan script: upstream must hold strings")
				}
				out.Upstream = append(out.Upstream, s)
			}
		case "desired_state":
			m, ok := val.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("plan script: desired_state must be a dict")
			}
			out.DesiredState = m
		case "context":
			m, ok := val.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("plan script: context must be a dict")
			}
			out.Context = m
		case "skip":
			out.Skip, _ = val.(bool)
		}
	}
	return out, nil
}

// instantiate builds a process from tmpl. The process context holds the
// template context, a "resource" summary, the plan script context, and each
// task's own context under its instance id.
func instantiate(tmpl *ProcessTemplate, processType engine.ProcessType, r *engine.Resource, scripted map[string]interface{}) (*engine.LifecycleProcess, error) {
	pctx := normalizeTree(tmpl.Context)
	if pctx == nil {
		pctx = make(map[string]interface{})
	}
	pctx["resource"] = map[string]interface{}{
		"id":            r.ID,
		"type":          r.Type,
		"owner":         r.Owner,
		"project":       r.Project,
		"region":        r.Region,
		"environment":   r.Environment,
		"desired_state": normalizeTree(r.DesiredState),
	}
	if scripted != nil {
		merged, err := engine.MergeContext(pctx, scripted)
		if err != nil {
			return nil, err
		}
		pctx = merged
	}
	for _, t := range tmpl.Tasks {
		if t.Context != nil {
			pctx[t.ID] = normalizeTree(t.Context)
		}
	}

	p := engine.NewLifecycleProcess(tmpl.Start, pctx)
	p.ProcessType = processType
	for _, t := range tmpl.Tasks {
		if err := p.AddTask(engine.NewTask(t.ID, t.Definition, t.OnSucceeded, t.OnFailed, t.OnCancelled)); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func toDocument(r *engine.Resource) (map[string]interface{}, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode resource %s: %w", r.ID, err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode resource %s: %w", r.ID, err)
	}
	return doc, nil
}

// normalizeTree deep copies m through JSON so numbers compare the same way
// whether they came from YAML, Starlark, or the store.
func normalizeTree(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return m
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return m
	}
	return out
}

func jsonEqual(a, b map[string]interface{}) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(normalizeTree(a), normalizeTree(b))
}

package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/keelhq/keel/pkg/engine"
)

// Engine evaluates Rego policies against proposed resources. It implements
// engine.ResourceValidator so it can be registered on the planner's registry.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	store    storage.Store
	logger   zerolog.Logger
	now      func() time.Time
}

var _ engine.ResourceValidator = (*Engine)(nil)

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   Policy
	pkg      string
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine loaded with the built-in policies. The
// configured region allow-list and project pattern are exposed to policies
// under data.keel.config.
func NewEngine(cfg Config, logger zerolog.Logger) (*Engine, error) {
	pattern := cfg.ProjectPattern
	if pattern == "" {
		pattern = DefaultProjectPattern
	}
	if _, err := regexp.Compile(pattern); err != nil {
		return nil, fmt.Errorf("invalid project pattern %q: %w", pattern, err)
	}

	regions := make([]interface{}, 0, len(cfg.AllowedRegions))
	for _, r := range cfg.AllowedRegions {
		regions = append(regions, r)
	}

	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		store: inmem.NewFromObject(map[string]interface{}{
			"keel": map[string]interface{}{
				"config": map[string]interface{}{
					"allowed_regions": regions,
					"project_pattern": pattern,
				},
			},
		}),
		logger: logger.With().Str("component", "policy").Logger(),
		now:    time.Now,
	}

	disabled := make(map[string]bool, len(cfg.Disabled))
	for _, name := range cfg.Disabled {
		disabled[name] = true
	}

	ctx := context.Background()
	for _, p := range BuiltinPolicies() {
		if disabled[p.Name] {
			p.Enabled = false
		}
		if err := e.compileAndStorePolicy(ctx, p); err != nil {
			return nil, fmt.Errorf("failed to load built-in policy %s: %w", p.Name, err)
		}
	}

	return e, nil
}

// Validate rejects the resource when any enabled policy reports a blocking
// violation. Warnings are logged.
func (e *Engine) Validate(ctx context.Context, resource *engine.Resource) error {
	result, err := e.EvaluateResource(ctx, resource, operationFor(resource))
	if err != nil {
		return err
	}

	for _, w := range result.Warnings {
		e.logger.Warn().
			Str("policy", w.Policy).
			Str("resource_id", resource.ID).
			Msg(w.Message)
	}

	if result.Allowed {
		return nil
	}

	messages := make([]string, 0, len(result.Violations))
	for _, v := range result.Violations {
		messages = append(messages, fmt.Sprintf("%s: %s", v.Policy, v.Message))
	}
	return engine.NewPlanningError(engine.ErrCodeValidation, strings.Join(messages, "; ")).
		WithResource(resource.ID).
		WithOperation("policy").
		WithDetail("violations", result.Violations)
}

func operationFor(r *engine.Resource) string {
	if r.Deleted {
		return "delete"
	}
	return "apply"
}

// EvaluateResource runs every enabled policy against one resource.
func (e *Engine) EvaluateResource(ctx context.Context, resource *engine.Resource, operation string) (*Result, error) {
	start := e.now()

	input, err := buildInput(resource, operation)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &Result{Allowed: true, EvaluatedPolicies: make([]string, 0, len(e.policies))}
	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		violations, err := e.evaluatePolicy(ctx, cp, input, resource.ID)
		if err != nil {
			return nil, engine.NewTransientError(fmt.Sprintf("policy %s evaluation failed", name), err).
				WithResource(resource.ID)
		}
		for _, v := range violations {
			if v.Severity.Blocks() {
				result.Allowed = false
				result.Violations = append(result.Violations, v)
			} else {
				result.Warnings = append(result.Warnings, v)
			}
		}
	}
	result.Duration = e.now().Sub(start)

	return result, nil
}

// buildInput converts the resource to plain JSON values so policies see the
// same field names the store persists.
func buildInput(resource *engine.Resource, operation string) (map[string]interface{}, error) {
	raw, err := json.Marshal(resource)
	if err != nil {
		return nil, fmt.Errorf("failed to encode resource %s: %w", resource.ID, err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode resource %s: %w", resource.ID, err)
	}
	return map[string]interface{}{
		"resource":  doc,
		"operation": operation,
	}, nil
}

func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input map[string]interface{}, resourceID string) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, err
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d, resourceID))
		}
	}

	sort.Slice(violations, func(i, j int) bool {
		return violations[i].Message < violations[j].Message
	})
	return violations, nil
}

func createViolation(policy Policy, result interface{}, resourceID string) Violation {
	violation := Violation{
		Policy:   policy.Name,
		Resource: resourceID,
		Severity: policy.Severity,
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = Severity(sev)
		}
		if res, ok := v["resource"].(string); ok {
			violation.Resource = res
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

// AddPolicy compiles and adds or replaces a policy.
func (e *Engine) AddPolicy(ctx context.Context, policy Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.compileAndStorePolicy(ctx, policy)
}

// ReplaceCustomPolicies swaps every non-built-in policy for the given set. The
// swap is all or nothing: when one policy fails to compile the current set is
// kept.
func (e *Engine) ReplaceCustomPolicies(ctx context.Context, policies []Policy) error {
	compiled := make(map[string]*compiledPolicy, len(policies))
	for _, p := range policies {
		if p.Builtin {
			return fmt.Errorf("policy %s: custom policies cannot be marked built-in", p.Name)
		}
		cp, err := e.compile(ctx, p)
		if err != nil {
			return err
		}
		compiled[p.Name] = cp
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for name := range compiled {
		if existing, ok := e.policies[name]; ok && existing.policy.Builtin {
			return fmt.Errorf("policy %s: name is taken by a built-in policy", name)
		}
	}
	for name, cp := range e.policies {
		if !cp.policy.Builtin {
			delete(e.policies, name)
		}
	}
	for name, cp := range compiled {
		e.policies[name] = cp
	}

	e.logger.Info().Int("count", len(compiled)).Msg("Custom policies loaded")
	return nil
}

// RemovePolicy removes a policy by name.
func (e *Engine) RemovePolicy(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.policies[name]; !ok {
		return fmt.Errorf("policy not found: %s", name)
	}
	delete(e.policies, name)
	return nil
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, ok := e.policies[name]
	if !ok {
		return Policy{}, fmt.Errorf("policy not found: %s", name)
	}
	return cp.policy, nil
}

// ListPolicies returns all loaded policies ordered by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, e.policies[name].policy)
	}
	return policies
}

// EnablePolicy enables a policy.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, ok := e.policies[name]
	if !ok {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled

	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}

// sortedNames must be called with e.mu held.
func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// compileAndStorePolicy must be called with e.mu held for writing, or before
// the engine is shared.
func (e *Engine) compileAndStorePolicy(ctx context.Context, policy Policy) error {
	cp, err := e.compile(ctx, policy)
	if err != nil {
		return err
	}
	e.policies[policy.Name] = cp
	return nil
}

func (e *Engine) compile(ctx context.Context, policy Policy) (*compiledPolicy, error) {
	if policy.Name == "" {
		return nil, fmt.Errorf("policy name is required")
	}
	if policy.Severity == "" {
		policy.Severity = SeverityError
	}

	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy %s: %w", policy.Name, err)
	}
	if module == nil {
		return nil, fmt.Errorf("policy %s is empty", policy.Name)
	}
	pkg := module.Package.Path.String()

	query, err := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Store(e.store),
		rego.Query(pkg+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare policy %s: %w", policy.Name, err)
	}

	e.logger.Debug().
		Str("policy", policy.Name).
		Str("package", pkg).
		Msg("Policy compiled")

	return &compiledPolicy{
		policy:   policy,
		pkg:      pkg,
		query:    query,
		compiled: e.now(),
	}, nil
}

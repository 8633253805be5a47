package engine

import (
	"fmt"
	"sort"
	"sync"
)

// Registry is the registration table for resource definitions, task definitions,
// and structural validators. It is built at startup and passed to the planner
// and the task runtime; definitions may be replaced later when their source
// files are reloaded.
type Registry struct {
	// mu protects the registry state.
	mu sync.RWMutex

	// resources maps resource type to its definition.
	resources map[string]ResourceDefinition

	// tasks maps task definition id to its definition.
	tasks map[string]TaskDefinition

	// validators maps validator name to validator.
	validators map[string]ResourceValidator
}

// NewRegistry creates a registry holding the built-in task definitions.
func NewRegistry() *Registry {
	r := &Registry{
		resources:  make(map[string]ResourceDefinition),
		tasks:      make(map[string]TaskDefinition),
		validators: make(map[string]ResourceValidator),
	}
	r.tasks[JoinTaskDefinitionID] = JoinTask{}
	return r
}

// RegisterResourceDefinition adds or replaces the definition for its type.
func (r *Registry) RegisterResourceDefinition(def ResourceDefinition) error {
	if def == nil || def.Type() == "" {
		return fmt.Errorf("resource definition must have a type")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.resources[def.Type()] = def
	return nil
}

// UnregisterResourceDefinition removes the definition for resourceType.
func (r *Registry) UnregisterResourceDefinition(resourceType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.resources, resourceType)
}

// ResourceDefinition returns the definition for resourceType.
func (r *Registry) ResourceDefinition(resourceType string) (ResourceDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.resources[resourceType]
	if !ok {
		return nil, NewPlanningError(ErrCodeNotFound,
			fmt.Sprintf("no resource definition registered for type %q", resourceType))
	}
	return def, nil
}

// ResourceTypes returns the registered resource types in lexical order.
func (r *Registry) ResourceTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.resources)
}

// RegisterTaskDefinition adds or replaces a task definition. The sentinel task
// ids are reserved.
func (r *Registry) RegisterTaskDefinition(def TaskDefinition) error {
	if def == nil || def.ID() == "" {
		return fmt.Errorf("task definition must have an id")
	}
	if isSentinel(def.ID()) {
		return fmt.Errorf("task definition id %q is reserved", def.ID())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[def.ID()] = def
	return nil
}

// TaskDefinition returns the task definition registered under id.
func (r *Registry) TaskDefinition(id string) (TaskDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tasks[id]
	return def, ok
}

// TaskDefinitionIDs returns the registered task definition ids in lexical order.
func (r *Registry) TaskDefinitionIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.tasks)
}

// RegisterValidator adds or replaces a named structural validator.
func (r *Registry) RegisterValidator(name string, v ResourceValidator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.validators[name] = v
}

// Validators returns the registered validators ordered by name.
func (r *Registry) Validators() []ResourceValidator {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.validators))
	for name := range r.validators {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]ResourceValidator, 0, len(names))
	for _, name := range names {
		out = append(out, r.validators[name])
	}
	return out
}

package plugins

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/keelhq/keel/pkg/engine"
)

// Registry holds loaded plugins keyed by name@version and the task
// definitions they export.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]*Plugin
	tasks   map[string]*TaskDefinition
	config  HostConfig
	logger  zerolog.Logger
}

// NewRegistry creates an empty plugin registry.
func NewRegistry(cfg HostConfig, logger zerolog.Logger) *Registry {
	return &Registry{
		plugins: make(map[string]*Plugin),
		tasks:   make(map[string]*TaskDefinition),
		config:  cfg.withDefaults(),
		logger:  logger.With().Str("component", "plugins").Logger(),
	}
}

// Register compiles wasm for manifest and adds its task definitions. Task ids
// must be unique across plugins.
func (r *Registry) Register(ctx context.Context, manifest *Manifest, wasm []byte) (*Plugin, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := manifest.Key()
	if _, exists := r.plugins[key]; exists {
		return nil, fmt.Errorf("plugin %s already registered", key)
	}
	for _, t := range manifest.Tasks {
		if owner, taken := r.tasks[t.ID]; taken {
			return nil, fmt.Errorf("task %s of plugin %s is already provided by %s", t.ID, key, owner.plugin.manifest.Key())
		}
	}

	plugin, err := NewPlugin(ctx, manifest, wasm, r.config, r.logger)
	if err != nil {
		return nil, err
	}

	r.plugins[key] = plugin
	for _, t := range manifest.Tasks {
		r.tasks[t.ID] = &TaskDefinition{id: t.ID, plugin: plugin}
	}

	r.logger.Info().Str("plugin", key).Strs("tasks", manifest.TaskIDs()).Msg("Plugin registered")
	return plugin, nil
}

// RegisterFromPath loads the manifest at path and registers its module.
func (r *Registry) RegisterFromPath(ctx context.Context, path string) (*Plugin, error) {
	manifest, err := LoadManifest(path)
	if err != nil {
		return nil, err
	}
	wasm, err := manifest.ReadModule()
	if err != nil {
		return nil, fmt.Errorf("plugin %s: %w", manifest.Key(), err)
	}
	return r.Register(ctx, manifest, wasm)
}

// ScanDirectory registers every <dir>/<plugin>/manifest.yaml. Plugins that
// fail to load are logged and skipped.
func (r *Registry) ScanDirectory(ctx context.Context, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read plugin directory: %w", err)
	}

	loaded := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name(), ManifestFileName)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if _, err := r.RegisterFromPath(ctx, path); err != nil {
			r.logger.Warn().Err(err).Str("path", path).Msg("Failed to register plugin")
			continue
		}
		loaded++
	}
	return loaded, nil
}

// RegisterTaskDefinitions adds every plugin task definition to registry.
func (r *Registry) RegisterTaskDefinitions(registry *engine.Registry) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, id := range sortedTaskIDs(r.tasks) {
		if err := registry.RegisterTaskDefinition(r.tasks[id]); err != nil {
			return fmt.Errorf("failed to register plugin task %s: %w", id, err)
		}
	}
	return nil
}

// TaskDefinition returns the plugin task definition with id.
func (r *Registry) TaskDefinition(id string) (*TaskDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tasks[id]
	return def, ok
}

// Get returns the plugin registered as name@version.
func (r *Registry) Get(name, version string) (*Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[buildPluginKey(name, version)]
	return p, ok
}

// List returns the registered manifests ordered by key.
func (r *Registry) List() []*Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Manifest, 0, len(r.plugins))
	for _, p := range r.plugins {
		out = append(out, p.manifest)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Unregister closes and removes a plugin and its task definitions. The
// definitions stay registered on any engine.Registry they were added to.
func (r *Registry) Unregister(ctx context.Context, name, version string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := buildPluginKey(name, version)
	plugin, ok := r.plugins[key]
	if !ok {
		return fmt.Errorf("plugin %s not found", key)
	}
	for id, def := range r.tasks {
		if def.plugin == plugin {
			delete(r.tasks, id)
		}
	}
	delete(r.plugins, key)
	return plugin.Close(ctx)
}

// Close closes all plugins.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for key, p := range r.plugins {
		if err := p.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to close plugin %s: %w", key, err))
		}
	}
	r.plugins = make(map[string]*Plugin)
	r.tasks = make(map[string]*TaskDefinition)

	if len(errs) > 0 {
		return fmt.Errorf("errors closing plugins: %v", errs)
	}
	return nil
}

func sortedTaskIDs(m map[string]*TaskDefinition) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

package source

import (
	"fmt"
	"sort"
	"sync"

	"github.com/driftdata/driftsync/pkg/config"
	"github.com/driftdata/driftsync/pkg/errors"
)

// Factory creates an adapter instance from configuration.
type Factory func(cfg *config.Config) (Adapter, error)

// Registry manages adapter registration and instantiation
type Registry struct {
	entries map[string]registryEntry
	mu      sync.RWMutex
}

type registryEntry struct {
	def     *Definition
	factory Factory
}

// Global registry instance, populated by adapter packages in init()
var globalRegistry = &Registry{entries: make(map[string]registryEntry)}

// Register registers an adapter factory with its definition. Called from
// adapter package init functions.
func Register(def *Definition, factory Factory) error {
	return globalRegistry.Register(def, factory)
}

// Create instantiates a registered adapter by name.
func Create(name string, cfg *config.Config) (Adapter, *Definition, error) {
	return globalRegistry.Create(name, cfg)
}

// List returns the registered source names, sorted.
func List() []string {
	return globalRegistry.List()
}

// Lookup returns the definition for a registered source.
func Lookup(name string) (*Definition, bool) {
	return globalRegistry.Lookup(name)
}

// Register registers an adapter factory with its definition
func (r *Registry) Register(def *Definition, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[def.Name]; exists {
		return errors.New(errors.ErrorTypeConfig,
			fmt.Sprintf("source %s already registered", def.Name))
	}

	r.entries[def.Name] = registryEntry{def: def, factory: factory}
	return nil
}

// Create instantiates a registered adapter by name
func (r *Registry) Create(name string, cfg *config.Config) (Adapter, *Definition, error) {
	r.mu.RLock()
	entry, exists := r.entries[name]
	r.mu.RUnlock()

	if !exists {
		return nil, nil, errors.New(errors.ErrorTypeConfig,
			fmt.Sprintf("source %s not found", name))
	}

	adapter, err := entry.factory(cfg)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrorTypeConfig,
			fmt.Sprintf("failed to create source %s", name))
	}

	return adapter, entry.def, nil
}

// List returns the registered source names, sorted
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the definition for a registered source
func (r *Registry) Lookup(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.entries[name]
	if !exists {
		return nil, false
	}
	return entry.def, true
}

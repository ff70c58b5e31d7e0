package node

import (
	"fmt"
	"sort"
	"sync"

	"github.com/anatoleotman/pyacq/errors"
)

// Factory creates a fresh Driver instance for one node.
type Factory func() Driver

// Registry maps driver type names to factories, so nodes can be spawned
// from configs that address device classes by name.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty driver registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a driver factory under a type name. Duplicate names fail.
func (r *Registry) Register(typeName string, factory Factory) error {
	if typeName == "" || factory == nil {
		return errors.WrapLifecycle(errors.ErrInvalidConfig, "Registry", "Register",
			"empty type name or nil factory")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[typeName]; exists {
		return errors.WrapLifecycle(
			fmt.Errorf("driver type %q already registered", typeName),
			"Registry", "Register", typeName)
	}
	r.factories[typeName] = factory
	return nil
}

// Create instantiates a node of the given driver type.
func (r *Registry) Create(typeName, nodeName string, deps Deps) (*Node, error) {
	r.mu.RLock()
	factory, ok := r.factories[typeName]
	r.mu.RUnlock()

	if !ok {
		return nil, errors.WrapLifecycle(
			fmt.Errorf("unknown driver type %q", typeName),
			"Registry", "Create", nodeName)
	}
	return New(nodeName, factory(), deps), nil
}

// Types returns the registered driver type names, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.factories))
	for name := range r.factories {
		types = append(types, name)
	}
	sort.Strings(types)
	return types
}

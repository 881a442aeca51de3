package provider

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps resource types to their providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
	}
}

// Register binds a provider to a resource type. Re-registering a type
// replaces the previous provider.
func (r *Registry) Register(resourceType string, p Provider) error {
	if resourceType == "" {
		return fmt.Errorf("resource type is required")
	}
	if p == nil {
		return fmt.Errorf("provider for %q is nil", resourceType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[resourceType] = p
	return nil
}

// Get returns the provider for a resource type.
func (r *Registry) Get(resourceType string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[resourceType]
	if !ok {
		return nil, fmt.Errorf("no provider registered for resource type %q", resourceType)
	}
	return p, nil
}

// Types returns the registered resource types in lexical order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.providers))
	for t := range r.providers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

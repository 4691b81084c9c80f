package projection

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/stackbound/opscore/pkg/eventstore"
)

// Registry maps name@version to projection definitions so multiple
// projections can share one event stream without coordination. It is an
// explicitly constructed object passed to the components that need it; there
// is no process-global registry.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// Register adds a definition, rejecting invalid versions and duplicate keys.
func (r *Registry) Register(def Definition) error {
	if err := def.validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := def.Key()
	if _, exists := r.defs[key]; exists {
		return fmt.Errorf("projection: %s already registered", key)
	}
	r.defs[key] = def
	return nil
}

// Get retrieves a definition by name and version.
func (r *Registry) Get(name, version string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name+"@"+version]
	return def, ok
}

// Rebuild resolves a definition and folds the store's stream through it.
func (r *Registry) Rebuild(ctx context.Context, name, version string, store eventstore.Store) (*Result, error) {
	def, ok := r.Get(name, version)
	if !ok {
		return nil, fmt.Errorf("projection: %s@%s not registered", name, version)
	}
	return Rebuild(ctx, def, store)
}

// Keys returns the registered keys, sorted.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.defs))
	for key := range r.defs {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

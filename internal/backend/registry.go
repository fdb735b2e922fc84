package backend

import (
	"fmt"
	"sort"
	"sync"
)

// Info pairs a registered target name with its backend kind.
type Info struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
}

// Registry holds one constructed backend per execution target, keyed by the
// target's name.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

// NewRegistry creates an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{
		backends: make(map[string]Backend),
	}
}

// Register adds a backend under the given target name.
func (r *Registry) Register(name string, b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[name] = b
}

// Resolve returns the backend for the named target.
func (r *Registry) Resolve(name string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.backends[name]
	if !ok {
		return nil, fmt.Errorf("target %q is not registered", name)
	}
	return b, nil
}

// List returns the registered targets sorted by name for a stable response.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.backends))
	for name, b := range r.backends {
		infos = append(infos, Info{Name: name, Kind: b.Kind()})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

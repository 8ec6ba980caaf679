package api

import (
	"sort"
	"sync"

	"github.com/samcharles93/hive/internal/moe"
)

// Registry tracks the live MoE layers of an engine so the stats endpoints can
// enumerate them. Layers register once at construction; lookups are
// concurrent with serving.
type Registry struct {
	mu     sync.RWMutex
	layers map[string]*moe.Layer
	order  []string
}

func NewRegistry() *Registry {
	return &Registry{layers: make(map[string]*moe.Layer)}
}

// Add registers a layer under its instance id.
func (r *Registry) Add(l *moe.Layer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.layers[l.ID()]; !ok {
		r.order = append(r.order, l.ID())
	}
	r.layers[l.ID()] = l
}

// Get returns the layer with the given id, or nil.
func (r *Registry) Get(id string) *moe.Layer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.layers[id]
}

// List returns all registered layers in registration order.
func (r *Registry) List() []*moe.Layer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*moe.Layer, 0, len(r.layers))
	for _, id := range r.order {
		out = append(out, r.layers[id])
	}
	return out
}

// IDs returns the registered layer ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, len(r.order))
	copy(ids, r.order)
	sort.Strings(ids)
	return ids
}

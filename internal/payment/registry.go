package payment

import (
	"fmt"
	"sort"
	"sync"
)

// Registry selects providers by their configured key.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	def       string
}

func NewRegistry() *Registry {
	return &Registry{providers: map[string]Provider{}}
}

// Register adds p. The first registered provider is the default unless
// another one is registered with isDefault.
func (r *Registry) Register(p Provider, isDefault bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
	if isDefault || r.def == "" {
		r.def = p.Name()
	}
}

func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return p, nil
}

func (r *Registry) Default() (Provider, error) {
	r.mu.RLock()
	name := r.def
	r.mu.RUnlock()
	return r.Get(name)
}

// Names returns the registered provider keys, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.providers))
	for name := range r.providers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

package circuit

import (
	"sort"
	"sync"
)

// Registry creates and caches one breaker per upstream service key.
// Breakers are created lazily on first use with the registry's defaults.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	defaults []Option
}

// NewRegistry creates a registry whose breakers share the given defaults.
func NewRegistry(defaults ...Option) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		defaults: defaults,
	}
}

// Get returns the breaker for service, creating it if needed. Extra options
// apply only when the breaker is first created.
func (r *Registry) Get(service string, opts ...Option) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[service]; ok {
		return b
	}
	all := make([]Option, 0, len(r.defaults)+len(opts))
	all = append(all, r.defaults...)
	all = append(all, opts...)
	b := New(service, all...)
	r.breakers[service] = b
	return b
}

// Statuses returns snapshots of all known breakers, sorted by name.
func (r *Registry) Statuses() []Status {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	statuses := make([]Status, 0, len(breakers))
	for _, b := range breakers {
		statuses = append(statuses, b.Status())
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}

package resilience

import (
	"sort"
	"sync"

	"github.com/syntor/relay/pkg/models"
)

// StateListener observes breaker transitions
type StateListener func(name string, from, to models.CircuitState)

// Registry owns the circuit breakers of one process, keyed by name. Every
// breaker it creates starts from the same defaults.
type Registry struct {
	defaults  CircuitBreakerConfig
	breakers  map[string]*CircuitBreaker
	listeners []StateListener
	mu        sync.RWMutex
}

// NewRegistry creates a registry whose breakers use defaults. The Name field
// of defaults is ignored.
func NewRegistry(defaults CircuitBreakerConfig) *Registry {
	return &Registry{
		defaults: defaults,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// GetOrCreate returns the breaker for name, creating it if needed
func (r *Registry) GetOrCreate(name string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	return r.create(name)
}

// Create installs a fresh closed breaker for name, replacing any existing
// one. Transitions of a replaced breaker are no longer reported.
func (r *Registry) Create(name string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.create(name)
}

// create must be called with r.mu held
func (r *Registry) create(name string) *CircuitBreaker {
	config := r.defaults
	config.Name = name
	var cb *CircuitBreaker
	config.OnStateChange = func(name string, from, to models.CircuitState) {
		if r.owns(name, cb) {
			r.notify(name, from, to)
		}
	}
	cb = NewCircuitBreaker(config)
	r.breakers[name] = cb
	return cb
}

func (r *Registry) owns(name string, cb *CircuitBreaker) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.breakers[name] == cb
}

// OnStateChange adds a listener for transitions of every breaker in the registry
func (r *Registry) OnStateChange(listener StateListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, listener)
}

func (r *Registry) notify(name string, from, to models.CircuitState) {
	if r.defaults.OnStateChange != nil {
		r.defaults.OnStateChange(name, from, to)
	}

	r.mu.RLock()
	listeners := make([]StateListener, len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.RUnlock()

	for _, l := range listeners {
		l(name, from, to)
	}
}

// Get returns the breaker for name
func (r *Registry) Get(name string) (*CircuitBreaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cb, ok := r.breakers[name]
	return cb, ok
}

// Remove drops the breaker for name
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.breakers, name)
}

// Names returns the registered breaker names in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}

// Reset closes the named breaker. It reports false for unknown names.
func (r *Registry) Reset(name string) bool {
	cb, ok := r.Get(name)
	if !ok {
		return false
	}
	cb.Reset()
	return true
}

// ResetAll closes every breaker
func (r *Registry) ResetAll() {
	for _, cb := range r.snapshot() {
		cb.Reset()
	}
}

// Stats returns the stats of every breaker keyed by name
func (r *Registry) Stats() map[string]CircuitBreakerStats {
	breakers := r.snapshot()
	stats := make(map[string]CircuitBreakerStats, len(breakers))
	for _, cb := range breakers {
		stats[cb.Name()] = cb.Stats()
	}
	return stats
}

// OpenCount returns how many breakers are not closed
func (r *Registry) OpenCount() int {
	n := 0
	for _, cb := range r.snapshot() {
		if cb.State() != models.CircuitClosed {
			n++
		}
	}
	return n
}

func (r *Registry) snapshot() []*CircuitBreaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		out = append(out, cb)
	}
	return out
}

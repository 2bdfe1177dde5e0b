package resilience

import (
	"sync"

	"github.com/elfops/aegis/pkg/metrics"
)

// Registry is a process-wide collection of named circuit breakers so that
// every caller protecting the same resource shares one state machine.
type Registry struct {
	mutex    sync.RWMutex
	breakers map[string]*CircuitBreaker
	recorder metrics.Recorder
}

// NewRegistry creates an empty registry. The recorder, if non-nil, is
// injected into every breaker the registry creates.
func NewRegistry(recorder metrics.Recorder) *Registry {
	if recorder == nil {
		recorder = metrics.Nop()
	}
	return &Registry{
		breakers: make(map[string]*CircuitBreaker),
		recorder: recorder,
	}
}

// GetOrCreate returns the breaker registered under name, creating it from
// config on first use. Config is ignored for an existing breaker.
func (r *Registry) GetOrCreate(name string, config CircuitBreakerConfig) *CircuitBreaker {
	r.mutex.RLock()
	cb, ok := r.breakers[name]
	r.mutex.RUnlock()
	if ok {
		return cb
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	config.Name = name
	if config.Recorder == nil {
		config.Recorder = r.recorder
	}
	cb = NewCircuitBreaker(config)
	r.breakers[name] = cb
	return cb
}

// Get returns the breaker registered under name, or nil
func (r *Registry) Get(name string) *CircuitBreaker {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.breakers[name]
}

// Names returns the names of all registered breakers
func (r *Registry) Names() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	return names
}

// AllStats returns a snapshot of every registered breaker keyed by name
func (r *Registry) AllStats() map[string]Stats {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	stats := make(map[string]Stats, len(r.breakers))
	for name, cb := range r.breakers {
		stats[name] = cb.Stats()
	}
	return stats
}

// Reset resets the named breaker. It is a no-op for an unknown name.
func (r *Registry) Reset(name string) {
	if cb := r.Get(name); cb != nil {
		cb.Reset()
	}
}

// Trip force-opens the named breaker. It is a no-op for an unknown name.
func (r *Registry) Trip(name string) {
	if cb := r.Get(name); cb != nil {
		cb.Trip()
	}
}

// ResetAll resets every registered breaker
func (r *Registry) ResetAll() {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	for _, cb := range r.breakers {
		cb.Reset()
	}
}

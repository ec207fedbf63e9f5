package circuit

import "sync"

// Registry manages one breaker per operation key. Breakers are created
// lazily and live for the lifetime of the registry unless reset.
type Registry struct {
	mu       sync.RWMutex
	cfg      Config
	breakers map[string]*Breaker
}

// NewRegistry creates an empty registry whose breakers share cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:      cfg,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for key, creating it if needed.
func (r *Registry) Get(key string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[key]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double check
	if b, ok := r.breakers[key]; ok {
		return b
	}

	b = New(r.cfg)
	r.breakers[key] = b
	return b
}

// Reset forces the breaker for key closed, if one exists.
func (r *Registry) Reset(key string) {
	r.mu.RLock()
	b, ok := r.breakers[key]
	r.mu.RUnlock()
	if ok {
		b.Reset()
	}
}

// ResetAll forces every known breaker closed.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.breakers {
		b.Reset()
	}
}

// Snapshots returns the current state of every known breaker.
func (r *Registry) Snapshots() map[string]Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Snapshot, len(r.breakers))
	for key, b := range r.breakers {
		out[key] = b.Snapshot()
	}
	return out
}

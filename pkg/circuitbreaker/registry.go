package circuitbreaker

import "sync"

// Registry hands out one breaker per key, created lazily with a shared
// config. It never evicts; keys are callback destinations, a small set.
type Registry struct {
	mu    sync.Mutex
	byKey map[string]*Breaker
	cfg   Config
}

// NewRegistry builds an empty registry; cfg applies to every breaker it
// creates.
func NewRegistry(cfg Config) *Registry {
	return &Registry{byKey: make(map[string]*Breaker), cfg: cfg}
}

// Get returns the breaker for key, creating it on first use.
func (r *Registry) Get(key string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.byKey[key]
	if !ok {
		b = New(r.cfg)
		r.byKey[key] = b
	}
	return b
}

// Stats counts breakers by phase.
type Stats struct {
	Total    int
	Open     int
	HalfOpen int
	Closed   int
}

// Stats reports how many breakers sit in each phase.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Stats{Total: len(r.byKey)}
	for _, b := range r.byKey {
		switch b.State() {
		case Closed:
			s.Closed++
		case Open:
			s.Open++
		case HalfOpen:
			s.HalfOpen++
		}
	}
	return s
}

// Reset closes every breaker.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.byKey {
		b.Reset()
	}
}

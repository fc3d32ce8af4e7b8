package resilience

import "sync"

// Breakers lazily creates one [CircuitBreaker] per dependency name, e.g. one
// per messaging platform. All breakers share the same configuration apart
// from their name. Breakers is safe for concurrent use.
type Breakers struct {
	cfg CircuitBreakerConfig

	mu  sync.Mutex
	set map[string]*CircuitBreaker
}

// NewBreakers returns an empty set whose breakers are built from cfg.
func NewBreakers(cfg CircuitBreakerConfig) *Breakers {
	return &Breakers{cfg: cfg, set: make(map[string]*CircuitBreaker)}
}

// For returns the breaker guarding name, creating it on first use.
func (b *Breakers) For(name string) *CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.set[name]
	if !ok {
		cfg := b.cfg
		cfg.Name = name
		cb = NewCircuitBreaker(cfg)
		b.set[name] = cb
	}
	return cb
}

// States reports the current state of every breaker created so far. Used by
// the readiness check.
func (b *Breakers) States() map[string]State {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]State, len(b.set))
	for name, cb := range b.set {
		out[name] = cb.State()
	}
	return out
}

package breaker

import (
	"sync"

	"go.uber.org/zap"

	"github.com/steadyops/keel/pkg/config"
)

// Registry holds circuit breakers keyed by resource name and creates them on
// first use. Per-resource configuration overrides the default.
type Registry struct {
	defaults  config.BreakerConfig
	overrides map[string]config.BreakerConfig
	logger    *zap.Logger

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry. overrides may be nil.
func NewRegistry(defaults config.BreakerConfig, overrides map[string]config.BreakerConfig, logger *zap.Logger) *Registry {
	return &Registry{
		defaults:  defaults,
		overrides: overrides,
		logger:    logger,
		breakers:  make(map[string]*Breaker),
	}
}

// Get returns the breaker for the named resource, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[name]; ok {
		return b
	}

	cfg := r.defaults
	if override, ok := r.overrides[name]; ok {
		cfg = override
	}
	b = New(name, cfg, r.logger)
	r.breakers[name] = b
	return b
}

// Snapshots returns the state of every registered breaker, keyed by resource.
func (r *Registry) Snapshots() map[string]Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Snapshot, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.Snapshot()
	}
	return out
}

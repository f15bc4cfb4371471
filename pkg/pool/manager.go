package pool

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/steadyops/keel/pkg/config"
	kerrors "github.com/steadyops/keel/pkg/errors"
	"github.com/steadyops/keel/pkg/telemetry"
)

// PressureFunc reports the current advisory pool sizing factor derived from
// memory pressure. Values below 1.0 shrink pools, values above allow growth.
type PressureFunc func() float64

// Manager owns one pool per object kind and runs the background sweep that
// shrinks idle pools and applies memory-pressure advice.
type Manager struct {
	cfg      config.PoolConfig
	logger   *zap.Logger
	kinds    map[Kind]*kindPool
	pressure PressureFunc

	cancel context.CancelFunc
}

// Option configures a Manager.
type Option func(*Manager)

// WithPressure wires a memory-pressure advisory source into the manager.
// Without it the manager assumes no pressure.
func WithPressure(fn PressureFunc) Option {
	return func(m *Manager) { m.pressure = fn }
}

// NewManager creates pools for every kind, pre-warmed to the initial size.
// The configuration must already be validated.
func NewManager(cfg config.PoolConfig, logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		cfg:      cfg,
		logger:   logger,
		kinds:    make(map[Kind]*kindPool, len(Kinds)),
		pressure: func() float64 { return 1.0 },
	}
	for _, opt := range opts {
		opt(m)
	}
	for _, k := range Kinds {
		m.kinds[k] = newKindPool(k, cfg, logger)
	}
	return m
}

// Start runs the periodic sweep until the context is canceled or Stop is
// called.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(m.cfg.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sweep()
			}
		}
	}()
}

// Stop stops the sweep goroutine.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

// Borrow obtains an object of the given kind. It never blocks on I/O and
// never fails to produce a usable object; under exhaustion the configured
// overflow strategy applies. The returned object must be given back with
// Return on every path, including errors and panics.
func (m *Manager) Borrow(kind Kind, priority config.Priority) (*Object, error) {
	p, ok := m.kinds[kind]
	if !ok {
		return nil, kerrors.Newf(kerrors.ErrorTypeValidation, "unknown pool kind %q", kind)
	}
	return p.borrow(priority, m.advisoryMax()), nil
}

// Return gives a borrowed object back to its pool. Untracked fallback objects
// are silently discarded. An error indicates a pool-accounting bug in the
// caller and the object is dropped rather than re-admitted.
func (m *Manager) Return(o *Object) error {
	if o == nil {
		return kerrors.New(kerrors.ErrorTypeAccounting, "returned nil object")
	}
	if !o.tracked {
		return nil
	}
	p, ok := m.kinds[o.kind]
	if !ok {
		return kerrors.Newf(kerrors.ErrorTypeAccounting, "returned object of unknown kind %q", o.kind)
	}
	if err := p.giveBack(o); err != nil {
		m.logger.Error("pool accounting error", zap.Error(err))
		return err
	}
	return nil
}

// Sweep runs one shrink pass over every pool and refreshes the pool gauges.
func (m *Manager) Sweep() {
	factor := m.pressure()
	for _, p := range m.kinds {
		p.sweep(factor)
		s := p.stats()
		telemetry.PoolSize.WithLabelValues(string(s.Kind)).Set(float64(s.Size))
		telemetry.PoolUtilization.WithLabelValues(string(s.Kind)).Set(s.Utilization)
	}
}

// Stats snapshots every pool.
func (m *Manager) Stats() map[Kind]Stats {
	out := make(map[Kind]Stats, len(m.kinds))
	for k, p := range m.kinds {
		out[k] = p.stats()
	}
	return out
}

// advisoryMax converts the pressure factor into an upper bound for pre-warm
// scaling. Demand-driven growth up to MaxSize is always allowed; the advisory
// bound only throttles speculative growth under pressure.
func (m *Manager) advisoryMax() int {
	factor := m.pressure()
	if factor >= 1.0 {
		return m.cfg.MaxSize
	}
	advised := int(float64(m.cfg.MaxSize) * factor)
	if advised < m.cfg.InitialSize {
		advised = m.cfg.InitialSize
	}
	return advised
}

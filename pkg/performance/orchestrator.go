// Package performance provides the orchestrator that assembles and manages
// every keel resource-control subsystem behind one lifecycle.
//
// The orchestrator owns the object pools, the load shedder, the circuit
// breaker registry, the memory monitor and the telemetry recorder, wires them
// together (pools consult memory pressure, gauges reflect shedder state) and
// exposes a unified status snapshot for operational endpoints.
//
// Example usage:
//
//	orch, err := performance.NewFromProfile(performance.ProfileStandard, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	orch.Enable(ctx)
//	defer orch.Disable()
package performance

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/steadyops/keel/pkg/breaker"
	"github.com/steadyops/keel/pkg/config"
	kerrors "github.com/steadyops/keel/pkg/errors"
	"github.com/steadyops/keel/pkg/memory"
	"github.com/steadyops/keel/pkg/pool"
	"github.com/steadyops/keel/pkg/shed"
	"github.com/steadyops/keel/pkg/telemetry"
)

// statusInterval is how often the orchestrator refreshes derived gauges while
// enabled.
const statusInterval = 10 * time.Second

// Status is a unified snapshot of every subsystem, safe to serialize on a
// status endpoint.
type Status struct {
	Enabled   bool                        `json:"enabled"`
	Profile   Profile                     `json:"profile"`
	Pools     map[pool.Kind]pool.Stats    `json:"pools"`
	Shedder   shed.Stats                  `json:"shedder"`
	Breakers  map[string]breaker.Snapshot `json:"breakers"`
	Memory    MemoryStatus                `json:"memory"`
	Telemetry telemetry.Snapshot          `json:"telemetry"`
}

// MemoryStatus summarizes the memory monitor for the status snapshot.
type MemoryStatus struct {
	Level     string  `json:"level"`
	UsedBytes uint64  `json:"used_bytes"`
	PeakBytes uint64  `json:"peak_bytes"`
	Ratio     float64 `json:"ratio"`
}

// Orchestrator assembles and manages the resource-control subsystems.
type Orchestrator struct {
	cfg     *config.RuntimeConfig
	profile Profile
	logger  *zap.Logger

	pools    *pool.Manager
	shedder  *shed.Shedder
	breakers *breaker.Registry
	monitor  *memory.Monitor
	recorder *telemetry.Recorder

	enabled atomic.Bool
	cancel  context.CancelFunc
}

// New builds an orchestrator from an explicit configuration. The
// configuration is validated before any subsystem is constructed.
func New(cfg *config.RuntimeConfig, logger *zap.Logger) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, kerrors.Wrap(err, kerrors.ErrorTypeConfig, "invalid runtime configuration")
	}

	o := &Orchestrator{
		cfg:     cfg,
		profile: ProfileStandard,
		logger:  logger,
	}
	o.monitor = memory.NewMonitor(cfg.Memory, logger)
	o.pools = pool.NewManager(cfg.Pool, logger,
		pool.WithPressure(func() float64 { return o.monitor.Level().SizingFactor() }))
	o.shedder = shed.New(cfg.Shedder, logger)
	o.breakers = breaker.NewRegistry(config.DefaultBreakerConfig(), cfg.Breakers, logger)
	o.recorder = telemetry.NewRecorder(cfg.Telemetry)

	return o, nil
}

// NewFromProfile builds an orchestrator from a named profile.
func NewFromProfile(p Profile, logger *zap.Logger) (*Orchestrator, error) {
	cfg, err := ConfigForProfile(p)
	if err != nil {
		return nil, err
	}
	o, err := New(cfg, logger)
	if err != nil {
		return nil, err
	}
	o.profile = p
	return o, nil
}

// Enable starts the background loops: memory sampling, pool sweeping and the
// periodic status refresh. Idempotent.
func (o *Orchestrator) Enable(ctx context.Context) {
	if !o.enabled.CompareAndSwap(false, true) {
		return
	}
	ctx, o.cancel = context.WithCancel(ctx)

	o.monitor.Start(ctx)
	o.pools.Start(ctx)

	go func() {
		ticker := time.NewTicker(statusInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.refresh()
			}
		}
	}()

	o.logger.Info("resource control enabled", zap.String("profile", string(o.profile)))
}

// Disable stops the background loops. In-flight request accounting is left
// intact so Enable can resume without losing state. Idempotent.
func (o *Orchestrator) Disable() {
	if !o.enabled.CompareAndSwap(true, false) {
		return
	}
	if o.cancel != nil {
		o.cancel()
	}
	o.logger.Info("resource control disabled")
}

// Enabled reports whether the background loops are running.
func (o *Orchestrator) Enabled() bool { return o.enabled.Load() }

// Pools returns the object pool manager.
func (o *Orchestrator) Pools() *pool.Manager { return o.pools }

// Shedder returns the load shedder.
func (o *Orchestrator) Shedder() *shed.Shedder { return o.shedder }

// Breakers returns the circuit breaker registry.
func (o *Orchestrator) Breakers() *breaker.Registry { return o.breakers }

// Monitor returns the memory pressure monitor.
func (o *Orchestrator) Monitor() *memory.Monitor { return o.monitor }

// Recorder returns the telemetry recorder.
func (o *Orchestrator) Recorder() *telemetry.Recorder { return o.recorder }

// Status snapshots every subsystem.
func (o *Orchestrator) Status() Status {
	st := Status{
		Enabled:   o.enabled.Load(),
		Profile:   o.profile,
		Pools:     o.pools.Stats(),
		Shedder:   o.shedder.Stats(),
		Breakers:  o.breakers.Snapshots(),
		Telemetry: o.recorder.Snapshot(),
	}
	st.Memory.Level = o.monitor.Level().String()
	if s, ok := o.monitor.Latest(); ok {
		st.Memory.UsedBytes = s.UsedBytes
		st.Memory.PeakBytes = s.PeakBytes
		st.Memory.Ratio = s.Ratio
	}
	return st
}

// refresh recomputes derived gauges outside the request path.
func (o *Orchestrator) refresh() {
	snap := o.recorder.Snapshot()
	o.logger.Debug("status refresh",
		zap.Int("samples", snap.SampleCount),
		zap.Duration("p99", snap.P99),
		zap.Float64("rps", snap.RequestsPerSec),
		zap.Float64("error_rate", snap.ErrorRate),
		zap.String("memory_level", o.monitor.Level().String()))
}

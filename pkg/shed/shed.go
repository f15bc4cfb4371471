// Package shed implements priority-aware load shedding for keel.
//
// The Shedder tracks accepted concurrency against a configured maximum and
// decides per request whether to admit or shed it. Activation uses hysteresis
// so shedding does not flap around a single threshold, and the adaptive
// strategy folds the recent load trend into the shed probability so rising
// load is shed earlier than falling load. Decide is a pure in-memory
// computation; the load fraction is recomputed at most once per sample
// interval.
package shed

import (
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/steadyops/keel/pkg/config"
	"github.com/steadyops/keel/pkg/telemetry"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Accepted bool
	// Reason is "accepted" or the shed cause ("priority", "random",
	// "window_cap", "adaptive")
	Reason string
	// Load is the load fraction the decision was based on
	Load float64
}

// Stats is a read-only snapshot of the shedder state.
type Stats struct {
	Inflight int64               `json:"inflight"`
	Load     float64             `json:"load"`
	Active   bool                `json:"active"`
	Trend    float64             `json:"trend"`
	Accepted uint64              `json:"accepted"`
	Shed     uint64              `json:"shed"`
	Strategy config.ShedStrategy `json:"strategy"`
}

// adaptiveMultipliers scales the adaptive shed probability per priority
// class. System work is never shed; batch work absorbs the full probability.
var adaptiveMultipliers = map[config.Priority]float64{
	config.PrioritySystem:   0.0,
	config.PriorityCritical: 0.1,
	config.PriorityHigh:     0.25,
	config.PriorityNormal:   0.5,
	config.PriorityLow:      0.75,
	config.PriorityBatch:    1.0,
}

// Shedder makes admission decisions under load. Safe for concurrent use; the
// hot path is lock-free except when a sample interval boundary is crossed.
type Shedder struct {
	cfg    config.ShedderConfig
	logger *zap.Logger

	inflight  atomic.Int64
	active    atomic.Bool
	trendBits atomic.Uint64 // float64 bits of the current load trend
	lastCheck atomic.Int64  // unix nanos of the last recompute

	accepted atomic.Uint64
	shed     atomic.Uint64

	mu          sync.Mutex
	history     []float64 // load samples, ring
	histHead    int
	histCount   int
	windowSheds int // sheds charged against the current window cap
}

// New creates a shedder. The configuration must already be validated.
func New(cfg config.ShedderConfig, logger *zap.Logger) *Shedder {
	return &Shedder{
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "load_shedder")),
		history: make([]float64, cfg.HistorySize),
	}
}

// Decide reports whether a request of the given priority should be admitted.
// System priority is never shed. An accepted request must be paired with
// Register and, on every exit path, Deregister.
func (s *Shedder) Decide(priority config.Priority) Decision {
	load := s.load()
	s.maybeRecompute(load)

	if priority == config.PrioritySystem {
		return s.accept(load)
	}
	if !s.active.Load() {
		return s.accept(load)
	}

	switch s.cfg.Strategy {
	case config.ShedPriority:
		if load >= s.priorityThreshold(priority) {
			return s.reject(load, "priority")
		}

	case config.ShedRandom:
		if rand.Float64() < s.cfg.ShedPercentage {
			return s.reject(load, "random")
		}

	case config.ShedOldest:
		// Budgeted shedding: at most shedPercentage of the current
		// in-flight count is shed per sample window, lowest classes first.
		if priority.Rank() >= config.PriorityNormal.Rank() && s.chargeWindowShed() {
			return s.reject(load, "window_cap")
		}

	case config.ShedAdaptive:
		if rand.Float64() < s.adaptiveProbability(load, priority) {
			return s.reject(load, "adaptive")
		}
	}

	return s.accept(load)
}

// Register records one accepted request entering the protected section and
// returns the new in-flight count.
func (s *Shedder) Register() int64 {
	return s.inflight.Add(1)
}

// Deregister records a request leaving the protected section. Must be called
// exactly once per Register, on every path including panics.
func (s *Shedder) Deregister() int64 {
	n := s.inflight.Add(-1)
	if n < 0 {
		s.logger.Error("deregister without matching register")
	}
	return n
}

// Active reports whether shedding is currently engaged.
func (s *Shedder) Active() bool { return s.active.Load() }

// Stats snapshots the shedder state.
func (s *Shedder) Stats() Stats {
	return Stats{
		Inflight: s.inflight.Load(),
		Load:     s.load(),
		Active:   s.active.Load(),
		Trend:    s.trend(),
		Accepted: s.accepted.Load(),
		Shed:     s.shed.Load(),
		Strategy: s.cfg.Strategy,
	}
}

// load is current in-flight work as a fraction of the concurrency limit.
func (s *Shedder) load() float64 {
	return float64(s.inflight.Load()) / float64(s.cfg.MaxConcurrency)
}

// maybeRecompute updates the hysteresis state, history and trend at most once
// per sample interval. The CAS ensures a single caller pays for the
// recompute; everyone else proceeds on the cached state.
func (s *Shedder) maybeRecompute(load float64) {
	now := time.Now().UnixNano()
	last := s.lastCheck.Load()
	if now-last < int64(s.cfg.SampleInterval) {
		return
	}
	if !s.lastCheck.CompareAndSwap(last, now) {
		return
	}

	wasActive := s.active.Load()
	shouldActivate := load >= s.cfg.ActivationThreshold
	shouldDeactivate := load <= s.cfg.DeactivationThreshold

	if !wasActive && shouldActivate {
		s.active.Store(true)
		s.logger.Warn("load shedding activated", zap.Float64("load", load))
	} else if wasActive && shouldDeactivate {
		s.active.Store(false)
		s.logger.Info("load shedding deactivated", zap.Float64("load", load))
	}

	s.mu.Lock()
	s.recordLoadLocked(load)
	s.trendBits.Store(math.Float64bits(s.trendLocked()))
	s.windowSheds = 0
	s.mu.Unlock()

	telemetry.LoadFraction.Set(load)
	if s.active.Load() {
		telemetry.SheddingActive.Set(1)
	} else {
		telemetry.SheddingActive.Set(0)
	}
}

func (s *Shedder) accept(load float64) Decision {
	s.accepted.Add(1)
	return Decision{Accepted: true, Reason: "accepted", Load: load}
}

func (s *Shedder) reject(load float64, reason string) Decision {
	s.shed.Add(1)
	return Decision{Accepted: false, Reason: reason, Load: load}
}

func (s *Shedder) priorityThreshold(p config.Priority) float64 {
	if t, ok := s.cfg.PriorityThresholds[p]; ok {
		return t
	}
	return s.cfg.ActivationThreshold
}

// adaptiveProbability is the shed probability under the adaptive strategy:
// quadratic in load, capped at 0.95, scaled by the priority class and
// amplified by a rising load trend.
func (s *Shedder) adaptiveProbability(load float64, p config.Priority) float64 {
	base := math.Min(load*load, 0.95)
	mult, ok := adaptiveMultipliers[p]
	if !ok {
		mult = adaptiveMultipliers[config.PriorityNormal]
	}
	prob := base * mult * (1 + math.Max(0, s.trend()))
	return math.Min(prob, 1.0)
}

// chargeWindowShed consumes one unit of the per-window shed budget, returning
// false once the budget is spent. The budget scales with the in-flight count
// at decision time, so a lightly loaded window sheds less in absolute terms.
func (s *Shedder) chargeWindowShed() bool {
	budget := int(s.cfg.ShedPercentage * float64(s.inflight.Load()))
	if budget < 1 {
		budget = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.windowSheds >= budget {
		return false
	}
	s.windowSheds++
	return true
}

func (s *Shedder) trend() float64 {
	return math.Float64frombits(s.trendBits.Load())
}

// recordLoadLocked appends a load sample to the history ring. Caller holds mu.
func (s *Shedder) recordLoadLocked(load float64) {
	if s.histCount == len(s.history) {
		s.history[s.histHead] = load
		s.histHead = (s.histHead + 1) % len(s.history)
		return
	}
	s.history[(s.histHead+s.histCount)%len(s.history)] = load
	s.histCount++
}

// trendLocked fits a least-squares line through the load history and returns
// the slope. Positive means load is rising. Caller holds mu.
func (s *Shedder) trendLocked() float64 {
	n := s.histCount
	if n < 2 {
		return 0
	}

	sumX, sumY, sumXY, sumX2 := 0.0, 0.0, 0.0, 0.0
	for i := 0; i < n; i++ {
		x := float64(i)
		y := s.history[(s.histHead+i)%len(s.history)]
		sumX += x
		sumY += y
		sumXY += x * y
		sumX2 += x * x
	}

	denom := float64(n)*sumX2 - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (float64(n)*sumXY - sumX*sumY) / denom
}

package shed

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/steadyops/keel/pkg/config"
)

func testShedderConfig() config.ShedderConfig {
	cfg := config.DefaultShedderConfig()
	cfg.MaxConcurrency = 100
	cfg.ActivationThreshold = 0.9
	cfg.DeactivationThreshold = 0.7
	// Recompute on every Decide so tests do not depend on wall time
	cfg.SampleInterval = time.Nanosecond
	return cfg
}

func register(s *Shedder, n int) {
	for i := 0; i < n; i++ {
		s.Register()
	}
}

func deregister(s *Shedder, n int) {
	for i := 0; i < n; i++ {
		s.Deregister()
	}
}

func TestHysteresis(t *testing.T) {
	cfg := testShedderConfig()
	cfg.Strategy = config.ShedPriority
	s := New(cfg, zap.NewNop())

	// 95 concurrent: load 0.95 crosses the activation threshold
	register(s, 95)
	d := s.Decide(config.PriorityNormal)
	assert.True(t, s.Active())
	assert.False(t, d.Accepted, "normal priority at load 0.95 exceeds its 0.90 threshold")
	assert.Equal(t, "priority", d.Reason)

	// Down to 75: still above deactivation, shedding stays engaged
	deregister(s, 20)
	s.Decide(config.PriorityNormal)
	assert.True(t, s.Active(), "hysteresis keeps shedding active between thresholds")

	// Down to 65: at or below deactivation, shedding disengages
	deregister(s, 10)
	d = s.Decide(config.PriorityNormal)
	assert.False(t, s.Active())
	assert.True(t, d.Accepted)
}

func TestSystemPriorityNeverShed(t *testing.T) {
	for _, strategy := range []config.ShedStrategy{
		config.ShedPriority, config.ShedRandom, config.ShedOldest, config.ShedAdaptive,
	} {
		t.Run(string(strategy), func(t *testing.T) {
			cfg := testShedderConfig()
			cfg.Strategy = strategy
			cfg.ShedPercentage = 1.0
			s := New(cfg, zap.NewNop())

			register(s, 100)
			for i := 0; i < 50; i++ {
				d := s.Decide(config.PrioritySystem)
				require.True(t, d.Accepted, "system work must always be admitted")
			}
			assert.True(t, s.Active())
		})
	}
}

func TestPriorityStrategyThresholds(t *testing.T) {
	cfg := testShedderConfig()
	cfg.Strategy = config.ShedPriority
	s := New(cfg, zap.NewNop())

	// Load 0.92: above normal's 0.90, below critical's 0.99 and high's 0.95
	register(s, 92)

	assert.False(t, s.Decide(config.PriorityNormal).Accepted)
	assert.False(t, s.Decide(config.PriorityBatch).Accepted)
	assert.True(t, s.Decide(config.PriorityHigh).Accepted)
	assert.True(t, s.Decide(config.PriorityCritical).Accepted)
}

func TestRandomStrategy(t *testing.T) {
	cfg := testShedderConfig()
	cfg.Strategy = config.ShedRandom
	cfg.ShedPercentage = 1.0
	s := New(cfg, zap.NewNop())

	register(s, 95)
	d := s.Decide(config.PriorityNormal)
	require.True(t, s.Active())
	assert.False(t, d.Accepted, "shed percentage 1.0 sheds every non-system request")
	assert.Equal(t, "random", d.Reason)
}

func TestOldestStrategyWindowBudget(t *testing.T) {
	cfg := testShedderConfig()
	cfg.MaxConcurrency = 20
	cfg.Strategy = config.ShedOldest
	cfg.ShedPercentage = 0.2
	// One recompute per test: the budget window never resets mid-test
	cfg.SampleInterval = time.Hour
	s := New(cfg, zap.NewNop())

	// 18 in flight: load 0.9 activates, and the budget follows the
	// in-flight count (0.2 * 18 = 3), not the concurrency limit.
	register(s, 18)
	shed := 0
	for i := 0; i < 8; i++ {
		if !s.Decide(config.PriorityNormal).Accepted {
			shed++
		}
	}
	assert.Equal(t, 3, shed, "budget caps sheds per window")

	// Classes above normal are not charged against the budget
	assert.True(t, s.Decide(config.PriorityCritical).Accepted)
}

func TestAdaptiveStrategy(t *testing.T) {
	cfg := testShedderConfig()
	cfg.Strategy = config.ShedAdaptive
	s := New(cfg, zap.NewNop())

	register(s, 100)
	shed := 0
	for i := 0; i < 200; i++ {
		if !s.Decide(config.PriorityBatch).Accepted {
			shed++
		}
	}
	// At load 1.0 the batch shed probability is at least 0.95
	assert.Greater(t, shed, 150, "batch work at full load should be shed almost always")

	// Critical work is shed far less aggressively than batch work
	criticalShed := 0
	for i := 0; i < 200; i++ {
		if !s.Decide(config.PriorityCritical).Accepted {
			criticalShed++
		}
	}
	assert.Less(t, criticalShed, shed)
}

func TestTrendFitting(t *testing.T) {
	cfg := testShedderConfig()
	s := New(cfg, zap.NewNop())

	s.mu.Lock()
	for _, load := range []float64{0.1, 0.2, 0.3, 0.4, 0.5} {
		s.recordLoadLocked(load)
	}
	rising := s.trendLocked()
	s.mu.Unlock()
	assert.InDelta(t, 0.1, rising, 1e-9, "strictly linear rise has slope 0.1 per sample")

	s2 := New(cfg, zap.NewNop())
	s2.mu.Lock()
	for _, load := range []float64{0.5, 0.4, 0.3, 0.2, 0.1} {
		s2.recordLoadLocked(load)
	}
	falling := s2.trendLocked()
	s2.mu.Unlock()
	assert.Negative(t, falling)
}

func TestRegisterDeregisterPairing(t *testing.T) {
	s := New(testShedderConfig(), zap.NewNop())

	assert.EqualValues(t, 1, s.Register())
	assert.EqualValues(t, 2, s.Register())
	assert.EqualValues(t, 1, s.Deregister())
	assert.EqualValues(t, 0, s.Deregister())
	assert.EqualValues(t, 0, s.Stats().Inflight)
}

func TestConcurrentDecideRegisterDeregister(t *testing.T) {
	cfg := testShedderConfig()
	cfg.Strategy = config.ShedAdaptive
	s := New(cfg, zap.NewNop())

	const workers = 8
	const iterations = 500

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				if s.Decide(config.PriorityNormal).Accepted {
					s.Register()
					s.Deregister()
				}
			}
		}()
	}
	wg.Wait()

	st := s.Stats()
	assert.EqualValues(t, 0, st.Inflight, "every register paired with a deregister")
	assert.EqualValues(t, workers*iterations, st.Accepted+st.Shed)
}

func TestStatsSnapshot(t *testing.T) {
	cfg := testShedderConfig()
	cfg.Strategy = config.ShedRandom
	cfg.ShedPercentage = 1.0
	s := New(cfg, zap.NewNop())

	register(s, 95)
	s.Decide(config.PriorityNormal) // shed
	s.Decide(config.PrioritySystem) // accepted

	st := s.Stats()
	assert.EqualValues(t, 95, st.Inflight)
	assert.InDelta(t, 0.95, st.Load, 1e-9)
	assert.True(t, st.Active)
	assert.EqualValues(t, 1, st.Shed)
	assert.EqualValues(t, 1, st.Accepted)
	assert.Equal(t, config.ShedRandom, st.Strategy)
}

package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/steadyops/keel/pkg/config"
)

func testMemoryConfig() config.MemoryConfig {
	return config.MemoryConfig{
		SampleInterval:    10 * time.Millisecond,
		Retention:         time.Second,
		MediumThreshold:   0.70,
		HighThreshold:     0.90,
		CriticalThreshold: 0.95,
	}
}

func TestLevelMapping(t *testing.T) {
	m := NewMonitor(testMemoryConfig(), zap.NewNop())

	tests := []struct {
		ratio float64
		want  Level
	}{
		{0.0, LevelLow},
		{0.69, LevelLow},
		{0.70, LevelMedium},
		{0.89, LevelMedium},
		{0.90, LevelHigh},
		{0.94, LevelHigh},
		{0.95, LevelCritical},
		{1.20, LevelCritical},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, m.levelFor(tt.ratio), "ratio %.2f", tt.ratio)
	}
}

func TestSizingFactors(t *testing.T) {
	assert.Equal(t, 1.2, LevelLow.SizingFactor())
	assert.Equal(t, 1.0, LevelMedium.SizingFactor())
	assert.Equal(t, 0.7, LevelHigh.SizingFactor())
	assert.Equal(t, 0.5, LevelCritical.SizingFactor())
}

func TestLevelString(t *testing.T) {
	assert.Equal(t, "low", LevelLow.String())
	assert.Equal(t, "critical", LevelCritical.String())
	assert.Equal(t, "unknown", Level(42).String())
}

func TestSampleOnce(t *testing.T) {
	cfg := testMemoryConfig()
	// An absurdly high limit keeps the ratio far below every threshold
	cfg.LimitMB = 1 << 30
	m := NewMonitor(cfg, zap.NewNop())

	m.sampleOnce()

	assert.Equal(t, LevelLow, m.Level())
	s, ok := m.Latest()
	require.True(t, ok)
	assert.NotZero(t, s.UsedBytes)
	assert.Equal(t, s.UsedBytes, s.PeakBytes)
	assert.Less(t, s.Ratio, 0.01)
}

func TestPeakTracksHighWater(t *testing.T) {
	cfg := testMemoryConfig()
	cfg.LimitMB = 1 << 30
	m := NewMonitor(cfg, zap.NewNop())

	m.sampleOnce()
	first, ok := m.Latest()
	require.True(t, ok)

	m.sampleOnce()
	second, ok := m.Latest()
	require.True(t, ok)
	assert.GreaterOrEqual(t, second.PeakBytes, first.PeakBytes)
}

func TestSampleRingEviction(t *testing.T) {
	cfg := testMemoryConfig()
	cfg.SampleInterval = 100 * time.Millisecond
	cfg.Retention = 300 * time.Millisecond
	m := NewMonitor(cfg, zap.NewNop())

	base := time.Now()
	for i := 0; i < 10; i++ {
		m.record(Sample{Timestamp: base.Add(time.Duration(i) * 100 * time.Millisecond)})
	}

	samples := m.Samples()
	// Capacity is retention/interval + 1 = 4; older entries rotate out
	assert.LessOrEqual(t, len(samples), 4)
	for i := 1; i < len(samples); i++ {
		assert.True(t, samples[i].Timestamp.After(samples[i-1].Timestamp), "samples ordered oldest first")
	}
}

func TestStartStop(t *testing.T) {
	cfg := testMemoryConfig()
	cfg.LimitMB = 1 << 30
	cfg.SampleInterval = 5 * time.Millisecond
	m := NewMonitor(cfg, zap.NewNop())

	m.Start(context.Background())
	defer m.Stop()

	require.Eventually(t, func() bool {
		_, ok := m.Latest()
		return ok
	}, time.Second, 5*time.Millisecond)
}

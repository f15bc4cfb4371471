// Package memory provides memory pressure monitoring for keel.
// The Monitor samples process and system memory on a fixed interval, maps the
// usage ratio to a pressure level, and publishes the level for the object
// pools to consult. The monitor is advisory: it never mutates pool state
// directly, it only exposes the current level and a recommended sizing
// factor, keeping the two components decoupled.
package memory

import (
	"context"
	"os"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/steadyops/keel/pkg/config"
	"github.com/steadyops/keel/pkg/telemetry"
)

// Level is the derived memory pressure level.
type Level int32

const (
	LevelLow Level = iota
	LevelMedium
	LevelHigh
	LevelCritical
)

// String returns the level name.
func (l Level) String() string {
	switch l {
	case LevelLow:
		return "low"
	case LevelMedium:
		return "medium"
	case LevelHigh:
		return "high"
	case LevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// SizingFactor returns the advisory pool sizing multiplier for the level:
// low pressure allows pools to grow and pre-warm, high and critical pressure
// shrink them.
func (l Level) SizingFactor() float64 {
	switch l {
	case LevelLow:
		return 1.2
	case LevelMedium:
		return 1.0
	case LevelHigh:
		return 0.7
	case LevelCritical:
		return 0.5
	default:
		return 1.0
	}
}

// Sample is one memory observation.
type Sample struct {
	Timestamp time.Time `json:"timestamp"`
	UsedBytes uint64    `json:"used_bytes"`
	PeakBytes uint64    `json:"peak_bytes"`
	Ratio     float64   `json:"ratio"`
	Level     Level     `json:"level"`
}

// Monitor periodically samples memory usage and derives a pressure level.
// Samples are retained in a bounded ring buffer covering the configured
// retention window.
type Monitor struct {
	cfg    config.MemoryConfig
	logger *zap.Logger
	proc   *process.Process

	level atomic.Int32
	peak  atomic.Uint64

	mu      sync.Mutex
	samples []Sample // ring
	head    int
	count   int

	cancel context.CancelFunc
}

// NewMonitor creates a memory monitor. The configuration must already be
// validated.
func NewMonitor(cfg config.MemoryConfig, logger *zap.Logger) *Monitor {
	proc, _ := process.NewProcess(int32(os.Getpid()))
	capacity := int(cfg.Retention/cfg.SampleInterval) + 1
	return &Monitor{
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "memory_monitor")),
		proc:    proc,
		samples: make([]Sample, capacity),
	}
}

// Start begins sampling on the configured interval until the context is
// canceled or Stop is called. A slow sample never stalls request handling;
// sampling runs entirely on its own goroutine.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(m.cfg.SampleInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sampleOnce()
			}
		}
	}()
}

// Stop stops the sampling goroutine.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

// Level returns the current pressure level. Lock-free; callable on hot paths.
func (m *Monitor) Level() Level {
	return Level(m.level.Load())
}

// Samples returns a copy of the retained samples, oldest first.
func (m *Monitor) Samples() []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Sample, m.count)
	for i := 0; i < m.count; i++ {
		out[i] = m.samples[(m.head+i)%len(m.samples)]
	}
	return out
}

// Latest returns the most recent sample, if any.
func (m *Monitor) Latest() (Sample, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.count == 0 {
		return Sample{}, false
	}
	return m.samples[(m.head+m.count-1)%len(m.samples)], true
}

// sampleOnce takes one sample, derives the level and retains it.
func (m *Monitor) sampleOnce() {
	used, limit := m.readUsage()
	if limit == 0 {
		return
	}

	if used > m.peak.Load() {
		m.peak.Store(used)
	}

	ratio := float64(used) / float64(limit)
	level := m.levelFor(ratio)
	prev := Level(m.level.Swap(int32(level)))
	telemetry.MemoryPressureLevel.Set(float64(level))

	m.record(Sample{
		Timestamp: time.Now(),
		UsedBytes: used,
		PeakBytes: m.peak.Load(),
		Ratio:     ratio,
		Level:     level,
	})

	if level != prev {
		m.logger.Info("memory pressure level changed",
			zap.String("from", prev.String()),
			zap.String("to", level.String()),
			zap.Float64("ratio", ratio))
	}

	// Critical pressure triggers an immediate out-of-band collection pass
	if level == LevelCritical && prev != LevelCritical {
		m.forceCollect()
	}
}

// readUsage returns the current used bytes and the limit used as the ratio
// denominator. Prefers process RSS against the configured limit; falls back
// to heap stats against total system memory.
func (m *Monitor) readUsage() (used, limit uint64) {
	if m.proc != nil {
		if info, err := m.proc.MemoryInfo(); err == nil {
			used = info.RSS
		}
	}
	if used == 0 {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		used = ms.HeapAlloc
	}

	if m.cfg.LimitMB > 0 {
		return used, uint64(m.cfg.LimitMB) * 1024 * 1024
	}
	if vm, err := mem.VirtualMemory(); err == nil && vm.Total > 0 {
		return used, vm.Total
	}
	return used, 0
}

func (m *Monitor) levelFor(ratio float64) Level {
	switch {
	case ratio >= m.cfg.CriticalThreshold:
		return LevelCritical
	case ratio >= m.cfg.HighThreshold:
		return LevelHigh
	case ratio >= m.cfg.MediumThreshold:
		return LevelMedium
	default:
		return LevelLow
	}
}

func (m *Monitor) record(s Sample) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.count == len(m.samples) {
		m.head = (m.head + 1) % len(m.samples)
		m.count--
	}
	m.samples[(m.head+m.count)%len(m.samples)] = s
	m.count++

	// Drop samples beyond the retention window
	cutoff := s.Timestamp.Add(-m.cfg.Retention)
	for m.count > 0 && m.samples[m.head].Timestamp.Before(cutoff) {
		m.head = (m.head + 1) % len(m.samples)
		m.count--
	}
}

// forceCollect runs GC and returns memory to the OS.
func (m *Monitor) forceCollect() {
	start := time.Now()
	runtime.GC()
	debug.FreeOSMemory()
	m.logger.Warn("critical memory pressure, forced collection",
		zap.Duration("took", time.Since(start)))
}

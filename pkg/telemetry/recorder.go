// Package telemetry provides real-time performance statistics for keel.
// The Recorder ingests (start, end, status) events into a bounded,
// time-windowed store and computes percentile latency, throughput and error
// rate without unbounded memory growth. Old samples are evicted on a sliding
// window with a hard sample cap, so memory stays bounded regardless of
// traffic volume.
package telemetry

import (
	"sort"
	"sync"
	"time"

	"github.com/steadyops/keel/pkg/config"
)

// Sample is a single completed-request observation.
type Sample struct {
	Start      time.Time
	End        time.Time
	StatusCode int
}

// Latency returns the duration the sample covers.
func (s Sample) Latency() time.Duration {
	return s.End.Sub(s.Start)
}

// Snapshot is a read-only view of the recorder state, safe to serialize for
// health-check or metrics-scrape endpoints.
type Snapshot struct {
	SampleCount   int           `json:"sample_count"`
	P50           time.Duration `json:"p50"`
	P90           time.Duration `json:"p90"`
	P95           time.Duration `json:"p95"`
	P99           time.Duration `json:"p99"`
	RequestsPerSec float64      `json:"requests_per_sec"`
	ErrorRate     float64       `json:"error_rate"`
	WindowStart   time.Time     `json:"window_start"`
	WindowEnd     time.Time     `json:"window_end"`
}

// Recorder maintains a bounded ring of samples over a sliding time window.
// Safe for concurrent use; Observe is O(1) amortized.
type Recorder struct {
	mu      sync.Mutex
	cfg     config.TelemetryConfig
	samples []Sample // ring buffer
	head    int      // index of oldest sample
	count   int
	errors  int // error samples currently in the ring
}

// NewRecorder creates a recorder with the given window and sample cap.
func NewRecorder(cfg config.TelemetryConfig) *Recorder {
	return &Recorder{
		cfg:     cfg,
		samples: make([]Sample, cfg.MaxSamples),
	}
}

// Observe records one completed request. Samples older than the window are
// evicted lazily; when the ring is full the oldest sample is overwritten.
func (r *Recorder) Observe(start, end time.Time, statusCode int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.evictLocked(end)

	if r.count == len(r.samples) {
		// Ring full, drop the oldest
		if isError(r.samples[r.head].StatusCode) {
			r.errors--
		}
		r.head = (r.head + 1) % len(r.samples)
		r.count--
	}

	idx := (r.head + r.count) % len(r.samples)
	r.samples[idx] = Sample{Start: start, End: end, StatusCode: statusCode}
	r.count++
	if isError(statusCode) {
		r.errors++
	}
}

// Snapshot computes the current windowed statistics.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	r.evictLocked(now)

	snap := Snapshot{
		SampleCount: r.count,
		WindowStart: now.Add(-r.cfg.Window),
		WindowEnd:   now,
	}
	if r.count == 0 {
		return snap
	}

	latencies := make([]time.Duration, r.count)
	var earliest, latest time.Time
	for i := 0; i < r.count; i++ {
		s := r.samples[(r.head+i)%len(r.samples)]
		latencies[i] = s.Latency()
		if earliest.IsZero() || s.End.Before(earliest) {
			earliest = s.End
		}
		if s.End.After(latest) {
			latest = s.End
		}
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	snap.P50 = percentile(latencies, 50)
	snap.P90 = percentile(latencies, 90)
	snap.P95 = percentile(latencies, 95)
	snap.P99 = percentile(latencies, 99)
	snap.ErrorRate = float64(r.errors) / float64(r.count)

	span := latest.Sub(earliest).Seconds()
	if span <= 0 {
		span = r.cfg.Window.Seconds()
	}
	snap.RequestsPerSec = float64(r.count) / span

	return snap
}

// evictLocked drops samples that fell out of the sliding window.
func (r *Recorder) evictLocked(now time.Time) {
	cutoff := now.Add(-r.cfg.Window)
	for r.count > 0 {
		oldest := r.samples[r.head]
		if !oldest.End.Before(cutoff) {
			break
		}
		if isError(oldest.StatusCode) {
			r.errors--
		}
		r.head = (r.head + 1) % len(r.samples)
		r.count--
	}
}

// percentile returns the p-th percentile of sorted latencies.
func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := len(sorted) * p / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func isError(statusCode int) bool {
	return statusCode >= 500
}

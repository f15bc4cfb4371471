// Package breaker implements per-resource circuit breakers for keel.
//
// A breaker tracks failures against a named downstream resource over a
// sliding window and walks the closed -> open -> half-open -> closed state
// machine. Decisions are made from in-memory state only; Allow never blocks.
package breaker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/steadyops/keel/pkg/config"
	kerrors "github.com/steadyops/keel/pkg/errors"
	"github.com/steadyops/keel/pkg/telemetry"
)

// State is the circuit breaker state.
type State int32

const (
	// StateClosed allows all requests through.
	StateClosed State = iota
	// StateOpen rejects all requests until the timeout elapses.
	StateOpen
	// StateHalfOpen admits a limited number of trial requests.
	StateHalfOpen
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned by Allow and Execute when the circuit rejects a
// request.
var ErrOpen = kerrors.New(kerrors.ErrorTypeCapacity, "circuit breaker open")

// Breaker is a circuit breaker guarding one named resource. Safe for
// concurrent use; the hot path (Allow on a closed circuit) is a single atomic
// load.
type Breaker struct {
	name   string
	cfg    config.BreakerConfig
	logger *zap.Logger

	state  atomic.Int32
	window *slidingWindow

	mu                sync.Mutex
	lastStateChange   time.Time
	nextRetry         time.Time
	halfOpenTrials    int32
	halfOpenSuccesses int32
}

// Snapshot is a read-only view of a breaker's state and window statistics.
type Snapshot struct {
	Name              string    `json:"name"`
	State             string    `json:"state"`
	LastStateChange   time.Time `json:"last_state_change"`
	NextRetry         time.Time `json:"next_retry,omitempty"`
	WindowRequests    int64     `json:"window_requests"`
	WindowFailures    int64     `json:"window_failures"`
	FailureRate       float64   `json:"failure_rate"`
	HalfOpenTrials    int32     `json:"half_open_trials"`
	HalfOpenSuccesses int32     `json:"half_open_successes"`
}

// New creates a breaker for the named resource. The configuration must
// already be validated.
func New(name string, cfg config.BreakerConfig, logger *zap.Logger) *Breaker {
	b := &Breaker{
		name: name,
		cfg:  cfg,
		logger: logger.With(
			zap.String("component", "circuit_breaker"),
			zap.String("resource", name)),
		lastStateChange: time.Now(),
		window:          newSlidingWindow(cfg.Window/windowBuckets, cfg.Window),
	}
	telemetry.CircuitState.WithLabelValues(name).Set(float64(StateClosed))
	return b
}

// State returns the current state.
func (b *Breaker) State() State {
	return State(b.state.Load())
}

// Allow reports whether a request against the resource may proceed.
// It returns ErrOpen when the circuit rejects the request. A successful
// Allow must be paired with exactly one RecordSuccess or RecordFailure.
func (b *Breaker) Allow() error {
	switch b.State() {
	case StateClosed:
		return nil

	case StateOpen:
		b.mu.Lock()
		retry := !time.Now().Before(b.nextRetry)
		b.mu.Unlock()
		if !retry {
			return ErrOpen
		}
		b.transitionToHalfOpen()
		return b.allowTrial()

	case StateHalfOpen:
		return b.allowTrial()

	default:
		return ErrOpen
	}
}

// RecordSuccess records a successful call. Enough successes in half-open
// close the circuit.
func (b *Breaker) RecordSuccess() {
	b.window.record(true)

	if b.State() != StateHalfOpen {
		return
	}
	b.mu.Lock()
	b.releaseTrialLocked()
	b.halfOpenSuccesses++
	done := b.halfOpenSuccesses >= int32(b.cfg.SuccessThreshold)
	b.mu.Unlock()
	if done {
		b.transitionToClosed()
	}
}

// RecordFailure records a failed call. In closed state the circuit opens once
// the window holds at least FailureThreshold failures; in half-open any
// failure reopens it with a fresh timeout.
func (b *Breaker) RecordFailure() {
	b.window.record(false)

	switch b.State() {
	case StateClosed:
		if b.window.failures() >= int64(b.cfg.FailureThreshold) {
			b.transitionToOpen()
		}
	case StateHalfOpen:
		b.mu.Lock()
		b.releaseTrialLocked()
		b.mu.Unlock()
		b.transitionToOpen()
	}
}

// Execute runs fn under circuit protection. The context is passed through to
// fn; a context error counts as a failure like any other.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// Snapshot returns the current state and window statistics.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	reqs, fails := b.window.stats()
	rate := 0.0
	if reqs > 0 {
		rate = float64(fails) / float64(reqs)
	}
	snap := Snapshot{
		Name:              b.name,
		State:             b.State().String(),
		LastStateChange:   b.lastStateChange,
		WindowRequests:    reqs,
		WindowFailures:    fails,
		FailureRate:       rate,
		HalfOpenTrials:    b.halfOpenTrials,
		HalfOpenSuccesses: b.halfOpenSuccesses,
	}
	if b.State() == StateOpen {
		snap.NextRetry = b.nextRetry
	}
	return snap
}

// allowTrial admits up to HalfOpenTrialLimit concurrent trial requests. The
// slot is released by the RecordSuccess/RecordFailure that completes the
// trial, so sequential trials never exhaust the limit.
func (b *Breaker) allowTrial() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.State() != StateHalfOpen {
		if b.State() == StateClosed {
			return nil
		}
		return ErrOpen
	}
	if b.halfOpenTrials >= int32(b.cfg.HalfOpenTrialLimit) {
		return ErrOpen
	}
	b.halfOpenTrials++
	return nil
}

// releaseTrialLocked frees one in-flight trial slot. Caller holds mu.
func (b *Breaker) releaseTrialLocked() {
	if b.halfOpenTrials > 0 {
		b.halfOpenTrials--
	}
}

func (b *Breaker) transitionToOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.state.CompareAndSwap(int32(StateHalfOpen), int32(StateOpen)) &&
		!b.state.CompareAndSwap(int32(StateClosed), int32(StateOpen)) {
		return
	}
	// Reopening always starts a fresh timeout
	b.lastStateChange = time.Now()
	b.nextRetry = b.lastStateChange.Add(b.cfg.Timeout)
	b.halfOpenTrials = 0
	b.halfOpenSuccesses = 0
	telemetry.CircuitState.WithLabelValues(b.name).Set(float64(StateOpen))

	b.logger.Warn("circuit opened",
		zap.Time("retry_after", b.nextRetry),
		zap.Int64("window_failures", b.window.failures()))
}

func (b *Breaker) transitionToHalfOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state.CompareAndSwap(int32(StateOpen), int32(StateHalfOpen)) {
		b.lastStateChange = time.Now()
		b.halfOpenTrials = 0
		b.halfOpenSuccesses = 0
		telemetry.CircuitState.WithLabelValues(b.name).Set(float64(StateHalfOpen))

		b.logger.Info("circuit half-open")
	}
}

func (b *Breaker) transitionToClosed() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state.CompareAndSwap(int32(StateHalfOpen), int32(StateClosed)) {
		b.lastStateChange = time.Now()
		b.halfOpenTrials = 0
		b.halfOpenSuccesses = 0
		b.window.reset()
		telemetry.CircuitState.WithLabelValues(b.name).Set(float64(StateClosed))

		b.logger.Info("circuit closed")
	}
}

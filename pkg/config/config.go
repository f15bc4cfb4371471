// Package config provides the unified configuration system for keel.
// It defines explicit, typed configuration structs for every resource-control
// subsystem, with documented defaults and eager validation. Invalid
// configurations (for example a deactivation threshold at or above the
// activation threshold) are rejected at construction time, before any
// subsystem becomes active.
//
// The configuration is organized per subsystem:
//   - Pool: object pool sizing, scaling thresholds, overflow strategy
//   - Shedder: admission control limits, strategy, hysteresis thresholds
//   - Breaker: circuit breaker thresholds and timeout per protected resource
//   - Memory: memory sampling interval, retention, pressure thresholds
//   - Telemetry: latency/throughput sample window and cap
//
// Example usage:
//
//	cfg := config.DefaultRuntimeConfig()
//	cfg.Shedder.MaxConcurrency = 500
//
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"fmt"
	"time"
)

// Priority is the request priority class used by admission control and the
// priority-queuing pool overflow strategy. Classes are ordered by importance:
// system work is effectively never shed, batch work is shed first.
type Priority string

const (
	PrioritySystem   Priority = "system"
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
	PriorityBatch    Priority = "batch"
)

// Rank returns the importance rank of the priority class. Lower rank is more
// important. Unknown classes rank as normal.
func (p Priority) Rank() int {
	switch p {
	case PrioritySystem:
		return 0
	case PriorityCritical:
		return 1
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 3
	case PriorityLow:
		return 4
	case PriorityBatch:
		return 5
	default:
		return 3
	}
}

// ParsePriority maps a string to a Priority, defaulting to normal.
func ParsePriority(s string) Priority {
	switch Priority(s) {
	case PrioritySystem, PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow, PriorityBatch:
		return Priority(s)
	default:
		return PriorityNormal
	}
}

// OverflowStrategy selects pool behavior once a pool is at its configured
// maximum size and a borrow still cannot be satisfied.
type OverflowStrategy string

const (
	// OverflowElastic temporarily grows the pool past max up to the
	// emergency limit; the excess objects are ephemeral and destroyed once
	// load subsides.
	OverflowElastic OverflowStrategy = "elastic"
	// OverflowPriority hands pooled objects only to requests at or above a
	// dynamically computed priority cutoff; others get fresh untracked
	// allocations.
	OverflowPriority OverflowStrategy = "priority"
	// OverflowFallback always constructs a temporary untracked object
	// outside the pool; borrow never fails at the cost of bypassing reuse.
	OverflowFallback OverflowStrategy = "fallback"
	// OverflowRecycle proactively reclaims the oldest idle objects before
	// minting new ones.
	OverflowRecycle OverflowStrategy = "recycle"
)

// ShedStrategy selects the load-shedding decision function used while
// shedding is active.
type ShedStrategy string

const (
	// ShedPriority sheds a request when load meets the threshold configured
	// for its priority class.
	ShedPriority ShedStrategy = "priority"
	// ShedRandom sheds with a fixed probability regardless of priority.
	ShedRandom ShedStrategy = "random"
	// ShedOldest sheds until the per-window shed count reaches
	// ShedPercentage x current concurrency.
	ShedOldest ShedStrategy = "oldest"
	// ShedAdaptive sheds with probability derived from load, load trend and
	// priority; rising load sheds more aggressively than falling load.
	ShedAdaptive ShedStrategy = "adaptive"
)

// PoolConfig contains object pool sizing and scaling settings, applied to
// each pool kind.
type PoolConfig struct {
	// InitialSize is the pre-warmed number of objects per kind
	InitialSize int `yaml:"initial_size" json:"initial_size"`
	// MaxSize is the steady-state maximum number of objects per kind
	MaxSize int `yaml:"max_size" json:"max_size"`
	// EmergencyLimit is the hard cap the pool never exceeds, even under an
	// overflow strategy
	EmergencyLimit int `yaml:"emergency_limit" json:"emergency_limit"`
	// ScaleThreshold is the utilization fraction that triggers growth
	ScaleThreshold float64 `yaml:"scale_threshold" json:"scale_threshold"`
	// ShrinkThreshold is the utilization fraction below which the periodic
	// sweep shrinks the pool toward InitialSize
	ShrinkThreshold float64 `yaml:"shrink_threshold" json:"shrink_threshold"`
	// ScaleFactor is the multiplicative growth factor, bounded by MaxSize
	ScaleFactor float64 `yaml:"scale_factor" json:"scale_factor"`
	// Cooldown rate-limits scaling decisions to avoid thrashing
	Cooldown time.Duration `yaml:"cooldown" json:"cooldown"`
	// SweepInterval is how often the background shrink sweep runs
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
	// Overflow selects the strategy applied once the pool is at MaxSize
	Overflow OverflowStrategy `yaml:"overflow" json:"overflow"`
}

// ShedderConfig contains admission control settings.
type ShedderConfig struct {
	// MaxConcurrency is the accepted-concurrency ceiling used to compute load
	MaxConcurrency int `yaml:"max_concurrency" json:"max_concurrency"`
	// Strategy selects the decision function used while shedding is active
	Strategy ShedStrategy `yaml:"strategy" json:"strategy"`
	// ActivationThreshold is the load fraction at which shedding activates
	ActivationThreshold float64 `yaml:"activation_threshold" json:"activation_threshold"`
	// DeactivationThreshold is the load fraction at or below which shedding
	// deactivates; must be strictly below ActivationThreshold
	DeactivationThreshold float64 `yaml:"deactivation_threshold" json:"deactivation_threshold"`
	// ShedPercentage drives the random and oldest strategies
	ShedPercentage float64 `yaml:"shed_percentage" json:"shed_percentage"`
	// PriorityThresholds maps each priority class to the load at which it
	// starts being shed; thresholds are monotonically ordered by importance
	PriorityThresholds map[Priority]float64 `yaml:"priority_thresholds" json:"priority_thresholds"`
	// SampleInterval rate-limits load recomputation and history appends
	SampleInterval time.Duration `yaml:"sample_interval" json:"sample_interval"`
	// HistorySize bounds the load sample window used for trend fitting
	HistorySize int `yaml:"history_size" json:"history_size"`
}

// BreakerConfig contains circuit breaker settings for one named resource.
type BreakerConfig struct {
	// FailureThreshold is the rolling in-window failure count that opens the
	// circuit from closed
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`
	// SuccessThreshold is the consecutive success count that closes the
	// circuit from half-open
	SuccessThreshold int `yaml:"success_threshold" json:"success_threshold"`
	// Timeout is how long the circuit stays open before admitting trials
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	// HalfOpenTrialLimit bounds concurrent trial calls while half-open;
	// excess calls are treated as if the circuit were open
	HalfOpenTrialLimit int `yaml:"half_open_trial_limit" json:"half_open_trial_limit"`
	// Window is the rolling evaluation window for the failure count
	Window time.Duration `yaml:"window" json:"window"`
}

// MemoryConfig contains memory pressure monitoring settings.
type MemoryConfig struct {
	// SampleInterval is how often memory usage is sampled
	SampleInterval time.Duration `yaml:"sample_interval" json:"sample_interval"`
	// Retention bounds how long samples are kept in the ring buffer
	Retention time.Duration `yaml:"retention" json:"retention"`
	// LimitMB caps the usage ratio denominator; 0 means use total system
	// memory
	LimitMB int `yaml:"limit_mb" json:"limit_mb"`
	// MediumThreshold, HighThreshold and CriticalThreshold map the usage
	// ratio to a pressure level; below MediumThreshold pressure is Low
	MediumThreshold   float64 `yaml:"medium_threshold" json:"medium_threshold"`
	HighThreshold     float64 `yaml:"high_threshold" json:"high_threshold"`
	CriticalThreshold float64 `yaml:"critical_threshold" json:"critical_threshold"`
}

// TelemetryConfig contains performance sample window settings.
type TelemetryConfig struct {
	// Window is the sliding retention window for latency samples
	Window time.Duration `yaml:"window" json:"window"`
	// MaxSamples caps the sample store regardless of traffic volume
	MaxSamples int `yaml:"max_samples" json:"max_samples"`
}

// RuntimeConfig aggregates the configuration of every resource-control
// subsystem. The orchestrator builds one from a named profile or an explicit
// parameter file.
type RuntimeConfig struct {
	Pool      PoolConfig               `yaml:"pool" json:"pool"`
	Shedder   ShedderConfig            `yaml:"shedder" json:"shedder"`
	Breakers  map[string]BreakerConfig `yaml:"breakers" json:"breakers"`
	Memory    MemoryConfig             `yaml:"memory" json:"memory"`
	Telemetry TelemetryConfig          `yaml:"telemetry" json:"telemetry"`
}

// DefaultPoolConfig returns production-ready pool defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		InitialSize:     32,
		MaxSize:         256,
		EmergencyLimit:  512,
		ScaleThreshold:  0.8,
		ShrinkThreshold: 0.2,
		ScaleFactor:     2.0,
		Cooldown:        5 * time.Second,
		SweepInterval:   10 * time.Second,
		Overflow:        OverflowElastic,
	}
}

// DefaultShedderConfig returns production-ready admission control defaults.
func DefaultShedderConfig() ShedderConfig {
	return ShedderConfig{
		MaxConcurrency:        1024,
		Strategy:              ShedAdaptive,
		ActivationThreshold:   0.9,
		DeactivationThreshold: 0.7,
		ShedPercentage:        0.2,
		PriorityThresholds:    DefaultPriorityThresholds(),
		SampleInterval:        time.Second,
		HistorySize:           10,
	}
}

// DefaultPriorityThresholds returns the default per-class shed thresholds,
// monotonically ordered by class importance. System work is effectively never
// shed.
func DefaultPriorityThresholds() map[Priority]float64 {
	return map[Priority]float64{
		PrioritySystem:   2.0,
		PriorityCritical: 0.99,
		PriorityHigh:     0.95,
		PriorityNormal:   0.9,
		PriorityLow:      0.85,
		PriorityBatch:    0.8,
	}
}

// DefaultBreakerConfig returns production-ready circuit breaker defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:   5,
		SuccessThreshold:   3,
		Timeout:            30 * time.Second,
		HalfOpenTrialLimit: 5,
		Window:             time.Minute,
	}
}

// DefaultMemoryConfig returns production-ready memory monitor defaults.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		SampleInterval:    time.Second,
		Retention:         time.Minute,
		LimitMB:           0,
		MediumThreshold:   0.70,
		HighThreshold:     0.90,
		CriticalThreshold: 0.95,
	}
}

// DefaultTelemetryConfig returns production-ready telemetry defaults.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Window:     5 * time.Minute,
		MaxSamples: 65536,
	}
}

// DefaultRuntimeConfig returns a complete default configuration.
func DefaultRuntimeConfig() *RuntimeConfig {
	return &RuntimeConfig{
		Pool:      DefaultPoolConfig(),
		Shedder:   DefaultShedderConfig(),
		Breakers:  map[string]BreakerConfig{},
		Memory:    DefaultMemoryConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// Validate validates pool configuration.
func (c *PoolConfig) Validate() error {
	if c.InitialSize <= 0 {
		return fmt.Errorf("pool: initial_size must be positive")
	}
	if c.MaxSize < c.InitialSize {
		return fmt.Errorf("pool: max_size %d must be >= initial_size %d", c.MaxSize, c.InitialSize)
	}
	if c.EmergencyLimit < c.MaxSize {
		return fmt.Errorf("pool: emergency_limit %d must be >= max_size %d", c.EmergencyLimit, c.MaxSize)
	}
	if c.ScaleThreshold <= 0 || c.ScaleThreshold > 1 {
		return fmt.Errorf("pool: scale_threshold must be in (0,1]")
	}
	if c.ShrinkThreshold < 0 || c.ShrinkThreshold >= c.ScaleThreshold {
		return fmt.Errorf("pool: shrink_threshold must be in [0, scale_threshold)")
	}
	if c.ScaleFactor <= 1 {
		return fmt.Errorf("pool: scale_factor must be > 1")
	}
	switch c.Overflow {
	case OverflowElastic, OverflowPriority, OverflowFallback, OverflowRecycle:
	default:
		return fmt.Errorf("pool: unknown overflow strategy %q", c.Overflow)
	}
	return nil
}

// Validate validates shedder configuration. The hysteresis thresholds must be
// strictly ordered to prevent oscillation.
func (c *ShedderConfig) Validate() error {
	if c.MaxConcurrency <= 0 {
		return fmt.Errorf("shedder: max_concurrency must be positive")
	}
	if c.ActivationThreshold <= 0 || c.ActivationThreshold > 1 {
		return fmt.Errorf("shedder: activation_threshold must be in (0,1]")
	}
	if c.DeactivationThreshold >= c.ActivationThreshold {
		return fmt.Errorf("shedder: deactivation_threshold %.2f must be strictly below activation_threshold %.2f",
			c.DeactivationThreshold, c.ActivationThreshold)
	}
	if c.ShedPercentage < 0 || c.ShedPercentage > 1 {
		return fmt.Errorf("shedder: shed_percentage must be in [0,1]")
	}
	switch c.Strategy {
	case ShedPriority, ShedRandom, ShedOldest, ShedAdaptive:
	default:
		return fmt.Errorf("shedder: unknown strategy %q", c.Strategy)
	}
	if c.Strategy == ShedPriority && len(c.PriorityThresholds) == 0 {
		return fmt.Errorf("shedder: priority strategy requires priority_thresholds")
	}
	if c.SampleInterval <= 0 {
		return fmt.Errorf("shedder: sample_interval must be positive")
	}
	if c.HistorySize < 2 {
		return fmt.Errorf("shedder: history_size must be >= 2")
	}
	return nil
}

// Validate validates breaker configuration.
func (c *BreakerConfig) Validate() error {
	if c.FailureThreshold <= 0 {
		return fmt.Errorf("breaker: failure_threshold must be positive")
	}
	if c.SuccessThreshold <= 0 {
		return fmt.Errorf("breaker: success_threshold must be positive")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("breaker: timeout must be positive")
	}
	if c.HalfOpenTrialLimit <= 0 {
		return fmt.Errorf("breaker: half_open_trial_limit must be positive")
	}
	if c.Window <= 0 {
		return fmt.Errorf("breaker: window must be positive")
	}
	return nil
}

// Validate validates memory monitor configuration.
func (c *MemoryConfig) Validate() error {
	if c.SampleInterval <= 0 {
		return fmt.Errorf("memory: sample_interval must be positive")
	}
	if c.Retention < c.SampleInterval {
		return fmt.Errorf("memory: retention must be >= sample_interval")
	}
	if !(c.MediumThreshold < c.HighThreshold && c.HighThreshold < c.CriticalThreshold) {
		return fmt.Errorf("memory: thresholds must be strictly increasing (medium < high < critical)")
	}
	if c.MediumThreshold <= 0 || c.CriticalThreshold > 1 {
		return fmt.Errorf("memory: thresholds must be in (0,1]")
	}
	return nil
}

// Validate validates telemetry configuration.
func (c *TelemetryConfig) Validate() error {
	if c.Window <= 0 {
		return fmt.Errorf("telemetry: window must be positive")
	}
	if c.MaxSamples <= 0 {
		return fmt.Errorf("telemetry: max_samples must be positive")
	}
	return nil
}

// Validate validates the whole runtime configuration, failing fast on the
// first invalid section.
func (c *RuntimeConfig) Validate() error {
	if err := c.Pool.Validate(); err != nil {
		return err
	}
	if err := c.Shedder.Validate(); err != nil {
		return err
	}
	for name, bc := range c.Breakers {
		if err := bc.Validate(); err != nil {
			return fmt.Errorf("breaker %q: %w", name, err)
		}
	}
	if err := c.Memory.Validate(); err != nil {
		return err
	}
	return c.Telemetry.Validate()
}

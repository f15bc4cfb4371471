package performance

import (
	"time"

	"github.com/steadyops/keel/pkg/config"
	kerrors "github.com/steadyops/keel/pkg/errors"
)

// Profile is a named preset bundling the configuration of every
// resource-control subsystem.
type Profile string

const (
	// ProfileStandard suits typical services: moderate pools and concurrency.
	ProfileStandard Profile = "standard"
	// ProfileHigh suits high-throughput services: larger pools, higher
	// concurrency ceiling, faster sampling.
	ProfileHigh Profile = "high"
	// ProfileExtreme suits load-test and burst scenarios: maximum pools and
	// concurrency with aggressive adaptive shedding.
	ProfileExtreme Profile = "extreme"
)

// ConfigForProfile expands a named profile into a full runtime configuration.
func ConfigForProfile(p Profile) (*config.RuntimeConfig, error) {
	cfg := config.DefaultRuntimeConfig()

	switch p {
	case ProfileStandard:

	case ProfileHigh:
		cfg.Pool.InitialSize = 64
		cfg.Pool.MaxSize = 512
		cfg.Pool.EmergencyLimit = 1024
		cfg.Shedder.MaxConcurrency = 4096
		cfg.Shedder.SampleInterval = 500 * time.Millisecond
		cfg.Memory.SampleInterval = 500 * time.Millisecond
		cfg.Telemetry.MaxSamples = 131072

	case ProfileExtreme:
		cfg.Pool.InitialSize = 128
		cfg.Pool.MaxSize = 1024
		cfg.Pool.EmergencyLimit = 2048
		cfg.Pool.Cooldown = 2 * time.Second
		cfg.Shedder.MaxConcurrency = 16384
		cfg.Shedder.Strategy = config.ShedAdaptive
		cfg.Shedder.SampleInterval = 250 * time.Millisecond
		cfg.Memory.SampleInterval = 250 * time.Millisecond
		cfg.Telemetry.MaxSamples = 262144

	default:
		return nil, kerrors.Newf(kerrors.ErrorTypeConfig, "unknown performance profile %q", p)
	}

	if err := cfg.Validate(); err != nil {
		return nil, kerrors.Wrap(err, kerrors.ErrorTypeConfig, "invalid profile configuration")
	}
	return cfg, nil
}

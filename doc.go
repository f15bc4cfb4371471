// Package keel provides adaptive resource control for services under load:
// priority-aware load shedding, auto-scaling object pools, per-resource
// circuit breakers and memory pressure monitoring, assembled behind a single
// orchestrator.
//
// # Architecture
//
// Keel is organized as independent subsystems that share nothing but
// configuration and the telemetry surface:
//
// 1. Object pools (pkg/pool): per-kind pools that pre-warm, auto-scale on
// utilization and degrade gracefully through configurable overflow
// strategies. Borrow never blocks on I/O and never fails.
//
// 2. Load shedding (pkg/shed): an admission controller with hysteresis so
// shedding does not flap, and strategies ranging from fixed per-priority
// thresholds to adaptive probability driven by the load trend.
//
// 3. Circuit breakers (pkg/breaker): named breakers over a rolling failure
// window, walking closed -> open -> half-open -> closed with a bounded number
// of half-open trials.
//
// 4. Memory pressure (pkg/memory): a sampling monitor that maps usage to a
// pressure level and advises the pools on sizing; critical pressure triggers
// an immediate collection pass.
//
// # Quick Start
//
// Assemble everything from a profile and front a handler with the admission
// path:
//
//	import (
//	    "context"
//	    "net/http"
//
//	    "github.com/steadyops/keel/internal/middleware"
//	    "github.com/steadyops/keel/pkg/logger"
//	    "github.com/steadyops/keel/pkg/performance"
//	)
//
//	log := logger.Get()
//	orch, err := performance.NewFromProfile(performance.ProfileStandard, log)
//	if err != nil {
//	    panic(err)
//	}
//	orch.Enable(context.Background())
//	defer orch.Disable()
//
//	handler := middleware.Wrap(orch, log, middleware.Options{Resource: "upstream"}, mux)
//	http.ListenAndServe(":8080", handler)
//
// # Key Packages
//
//	pkg/performance - orchestrator, profiles and unified status
//	pkg/pool        - auto-scaling object pools with overflow strategies
//	pkg/shed        - priority-aware load shedding with hysteresis
//	pkg/breaker     - per-resource circuit breakers
//	pkg/memory      - memory pressure monitoring
//	pkg/telemetry   - latency/throughput recorder and Prometheus metrics
//	pkg/config      - typed configuration with eager validation
//	pkg/errors      - structured error handling
//	pkg/logger      - structured logging
//
// # Configuration
//
// Every subsystem is configured through config.RuntimeConfig, built from a
// named profile (standard, high, extreme) or loaded from YAML with
// ${VAR_NAME} environment substitution. Invalid configurations are rejected
// at construction time, before any subsystem becomes active.
package keel

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/steadyops/keel/internal/middleware"
	"github.com/steadyops/keel/pkg/config"
	"github.com/steadyops/keel/pkg/logger"
	"github.com/steadyops/keel/pkg/observability"
	"github.com/steadyops/keel/pkg/performance"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "keel",
		Short: "Keel - adaptive resource control for services under load",
		Long: `Keel keeps services steady under load: priority-aware load shedding,
auto-scaling object pools, per-resource circuit breakers and memory pressure
monitoring behind a single orchestrator.`,
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Keel v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "profiles",
		Short: "List the built-in performance profiles",
		Run: func(cmd *cobra.Command, args []string) {
			for _, p := range []performance.Profile{
				performance.ProfileStandard,
				performance.ProfileHigh,
				performance.ProfileExtreme,
			} {
				cfg, _ := performance.ConfigForProfile(p)
				fmt.Printf("%-10s max_concurrency=%d pool=%d..%d (emergency %d)\n",
					p, cfg.Shedder.MaxConcurrency,
					cfg.Pool.InitialSize, cfg.Pool.MaxSize, cfg.Pool.EmergencyLimit)
			}
		},
	})

	var configFile, profile, listenAddr, logLevel, resource string
	var samplingRate float64

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the demo server with resource control enabled",
		Long: `Run an HTTP server fronted by keel's admission path. Useful for
exercising shedding, pooling and circuit breaking against real traffic.

Example:
  keel serve --profile high --listen :8080`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configFile, profile, listenAddr, logLevel, resource, samplingRate)
		},
	}
	serveCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to YAML configuration file (overrides --profile)")
	serveCmd.Flags().StringVarP(&profile, "profile", "p", "standard", "Performance profile (standard, high, extreme)")
	serveCmd.Flags().StringVarP(&listenAddr, "listen", "l", ":8080", "Listen address")
	serveCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	serveCmd.Flags().StringVar(&resource, "resource", "", "Circuit breaker resource name guarding the demo handler")
	serveCmd.Flags().Float64Var(&samplingRate, "trace-sampling", 0.1, "Trace sampling rate (0 disables)")
	root.AddCommand(serveCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve(configFile, profile, listenAddr, logLevel, resource string, samplingRate float64) error {
	if err := logger.Init(logger.Config{Level: logLevel, Encoding: "json"}); err != nil {
		return fmt.Errorf("logger initialization failed: %w", err)
	}
	log := logger.With(zap.String("component", "keel-serve"))
	defer func() { _ = logger.Sync() }()

	tracingCfg := observability.DefaultTracingConfig()
	tracingCfg.ServiceVersion = version
	tracingCfg.SamplingRate = samplingRate
	if err := observability.InitTracing(tracingCfg); err != nil {
		return fmt.Errorf("tracing initialization failed: %w", err)
	}

	orch, err := buildOrchestrator(configFile, profile, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	orch.Enable(ctx)
	defer orch.Disable()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := gojson.NewEncoder(w).Encode(orch.Status()); err != nil {
			log.Warn("status encoding failed", zap.Error(err))
		}
	})
	mux.Handle("/metrics", promhttp.Handler())

	demo := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("keel\n"))
	})
	mux.Handle("/", middleware.Wrap(orch, log, middleware.Options{Resource: resource}, demo))

	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", listenAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server shutdown failed", zap.Error(err))
	}
	if err := observability.Shutdown(shutdownCtx); err != nil {
		log.Warn("tracing shutdown failed", zap.Error(err))
	}
	return nil
}

// buildOrchestrator constructs the orchestrator from an explicit config file
// or a named profile.
func buildOrchestrator(configFile, profile string, log *zap.Logger) (*performance.Orchestrator, error) {
	if configFile != "" {
		cfg := config.DefaultRuntimeConfig()
		if err := config.Load(configFile, cfg); err != nil {
			return nil, fmt.Errorf("configuration error: %w", err)
		}
		log.Info("configuration loaded", zap.String("file", configFile))
		return performance.New(cfg, log)
	}
	return performance.NewFromProfile(performance.Profile(profile), log)
}

// Package middleware adapts keel's resource-control core to net/http.
//
// The wrapper runs the full admission path for every request: shed decision,
// optional circuit breaker check, pool borrow, tracing span, then the inner
// handler. Cleanup (deregister, pool return, latency observation) runs on
// every exit path including panics, so accounting can never leak.
package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/steadyops/keel/pkg/config"
	"github.com/steadyops/keel/pkg/observability"
	"github.com/steadyops/keel/pkg/performance"
	"github.com/steadyops/keel/pkg/pool"
	"github.com/steadyops/keel/pkg/telemetry"
)

// PriorityHeader carries the request priority class. Unknown or missing
// values map to normal priority.
const PriorityHeader = "X-Priority"

type ctxKey int

const objectKey ctxKey = iota

// ObjectFromContext returns the pooled request object the middleware
// borrowed for this request, if any.
func ObjectFromContext(ctx context.Context) (*pool.Object, bool) {
	o, ok := ctx.Value(objectKey).(*pool.Object)
	return o, ok
}

// Options configures the admission middleware.
type Options struct {
	// Resource names the circuit breaker guarding the wrapped handler.
	// Empty means no breaker check.
	Resource string
	// Kind is the pool kind borrowed per request; defaults to request
	Kind pool.Kind
}

// statusWriter captures the response status for telemetry and tracks whether
// the handler already committed a response.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(p)
}

// Wrap returns a handler that runs admission control in front of next.
func Wrap(orch *performance.Orchestrator, logger *zap.Logger, opts Options, next http.Handler) http.Handler {
	if opts.Kind == "" {
		opts.Kind = pool.KindRequest
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		priority := config.ParsePriority(r.Header.Get(PriorityHeader))

		decision := orch.Shedder().Decide(priority)
		if !decision.Accepted {
			telemetry.RequestsTotal.WithLabelValues("shed", string(priority)).Inc()
			w.Header().Set("Retry-After", "1")
			w.Header().Set("X-Shed-Reason", decision.Reason)
			http.Error(w, "overloaded", http.StatusTooManyRequests)
			return
		}

		var brk interface {
			RecordSuccess()
			RecordFailure()
		}
		if opts.Resource != "" {
			b := orch.Breakers().Get(opts.Resource)
			if err := b.Allow(); err != nil {
				telemetry.RequestsTotal.WithLabelValues("circuit_open", string(priority)).Inc()
				w.Header().Set("Retry-After", "1")
				http.Error(w, "upstream unavailable", http.StatusServiceUnavailable)
				return
			}
			brk = b
		}

		orch.Shedder().Register()
		obj, err := orch.Pools().Borrow(opts.Kind, priority)
		if err != nil {
			// Unknown pool kind is a wiring bug; fail the request but keep
			// accounting balanced.
			orch.Shedder().Deregister()
			logger.Error("borrow failed", zap.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		ctx, span := observability.Tracer().Start(r.Context(), "keel.request",
			trace.WithAttributes(
				attribute.String("priority", string(priority)),
				attribute.String("http.method", r.Method),
				attribute.String("http.target", r.URL.Path),
			))
		ctx = context.WithValue(ctx, objectKey, obj)

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		defer func() {
			panicked := recover()
			if panicked != nil {
				sw.status = http.StatusInternalServerError
				logger.Error("handler panicked",
					zap.Any("panic", panicked),
					zap.String("path", r.URL.Path))
				// Only answer if the handler had not already committed a
				// response; a second WriteHeader would corrupt it.
				if !sw.wroteHeader {
					http.Error(w, "internal error", http.StatusInternalServerError)
				}
			}

			end := time.Now()
			span.SetAttributes(attribute.Int("http.status_code", sw.status))
			span.End()

			if rerr := orch.Pools().Return(obj); rerr != nil {
				logger.Error("pool return failed", zap.Error(rerr))
			}
			orch.Shedder().Deregister()

			orch.Recorder().Observe(start, end, sw.status)
			telemetry.RequestsTotal.WithLabelValues("accepted", string(priority)).Inc()
			telemetry.RequestLatency.WithLabelValues(string(priority)).Observe(end.Sub(start).Seconds())

			if brk != nil {
				if sw.status >= 500 {
					brk.RecordFailure()
				} else {
					brk.RecordSuccess()
				}
			}
		}()

		obj.SetData("method", r.Method)
		obj.SetData("path", r.URL.Path)
		obj.SetData("priority", string(priority))
		obj.SetData("received_at", strconv.FormatInt(start.UnixNano(), 10))

		next.ServeHTTP(sw, r.WithContext(ctx))
	})
}

package observe

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// probePaths are polled by orchestrators and scrapers; their completion is
// logged at debug level.
var probePaths = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

// MiddlewareOption configures [Middleware].
type MiddlewareOption func(*middleware)

// WithSessionSource tags every request with the voice session that is live
// while it is served. fn returns "" when no session is connected.
func WithSessionSource(fn func() string) MiddlewareOption {
	return func(mw *middleware) { mw.session = fn }
}

type middleware struct {
	m       *Metrics
	prop    propagation.TextMapPropagator
	session func() string
}

// Middleware wraps the status endpoints with a server span, W3C trace context
// propagation, an X-Correlation-ID response header carrying the trace ID, the
// request duration histogram and a completion log line. Probe paths log at
// debug level.
func Middleware(m *Metrics, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	mw := &middleware{m: m, prop: propagation.TraceContext{}}
	for _, o := range opts {
		o(mw)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mw.serve(next, w, r)
		})
	}
}

func (mw *middleware) serve(next http.Handler, w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	ctx := mw.prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := StartSpan(ctx, "HTTP "+r.Method+" "+r.URL.Path,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.HTTPRequestMethodKey.String(r.Method),
			semconv.URLPath(r.URL.Path),
		),
	)
	defer span.End()

	if mw.session != nil {
		if id := mw.session(); id != "" {
			ctx = WithSession(ctx, id)
			span.SetAttributes(attribute.String("voxlink.session_id", id))
		}
	}

	cid := CorrelationID(ctx)
	if cid != "" {
		w.Header().Set("X-Correlation-ID", cid)
	}
	mw.prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	next.ServeHTTP(rec, r.WithContext(ctx))

	elapsed := time.Since(start)
	mw.m.HTTPRequestDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("method", r.Method),
		attribute.String("path", r.URL.Path),
		attribute.String("status", strconv.Itoa(rec.status)),
	))
	span.SetAttributes(semconv.HTTPResponseStatusCode(rec.status))

	level := slog.LevelInfo
	if probePaths[r.URL.Path] {
		level = slog.LevelDebug
	}
	Logger(ctx).LogAttrs(ctx, level, "request completed",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", rec.status),
		slog.Duration("duration", elapsed),
	)
}

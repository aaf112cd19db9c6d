package engine

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	pkglog "github.com/theroutercompany/engine_manager/pkg/log"
	"github.com/theroutercompany/engine_manager/pkg/metrics"
)

const instrumentationName = "github.com/theroutercompany/engine_manager/pkg/engine"

// Call outcomes recorded by Instrument.
const (
	OutcomeOK    = "ok"
	OutcomeEmpty = "empty"
	OutcomeError = "error"
)

// InstrumentOption configures Instrument.
type InstrumentOption func(*instrumented)

// WithLogger sets the logger used for per-call entries.
func WithLogger(logger pkglog.Logger) InstrumentOption {
	return func(i *instrumented) {
		if logger != nil {
			i.logger = logger
		}
	}
}

// WithRegistry registers call counters and latency histograms on registry.
func WithRegistry(registry *metrics.Registry) InstrumentOption {
	return func(i *instrumented) {
		i.registry = registry
	}
}

// WithTracerProvider overrides the global OpenTelemetry tracer provider.
func WithTracerProvider(tp trace.TracerProvider) InstrumentOption {
	return func(i *instrumented) {
		if tp != nil {
			i.tracer = tp.Tracer(instrumentationName)
		}
	}
}

type instrumented struct {
	next     Interface
	logger   pkglog.Logger
	registry *metrics.Registry
	tracer   trace.Tracer
	calls    *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// Instrument wraps next with logging, metrics and tracing. Results and errors
// pass through unchanged. A nil next stays nil.
func Instrument(next Interface, opts ...InstrumentOption) Interface {
	if next == nil {
		return nil
	}

	i := &instrumented{
		next:   next,
		logger: pkglog.Shared(),
		tracer: otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(i)
		}
	}

	if i.registry != nil {
		i.calls = i.registry.CounterVec("engine_calls_total", "Engine manager calls by method and outcome.", "method", "outcome")
		i.latency = i.registry.HistogramVec("engine_call_duration_seconds", "Engine manager call latency.", nil, "method")
	}

	return i
}

func (i *instrumented) EngineVersion(ctx context.Context) (int, error) {
	ctx, done := i.begin(ctx, "EngineVersion", "")
	v, err := i.next.EngineVersion(ctx)
	done(err, false, "engineVersion", v)
	return v, err
}

func (i *instrumented) LibPathByVersion(ctx context.Context, version string) (string, error) {
	ctx, done := i.begin(ctx, "LibPathByVersion", version)
	path, err := i.next.LibPathByVersion(ctx, version)
	done(err, path == "", "path", path)
	return path, err
}

func (i *instrumented) InstallVersion(ctx context.Context, version string) (bool, error) {
	ctx, done := i.begin(ctx, "InstallVersion", version)
	ok, err := i.next.InstallVersion(ctx, version)
	done(err, false, "installed", ok)
	return ok, err
}

func (i *instrumented) LibraryList(ctx context.Context, version string) (string, error) {
	ctx, done := i.begin(ctx, "LibraryList", version)
	list, err := i.next.LibraryList(ctx, version)
	done(err, list == "", "libraries", list)
	return list, err
}

func (i *instrumented) begin(ctx context.Context, method, version string) (context.Context, func(err error, empty bool, key string, value any)) {
	start := time.Now()

	attrs := []attribute.KeyValue{attribute.String("engine.method", method)}
	if version != "" {
		attrs = append(attrs, attribute.String("engine.requested_version", version))
	}
	ctx, span := i.tracer.Start(ctx, "engine."+method, trace.WithAttributes(attrs...))

	return ctx, func(err error, empty bool, key string, value any) {
		elapsed := time.Since(start)

		outcome := OutcomeOK
		switch {
		case err != nil:
			outcome = OutcomeError
		case empty:
			outcome = OutcomeEmpty
		}

		if i.calls != nil {
			i.calls.WithLabelValues(method, outcome).Inc()
		}
		if i.latency != nil {
			i.latency.WithLabelValues(method).Observe(elapsed.Seconds())
		}

		span.SetAttributes(attribute.String("engine.outcome", outcome))
		fields := []any{
			"method", method,
			"outcome", outcome,
			"durationMs", float64(elapsed.Microseconds()) / 1000.0,
		}
		if version != "" {
			fields = append(fields, "version", version)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			i.logger.Warnw("engine call failed", append(fields, "error", err)...)
		} else {
			i.logger.Debugw("engine call completed", append(fields, key, value)...)
		}
		span.End()
	}
}

// Package tracing abstracts span creation behind a small interface. The
// default build carries a no-op tracer; building with -tags=otel swaps
// in an OpenTelemetry OTLP exporter configured from the environment, so
// the default build stays free of exporter wiring.
package tracing

import "context"

// Span is one named, timed operation in a trace.
type Span interface {
	// SetAttribute attaches key-value metadata to the span.
	SetAttribute(key string, value any)
	// End marks the span as finished.
	End()
}

// Tracer creates spans. Callers always get a usable implementation;
// without OpenTelemetry it is a no-op.
type Tracer interface {
	// Start opens a span. The returned context carries it for
	// downstream calls; the span must be ended with End.
	Start(ctx context.Context, name string) (context.Context, Span)
}

var globalTracer Tracer = NoopTracer{}

// SetTracer replaces the global tracer. Passing nil restores the no-op
// tracer.
func SetTracer(t Tracer) {
	if t == nil {
		globalTracer = NoopTracer{}
		return
	}
	globalTracer = t
}

// GetTracer returns the current global tracer, never nil.
func GetTracer() Tracer {
	return globalTracer
}

// Start opens a span on the global tracer.
func Start(ctx context.Context, name string) (context.Context, Span) {
	return globalTracer.Start(ctx, name)
}

// Enabled reports whether a real tracer is configured. The default
// build always reports false.
func Enabled() bool {
	_, noop := globalTracer.(NoopTracer)
	return !noop
}

// Run wraps fn in a span with the given attributes. Without a real
// tracer fn runs directly with no overhead.
func Run(ctx context.Context, name string, attrs map[string]any, fn func(context.Context) error) error {
	if !Enabled() {
		return fn(ctx)
	}
	ctx, span := globalTracer.Start(ctx, name)
	defer span.End()
	for k, v := range attrs {
		span.SetAttribute(k, v)
	}
	return fn(ctx)
}

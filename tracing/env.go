//go:build !otel

// Default-build stubs. Building with -tags=otel compiles env_otel.go
// instead.

package tracing

import "context"

// InitFromEnv configures tracing from the environment. A no-op without
// the otel build tag.
func InitFromEnv() error {
	return nil
}

// Shutdown flushes the tracer provider. A no-op without the otel build
// tag.
func Shutdown(context.Context) error {
	return nil
}

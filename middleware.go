package hostsdk

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/provamark-dev/provamark-host-sdk/tracing"
)

// Handler executes one step of the command pipeline.
type Handler func(ctx context.Context, cmd string, payload json.RawMessage) (any, error)

// Middleware wraps a Handler with cross-cutting behavior. Middleware
// executes in FIFO order: the first registered wraps first (onion
// model).
type Middleware func(next Handler) Handler

func chainMiddleware(base Handler, mw []Middleware) Handler {
	h := base
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}

// RecoveryMiddleware converts command panics into InternalError
// results instead of crashing the embedding process.
func RecoveryMiddleware(logger *slog.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, cmd string, payload json.RawMessage) (result any, err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("command panicked",
						slog.String("command", cmd),
						slog.Any("panic", r))
					result = nil
					err = Errorf(CodeInternalError, "command %s panicked: %v", cmd, r)
				}
			}()
			return next(ctx, cmd, payload)
		}
	}
}

// LoggingMiddleware logs every command with its duration and outcome.
// Failures log at warn with the stable error code.
func LoggingMiddleware(logger *slog.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, cmd string, payload json.RawMessage) (any, error) {
			start := time.Now()
			result, err := next(ctx, cmd, payload)
			if err != nil {
				logger.Warn("command failed",
					slog.String("command", cmd),
					slog.Duration("duration", time.Since(start)),
					slog.String("code", string(CodeOf(err))),
					slog.Any("error", err))
				return nil, err
			}
			logger.Debug("command completed",
				slog.String("command", cmd),
				slog.Duration("duration", time.Since(start)))
			return result, nil
		}
	}
}

// TracingMiddleware opens a span per command and records failures on
// it.
func TracingMiddleware(tracer tracing.Tracer) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, cmd string, payload json.RawMessage) (any, error) {
			ctx, span := tracer.Start(ctx, "hostsdk."+cmd)
			defer span.End()

			result, err := next(ctx, cmd, payload)
			if err != nil {
				span.SetAttribute("error", err.Error())
				span.SetAttribute("code", string(CodeOf(err)))
			}
			return result, err
		}
	}
}

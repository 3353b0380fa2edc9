// Package observability holds the process-wide logging, metrics and tracing
// setup plus the Prometheus instruments the adapters record into.
package observability

import (
	"context"
	"log/slog"
	"os"

	"github.com/mindatlas/mindatlas/internal/config"
)

// SetupLogger builds the process logger: JSON lines on stdout tagged with
// the service name and environment. Dev runs at debug, everything else at
// info. main sets the result as slog.Default so code without a request
// context still logs in the same shape.
func SetupLogger(cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.IsDev() {
		level = slog.LevelDebug
	}
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
}

// Context keys for the request-scoped logger and request id. Both travel
// from the HTTP middleware through the usecases into the outbox workers, so
// background log lines can name the request that enqueued the row.
type (
	ctxKeyLogger    struct{}
	ctxKeyRequestID struct{}
)

// ContextWithLogger returns ctx carrying lg. A nil logger leaves ctx
// untouched so callers can pass through whatever they were handed.
func ContextWithLogger(ctx context.Context, lg *slog.Logger) context.Context {
	if ctx == nil || lg == nil {
		return ctx
	}
	return context.WithValue(ctx, ctxKeyLogger{}, lg)
}

// LoggerFromContext returns the request-scoped logger, or slog.Default()
// when ctx never passed through the request middleware.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if ctx != nil {
		if lg, ok := ctx.Value(ctxKeyLogger{}).(*slog.Logger); ok && lg != nil {
			return lg
		}
	}
	return slog.Default()
}

// ContextWithRequestID returns ctx carrying the request id. Empty ids are
// not stored.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	if ctx == nil || id == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKeyRequestID{}, id)
}

// RequestIDFromContext returns the request id, or "" when absent.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(ctxKeyRequestID{}).(string)
	return id
}

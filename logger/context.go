package logger

import (
	"context"
	"log/slog"
)

type ctxKey struct{}

// WithLogger returns a context carrying the given logger.
func WithLogger(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// WithRequestID attaches the request id to the context logger so every
// line logged below the handler layer carries it.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	l := FromContext(ctx, slog.Default()).With("request_id", requestID)
	return WithLogger(ctx, l)
}

// FromContext returns the request-scoped logger carried by the
// context. Outside a request there is none and fallback is returned.
func FromContext(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
		return l
	}
	return fallback
}

// Package logger is the structured logger used across the replayer.
package logger

import "context"

// Logger logs a message followed by alternating key/value pairs:
//
//	log.Warn("dead-lettered message completed twice", "message_id", id, "sequence", seq)
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	// With returns a child logger that adds args to every entry.
	With(args ...any) Logger
	// WithContext returns a child logger carrying the request id and replay run id found in ctx.
	WithContext(ctx context.Context) Logger
}

type contextKey int

const (
	requestIDKey contextKey = iota
	runIDKey
)

// ContextWithRequestID stores the HTTP request id picked up by WithContext.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext returns the request id stored by ContextWithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// ContextWithRunID stores the replay run id picked up by WithContext.
func ContextWithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// RunIDFromContext returns the run id stored by ContextWithRunID.
func RunIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey).(string)
	return id
}

package logger

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	subjectKey   contextKey = "subject"
)

// WithRequestID stores a request id for later log lines.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// WithSubject stores the authenticated caller for later log lines.
func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, subjectKey, subject)
}

// RequestID returns the request id stored in ctx, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// ContextLogger provides context-aware logging
type ContextLogger struct {
	logger *zap.SugaredLogger
}

// NewContextLogger creates a new context logger
func NewContextLogger(logger *zap.SugaredLogger) *ContextLogger {
	return &ContextLogger{logger: logger}
}

// WithContext returns a logger carrying the trace, request and subject ids
// found in ctx.
func (cl *ContextLogger) WithContext(ctx context.Context) *zap.SugaredLogger {
	var fields []interface{}

	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		fields = append(fields, "trace_id", sc.TraceID().String())
	}
	if id := RequestID(ctx); id != "" {
		fields = append(fields, "request_id", id)
	}
	if subject, ok := ctx.Value(subjectKey).(string); ok && subject != "" {
		fields = append(fields, "subject", subject)
	}

	if len(fields) == 0 {
		return cl.logger
	}
	return cl.logger.With(fields...)
}

// LogRequest logs an HTTP request with context
func (cl *ContextLogger) LogRequest(ctx context.Context, method, path string, statusCode int, durationMs int64) {
	cl.WithContext(ctx).Infow("http_request",
		"method", method,
		"path", path,
		"status_code", statusCode,
		"duration_ms", durationMs,
	)
}

// LogError logs an error with context
func (cl *ContextLogger) LogError(ctx context.Context, err error, message string, keysAndValues ...interface{}) {
	cl.WithContext(ctx).With("error", err).Errorw(message, keysAndValues...)
}

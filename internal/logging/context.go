package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type (
	requestCtxKey  struct{}
	jobCtxKey      struct{}
	feedbackCtxKey struct{}
	loggerCtxKey   struct{}
)

// ContextFields extracts correlation data from ctx.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if id := RequestIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("request_id", id))
	}
	if id := JobIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("job_id", id))
	}
	if id := FeedbackIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("feedback_id", id))
	}
	return fields
}

// WithRequestID tags ctx with an HTTP or MCP request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return withString(ctx, requestCtxKey{}, id)
}

// RequestIDFromContext returns the request id, or "".
func RequestIDFromContext(ctx context.Context) string {
	return stringFrom(ctx, requestCtxKey{})
}

// WithJobID tags ctx with the generation job being learned from.
func WithJobID(ctx context.Context, id string) context.Context {
	return withString(ctx, jobCtxKey{}, id)
}

// JobIDFromContext returns the job id, or "".
func JobIDFromContext(ctx context.Context) string {
	return stringFrom(ctx, jobCtxKey{})
}

// WithFeedbackID tags ctx with the feedback record under ingestion.
func WithFeedbackID(ctx context.Context, id string) context.Context {
	return withString(ctx, feedbackCtxKey{}, id)
}

// FeedbackIDFromContext returns the feedback id, or "".
func FeedbackIDFromContext(ctx context.Context) string {
	return stringFrom(ctx, feedbackCtxKey{})
}

// empty ids are not stored so they never appear as blank fields
func withString(ctx context.Context, key any, v string) context.Context {
	if v == "" {
		return ctx
	}
	return context.WithValue(ctx, key, v)
}

func stringFrom(ctx context.Context, key any) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, l)
}

// FromContext returns the logger stored in ctx, or a no-op logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok && l != nil {
		return l
	}
	return &Logger{zap: zap.NewNop(), config: NewDefaultConfig()}
}

package logging

import (
	"context"
	"fmt"
	"regexp"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
		if sc.IsSampled() {
			fields = append(fields, zap.Bool("trace_sampled", true))
		}
	}
	if t, ok := ctx.Value(taskCtxKey{}).(taskRef); ok {
		fields = append(fields, zap.String("task.id", t.id))
		if t.owner != "" {
			fields = append(fields, zap.String("task.owner", t.owner))
		}
	}
	if s, ok := ctx.Value(stageCtxKey{}).(string); ok {
		fields = append(fields, zap.String("stage", s))
	}
	if r := RequestIDFromContext(ctx); r != "" {
		fields = append(fields, zap.String("request.id", r))
	}
	return fields
}

type (
	taskCtxKey    struct{}
	stageCtxKey   struct{}
	requestCtxKey struct{}
	loggerCtxKey  struct{}
)

type taskRef struct{ id, owner string }

var requestIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,128}$`)

// WithTask tags the context with a task and its owner.
func WithTask(ctx context.Context, id, owner string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, taskCtxKey{}, taskRef{id: id, owner: owner})
}

// TaskFromContext returns the task ID and owner, if tagged.
func TaskFromContext(ctx context.Context) (id, owner string, ok bool) {
	t, ok := ctx.Value(taskCtxKey{}).(taskRef)
	return t.id, t.owner, ok
}

// WithStage tags the context with a pipeline stage name.
func WithStage(ctx context.Context, stage string) context.Context {
	if stage == "" {
		return ctx
	}
	return context.WithValue(ctx, stageCtxKey{}, stage)
}

// RequestIDFromContext extracts request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if r, ok := ctx.Value(requestCtxKey{}).(string); ok {
		return r
	}
	return ""
}

// ValidRequestID reports whether id is accepted by WithRequestID.
func ValidRequestID(id string) bool {
	return requestIDPattern.MatchString(id)
}

// WithRequestID adds request ID to context.
// Panics if requestID is empty or contains characters outside [a-zA-Z0-9_-].
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if !requestIDPattern.MatchString(requestID) {
		panic(fmt.Sprintf("logging: invalid request ID %q", requestID))
	}
	return context.WithValue(ctx, requestCtxKey{}, requestID)
}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves logger from context, or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return NewNop()
}

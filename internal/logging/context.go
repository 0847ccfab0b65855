// internal/logging/context.go
package logging

import (
	"context"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// maxCtxValueLen caps correlation values copied into every log line.
const maxCtxValueLen = 128

type requestCtxKey struct{}
type containerTagCtxKey struct{}
type documentCtxKey struct{}
type loggerCtxKey struct{}

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
		if sc.IsSampled() {
			fields = append(fields, zap.Bool("trace_sampled", true))
		}
	}

	if id := RequestIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("request_id", id))
	}
	if tag := ContainerTagFromContext(ctx); tag != "" {
		fields = append(fields, zap.String("container_tag", tag))
	}
	if id := DocumentIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("document_id", id))
	}

	return fields
}

// sanitize trims v and drops it if it is not valid UTF-8.
func sanitize(v string) string {
	v = strings.TrimSpace(v)
	if !utf8.ValidString(v) {
		return ""
	}
	if len(v) > maxCtxValueLen {
		v = v[:maxCtxValueLen]
		// Avoid cutting a multi-byte rune in half.
		for !utf8.ValidString(v) {
			v = v[:len(v)-1]
		}
	}
	return v
}

// WithRequestID adds the request ID to context. Empty or invalid values leave
// ctx unchanged.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if v := sanitize(requestID); v != "" {
		return context.WithValue(ctx, requestCtxKey{}, v)
	}
	return ctx
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(requestCtxKey{}).(string)
	return s
}

// WithContainerTag adds the container tag being operated on to context.
func WithContainerTag(ctx context.Context, tag string) context.Context {
	if v := sanitize(tag); v != "" {
		return context.WithValue(ctx, containerTagCtxKey{}, v)
	}
	return ctx
}

// ContainerTagFromContext extracts the container tag from context.
func ContainerTagFromContext(ctx context.Context) string {
	s, _ := ctx.Value(containerTagCtxKey{}).(string)
	return s
}

// WithDocumentID adds a document ID to context.
func WithDocumentID(ctx context.Context, id string) context.Context {
	if v := sanitize(id); v != "" {
		return context.WithValue(ctx, documentCtxKey{}, v)
	}
	return ctx
}

// DocumentIDFromContext extracts the document ID from context.
func DocumentIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(documentCtxKey{}).(string)
	return s
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

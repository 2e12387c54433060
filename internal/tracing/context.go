package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// SessionKey is the context key for the supervised session name
	SessionKey ContextKey = "session"
	// OperationKey is the context key for the lifecycle operation (start, snapshot, health, export...)
	OperationKey ContextKey = "operation"
	// RequestIDKey is the context key for the control API request ID
	RequestIDKey ContextKey = "request_id"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID   string
	Session   string
	Operation string
	RequestID string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithSession adds a session name to the context
func WithSession(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, SessionKey, name)
}

// WithOperation adds an operation name to the context
func WithOperation(ctx context.Context, op string) context.Context {
	return context.WithValue(ctx, OperationKey, op)
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

func stringValue(ctx context.Context, key ContextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	return stringValue(ctx, TraceIDKey)
}

// GetSession retrieves the session name from the context
func GetSession(ctx context.Context) string {
	return stringValue(ctx, SessionKey)
}

// GetOperation retrieves the operation name from the context
func GetOperation(ctx context.Context) string {
	return stringValue(ctx, OperationKey)
}

// GetRequestID retrieves the request ID from the context
func GetRequestID(ctx context.Context) string {
	return stringValue(ctx, RequestIDKey)
}

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:   GetTraceID(ctx),
		Session:   GetSession(ctx),
		Operation: GetOperation(ctx),
		RequestID: GetRequestID(ctx),
	}
}

// NewContext creates a new context with tracing information
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	if tc.TraceID != "" {
		ctx = WithTraceID(ctx, tc.TraceID)
	}
	if tc.Session != "" {
		ctx = WithSession(ctx, tc.Session)
	}
	if tc.Operation != "" {
		ctx = WithOperation(ctx, tc.Operation)
	}
	if tc.RequestID != "" {
		ctx = WithRequestID(ctx, tc.RequestID)
	}
	return ctx
}

// NewRequestContext creates a new context for a request with a new trace ID
func NewRequestContext(ctx context.Context) context.Context {
	return WithTraceID(ctx, NewTraceID())
}

// NewSessionContext tags ctx with a session and operation, creating a trace
// ID when the caller did not bring one.
func NewSessionContext(ctx context.Context, session, op string) context.Context {
	if GetTraceID(ctx) == "" {
		ctx = WithTraceID(ctx, NewTraceID())
	}
	ctx = WithSession(ctx, session)
	return WithOperation(ctx, op)
}

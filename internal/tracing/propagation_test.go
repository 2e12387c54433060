package tracing

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/trace"
)

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	ctx := NewSessionContext(WithTraceID(context.Background(), "trace-123"), "alice", "start")

	l := LoggerFromContext(ctx, zerolog.New(&buf))
	l.Info().Msg("hello")

	out := buf.String()
	assert.Contains(t, out, `"trace_id":"trace-123"`)
	assert.Contains(t, out, `"session":"alice"`)
	assert.Contains(t, out, `"operation":"start"`)
	assert.NotContains(t, out, "request_id")
}

func TestLoggerFromContextUsesSpanTraceID(t *testing.T) {
	var buf bytes.Buffer
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: trace.TraceID{1, 2, 3},
		SpanID:  trace.SpanID{4},
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	l := LoggerFromContext(ctx, zerolog.New(&buf))
	l.Info().Msg("hello")

	assert.Contains(t, buf.String(), sc.TraceID().String())
}

func TestDetach(t *testing.T) {
	parent, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	parent = WithTraceID(parent, "trace-d")
	parent = WithSession(parent, "dave")
	cancel()

	detached := Detach(parent)
	assert.NoError(t, detached.Err())
	assert.Equal(t, "trace-d", GetTraceID(detached))
	assert.Equal(t, "dave", GetSession(detached))
}

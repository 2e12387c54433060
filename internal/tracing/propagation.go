package tracing

import (
	"context"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// LoggerFromContext returns base annotated with the trace id, session,
// operation and request id carried by ctx. Empty values are left out. When
// ctx has no trace id but carries a recording span, the span's id is used.
func LoggerFromContext(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)
	if tc.TraceID == "" {
		if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
			tc.TraceID = sc.TraceID().String()
		}
	}

	lc := base.With()
	for _, f := range [...]struct{ key, val string }{
		{"trace_id", tc.TraceID},
		{"session", tc.Session},
		{"operation", tc.Operation},
		{"request_id", tc.RequestID},
	} {
		if f.val != "" {
			lc = lc.Str(f.key, f.val)
		}
	}
	return lc.Logger()
}

// Detach returns a background context carrying only the tracing values of
// ctx. Work that outlives a request (snapshot timers, restarts) runs on it.
func Detach(ctx context.Context) context.Context {
	return NewContext(context.Background(), FromContext(ctx))
}

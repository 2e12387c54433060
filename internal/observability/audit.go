package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/lifeline/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Audit categories.
const (
	AuditSession  = "session"
	AuditRecovery = "recovery"
	AuditConfig   = "config"
)

// AuditRecord is one line of the audit trail.
type AuditRecord struct {
	Category string
	Session  string
	Actor    string
	Action   string
	Outcome  string
	Fields   map[string]interface{}
	At       time.Time
}

// AuditTrail writes audit records as JSON lines.
type AuditTrail struct {
	mu     sync.Mutex
	logger zerolog.Logger
	closer io.Closer
}

var trail atomic.Pointer[AuditTrail]

func init() {
	trail.Store(&AuditTrail{logger: zerolog.Nop()})
}

// NewAuditTrail returns a trail writing to w. w is closed by Close when it
// implements io.Closer.
func NewAuditTrail(w io.Writer) *AuditTrail {
	a := &AuditTrail{logger: zerolog.New(w)}
	if c, ok := w.(io.Closer); ok {
		a.closer = c
	}
	return a
}

// InitAuditLogger points the process audit trail at path, creating its
// directory. The previous trail is closed.
func InitAuditLogger(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create audit dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open audit file: %w", err)
	}
	SetAuditTrail(NewAuditTrail(f))
	return nil
}

// SetAuditTrail swaps the process audit trail and closes the old one.
func SetAuditTrail(a *AuditTrail) {
	if old := trail.Swap(a); old != nil && old != a {
		_ = old.Close()
	}
}

// GetAuditLogger returns the process audit trail. Records are dropped until
// InitAuditLogger or SetAuditTrail installs a destination.
func GetAuditLogger() *AuditTrail {
	return trail.Load()
}

// Record writes rec and mirrors it as an event on the span in ctx.
func (a *AuditTrail) Record(ctx context.Context, rec AuditRecord) {
	if rec.At.IsZero() {
		rec.At = time.Now()
	}

	traceID := tracing.GetTraceID(ctx)
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		traceID = span.SpanContext().TraceID().String()
		span.AddEvent("audit."+rec.Action, trace.WithAttributes(
			attribute.String("audit.category", rec.Category),
			attribute.String("audit.outcome", rec.Outcome),
			attribute.String("audit.session", rec.Session),
		))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	ev := a.logger.Log().
		Time("at", rec.At).
		Str("category", rec.Category).
		Str("action", rec.Action).
		Str("outcome", rec.Outcome)
	if rec.Session != "" {
		ev = ev.Str("session", rec.Session)
	}
	if rec.Actor != "" {
		ev = ev.Str("actor", rec.Actor)
	}
	if traceID != "" {
		ev = ev.Str("trace_id", traceID)
	}
	if len(rec.Fields) > 0 {
		ev = ev.Fields(rec.Fields)
	}
	ev.Send()
}

// Close releases the trail's destination. Later records are dropped.
func (a *AuditTrail) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logger = zerolog.Nop()
	if a.closer == nil {
		return nil
	}
	c := a.closer
	a.closer = nil
	return c.Close()
}

// RecordSessionAudit records a lifecycle transition of one session.
func RecordSessionAudit(ctx context.Context, action, session, outcome string, fields map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditRecord{
		Category: AuditSession,
		Session:  session,
		Action:   action,
		Outcome:  outcome,
		Fields:   fields,
	})
}

// RecordRecoveryAudit records a process-wide action: a health restart or a
// bulk export or import.
func RecordRecoveryAudit(ctx context.Context, action, outcome string, fields map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditRecord{
		Category: AuditRecovery,
		Action:   action,
		Outcome:  outcome,
		Fields:   fields,
	})
}

// RecordConfigAudit records a configuration change made by actor.
func RecordConfigAudit(ctx context.Context, action, actor string, fields map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditRecord{
		Category: AuditConfig,
		Actor:    actor,
		Action:   action,
		Outcome:  "success",
		Fields:   fields,
	})
}

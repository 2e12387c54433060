package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/harun/lifeline/internal/tracing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func useTrail(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetAuditTrail(NewAuditTrail(&buf))
	t.Cleanup(func() { SetAuditTrail(NewAuditTrail(nil)) })
	return &buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestRecordSessionAudit(t *testing.T) {
	buf := useTrail(t)
	ctx := tracing.WithTraceID(context.Background(), "trace-1")

	RecordSessionAudit(ctx, "close", "alice", "success", map[string]interface{}{"reason": "api"})

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, AuditSession, lines[0]["category"])
	assert.Equal(t, "close", lines[0]["action"])
	assert.Equal(t, "alice", lines[0]["session"])
	assert.Equal(t, "success", lines[0]["outcome"])
	assert.Equal(t, "api", lines[0]["reason"])
	assert.Equal(t, "trace-1", lines[0]["trace_id"])
	assert.NotContains(t, lines[0], "actor")
}

func TestRecordRecoveryAndConfigAudit(t *testing.T) {
	buf := useTrail(t)

	RecordRecoveryAudit(context.Background(), "export", "failure", nil)
	RecordConfigAudit(context.Background(), "reload", "file", map[string]interface{}{"log_level": "warn"})

	lines := decodeLines(t, buf)
	require.Len(t, lines, 2)
	assert.Equal(t, AuditRecovery, lines[0]["category"])
	assert.Equal(t, "failure", lines[0]["outcome"])
	assert.NotContains(t, lines[0], "trace_id")
	assert.Equal(t, AuditConfig, lines[1]["category"])
	assert.Equal(t, "file", lines[1]["actor"])
	assert.Equal(t, "warn", lines[1]["log_level"])
}

func TestInitAuditLoggerCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "audit.log")
	require.NoError(t, InitAuditLogger(path))
	t.Cleanup(func() { SetAuditTrail(NewAuditTrail(nil)) })

	RecordSessionAudit(context.Background(), "start", "bob", "success", nil)
	require.NoError(t, GetAuditLogger().Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"session":"bob"`)

	// closed trails drop records
	RecordSessionAudit(context.Background(), "start", "carol", "success", nil)
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "carol")
}

package cli

import (
	"bytes"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackupExport(t *testing.T) {
	api, srv := newFakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/zip")
		_, _ = w.Write([]byte("PK\x03\x04bundle"))
	})
	path := writeConfig(t, srv, "s3cret")
	target := filepath.Join(t.TempDir(), "out.zip")

	out, err := execute(t, "backup", "export", "--config", path, "-o", target)
	require.NoError(t, err)

	assert.Equal(t, "/api/backup-sessions", api.last().Path)
	assert.Equal(t, "Bearer s3cret", api.last().Auth)
	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "PK\x03\x04bundle", string(data))
	assert.Contains(t, out, "10 bytes")
}

func TestBackupExportFailureKeepsTarget(t *testing.T) {
	_, srv := newFakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSONResponse(w, http.StatusInternalServerError, map[string]any{"status": false, "message": "disk full"})
	})
	path := writeConfig(t, srv, "")
	target := filepath.Join(t.TempDir(), "out.zip")
	require.NoError(t, os.WriteFile(target, []byte("previous"), 0o644))

	_, err := execute(t, "backup", "export", "--config", path, "-o", target)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "previous", string(data))
}

func TestBackupExportUpload(t *testing.T) {
	api, srv := newFakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSONResponse(w, http.StatusOK, map[string]any{"status": true, "bucket": "backups", "key": "lifeline-backup-x.zip"})
	})
	path := writeConfig(t, srv, "")

	out, err := execute(t, "backup", "export", "--config", path, "--upload")
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, api.last().Method)
	assert.Equal(t, "/api/backup-sessions/upload", api.last().Path)
	assert.Contains(t, out, "s3://backups/lifeline-backup-x.zip")
}

func TestBackupImport(t *testing.T) {
	api, srv := newFakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSONResponse(w, http.StatusOK, map[string]any{"success": true, "tokens": 2, "files": 7})
	})
	path := writeConfig(t, srv, "")
	bundle := filepath.Join(t.TempDir(), "bundle.zip")
	require.NoError(t, os.WriteFile(bundle, []byte("PK\x03\x04data"), 0o644))

	out, err := execute(t, "backup", "import", bundle, "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Restored 2 tokens and 7 profile files")

	req := api.last()
	assert.Equal(t, "/api/restore-sessions", req.Path)
	mediaType, params, err := mime.ParseMediaType(req.Type)
	require.NoError(t, err)
	assert.Equal(t, "multipart/form-data", mediaType)

	mr := multipart.NewReader(bytes.NewReader(req.Body), params["boundary"])
	part, err := mr.NextPart()
	require.NoError(t, err)
	assert.Equal(t, "file", part.FormName())
	assert.Equal(t, "bundle.zip", part.FileName())
	data, err := io.ReadAll(part)
	require.NoError(t, err)
	assert.Equal(t, "PK\x03\x04data", string(data))
}

func TestBackupImportMissingFile(t *testing.T) {
	path := writeConfig(t, nil, "")
	_, err := execute(t, "backup", "import", filepath.Join(t.TempDir(), "nope.zip"), "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open bundle")
}

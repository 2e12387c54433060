// Package bulkbackup exports every session's token and profile data into
// one zip bundle and restores such a bundle. Both directions close all
// sessions first and start them again in the background once the bundle is
// written or restored.
package bulkbackup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harun/lifeline/internal/observability"
	"github.com/harun/lifeline/internal/tracing"
	"github.com/harun/lifeline/pkg/pathstore"
	"github.com/harun/lifeline/pkg/tokenstore"
	"github.com/klauspost/compress/zip"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

const (
	// StagingPrefix names import staging directories under the data root.
	StagingPrefix = ".lifeline-import-"

	DefaultMaxImportSize = 2 << 30
)

// ErrTooLarge is returned when an upload exceeds the import limit.
var ErrTooLarge = errors.New("upload exceeds import size limit")

// Sessions is what a bulk operation stops and restarts.
type Sessions interface {
	CloseAll(ctx context.Context) int
	StartAll(ctx context.Context) error
}

// Options configures a Manager
type Options struct {
	DataRoot      string
	MaxImportSize int64
	// Bucket and Uploader enable ExportToBucket.
	Bucket   string
	Uploader Uploader
	Logger   zerolog.Logger
}

// ExportResult summarizes an export.
type ExportResult struct {
	Tokens int `json:"tokens"`
	Files  int `json:"files"`
}

// ImportResult summarizes an import.
type ImportResult struct {
	Tokens int `json:"tokens"`
	Files  int `json:"files"`
}

// Manager runs bulk exports and imports, one at a time.
type Manager struct {
	sessions Sessions
	tokens   tokenstore.Store
	paths    *pathstore.Store
	opts     Options
	logger   zerolog.Logger

	mu sync.Mutex

	// restarts run StartAll after an operation; base cancels them on Close
	restarts   sync.WaitGroup
	base       context.Context
	cancelBase context.CancelFunc
}

// New creates a Manager
func New(sessions Sessions, tokens tokenstore.Store, paths *pathstore.Store, opts Options) *Manager {
	if opts.MaxImportSize <= 0 {
		opts.MaxImportSize = DefaultMaxImportSize
	}
	observability.EnsureRegistered()
	base, cancel := context.WithCancel(context.Background())
	return &Manager{
		sessions:   sessions,
		tokens:     tokens,
		paths:      paths,
		opts:       opts,
		logger:     opts.Logger.With().Str("component", "bulkbackup").Logger(),
		base:       base,
		cancelBase: cancel,
	}
}

// Wait blocks until background restarts have finished.
func (m *Manager) Wait() {
	m.restarts.Wait()
}

// Close cancels background restarts and waits for them. Later operations
// no longer restart sessions.
func (m *Manager) Close() {
	m.mu.Lock()
	m.cancelBase()
	m.mu.Unlock()
	m.restarts.Wait()
}

// Export closes every session and writes the bundle to w. The sessions are
// started again in the background once it returns, whether or not the
// bundle was written.
func (m *Manager) Export(ctx context.Context, w io.Writer) (ExportResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restarts.Wait()

	ctx, span := tracing.StartSpan(ctx, "lifeline.bulkbackup", "bulkbackup.export")
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, m.logger)
	start := time.Now()

	closed := m.sessions.CloseAll(ctx)
	logger.Info().Int("closed", closed).Msg("Sessions closed for export")
	defer m.restart(ctx, "export")

	res, err := m.writeBundle(ctx, w)
	tracing.RecordSpanError(span, err)
	observability.RecordBulkOperation("export", time.Since(start), err == nil)
	observability.RecordRecoveryAudit(ctx, "export", auditStatus(err), map[string]interface{}{
		"tokens": res.Tokens,
		"files":  res.Files,
	})
	if err != nil {
		return res, err
	}

	logger.Info().Int("tokens", res.Tokens).Int("files", res.Files).Dur("duration", time.Since(start)).Msg("Export finished")
	return res, nil
}

func (m *Manager) writeBundle(ctx context.Context, w io.Writer) (ExportResult, error) {
	var res ExportResult
	zw := newZipWriter(w)

	names, err := m.tokens.List(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to list tokens: %w", err)
	}
	for _, name := range names {
		rec, err := m.tokens.Get(ctx, name)
		if err != nil {
			if errors.Is(err, tokenstore.ErrNotFound) {
				continue
			}
			return res, fmt.Errorf("failed to read token %s: %w", name, err)
		}
		data, err := tokenstore.Encode(rec)
		if err != nil {
			return res, err
		}
		if err := writeEntry(zw, TokensDir+"/"+name+tokenstore.FileSuffix, data); err != nil {
			return res, err
		}
		res.Tokens++
	}

	if m.paths.IsDir(m.opts.DataRoot) {
		files, err := addTree(m.paths.Fs(), zw, m.opts.DataRoot, ProfileDir, func(rel string) bool {
			return strings.HasPrefix(rel, StagingPrefix)
		})
		res.Files = files
		if err != nil {
			return res, err
		}
	}

	if err := zw.Close(); err != nil {
		return res, fmt.Errorf("failed to finish archive: %w", err)
	}
	return res, nil
}

// ExportToBucket exports into a temporary file and uploads it. It returns
// the object key.
func (m *Manager) ExportToBucket(ctx context.Context) (string, error) {
	if m.opts.Uploader == nil || m.opts.Bucket == "" {
		return "", errors.New("export bucket is not configured")
	}

	fs := m.paths.Fs()
	tmp, err := afero.TempFile(fs, "", "lifeline-export-*.zip")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		tmp.Close()
		_ = fs.Remove(tmp.Name())
	}()

	if _, err := m.Export(ctx, tmp); err != nil {
		return "", err
	}
	size, err := tmp.Seek(0, io.SeekCurrent)
	if err != nil {
		return "", fmt.Errorf("failed to size export: %w", err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("failed to rewind export: %w", err)
	}

	key, err := ObjectKey(time.Now())
	if err != nil {
		return "", err
	}

	start := time.Now()
	err = m.opts.Uploader.Upload(ctx, m.opts.Bucket, key, tmp, size)
	observability.RecordBulkOperation("upload", time.Since(start), err == nil)
	if err != nil {
		return "", fmt.Errorf("failed to upload export: %w", err)
	}

	m.logger.Info().Str("bucket", m.opts.Bucket).Str("key", key).Int64("bytes", size).Msg("Export uploaded")
	return key, nil
}

// ObjectKey names an uploaded bundle.
func ObjectKey(now time.Time) (string, error) {
	id, err := gonanoid.New(10)
	if err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return fmt.Sprintf("lifeline-backup-%s-%s.zip", now.UTC().Format("20060102T150405Z"), id), nil
}

// Import validates r as a bundle and restores it. Nothing is closed or
// written until the archive has been validated. Tokens from the bundle
// replace stored ones; profile files never overwrite existing files.
func (m *Manager) Import(ctx context.Context, r io.Reader) (ImportResult, error) {
	var res ImportResult

	data, err := io.ReadAll(io.LimitReader(r, m.opts.MaxImportSize+1))
	if err != nil {
		return res, fmt.Errorf("failed to read upload: %w", err)
	}
	if int64(len(data)) > m.opts.MaxImportSize {
		return res, ErrTooLarge
	}
	zr, err := openArchive(data)
	if err != nil {
		observability.RecordBulkOperation("import", 0, false)
		return res, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.restarts.Wait()

	ctx, span := tracing.StartSpan(ctx, "lifeline.bulkbackup", "bulkbackup.import")
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, m.logger)
	start := time.Now()

	closed := m.sessions.CloseAll(ctx)
	logger.Info().Int("closed", closed).Msg("Sessions closed for import")
	defer m.restart(ctx, "import")

	res, err = m.restore(ctx, zr)
	tracing.RecordSpanError(span, err)
	observability.RecordBulkOperation("import", time.Since(start), err == nil)
	observability.RecordRecoveryAudit(ctx, "import", auditStatus(err), map[string]interface{}{
		"tokens": res.Tokens,
		"files":  res.Files,
	})
	if err != nil {
		return res, err
	}

	logger.Info().Int("tokens", res.Tokens).Int("files", res.Files).Dur("duration", time.Since(start)).Msg("Import finished")
	return res, nil
}

func (m *Manager) restore(ctx context.Context, zr *zip.Reader) (ImportResult, error) {
	var res ImportResult
	fs := m.paths.Fs()

	id, err := gonanoid.New(10)
	if err != nil {
		return res, fmt.Errorf("failed to name staging dir: %w", err)
	}
	staging := filepath.Join(m.opts.DataRoot, StagingPrefix+id)
	if err := m.paths.MkdirAll(staging); err != nil {
		return res, fmt.Errorf("failed to create staging dir: %w", err)
	}
	defer func() {
		if err := m.paths.RemoveAll(staging); err != nil {
			m.logger.Warn().Err(err).Str("path", staging).Msg("Failed to remove staging dir")
		}
	}()

	if _, err := extract(fs, zr, staging); err != nil {
		return res, fmt.Errorf("failed to extract archive: %w", err)
	}

	tokenDir := filepath.Join(staging, TokensDir)
	if m.paths.IsDir(tokenDir) {
		entries, err := m.paths.List(tokenDir)
		if err != nil {
			return res, fmt.Errorf("failed to list bundle tokens: %w", err)
		}
		for _, entry := range entries {
			name, ok := tokenstore.NameFromFile(entry)
			if !ok {
				continue
			}
			raw, err := afero.ReadFile(fs, filepath.Join(tokenDir, entry))
			if err != nil {
				return res, fmt.Errorf("failed to read bundle token %s: %w", name, err)
			}
			rec, err := tokenstore.Decode(raw)
			if err != nil {
				m.logger.Warn().Err(err).Str("session", name).Msg("Skipping unreadable token")
				continue
			}
			if err := m.tokens.Set(ctx, name, rec); err != nil {
				return res, fmt.Errorf("failed to store token %s: %w", name, err)
			}
			res.Tokens++
		}
	}

	profileDir := filepath.Join(staging, ProfileDir)
	if m.paths.IsDir(profileDir) {
		res.Files = countFiles(fs, profileDir)
		if err := m.paths.MkdirAll(m.opts.DataRoot); err != nil {
			return res, fmt.Errorf("failed to create data root: %w", err)
		}
		if err := m.paths.Copy(profileDir, m.opts.DataRoot, pathstore.CopyOptions{SkipSymlinks: true}); err != nil {
			return res, fmt.Errorf("failed to restore profiles: %w", err)
		}
	}

	return res, nil
}

// restart starts every session again without holding up the caller. The
// next operation waits for it before closing sessions.
func (m *Manager) restart(ctx context.Context, kind string) {
	if m.base.Err() != nil {
		return
	}
	ctx = tracing.NewContext(m.base, tracing.FromContext(ctx))
	m.restarts.Add(1)
	go func() {
		defer m.restarts.Done()
		logger := tracing.LoggerFromContext(ctx, m.logger)
		if err := m.sessions.StartAll(ctx); err != nil {
			logger.Error().Err(err).Str("operation", kind).Msg("Failed to restart sessions")
			return
		}
		logger.Info().Str("operation", kind).Msg("Sessions restarted")
	}()
}

func countFiles(fs afero.Fs, root string) int {
	n := 0
	_ = afero.Walk(fs, root, func(_ string, info os.FileInfo, err error) error {
		if err == nil && info.Mode().IsRegular() {
			n++
		}
		return nil
	})
	return n
}

func auditStatus(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

package daemon

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/harun/lifeline/internal/observability"
	"github.com/harun/lifeline/internal/tracing"
	"github.com/harun/lifeline/pkg/bulkbackup"
	"github.com/harun/lifeline/pkg/session"
	"github.com/harun/lifeline/pkg/supervisor"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

const (
	maxStartBody     = 64 << 10
	multipartMemory  = 32 << 20
	qrWaitTimeout    = 30 * time.Second
	qrPollInterval   = 200 * time.Millisecond
	shutdownDeadline = 5 * time.Second
)

// APIConfig configures the control API listener.
type APIConfig struct {
	Host      string
	Port      int
	Secret    string
	RateLimit int
	Logger    zerolog.Logger
}

// APIServer serves the HTTP control API, metrics and the event socket.
type APIServer struct {
	cfg     APIConfig
	d       *Daemon
	mux     *http.ServeMux
	limiter *RateLimiter
	logger  zerolog.Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// NewAPIServer creates the API server and registers its routes.
func NewAPIServer(cfg APIConfig, d *Daemon) *APIServer {
	s := &APIServer{
		cfg:     cfg,
		d:       d,
		mux:     http.NewServeMux(),
		limiter: NewRateLimiter(cfg.RateLimit),
		logger:  cfg.Logger.With().Str("component", "api").Logger(),
	}
	s.routes()
	return s
}

func (s *APIServer) routes() {
	api := func(h http.HandlerFunc) http.Handler {
		return s.withRequest(s.withRateLimit(s.withAuth(h)))
	}

	s.mux.Handle("GET /api/sessions", api(s.handleListSessions))
	s.mux.Handle("POST /api/{session}/start-session", api(s.handleStartSession))
	s.mux.Handle("GET /api/{session}/status-session", api(s.handleStatusSession))
	s.mux.Handle("POST /api/{session}/close-session", api(s.handleCloseSession))
	s.mux.Handle("GET /api/backup-sessions", api(s.handleBackupSessions))
	s.mux.Handle("POST /api/backup-sessions/upload", api(s.handleBackupUpload))
	s.mux.Handle("POST /api/restore-sessions", api(s.handleRestoreSessions))
	s.mux.Handle("GET /api/health-check", api(s.handleHealthCheck))

	s.mux.Handle("GET /ws", s.withAuth(s.d.hub.ServeHTTP))
	s.mux.Handle("GET /metrics", observability.MetricsHandler())
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
}

// Handler returns the routed handler.
func (s *APIServer) Handler() http.Handler {
	return s.mux
}

// Start binds the listener and serves in the background.
func (s *APIServer) Start() error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.server = srv
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info().Str("addr", ln.Addr().String()).Bool("auth", s.cfg.Secret != "").Msg("Starting control API")
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Control API error")
		}
	}()
	return nil
}

// Addr returns the bound address, empty before Start.
func (s *APIServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down and waits for in-flight requests.
func (s *APIServer) Stop() error {
	s.limiter.Stop()

	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownDeadline)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown control API: %w", err)
	}
	s.logger.Info().Msg("Control API stopped")
	return nil
}

// Middleware

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *APIServer) withRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID, _ := gonanoid.New(12)
		ctx := tracing.WithRequestID(tracing.NewRequestContext(r.Context()), requestID)
		if name := r.PathValue("session"); name != "" {
			ctx = tracing.WithSession(ctx, name)
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		rec.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(rec, r.WithContext(ctx))

		logger := tracing.LoggerFromContext(ctx, s.logger)
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("Request handled")
	})
}

func (s *APIServer) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Secret == "" {
			next(w, r)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Secret)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
			return
		}
		next(w, r)
	}
}

func (s *APIServer) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, retryAfter := s.limiter.Allow(clientIP(r))
		if !ok {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Responses

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"status": false, "message": msg})
}

// Handlers

func (s *APIServer) handleListSessions(w http.ResponseWriter, r *http.Request) {
	names, err := s.d.supervisor.Names(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	reports := make([]supervisor.StatusReport, 0, len(names))
	for _, name := range names {
		reports = append(reports, s.d.supervisor.Status(name))
	}
	writeJSON(w, http.StatusOK, reports)
}

func (s *APIServer) handleStartSession(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("session")
	if err := session.ValidateName(name); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxStartBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	req, err := decodeStartRequest(body)
	if err != nil {
		var reqErr *requestError
		if errors.As(err, &reqErr) {
			writeError(w, http.StatusBadRequest, reqErr.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := s.d.supervisor.Launch(r.Context(), name, req.Config); err != nil {
		switch {
		case errors.Is(err, supervisor.ErrInvalidName):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, supervisor.ErrCapacity):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		case errors.Is(err, supervisor.ErrClosing):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	report := s.d.supervisor.Status(name)
	if req.WaitQRCode {
		report = s.waitForCode(r.Context(), name)
	}
	writeJSON(w, http.StatusOK, report)
}

// waitForCode polls until the session shows a code, connects or closes.
func (s *APIServer) waitForCode(ctx context.Context, name string) supervisor.StatusReport {
	ctx, cancel := context.WithTimeout(ctx, qrWaitTimeout)
	defer cancel()

	ticker := time.NewTicker(qrPollInterval)
	defer ticker.Stop()
	for {
		report := s.d.supervisor.Status(name)
		switch session.Status(report.Status) {
		case session.StatusQRCode, session.StatusPhoneCode, session.StatusConnected, session.StatusClosed:
			return report
		}
		select {
		case <-ctx.Done():
			return report
		case <-ticker.C:
		}
	}
}

func (s *APIServer) handleStatusSession(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("session")
	if err := session.ValidateName(name); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.d.supervisor.Status(name))
}

func (s *APIServer) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("session")
	if err := s.d.supervisor.Close(r.Context(), name); err != nil {
		if errors.Is(err, supervisor.ErrNotRunning) {
			writeError(w, http.StatusNotFound, "session is not running")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": true, "message": "Session successfully closed"})
}

func (s *APIServer) handleBackupSessions(w http.ResponseWriter, r *http.Request) {
	fs := s.d.paths.Fs()
	tmp, err := afero.TempFile(fs, "", "lifeline-backup-*.zip")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create temp file")
		return
	}
	defer func() {
		tmp.Close()
		_ = fs.Remove(tmp.Name())
	}()

	res, err := s.d.bulk.Export(r.Context(), tmp)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	size, err := tmp.Seek(0, io.SeekCurrent)
	if err == nil {
		_, err = tmp.Seek(0, io.SeekStart)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read export")
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="backupSessions.zip"`)
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("X-Lifeline-Tokens", strconv.Itoa(res.Tokens))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, tmp); err != nil {
		s.logger.Warn().Err(err).Msg("Backup download interrupted")
	}
}

func (s *APIServer) handleBackupUpload(w http.ResponseWriter, r *http.Request) {
	if !s.d.config.Export.S3.Enabled() {
		writeError(w, http.StatusNotImplemented, "export bucket is not configured")
		return
	}
	key, err := s.d.bulk.ExportToBucket(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": true, "bucket": s.d.config.Export.S3.Bucket, "key": key})
}

func (s *APIServer) handleRestoreSessions(w http.ResponseWriter, r *http.Request) {
	limit := s.d.config.Export.MaxImportSize
	if limit <= 0 {
		limit = bulkbackup.DefaultMaxImportSize
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit+multipartMemory)

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "expected a multipart form with a file field")
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "please send a zipped file in the file field")
		return
	}
	defer file.Close()

	res, err := s.d.bulk.Import(r.Context(), file)
	if err != nil {
		switch {
		case errors.Is(err, bulkbackup.ErrNotArchive), errors.Is(err, bulkbackup.ErrUnsafeEntry):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, bulkbackup.ErrTooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "tokens": res.Tokens, "files": res.Files})
}

func (s *APIServer) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	report := s.d.health.RunOnce(r.Context())
	status := http.StatusOK
	if !report.Healthy() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (s *APIServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	st := s.d.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"pid":      st.PID,
		"uptime":   st.Uptime.Seconds(),
		"sessions": st.Sessions,
	})
}

// Package supervisor runs the session lifecycle: it admits starts, restores
// profiles, connects through the remote client, wires event forwarding and
// tears sessions down on close or fatal status.
//
// Invariants:
// - A name has at most one start in flight; duplicate starts are no-ops.
// - A session that leaves INITIALIZING without a handle ends CLOSED and is
//   removed from the registry.
// - Teardown happens once per lifecycle, whichever path triggers it first.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/harun/lifeline/internal/observability"
	"github.com/harun/lifeline/internal/tracing"
	"github.com/harun/lifeline/pkg/backupsync"
	"github.com/harun/lifeline/pkg/dispatch"
	"github.com/harun/lifeline/pkg/pathstore"
	"github.com/harun/lifeline/pkg/proxychain"
	"github.com/harun/lifeline/pkg/remote"
	"github.com/harun/lifeline/pkg/session"
	"github.com/harun/lifeline/pkg/tokenstore"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultConnectTimeout   = 3 * time.Minute
	DefaultCloseTimeout     = 30 * time.Second
	DefaultResolveTimeout   = 10 * time.Second
	DefaultStartConcurrency = 4
	DefaultDeviceName       = "Lifeline"
	DefaultPoweredBy        = "Lifeline"
)

var (
	// ErrInvalidName is returned for names unusable as a path component.
	ErrInvalidName = errors.New("invalid session name")
	// ErrNotRunning is returned by Close for names without a live session.
	ErrNotRunning = errors.New("session not running")
	// ErrCapacity is returned when the live session limit is reached.
	ErrCapacity = session.ErrCapacity
	// ErrClosing is returned by Start while the previous lifecycle of the
	// name is still tearing down.
	ErrClosing = session.ErrClosing
)

// Close reasons, used for metrics and audit
const (
	ReasonRequested     = "requested"
	ReasonConnectError  = "connect_error"
	ReasonTimeout       = "connect_timeout"
	ReasonProxy         = "proxy_error"
	ReasonNotConnected  = "not_connected"
	ReasonAutoClose     = "auto_close"
	ReasonDisconnected  = "disconnected_mobile"
	ReasonQRReadError   = "qr_read_error"
	ReasonCloseAll      = "close_all"
	ReasonStatusUnknown = "terminal_status"
)

// AnonymizeFunc wraps an upstream proxy into a local endpoint.
type AnonymizeFunc func(ctx context.Context, up proxychain.Upstream) (*proxychain.Proxy, error)

// Options configures a Supervisor
type Options struct {
	// DataRoot holds <name> profile directories and backup_<name> snapshots.
	DataRoot         string
	Backup           backupsync.Options
	ConnectTimeout   time.Duration
	CloseTimeout     time.Duration
	ResolveTimeout   time.Duration
	StartConcurrency int
	DeviceName       string
	PoweredBy        string
	Anonymize        AnonymizeFunc
	Logger           zerolog.Logger
}

func (o *Options) applyDefaults() {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = DefaultCloseTimeout
	}
	if o.ResolveTimeout <= 0 {
		o.ResolveTimeout = DefaultResolveTimeout
	}
	if o.StartConcurrency <= 0 {
		o.StartConcurrency = DefaultStartConcurrency
	}
	if o.DeviceName == "" {
		o.DeviceName = DefaultDeviceName
	}
	if o.PoweredBy == "" {
		o.PoweredBy = DefaultPoweredBy
	}
	if o.Anonymize == nil {
		o.Anonymize = proxychain.Anonymize
	}
}

// Supervisor owns session lifecycles.
type Supervisor struct {
	registry *session.Registry
	tokens   tokenstore.Store
	client   remote.Client
	paths    *pathstore.Store
	emitter  dispatch.Emitter
	opts     Options
	logger   zerolog.Logger
}

// New creates a Supervisor
func New(registry *session.Registry, tokens tokenstore.Store, client remote.Client, paths *pathstore.Store, emitter dispatch.Emitter, opts Options) *Supervisor {
	opts.applyDefaults()
	if emitter == nil {
		emitter = dispatch.Nop{}
	}
	observability.EnsureRegistered()

	logger := opts.Logger.With().Str("component", "supervisor").Logger()
	if opts.Backup.Logger == nil {
		opts.Backup.Logger = &logger
	}

	return &Supervisor{
		registry: registry,
		tokens:   tokens,
		client:   client,
		paths:    paths,
		emitter:  emitter,
		opts:     opts,
		logger:   logger,
	}
}

// Registry returns the session registry.
func (sup *Supervisor) Registry() *session.Registry {
	return sup.registry
}

// Tokens returns the token store.
func (sup *Supervisor) Tokens() tokenstore.Store {
	return sup.tokens
}

// Lookup returns the status and live handle for name. Absent names report
// UNINITIALIZED with a nil handle.
func (sup *Supervisor) Lookup(name string) (session.Status, remote.Handle) {
	s, ok := sup.registry.Get(name)
	if !ok {
		return session.StatusUninitialized, nil
	}
	return s.Status(), s.Handle()
}

// DataRoot returns the profile root directory.
func (sup *Supervisor) DataRoot() string {
	return sup.opts.DataRoot
}

// Start brings the named session up and returns when the attempt has either
// connected or failed. A start for a session that is already present and
// not CLOSED does nothing. Lifecycle failures are not returned; they end
// in CLOSED and are reported through logs, metrics and events.
func (sup *Supervisor) Start(ctx context.Context, name string, requested session.Config) error {
	if err := session.ValidateName(name); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidName, err)
	}

	s, started, err := sup.registry.BeginStart(name, requested)
	if err != nil {
		observability.RecordSessionStart("rejected", 0)
		return err
	}
	if !started {
		sup.logger.Debug().Str("session", name).Str("status", string(s.Status())).Msg("Session already running, start ignored")
		return nil
	}

	sup.run(ctx, s, requested)
	return nil
}

// Launch is Start without waiting for the connect: name validation and
// admission happen before it returns, the connect runs on a context
// detached from ctx.
func (sup *Supervisor) Launch(ctx context.Context, name string, requested session.Config) error {
	if err := session.ValidateName(name); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidName, err)
	}

	s, started, err := sup.registry.BeginStart(name, requested)
	if err != nil {
		observability.RecordSessionStart("rejected", 0)
		return err
	}
	if !started {
		return nil
	}

	go sup.run(tracing.Detach(ctx), s, requested)
	return nil
}

func (sup *Supervisor) run(ctx context.Context, s *session.Session, requested session.Config) {
	name := s.Name()
	started := time.Now()

	ctx = tracing.NewSessionContext(ctx, name, "start")
	ctx, span := tracing.StartSpan(ctx, "lifeline.supervisor", "supervisor.start", attribute.String("session", name))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, sup.logger)

	logger.Info().Msg("Starting session")

	// Stored config fills whatever the request left out; persist right
	// away so a new phone or webhook survives restarts.
	cfg, err := tokenstore.LoadAndMerge(ctx, sup.tokens, name, requested)
	if err != nil {
		logger.Warn().Err(err).Msg("Token store unavailable, continuing with request config")
	}
	s.SetConfig(cfg)

	proxyServer := ""
	if cfg.Proxy != nil && cfg.Proxy.URL != "" {
		p, err := sup.opts.Anonymize(ctx, proxychain.Upstream{
			URL:      cfg.Proxy.URL,
			Username: cfg.Proxy.Username,
			Password: cfg.Proxy.Password,
		})
		if err != nil {
			logger.Error().Err(err).Msg("Failed to prepare proxy")
			sup.fail(ctx, span, s, ReasonProxy, err, teardownOptions{}, started)
			return
		}
		s.AddCloser(p)
		proxyServer = p.Addr()
	}

	backup := backupsync.New(sup.paths, sup.opts.DataRoot, name, sup.opts.Backup)
	s.SetBackup(backup)
	backup.BeforeConnect()

	connectOpts := remote.ConnectOptions{
		Session:     name,
		UserDataDir: backup.Descriptor().UserDataDir,
		ProxyServer: proxyServer,
		Phone:       cfg.Phone,
		Callbacks:   sup.callbacks(ctx, s),
	}
	// linking by phone breaks when a device label is sent
	if cfg.Phone == "" {
		connectOpts.DeviceName = firstNonEmpty(cfg.DeviceName, sup.opts.DeviceName)
		connectOpts.PoweredBy = firstNonEmpty(cfg.PoweredBy, sup.opts.PoweredBy)
	}

	if !s.BeginConnect() {
		logger.Info().Msg("Session closed before connecting")
		observability.RecordSessionStart("closed", time.Since(started))
		return
	}

	connectCtx, cancel := context.WithTimeout(ctx, sup.opts.ConnectTimeout)
	handle, err := sup.client.Connect(connectCtx, connectOpts)
	timedOut := errors.Is(connectCtx.Err(), context.DeadlineExceeded)
	cancel()

	if !s.EndConnect(handle) {
		// closed while connecting, by a terminal status or a close request
		if handle != nil {
			sup.closeHandle(ctx, handle)
		}
		sup.finishClose(s)
		logger.Info().Msg("Session closed while connecting")
		observability.RecordSessionStart("closed", time.Since(started))
		return
	}

	if err != nil {
		if remote.IsConnectTimeout(err) || timedOut {
			logger.Error().Err(err).Dur("timeout", sup.opts.ConnectTimeout).Msg("Session connect timed out")
			sup.fail(ctx, span, s, ReasonTimeout, err, teardownOptions{deleteSnapshot: true}, started)
			return
		}
		logger.Error().Err(err).Msg("Failed to start session")
		sup.fail(ctx, span, s, ReasonConnectError, err, teardownOptions{}, started)
		return
	}

	connected, err := handle.CheckConnected(ctx)
	if err != nil || !connected {
		if err == nil {
			err = &remote.ClientError{Code: remote.ErrCodeNotConnected, Message: "client not connected after login"}
		}
		logger.Error().Err(err).Msg("Session did not report connected")
		sup.fail(ctx, span, s, ReasonNotConnected, err, teardownOptions{}, started)
		return
	}

	if !s.SetStatus(session.StatusConnected) {
		logger.Info().Msg("Session closed before it was marked connected")
		return
	}

	sup.emit(ctx, s, dispatch.Event{Name: dispatch.EventStateChange, Data: map[string]any{"status": string(session.StatusConnected)}})
	sup.emit(ctx, s, dispatch.Event{Name: dispatch.EventSessionLogged, SocketOnly: true, Data: map[string]any{"status": true}})

	backup.AfterConnect(ctx)
	sup.subscribe(ctx, s, handle)

	observability.RecordSessionStart("connected", time.Since(started))
	observability.RecordSessionAudit(ctx, "start", name, "success", nil)
	sup.refreshGauges()
	logger.Info().Dur("duration", time.Since(started)).Msg("Session connected")
}

func (sup *Supervisor) fail(ctx context.Context, span trace.Span, s *session.Session, reason string, err error, opts teardownOptions, started time.Time) {
	span.RecordError(err)
	span.SetStatus(codes.Error, reason)
	sup.teardown(ctx, s, reason, opts)
	observability.RecordSessionStart(reason, time.Since(started))
	observability.RecordSessionAudit(ctx, "start", s.Name(), "failure", map[string]interface{}{"reason": reason, "error": err.Error()})
}

type teardownOptions struct {
	deleteSnapshot bool
	deleteToken    bool
}

// teardown closes s once: CLOSED, resources released, registry entry removed.
// The name stays in the closing set until the handle and the backup engine
// are done, so a new start cannot share the profile with the old browser.
func (sup *Supervisor) teardown(ctx context.Context, s *session.Session, reason string, opts teardownOptions) {
	name := s.Name()
	logger := tracing.LoggerFromContext(ctx, sup.logger).With().Str("session", name).Logger()

	sup.registry.Detach(name, s)
	res := s.Release()
	if res.Already {
		// whoever released first finishes the teardown
		return
	}
	defer sup.finishClose(s)

	closeCtx, cancel := context.WithTimeout(tracing.Detach(ctx), sup.opts.CloseTimeout)
	defer cancel()
	if err := res.Teardown(closeCtx); err != nil {
		logger.Warn().Err(err).Msg("Failed to close remote client")
	}

	if res.Backup != nil {
		if opts.deleteSnapshot {
			res.Backup.Disconnect()
		} else {
			res.Backup.Stop()
		}
	}

	if opts.deleteToken {
		if err := sup.tokens.Delete(closeCtx, name); err != nil {
			logger.Warn().Err(err).Msg("Failed to delete token")
		} else {
			logger.Info().Msg("Token deleted")
		}
	}

	observability.RecordSessionClose(reason)
	observability.RecordSessionAudit(ctx, "close", name, "success", map[string]interface{}{"reason": reason})
	sup.refreshGauges()

	sup.emit(ctx, s, dispatch.Event{Name: dispatch.EventSessionClosed, SocketOnly: true, Data: map[string]any{"reason": reason}})
	logger.Info().Str("reason", reason).Msg("Session closed")
}

// finishClose frees the name of s for new starts once every party of its
// close is done.
func (sup *Supervisor) finishClose(s *session.Session) {
	if s.FinishClose() {
		sup.registry.Closed(s.Name(), s)
	}
}

func (sup *Supervisor) closeHandle(ctx context.Context, h remote.Handle) {
	closeCtx, cancel := context.WithTimeout(tracing.Detach(ctx), sup.opts.CloseTimeout)
	defer cancel()
	if err := h.Close(closeCtx); err != nil {
		sup.logger.Warn().Err(err).Msg("Failed to close orphaned remote client")
	}
}

// Close explicitly ends a session. The snapshot is deleted, the token kept.
func (sup *Supervisor) Close(ctx context.Context, name string) error {
	s, ok := sup.registry.Get(name)
	if !ok || s.Status() == session.StatusClosed {
		return ErrNotRunning
	}
	ctx = tracing.NewSessionContext(ctx, name, "close")
	sup.teardown(ctx, s, ReasonRequested, teardownOptions{deleteSnapshot: true})
	return nil
}

// CloseAll detaches every session from the registry and closes each one
// best effort. Snapshots are kept so the next start restores them.
func (sup *Supervisor) CloseAll(ctx context.Context) int {
	ctx = tracing.WithOperation(ctx, "close_all")
	logger := tracing.LoggerFromContext(ctx, sup.logger)

	sessions := sup.registry.DetachAll()
	closed := 0
	for _, s := range sessions {
		res := s.Release()
		if res.Already {
			// a concurrent teardown owns it
			continue
		}

		closeCtx, cancel := context.WithTimeout(tracing.Detach(ctx), sup.opts.CloseTimeout)
		if err := res.Teardown(closeCtx); err != nil {
			logger.Warn().Err(err).Str("session", s.Name()).Msg("Failed to close remote client")
		}
		cancel()

		if res.Backup != nil {
			res.Backup.Stop()
		}
		sup.finishClose(s)
		observability.RecordSessionClose(ReasonCloseAll)
		closed++
	}

	sup.refreshGauges()
	logger.Info().Int("closed", closed).Msg("All sessions closed")
	return closed
}

// StartAll starts every session that has a stored token and waits for the
// attempts to finish.
func (sup *Supervisor) StartAll(ctx context.Context) error {
	names, err := sup.tokens.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	sup.logger.Info().Int("count", len(names)).Msg("Starting all sessions")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sup.opts.StartConcurrency)
	for _, name := range names {
		g.Go(func() error {
			if err := sup.Start(gctx, name, session.Config{}); err != nil {
				sup.logger.Warn().Err(err).Str("session", name).Msg("Failed to start session")
			}
			return nil
		})
	}
	return g.Wait()
}

// Names returns every known session name: stored tokens plus registry entries.
func (sup *Supervisor) Names(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	stored, err := sup.tokens.List(ctx)
	for _, n := range stored {
		seen[n] = struct{}{}
	}
	for _, n := range sup.registry.Names() {
		seen[n] = struct{}{}
	}

	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)

	if err != nil {
		return names, fmt.Errorf("failed to list tokens: %w", err)
	}
	return names, nil
}

// StatusReport is the externally visible state of one session.
type StatusReport struct {
	Session   string `json:"session"`
	Status    string `json:"status"`
	QRCode    string `json:"qrcode,omitempty"`
	URLCode   string `json:"urlcode,omitempty"`
	PhoneCode string `json:"phoneCode,omitempty"`
}

// Status reports the state of name. Unknown names report CLOSED.
func (sup *Supervisor) Status(name string) StatusReport {
	s, ok := sup.registry.Get(name)
	if !ok {
		return StatusReport{Session: name, Status: string(session.StatusClosed)}
	}

	report := StatusReport{Session: name, Status: string(s.Status())}
	switch s.Status() {
	case session.StatusQRCode:
		qr := s.QRCode()
		report.QRCode = qr.Base64Image
		report.URLCode = qr.URLCode
	case session.StatusPhoneCode:
		report.PhoneCode = s.PhoneCode()
	}
	return report
}

func (sup *Supervisor) refreshGauges() {
	observability.SetSessionCounts(sup.registry.Counts())
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

package session

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/harun/lifeline/pkg/backupsync"
	"github.com/harun/lifeline/pkg/remote"
)

// Status is the lifecycle state of a Session.
type Status string

const (
	StatusUninitialized Status = "UNINITIALIZED"
	StatusInitializing  Status = "INITIALIZING"
	StatusQRCode        Status = "QRCODE"
	StatusPhoneCode     Status = "PHONECODE"
	StatusConnected     Status = "CONNECTED"
	StatusClosed        Status = "CLOSED"
)

// Restartable reports whether a start may replace a session in this status.
func (s Status) Restartable() bool {
	return s == StatusUninitialized || s == StatusClosed
}

// Session is the runtime state of one supervised connection.
type Session struct {
	name string

	mu        sync.Mutex
	status    Status
	config    Config
	handle    remote.Handle
	backup    *backupsync.Sync
	subs      []func()
	closers   []io.Closer
	lidCache  map[string]remote.Identity
	qrCode    remote.QRCode
	phoneCode string
	startedAt time.Time

	// connecting is set while the remote connect runs; pending counts the
	// parties that must finish before a released session is fully closed.
	connecting bool
	pending    int
}

func newSession(name string, status Status, cfg Config) *Session {
	return &Session{
		name:      name,
		status:    status,
		config:    cfg,
		lidCache:  make(map[string]remote.Identity),
		startedAt: time.Now(),
	}
}

// Name returns the session name.
func (s *Session) Name() string {
	return s.name
}

// Status returns the current status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SetStatus moves the session to status unless it is already CLOSED. It
// returns false when the session was closed. Use Release to close.
func (s *Session) SetStatus(status Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusClosed {
		return false
	}
	s.status = status
	return true
}

// StartedAt returns when the current lifecycle began.
func (s *Session) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

// Config returns the effective configuration.
func (s *Session) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config
}

// SetConfig replaces the effective configuration.
func (s *Session) SetConfig(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config = cfg
}

// Handle returns the live connection, or nil.
func (s *Session) Handle() remote.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// BeginConnect marks the remote connect as running. It returns false when
// the session already closed and must not connect.
func (s *Session) BeginConnect() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusClosed {
		return false
	}
	s.connecting = true
	return true
}

// EndConnect ends the connect and stores h, which may be nil after a failed
// connect, as the session's connection. It returns false when the session
// closed meanwhile or already owns a handle; the caller then owns h, must
// close it, and, if the session was released during the connect, must call
// FinishClose.
func (s *Session) EndConnect(h remote.Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connecting = false
	if s.status == StatusClosed || s.handle != nil {
		return false
	}
	if h != nil {
		s.handle = h
	}
	return true
}

// Backup returns the session's snapshot engine.
func (s *Session) Backup() *backupsync.Sync {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backup
}

// SetBackup stores the snapshot engine for this lifecycle.
func (s *Session) SetBackup(b *backupsync.Sync) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backup = b
}

// AddSubscription records an event subscription cancel func. When the
// session already closed the cancel runs immediately and false is returned.
func (s *Session) AddSubscription(cancel func()) bool {
	s.mu.Lock()
	if s.status == StatusClosed {
		s.mu.Unlock()
		cancel()
		return false
	}
	s.subs = append(s.subs, cancel)
	s.mu.Unlock()
	return true
}

// AddCloser records a resource released on close, such as a local proxy.
func (s *Session) AddCloser(c io.Closer) bool {
	s.mu.Lock()
	if s.status == StatusClosed {
		s.mu.Unlock()
		_ = c.Close()
		return false
	}
	s.closers = append(s.closers, c)
	s.mu.Unlock()
	return true
}

// SetQRCode stores the latest QR challenge and moves to QRCODE.
func (s *Session) SetQRCode(qr remote.QRCode) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusClosed {
		return false
	}
	s.qrCode = qr
	s.status = StatusQRCode
	return true
}

// QRCode returns the latest QR challenge.
func (s *Session) QRCode() remote.QRCode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.qrCode
}

// SetPhoneCode stores the latest phone-linking code and moves to PHONECODE.
func (s *Session) SetPhoneCode(code string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusClosed {
		return false
	}
	s.phoneCode = code
	s.status = StatusPhoneCode
	return true
}

// PhoneCode returns the latest phone-linking code.
func (s *Session) PhoneCode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phoneCode
}

// CachedIdentity looks up a resolved linked identity.
func (s *Session) CachedIdentity(id string) (remote.Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.lidCache[id]
	return rec, ok
}

// CacheIdentity stores a resolved linked identity for the session lifetime.
func (s *Session) CacheIdentity(id string, rec remote.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lidCache[id] = rec
}

// Resources are what a closing session hands back for teardown.
type Resources struct {
	Handle        remote.Handle
	Subscriptions []func()
	Closers       []io.Closer
	Backup        *backupsync.Sync
	// Already is true when the session was closed before this call.
	Already bool
	// Connecting is true when a remote connect was still running. Its
	// owner closes the late handle and calls FinishClose.
	Connecting bool
}

// Release moves the session to CLOSED and detaches its resources. Only the
// first caller receives them. The first caller, and the connect owner when
// Connecting is set, each call FinishClose once done.
func (s *Session) Release() Resources {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := Resources{
		Handle:        s.handle,
		Subscriptions: s.subs,
		Closers:       s.closers,
		Backup:        s.backup,
		Already:       s.status == StatusClosed,
		Connecting:    s.connecting,
	}
	if res.Already {
		return Resources{Already: true}
	}

	s.pending = 1
	if s.connecting {
		s.pending++
	}

	s.status = StatusClosed
	s.handle = nil
	s.subs = nil
	s.closers = nil
	s.qrCode = remote.QRCode{}
	s.phoneCode = ""
	return res
}

// FinishClose records that one party of the close is done and reports
// whether it was the last.
func (s *Session) FinishClose() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending > 0 {
		s.pending--
	}
	return s.pending == 0
}

// Teardown cancels subscriptions, closes the handle and other closers. It
// returns the first handle close error. The backup engine is left to the
// caller, which decides whether the snapshot survives.
func (r Resources) Teardown(ctx context.Context) error {
	for _, cancel := range r.Subscriptions {
		cancel()
	}

	var err error
	if r.Handle != nil {
		err = r.Handle.Close(ctx)
	}

	for _, c := range r.Closers {
		_ = c.Close()
	}
	return err
}

// Package remote defines the capability set lifeline consumes from a remote
// client: something that launches a browser-backed messaging session, reports
// authentication progress through callbacks and exposes the live connection
// as a Handle.
//
// The production implementation lives in rodclient; remotetest provides a
// scriptable fake.
package remote

import (
	"context"
	"errors"
)

// EventKind names an event stream a Handle can subscribe to.
type EventKind string

const (
	EventMessage      EventKind = "message"
	EventIncomingCall EventKind = "incoming-call"
	EventAck          EventKind = "ack"
	EventPresence     EventKind = "presence-change"
	EventReaction     EventKind = "reaction"
	EventRevoke       EventKind = "revoke"
	EventPollResponse EventKind = "poll-response"
	EventLabelUpdate  EventKind = "label-update"
	EventStateChange  EventKind = "state-change"
	EventParticipants EventKind = "participants-changed"
)

// AllEventKinds lists every kind Subscribe accepts.
var AllEventKinds = []EventKind{
	EventMessage,
	EventIncomingCall,
	EventAck,
	EventPresence,
	EventReaction,
	EventRevoke,
	EventPollResponse,
	EventLabelUpdate,
	EventStateChange,
	EventParticipants,
}

// Status is a connection status reported through Callbacks.OnStatus.
type Status string

const (
	StatusIsLogged           Status = "isLogged"
	StatusNotLogged          Status = "notLogged"
	StatusInChat             Status = "inChat"
	StatusQRReadSuccess      Status = "qrReadSuccess"
	StatusQRReadError        Status = "qrReadError"
	StatusAutoClose          Status = "autocloseCalled"
	StatusDisconnectedMobile Status = "desconnectedMobile"
	StatusBrowserClose       Status = "browserClose"
	StatusConflict           Status = "conflict"
)

// Terminal reports whether the status ends the session.
func (s Status) Terminal() bool {
	switch s {
	case StatusAutoClose, StatusDisconnectedMobile, StatusQRReadError:
		return true
	}
	return false
}

// State values delivered on EventStateChange.
const (
	StateConnected = "CONNECTED"
	StateConflict  = "CONFLICT"
	StateUnpaired  = "UNPAIRED"
)

// Event is an opaque JSON-shaped event payload.
type Event map[string]any

// Identity is the resolved record for a linked identity id.
type Identity map[string]any

// QRCode is an authentication QR challenge.
type QRCode struct {
	// Base64Image is a data URI of the rendered code. May be empty, in
	// which case consumers render URLCode themselves.
	Base64Image string
	URLCode     string
	Attempt     int
}

// Callbacks receive authentication progress during Connect.
type Callbacks struct {
	OnQRCode    func(QRCode)
	OnPhoneCode func(code string)
	OnLoading   func(percent int, message string)
	OnStatus    func(status Status)
}

// ConnectOptions describes one session launch.
type ConnectOptions struct {
	Session     string
	UserDataDir string
	// ProxyServer is a host:port endpoint handed to the browser.
	ProxyServer string
	// Phone requests phone-number linking instead of QR.
	Phone      string
	DeviceName string
	PoweredBy  string
	Callbacks  Callbacks
}

// Client establishes connections.
type Client interface {
	Connect(ctx context.Context, opts ConnectOptions) (Handle, error)
}

// Handle is one live connection. It is owned by exactly one session.
type Handle interface {
	CheckConnected(ctx context.Context) (bool, error)
	// Probe asks for something cheap (a render) to prove the connection is alive.
	Probe(ctx context.Context) error
	Close(ctx context.Context) error
	Subscribe(kind EventKind, fn func(Event)) (cancel func(), err error)
	ResolveIdentity(ctx context.Context, id string) (Identity, error)
	// UseHere takes the session back after another device opened it.
	UseHere(ctx context.Context) error
}

// ErrConnectTimeout is returned when the connection is not established in time.
var ErrConnectTimeout = errors.New("remote: connection establishment timed out")

// Error codes
const (
	ErrCodeLaunch       = "LAUNCH_ERROR"
	ErrCodeNavigation   = "NAVIGATION_ERROR"
	ErrCodeTimeout      = "TIMEOUT_ERROR"
	ErrCodeScript       = "SCRIPT_EXECUTION_ERROR"
	ErrCodeClosed       = "CLIENT_CLOSED"
	ErrCodeUnsupported  = "UNSUPPORTED"
	ErrCodeNotConnected = "NOT_CONNECTED"
)

// ClientError is a failure reported by a remote client.
type ClientError struct {
	Code    string
	Message string
	Err     error
}

func (e *ClientError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *ClientError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrConnectTimeout) hold for timeout client errors.
func (e *ClientError) Is(target error) bool {
	return target == ErrConnectTimeout && e.Code == ErrCodeTimeout
}

// IsConnectTimeout reports whether err means the connection was not
// established in time, including a context deadline.
func IsConnectTimeout(err error) bool {
	return errors.Is(err, ErrConnectTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// Package dispatch delivers session events to webhooks and websocket
// clients. Delivery is fire-and-forget: failures are logged and counted,
// never retried and never returned to the emitting session.
package dispatch

import "context"

// Event names emitted by the supervisor
const (
	EventStatusFind    = "status-find"
	EventQRCode        = "qrcode"
	EventPhoneCode     = "phoneCode"
	EventStateChange   = "state_change"
	EventSessionLogged = "session-logged"
	EventSessionClosed = "session-closed"
	EventLoading       = "loading"
	EventMessage       = "onmessage"
	EventIncomingCall  = "incomingcall"
	EventAck           = "onack"
	EventPresence      = "onpresencechanged"
	EventParticipants  = "onparticipantschanged"
	EventReaction      = "onreactionmessage"
	EventRevoke        = "onrevokedmessage"
	EventPollResponse  = "onpollresponse"
	EventLabelUpdate   = "onupdatelabel"
)

// Event is one notification about a session.
type Event struct {
	Name    string
	Session string
	Data    map[string]any
	// WebhookURL is the session's webhook. Empty falls back to the
	// emitter default, and no default means no webhook delivery.
	WebhookURL string
	// SocketName overrides Name for websocket frames.
	SocketName string
	// SocketOnly skips webhook delivery.
	SocketOnly bool
}

// Emitter accepts events. Emit must not block on delivery.
type Emitter interface {
	Emit(ctx context.Context, ev Event)
}

// Fanout sends every event to each emitter.
type Fanout []Emitter

func (f Fanout) Emit(ctx context.Context, ev Event) {
	for _, e := range f {
		if e != nil {
			e.Emit(ctx, ev)
		}
	}
}

// Nop discards events.
type Nop struct{}

func (Nop) Emit(context.Context, Event) {}

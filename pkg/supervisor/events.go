package supervisor

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/harun/lifeline/internal/tracing"
	"github.com/harun/lifeline/pkg/dispatch"
	"github.com/harun/lifeline/pkg/remote"
	"github.com/harun/lifeline/pkg/session"
	skipqrcode "github.com/skip2/go-qrcode"
)

const (
	qrImageSize = 256
	lidSuffix   = "@lid"
)

// callbacks adapts authentication progress into session state and events.
func (sup *Supervisor) callbacks(ctx context.Context, s *session.Session) remote.Callbacks {
	logger := tracing.LoggerFromContext(ctx, sup.logger)

	return remote.Callbacks{
		OnQRCode: func(qr remote.QRCode) {
			if qr.Base64Image == "" && qr.URLCode != "" {
				img, err := RenderQRCode(qr.URLCode)
				if err != nil {
					logger.Warn().Err(err).Msg("Failed to render QR code")
				}
				qr.Base64Image = img
			}
			if !s.SetQRCode(qr) {
				return
			}
			logger.Info().Int("attempt", qr.Attempt).Msg("QR code generated")
			sup.emit(ctx, s, dispatch.Event{
				Name:       dispatch.EventQRCode,
				SocketName: "qrCode",
				Data: map[string]any{
					"qrcode":  qr.Base64Image,
					"urlcode": qr.URLCode,
					"attempt": qr.Attempt,
				},
			})
		},
		OnPhoneCode: func(code string) {
			if !s.SetPhoneCode(code) {
				return
			}
			logger.Info().Msg("Phone link code generated")
			sup.emit(ctx, s, dispatch.Event{
				Name: dispatch.EventPhoneCode,
				Data: map[string]any{"phone": s.Config().Phone, "phoneCode": code},
			})
		},
		OnLoading: func(percent int, message string) {
			logger.Debug().Int("percent", percent).Str("message", message).Msg("Loading")
			sup.emit(ctx, s, dispatch.Event{
				Name:       dispatch.EventLoading,
				SocketOnly: true,
				Data:       map[string]any{"percent": percent, "message": message},
			})
		},
		OnStatus: func(status remote.Status) {
			logger.Info().Str("remote_status", string(status)).Msg("Status changed")
			sup.emit(ctx, s, dispatch.Event{
				Name: dispatch.EventStatusFind,
				Data: map[string]any{"status": string(status)},
			})
			if status.Terminal() {
				sup.onTerminalStatus(ctx, s, status)
			}
		},
	}
}

func (sup *Supervisor) onTerminalStatus(ctx context.Context, s *session.Session, status remote.Status) {
	switch status {
	case remote.StatusQRReadError:
		// pairing failed for good: start the next attempt from scratch
		sup.teardown(ctx, s, ReasonQRReadError, teardownOptions{deleteSnapshot: true, deleteToken: true})
	case remote.StatusAutoClose:
		sup.teardown(ctx, s, ReasonAutoClose, teardownOptions{})
	case remote.StatusDisconnectedMobile:
		sup.teardown(ctx, s, ReasonDisconnected, teardownOptions{})
	default:
		sup.teardown(ctx, s, ReasonStatusUnknown, teardownOptions{})
	}
}

// RenderQRCode encodes content as a PNG data URI.
func RenderQRCode(content string) (string, error) {
	png, err := skipqrcode.Encode(content, skipqrcode.Medium, qrImageSize)
	if err != nil {
		return "", fmt.Errorf("failed to encode qr code: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

type streamBinding struct {
	kind    remote.EventKind
	event   string
	enabled func(session.WebhookConfig) bool
}

var streamBindings = []streamBinding{
	{remote.EventMessage, dispatch.EventMessage, always},
	{remote.EventIncomingCall, dispatch.EventIncomingCall, always},
	{remote.EventStateChange, dispatch.EventStateChange, always},
	{remote.EventAck, dispatch.EventAck, func(w session.WebhookConfig) bool { return w.ListenAcks }},
	{remote.EventPresence, dispatch.EventPresence, func(w session.WebhookConfig) bool { return w.OnPresenceChanged }},
	{remote.EventParticipants, dispatch.EventParticipants, func(w session.WebhookConfig) bool { return w.OnParticipantsChanged }},
	{remote.EventReaction, dispatch.EventReaction, func(w session.WebhookConfig) bool { return w.OnReactionMessage }},
	{remote.EventRevoke, dispatch.EventRevoke, func(w session.WebhookConfig) bool { return w.OnRevokedMessage }},
	{remote.EventPollResponse, dispatch.EventPollResponse, func(w session.WebhookConfig) bool { return w.OnPollResponse }},
	{remote.EventLabelUpdate, dispatch.EventLabelUpdate, func(w session.WebhookConfig) bool { return w.OnLabelUpdated }},
}

func always(session.WebhookConfig) bool { return true }

// subscribe wires the event streams selected by the session config.
func (sup *Supervisor) subscribe(ctx context.Context, s *session.Session, h remote.Handle) {
	logger := tracing.LoggerFromContext(ctx, sup.logger)
	webhook := s.Config().Webhook
	eventCtx := tracing.Detach(ctx)

	for _, b := range streamBindings {
		if !b.enabled(webhook) {
			continue
		}
		cancel, err := h.Subscribe(b.kind, func(ev remote.Event) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error().Interface("panic", r).Str("stream", string(b.kind)).Msg("Event handler panicked")
				}
			}()
			sup.handleEvent(eventCtx, s, h, b, ev)
		})
		if err != nil {
			logger.Warn().Err(err).Str("stream", string(b.kind)).Msg("Failed to subscribe")
			continue
		}
		s.AddSubscription(cancel)
	}
}

func (sup *Supervisor) handleEvent(ctx context.Context, s *session.Session, h remote.Handle, b streamBinding, ev remote.Event) {
	if s.Status() == session.StatusClosed {
		return
	}
	data := copyEvent(ev)

	switch b.kind {
	case remote.EventMessage:
		if fromMe, _ := data["fromMe"].(bool); fromMe && !s.Config().Webhook.OnSelfMessage {
			return
		}
		sup.enrichMessage(ctx, s, h, data)
	case remote.EventIncomingCall:
		if peer, ok := data["peerJid"].(string); ok {
			if rec, ok := sup.resolveIdentity(ctx, s, h, peer); ok {
				data["peerEntry"] = rec
			}
		}
	case remote.EventStateChange:
		state, _ := data["state"].(string)
		if state == remote.StateConflict {
			if err := h.UseHere(ctx); err != nil {
				sup.logger.Warn().Err(err).Str("session", s.Name()).Msg("Failed to take session back")
			}
		}
	}

	sup.emit(ctx, s, dispatch.Event{Name: b.event, Data: data})
}

// enrichMessage attaches resolved identities for linked-identity chat and
// sender ids.
func (sup *Supervisor) enrichMessage(ctx context.Context, s *session.Session, h remote.Handle, data map[string]any) {
	if chatID, ok := data["chatId"].(string); ok {
		if rec, ok := sup.resolveIdentity(ctx, s, h, chatID); ok {
			data["chatEntry"] = rec
		}
	}

	sender, ok := data["sender"].(map[string]any)
	if !ok {
		return
	}
	id, _ := sender["id"].(string)
	rec, ok := sup.resolveIdentity(ctx, s, h, id)
	if !ok {
		return
	}
	enriched := make(map[string]any, len(sender)+1)
	for k, v := range sender {
		enriched[k] = v
	}
	enriched["lidEntry"] = rec
	data["sender"] = enriched
}

// resolveIdentity looks a linked identity up once per session and caches it.
// Failures are not cached so the next event retries.
func (sup *Supervisor) resolveIdentity(ctx context.Context, s *session.Session, h remote.Handle, id string) (remote.Identity, bool) {
	if !strings.HasSuffix(id, lidSuffix) {
		return nil, false
	}
	if rec, ok := s.CachedIdentity(id); ok {
		return rec, true
	}

	resolveCtx, cancel := context.WithTimeout(ctx, sup.opts.ResolveTimeout)
	defer cancel()
	rec, err := h.ResolveIdentity(resolveCtx, id)
	if err != nil || rec == nil {
		sup.logger.Debug().Err(err).Str("session", s.Name()).Str("id", id).Msg("Identity not resolved")
		return nil, false
	}
	s.CacheIdentity(id, rec)
	return rec, true
}

// emit stamps the session onto ev and drops webhook delivery for ignored
// events, senders or chat types.
func (sup *Supervisor) emit(ctx context.Context, s *session.Session, ev dispatch.Event) {
	webhook := s.Config().Webhook
	ev.Session = s.Name()
	ev.WebhookURL = webhook.URL

	if webhook.Ignored(ev.Name) {
		ev.SocketOnly = true
	}
	for _, key := range []string{"from", "type"} {
		if v, ok := ev.Data[key].(string); ok && webhook.Ignored(v) {
			ev.SocketOnly = true
		}
	}

	sup.emitter.Emit(ctx, ev)
}

func copyEvent(ev remote.Event) map[string]any {
	out := make(map[string]any, len(ev)+2)
	for k, v := range ev {
		out[k] = v
	}
	return out
}

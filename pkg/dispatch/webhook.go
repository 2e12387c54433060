package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/lifeline/internal/observability"
	"github.com/harun/lifeline/internal/tracing"
	"github.com/rs/zerolog"
)

const DefaultWebhookTimeout = 10 * time.Second

// WebhookOptions configures a WebhookEmitter
type WebhookOptions struct {
	DefaultURL string
	Timeout    time.Duration
	Client     *http.Client
	Logger     zerolog.Logger
}

// WebhookEmitter POSTs each event as JSON to the session's webhook URL.
type WebhookEmitter struct {
	defaultURL string
	client     *http.Client
	logger     zerolog.Logger
	wg         sync.WaitGroup
}

// NewWebhookEmitter creates a WebhookEmitter
func NewWebhookEmitter(opts WebhookOptions) *WebhookEmitter {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultWebhookTimeout
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	return &WebhookEmitter{
		defaultURL: opts.DefaultURL,
		client:     client,
		logger:     opts.Logger.With().Str("component", "webhook").Logger(),
	}
}

// Emit delivers ev in the background with a single attempt.
func (w *WebhookEmitter) Emit(ctx context.Context, ev Event) {
	if ev.SocketOnly {
		return
	}
	target := ev.WebhookURL
	if target == "" {
		target = w.defaultURL
	}
	if target == "" {
		return
	}

	ctx = tracing.Detach(ctx)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if err := w.deliver(ctx, target, ev); err != nil {
			logger := tracing.LoggerFromContext(ctx, w.logger)
			logger.Warn().
				Err(err).
				Str("session", ev.Session).
				Str("event", ev.Name).
				Msg("Webhook delivery failed")
			observability.RecordWebhookDelivery(ev.Name, false)
			return
		}
		observability.RecordWebhookDelivery(ev.Name, true)
	}()
}

// Wait blocks until in-flight deliveries finish.
func (w *WebhookEmitter) Wait() {
	w.wg.Wait()
}

// Payload builds the JSON body: event data flattened next to event and session.
func Payload(ev Event) map[string]any {
	body := make(map[string]any, len(ev.Data)+2)
	for k, v := range ev.Data {
		body[k] = v
	}
	body["event"] = ev.Name
	body["session"] = ev.Session
	return body
}

func (w *WebhookEmitter) deliver(ctx context.Context, target string, ev Event) error {
	data, err := json.Marshal(Payload(ev))
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "lifeline-webhook/1.0")
	req.Header.Set("X-Event-ID", uuid.New().String())
	req.Header.Set("X-Event-Name", ev.Name)
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		req.Header.Set("X-Trace-ID", traceID)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

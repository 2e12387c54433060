package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookEmitterPostsOnce(t *testing.T) {
	var (
		mu      sync.Mutex
		calls   int
		body    map[string]any
		eventID string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		eventID = r.Header.Get("X-Event-ID")
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &body)
	}))
	defer srv.Close()

	e := NewWebhookEmitter(WebhookOptions{Logger: zerolog.Nop()})
	e.Emit(context.Background(), Event{
		Name:       EventStatusFind,
		Session:    "alice",
		Data:       map[string]any{"status": "inChat"},
		WebhookURL: srv.URL,
	})
	e.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
	assert.NotEmpty(t, eventID)
	assert.Equal(t, "status-find", body["event"])
	assert.Equal(t, "alice", body["session"])
	assert.Equal(t, "inChat", body["status"])
}

func TestWebhookEmitterDoesNotRetry(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	e := NewWebhookEmitter(WebhookOptions{DefaultURL: srv.URL, Logger: zerolog.Nop()})
	assert.NotPanics(t, func() {
		e.Emit(context.Background(), Event{Name: EventQRCode, Session: "alice"})
		e.Wait()
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestWebhookEmitterSkipsWithoutURL(t *testing.T) {
	e := NewWebhookEmitter(WebhookOptions{Logger: zerolog.Nop()})
	e.Emit(context.Background(), Event{Name: EventQRCode, Session: "alice"})
	e.Wait()
}

func TestWebhookEmitterUnreachable(t *testing.T) {
	e := NewWebhookEmitter(WebhookOptions{Timeout: 200 * time.Millisecond, Logger: zerolog.Nop()})
	e.Emit(context.Background(), Event{Name: EventQRCode, Session: "alice", WebhookURL: "http://127.0.0.1:1/hook"})
	e.Wait()
}

func TestPayloadFlattensData(t *testing.T) {
	p := Payload(Event{Name: "onmessage", Session: "s", Data: map[string]any{"body": "hi", "event": "spoofed"}})
	assert.Equal(t, "onmessage", p["event"])
	assert.Equal(t, "hi", p["body"])
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Emit(ctx context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func TestFanout(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	Fanout{a, nil, b}.Emit(context.Background(), Event{Name: "x"})

	assert.Len(t, a.events, 1)
	assert.Len(t, b.events, 1)
}

func TestHubBroadcast(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	srv := httptest.NewServer(hub)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Emit(context.Background(), Event{Name: EventQRCode, SocketName: "qrCode", Session: "alice", Data: map[string]any{"urlCode": "2@x"}})
	hub.Emit(context.Background(), Event{Name: EventSessionLogged, Session: "alice"})

	var first, second Frame
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&first))
	require.NoError(t, conn.ReadJSON(&second))

	assert.Equal(t, "event", first.Type)
	assert.Equal(t, "qrCode", first.Event)
	assert.Equal(t, "alice", first.Session)
	assert.Equal(t, "2@x", first.Data["urlCode"])
	assert.Equal(t, "session-logged", second.Event)
	assert.Greater(t, second.Seq, first.Seq)

	conn.Close()
	assert.Eventually(t, func() bool { return hub.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/lifeline/internal/observability"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

const writeTimeout = 5 * time.Second

// Frame is the websocket message for one event.
type Frame struct {
	Type      string         `json:"type"`
	Event     string         `json:"event"`
	Session   string         `json:"session"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp int64          `json:"ts"`
	Seq       int64          `json:"seq"`
}

type socketClient struct {
	id          string
	conn        *websocket.Conn
	connectedAt time.Time
	writeMu     sync.Mutex
}

func (c *socketClient) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Hub upgrades /ws connections and broadcasts every event to them.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]*socketClient
	upgrader websocket.Upgrader
	logger   zerolog.Logger
	seq      uint64
}

// NewHub creates an empty hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*socketClient),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: logger.With().Str("component", "socket").Logger(),
	}
}

// ServeHTTP upgrades the request and keeps the client until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	id, _ := gonanoid.New()
	client := &socketClient{id: id, conn: conn, connectedAt: time.Now()}
	h.add(client)
	h.logger.Debug().Str("clientId", id).Str("remote", r.RemoteAddr).Msg("Socket client connected")

	// inbound frames are ignored; reading detects the close
	go func() {
		defer h.remove(id)
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *Hub) add(c *socketClient) {
	h.mu.Lock()
	h.clients[c.id] = c
	n := len(h.clients)
	h.mu.Unlock()
	observability.SetSocketClients(n)
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	delete(h.clients, id)
	n := len(h.clients)
	h.mu.Unlock()
	observability.SetSocketClients(n)
	h.logger.Debug().Str("clientId", id).Msg("Socket client disconnected")
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) snapshot() []*socketClient {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*socketClient, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c)
	}
	return out
}

// Emit broadcasts ev to every connected client.
func (h *Hub) Emit(ctx context.Context, ev Event) {
	name := ev.SocketName
	if name == "" {
		name = ev.Name
	}
	h.Broadcast(Frame{Event: name, Session: ev.Session, Data: ev.Data})
}

// Broadcast sends a frame to all clients, filling type, timestamp and sequence.
func (h *Hub) Broadcast(frame Frame) {
	frame.Type = "event"
	if frame.Timestamp == 0 {
		frame.Timestamp = time.Now().UnixMilli()
	}
	frame.Seq = int64(atomic.AddUint64(&h.seq, 1))

	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error().Err(err).Str("event", frame.Event).Msg("Failed to marshal event")
		return
	}

	clients := h.snapshot()
	if len(clients) == 0 {
		return
	}

	failed := 0
	for _, c := range clients {
		if err := c.write(data); err != nil {
			h.logger.Warn().Err(err).Str("clientId", c.id).Str("event", frame.Event).Msg("Failed to broadcast to client")
			failed++
		}
	}

	h.logger.Debug().
		Str("event", frame.Event).
		Str("session", frame.Session).
		Int64("seq", frame.Seq).
		Int("success", len(clients)-failed).
		Int("failed", failed).
		Msg("Event broadcast complete")
}

// Close disconnects every client.
func (h *Hub) Close() {
	for _, c := range h.snapshot() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	}
}

// Package realtime streams flow and entry events to WebSocket clients.
package realtime

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"vimarconnector/internal/entries"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Event types
const (
	EventFlowProgress     = "flow_progress"
	EventFlowCreatedEntry = "flow_created_entry"
	EventFlowAborted      = "flow_aborted"
	EventEntryAdded       = "entry_added"
	EventEntryUpdated     = "entry_updated"
	EventEntryRemoved     = "entry_removed"
)

// Event is one message sent to every connected client.
type Event struct {
	Type    string    `json:"type"`
	FlowID  string    `json:"flow_id,omitempty"`
	Handler string    `json:"handler,omitempty"`
	StepID  string    `json:"step_id,omitempty"`
	EntryID string    `json:"entry_id,omitempty"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
}

// Hub fans events out to WebSocket clients.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(_ *http.Request) bool {
				// Served on the local network only.
				return true
			},
		},
		logger:  logger.Named("realtime"),
		clients: map[*client]struct{}{},
	}
}

// ServeHTTP upgrades the request and streams events until the client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("WebSocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{conn: conn, send: make(chan []byte, 16)}
	h.addClient(c)

	go h.writePump(c)
	h.readPump(c)
}

// Broadcast sends ev to all connected clients.
func (h *Hub) Broadcast(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("Failed to encode event", zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- b:
		default:
			// Slow client; drop it.
			h.logger.Warn("Dropping slow WebSocket client")
			delete(h.clients, c)
			close(c.send)
			_ = c.conn.Close()
		}
	}
}

// EntryChanged broadcasts an entry store change. It can be passed to
// entries.Store.Subscribe.
func (h *Hub) EntryChanged(change entries.ChangeType, e entries.Entry) {
	ev := Event{EntryID: e.EntryID, Handler: e.Domain}
	switch change {
	case entries.ChangeAdded:
		ev.Type = EventEntryAdded
	case entries.ChangeUpdated:
		ev.Type = EventEntryUpdated
	case entries.ChangeRemoved:
		ev.Type = EventEntryRemoved
	default:
		return
	}
	h.Broadcast(ev)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) addClient(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		_ = c.conn.Close()
	}
}

func (h *Hub) readPump(c *client) {
	defer h.removeClient(c)
	c.conn.SetReadLimit(1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(25 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Package websocket streams audit journal events to connected dashboards.
package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/remaestro/deplyx/internal/models"
)

// Message is the envelope every hub broadcast carries.
type Message struct {
	Type      string    `json:"type"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Hub maintains active WebSocket connections and broadcasts audit events.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	mu     sync.RWMutex
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// NewHub creates a hub bound to the given lifetime context.
func NewHub(ctx context.Context, log *slog.Logger) *Hub {
	hubCtx, cancel := context.WithCancel(ctx)
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		log:        log,
		ctx:        hubCtx,
		cancel:     cancel,
	}
}

// Run pumps registrations and broadcasts until the hub is stopped.
func (h *Hub) Run() {
	for {
		select {
		case <-h.ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Client buffer full, drop the connection.
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Stop closes every client connection and halts the pump.
func (h *Hub) Stop() {
	h.cancel()
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

// Broadcast fans one audit entry out to every connected client. Satisfies the
// journal's broadcaster hook.
func (h *Hub) Broadcast(entry *models.AuditEntry) {
	h.send("audit_event", entry)
}

// BroadcastChangeUpdate notifies clients that a change record moved.
func (h *Hub) BroadcastChangeUpdate(change *models.Change) {
	h.send("change_update", change)
}

func (h *Hub) send(msgType string, payload any) {
	data, err := json.Marshal(Message{
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		h.log.Warn("encoding websocket message", "type", msgType, "error", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.log.Warn("websocket broadcast buffer full, dropping message", "type", msgType)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

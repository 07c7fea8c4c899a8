package websocket

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // origin policy is enforced by the CORS layer in front
	},
}

// Handler upgrades HTTP requests into hub-registered clients.
type Handler struct {
	hub *Hub
	log *slog.Logger
	ctx context.Context
}

func NewHandler(ctx context.Context, hub *Hub, log *slog.Logger) *Handler {
	return &Handler{hub: hub, log: log, ctx: ctx}
}

// ServeWS handles websocket requests at /ws/events.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	clientID := uuid.New().String()
	client := NewClient(h.ctx, h.hub, conn, clientID, h.log)
	h.hub.register <- client

	go client.WritePump()
	go client.ReadPump()

	h.log.Info("websocket client connected", "client_id", clientID)
}

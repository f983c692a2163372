package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/sitesentry/qa-platform/internal/dispatch"
)

// EventHub fans test transition events out to websocket clients
type EventHub struct {
	logger     *slog.Logger
	broadcast  chan dispatch.Event
	register   chan chan dispatch.Event
	unregister chan chan dispatch.Event
	clients    map[chan dispatch.Event]bool
}

// NewEventHub creates a new event hub
func NewEventHub(logger *slog.Logger) *EventHub {
	return &EventHub{
		logger:     logger,
		broadcast:  make(chan dispatch.Event, 64),
		register:   make(chan chan dispatch.Event),
		unregister: make(chan chan dispatch.Event),
		clients:    make(map[chan dispatch.Event]bool),
	}
}

// Run owns the client set until ctx is cancelled
func (h *EventHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				close(client)
				delete(h.clients, client)
			}
			return

		case client := <-h.register:
			h.clients[client] = true

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client)
			}

		case event := <-h.broadcast:
			for client := range h.clients {
				select {
				case client <- event:
				default:
					// Slow client, drop it.
					close(client)
					delete(h.clients, client)
				}
			}
		}
	}
}

// Broadcast sends an event to all connected clients without blocking
func (h *EventHub) Broadcast(event dispatch.Event) {
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("event hub backlogged, dropping event", "test_id", event.TestID)
	}
}

var upgrader = websocket.Upgrader{
	// Browser clients connect cross-origin from the dashboard.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) eventsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		client := make(chan dispatch.Event, 16)
		s.hub.register <- client

		// Reader loop: only there to detect disconnects.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					s.hub.unregister <- client
					return
				}
			}
		}()

		for event := range client {
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		}
	}
}

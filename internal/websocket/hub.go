package websocket

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/masterfermin02/vic-agent-ui/internal/metrics"
)

// userMessage routes one payload to every client of one user
type userMessage struct {
	userID int64
	data   []byte
}

// Hub maintains the set of active clients and routes session notifications
// to the clients belonging to each agent
type Hub struct {
	// Registered clients, keyed for per-user routing
	clients map[*Client]bool

	// Outbound notifications
	notify chan userMessage

	// Register requests from the clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Mutex to protect clients map
	mu sync.RWMutex

	// Logger
	logger zerolog.Logger
}

// NewHub creates a new Hub
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		notify:     make(chan userMessage, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		logger:     logger,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			metrics.Get().RecordWebSocketConnect()
			h.logger.Info().
				Str("client_id", client.id).
				Int64("user_id", client.userID).
				Int("total_clients", h.ClientCount()).
				Msg("client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				metrics.Get().RecordWebSocketDisconnect()
				h.logger.Info().
					Str("client_id", client.id).
					Int64("user_id", client.userID).
					Int("total_clients", len(h.clients)).
					Msg("client disconnected")
			}
			h.mu.Unlock()

		case message := <-h.notify:
			h.sendToUser(message.userID, message.data)
		}
	}
}

// NotifyUser delivers a payload to every connected client of one agent.
// Marshal failures and unknown users are dropped; notifications are best
// effort on top of the persisted session state.
func (h *Hub) NotifyUser(userID int64, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error().Err(err).Int64("user_id", userID).Msg("failed to marshal notification")
		return
	}

	select {
	case h.notify <- userMessage{userID: userID, data: data}:
	default:
		h.logger.Warn().Int64("user_id", userID).Msg("notification queue full, dropping")
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// sendToUser writes to each of the user's clients, dropping clients whose
// send buffer is full
func (h *Hub) sendToUser(userID int64, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		if client.userID != userID {
			continue
		}

		select {
		case client.send <- data:
		default:
			close(client.send)
			delete(h.clients, client)
			h.logger.Warn().
				Str("client_id", client.id).
				Msg("client send buffer full, closing connection")
		}
	}
}

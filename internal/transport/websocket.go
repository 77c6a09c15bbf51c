package transport

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Consensys/defi-fuzzing-toolbox/pkg/types"
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Allow requests without Origin header (same-origin or direct)
		}

		originURL, err := url.Parse(origin)
		if err != nil {
			return false
		}

		// Allow same origin (same host)
		if originURL.Host == r.Host {
			return true
		}

		// Allow localhost connections (common for development)
		if originURL.Hostname() == "localhost" || originURL.Hostname() == "127.0.0.1" {
			return true
		}

		return false
	},
}

// Hub streams toolbox events to connected WebSocket clients.
type Hub struct {
	logger *slog.Logger

	// Connected clients
	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	// Broadcast channel
	broadcast chan types.Event

	// Done channel for shutdown
	done     chan struct{}
	stopOnce sync.Once
}

// NewHub creates a new event hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:    logger,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan types.Event, 64),
		done:      make(chan struct{}),
	}
}

// Handler returns the WebSocket HTTP handler.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Error("WebSocket upgrade failed", slog.String("error", err.Error()))
			return
		}

		h.clientsMu.Lock()
		h.clients[conn] = true
		total := len(h.clients)
		h.clientsMu.Unlock()

		h.logger.Debug("WebSocket client connected", slog.Int("total_clients", total))

		defer func() {
			h.clientsMu.Lock()
			delete(h.clients, conn)
			total := len(h.clients)
			h.clientsMu.Unlock()
			conn.Close()

			h.logger.Debug("WebSocket client disconnected", slog.Int("total_clients", total))
		}()

		// Read until the client goes away; clients never send anything useful.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					h.logger.Debug("WebSocket read error", slog.String("error", err.Error()))
				}
				return
			}
		}
	}
}

// Start begins the broadcasting goroutine.
func (h *Hub) Start() {
	go h.broadcastLoop()
}

// Stop stops broadcasting and closes every client connection.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)

		h.clientsMu.Lock()
		for conn := range h.clients {
			conn.Close()
		}
		h.clients = make(map[*websocket.Conn]bool)
		h.clientsMu.Unlock()
	})
}

// Publish queues ev for every connected client. It never blocks; events are
// dropped when the queue is full. It has the signature of a toolbox event hook.
func (h *Hub) Publish(ev types.Event) {
	select {
	case h.broadcast <- ev:
	default:
		h.logger.Warn("Event queue full, dropping event",
			slog.String("kind", string(ev.Kind)),
			slog.String("contract", string(ev.Contract)),
		)
	}
}

// broadcastLoop forwards queued events to all connected clients.
func (h *Hub) broadcastLoop() {
	for {
		select {
		case <-h.done:
			return
		case ev := <-h.broadcast:
			h.broadcastEvent(ev)
		}
	}
}

// broadcastEvent sends ev to all connected clients.
func (h *Hub) broadcastEvent(ev types.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("Failed to marshal event", slog.String("error", err.Error()))
		return
	}

	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()

	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.logger.Debug("Failed to write to WebSocket", slog.String("error", err.Error()))
			// Will be cleaned up by the read loop
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

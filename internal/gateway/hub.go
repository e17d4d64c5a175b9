package gateway

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/soracode/renga/internal/bus"
)

// Hub fans runtime events out to connected websocket clients and any
// in-process subscribers. It implements bus.EventPublisher.
type Hub struct {
	mu       sync.RWMutex
	conns    map[*websocket.Conn]bool
	handlers map[string]bus.EventHandler
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func NewHub() *Hub {
	return &Hub{
		conns:    make(map[*websocket.Conn]bool),
		handlers: make(map[string]bus.EventHandler),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Dashboard clients connect from arbitrary local origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: slog.Default(),
	}
}

// Subscribe registers an in-process event handler under id.
func (h *Hub) Subscribe(id string, handler bus.EventHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[id] = handler
}

// Unsubscribe removes a handler.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.handlers, id)
}

// Broadcast delivers one event to every subscriber and connected
// websocket. Slow or broken sockets are dropped.
func (h *Hub) Broadcast(event bus.Event) {
	h.mu.RLock()
	handlers := make([]bus.EventHandler, 0, len(h.handlers))
	for _, fn := range h.handlers {
		handlers = append(handlers, fn)
	}
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, fn := range handlers {
		fn(event)
	}
	for _, c := range conns {
		if err := c.WriteJSON(event); err != nil {
			h.drop(c)
		}
	}
}

// ServeWS upgrades the request and keeps the connection registered
// until the peer goes away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	h.mu.Lock()
	h.conns[conn] = true
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "remote", conn.RemoteAddr())

	// Drain reads so pings and close frames are processed.
	go func() {
		defer h.drop(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	if h.conns[conn] {
		delete(h.conns, conn)
		conn.Close()
	}
	h.mu.Unlock()
}

// ClientCount returns connected websocket clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

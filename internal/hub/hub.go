// Package hub pushes transcript events to browser clients over websocket.
package hub

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"ai-transcript-render-service/internal/observability/logging"
	"ai-transcript-render-service/internal/observability/metrics"
	"ai-transcript-render-service/internal/service/emitter"
)

const (
	writeWait      = 5 * time.Second
	broadcastQueue = 256
)

// SnapshotFunc returns the messages sent to a client right after it
// connects.
type SnapshotFunc func() []any

// Hub manages websocket connections. All writes to a connection after it
// is registered happen on the Run goroutine.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan any
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex

	upgrader     websocket.Upgrader
	snapshot     SnapshotFunc
	includeDebug bool
	logger       zerolog.Logger
	metrics      *metrics.Metrics
}

// Option configures a Hub.
type Option func(*Hub)

// WithSnapshot sends the result of fn to every new client.
func WithSnapshot(fn SnapshotFunc) Option {
	return func(h *Hub) { h.snapshot = fn }
}

// WithDebugEvents also forwards debug.log events.
func WithDebugEvents(enabled bool) Option {
	return func(h *Hub) { h.includeDebug = enabled }
}

// WithMetrics reports the client count to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// New creates a hub. Call Run to start delivering.
func New(opts ...Option) *Hub {
	h := &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan any, broadcastQueue),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: logging.WithComponent("hub"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run delivers broadcasts until ctx is done, then closes every client.
// Run must be called once.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			h.metrics.SetWebsocketClients(0)
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.metrics.SetWebsocketClients(n)
			h.logger.Info().Int("clients", n).Msg("Client connected")

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.metrics.SetWebsocketClients(n)
			h.logger.Info().Int("clients", n).Msg("Client disconnected")

		case msg := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.clients {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(msg); err != nil {
					h.logger.Warn().Err(err).Msg("Write error, dropping client")
					conn.Close()
					delete(h.clients, conn)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast queues msg for every client. It never blocks; when the queue
// is full the message is dropped.
func (h *Hub) Broadcast(msg any) bool {
	select {
	case h.broadcast <- msg:
		return true
	default:
		h.logger.Warn().Msg("Broadcast queue full, dropping message")
		return false
	}
}

// OnEvent forwards emitter events to clients.
func (h *Hub) OnEvent(e emitter.Event) {
	if e.Kind == emitter.KindDebugLog && !h.includeDebug {
		return
	}
	h.Broadcast(e)
}

// Clients returns the number of registered clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and registers the connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("WebSocket upgrade error")
		return
	}

	if h.snapshot != nil {
		for _, msg := range h.snapshot() {
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				conn.Close()
				return
			}
		}
	}

	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}

	// Keep connection alive, handle disconnects
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

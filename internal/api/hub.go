// Package api exposes the REST surface and websocket broadcaster (C8): a
// thin typed HTTP mapping onto internal/pagemanager, plus a best-effort
// pub/sub hub for the /ws endpoint.
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Envelope is the wire shape for every /ws message, per spec.md §6.
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Hub fans envelopes out to connected websocket clients, dropping any
// client whose send buffer is full rather than blocking the broadcaster.
// Grounded on odvcencio-buckley/pkg/ipc/hub.go's Hub/client/enqueue/
// removeClient/writeLoop shape, reimplemented over
// github.com/gorilla/websocket instead of buckley's nhooyr.io/websocket.
type Hub struct {
	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	logger  *zap.Logger
}

// NewHub creates an empty Hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{clients: make(map[*wsClient]struct{}), logger: logger.Named("hub")}
}

// Broadcast sends an envelope to every connected client; a client whose
// buffered channel is full is dropped without blocking the others, per
// spec.md §4.8's "no buffering for slow consumers".
func (h *Hub) Broadcast(env Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.enqueue(env) {
			go h.removeClient(c)
		}
	}
}

func (h *Hub) register(conn *websocket.Conn) *wsClient {
	c := &wsClient{conn: conn, send: make(chan Envelope, 64)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *Hub) removeClient(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	_ = c.conn.Close()
}

type wsClient struct {
	conn *websocket.Conn
	send chan Envelope
}

func (c *wsClient) enqueue(env Envelope) bool {
	select {
	case c.send <- env:
		return true
	default:
		return false
	}
}

func (c *wsClient) writeLoop(ctx context.Context) {
	for {
		select {
		case env, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(env); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// readLoop drains and discards client frames so the connection's read side
// stays serviced until the peer disconnects (this hub is broadcast-only).
func (c *wsClient) readLoop(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWS upgrades the request to a websocket and runs the client until it
// disconnects or the request context is cancelled.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := h.register(conn)
	ctx, cancel := context.WithCancel(r.Context())
	go c.readLoop(ctx, cancel)
	c.writeLoop(ctx)
	h.removeClient(c)
}

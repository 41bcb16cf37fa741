package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/fleetbeat/internal/broadcast"
	"github.com/nerrad567/fleetbeat/internal/infrastructure/config"
	"github.com/nerrad567/fleetbeat/internal/infrastructure/logging"
)

// WebSocket defaults applied when the config leaves a value at zero.
const (
	defaultWSPingInterval   = 30 * time.Second
	defaultWSPongTimeout    = 10 * time.Second
	defaultWSMaxMessageSize = 4096
)

// upgrader configures the WebSocket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Origin checking is handled by CORS middleware
		return true
	},
}

// Hub tracks connected dashboard clients. Each client owns a broadcaster
// observer, so a slow client only loses its own oldest events.
type Hub struct {
	cfg         config.WebSocketConfig
	broadcaster *broadcast.Broadcaster
	logger      *logging.Logger
	clients     map[*WSClient]struct{}
	mu          sync.RWMutex
}

// WSClient is one connected observer.
type WSClient struct {
	hub      *Hub
	conn     *websocket.Conn
	observer *broadcast.Observer
	operator string // empty when operator auth is disabled
}

// NewHub creates a new WebSocket hub fed by b.
func NewHub(cfg config.WebSocketConfig, b *broadcast.Broadcaster, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:         cfg,
		broadcaster: b,
		logger:      logger,
		clients:     make(map[*WSClient]struct{}),
	}
}

// Run blocks until the context is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// Register adds a client to the hub.
func (h *Hub) Register(client *WSClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", count, "operator", client.operator)
}

// Unregister removes a client and ends its event subscription, which
// makes its writePump send a close frame and exit. Safe to call twice.
func (h *Hub) Unregister(client *WSClient) {
	h.mu.Lock()
	_, existed := h.clients[client]
	delete(h.clients, client)
	count := len(h.clients)
	h.mu.Unlock()

	h.broadcaster.Unsubscribe(client.observer)
	if existed {
		h.logger.Debug("websocket client disconnected",
			"clients", count,
			"dropped_events", client.observer.Dropped(),
		)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// closeAll disconnects every client.
func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*WSClient]struct{})
	h.mu.Unlock()

	for client := range clients {
		h.broadcaster.Unsubscribe(client.observer)
		client.conn.Close()
	}
}

func (h *Hub) pingInterval() time.Duration {
	if h.cfg.PingInterval > 0 {
		return time.Duration(h.cfg.PingInterval) * time.Second
	}
	return defaultWSPingInterval
}

func (h *Hub) pongTimeout() time.Duration {
	if h.cfg.PongTimeout > 0 {
		return time.Duration(h.cfg.PongTimeout) * time.Second
	}
	return defaultWSPongTimeout
}

func (h *Hub) maxMessageSize() int64 {
	if h.cfg.MaxMessageSize > 0 {
		return int64(h.cfg.MaxMessageSize)
	}
	return defaultWSMaxMessageSize
}

// handleWebSocket upgrades the connection and streams every registry event
// to it as one JSON text frame.
//
// The observer is subscribed before the upgrade so nothing published after
// the handshake completes is missed.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	observer := s.broadcaster.Subscribe("ws:"+r.RemoteAddr, s.wsCfg.SendBuffer)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.broadcaster.Unsubscribe(observer)
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &WSClient{
		hub:      s.hub,
		conn:     conn,
		observer: observer,
	}
	if op := operatorFromContext(r.Context()); op != nil {
		client.operator = op.Subject
	}

	s.hub.Register(client)

	go client.writePump()
	go client.readPump()
}

// readPump drains inbound frames so control messages are processed, and
// unregisters the client when the connection fails. Observers do not send
// commands; any data frame only refreshes the read deadline.
func (c *WSClient) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	wait := c.hub.pingInterval() + c.hub.pongTimeout()
	c.conn.SetReadLimit(c.hub.maxMessageSize())
	//nolint:errcheck // Best-effort deadline on connection setup
	c.conn.SetReadDeadline(time.Now().Add(wait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			} else {
				c.hub.logger.Debug("websocket closed", "error", err)
			}
			return
		}
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(time.Now().Add(wait))
	}
}

// writePump forwards observer events to the connection and keeps it alive
// with pings. It exits when the observer is unsubscribed or a write fails.
func (c *WSClient) writePump() {
	ticker := time.NewTicker(c.hub.pingInterval())
	defer func() {
		ticker.Stop()
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	writeWait := c.hub.pongTimeout()

	for {
		select {
		case ev, ok := <-c.observer.Events():
			if !ok {
				//nolint:errcheck // Best-effort close message
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				c.hub.logger.Error("failed to marshal event", "device_id", ev.ID, "error", err)
				continue
			}
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

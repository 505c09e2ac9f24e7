/*
Package notify delivers capacity change events to external consumers.

PUBLISHERS:
  Hub:            WebSocket fan-out for live marketplace views
  KafkaPublisher: durable stream for downstream services
  LogPublisher:   structured log line per event
  Fanout:         delivers to several publishers

  All of them implement capacity.Publisher and are driven by the outbox
  Dispatcher, so each sees every event at least once, in commit order.

EVENT SHAPE (JSON):
  {"consolidation_id":"...","new_load":"60","total_capacity":"100",
   "new_status":"open","reason":"reserve","at":"..."}
*/
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/warp/capacity-engine/capacity"
)

const (
	// Maximum time to wait for a client message (pings included).
	pongWait = 60 * time.Second
	// Maximum time to write one message to a client.
	writeWait = 10 * time.Second
	// Messages buffered per client before it is considered too slow.
	sendBuffer = 64
)

// Hub broadcasts events to every connected WebSocket client. A client may
// subscribe to one consolidation with ?consolidation_id=.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*client]struct{}
	upgrader websocket.Upgrader
	origins  []string
	logger   *zap.Logger
}

type client struct {
	conn   *websocket.Conn
	filter capacity.ConsolidationID
	send   chan []byte
}

// NewHub accepts browser connections only from allowedOrigins, the same
// list the HTTP API hands to CORS. "*" allows any origin. Requests without
// an Origin header (non-browser clients) are always accepted.
func NewHub(logger *zap.Logger, allowedOrigins []string) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		clients: make(map[*client]struct{}),
		origins: allowedOrigins,
		logger:  logger.Named("hub"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.origins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	h.logger.Warn("websocket origin rejected", zap.String("origin", origin))
	return false
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	h.logger.Debug("websocket client registered", zap.Int("clients", len(h.clients)))
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		h.logger.Debug("websocket client unregistered", zap.Int("clients", len(h.clients)))
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish queues e for every interested client. Clients whose buffer is
// full are disconnected rather than allowed to stall the dispatcher.
func (h *Hub) Publish(_ context.Context, e capacity.Event) error {
	msg, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	var slow []*client
	h.mu.RLock()
	for c := range h.clients {
		if c.filter != "" && c.filter != e.ConsolidationID {
			continue
		}
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("dropping slow websocket client")
		h.unregister(c)
		c.conn.Close()
	}
	return nil
}

// ServeWS upgrades the request and streams events until the client leaves.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade connection", zap.Error(err))
		return
	}

	c := &client{
		conn:   conn,
		filter: capacity.ConsolidationID(r.URL.Query().Get("consolidation_id")),
		send:   make(chan []byte, sendBuffer),
	}
	h.register(c)
	go h.writeLoop(c)

	defer func() {
		h.unregister(c)
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Info("unexpected websocket close", zap.Error(err))
			}
			return
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.logger.Debug("websocket write failed", zap.Error(err))
			c.conn.Close()
			// Drain until unregister closes the channel.
			for range c.send {
			}
			return
		}
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

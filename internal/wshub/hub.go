// Package wshub pushes alert transitions and job updates to connected
// dashboard clients over a single gorilla/websocket endpoint, so the
// dashboard does not have to poll the HTTP API.
package wshub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tonypi-fleet/control-plane/internal/broker"
	"github.com/tonypi-fleet/control-plane/internal/model"
	"github.com/tonypi-fleet/control-plane/internal/platform/logging"
	"github.com/tonypi-fleet/control-plane/internal/platform/metrics"
)

// outboundQueueLen bounds each client's write buffer; a slow dashboard tab
// is disconnected rather than allowed to back-pressure the whole hub.
const outboundQueueLen = 64

const writeTimeout = 10 * time.Second
const pingInterval = 30 * time.Second

// envelope is the one message shape pushed to every client; kind
// distinguishes "alert" from "job" so the dashboard can dispatch on it.
type envelope struct {
	Kind string      `json:"kind"`
	Data interface{} `json:"data"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub fans alert and job updates out to every connected dashboard client.
// It implements jobtracker.Publisher directly; alert updates arrive through
// a broker subscription to the alerts stream rather than a Go-level
// interface, since the Alert Engine already publishes transitions on the
// broker for other consumers.
type Hub struct {
	logger  *logging.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan envelope
}

// New creates an empty Hub. Call ServeHTTP to handle the GET /ws route and
// SubscribeAlerts to wire it to live alert transitions.
func New(logger *logging.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		logger:  logger,
		metrics: m,
		clients: make(map[*client]struct{}),
	}
}

// SubscribeAlerts registers a broker subscription on the fleet-wide alerts
// wildcard so every alert transition the Alert Engine publishes is pushed
// to connected dashboard clients.
func (h *Hub) SubscribeAlerts(adapter *broker.Adapter, namespace string) error {
	pattern := broker.Topic(namespace, broker.StreamAlerts, "*")
	return adapter.Subscribe(pattern, func(_ context.Context, msg broker.Message) {
		var payload interface{}
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			h.logger.WithError(err).Warn("wshub: undecodable alert payload")
			return
		}
		h.broadcast(envelope{Kind: "alert", Data: payload})
	})
}

// PublishJobUpdate implements jobtracker.Publisher, pushing job state
// changes to connected clients as they happen in-process.
func (h *Hub) PublishJobUpdate(_ context.Context, j model.Job) {
	h.broadcast(envelope{Kind: "job", Data: j})
}

func (h *Hub) broadcast(e envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- e:
		default:
			// Slow client: drop the connection instead of letting it back
			// pressure every other subscriber.
			h.disconnectLocked(c)
		}
	}
}

// ServeHTTP upgrades the request to a websocket and registers the
// connection until it disconnects or a write fails.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithContext(r.Context()).WithError(err).Warn("websocket upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan envelope, outboundQueueLen)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.WebsocketClients.Set(float64(count))
	}

	go h.readPump(c)
	h.writePump(c)
}

// readPump drains and discards inbound frames; this endpoint is push-only,
// but the read loop is required to process control frames (ping/close) and
// detect client disconnects.
func (h *Hub) readPump(c *client) {
	defer h.remove(c)
	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		h.remove(c)
		_ = c.conn.Close()
	}()

	for {
		select {
		case e, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteJSON(e); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnectLocked(c)
}

func (h *Hub) disconnectLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	if h.metrics != nil {
		h.metrics.WebsocketClients.Set(float64(len(h.clients)))
	}
}

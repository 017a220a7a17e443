// Package wshub serves dashboard WebSocket connections and delivers change
// notifications to them, forwarding to the owning instance when needed.
package wshub

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sifan077/quicklink/internal/app/model"
	metrics "github.com/sifan077/quicklink/internal/infra/prometheus"
	"go.uber.org/zap"
)

const (
	maxInboundMessage = 512
	signalTimeout     = 5 * time.Second
)

// SignalHandler receives connect and disconnect signals.
type SignalHandler interface {
	HandleSignal(ctx context.Context, sig model.ConnectionSignal) error
}

// SignalFunc adapts a function to SignalHandler.
type SignalFunc func(ctx context.Context, sig model.ConnectionSignal) error

// HandleSignal calls f.
func (f SignalFunc) HandleSignal(ctx context.Context, sig model.ConnectionSignal) error {
	return f(ctx, sig)
}

// Toucher marks a held connection as live, registering it again if it was
// dropped from the registry while still open.
type Toucher interface {
	Touch(ctx context.Context, id string) error
}

// Forwarder hands a payload to the instance that owns connectionID.
type Forwarder interface {
	Forward(ctx context.Context, connectionID string, payload []byte) error
}

// Config tunes connection keep-alive and buffering.
type Config struct {
	InstanceID string
	PingPeriod time.Duration
	PongWait   time.Duration
	WriteWait  time.Duration
	SendBuffer int
}

func (c *Config) setDefaults() {
	if c.InstanceID == "" {
		c.InstanceID = uuid.NewString()[:8]
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = c.PongWait * 9 / 10
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
}

// Hub owns the WebSocket connections accepted by this instance.
type Hub struct {
	cfg       Config
	signals   SignalHandler
	toucher   Toucher
	forwarder Forwarder
	logger    *zap.Logger
	metrics   *metrics.Metrics
	upgrader  websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client
	closed  bool
}

// NewHub creates a hub announcing connections to signals.
func NewHub(cfg Config, signals SignalHandler, toucher Toucher, logger *zap.Logger, m *metrics.Metrics) *Hub {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		cfg:     cfg,
		signals: signals,
		toucher: toucher,
		logger:  logger,
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[string]*client),
	}
}

// SetForwarder enables delivery to connections owned by other instances.
func (h *Hub) SetForwarder(f Forwarder) {
	h.forwarder = f
}

// InstanceID returns the prefix of every connection id minted here.
func (h *Hub) InstanceID() string {
	return h.cfg.InstanceID
}

// OwnerOf returns the instance prefix of a connection id.
func OwnerOf(connectionID string) string {
	owner, _, ok := strings.Cut(connectionID, ".")
	if !ok {
		return ""
	}
	return owner
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	socket, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	c := newClient(h.cfg.InstanceID+"."+uuid.NewString(), socket, h.cfg.SendBuffer)
	if !h.add(c) {
		c.close()
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), signalTimeout)
	err = h.signals.HandleSignal(ctx, model.ConnectionSignal{Route: model.RouteConnect, ConnectionID: c.id})
	cancel()
	if err != nil {
		h.logger.Error("failed to register dashboard connection", zap.String("connection_id", c.id), zap.Error(err))
		h.remove(c)
		c.close()
		return
	}

	go h.writePump(c)
	h.readPump(c)

	h.remove(c)
	c.close()

	ctx, cancel = context.WithTimeout(context.Background(), signalTimeout)
	defer cancel()
	if err := h.signals.HandleSignal(ctx, model.ConnectionSignal{Route: model.RouteDisconnect, ConnectionID: c.id}); err != nil {
		h.logger.Warn("failed to deregister dashboard connection", zap.String("connection_id", c.id), zap.Error(err))
	}
}

// Send delivers payload to connectionID wherever it is held.
func (h *Hub) Send(ctx context.Context, connectionID string, payload []byte) error {
	if c := h.lookup(connectionID); c != nil {
		return c.enqueue(ctx, payload)
	}
	if OwnerOf(connectionID) == h.cfg.InstanceID || h.forwarder == nil {
		return model.ErrConnectionGone
	}
	return h.forwarder.Forward(ctx, connectionID, payload)
}

// Deliver queues payload on a connection held by this instance only.
func (h *Hub) Deliver(ctx context.Context, connectionID string, payload []byte) error {
	c := h.lookup(connectionID)
	if c == nil {
		return model.ErrConnectionGone
	}
	return c.enqueue(ctx, payload)
}

// Len returns the number of local connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every local connection and refuses new ones. Each
// connection's disconnect signal is still sent by its serving goroutine.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	deadline := time.Now().Add(h.cfg.WriteWait)
	for _, c := range clients {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		c.close()
	}
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c.id] = c
	h.metrics.LocalConnections(1)
	return true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.clients[c.id]; ok && cur == c {
		delete(h.clients, c.id)
		h.metrics.LocalConnections(-1)
	}
}

func (h *Hub) lookup(id string) *client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[id]
}

func (h *Hub) readPump(c *client) {
	c.conn.SetReadLimit(maxInboundMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		h.touch(c)
		return c.conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	for {
		// Inbound frames carry no commands; any frame counts as liveness.
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("dashboard connection read error", zap.String("connection_id", c.id), zap.Error(err))
			}
			return
		}
		h.touch(c)
		_ = c.conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(h.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				h.logger.Debug("failed to write notification", zap.String("connection_id", c.id), zap.Error(err))
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(h.cfg.WriteWait)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				h.logger.Debug("failed to write ping", zap.String("connection_id", c.id), zap.Error(err))
				return
			}
		}
	}
}

// touch runs on the read goroutine only, so it can never follow the
// disconnect signal of the same connection.
func (h *Hub) touch(c *client) {
	if h.toucher == nil || h.lookup(c.id) != c {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
	defer cancel()
	if err := h.toucher.Touch(ctx, c.id); err != nil {
		h.logger.Debug("failed to refresh dashboard connection", zap.String("connection_id", c.id), zap.Error(err))
	}
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newClient(id string, conn *websocket.Conn, buffer int) *client {
	return &client{
		id:   id,
		conn: conn,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

// enqueue preserves per-connection order: payloads are written in the
// order they were queued.
func (c *client) enqueue(ctx context.Context, payload []byte) error {
	select {
	case <-c.done:
		return model.ErrConnectionGone
	default:
	}
	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return model.ErrConnectionGone
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

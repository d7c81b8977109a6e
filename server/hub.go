package server

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/teranos/drip/logger"
	"github.com/teranos/drip/pulse/schedule"
)

// WebSocket timeouts, after the gorilla chat example
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Subscribers only send control frames
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     checkOrigin,
}

// checkOrigin accepts non-browser clients and same-host browser origins
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}

// Hub fans engine progress out to /ws/runs subscribers. It implements
// pulse.ProgressEmitter; emits never block the engine and slow subscribers
// are dropped.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan *RunEvent
	mu         sync.RWMutex
	drops      atomic.Int64
	now        func() time.Time
	logger     *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHub creates a hub. Call Start before serving subscribers.
func NewHub(log *zap.SugaredLogger) *Hub {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *RunEvent, eventBufferSize),
		now:        time.Now,
		logger:     log,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start runs the hub event loop
func (h *Hub) Start() {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.run()
	}()
}

// Stop disconnects every subscriber and ends the event loop
func (h *Hub) Stop() {
	h.cancel()
	h.wg.Wait()

	h.mu.Lock()
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
	h.mu.Unlock()
}

// ClientCount returns the number of connected subscribers
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Drops returns how many events were discarded for full queues
func (h *Hub) Drops() int64 {
	return h.drops.Load()
}

func (h *Hub) run() {
	for {
		select {
		case <-h.ctx.Done():
			h.logger.Debugw("Hub stopping due to context cancellation")
			return
		case c := <-h.register:
			h.handleRegister(c)
		case c := <-h.unregister:
			h.handleUnregister(c)
		case ev := <-h.broadcast:
			h.handleBroadcast(ev)
		}
	}
}

func (h *Hub) handleRegister(c *Client) {
	h.mu.Lock()
	if len(h.clients) >= MaxClients {
		h.mu.Unlock()
		h.logger.Warnw("Max subscribers reached, rejecting connection",
			logger.FieldClientID, c.id,
			"max_clients", MaxClients)
		c.close()
		return
	}
	h.clients[c] = true
	total := len(h.clients)
	h.mu.Unlock()

	h.logger.Infow("Subscriber connected", logger.FieldClientID, c.id, logger.FieldCount, total)
}

func (h *Hub) handleUnregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	total := len(h.clients)
	h.mu.Unlock()

	c.close()
	h.logger.Infow("Subscriber disconnected", logger.FieldClientID, c.id, logger.FieldCount, total)
}

// handleBroadcast runs on the hub goroutine, the only writer to client queues
func (h *Hub) handleBroadcast(ev *RunEvent) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- ev:
		default:
			h.drops.Add(1)
			h.logger.Warnw("Subscriber queue full, removing subscriber",
				logger.FieldClientID, c.id,
				"total_drops", h.drops.Load())
			h.handleUnregister(c)
		}
	}
}

func (h *Hub) publish(ev *RunEvent) {
	ev.Timestamp = schedule.FormatTimestamp(h.now())
	select {
	case h.broadcast <- ev:
	default:
		h.drops.Add(1)
	}
}

// EmitStage implements pulse.ProgressEmitter
func (h *Hub) EmitStage(stage, message string) {
	h.publish(&RunEvent{Type: EventStage, Stage: stage, Message: message})
}

// EmitProgress implements pulse.ProgressEmitter
func (h *Hub) EmitProgress(count int, metadata map[string]interface{}) {
	h.publish(&RunEvent{Type: EventProgress, Count: count, Data: metadata})
}

// EmitComplete implements pulse.ProgressEmitter
func (h *Hub) EmitComplete(summary map[string]interface{}) {
	h.publish(&RunEvent{Type: EventComplete, Data: summary})
}

// EmitError implements pulse.ProgressEmitter
func (h *Hub) EmitError(stage string, err error) {
	h.publish(&RunEvent{Type: EventError, Stage: stage, Error: err.Error()})
}

// ServeWS upgrades the request and subscribes the connection to run events
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warnw("Failed to upgrade WebSocket", logger.FieldError, err)
		return
	}

	c := &Client{
		hub:  h,
		conn: conn,
		send: make(chan *RunEvent, eventBufferSize),
		id:   uuid.NewString(),
	}

	select {
	case h.register <- c:
	case <-h.ctx.Done():
		conn.Close()
		return
	}

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		c.writePump()
	}()
	go func() {
		defer h.wg.Done()
		c.readPump()
	}()
}

// Client is one /ws/runs subscriber
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan *RunEvent
	id        string
	closeOnce sync.Once
}

// close ends the write pump; safe to call more than once
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// readPump discards inbound frames and detects disconnects
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.ctx.Done():
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.hub.logger.Warnw("WebSocket read error", logger.FieldClientID, c.id, logger.FieldError, err)
			}
			return
		}
	}
}

// writePump relays queued events and keeps the connection alive
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.hub.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case ev, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				c.hub.logger.Debugw("Event write error", logger.FieldClientID, c.id, logger.FieldError, err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

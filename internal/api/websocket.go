package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/kimhsiao/ledgersync/internal/logging"
	"github.com/kimhsiao/ledgersync/internal/sync/events"
	"github.com/kimhsiao/ledgersync/internal/uuid"
)

// EventSource hands out event subscriptions.
type EventSource interface {
	Subscribe(buffer int) *events.Subscription
}

// HubConfig holds websocket settings.
type HubConfig struct {
	// BufferSize is the per-client event buffer; the oldest event is dropped when full
	BufferSize   int
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
	// AllowedOrigins empty means same-host only
	AllowedOrigins []string
}

// DefaultHubConfig returns default websocket settings.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		BufferSize:   events.DefaultBufferSize,
		PingInterval: 30 * time.Second,
		PongWait:     60 * time.Second,
		WriteWait:    10 * time.Second,
	}
}

// Envelope wraps all websocket messages.
type Envelope struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp int64                  `json:"timestamp"`
}

// NewEnvelope wraps a state-change event.
func NewEnvelope(ev events.Event) Envelope {
	data := map[string]interface{}{
		"id": ev.ID,
	}
	if ev.OperationID != "" {
		data["operationId"] = ev.OperationID
	}
	if ev.OwnerID != "" {
		data["ownerId"] = ev.OwnerID
	}
	if ev.From != "" {
		data["from"] = ev.From
	}
	if ev.To != "" {
		data["to"] = ev.To
	}
	if ev.Error != "" {
		data["error"] = ev.Error
	}
	if ev.Detail != "" {
		data["detail"] = ev.Detail
	}
	return Envelope{
		Type:      string(ev.Type),
		Data:      data,
		Timestamp: ev.At.UnixMilli(),
	}
}

// Client is one websocket connection.
type Client struct {
	id   string
	conn *websocket.Conn
	sub  *events.Subscription
	send chan []byte
	hub  *Hub

	mu            sync.RWMutex
	subscriptions map[string]bool // empty means every event type
}

// wants reports whether the client subscribed to eventType.
func (c *Client) wants(eventType string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subscriptions) == 0 || c.subscriptions[eventType]
}

// Hub maintains active client connections.
type Hub struct {
	source   EventSource
	cfg      HubConfig
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*Client
	closed  bool
}

// NewHub creates a websocket hub fed by source.
func NewHub(source EventSource, cfg HubConfig) *Hub {
	h := &Hub{
		source:  source,
		cfg:     cfg,
		clients: make(map[string]*Client),
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
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c.id] = c
	logging.Info("Websocket client connected", map[string]interface{}{
		"client_id": c.id,
		"total":     len(h.clients),
	})
	return true
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		c.sub.Close()
	}
	total := len(h.clients)
	h.mu.Unlock()

	logging.Info("Websocket client disconnected", map[string]interface{}{
		"client_id": c.id,
		"total":     total,
		"dropped":   c.sub.Dropped(),
	})
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.sub.Close()
	}
}

// ServeHTTP upgrades the request and streams events to the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("Websocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}

	client := &Client{
		id:            uuid.New(),
		conn:          conn,
		sub:           h.source.Subscribe(h.cfg.BufferSize),
		send:          make(chan []byte, 16),
		hub:           h,
		subscriptions: make(map[string]bool),
	}
	if !h.register(client) {
		client.sub.Close()
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// GET /v1/events
func (s *Server) events(c *gin.Context) {
	s.hub.ServeHTTP(c.Writer, c.Request)
}

// readPump reads client control messages until the connection drops.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn("Websocket read error", map[string]interface{}{"client_id": c.id, "error": err.Error()})
			}
			return
		}

		var msg struct {
			Action string   `json:"action"`
			Events []string `json:"events"`
		}
		if err := json.Unmarshal(message, &msg); err != nil {
			logging.Debug("Invalid websocket message", map[string]interface{}{"client_id": c.id})
			continue
		}

		switch msg.Action {
		case "subscribe":
			c.mu.Lock()
			for _, e := range msg.Events {
				c.subscriptions[e] = true
			}
			c.mu.Unlock()
			c.reply("subscribe_ack", map[string]interface{}{"subscribed": msg.Events})

		case "unsubscribe":
			c.mu.Lock()
			for _, e := range msg.Events {
				delete(c.subscriptions, e)
			}
			c.mu.Unlock()
			c.reply("unsubscribe_ack", map[string]interface{}{"unsubscribed": msg.Events})

		case "ping":
			c.reply("pong", map[string]interface{}{})
		}
	}
}

// reply queues a control response; it is dropped if the client is not reading.
func (c *Client) reply(action string, data map[string]interface{}) {
	bytes, err := json.Marshal(Envelope{Type: action, Data: data, Timestamp: time.Now().UnixMilli()})
	if err != nil {
		return
	}
	select {
	case c.send <- bytes:
	default:
	}
}

// writePump writes events, control replies and pings to the connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.sub.C():
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if !c.wants(string(ev.Type)) {
				continue
			}
			if err := c.conn.WriteJSON(NewEnvelope(ev)); err != nil {
				return
			}

		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

package websocket

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/davidleathers/workspace-activity/internal/domain/activity"
	"github.com/davidleathers/workspace-activity/internal/domain/errors"
	"github.com/davidleathers/workspace-activity/internal/metrics"
)

// StreamMessageType distinguishes frames on the live activity stream
type StreamMessageType string

const (
	MessageEvent     StreamMessageType = "activity.event"
	MessageConnected StreamMessageType = "connection.established"
)

// StreamMessage is one frame sent to a subscriber
type StreamMessage struct {
	Type      StreamMessageType      `json:"type"`
	Event     *activity.Event        `json:"event,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Subscription is what an authorized client may receive
type Subscription struct {
	UserID uuid.UUID

	// Visibility bounds the stream to what the user may read
	Visibility activity.Visibility

	// WorkspaceID narrows the stream to one workspace when set
	WorkspaceID *uuid.UUID
	Categories  []activity.Category
}

// Allows reports whether the event belongs on the subscription's stream
func (s Subscription) Allows(e *activity.Event) bool {
	if e.IsDeleted || !s.Visibility.Allows(e) {
		return false
	}
	if s.WorkspaceID != nil && !e.InWorkspace(*s.WorkspaceID) {
		return false
	}
	if len(s.Categories) == 0 {
		return true
	}
	for _, c := range s.Categories {
		if c == e.Category {
			return true
		}
	}
	return false
}

// HubConfig configures the hub
type HubConfig struct {
	MaxClients          int           `json:"max_clients"`
	BroadcastBufferSize int           `json:"broadcast_buffer_size"`
	ClientBufferSize    int           `json:"client_buffer_size"`
	PingInterval        time.Duration `json:"ping_interval"`
	ReadTimeout         time.Duration `json:"read_timeout"`
	WriteTimeout        time.Duration `json:"write_timeout"`
	MaxMessageSize      int64         `json:"max_message_size"`
}

// DefaultHubConfig returns default configuration
func DefaultHubConfig() HubConfig {
	return HubConfig{
		MaxClients:          1000,
		BroadcastBufferSize: 1024,
		ClientBufferSize:    64,
		PingInterval:        30 * time.Second,
		ReadTimeout:         60 * time.Second,
		WriteTimeout:        10 * time.Second,
		MaxMessageSize:      512,
	}
}

// Hub fans stored activity events out to live subscribers. It implements
// the ingester's Publisher so every persisted event reaches the stream.
type Hub struct {
	logger   *zap.Logger
	metrics  *metrics.Registry
	config   HubConfig
	upgrader websocket.Upgrader

	clients     map[uuid.UUID]*Client
	clientsLock sync.RWMutex
	broadcast   chan *activity.Event
}

// NewHub creates a hub; call Run to start delivery
func NewHub(config HubConfig, logger *zap.Logger, registry *metrics.Registry) *Hub {
	defaults := DefaultHubConfig()
	if config.MaxClients <= 0 {
		config.MaxClients = defaults.MaxClients
	}
	if config.BroadcastBufferSize <= 0 {
		config.BroadcastBufferSize = defaults.BroadcastBufferSize
	}
	if config.ClientBufferSize <= 0 {
		config.ClientBufferSize = defaults.ClientBufferSize
	}
	if config.PingInterval <= 0 {
		config.PingInterval = defaults.PingInterval
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = defaults.MaxMessageSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Hub{
		logger:  logger,
		metrics: registry,
		config:  config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients:   make(map[uuid.UUID]*Client),
		broadcast: make(chan *activity.Event, config.BroadcastBufferSize),
	}
}

// Run delivers published events until ctx is done, then disconnects
// every client
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("Starting activity stream hub",
		zap.Int("max_clients", h.config.MaxClients),
		zap.Int("broadcast_buffer", h.config.BroadcastBufferSize),
	)

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case event := <-h.broadcast:
			h.deliver(event)
		}
	}
}

// Publish queues an event for delivery. It never blocks the ingester: when
// the buffer is full the event is dropped from the live stream only.
func (h *Hub) Publish(event *activity.Event) {
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("Broadcast buffer full, dropping live event",
			zap.String("event_id", event.ID.String()),
			zap.String("event_type", string(event.EventType)),
		)
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.clientsLock.RLock()
	defer h.clientsLock.RUnlock()
	return len(h.clients)
}

// Serve upgrades the request and streams events matching sub until the
// client disconnects. The caller authorizes sub beforehand.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, sub Subscription) error {
	if h.ClientCount() >= h.config.MaxClients {
		return errors.NewRateLimitError("maximum stream clients reached")
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket connection",
			zap.Error(err),
			zap.String("remote_addr", r.RemoteAddr),
		)
		// the upgrader already wrote the response
		return nil
	}

	client := newClient(conn, h, sub)
	h.register(client)

	go client.writePump()
	go client.readPump()
	return nil
}

func (h *Hub) register(client *Client) {
	h.clientsLock.Lock()
	h.clients[client.ID] = client
	total := len(h.clients)
	h.clientsLock.Unlock()

	h.metrics.StreamConnected(1)

	h.logger.Info("Activity stream client registered",
		zap.String("client_id", client.ID.String()),
		zap.String("user_id", client.sub.UserID.String()),
		zap.Int("total_clients", total),
	)

	welcome := &StreamMessage{
		Type:      MessageConnected,
		Timestamp: time.Now().UTC(),
		Metadata: map[string]interface{}{
			"client_id":     client.ID.String(),
			"ping_interval": h.config.PingInterval.String(),
		},
	}

	select {
	case client.send <- welcome:
	default:
	}
}

func (h *Hub) unregister(client *Client) {
	h.clientsLock.Lock()
	_, exists := h.clients[client.ID]
	if exists {
		delete(h.clients, client.ID)
		close(client.send)
	}
	remaining := len(h.clients)
	h.clientsLock.Unlock()

	if !exists {
		return
	}

	h.metrics.StreamConnected(-1)
	h.logger.Info("Activity stream client unregistered",
		zap.String("client_id", client.ID.String()),
		zap.Int("remaining_clients", remaining),
	)
}

func (h *Hub) deliver(event *activity.Event) {
	var slow []*Client

	h.clientsLock.RLock()
	for _, client := range h.clients {
		if !client.sub.Allows(event) {
			continue
		}
		msg := &StreamMessage{Type: MessageEvent, Event: event, Timestamp: time.Now().UTC()}
		select {
		case client.send <- msg:
		default:
			slow = append(slow, client)
		}
	}
	h.clientsLock.RUnlock()

	for _, client := range slow {
		h.logger.Warn("Client channel full, disconnecting",
			zap.String("client_id", client.ID.String()),
		)
		h.unregister(client)
	}
}

func (h *Hub) shutdown() {
	h.clientsLock.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clientsLock.RUnlock()

	for _, c := range clients {
		h.unregister(c)
	}
	h.logger.Info("Activity stream hub stopped")
}

// Client is one live subscriber
type Client struct {
	ID          uuid.UUID
	conn        *websocket.Conn
	send        chan *StreamMessage
	hub         *Hub
	sub         Subscription
	connectedAt time.Time
}

func newClient(conn *websocket.Conn, hub *Hub, sub Subscription) *Client {
	return &Client{
		ID:          uuid.New(),
		conn:        conn,
		send:        make(chan *StreamMessage, hub.config.ClientBufferSize),
		hub:         hub,
		sub:         sub,
		connectedAt: time.Now(),
	}
}

// readPump discards client frames and keeps the read deadline alive
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.hub.config.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("Activity stream read error",
					zap.String("client_id", c.ID.String()),
					zap.Error(err),
				)
			}
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.config.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.hub.logger.Warn("Failed to write activity event to client",
					zap.String("client_id", c.ID.String()),
					zap.Error(err),
				)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

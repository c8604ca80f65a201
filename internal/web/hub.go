package web

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"schoolbot/server/internal/interfaces"
)

const (
	pingPeriod   = 30 * time.Second
	pongWait     = 60 * time.Second
	readLimit    = 512
	clientBuffer = 64
)

// Client is one websocket observer.
type Client struct {
	ID     string
	Conn   *websocket.Conn
	Send   chan []byte
	Hub    *EventHub
	mu     sync.Mutex
	closed bool
}

// EventHub fans agent and session events out to websocket clients.
type EventHub struct {
	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	broadcast  chan interfaces.Event
	done       chan struct{}
	mu         sync.RWMutex
	logger     *zap.Logger
}

func NewEventHub(logger *zap.Logger) *EventHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventHub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client, 100),
		unregister: make(chan *Client, 100),
		broadcast:  make(chan interfaces.Event, 1000),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run is the hub's event loop; it returns when ctx is done and closes every client.
func (h *EventHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case client := <-h.register:
			h.registerClient(client)
		case client := <-h.unregister:
			h.unregisterClient(client)
		case e := <-h.broadcast:
			h.broadcastEvent(e)
		}
	}
}

func (h *EventHub) registerClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[client.ID] = client
	h.logger.Debug("event client connected", zap.String("client_id", client.ID), zap.Int("total", len(h.clients)))

	go client.writePump()
}

func (h *EventHub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client.ID]; ok {
		delete(h.clients, client.ID)
		close(client.Send)
		h.logger.Debug("event client disconnected", zap.String("client_id", client.ID), zap.Int("total", len(h.clients)))
	}
}

func (h *EventHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, client := range h.clients {
		delete(h.clients, id)
		close(client.Send)
	}
}

func (h *EventHub) broadcastEvent(e interfaces.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		h.logger.Warn("failed to marshal event", zap.String("type", e.Type), zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		select {
		case client.Send <- data:
		default:
			h.logger.Debug("client send buffer full", zap.String("client_id", client.ID))
		}
	}
}

// Publish queues e for broadcast and drops it when the hub is saturated.
func (h *EventHub) Publish(e interfaces.Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	select {
	case h.broadcast <- e:
	default:
		h.logger.Warn("event channel full, dropping event", zap.String("type", e.Type))
	}
}

// ClientCount returns the number of connected clients.
func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Attach registers conn and blocks reading from it until the peer goes away.
func (h *EventHub) Attach(conn *websocket.Conn) {
	client := &Client{
		ID:   uuid.NewString(),
		Conn: conn,
		Send: make(chan []byte, clientBuffer),
		Hub:  h,
	}
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}
	client.readPump()
}

// write sends one frame; it fails once the client is closed.
func (c *Client) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	return c.Conn.WriteMessage(messageType, data)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.Close()

	for {
		select {
		case message, open := <-c.Send:
			if !open {
				c.write(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.write(websocket.TextMessage, message); err != nil {
				c.Hub.logger.Debug("write to client failed", zap.String("client_id", c.ID), zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close closes the client connection once.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.Conn.Close()
	}
}

// readPump only keeps the connection alive; clients never send commands.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.Hub.unregister <- c:
		case <-c.Hub.done:
		}
		c.Close()
	}()

	c.Conn.SetReadLimit(readLimit)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Hub.logger.Debug("unexpected close", zap.String("client_id", c.ID), zap.Error(err))
			}
			return
		}
	}
}

// Package ws streams engine updates to websocket clients.
package ws

import (
	"context"
	"sync"
	"time"

	"github.com/boddenberg/battery-aggregator-bfa/internal/domain"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	sendBuffer = 64
	writeWait  = 10 * time.Second
)

// Client represents a connected WebSocket client.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Hub manages WebSocket clients and broadcasts messages. It receives engine
// aggregates (port.AggregateListener) and closed days (port.DailySummaryPublisher).
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool
	logger  *zap.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]bool),
		logger:  logger,
	}
}

// Register adds a client.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = true
}

// Unregister removes a client and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// Broadcast sends a message to all connected clients. Slow clients whose
// buffer is full miss the message.
func (h *Hub) Broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.logger.Warn("ws: client buffer full, dropping message", zap.String("client_id", c.id))
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// AggregateChanged broadcasts the new aggregate.
func (h *Hub) AggregateChanged(agg domain.Aggregate) {
	msg, err := NewEnvelope(TypeAggregateUpdate, agg)
	if err != nil {
		h.logger.Error("ws: encoding aggregate", zap.Error(err))
		return
	}
	h.Broadcast(msg)
}

// PublishDailySummary broadcasts a closed day. It never fails.
func (h *Hub) PublishDailySummary(_ context.Context, s domain.DailySummary) error {
	msg, err := NewEnvelope(TypeDayClosed, s)
	if err != nil {
		return err
	}
	h.Broadcast(msg)
	return nil
}

func (c *Client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
}

package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/boddenberg/battery-aggregator-bfa/internal/domain"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Snapshotter supplies the aggregate sent to a client right after it connects.
type Snapshotter interface {
	GetAggregate(ctx context.Context) (*domain.Aggregate, error)
}

// Handler upgrades /v1/stream requests and registers the client with the hub.
type Handler struct {
	hub      *Hub
	snapshot Snapshotter
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewHandler creates a Handler. allowedOrigins empty or containing "*" accepts any origin.
func NewHandler(hub *Hub, snapshot Snapshotter, allowedOrigins []string, logger *zap.Logger) *Handler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return &Handler{
		hub:      hub,
		snapshot: snapshot,
		logger:   logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return len(allowed) == 0 || allowed["*"] || origin == "" || allowed[origin]
			},
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws: upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		id:   uuid.NewString(),
		hub:  h.hub,
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}

	h.hub.Register(client)
	go client.writePump()
	h.logger.Info("ws: client connected", zap.String("client_id", client.id), zap.Int("clients", h.hub.ClientCount()))

	h.sendInitial(r.Context(), client)
	h.readPump(client)
}

func (h *Handler) sendInitial(ctx context.Context, c *Client) {
	if msg, err := NewEnvelope(TypeHello, HelloPayload{ClientID: c.id}); err == nil {
		trySend(c, msg)
	}
	if h.snapshot == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	agg, err := h.snapshot.GetAggregate(ctx)
	if err != nil {
		h.logger.Warn("ws: initial aggregate unavailable", zap.Error(err))
		return
	}
	if msg, err := NewEnvelope(TypeAggregateUpdate, agg); err == nil {
		trySend(c, msg)
	}
}

// readPump drains client frames until the connection closes. Clients only listen.
func (h *Handler) readPump(c *Client) {
	defer func() {
		h.hub.Unregister(c)
		h.logger.Info("ws: client disconnected", zap.String("client_id", c.id))
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("ws: read error", zap.String("client_id", c.id), zap.Error(err))
			}
			return
		}
	}
}

func trySend(c *Client, msg []byte) {
	select {
	case c.send <- msg:
	default:
	}
}

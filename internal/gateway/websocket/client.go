package websocket

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/atelier-ai/atelier/internal/common/apperr"
	"github.com/atelier-ai/atelier/internal/common/logger"
	"github.com/atelier-ai/atelier/internal/events"
	"github.com/atelier-ai/atelier/internal/platform/repository"
	"github.com/atelier-ai/atelier/internal/tenant"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
	sendBufferSize = 64
)

// request is one inbound control frame.
type request struct {
	Action    string `json:"action"` // subscribe, unsubscribe
	SessionID string `json:"session_id"`
}

// controlFrame is an outbound acknowledgement or error.
type controlFrame struct {
	Type      string `json:"type"` // subscribed, unsubscribed, error
	SessionID string `json:"session_id,omitempty"`
	Error     string `json:"error,omitempty"`
	Code      string `json:"code,omitempty"`
}

// Client is a single websocket connection bound to one tenant scope.
type Client struct {
	ID    string
	scope tenant.Scope

	conn *websocket.Conn
	hub  *Hub
	repo repository.Repository
	send chan []byte

	subscriptions map[string]bool // session ids, guarded by hub.mu
	log           *logger.Logger
}

// NewClient wraps an upgraded connection.
func NewClient(id string, scope tenant.Scope, conn *websocket.Conn, hub *Hub, repo repository.Repository, log *logger.Logger) *Client {
	return &Client{
		ID:            id,
		scope:         scope,
		conn:          conn,
		hub:           hub,
		repo:          repo,
		send:          make(chan []byte, sendBufferSize),
		subscriptions: make(map[string]bool),
		log:           log.WithFields(zap.String("client_id", id)),
	}
}

// enqueue buffers one envelope for delivery. A false return means the client
// is too slow and should be dropped.
func (c *Client) enqueue(env events.Envelope) bool {
	data, err := json.Marshal(env)
	if err != nil {
		c.log.Error("failed to marshal envelope", zap.Error(err))
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// ReadPump consumes control frames until the connection drops.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Debug("websocket read error", zap.Error(err))
			}
			return
		}

		var req request
		if err := json.Unmarshal(raw, &req); err != nil {
			c.sendControl(controlFrame{Type: "error", Error: "invalid message", Code: "validation"})
			continue
		}
		c.handle(ctx, req)
	}
}

func (c *Client) handle(ctx context.Context, req request) {
	if req.SessionID == "" {
		c.sendControl(controlFrame{Type: "error", Error: "session_id is required", Code: "validation"})
		return
	}

	switch req.Action {
	case "subscribe":
		// Ownership check; a foreign session reads as missing.
		if _, err := c.repo.GetSession(ctx, c.scope, req.SessionID); err != nil {
			c.sendControl(controlFrame{
				Type:      "error",
				SessionID: req.SessionID,
				Error:     "session not found",
				Code:      apperr.CodeOf(err),
			})
			return
		}
		c.hub.Subscribe(c, req.SessionID)
		c.sendControl(controlFrame{Type: "subscribed", SessionID: req.SessionID})

	case "unsubscribe":
		c.hub.Unsubscribe(c, req.SessionID)
		c.sendControl(controlFrame{Type: "unsubscribed", SessionID: req.SessionID})

	default:
		c.sendControl(controlFrame{Type: "error", Error: "unknown action", Code: "validation"})
	}
}

func (c *Client) sendControl(frame controlFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// WritePump flushes buffered frames and keeps the connection alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

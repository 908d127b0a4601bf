package websocket

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/atelier-ai/atelier/internal/common/logger"
	"github.com/atelier-ai/atelier/internal/platform/repository"
	"github.com/atelier-ai/atelier/internal/tenant"
)

// Handler upgrades authenticated requests to websocket connections.
type Handler struct {
	hub  *Hub
	repo repository.Repository
	log  *logger.Logger

	upgrader websocket.Upgrader
}

// NewHandler creates the websocket gateway handler.
func NewHandler(hub *Hub, repo repository.Repository, log *logger.Logger) *Handler {
	return &Handler{
		hub:  hub,
		repo: repo,
		log:  log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Bearer auth runs before the upgrade; origins are not checked here.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// RegisterRoutes registers the gateway endpoint on the given router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/ws", h.connect)
}

// connect upgrades the request and starts the client pumps. The tenant
// middleware has already validated the bearer token.
func (h *Handler) connect(c *gin.Context) {
	scope := tenant.ScopeFrom(c)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), scope, conn, h.hub, h.repo, h.log)
	h.hub.Register(client)

	go client.WritePump()
	// The request context ends with the handler; the connection outlives it.
	go client.ReadPump(context.Background())
}

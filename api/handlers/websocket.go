package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/wallet-agent-hub/backend/internal/hub"
)

// WebSocketHandler exposes the realtime endpoint. Authentication happens
// inside the hub handler itself (proof in query parameters), not in the
// header middleware, so this route is registered outside the auth group.
type WebSocketHandler struct {
	wsHandler *hub.Handler
}

// NewWebSocketHandler creates a new WebSocketHandler.
func NewWebSocketHandler(wsHandler *hub.Handler) *WebSocketHandler {
	return &WebSocketHandler{wsHandler: wsHandler}
}

// Connect handles GET /ws - the realtime connection handshake.
func (h *WebSocketHandler) Connect(c *gin.Context) {
	h.wsHandler.Handle(c.Writer, c.Request)
}

// RegisterRoutes registers the realtime route on a Gin router group.
func (h *WebSocketHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/ws", h.Connect)
}

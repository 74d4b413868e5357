// Package handlers provides the HTTP API request handlers.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/wallet-agent-hub/backend/internal/auth"
	"github.com/wallet-agent-hub/backend/internal/model"
	"github.com/wallet-agent-hub/backend/internal/registry"
)

// ConversationHandler serves the conversation, message, task and agent
// endpoints. Every route runs behind the wallet-signature middleware, so a
// wallet address is always present on the request context.
type ConversationHandler struct {
	sessions *registry.Registry
	logger   zerolog.Logger
}

// NewConversationHandler creates a handler over the session registry.
func NewConversationHandler(sessions *registry.Registry, logger zerolog.Logger) *ConversationHandler {
	return &ConversationHandler{
		sessions: sessions,
		logger:   logger.With().Str("component", "api").Logger(),
	}
}

// sendError writes the uniform error envelope.
func sendError(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, gin.H{
		"error":  message,
		"status": "error",
		"code":   code,
	})
}

// sendResult writes the uniform success envelope.
func sendResult(c *gin.Context, result any) {
	c.JSON(http.StatusOK, gin.H{"result": result})
}

// userContext resolves the caller's UserContext, creating it on first
// access.
func (h *ConversationHandler) userContext(c *gin.Context) *registry.UserContext {
	return h.sessions.GetOrCreate(auth.WalletAddress(c))
}

// sendConversationError maps a conversation lookup failure to its HTTP shape.
func (h *ConversationHandler) sendConversationError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, model.ErrForbidden):
		sendError(c, http.StatusForbidden, "FORBIDDEN", "Conversation belongs to another wallet")
	case errors.Is(err, model.ErrNotFound):
		sendError(c, http.StatusNotFound, "NOT_FOUND", "Conversation not found")
	default:
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

// CreateConversationRequest is the body for POST /conversation/create.
type CreateConversationRequest struct {
	Name string `json:"name"`
}

// CreateConversation handles POST /conversation/create.
func (h *ConversationHandler) CreateConversation(c *gin.Context) {
	var req CreateConversationRequest
	// A missing body is fine; the name is optional.
	c.ShouldBindJSON(&req)

	conv, err := h.userContext(c).CreateConversation(req.Name)
	if err != nil {
		if errors.Is(err, model.ErrConversationLimit) {
			sendError(c, http.StatusTooManyRequests, "CONVERSATION_LIMIT",
				"You have reached the maximum number of conversations. Please delete some conversations before creating a new one.")
			return
		}
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	sendResult(c, conv)
}

// ListConversations handles POST /conversation/list.
func (h *ConversationHandler) ListConversations(c *gin.Context) {
	sendResult(c, h.userContext(c).ListConversations())
}

// DeleteConversationRequest is the body for POST /conversation/delete.
type DeleteConversationRequest struct {
	ConversationID string `json:"conversation_id" binding:"required"`
}

// DeleteConversation handles POST /conversation/delete.
func (h *ConversationHandler) DeleteConversation(c *gin.Context) {
	var req DeleteConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "conversation_id is required")
		return
	}

	if err := h.userContext(c).DeleteConversation(req.ConversationID); err != nil {
		h.sendConversationError(c, err)
		return
	}
	sendResult(c, gin.H{"deleted": req.ConversationID})
}

// SendMessageRequest is the body for POST /message/send.
type SendMessageRequest struct {
	Params struct {
		ConversationID string              `json:"conversation_id" binding:"required"`
		Content        []model.ContentPart `json:"content" binding:"required"`
		Metadata       map[string]string   `json:"metadata"`
	} `json:"params" binding:"required"`
}

// SendMessage handles POST /message/send. The agent's reply and task updates
// arrive later over the realtime channel.
func (h *ConversationHandler) SendMessage(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}

	msg, err := h.userContext(c).SendMessage(req.Params.ConversationID, req.Params.Content, req.Params.Metadata)
	if err != nil {
		h.sendConversationError(c, err)
		return
	}
	sendResult(c, gin.H{
		"message_id":      msg.MessageID(),
		"conversation_id": msg.ConversationID,
	})
}

// ListMessagesRequest is the body for POST /message/list.
type ListMessagesRequest struct {
	Params string `json:"params" binding:"required"` // conversation id
}

// ListMessages handles POST /message/list.
func (h *ConversationHandler) ListMessages(c *gin.Context) {
	var req ListMessagesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "conversation id is required")
		return
	}

	msgs, err := h.userContext(c).ListMessages(req.Params)
	if err != nil {
		h.sendConversationError(c, err)
		return
	}
	sendResult(c, msgs)
}

// PendingMessages handles POST /message/pending. The result maps message ids
// awaiting an agent response to their latest known status text.
func (h *ConversationHandler) PendingMessages(c *gin.Context) {
	sendResult(c, h.userContext(c).PendingMessages())
}

// ListTasks handles POST /task/list.
func (h *ConversationHandler) ListTasks(c *gin.Context) {
	sendResult(c, h.userContext(c).ListTasks())
}

// RegisterAgentRequest is the body for POST /agent/register.
type RegisterAgentRequest struct {
	URL  string `json:"url" binding:"required"`
	Name string `json:"name"`
}

// RegisterAgent handles POST /agent/register.
func (h *ConversationHandler) RegisterAgent(c *gin.Context) {
	var req RegisterAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "url is required")
		return
	}
	sendResult(c, h.userContext(c).RegisterAgent(req.URL, req.Name))
}

// ListAgents handles POST /agent/list.
func (h *ConversationHandler) ListAgents(c *gin.Context) {
	sendResult(c, h.userContext(c).ListAgents())
}

// RegisterRoutes registers the conversation API routes on a router group.
// The group is expected to carry the auth middleware.
func (h *ConversationHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/conversation/create", h.CreateConversation)
	rg.POST("/conversation/list", h.ListConversations)
	rg.POST("/conversation/delete", h.DeleteConversation)
	rg.POST("/message/send", h.SendMessage)
	rg.POST("/message/list", h.ListMessages)
	rg.POST("/message/pending", h.PendingMessages)
	rg.POST("/task/list", h.ListTasks)
	rg.POST("/agent/register", h.RegisterAgent)
	rg.POST("/agent/list", h.ListAgents)
}

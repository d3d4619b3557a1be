package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/parley/parley/internal/common/apperr"
	"github.com/parley/parley/internal/common/httpmw"
	"github.com/parley/parley/internal/common/logger"
	"github.com/parley/parley/internal/gateway/websocket"
	"github.com/parley/parley/internal/session"
	"github.com/parley/parley/pkg/events"
)

// TurnCollector runs one chat turn without a live channel and returns every
// event the turn produced. The orchestrator dispatcher implements it.
type TurnCollector interface {
	CollectTurn(ctx context.Context, req websocket.TurnRequest) (*session.Session, []events.Event, error)
}

type chatHandlers struct {
	collector TurnCollector
	logger    *logger.Logger
}

// RegisterChatRoutes wires the one-shot chat endpoint. Streaming clients use
// the WebSocket route instead; this path blocks until the turn finishes and
// returns the full event list in one response.
func RegisterChatRoutes(r gin.IRouter, collector TurnCollector, log *logger.Logger) {
	h := &chatHandlers{
		collector: collector,
		logger:    log.WithFields(zap.String("component", "chat-api")),
	}

	r.POST("/chat", h.chat)
}

// RegisterStreamRoutes wires the WebSocket upgrade endpoint.
func RegisterStreamRoutes(r gin.IRouter, handler *websocket.Handler) {
	r.GET("/:session_id", handler.HandleConnection)
}

type chatRequest struct {
	Message     string         `json:"message"`
	SessionID   string         `json:"session_id"`
	AssistantID string         `json:"assistant_id"`
	UserContext map[string]any `json:"user_context"`
}

func (h *chatHandlers) chat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.BadRequest("invalid chat payload"))
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		respondError(c, apperr.BadRequest("message is required"))
		return
	}

	userID := httpmw.UserID(c)
	sess, turnEvents, err := h.collector.CollectTurn(c.Request.Context(), websocket.TurnRequest{
		SessionID:   req.SessionID,
		UserID:      userID,
		AssistantID: req.AssistantID,
		Message:     req.Message,
		UserContext: req.UserContext,
	})
	if err != nil {
		h.logger.Error("chat turn failed", zap.String("user_id", userID), zap.Error(err))
		respondError(c, err)
		return
	}

	encoded := make([]map[string]any, 0, len(turnEvents))
	for _, event := range turnEvents {
		m, err := events.Encode(event)
		if err != nil {
			h.logger.Warn("failed to encode event",
				zap.String("event_type", string(event.EventType())), zap.Error(err))
			continue
		}
		encoded = append(encoded, m)
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id": sess.ID,
		"events":     encoded,
	})
}

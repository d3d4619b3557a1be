package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/parley/parley/internal/audit"
	"github.com/parley/parley/internal/common/apperr"
	"github.com/parley/parley/internal/common/httpmw"
	"github.com/parley/parley/internal/common/logger"
	"github.com/parley/parley/internal/gateway/websocket"
	"github.com/parley/parley/internal/message"
	"github.com/parley/parley/internal/session"
)

const (
	defaultMessageLimit = 50
	maxMessageLimit     = 500
)

type sessionHandlers struct {
	sessions *session.Manager
	messages message.Store
	manager  *websocket.ConnectionManager
	audit    *audit.Recorder
	logger   *logger.Logger
}

// RegisterSessionRoutes wires session listing, inspection, history, deletion,
// and turn cancellation. Sessions belonging to another user read as absent.
func RegisterSessionRoutes(r gin.IRouter, sessions *session.Manager, messages message.Store, manager *websocket.ConnectionManager, recorder *audit.Recorder, log *logger.Logger) {
	h := &sessionHandlers{
		sessions: sessions,
		messages: messages,
		manager:  manager,
		audit:    recorder,
		logger:   log.WithFields(zap.String("component", "session-api")),
	}

	r.GET("/sessions", h.list)
	r.GET("/sessions/:session_id", h.get)
	r.DELETE("/sessions/:session_id", h.delete)
	r.GET("/sessions/:session_id/messages", h.history)
	r.POST("/sessions/:session_id/cancel", h.cancel)
}

func (h *sessionHandlers) list(c *gin.Context) {
	userID := httpmw.UserID(c)

	sessions, err := h.sessions.ListByUser(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("failed to list sessions", zap.String("user_id", userID), zap.Error(err))
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"total":    len(sessions),
	})
}

func (h *sessionHandlers) get(c *gin.Context) {
	sess, ok := h.ownedSession(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *sessionHandlers) delete(c *gin.Context) {
	sess, ok := h.ownedSession(c)
	if !ok {
		return
	}

	if err := h.sessions.DeleteSession(c.Request.Context(), sess.ID); err != nil {
		h.logger.Error("failed to delete session", zap.String("session_id", sess.ID), zap.Error(err))
		respondError(c, err)
		return
	}
	h.audit.Record(c.Request.Context(), sess.UserID, sess.ID, audit.ActionSessionDeleted, nil)

	c.Status(http.StatusNoContent)
}

func (h *sessionHandlers) history(c *gin.Context) {
	sess, ok := h.ownedSession(c)
	if !ok {
		return
	}

	limit := queryInt(c, "limit", defaultMessageLimit)
	if limit < 1 || limit > maxMessageLimit {
		limit = defaultMessageLimit
	}
	offset := queryInt(c, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	ctx := c.Request.Context()
	msgs, err := h.messages.GetMessages(ctx, sess.ID, limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}
	total, err := h.messages.CountMessages(ctx, sess.ID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"messages": msgs,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

func (h *sessionHandlers) cancel(c *gin.Context) {
	sess, ok := h.ownedSession(c)
	if !ok {
		return
	}

	if !h.manager.CancelTask(sess.ID) {
		respondError(c, apperr.NotFound("task", sess.ID))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":     "cancelled",
		"session_id": sess.ID,
	})
}

// ownedSession loads the path's session and checks it belongs to the caller.
// On failure it writes the error response and reports false.
func (h *sessionHandlers) ownedSession(c *gin.Context) (*session.Session, bool) {
	sessionID := c.Param("session_id")
	sess, err := h.sessions.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	if sess.UserID != httpmw.UserID(c) {
		respondError(c, apperr.SessionNotFound(sessionID))
		return nil, false
	}
	return sess, true
}

func queryInt(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

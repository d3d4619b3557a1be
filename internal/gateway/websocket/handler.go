package websocket

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/parley/parley/internal/common/apperr"
	"github.com/parley/parley/internal/common/httpmw"
	"github.com/parley/parley/internal/common/logger"
	"github.com/parley/parley/internal/session"
	"github.com/parley/parley/pkg/events"
	"github.com/parley/parley/pkg/wsproto"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     checkWebSocketOrigin,
}

// checkWebSocketOrigin validates the Origin header for WebSocket connections.
// This prevents cross-site WebSocket hijacking attacks.
func checkWebSocketOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// No origin header - allow (could be a non-browser client)
		return true
	}

	// Allow localhost origins for development
	if strings.HasPrefix(origin, "http://localhost") ||
		strings.HasPrefix(origin, "http://127.0.0.1") ||
		strings.HasPrefix(origin, "https://localhost") ||
		strings.HasPrefix(origin, "https://127.0.0.1") {
		return true
	}

	// Check same-origin: Origin should match the Host header
	host := r.Host
	if host == "" {
		host = r.URL.Host
	}

	// Parse the origin URL to get its host
	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}

	// Compare hosts (ignoring port for flexibility)
	originHost := originURL.Hostname()
	requestHost := host
	if colonIdx := strings.LastIndex(requestHost, ":"); colonIdx != -1 {
		// Strip port from host if present (but be careful with IPv6)
		if !strings.Contains(requestHost, "]") || colonIdx > strings.Index(requestHost, "]") {
			requestHost = requestHost[:colonIdx]
		}
	}

	return originHost == requestHost
}

// Handler upgrades chat channel requests and binds each connection to its
// session.
type Handler struct {
	manager  *ConnectionManager
	sessions *session.Manager
	runner   TurnRunner
	logger   *logger.Logger
}

// NewHandler creates the WebSocket upgrade handler.
func NewHandler(manager *ConnectionManager, sessions *session.Manager, runner TurnRunner, log *logger.Logger) *Handler {
	return &Handler{
		manager:  manager,
		sessions: sessions,
		runner:   runner,
		logger:   log.WithFields(zap.String("component", "ws_handler")),
	}
}

// HandleConnection serves GET /ws/:session_id. The path segment names an
// existing session to resume or is minted into a fresh one when unknown.
func (h *Handler) HandleConnection(c *gin.Context) {
	userID := httpmw.UserID(c)
	sessionID := c.Param("session_id")

	sess, err := h.sessions.GetOrCreateSession(c.Request.Context(), userID, "", sessionID)
	if err != nil {
		appErr := apperr.Envelope(err)
		c.JSON(apperr.HTTPStatus(appErr), appErr)
		return
	}
	if sess.UserID != userID {
		// Resuming another user's session reads as not-found.
		appErr := apperr.SessionNotFound(sessionID)
		c.JSON(apperr.HTTPStatus(appErr), appErr)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	client := NewClient(sess.ID, userID, conn, h.manager, h.runner, h.logger)

	if !h.manager.Connect(sess.ID, client) {
		// Standard service-full rejection, then close.
		if frame, ferr := wsproto.NewEventFrame(events.NewError("service full", false)); ferr == nil {
			conn.WriteJSON(frame)
		}
		conn.Close()
		return
	}

	h.logger.Debug("WebSocket connection established",
		zap.String("session_id", sess.ID),
		zap.String("user_id", userID),
		zap.String("remote_addr", c.Request.RemoteAddr),
	)

	// Unknown path IDs mint a fresh session, so tell the client which
	// session it is actually attached to.
	client.WriteFrame(wsproto.NewNotificationFrame("connected", map[string]any{
		"session_id": sess.ID,
	}))

	go client.WritePump()
	client.ReadPump(c.Request.Context())
}

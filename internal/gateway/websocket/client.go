package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/parley/parley/internal/common/logger"
	"github.com/parley/parley/pkg/events"
	"github.com/parley/parley/pkg/wsproto"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB
)

var errChannelClosed = errors.New("channel closed")
var errSendBufferFull = errors.New("send buffer full")

// Client is one session's WebSocket connection. It implements Channel: the
// connection manager writes frames through it, and its read pump routes
// inbound frames to the turn runner and the pending approval slot.
type Client struct {
	sessionID string
	userID    string
	conn      *websocket.Conn
	manager   *ConnectionManager
	runner    TurnRunner
	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	logger    *logger.Logger
}

// NewClient wraps an upgraded connection for the given session.
func NewClient(sessionID, userID string, conn *websocket.Conn, manager *ConnectionManager, runner TurnRunner, log *logger.Logger) *Client {
	return &Client{
		sessionID: sessionID,
		userID:    userID,
		conn:      conn,
		manager:   manager,
		runner:    runner,
		send:      make(chan []byte, 256),
		closed:    make(chan struct{}),
		logger:    log.WithFields(zap.String("session_id", sessionID)),
	}
}

// WriteFrame queues a server frame for delivery. It fails when the client is
// closed or its send buffer is full; the manager treats either as a write
// error and disconnects the session.
func (c *Client) WriteFrame(frame *wsproto.ServerFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	select {
	case <-c.closed:
		return errChannelClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.closed:
		return errChannelClosed
	default:
		return errSendBufferFull
	}
}

// Close shuts the client down. Safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
	return nil
}

// ReadPump reads client frames until the connection drops, routing each one.
// It owns teardown: when it returns, the session is disconnected, unless a
// reconnect already displaced this channel.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.manager.DisconnectChannel(c.sessionID, c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket read error", zap.Error(err))
			}
			return
		}

		frame, err := wsproto.ParseFrame(message)
		if err != nil {
			c.logger.Warn("unparseable client frame", zap.Error(err))
			c.sendError("Invalid message format", true)
			continue
		}

		c.handleFrame(ctx, frame)
	}
}

// handleFrame routes one client frame.
func (c *Client) handleFrame(ctx context.Context, frame *wsproto.Frame) {
	c.logger.Debug("received frame", zap.String("type", string(frame.Type)))

	switch frame.Type {
	case wsproto.FrameChat:
		c.handleChat(ctx, frame)
	case wsproto.FrameHITLDecision:
		c.handleDecision(frame)
	case wsproto.FrameCancel:
		if !c.manager.CancelTask(c.sessionID) {
			c.notify("no active task", nil)
		}
	case wsproto.FramePing:
		if err := c.WriteFrame(wsproto.NewPongFrame()); err != nil {
			c.logger.Debug("pong dropped", zap.Error(err))
		}
	default:
		c.sendError("Unknown frame type: "+string(frame.Type), true)
	}
}

func (c *Client) handleChat(ctx context.Context, frame *wsproto.Frame) {
	var payload wsproto.ChatPayload
	if err := frame.ParsePayload(&payload); err != nil {
		c.sendError("Invalid chat payload: "+err.Error(), true)
		return
	}
	if payload.Message == "" {
		c.sendError("message is required", true)
		return
	}

	req := TurnRequest{
		SessionID:   c.sessionID,
		UserID:      c.userID,
		AssistantID: payload.AssistantID,
		Message:     payload.Message,
		UserContext: payload.UserContext,
	}

	// The turn outlives this frame; the runner registers it as the
	// session's task so cancel and disconnect reach it.
	go c.runner.RunTurn(ctx, req)
}

func (c *Client) handleDecision(frame *wsproto.Frame) {
	var payload wsproto.HITLDecisionPayload
	if err := frame.ParsePayload(&payload); err != nil {
		c.sendError("Invalid decision payload: "+err.Error(), true)
		return
	}

	decision := payload.Decision
	if decision.Type != wsproto.DecisionApprove && decision.Type != wsproto.DecisionReject {
		c.sendError("decision type must be approve or reject", true)
		return
	}

	if !c.manager.ResolveDecision(c.sessionID, decision) {
		c.notify("no pending approval", nil)
	}
}

// sendError pushes an error event frame to the client.
func (c *Client) sendError(message string, recoverable bool) {
	frame, err := wsproto.NewEventFrame(events.NewError(message, recoverable))
	if err != nil {
		c.logger.Error("error frame encoding failed", zap.Error(err))
		return
	}
	if err := c.WriteFrame(frame); err != nil {
		c.logger.Debug("error frame dropped", zap.Error(err))
	}
}

// notify pushes an out-of-band notice frame to the client.
func (c *Client) notify(notice string, data map[string]any) {
	if err := c.WriteFrame(wsproto.NewNotificationFrame(notice, data)); err != nil {
		c.logger.Debug("notification dropped", zap.Error(err))
	}
}

// WritePump flushes queued frames to the connection and keeps the peer alive
// with pings. One writer per connection; everything funnels through send.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Batch additional queued messages
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-c.closed:
			// Flush anything still queued before the close message.
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			for {
				select {
				case message := <-c.send:
					c.conn.WriteMessage(websocket.TextMessage, message)
					continue
				default:
				}
				break
			}
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Package integration provides end-to-end tests for the Parley service.
package integration

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/parley/parley/internal/common/httpmw"
	"github.com/parley/parley/pkg/wsproto"
)

// ChatClient is a WebSocket client attached to one chat session.
type ChatClient struct {
	t         *testing.T
	conn      *websocket.Conn
	frames    chan *wsproto.ServerFrame
	done      chan struct{}
	sessionID string
}

// DialChat opens a streaming connection for the session as the given user
// and consumes the initial connected notice. The recorded session id is the
// one the server attached the stream to, which differs from the dialed id
// when the server minted a fresh session.
func DialChat(t *testing.T, serverURL, sessionID, userID string) *ChatClient {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(serverURL, "http") + "/ws/" + sessionID
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	header := http.Header{}
	header.Set(httpmw.UserIDHeader, userID)

	conn, resp, err := dialer.Dial(wsURL, header)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	c := &ChatClient{
		t:      t,
		conn:   conn,
		frames: make(chan *wsproto.ServerFrame, 256),
		done:   make(chan struct{}),
	}
	go c.readPump()

	connected := c.NextFrame(5 * time.Second)
	require.Equal(t, wsproto.EventNotification, connected.EventType)
	require.Equal(t, "connected", connected.Data["notice"])
	c.sessionID, _ = connected.Data["session_id"].(string)
	require.NotEmpty(t, c.sessionID)

	return c
}

// SessionID returns the session the stream is attached to.
func (c *ChatClient) SessionID() string {
	return c.sessionID
}

// Close drops the connection and waits for the read pump to exit.
func (c *ChatClient) Close() {
	c.conn.Close()
	<-c.done
}

func (c *ChatClient) readPump() {
	defer close(c.done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		// The server's batched writer may pack several newline-separated
		// frames into one websocket message.
		for _, chunk := range bytes.Split(data, []byte{'\n'}) {
			if len(chunk) == 0 {
				continue
			}
			var frame wsproto.ServerFrame
			if err := json.Unmarshal(chunk, &frame); err != nil {
				continue
			}
			c.frames <- &frame
		}
	}
}

func (c *ChatClient) send(frameType wsproto.FrameType, payload any) {
	c.t.Helper()

	frame, err := wsproto.NewFrame(frameType, payload)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteJSON(frame))
}

// SendChat starts a turn.
func (c *ChatClient) SendChat(message string) {
	c.t.Helper()
	c.send(wsproto.FrameChat, wsproto.ChatPayload{Message: message})
}

// Approve answers the pending approval request.
func (c *ChatClient) Approve() {
	c.t.Helper()
	c.send(wsproto.FrameHITLDecision, wsproto.HITLDecisionPayload{
		Decision: wsproto.Decision{Type: wsproto.DecisionApprove},
	})
}

// Reject answers the pending approval request with a reason.
func (c *ChatClient) Reject(reason string) {
	c.t.Helper()
	c.send(wsproto.FrameHITLDecision, wsproto.HITLDecisionPayload{
		Decision: wsproto.Decision{Type: wsproto.DecisionReject, Message: reason},
	})
}

// Cancel aborts the running turn.
func (c *ChatClient) Cancel() {
	c.t.Helper()
	c.send(wsproto.FrameCancel, nil)
}

// Ping sends a protocol-level ping frame.
func (c *ChatClient) Ping() {
	c.t.Helper()
	c.send(wsproto.FramePing, nil)
}

// NextFrame returns the next server frame, failing the test on timeout.
func (c *ChatClient) NextFrame(timeout time.Duration) *wsproto.ServerFrame {
	c.t.Helper()

	select {
	case frame := <-c.frames:
		return frame
	case <-time.After(timeout):
		c.t.Fatalf("no frame within %v", timeout)
		return nil
	}
}

// WaitFor skips frames until one of the wanted type arrives.
func (c *ChatClient) WaitFor(eventType string, timeout time.Duration) *wsproto.ServerFrame {
	c.t.Helper()

	deadline := time.After(timeout)
	var seen []string
	for {
		select {
		case frame := <-c.frames:
			if frame.EventType == eventType {
				return frame
			}
			seen = append(seen, frame.EventType)
		case <-deadline:
			c.t.Fatalf("no %s frame within %v, saw %v", eventType, timeout, seen)
			return nil
		}
	}
}

// CollectUntil gathers frames through the first one of the given type.
func (c *ChatClient) CollectUntil(eventType string, timeout time.Duration) []*wsproto.ServerFrame {
	c.t.Helper()

	deadline := time.After(timeout)
	var frames []*wsproto.ServerFrame
	for {
		select {
		case frame := <-c.frames:
			frames = append(frames, frame)
			if frame.EventType == eventType {
				return frames
			}
		case <-deadline:
			c.t.Fatalf("no %s frame within %v, collected %v", eventType, timeout, frameTypes(frames))
			return nil
		}
	}
}

func frameTypes(frames []*wsproto.ServerFrame) []string {
	types := make([]string, 0, len(frames))
	for _, f := range frames {
		types = append(types, f.EventType)
	}
	return types
}

// textContent joins the content of every text frame in order.
func textContent(frames []*wsproto.ServerFrame) string {
	var parts []string
	for _, f := range frames {
		if f.EventType != "text" {
			continue
		}
		if content, ok := f.Data["content"].(string); ok {
			parts = append(parts, content)
		}
	}
	return strings.Join(parts, "")
}

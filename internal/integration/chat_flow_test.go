// Package integration provides end-to-end tests for the Parley service.
package integration

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley/parley/internal/agent"
	"github.com/parley/parley/internal/audit"
	"github.com/parley/parley/internal/common/httpmw"
	"github.com/parley/parley/pkg/wsproto"
)

func TestStreamingChatTurn(t *testing.T) {
	ts := NewTestServer(t, func(message string, _ agent.Config) []agent.Step {
		return []agent.Step{
			{Text: "Looking at: " + message},
			{Text: "Looked at: " + message, Final: true},
		}
	})
	defer ts.Close()

	sess := ts.CreateSession(t, "user-alice", "helper")
	client := DialChat(t, ts.Server.URL, sess.ID, "user-alice")
	defer client.Close()
	require.Equal(t, sess.ID, client.SessionID())

	client.SendChat("the flaky build")

	first := client.WaitFor("text", 5*time.Second)
	assert.Equal(t, "Looking at: the flaky build", first.Data["content"])
	assert.Equal(t, false, first.Data["is_final"])

	second := client.WaitFor("text", 5*time.Second)
	assert.Equal(t, "Looked at: the flaky build", second.Data["content"])
	assert.Equal(t, true, second.Data["is_final"])

	done := client.WaitFor("done", 5*time.Second)
	assert.Equal(t, false, done.Data["cancelled"])
	client.WaitFor(wsproto.EventStreamEnd, 5*time.Second)

	// The transcript is persisted by the time the stream closes.
	status, body := ts.doJSON(t, http.MethodGet, "/api/v1/sessions/"+sess.ID+"/messages", "user-alice", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, float64(2), body["total"])

	msgs := body["messages"].([]any)
	userMsg := msgs[0].(map[string]any)
	assert.Equal(t, "user", userMsg["role"])
	assert.Equal(t, "the flaky build", userMsg["content"])
	reply := msgs[1].(map[string]any)
	assert.Equal(t, "assistant", reply["role"])
	assert.Equal(t, "Looked at: the flaky build", reply["content"])
}

func TestUnknownSessionIsMinted(t *testing.T) {
	ts := NewTestServer(t, nil)
	defer ts.Close()

	client := DialChat(t, ts.Server.URL, "ghost-session", "user-alice")
	defer client.Close()
	require.NotEqual(t, "ghost-session", client.SessionID())

	client.SendChat("hello")
	text := client.WaitFor("text", 5*time.Second)
	assert.Equal(t, "You said: hello", text.Data["content"])
	client.WaitFor(wsproto.EventStreamEnd, 5*time.Second)

	// The minted session is the caller's.
	status, body := ts.doJSON(t, http.MethodGet, "/api/v1/sessions", "user-alice", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, float64(1), body["total"])
	listed := body["sessions"].([]any)[0].(map[string]any)
	assert.Equal(t, client.SessionID(), listed["session_id"])
}

func TestForeignSessionHandshakeRejected(t *testing.T) {
	ts := NewTestServer(t, nil)
	defer ts.Close()

	sess := ts.CreateSession(t, "user-alice", "helper")

	wsURL := "ws" + strings.TrimPrefix(ts.Server.URL, "http") + "/ws/" + sess.ID
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	header := http.Header{}
	header.Set(httpmw.UserIDHeader, "user-bob")

	conn, resp, err := dialer.Dial(wsURL, header)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	if conn != nil {
		conn.Close()
	}
}

func TestOneShotChat(t *testing.T) {
	ts := NewTestServer(t, func(message string, _ agent.Config) []agent.Step {
		return []agent.Step{{Text: "Done: " + message, Final: true}}
	})
	defer ts.Close()

	status, body := ts.doJSON(t, http.MethodPost, "/api/v1/chat", "user-alice",
		map[string]any{"message": "run the report"})
	require.Equal(t, http.StatusOK, status)

	sessionID := body["session_id"].(string)
	require.NotEmpty(t, sessionID)

	replies := body["events"].([]any)
	require.Len(t, replies, 2)
	text := replies[0].(map[string]any)
	assert.Equal(t, "text", text["event_type"])
	assert.Equal(t, "Done: run the report", text["content"])
	assert.Equal(t, "done", replies[1].(map[string]any)["event_type"])

	// The one-shot turn persists history like a streamed one.
	status, body = ts.doJSON(t, http.MethodGet, "/api/v1/sessions/"+sessionID+"/messages", "user-alice", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(2), body["total"])
}

func TestOneShotRejectsGatedTools(t *testing.T) {
	ts := NewTestServer(t, func(string, agent.Config) []agent.Step {
		return []agent.Step{
			{Tool: &agent.ToolStep{Name: "write_file", Args: map[string]any{"path": "notes.md"}}},
			{Text: "Could not save.", Final: true},
		}
	})
	defer ts.Close()
	ts.AddMCPServer(t, "user-alice", "files")

	// No channel can carry the approval request on this path, so the gated
	// tool resolves as a rejection and the turn keeps going.
	status, body := ts.doJSON(t, http.MethodPost, "/api/v1/chat", "user-alice",
		map[string]any{"message": "save my notes"})
	require.Equal(t, http.StatusOK, status)

	replies := body["events"].([]any)
	require.Len(t, replies, 4)
	assert.Equal(t, "tool_call", replies[0].(map[string]any)["event_type"])

	result := replies[1].(map[string]any)
	assert.Equal(t, "tool_result", result["event_type"])
	assert.Equal(t, "error", result["status"])
	assert.Equal(t, "rejected: client disconnected", result["result"])

	assert.Equal(t, "text", replies[2].(map[string]any)["event_type"])
	assert.Equal(t, "done", replies[3].(map[string]any)["event_type"])

	// The forced rejection is audited like a human one.
	status, body = ts.doJSON(t, http.MethodGet, "/api/v1/audit", "user-alice", nil)
	require.Equal(t, http.StatusOK, status)
	entries := body["entries"].([]any)
	require.NotEmpty(t, entries)
	newest := entries[0].(map[string]any)
	assert.Equal(t, audit.ActionHITLDecision, newest["action"])
	assert.Equal(t, "reject", newest["detail"].(map[string]any)["decision"])
}

func TestPingPong(t *testing.T) {
	ts := NewTestServer(t, nil)
	defer ts.Close()

	client := DialChat(t, ts.Server.URL, "fresh", "user-alice")
	defer client.Close()

	client.Ping()
	frame := client.NextFrame(5 * time.Second)
	assert.Equal(t, wsproto.EventPong, frame.EventType)
}

// Package integration provides end-to-end tests for the Parley service.
package integration

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley/parley/internal/agent"
	"github.com/parley/parley/internal/audit"
	"github.com/parley/parley/pkg/wsproto"
)

// writeFileScript performs one gated tool call, then reports.
func writeFileScript(string, agent.Config) []agent.Step {
	return []agent.Step{
		{Tool: &agent.ToolStep{Name: "write_file", Args: map[string]any{"path": "notes.md"}}},
		{Text: "Saved.", Final: true},
	}
}

func TestApprovalRoundTrip(t *testing.T) {
	ts := NewTestServer(t, writeFileScript)
	defer ts.Close()
	ts.AddMCPServer(t, "user-alice", "files")

	sess := ts.CreateSession(t, "user-alice", "helper")
	client := DialChat(t, ts.Server.URL, sess.ID, "user-alice")
	defer client.Close()

	client.SendChat("save my notes")

	call := client.WaitFor("tool_call", 5*time.Second)
	assert.Equal(t, "write_file", call.Data["tool_name"])

	request := client.WaitFor("hitl_request", 5*time.Second)
	require.NotEmpty(t, request.Data["interrupt_id"])
	actions := request.Data["action_requests"].([]any)
	require.Len(t, actions, 1)
	assert.Equal(t, "write_file", actions[0].(map[string]any)["action_name"])

	client.Approve()

	result := client.WaitFor("tool_result", 5*time.Second)
	assert.Equal(t, "success", result.Data["status"])
	assert.Equal(t, "wrote notes.md", result.Data["result"])

	text := client.WaitFor("text", 5*time.Second)
	assert.Equal(t, "Saved.", text.Data["content"])
	client.WaitFor("done", 5*time.Second)
	client.WaitFor(wsproto.EventStreamEnd, 5*time.Second)

	// The decision is on the audit trail.
	status, body := ts.doJSON(t, http.MethodGet, "/api/v1/audit", "user-alice", nil)
	require.Equal(t, http.StatusOK, status)
	entries := body["entries"].([]any)
	require.NotEmpty(t, entries)
	newest := entries[0].(map[string]any)
	assert.Equal(t, audit.ActionHITLDecision, newest["action"])
	detail := newest["detail"].(map[string]any)
	assert.Equal(t, "approve", detail["decision"])
	assert.Equal(t, "write_file", detail["tool"])
}

func TestRejectedToolReturnsError(t *testing.T) {
	ts := NewTestServer(t, writeFileScript)
	defer ts.Close()
	ts.AddMCPServer(t, "user-alice", "files")

	sess := ts.CreateSession(t, "user-alice", "helper")
	client := DialChat(t, ts.Server.URL, sess.ID, "user-alice")
	defer client.Close()

	client.SendChat("save my notes")
	client.WaitFor("hitl_request", 5*time.Second)
	client.Reject("not in this repo")

	result := client.WaitFor("tool_result", 5*time.Second)
	assert.Equal(t, "error", result.Data["status"])
	assert.Equal(t, "rejected: not in this repo", result.Data["result"])

	// The executor decides how to proceed; this script finishes the turn.
	client.WaitFor("done", 5*time.Second)
	client.WaitFor(wsproto.EventStreamEnd, 5*time.Second)
}

func TestAutoApprovedToolSkipsApproval(t *testing.T) {
	ts := NewTestServer(t, writeFileScript)
	defer ts.Close()
	ts.AddMCPServer(t, "user-alice", "files", "*")

	sess := ts.CreateSession(t, "user-alice", "helper")
	client := DialChat(t, ts.Server.URL, sess.ID, "user-alice")
	defer client.Close()

	client.SendChat("save my notes")

	frames := client.CollectUntil(wsproto.EventStreamEnd, 5*time.Second)
	require.Equal(t,
		[]string{"tool_call", "tool_result", "text", "done", "stream_end"},
		frameTypes(frames))
	assert.Equal(t, "success", frames[1].Data["status"])
}

func TestCancelMidTurn(t *testing.T) {
	ts := NewTestServer(t, func(string, agent.Config) []agent.Step {
		return []agent.Step{
			{Text: "Working on it."},
			{Sleep: 30 * time.Second},
			{Text: "Never sent.", Final: true},
		}
	})
	defer ts.Close()

	sess := ts.CreateSession(t, "user-alice", "helper")
	client := DialChat(t, ts.Server.URL, sess.ID, "user-alice")
	defer client.Close()

	client.SendChat("long job")
	client.WaitFor("text", 5*time.Second)
	client.Cancel()

	done := client.WaitFor("done", 5*time.Second)
	assert.Equal(t, true, done.Data["cancelled"])
	client.WaitFor(wsproto.EventStreamEnd, 5*time.Second)

	// Partial output from the cancelled turn still lands in history.
	status, body := ts.doJSON(t, http.MethodGet, "/api/v1/sessions/"+sess.ID+"/messages", "user-alice", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, float64(2), body["total"])
	reply := body["messages"].([]any)[1].(map[string]any)
	assert.Equal(t, "assistant", reply["role"])
	assert.Equal(t, "Working on it.", reply["content"])
}

package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/parley/parley/internal/mcp"
	"github.com/parley/parley/pkg/events"
)

type fakeGateway struct {
	calls  []*events.ToolCall
	result *events.ToolResult
}

func (g *fakeGateway) CallTool(ctx context.Context, call *events.ToolCall) *events.ToolResult {
	g.calls = append(g.calls, call)
	if g.result != nil {
		return g.result
	}
	return events.NewToolResult(call.CallID, "ok", "success")
}

func collectEnv(gateway ToolGateway) (Environment, *[]events.Event) {
	collected := &[]events.Event{}
	return Environment{
		Emit:  func(e events.Event) { *collected = append(*collected, e) },
		Tools: gateway,
	}, collected
}

func scriptedExecutor(t *testing.T, script Script) Executor {
	t.Helper()
	factory := &ScriptedFactory{Script: script}
	exec, err := factory.NewExecutor(Config{SessionID: "s1", UserID: "alice"})
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	return exec
}

func TestScriptedExecutor_EmitsInOrder(t *testing.T) {
	script := func(message string, cfg Config) []Step {
		return []Step{
			{Text: "thinking about "},
			{Todos: []events.TodoItem{{ID: "1", Content: "plan", Status: "in_progress"}}},
			{Text: message, Final: true},
		}
	}
	exec := scriptedExecutor(t, script)
	env, collected := collectEnv(&fakeGateway{})

	if err := exec.Execute(context.Background(), "the answer", env); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	got := *collected
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	if got[0].EventType() != events.TypeText || got[1].EventType() != events.TypeTodoUpdate {
		t.Errorf("unexpected event order: %v, %v", got[0].EventType(), got[1].EventType())
	}
	final, ok := got[2].(*events.Text)
	if !ok || !final.IsFinal || final.Content != "the answer" {
		t.Errorf("unexpected final text: %+v", got[2])
	}
}

func TestScriptedExecutor_ToolFlow(t *testing.T) {
	gateway := &fakeGateway{}
	script := func(message string, cfg Config) []Step {
		return []Step{
			{Tool: &ToolStep{Name: "read_file", Args: map[string]any{"path": "go.mod"}}},
			{Text: "done", Final: true},
		}
	}
	exec := scriptedExecutor(t, script)
	env, collected := collectEnv(gateway)

	if err := exec.Execute(context.Background(), "read it", env); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	got := *collected
	if len(got) != 3 {
		t.Fatalf("expected call, result, text; got %d events", len(got))
	}
	call, ok := got[0].(*events.ToolCall)
	if !ok || call.ToolName != "read_file" {
		t.Fatalf("expected tool_call first, got %+v", got[0])
	}
	result, ok := got[1].(*events.ToolResult)
	if !ok || result.CallID != call.CallID || result.Status != "success" {
		t.Fatalf("expected matching tool_result, got %+v", got[1])
	}
	if len(gateway.calls) != 1 || gateway.calls[0] != call {
		t.Error("gateway should receive the emitted call")
	}
}

func TestScriptedExecutor_Cancellation(t *testing.T) {
	script := func(message string, cfg Config) []Step {
		return []Step{
			{Text: "starting"},
			{Sleep: time.Minute},
			{Text: "never emitted", Final: true},
		}
	}
	exec := scriptedExecutor(t, script)
	env, collected := collectEnv(&fakeGateway{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := exec.Execute(ctx, "hi", env)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("cancellation should interrupt the sleep")
	}
	if len(*collected) != 1 {
		t.Errorf("steps after the cancellation point must not run, got %d events", len(*collected))
	}
}

func TestScriptedExecutor_Fail(t *testing.T) {
	exec := scriptedExecutor(t, func(message string, cfg Config) []Step {
		return []Step{{Fail: "engine exploded"}}
	})
	env, _ := collectEnv(&fakeGateway{})

	err := exec.Execute(context.Background(), "hi", env)
	if err == nil || err.Error() != "engine exploded" {
		t.Fatalf("expected scripted failure, got %v", err)
	}
}

func TestEchoScript(t *testing.T) {
	cfg := Config{Tools: []mcp.Tool{
		{ServerName: "files", Name: "read_file"},
		{ServerName: "files", Name: "write_file"},
	}}
	steps := EchoScript("hello", cfg)
	if len(steps) != 1 || !steps[0].Final {
		t.Fatalf("echo should be a single final step: %+v", steps)
	}
	if !strings.Contains(steps[0].Text, "You said: hello") {
		t.Errorf("echo text missing message: %q", steps[0].Text)
	}
	if !strings.Contains(steps[0].Text, "read_file") || !strings.Contains(steps[0].Text, "write_file") {
		t.Errorf("echo text missing tool names: %q", steps[0].Text)
	}
}

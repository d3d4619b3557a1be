// Package agent defines the executor contract a turn runs against: the
// dispatcher assembles a Config and an Environment, the executor drives the
// conversation and emits events through them. The engine behind Execute is
// opaque to the rest of the service.
package agent

import (
	"context"

	"github.com/parley/parley/internal/mcp"
	"github.com/parley/parley/pkg/events"
)

// Config is the per-session executor environment the dispatcher assembles:
// identity, the composed system prompt (profile + rules + memory), and the
// user's aggregated tool surface.
type Config struct {
	SessionID     string
	UserID        string
	AssistantID   string
	WorkspacePath string
	SystemPrompt  string
	Tools         []mcp.Tool
	UserContext   map[string]any
}

// ToolGateway executes tool calls on behalf of a turn. Implementations
// enforce the approval policy: calls to tools outside the auto-approve list
// suspend until a human decides, and a rejection comes back as an error
// result rather than a Go error.
type ToolGateway interface {
	CallTool(ctx context.Context, call *events.ToolCall) *events.ToolResult
}

// Environment is the per-turn surface an executor emits through.
type Environment struct {
	// Emit delivers one event. Events are streamed in emission order and
	// recorded for persistence; Emit never blocks on a slow client.
	Emit func(event events.Event)

	// Tools executes tool calls with approval enforcement.
	Tools ToolGateway
}

// Executor runs turns for one session. Execute returns nil on normal
// completion, the context error when cancelled, and any other error to fail
// the turn; terminal done/error events are the dispatcher's responsibility.
type Executor interface {
	Execute(ctx context.Context, message string, env Environment) error
}

// Factory builds an executor bound to a session's thread identity.
type Factory interface {
	NewExecutor(cfg Config) (Executor, error)
}

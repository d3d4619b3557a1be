package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/parley/parley/pkg/events"
)

// Step is one scripted action. Exactly one field should be set; zero-value
// steps are skipped.
type Step struct {
	// Text emits a text chunk; Final marks the chunk as the last one.
	Text  string
	Final bool

	// Tool executes a tool call through the gateway, emitting the
	// tool_call and tool_result events around it.
	Tool *ToolStep

	// Todos emits a todo_update event.
	Todos []events.TodoItem

	// FileOp emits a file_operation event.
	FileOp *events.FileOperation

	// Warn emits a recoverable error event and continues.
	Warn string

	// Fail aborts the turn with this message.
	Fail string

	// Sleep pauses the script; a cancellation point.
	Sleep time.Duration
}

// ToolStep names a tool call to run through the gateway.
type ToolStep struct {
	Name string
	Args map[string]any
}

// Script produces the steps for one turn.
type Script func(message string, cfg Config) []Step

var callCounter atomic.Int64

func nextCallID() string {
	return fmt.Sprintf("call_%04d", callCounter.Add(1))
}

// ScriptedExecutor walks a deterministic step list. It backs dev mode and
// the end-to-end tests; production deployments plug a real engine into the
// same Executor seam.
type ScriptedExecutor struct {
	config Config
	script Script
}

// ScriptedFactory builds scripted executors.
type ScriptedFactory struct {
	Script Script
}

// NewExecutor implements Factory.
func (f *ScriptedFactory) NewExecutor(cfg Config) (Executor, error) {
	script := f.Script
	if script == nil {
		script = EchoScript
	}
	return &ScriptedExecutor{config: cfg, script: script}, nil
}

// Execute walks the script, honouring cancellation between steps.
func (e *ScriptedExecutor) Execute(ctx context.Context, message string, env Environment) error {
	for _, step := range e.script(message, e.config) {
		if err := ctx.Err(); err != nil {
			return err
		}

		switch {
		case step.Sleep > 0:
			select {
			case <-time.After(step.Sleep):
			case <-ctx.Done():
				return ctx.Err()
			}

		case step.Text != "":
			env.Emit(events.NewText(step.Text, step.Final))

		case step.Tool != nil:
			call := events.NewToolCall(step.Tool.Name, step.Tool.Args, nextCallID())
			env.Emit(call)
			result := env.Tools.CallTool(ctx, call)
			env.Emit(result)

		case step.Todos != nil:
			env.Emit(events.NewTodoUpdate(step.Todos))

		case step.FileOp != nil:
			env.Emit(step.FileOp)

		case step.Warn != "":
			env.Emit(events.NewError(step.Warn, true))

		case step.Fail != "":
			return errors.New(step.Fail)
		}
	}
	return nil
}

// EchoScript is the dev-mode default: acknowledge the message and name the
// tools available to the user.
func EchoScript(message string, cfg Config) []Step {
	reply := "You said: " + message
	if len(cfg.Tools) > 0 {
		names := make([]string, len(cfg.Tools))
		for i, tool := range cfg.Tools {
			names[i] = tool.Name
		}
		reply += "\n\nTools available: " + strings.Join(names, ", ")
	}
	return []Step{{Text: reply, Final: true}}
}

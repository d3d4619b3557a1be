// Package events defines the structured event stream produced by agent
// executors and carried to clients over the streaming and one-shot surfaces.
package events

import (
	"sync/atomic"
	"time"
)

// Type discriminates event variants on the wire.
type Type string

const (
	TypeText          Type = "text"
	TypeToolCall      Type = "tool_call"
	TypeToolResult    Type = "tool_result"
	TypeHITLRequest   Type = "hitl_request"
	TypeTodoUpdate    Type = "todo_update"
	TypeFileOperation Type = "file_operation"
	TypeError         Type = "error"
	TypeDone          Type = "done"
)

// Tool result statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Event is implemented by every stream event variant. The discriminator
// returned by EventType is authoritative for wire routing.
type Event interface {
	EventType() Type
}

// Text is a chunk of assistant output. IsFinal marks the last chunk of a
// logical assistant message.
type Text struct {
	Content   string `json:"content"`
	IsFinal   bool   `json:"is_final"`
	Timestamp int64  `json:"timestamp"`
}

// ToolCall announces a tool invocation the executor is about to perform.
type ToolCall struct {
	ToolName  string         `json:"tool_name"`
	Args      map[string]any `json:"args"`
	CallID    string         `json:"call_id"`
	Timestamp int64          `json:"timestamp"`
}

// ToolResult carries the outcome of a previously announced tool call.
type ToolResult struct {
	CallID    string `json:"call_id"`
	Result    any    `json:"result"`
	Status    string `json:"status"` // success, error
	Timestamp int64  `json:"timestamp"`
}

// ActionRequest describes one action awaiting human approval.
type ActionRequest struct {
	ActionName  string         `json:"action_name"`
	Args        map[string]any `json:"args"`
	Description string         `json:"description,omitempty"`
}

// HITLRequest asks the client to approve or reject pending actions.
type HITLRequest struct {
	InterruptID    string          `json:"interrupt_id"`
	ActionRequests []ActionRequest `json:"action_requests"`
	Timestamp      int64           `json:"timestamp"`
}

// TodoItem is one entry of the agent's working plan.
type TodoItem struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Status  string `json:"status"`
}

// TodoUpdate replaces the agent's working plan.
type TodoUpdate struct {
	Todos     []TodoItem `json:"todos"`
	Timestamp int64      `json:"timestamp"`
}

// FileOperation reports a workspace file change performed by a tool.
type FileOperation struct {
	Operation string         `json:"operation"`
	Path      string         `json:"path"`
	Metrics   map[string]any `json:"metrics"`
	Diff      string         `json:"diff,omitempty"`
	Status    string         `json:"status"`
	Timestamp int64          `json:"timestamp"`
}

// Error reports a fault during the turn. Recoverable errors let the turn
// continue; unrecoverable ones are followed by a Done event.
type Error struct {
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
	Timestamp   int64  `json:"timestamp"`
}

// Done terminates a turn. Cancelled distinguishes cooperative cancellation
// from normal completion.
type Done struct {
	TokenUsage map[string]any `json:"token_usage,omitempty"`
	Cancelled  bool           `json:"cancelled"`
	Timestamp  int64          `json:"timestamp"`
}

func (e *Text) EventType() Type          { return TypeText }
func (e *ToolCall) EventType() Type      { return TypeToolCall }
func (e *ToolResult) EventType() Type    { return TypeToolResult }
func (e *HITLRequest) EventType() Type   { return TypeHITLRequest }
func (e *TodoUpdate) EventType() Type    { return TypeTodoUpdate }
func (e *FileOperation) EventType() Type { return TypeFileOperation }
func (e *Error) EventType() Type         { return TypeError }
func (e *Done) EventType() Type          { return TypeDone }

// NewText creates a text event stamped with the next monotonic timestamp.
func NewText(content string, isFinal bool) *Text {
	return &Text{Content: content, IsFinal: isFinal, Timestamp: NowMillis()}
}

// NewToolCall creates a tool_call event.
func NewToolCall(toolName string, args map[string]any, callID string) *ToolCall {
	return &ToolCall{ToolName: toolName, Args: args, CallID: callID, Timestamp: NowMillis()}
}

// NewToolResult creates a tool_result event.
func NewToolResult(callID string, result any, status string) *ToolResult {
	return &ToolResult{CallID: callID, Result: result, Status: status, Timestamp: NowMillis()}
}

// NewHITLRequest creates a hitl_request event.
func NewHITLRequest(interruptID string, requests []ActionRequest) *HITLRequest {
	return &HITLRequest{InterruptID: interruptID, ActionRequests: requests, Timestamp: NowMillis()}
}

// NewTodoUpdate creates a todo_update event.
func NewTodoUpdate(todos []TodoItem) *TodoUpdate {
	return &TodoUpdate{Todos: todos, Timestamp: NowMillis()}
}

// NewFileOperation creates a file_operation event.
func NewFileOperation(operation, path string, metrics map[string]any, diff, status string) *FileOperation {
	return &FileOperation{
		Operation: operation,
		Path:      path,
		Metrics:   metrics,
		Diff:      diff,
		Status:    status,
		Timestamp: NowMillis(),
	}
}

// NewError creates an error event.
func NewError(message string, recoverable bool) *Error {
	return &Error{Message: message, Recoverable: recoverable, Timestamp: NowMillis()}
}

// NewDone creates a done event.
func NewDone(tokenUsage map[string]any, cancelled bool) *Done {
	return &Done{TokenUsage: tokenUsage, Cancelled: cancelled, Timestamp: NowMillis()}
}

var lastTimestamp atomic.Int64

// NowMillis returns the current epoch milliseconds, ratcheted so that
// successive calls never share or reverse a value even within one
// millisecond tick.
func NowMillis() int64 {
	now := time.Now().UnixMilli()
	for {
		last := lastTimestamp.Load()
		if now <= last {
			now = last + 1
		}
		if lastTimestamp.CompareAndSwap(last, now) {
			return now
		}
	}
}

package websocket

import "context"

// TurnRequest carries one inbound chat turn from the channel to the runner.
type TurnRequest struct {
	SessionID   string
	UserID      string
	AssistantID string
	Message     string
	UserContext map[string]any
}

// TurnRunner executes a turn end to end: it registers the task with the
// connection manager, streams events back through it, and persists the
// transcript. The orchestrator dispatcher implements it.
type TurnRunner interface {
	RunTurn(ctx context.Context, req TurnRequest)
}

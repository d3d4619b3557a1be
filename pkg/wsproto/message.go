// Package wsproto defines the frame types exchanged on the streaming chat
// channel: client command frames and server event frames.
package wsproto

import (
	"encoding/json"
	"fmt"

	"github.com/parley/parley/pkg/events"
)

// FrameType discriminates client → server frames.
type FrameType string

const (
	FrameChat         FrameType = "chat"
	FrameHITLDecision FrameType = "hitl_decision"
	FrameCancel       FrameType = "cancel"
	FramePing         FrameType = "ping"
)

// Frame is the envelope for client → server messages.
type Frame struct {
	Type    FrameType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ChatPayload starts a turn on the session's channel.
type ChatPayload struct {
	Message     string         `json:"message"`
	AssistantID string         `json:"assistant_id,omitempty"`
	UserContext map[string]any `json:"user_context,omitempty"`
}

// DecisionType discriminates HITL decisions.
type DecisionType string

const (
	DecisionApprove DecisionType = "approve"
	DecisionReject  DecisionType = "reject"
)

// Decision is the client's answer to a hitl_request event.
type Decision struct {
	Type    DecisionType `json:"type"`
	Message string       `json:"message,omitempty"`
}

// HITLDecisionPayload carries a decision frame's payload.
type HITLDecisionPayload struct {
	Decision Decision `json:"decision"`
}

// EventStreamEnd terminates the server's frame stream for a turn. It is a
// frame-level marker, not an event variant.
const EventStreamEnd = "stream_end"

// EventNotification carries out-of-band server notices (session lifecycle,
// rule conflicts) on the channel.
const EventNotification = "notification"

// EventPong answers a client ping frame.
const EventPong = "pong"

// ServerFrame is the envelope for server → client messages. Data holds the
// encoded event for event frames and is empty for stream_end.
type ServerFrame struct {
	EventType string         `json:"event_type"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// NewEventFrame wraps an encoded event into a server frame, mirroring the
// event's own timestamp.
func NewEventFrame(e events.Event) (*ServerFrame, error) {
	data, err := events.Encode(e)
	if err != nil {
		return nil, err
	}
	frame := &ServerFrame{
		EventType: string(e.EventType()),
		Data:      data,
		Timestamp: events.NowMillis(),
	}
	if ts, ok := data["timestamp"].(float64); ok {
		frame.Timestamp = int64(ts)
	}
	return frame, nil
}

// NewStreamEndFrame creates the terminal frame for a turn.
func NewStreamEndFrame() *ServerFrame {
	return &ServerFrame{
		EventType: EventStreamEnd,
		Timestamp: events.NowMillis(),
	}
}

// NewPongFrame answers a client ping.
func NewPongFrame() *ServerFrame {
	return &ServerFrame{
		EventType: EventPong,
		Timestamp: events.NowMillis(),
	}
}

// NewNotificationFrame creates an out-of-band notice frame. The data map is
// copied, so callers may keep sharing theirs.
func NewNotificationFrame(notice string, data map[string]any) *ServerFrame {
	payload := make(map[string]any, len(data)+1)
	for k, v := range data {
		payload[k] = v
	}
	payload["notice"] = notice
	return &ServerFrame{
		EventType: EventNotification,
		Data:      payload,
		Timestamp: events.NowMillis(),
	}
}

// ParseFrame decodes a raw client frame.
func ParseFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse frame: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("parse frame: missing type")
	}
	return &f, nil
}

// ParsePayload parses the frame payload into the given struct.
func (f *Frame) ParsePayload(v any) error {
	if f.Payload == nil {
		return nil
	}
	return json.Unmarshal(f.Payload, v)
}

// NewFrame builds a client frame with a marshaled payload. Used by tests and
// programmatic clients.
func NewFrame(frameType FrameType, payload any) (*Frame, error) {
	if payload == nil {
		return &Frame{Type: frameType}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Frame{Type: frameType, Payload: data}, nil
}

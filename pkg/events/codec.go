package events

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownEventType is returned by Decode when the event_type
// discriminator is missing or not a known variant.
var ErrUnknownEventType = errors.New("unknown event type")

// Encode serializes an event to its wire map: the variant's fields plus the
// event_type discriminator. The encoded form is the sole format used for
// transport and message persistence.
func Encode(e Event) (map[string]any, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", e.EventType(), err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("encode %s event: %w", e.EventType(), err)
	}
	m["event_type"] = string(e.EventType())
	return m, nil
}

// Decode reconstructs an event from its wire map, dispatching on the
// event_type discriminator. A missing or unrecognized discriminator yields
// ErrUnknownEventType.
func Decode(m map[string]any) (Event, error) {
	tag, ok := m["event_type"].(string)
	if !ok || tag == "" {
		return nil, fmt.Errorf("decode event: missing discriminator: %w", ErrUnknownEventType)
	}

	var e Event
	switch Type(tag) {
	case TypeText:
		e = &Text{}
	case TypeToolCall:
		e = &ToolCall{}
	case TypeToolResult:
		e = &ToolResult{}
	case TypeHITLRequest:
		e = &HITLRequest{}
	case TypeTodoUpdate:
		e = &TodoUpdate{}
	case TypeFileOperation:
		e = &FileOperation{}
	case TypeError:
		e = &Error{}
	case TypeDone:
		e = &Done{}
	default:
		return nil, fmt.Errorf("decode event: %q: %w", tag, ErrUnknownEventType)
	}

	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("decode %s event: %w", tag, err)
	}
	if err := json.Unmarshal(raw, e); err != nil {
		return nil, fmt.Errorf("decode %s event: %w", tag, err)
	}
	return e, nil
}

// EncodeJSON serializes an event to its wire JSON bytes.
func EncodeJSON(e Event) ([]byte, error) {
	m, err := Encode(e)
	if err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// DecodeJSON reconstructs an event from wire JSON bytes.
func DecodeJSON(data []byte) (Event, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return Decode(m)
}

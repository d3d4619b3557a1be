// Package message provides append-only message history storage for chat
// sessions.
package message

import (
	"context"
	"time"
)

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is one entry in a session's history. History is append-only:
// messages are never updated, and they are removed only when the owning
// session goes away.
type Message struct {
	ID        string         `json:"message_id" db:"message_id"`
	SessionID string         `json:"session_id" db:"session_id"`
	UserID    string         `json:"user_id,omitempty" db:"user_id"`
	Role      Role           `json:"role" db:"role"`
	Content   string         `json:"content" db:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
}

// Store defines message history operations. Within a session, messages are
// ordered by created_at ascending with ties broken by insertion order, so a
// replay returns messages exactly as they were saved.
type Store interface {
	// SaveMessage appends a message with a fresh ID and created_at set to now,
	// returning the stored message.
	SaveMessage(ctx context.Context, msg *Message) (*Message, error)

	// GetMessages returns a page of the session's history in saved order.
	// limit <= 0 means no limit; a page holds min(limit, max(0, total-offset))
	// messages.
	GetMessages(ctx context.Context, sessionID string, limit, offset int) ([]*Message, error)

	// CountMessages returns the session's message count.
	CountMessages(ctx context.Context, sessionID string) (int, error)

	// DeleteMessages removes the session's history and returns how many
	// messages were deleted.
	DeleteMessages(ctx context.Context, sessionID string) (int, error)

	// Close releases any backing resources.
	Close() error
}

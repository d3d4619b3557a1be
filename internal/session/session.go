// Package session provides conversation session storage and lifecycle
// management. Sessions are created on demand when a chat turn arrives,
// touched on activity, and expired by a background cleanup loop when idle
// past the configured timeout.
package session

import (
	"context"
	"time"
)

// Session represents one conversation between a user and an assistant.
type Session struct {
	ID          string         `json:"session_id" db:"session_id"`
	UserID      string         `json:"user_id" db:"user_id"`
	AssistantID string         `json:"assistant_id" db:"assistant_id"`
	State       map[string]any `json:"state"`
	Metadata    map[string]any `json:"metadata"`
	CreatedAt   time.Time      `json:"created_at" db:"created_at"`
	LastActive  time.Time      `json:"last_active" db:"last_active"`
}

// Expired reports whether the session has been idle longer than timeout.
func (s *Session) Expired(timeout time.Duration, now time.Time) bool {
	return now.Sub(s.LastActive) > timeout
}

// Store defines session storage operations. Implementations must be safe for
// concurrent use; the in-memory backend serializes through a single mutex and
// the relational backend relies on transactional isolation.
type Store interface {
	// Create inserts a new session for the given user and assistant with
	// created_at and last_active set to now.
	Create(ctx context.Context, userID, assistantID string) (*Session, error)

	// Get retrieves a session by ID.
	Get(ctx context.Context, id string) (*Session, error)

	// Update replaces the session's state and metadata. It does not touch
	// last_active; use Touch for that.
	Update(ctx context.Context, session *Session) error

	// Touch sets last_active to now.
	Touch(ctx context.Context, id string) error

	// Delete removes a session by ID.
	Delete(ctx context.Context, id string) error

	// ListByUser returns the user's sessions sorted by last_active descending.
	ListByUser(ctx context.Context, userID string) ([]*Session, error)

	// ListByAssistant returns the assistant's sessions sorted by last_active
	// descending.
	ListByAssistant(ctx context.Context, assistantID string) ([]*Session, error)

	// CleanupExpired deletes sessions idle longer than timeout and returns the
	// IDs of the deleted sessions so callers can cascade.
	CleanupExpired(ctx context.Context, timeout time.Duration) ([]string, error)

	// Close releases any backing resources.
	Close() error
}

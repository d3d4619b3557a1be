// Package bus provides the internal notification bus used for session
// lifecycle notices, rule-conflict warnings, and the audit feed.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Subjects published by the service. Subscribers may use NATS-style
// wildcards ("session.*", "session.>").
const (
	SubjectSessionCreated = "session.created"
	SubjectSessionDeleted = "session.deleted"
	SubjectSessionExpired = "session.expired"
	SubjectRuleConflict   = "rules.conflict"
	SubjectAuditRecorded  = "audit.recorded"
)

// Notice is a message on the bus.
type Notice struct {
	ID        string         `json:"id"`
	Subject   string         `json:"subject"`
	Source    string         `json:"source"` // component that produced the notice
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewNotice creates a notice with a fresh ID and current timestamp.
func NewNotice(subject, source string, data map[string]any) *Notice {
	return &Notice{
		ID:        uuid.NewString(),
		Subject:   subject,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Handler consumes one notice. Errors are logged by the bus, never retried.
type Handler func(ctx context.Context, notice *Notice) error

// Subscription is an active subject subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// Bus is the notification fan-out used across the service. The in-memory
// implementation serves a single process; the NATS implementation is chosen
// when an external broker URL is configured.
type Bus interface {
	// Publish sends a notice to a subject.
	Publish(ctx context.Context, subject string, notice *Notice) error

	// Subscribe registers a handler for a subject pattern.
	Subscribe(subject string, handler Handler) (Subscription, error)

	// Close shuts the bus down; subsequent publishes fail.
	Close()

	// IsConnected reports broker connectivity (always true in-memory).
	IsConnected() bool
}

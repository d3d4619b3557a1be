// Package audit records security-relevant actions: turn starts, approval
// decisions, session deletions, and memory wipes. Writes are best-effort; a
// failed audit write is logged and never fails the operation it describes.
package audit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/parley/parley/internal/bus"
	"github.com/parley/parley/internal/common/logger"
)

// Actions recorded by the service.
const (
	ActionTurnStarted    = "turn.started"
	ActionHITLDecision   = "hitl.decision"
	ActionSessionDeleted = "session.deleted"
	ActionMemoryCleared  = "memory.cleared"
	ActionLogin          = "auth.login"
)

// Entry is one audit row.
type Entry struct {
	ID        int64          `json:"audit_id" db:"audit_id"`
	UserID    string         `json:"user_id" db:"user_id"`
	SessionID string         `json:"session_id,omitempty" db:"session_id"`
	Action    string         `json:"action" db:"action"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
}

// Store persists audit entries.
type Store interface {
	// Append writes one entry; ID and CreatedAt are assigned by the store.
	Append(ctx context.Context, entry *Entry) error

	// List returns the user's newest entries, most recent first.
	List(ctx context.Context, userID string, limit int) ([]*Entry, error)

	// Close releases any backing resources.
	Close() error
}

// Recorder is the audit front door. A nil store turns Record into a log-only
// operation, so callers never branch on configuration.
type Recorder struct {
	store    Store
	notifier bus.Bus
	logger   *logger.Logger
}

// NewRecorder creates a recorder. Both store and notifier may be nil.
func NewRecorder(store Store, notifier bus.Bus, log *logger.Logger) *Recorder {
	if log == nil {
		log = logger.Default()
	}
	return &Recorder{
		store:    store,
		notifier: notifier,
		logger:   log.WithFields(zap.String("component", "audit")),
	}
}

// Record writes an audit entry and publishes an audit.recorded notice.
// Failures are logged; the caller's operation proceeds regardless.
func (r *Recorder) Record(ctx context.Context, userID, sessionID, action string, detail map[string]any) {
	entry := &Entry{
		UserID:    userID,
		SessionID: sessionID,
		Action:    action,
		Detail:    detail,
	}

	if r.store != nil {
		if err := r.store.Append(ctx, entry); err != nil {
			r.logger.Warn("audit write failed",
				zap.String("action", action),
				zap.String("user_id", userID),
				zap.Error(err))
		}
	}

	r.logger.Debug("audit",
		zap.String("action", action),
		zap.String("user_id", userID),
		zap.String("session_id", sessionID))

	if r.notifier == nil {
		return
	}
	data := map[string]any{
		"action":     action,
		"user_id":    userID,
		"session_id": sessionID,
	}
	notice := bus.NewNotice(bus.SubjectAuditRecorded, "audit", data)
	if err := r.notifier.Publish(ctx, bus.SubjectAuditRecorded, notice); err != nil {
		r.logger.Warn("audit notice publish failed", zap.Error(err))
	}
}

// List exposes the store's history; an unconfigured recorder returns nothing.
func (r *Recorder) List(ctx context.Context, userID string, limit int) ([]*Entry, error) {
	if r.store == nil {
		return nil, nil
	}
	return r.store.List(ctx, userID, limit)
}

package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/parley/parley/internal/bus"
	"github.com/parley/parley/internal/common/apperr"
	"github.com/parley/parley/internal/common/logger"
)

// MessagePurger removes a session's message history. Deleting a session
// cascades to its messages through this hook so both storage backends behave
// the same way.
type MessagePurger interface {
	DeleteMessages(ctx context.Context, sessionID string) (int, error)
}

// ManagerConfig holds session lifecycle settings.
type ManagerConfig struct {
	SessionTimeout  time.Duration // idle time before a session expires
	CleanupInterval time.Duration // how often the expiry loop runs
	AutoCleanup     bool          // run the background expiry loop
}

// DefaultManagerConfig returns the lifecycle defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		SessionTimeout:  time.Hour,
		CleanupInterval: 5 * time.Minute,
		AutoCleanup:     true,
	}
}

// Manager owns the session store and enforces expiry. It is the only
// component that touches last_active.
type Manager struct {
	store    Store
	messages MessagePurger
	notifier bus.Bus
	logger   *logger.Logger
	config   ManagerConfig

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewManager creates a session manager. messages and notifier may be nil when
// cascading deletes or lifecycle notices are not wanted (tests).
func NewManager(store Store, messages MessagePurger, notifier bus.Bus, log *logger.Logger, config ManagerConfig) *Manager {
	return &Manager{
		store:    store,
		messages: messages,
		notifier: notifier,
		logger:   log.WithFields(zap.String("component", "session-manager")),
		config:   config,
	}
}

// Start launches the background expiry loop. Calling Start on a running
// manager is a no-op.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})

	if !m.config.AutoCleanup {
		return
	}
	m.wg.Add(1)
	go m.cleanupLoop(ctx)
	m.logger.Info("session cleanup loop started",
		zap.Duration("interval", m.config.CleanupInterval),
		zap.Duration("timeout", m.config.SessionTimeout))
}

// Stop cancels the expiry loop and waits for it to exit. Calling Stop on a
// stopped manager is a no-op.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info("session manager stopped")
}

func (m *Manager) cleanupLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.runCleanup(ctx)
		}
	}
}

func (m *Manager) runCleanup(ctx context.Context) {
	ids, err := m.store.CleanupExpired(ctx, m.config.SessionTimeout)
	if err != nil {
		m.logger.Error("session cleanup failed", zap.Error(err))
		return
	}
	if len(ids) == 0 {
		return
	}
	for _, id := range ids {
		m.purgeMessages(ctx, id)
		m.publish(ctx, bus.SubjectSessionExpired, id)
	}
	m.logger.Info("expired sessions cleaned up", zap.Int("count", len(ids)))
}

// GetOrCreateSession resolves sessionID if given (touching last_active on
// reuse) and creates a fresh session otherwise. An expired sessionID is
// treated as absent: the stale row is deleted and a new session is created.
func (m *Manager) GetOrCreateSession(ctx context.Context, userID, assistantID, sessionID string) (*Session, error) {
	if sessionID != "" {
		sess, err := m.GetSession(ctx, sessionID)
		switch {
		case err == nil:
			if err := m.store.Touch(ctx, sess.ID); err != nil {
				return nil, err
			}
			sess.LastActive = time.Now().UTC()
			return sess, nil
		case !apperr.IsNotFound(err):
			return nil, err
		}
	}
	return m.CreateSession(ctx, userID, assistantID)
}

// CreateSession creates a new session and publishes a lifecycle notice.
func (m *Manager) CreateSession(ctx context.Context, userID, assistantID string) (*Session, error) {
	sess, err := m.store.Create(ctx, userID, assistantID)
	if err != nil {
		return nil, err
	}
	m.logger.Info("session created",
		zap.String("session_id", sess.ID),
		zap.String("user_id", userID),
		zap.String("assistant_id", assistantID))
	m.publish(ctx, bus.SubjectSessionCreated, sess.ID)
	return sess, nil
}

// GetSession retrieves a session, deleting it first if it has expired. An
// expired session is reported as not found.
func (m *Manager) GetSession(ctx context.Context, id string) (*Session, error) {
	sess, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Expired(m.config.SessionTimeout, time.Now().UTC()) {
		if err := m.store.Delete(ctx, id); err != nil && !apperr.IsNotFound(err) {
			m.logger.Warn("failed to delete expired session", zap.String("session_id", id), zap.Error(err))
		}
		m.purgeMessages(ctx, id)
		m.publish(ctx, bus.SubjectSessionExpired, id)
		return nil, apperr.SessionNotFound(id)
	}
	return sess, nil
}

// DeleteSession removes a session and its message history.
func (m *Manager) DeleteSession(ctx context.Context, id string) error {
	if err := m.store.Delete(ctx, id); err != nil {
		return err
	}
	m.purgeMessages(ctx, id)
	m.publish(ctx, bus.SubjectSessionDeleted, id)
	m.logger.Info("session deleted", zap.String("session_id", id))
	return nil
}

// UpdateSession replaces the session's state and metadata without touching
// last_active.
func (m *Manager) UpdateSession(ctx context.Context, sess *Session) error {
	return m.store.Update(ctx, sess)
}

// Touch marks the session as active now.
func (m *Manager) Touch(ctx context.Context, id string) error {
	return m.store.Touch(ctx, id)
}

// ListByUser returns the user's sessions, most recently active first.
func (m *Manager) ListByUser(ctx context.Context, userID string) ([]*Session, error) {
	return m.store.ListByUser(ctx, userID)
}

// ListByAssistant returns the assistant's sessions, most recently active first.
func (m *Manager) ListByAssistant(ctx context.Context, assistantID string) ([]*Session, error) {
	return m.store.ListByAssistant(ctx, assistantID)
}

func (m *Manager) purgeMessages(ctx context.Context, sessionID string) {
	if m.messages == nil {
		return
	}
	if _, err := m.messages.DeleteMessages(ctx, sessionID); err != nil {
		m.logger.Warn("failed to purge session messages",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (m *Manager) publish(ctx context.Context, subject, sessionID string) {
	if m.notifier == nil {
		return
	}
	notice := bus.NewNotice(subject, "session-manager", map[string]any{"session_id": sessionID})
	if err := m.notifier.Publish(ctx, subject, notice); err != nil {
		m.logger.Warn("failed to publish session notice",
			zap.String("subject", subject), zap.Error(err))
	}
}

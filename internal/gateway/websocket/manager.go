// Package websocket is the streaming gateway: it owns the live channel, the
// in-flight task, and the pending approval slot for every connected session.
package websocket

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/parley/parley/internal/common/logger"
	"github.com/parley/parley/internal/hitl"
	"github.com/parley/parley/pkg/events"
	"github.com/parley/parley/pkg/wsproto"
)

// Channel is one session's outbound half. The websocket client implements it;
// tests substitute in-memory channels.
type Channel interface {
	WriteFrame(frame *wsproto.ServerFrame) error
	Close() error
}

// Task tracks one in-flight turn. Cancelling it propagates through the turn's
// context; the runner removes the entry when the turn finishes.
type Task struct {
	cancel context.CancelFunc
}

// ConnectionManager maps sessions to their channel, active task, and pending
// approval slot. One mutex guards all three maps plus the connection count,
// so disconnect and displacement are atomic with respect to each other.
type ConnectionManager struct {
	mu       sync.Mutex
	conns    map[string]Channel
	pending  map[string]*hitl.Slot
	tasks    map[string]*Task
	total    int
	maxTotal int

	logger *logger.Logger
}

// NewConnectionManager creates a manager capped at maxTotal concurrent
// channels. A non-positive cap falls back to 100.
func NewConnectionManager(maxTotal int, log *logger.Logger) *ConnectionManager {
	if maxTotal <= 0 {
		maxTotal = 100
	}
	if log == nil {
		log = logger.Default()
	}
	return &ConnectionManager{
		conns:    make(map[string]Channel),
		pending:  make(map[string]*hitl.Slot),
		tasks:    make(map[string]*Task),
		maxTotal: maxTotal,
		logger:   log.WithFields(zap.String("component", "connection_manager")),
	}
}

// Connect registers the session's channel. It reports false when the manager
// is at capacity. Reconnecting a session replaces its previous channel
// without counting twice.
func (m *ConnectionManager) Connect(sessionID string, ch Channel) bool {
	m.mu.Lock()
	prev, replacing := m.conns[sessionID]
	if !replacing && m.total >= m.maxTotal {
		m.mu.Unlock()
		m.logger.Warn("connection rejected, at capacity",
			zap.String("session_id", sessionID),
			zap.Int("max_total", m.maxTotal))
		return false
	}
	m.conns[sessionID] = ch
	if !replacing {
		m.total++
	}
	total := m.total
	m.mu.Unlock()

	if replacing {
		prev.Close()
	}
	m.logger.Debug("session connected",
		zap.String("session_id", sessionID),
		zap.Int("total", total))
	return true
}

// Disconnect tears down everything the session holds: its channel, its
// pending approval slot, and its active task. State for other sessions is
// untouched.
func (m *ConnectionManager) Disconnect(sessionID string) {
	m.disconnect(sessionID, nil)
}

// DisconnectChannel is Disconnect scoped to one channel: it tears the session
// down only while ch is still the installed channel. A displaced channel's
// teardown must not touch its replacement.
func (m *ConnectionManager) DisconnectChannel(sessionID string, ch Channel) {
	m.disconnect(sessionID, ch)
}

func (m *ConnectionManager) disconnect(sessionID string, only Channel) {
	m.mu.Lock()
	ch, had := m.conns[sessionID]
	if only != nil && (!had || ch != only) {
		m.mu.Unlock()
		only.Close()
		return
	}
	slot := m.pending[sessionID]
	task := m.tasks[sessionID]
	delete(m.conns, sessionID)
	delete(m.pending, sessionID)
	delete(m.tasks, sessionID)
	if had {
		m.total--
	}
	total := m.total
	m.mu.Unlock()

	if ch != nil {
		ch.Close()
	}
	if slot != nil {
		slot.Cancel("client disconnected")
	}
	if task != nil {
		task.cancel()
	}
	if had {
		m.logger.Debug("session disconnected",
			zap.String("session_id", sessionID),
			zap.Int("total", total))
	}
}

// Send writes a frame to the session's channel. A write error disconnects the
// session. Unknown sessions report false.
func (m *ConnectionManager) Send(sessionID string, frame *wsproto.ServerFrame) bool {
	m.mu.Lock()
	ch := m.conns[sessionID]
	m.mu.Unlock()
	if ch == nil {
		return false
	}

	if err := ch.WriteFrame(frame); err != nil {
		m.logger.Warn("channel write failed, disconnecting",
			zap.String("session_id", sessionID),
			zap.Error(err))
		m.DisconnectChannel(sessionID, ch)
		return false
	}
	return true
}

// SendEvent encodes the event into a server frame and sends it.
func (m *ConnectionManager) SendEvent(sessionID string, event events.Event) bool {
	frame, err := wsproto.NewEventFrame(event)
	if err != nil {
		m.logger.Error("event frame encoding failed",
			zap.String("session_id", sessionID),
			zap.String("event_type", string(event.EventType())),
			zap.Error(err))
		return false
	}
	return m.Send(sessionID, frame)
}

// StartTask installs a task for the session, cancelling and replacing any
// task already running there. The returned context is cancelled when the task
// is displaced, cancelled, or the session disconnects.
func (m *ConnectionManager) StartTask(parent context.Context, sessionID string) (context.Context, *Task) {
	ctx, cancel := context.WithCancel(parent)
	task := &Task{cancel: cancel}

	m.mu.Lock()
	prev := m.tasks[sessionID]
	m.tasks[sessionID] = task
	m.mu.Unlock()

	if prev != nil {
		prev.cancel()
		m.logger.Debug("displaced running task", zap.String("session_id", sessionID))
	}
	return ctx, task
}

// CancelTask cancels the session's active task. It reports false when the
// session has none.
func (m *ConnectionManager) CancelTask(sessionID string) bool {
	m.mu.Lock()
	task := m.tasks[sessionID]
	delete(m.tasks, sessionID)
	m.mu.Unlock()

	if task == nil {
		return false
	}
	task.cancel()
	m.logger.Debug("task cancelled", zap.String("session_id", sessionID))
	return true
}

// FinishTask removes the task entry if it is still the current one, and
// releases its context either way.
func (m *ConnectionManager) FinishTask(sessionID string, task *Task) {
	m.mu.Lock()
	if m.tasks[sessionID] == task {
		delete(m.tasks, sessionID)
	}
	m.mu.Unlock()
	task.cancel()
}

// HasTask reports whether the session has an active task.
func (m *ConnectionManager) HasTask(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tasks[sessionID]
	return ok
}

// InstallSlot registers a fresh approval slot for the session, displacing any
// previous one. At most one approval is pending per session.
func (m *ConnectionManager) InstallSlot(sessionID string) *hitl.Slot {
	slot := hitl.NewSlot()

	m.mu.Lock()
	prev := m.pending[sessionID]
	m.pending[sessionID] = slot
	m.mu.Unlock()

	if prev != nil {
		prev.Cancel("superseded by a newer approval request")
	}
	return slot
}

// RemoveSlot clears the session's pending slot if it is still the given one.
func (m *ConnectionManager) RemoveSlot(sessionID string, slot *hitl.Slot) {
	m.mu.Lock()
	if m.pending[sessionID] == slot {
		delete(m.pending, sessionID)
	}
	m.mu.Unlock()
}

// ResolveDecision completes the session's pending approval slot. It reports
// false when no decision is awaited or the slot already closed.
func (m *ConnectionManager) ResolveDecision(sessionID string, decision wsproto.Decision) bool {
	m.mu.Lock()
	slot := m.pending[sessionID]
	m.mu.Unlock()

	if slot == nil {
		return false
	}
	return slot.Resolve(decision)
}

// ConnectionCount returns the number of live channels.
func (m *ConnectionManager) ConnectionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

// CloseAll disconnects every session. Used on shutdown.
func (m *ConnectionManager) CloseAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	for id := range m.tasks {
		if _, ok := m.conns[id]; !ok {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Disconnect(id)
	}
}

var _ hitl.Transport = (*ConnectionManager)(nil)

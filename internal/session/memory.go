package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parley/parley/internal/common/apperr"
)

// MemoryStore provides in-memory session storage. All operations serialize
// through a single mutex, so they are mutually atomic.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

// Create inserts a new session owned by userID.
func (s *MemoryStore) Create(ctx context.Context, userID, assistantID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	sess := &Session{
		ID:          uuid.New().String(),
		UserID:      userID,
		AssistantID: assistantID,
		State:       make(map[string]any),
		Metadata:    make(map[string]any),
		CreatedAt:   now,
		LastActive:  now,
	}
	s.sessions[sess.ID] = sess
	return cloneSession(sess), nil
}

// Get retrieves a session by ID.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, apperr.SessionNotFound(id)
	}
	return cloneSession(sess), nil
}

// Update replaces the stored state and metadata. last_active is left alone so
// background mutations do not extend a session's lifetime.
func (s *MemoryStore) Update(ctx context.Context, session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.sessions[session.ID]
	if !ok {
		return apperr.SessionNotFound(session.ID)
	}
	existing.State = copyMap(session.State)
	existing.Metadata = copyMap(session.Metadata)
	return nil
}

// Touch sets last_active to now.
func (s *MemoryStore) Touch(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return apperr.SessionNotFound(id)
	}
	sess.LastActive = time.Now().UTC()
	return nil
}

// Delete removes a session by ID.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return apperr.SessionNotFound(id)
	}
	delete(s.sessions, id)
	return nil
}

// ListByUser returns the user's sessions, most recently active first.
func (s *MemoryStore) ListByUser(ctx context.Context, userID string) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Session, 0)
	for _, sess := range s.sessions {
		if sess.UserID == userID {
			result = append(result, cloneSession(sess))
		}
	}
	sortByLastActive(result)
	return result, nil
}

// ListByAssistant returns the assistant's sessions, most recently active first.
func (s *MemoryStore) ListByAssistant(ctx context.Context, assistantID string) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Session, 0)
	for _, sess := range s.sessions {
		if sess.AssistantID == assistantID {
			result = append(result, cloneSession(sess))
		}
	}
	sortByLastActive(result)
	return result, nil
}

// CleanupExpired removes sessions idle longer than timeout.
func (s *MemoryStore) CleanupExpired(ctx context.Context, timeout time.Duration) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-timeout)
	var deleted []string
	for id, sess := range s.sessions {
		if sess.LastActive.Before(cutoff) {
			delete(s.sessions, id)
			deleted = append(deleted, id)
		}
	}
	return deleted, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}

func sortByLastActive(sessions []*Session) {
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastActive.After(sessions[j].LastActive)
	})
}

func cloneSession(s *Session) *Session {
	c := *s
	c.State = copyMap(s.State)
	c.Metadata = copyMap(s.Metadata)
	return &c
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

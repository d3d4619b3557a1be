package message

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore provides in-memory message storage. Per-session slices keep
// insertion order, which doubles as the created_at tiebreak.
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[string][]*Message
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory message store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{messages: make(map[string][]*Message)}
}

// SaveMessage appends a message to its session's history.
func (s *MemoryStore) SaveMessage(ctx context.Context, msg *Message) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *msg
	stored.ID = uuid.New().String()
	stored.CreatedAt = time.Now().UTC()
	if msg.Metadata != nil {
		stored.Metadata = make(map[string]any, len(msg.Metadata))
		for k, v := range msg.Metadata {
			stored.Metadata[k] = v
		}
	}
	s.messages[stored.SessionID] = append(s.messages[stored.SessionID], &stored)

	out := stored
	return &out, nil
}

// GetMessages returns a page of the session's history in saved order.
func (s *MemoryStore) GetMessages(ctx context.Context, sessionID string, limit, offset int) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.messages[sessionID]
	if offset < 0 {
		offset = 0
	}
	if offset >= len(history) {
		return []*Message{}, nil
	}
	end := len(history)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}

	page := make([]*Message, 0, end-offset)
	for _, msg := range history[offset:end] {
		copied := *msg
		page = append(page, &copied)
	}
	return page, nil
}

// CountMessages returns the session's message count.
func (s *MemoryStore) CountMessages(ctx context.Context, sessionID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages[sessionID]), nil
}

// DeleteMessages removes the session's history.
func (s *MemoryStore) DeleteMessages(ctx context.Context, sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := len(s.messages[sessionID])
	delete(s.messages, sessionID)
	return count, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}

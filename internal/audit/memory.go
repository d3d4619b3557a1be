package audit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps audit entries in a slice, for tests and the memory
// database driver.
type MemoryStore struct {
	mu      sync.Mutex
	nextID  int64
	entries []*Entry
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append writes one entry, assigning ID and CreatedAt.
func (s *MemoryStore) Append(ctx context.Context, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	entry.ID = s.nextID
	entry.CreatedAt = time.Now().UTC()
	s.entries = append(s.entries, cloneEntry(entry))
	return nil
}

// List returns the user's newest entries, most recent first.
func (s *MemoryStore) List(ctx context.Context, userID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var entries []*Entry
	for i := len(s.entries) - 1; i >= 0 && len(entries) < limit; i-- {
		if s.entries[i].UserID == userID {
			entries = append(entries, cloneEntry(s.entries[i]))
		}
	}
	return entries, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}

func cloneEntry(entry *Entry) *Entry {
	copied := *entry
	if entry.Detail != nil {
		copied.Detail = make(map[string]any, len(entry.Detail))
		for k, v := range entry.Detail {
			copied.Detail[k] = v
		}
	}
	return &copied
}

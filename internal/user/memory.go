package user

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parley/parley/internal/common/apperr"
)

// MemoryStore provides in-memory profile storage.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory profile store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{profiles: make(map[string]*Profile)}
}

// Create inserts a profile.
func (s *MemoryStore) Create(ctx context.Context, profile *Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if profile.UserID == "" {
		profile.UserID = uuid.New().String()
	}
	now := time.Now().UTC()
	profile.CreatedAt = now
	profile.UpdatedAt = now

	stored := cloneProfile(profile)
	s.profiles[profile.UserID] = stored
	return nil
}

// Get retrieves a profile by user ID.
func (s *MemoryStore) Get(ctx context.Context, userID string) (*Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	profile, ok := s.profiles[userID]
	if !ok {
		return nil, apperr.NotFound("user", userID)
	}
	return cloneProfile(profile), nil
}

// GetByUsername retrieves a profile by its unique username.
func (s *MemoryStore) GetByUsername(ctx context.Context, username string) (*Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, profile := range s.profiles {
		if profile.Username == username {
			return cloneProfile(profile), nil
		}
	}
	return nil, apperr.NotFound("user", username)
}

// Update replaces the profile's mutable fields.
func (s *MemoryStore) Update(ctx context.Context, profile *Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.profiles[profile.UserID]
	if !ok {
		return apperr.NotFound("user", profile.UserID)
	}
	updated := cloneProfile(profile)
	updated.CreatedAt = existing.CreatedAt
	updated.UpdatedAt = time.Now().UTC()
	s.profiles[profile.UserID] = updated
	profile.UpdatedAt = updated.UpdatedAt
	return nil
}

// Delete removes a profile by user ID.
func (s *MemoryStore) Delete(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.profiles[userID]; !ok {
		return apperr.NotFound("user", userID)
	}
	delete(s.profiles, userID)
	return nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}

func cloneProfile(p *Profile) *Profile {
	c := *p
	if p.CustomFields != nil {
		c.CustomFields = make(map[string]any, len(p.CustomFields))
		for k, v := range p.CustomFields {
			c.CustomFields[k] = v
		}
	}
	return &c
}

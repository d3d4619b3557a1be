package rules

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parley/parley/internal/common/apperr"
)

// MemoryStore keeps rules in a map, for tests and the memory database driver.
// It serves the same CRUD surface as SQLStore and satisfies Source, with
// global rules stored under an empty user id.
type MemoryStore struct {
	mu    sync.RWMutex
	rules map[string]*Rule // rule_id -> rule
}

var _ Source = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory rule store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rules: make(map[string]*Rule)}
}

// LoadRules returns global rules plus the user's own, implementing Source.
func (s *MemoryStore) LoadRules(ctx context.Context, userID string) ([]*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rules []*Rule
	for _, rule := range s.rules {
		if rule.UserID == "" || rule.UserID == userID {
			rules = append(rules, cloneRule(rule))
		}
	}
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Scope != rules[j].Scope {
			return rules[i].Scope < rules[j].Scope
		}
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].Name < rules[j].Name
	})
	return rules, nil
}

// Create validates and stores a new rule, assigning an ID when absent.
func (s *MemoryStore) Create(ctx context.Context, rule *Rule) error {
	if err := rule.Validate(); err != nil {
		return apperr.BadRequest(err.Error())
	}
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[rule.ID]; exists {
		return fmt.Errorf("failed to create rule: duplicate id %s", rule.ID)
	}
	s.rules[rule.ID] = cloneRule(rule)
	return nil
}

// Get retrieves a rule by ID.
func (s *MemoryStore) Get(ctx context.Context, ruleID string) (*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, ok := s.rules[ruleID]
	if !ok {
		return nil, apperr.NotFound("rule", ruleID)
	}
	return cloneRule(rule), nil
}

// Update replaces a rule's mutable fields. Owner and creation time stay.
func (s *MemoryStore) Update(ctx context.Context, rule *Rule) error {
	if err := rule.Validate(); err != nil {
		return apperr.BadRequest(err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.rules[rule.ID]
	if !ok {
		return apperr.NotFound("rule", rule.ID)
	}
	rule.UserID = existing.UserID
	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = time.Now().UTC()
	s.rules[rule.ID] = cloneRule(rule)
	return nil
}

// Delete removes a rule by ID.
func (s *MemoryStore) Delete(ctx context.Context, ruleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rules[ruleID]; !ok {
		return apperr.NotFound("rule", ruleID)
	}
	delete(s.rules, ruleID)
	return nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}

func cloneRule(rule *Rule) *Rule {
	copied := *rule
	return &copied
}

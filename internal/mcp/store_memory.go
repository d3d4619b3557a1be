package mcp

import (
	"context"
	"sync"

	"github.com/parley/parley/internal/common/apperr"
)

// MemoryConfigStore provides in-memory MCP server configuration storage.
type MemoryConfigStore struct {
	mu      sync.RWMutex
	servers map[string]map[string]*ServerConfig // user_id -> name -> config
}

var _ ConfigStore = (*MemoryConfigStore)(nil)

// NewMemoryConfigStore creates an empty in-memory config store.
func NewMemoryConfigStore() *MemoryConfigStore {
	return &MemoryConfigStore{servers: make(map[string]map[string]*ServerConfig)}
}

// GetUserConfig returns all servers registered for the user.
func (s *MemoryConfigStore) GetUserConfig(ctx context.Context, userID string) (*UserConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	config := &UserConfig{UserID: userID, Servers: []*ServerConfig{}}
	for _, server := range s.servers[userID] {
		config.Servers = append(config.Servers, cloneServer(server))
	}
	return config, nil
}

// SaveUserConfig replaces the user's servers with the given set.
func (s *MemoryConfigStore) SaveUserConfig(ctx context.Context, userID string, config *UserConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	replacement := make(map[string]*ServerConfig, len(config.Servers))
	for _, server := range config.Servers {
		stored := cloneServer(server)
		stored.UserID = userID
		replacement[stored.Name] = stored
	}
	s.servers[userID] = replacement
	return nil
}

// DeleteUserConfig removes every server registered for the user.
func (s *MemoryConfigStore) DeleteUserConfig(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.servers, userID)
	return nil
}

// AddServer inserts or replaces one server, keyed on (user_id, name).
func (s *MemoryConfigStore) AddServer(ctx context.Context, userID string, server *ServerConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := cloneServer(server)
	stored.UserID = userID
	if s.servers[userID] == nil {
		s.servers[userID] = make(map[string]*ServerConfig)
	}
	s.servers[userID][stored.Name] = stored
	return nil
}

// RemoveServer deletes one server by name.
func (s *MemoryConfigStore) RemoveServer(ctx context.Context, userID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.servers[userID][name]; !ok {
		return apperr.NotFound("mcp server", name)
	}
	delete(s.servers[userID], name)
	return nil
}

// GetServer returns one server by name.
func (s *MemoryConfigStore) GetServer(ctx context.Context, userID, name string) (*ServerConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	server, ok := s.servers[userID][name]
	if !ok {
		return nil, apperr.NotFound("mcp server", name)
	}
	return cloneServer(server), nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryConfigStore) Close() error {
	return nil
}

func cloneServer(c *ServerConfig) *ServerConfig {
	out := *c
	out.Args = append([]string(nil), c.Args...)
	out.AutoApprove = append([]string(nil), c.AutoApprove...)
	if c.Env != nil {
		out.Env = make(map[string]string, len(c.Env))
		for k, v := range c.Env {
			out.Env[k] = v
		}
	}
	if c.Headers != nil {
		out.Headers = make(map[string]string, len(c.Headers))
		for k, v := range c.Headers {
			out.Headers[k] = v
		}
	}
	return &out
}

// Package mcp manages per-user MCP tool-server configuration and the bounded
// connection pool that dials those servers and aggregates their tools.
package mcp

import (
	"context"
	"fmt"
)

// Transport identifies how an MCP server is reached.
const (
	TransportStdio          = "stdio"
	TransportSSE            = "sse"
	TransportStreamableHTTP = "streamable-http"
)

// ServerConfig describes one MCP server a user has registered. Servers are
// unique per (user_id, name).
type ServerConfig struct {
	UserID      string            `json:"user_id" yaml:"-"`
	Name        string            `json:"name" yaml:"name"`
	Command     string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args        []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	URL         string            `json:"url,omitempty" yaml:"url,omitempty"`
	Transport   string            `json:"transport" yaml:"transport"`
	Headers     map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Disabled    bool              `json:"disabled" yaml:"disabled"`
	AutoApprove []string          `json:"auto_approve,omitempty" yaml:"auto_approve,omitempty"`
}

// Validate checks that the config names a reachable endpoint for its
// transport.
func (c *ServerConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("mcp server config requires a name")
	}
	switch c.Transport {
	case TransportStdio, "":
		if c.Command == "" {
			return fmt.Errorf("mcp server %q: stdio transport requires a command", c.Name)
		}
	case TransportSSE, TransportStreamableHTTP:
		if c.URL == "" {
			return fmt.Errorf("mcp server %q: %s transport requires a url", c.Name, c.Transport)
		}
	default:
		return fmt.Errorf("mcp server %q: unsupported transport %q", c.Name, c.Transport)
	}
	return nil
}

// AutoApproves reports whether toolName may run without an approval
// round-trip. "*" approves every tool on the server.
func (c *ServerConfig) AutoApproves(toolName string) bool {
	for _, approved := range c.AutoApprove {
		if approved == "*" || approved == toolName {
			return true
		}
	}
	return false
}

// UserConfig is the full set of MCP servers registered for one user.
type UserConfig struct {
	UserID  string          `json:"user_id"`
	Servers []*ServerConfig `json:"servers"`
}

// ConfigStore defines per-user MCP server configuration storage. Every
// operation is scoped to a single user: reads never return another user's
// rows and writes never touch them.
type ConfigStore interface {
	// GetUserConfig returns all servers registered for the user. A user with
	// no servers gets an empty config, not an error.
	GetUserConfig(ctx context.Context, userID string) (*UserConfig, error)

	// SaveUserConfig replaces the user's servers with the given set. Prior
	// servers for that user are removed.
	SaveUserConfig(ctx context.Context, userID string, config *UserConfig) error

	// DeleteUserConfig removes every server registered for the user.
	DeleteUserConfig(ctx context.Context, userID string) error

	// AddServer inserts or replaces one server, keyed on (user_id, name).
	AddServer(ctx context.Context, userID string, server *ServerConfig) error

	// RemoveServer deletes one server by name.
	RemoveServer(ctx context.Context, userID, name string) error

	// GetServer returns one server by name.
	GetServer(ctx context.Context, userID, name string) (*ServerConfig, error)

	// Close releases any backing resources.
	Close() error
}

package mcp

import (
	"context"
	"fmt"
	"sync"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/parley/parley/internal/common/apperr"
	"github.com/parley/parley/internal/common/logger"
)

// Tool is one callable tool aggregated from a user's live MCP connections.
type Tool struct {
	ServerName  string         `json:"server_name"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
	AutoApprove bool           `json:"auto_approve"`
}

// PoolConfig bounds the connection pool.
type PoolConfig struct {
	MaxPerUser int
	MaxTotal   int
}

// DefaultPoolConfig returns the pool bounds defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{MaxPerUser: 10, MaxTotal: 100}
}

type conn struct {
	config *ServerConfig
	client Client
}

// Pool owns live MCP server connections, bounded per user and in total.
//
// Dialing happens outside the pool mutex: a connect first establishes the
// client (transport start + Initialize handshake), then commits it into the
// map under the mutex with the caps re-checked. A connection that loses the
// commit race is closed immediately, so the pool never holds half-open
// entries and the counter moves only with map mutations.
type Pool struct {
	mu    sync.Mutex
	conns map[string]map[string]*conn // user_id -> server name -> conn
	total int

	config PoolConfig
	dial   DialFunc
	logger *logger.Logger
}

// NewPool creates a connection pool using the production dialer.
func NewPool(config PoolConfig, log *logger.Logger) *Pool {
	return NewPoolWithDialer(config, Dial, log)
}

// NewPoolWithDialer creates a connection pool with a custom dialer.
func NewPoolWithDialer(config PoolConfig, dial DialFunc, log *logger.Logger) *Pool {
	return &Pool{
		conns:  make(map[string]map[string]*conn),
		config: config,
		dial:   dial,
		logger: log.WithFields(zap.String("component", "mcp-pool")),
	}
}

// Connect establishes connections for every enabled server in the user's
// config. A server that fails to dial is logged and skipped without faulting
// the others. Exceeding MaxPerUser or MaxTotal aborts the call with
// CapacityExceeded and closes every connection this call opened.
func (p *Pool) Connect(ctx context.Context, userID string, config *UserConfig) error {
	var opened []string

	for _, server := range config.Servers {
		if server.Disabled {
			continue
		}
		if p.has(userID, server.Name) {
			continue
		}

		if !p.hasCapacity(userID) {
			p.unwind(userID, opened)
			return apperr.CapacityExceeded(fmt.Sprintf(
				"mcp connection limit reached for user %s (max %d per user, %d total)",
				userID, p.config.MaxPerUser, p.config.MaxTotal))
		}

		client, err := p.dial(ctx, server)
		if err != nil {
			p.logger.Warn("failed to connect mcp server",
				zap.String("user_id", userID),
				zap.String("server", server.Name),
				zap.Error(err))
			continue
		}

		committed, capacity := p.commit(userID, server, client)
		if !committed {
			// Lost the commit: either a concurrent connect installed this
			// server first, or the caps filled while we were dialing.
			_ = client.Close()
			if !capacity {
				p.unwind(userID, opened)
				return apperr.CapacityExceeded(fmt.Sprintf(
					"mcp connection limit reached for user %s (max %d per user, %d total)",
					userID, p.config.MaxPerUser, p.config.MaxTotal))
			}
			continue
		}
		opened = append(opened, server.Name)
		p.logger.Info("mcp server connected",
			zap.String("user_id", userID),
			zap.String("server", server.Name),
			zap.String("transport", defaultTransport(server.Transport)))
	}
	return nil
}

func (p *Pool) has(userID, serverName string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.conns[userID][serverName]
	return ok
}

func (p *Pool) hasCapacity(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns[userID]) < p.config.MaxPerUser && p.total < p.config.MaxTotal
}

// commit installs a dialed connection. It returns committed=false when the
// entry already exists (capacity=true) or when the caps are exhausted
// (capacity=false); the caller owns closing the client in both cases.
func (p *Pool) commit(userID string, server *ServerConfig, client Client) (committed, capacity bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.conns[userID][server.Name]; ok {
		return false, true
	}
	if len(p.conns[userID]) >= p.config.MaxPerUser || p.total >= p.config.MaxTotal {
		return false, false
	}
	if p.conns[userID] == nil {
		p.conns[userID] = make(map[string]*conn)
	}
	p.conns[userID][server.Name] = &conn{config: server, client: client}
	p.total++
	return true, true
}

// unwind closes and removes the connections a failed Connect call opened.
func (p *Pool) unwind(userID string, serverNames []string) {
	for _, name := range serverNames {
		if c := p.remove(userID, name); c != nil {
			_ = c.client.Close()
		}
	}
}

// remove takes a connection out of the map, adjusting the counter. The caller
// closes the returned conn outside the mutex.
func (p *Pool) remove(userID, serverName string) *conn {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.conns[userID][serverName]
	if !ok {
		return nil
	}
	delete(p.conns[userID], serverName)
	if len(p.conns[userID]) == 0 {
		delete(p.conns, userID)
	}
	p.total--
	return c
}

// snapshot returns the user's live connections for iteration outside the
// mutex.
func (p *Pool) snapshot(userID string) []*conn {
	p.mu.Lock()
	defer p.mu.Unlock()

	conns := make([]*conn, 0, len(p.conns[userID]))
	for _, c := range p.conns[userID] {
		conns = append(conns, c)
	}
	return conns
}

// GetTools aggregates tools across the user's live connections. A server
// that fails to list is logged and skipped.
func (p *Pool) GetTools(ctx context.Context, userID string) []Tool {
	var tools []Tool
	for _, c := range p.snapshot(userID) {
		result, err := c.client.ListTools(ctx, mcpgo.ListToolsRequest{})
		if err != nil {
			p.logger.Warn("failed to list mcp tools",
				zap.String("user_id", userID),
				zap.String("server", c.config.Name),
				zap.Error(err))
			continue
		}
		for _, t := range result.Tools {
			tools = append(tools, Tool{
				ServerName:  c.config.Name,
				Name:        t.Name,
				Description: t.Description,
				InputSchema: toolInputSchema(t.InputSchema),
				AutoApprove: c.config.AutoApproves(t.Name),
			})
		}
	}
	return tools
}

// CallTool invokes a tool on one of the user's connected servers.
func (p *Pool) CallTool(ctx context.Context, userID, serverName, toolName string, args map[string]any) (*mcpgo.CallToolResult, error) {
	p.mu.Lock()
	c, ok := p.conns[userID][serverName]
	p.mu.Unlock()
	if !ok {
		return nil, apperr.NotFound("mcp connection", serverName)
	}

	result, err := c.client.CallTool(ctx, mcpgo.CallToolRequest{
		Params: mcpgo.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("tool %s call failed on server %s: %w", toolName, serverName, err)
	}
	return result, nil
}

// HealthCheck pings each of the user's connections and reports liveness per
// server.
func (p *Pool) HealthCheck(ctx context.Context, userID string) map[string]bool {
	conns := p.snapshot(userID)

	var mu sync.Mutex
	health := make(map[string]bool, len(conns))

	// Pings run in parallel so one hung server cannot stall the sweep.
	var g errgroup.Group
	g.SetLimit(8)
	for _, c := range conns {
		g.Go(func() error {
			err := c.client.Ping(ctx)
			if err != nil {
				p.logger.Warn("mcp server unhealthy",
					zap.String("user_id", userID),
					zap.String("server", c.config.Name),
					zap.Error(err))
			}
			mu.Lock()
			health[c.config.Name] = err == nil
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return health
}

// Disconnect closes the named servers for the user, or every one of the
// user's servers when no names are given.
func (p *Pool) Disconnect(userID string, serverNames ...string) {
	if len(serverNames) == 0 {
		for _, c := range p.snapshot(userID) {
			serverNames = append(serverNames, c.config.Name)
		}
	}
	for _, name := range serverNames {
		if c := p.remove(userID, name); c != nil {
			_ = c.client.Close()
			p.logger.Info("mcp server disconnected",
				zap.String("user_id", userID),
				zap.String("server", name))
		}
	}
}

// DisconnectAll tears down every connection and zeroes the counters.
func (p *Pool) DisconnectAll() {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]map[string]*conn)
	p.total = 0
	p.mu.Unlock()

	for userID, servers := range conns {
		for name, c := range servers {
			_ = c.client.Close()
			p.logger.Debug("mcp server disconnected",
				zap.String("user_id", userID),
				zap.String("server", name))
		}
	}
}

// Stats reports the live connection counts.
func (p *Pool) Stats() (total int, perUser map[string]int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	perUser = make(map[string]int, len(p.conns))
	for userID, servers := range p.conns {
		perUser[userID] = len(servers)
	}
	return p.total, perUser
}

func toolInputSchema(schema mcpgo.ToolInputSchema) map[string]any {
	out := map[string]any{"type": schema.Type}
	if schema.Properties != nil {
		out["properties"] = schema.Properties
	}
	if len(schema.Required) > 0 {
		out["required"] = schema.Required
	}
	return out
}

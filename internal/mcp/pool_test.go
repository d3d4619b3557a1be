package mcp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/parley/parley/internal/common/apperr"
	"github.com/parley/parley/internal/common/logger"
)

type fakeClient struct {
	mu      sync.Mutex
	tools   []mcpgo.Tool
	listErr error
	pingErr error
	calls   []mcpgo.CallToolRequest
	result  *mcpgo.CallToolResult
	closed  bool
}

func (f *fakeClient) Initialize(_ context.Context, _ mcpgo.InitializeRequest) (*mcpgo.InitializeResult, error) {
	return &mcpgo.InitializeResult{}, nil
}

func (f *fakeClient) ListTools(_ context.Context, _ mcpgo.ListToolsRequest) (*mcpgo.ListToolsResult, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return &mcpgo.ListToolsResult{Tools: f.tools}, nil
}

func (f *fakeClient) CallTool(_ context.Context, request mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, request)
	return f.result, nil
}

func (f *fakeClient) Ping(_ context.Context) error {
	return f.pingErr
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeClient) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// fakeDialer hands out one fakeClient per server name and records every dial
// so tests can assert what the pool opened and closed.
type fakeDialer struct {
	mu      sync.Mutex
	clients map[string]*fakeClient
	failing map[string]error
	dialed  []string
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		clients: make(map[string]*fakeClient),
		failing: make(map[string]error),
	}
}

func (d *fakeDialer) dial(_ context.Context, config *ServerConfig) (Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialed = append(d.dialed, config.Name)
	if err := d.failing[config.Name]; err != nil {
		return nil, err
	}
	client, ok := d.clients[config.Name]
	if !ok {
		client = &fakeClient{result: mcpgo.NewToolResultText("ok")}
		d.clients[config.Name] = client
	}
	return client, nil
}

func (d *fakeDialer) client(serverName string) *fakeClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clients[serverName]
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dialed)
}

func newTestPool(t *testing.T, config PoolConfig) (*Pool, *fakeDialer) {
	t.Helper()
	dialer := newFakeDialer()
	pool := NewPoolWithDialer(config, dialer.dial, logger.Default())
	t.Cleanup(pool.DisconnectAll)
	return pool, dialer
}

func userConfigOf(servers ...*ServerConfig) *UserConfig {
	return &UserConfig{Servers: servers}
}

func TestPool_ConnectSkipsDisabled(t *testing.T) {
	pool, dialer := newTestPool(t, DefaultPoolConfig())

	disabled := stdioServer("dormant")
	disabled.Disabled = true
	err := pool.Connect(context.Background(), "alice", userConfigOf(stdioServer("files"), disabled))
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}

	total, perUser := pool.Stats()
	if total != 1 || perUser["alice"] != 1 {
		t.Errorf("expected one connection, got total=%d perUser=%v", total, perUser)
	}
	if dialer.client("dormant") != nil {
		t.Error("expected disabled server to never be dialed")
	}
}

func TestPool_ConnectSkipsDialFailures(t *testing.T) {
	pool, dialer := newTestPool(t, DefaultPoolConfig())
	dialer.failing["broken"] = errors.New("connection refused")

	err := pool.Connect(context.Background(), "alice",
		userConfigOf(stdioServer("files"), stdioServer("broken"), stdioServer("search")))
	if err != nil {
		t.Fatalf("expected dial failure to be swallowed, got %v", err)
	}

	total, _ := pool.Stats()
	if total != 2 {
		t.Errorf("expected the two healthy servers connected, got %d", total)
	}
	if _, err := pool.CallTool(context.Background(), "alice", "broken", "x", nil); !apperr.IsNotFound(err) {
		t.Errorf("expected broken server absent from pool, got %v", err)
	}
}

func TestPool_ConnectIsIdempotent(t *testing.T) {
	pool, dialer := newTestPool(t, DefaultPoolConfig())
	config := userConfigOf(stdioServer("files"), stdioServer("search"))

	for i := 0; i < 3; i++ {
		if err := pool.Connect(context.Background(), "alice", config); err != nil {
			t.Fatalf("connect %d failed: %v", i, err)
		}
	}

	if got := dialer.dialCount(); got != 2 {
		t.Errorf("expected already-connected servers to be skipped, got %d dials", got)
	}
	total, _ := pool.Stats()
	if total != 2 {
		t.Errorf("expected 2 connections, got %d", total)
	}
}

func TestPool_MaxPerUserUnwindsCall(t *testing.T) {
	pool, dialer := newTestPool(t, PoolConfig{MaxPerUser: 2, MaxTotal: 100})

	err := pool.Connect(context.Background(), "alice",
		userConfigOf(stdioServer("one"), stdioServer("two"), stdioServer("three")))
	if !apperr.IsCapacityExceeded(err) {
		t.Fatalf("expected capacity exceeded, got %v", err)
	}

	// The failed call tears down everything it opened.
	total, _ := pool.Stats()
	if total != 0 {
		t.Errorf("expected failed connect to unwind its connections, got %d live", total)
	}
	for _, name := range []string{"one", "two"} {
		if client := dialer.client(name); client != nil && !client.isClosed() {
			t.Errorf("expected %s to be closed by the unwind", name)
		}
	}
}

func TestPool_MaxPerUserKeepsEarlierConnections(t *testing.T) {
	pool, _ := newTestPool(t, PoolConfig{MaxPerUser: 2, MaxTotal: 100})
	ctx := context.Background()

	if err := pool.Connect(ctx, "alice", userConfigOf(stdioServer("one"), stdioServer("two"))); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}

	// A later call that overflows unwinds only what it opened itself.
	err := pool.Connect(ctx, "alice", userConfigOf(stdioServer("one"), stdioServer("two"), stdioServer("three")))
	if !apperr.IsCapacityExceeded(err) {
		t.Fatalf("expected capacity exceeded, got %v", err)
	}
	total, _ := pool.Stats()
	if total != 2 {
		t.Errorf("expected earlier connections to survive, got %d live", total)
	}
}

func TestPool_MaxTotalAcrossUsers(t *testing.T) {
	pool, _ := newTestPool(t, PoolConfig{MaxPerUser: 10, MaxTotal: 2})
	ctx := context.Background()

	if err := pool.Connect(ctx, "alice", userConfigOf(stdioServer("a1"))); err != nil {
		t.Fatalf("failed to connect alice: %v", err)
	}
	if err := pool.Connect(ctx, "bob", userConfigOf(stdioServer("b1"))); err != nil {
		t.Fatalf("failed to connect bob: %v", err)
	}

	err := pool.Connect(ctx, "carol", userConfigOf(stdioServer("c1")))
	if !apperr.IsCapacityExceeded(err) {
		t.Fatalf("expected capacity exceeded for third user, got %v", err)
	}

	total, perUser := pool.Stats()
	if total != 2 || perUser["carol"] != 0 {
		t.Errorf("expected carol rejected without a slot, got total=%d perUser=%v", total, perUser)
	}
}

func TestPool_GetTools(t *testing.T) {
	pool, dialer := newTestPool(t, DefaultPoolConfig())
	dialer.clients["files"] = &fakeClient{tools: []mcpgo.Tool{
		{Name: "read_file", Description: "Read a file", InputSchema: mcpgo.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{"path": map[string]any{"type": "string"}},
			Required:   []string{"path"},
		}},
		{Name: "delete_file", Description: "Delete a file"},
	}}
	dialer.clients["search"] = &fakeClient{tools: []mcpgo.Tool{
		{Name: "query", Description: "Search the index"},
	}}

	files := stdioServer("files") // auto-approves read_file only
	search := stdioServer("search")
	search.AutoApprove = []string{"*"}
	if err := pool.Connect(context.Background(), "alice", userConfigOf(files, search)); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}

	tools := pool.GetTools(context.Background(), "alice")
	if len(tools) != 3 {
		t.Fatalf("expected 3 tools aggregated, got %d", len(tools))
	}

	byName := make(map[string]Tool, len(tools))
	for _, tool := range tools {
		byName[tool.Name] = tool
	}
	if !byName["read_file"].AutoApprove {
		t.Error("expected read_file to be auto-approved")
	}
	if byName["delete_file"].AutoApprove {
		t.Error("expected delete_file to require approval")
	}
	if !byName["query"].AutoApprove {
		t.Error("expected wildcard auto-approve on search tools")
	}
	if byName["query"].ServerName != "search" {
		t.Errorf("expected tool attributed to its server, got %q", byName["query"].ServerName)
	}
	schema := byName["read_file"].InputSchema
	if schema["type"] != "object" {
		t.Errorf("expected input schema type to carry over, got %v", schema["type"])
	}
	if _, ok := schema["properties"].(map[string]any)["path"]; !ok {
		t.Errorf("expected input schema properties to carry over, got %v", schema["properties"])
	}
}

func TestPool_GetToolsSkipsListFailures(t *testing.T) {
	pool, dialer := newTestPool(t, DefaultPoolConfig())
	dialer.clients["flaky"] = &fakeClient{listErr: errors.New("transport closed")}
	dialer.clients["files"] = &fakeClient{tools: []mcpgo.Tool{{Name: "read_file"}}}

	err := pool.Connect(context.Background(), "alice", userConfigOf(stdioServer("flaky"), stdioServer("files")))
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}

	tools := pool.GetTools(context.Background(), "alice")
	if len(tools) != 1 || tools[0].Name != "read_file" {
		t.Errorf("expected the healthy server's tools only, got %+v", tools)
	}
}

func TestPool_CallToolRoutes(t *testing.T) {
	pool, dialer := newTestPool(t, DefaultPoolConfig())
	want := mcpgo.NewToolResultText("file contents")
	dialer.clients["files"] = &fakeClient{result: want}

	err := pool.Connect(context.Background(), "alice", userConfigOf(stdioServer("files"), stdioServer("search")))
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}

	result, err := pool.CallTool(context.Background(), "alice", "files", "read_file", map[string]any{"path": "/tmp/x"})
	if err != nil {
		t.Fatalf("failed to call tool: %v", err)
	}
	if result != want {
		t.Error("expected the server's result to be returned as-is")
	}

	client := dialer.client("files")
	if client.callCount() != 1 {
		t.Fatalf("expected one call to files, got %d", client.callCount())
	}
	request := client.calls[0]
	if request.Params.Name != "read_file" {
		t.Errorf("expected tool name read_file, got %q", request.Params.Name)
	}
	args, ok := request.Params.Arguments.(map[string]any)
	if !ok || args["path"] != "/tmp/x" {
		t.Errorf("expected arguments to pass through, got %v", request.Params.Arguments)
	}
	if other := dialer.client("search"); other.callCount() != 0 {
		t.Errorf("expected search to be untouched, got %d calls", other.callCount())
	}
}

func TestPool_CallToolUnknownServer(t *testing.T) {
	pool, _ := newTestPool(t, DefaultPoolConfig())

	_, err := pool.CallTool(context.Background(), "alice", "ghost", "read_file", nil)
	if !apperr.IsNotFound(err) {
		t.Errorf("expected not-found for unknown server, got %v", err)
	}
}

func TestPool_HealthCheck(t *testing.T) {
	pool, dialer := newTestPool(t, DefaultPoolConfig())
	dialer.clients["sick"] = &fakeClient{pingErr: errors.New("broken pipe")}

	err := pool.Connect(context.Background(), "alice", userConfigOf(stdioServer("files"), stdioServer("sick")))
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}

	health := pool.HealthCheck(context.Background(), "alice")
	if !health["files"] {
		t.Error("expected files to be healthy")
	}
	if health["sick"] {
		t.Error("expected sick to be unhealthy")
	}
}

func TestPool_DisconnectNamed(t *testing.T) {
	pool, dialer := newTestPool(t, DefaultPoolConfig())
	ctx := context.Background()

	err := pool.Connect(ctx, "alice", userConfigOf(stdioServer("files"), stdioServer("search")))
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}

	pool.Disconnect("alice", "files")

	if !dialer.client("files").isClosed() {
		t.Error("expected files client to be closed")
	}
	if dialer.client("search").isClosed() {
		t.Error("expected search client to stay open")
	}
	total, _ := pool.Stats()
	if total != 1 {
		t.Errorf("expected 1 connection left, got %d", total)
	}
	if _, err := pool.CallTool(ctx, "alice", "search", "query", nil); err != nil {
		t.Errorf("expected remaining server to stay callable, got %v", err)
	}
}

func TestPool_DisconnectAllForUser(t *testing.T) {
	pool, dialer := newTestPool(t, DefaultPoolConfig())
	ctx := context.Background()

	_ = pool.Connect(ctx, "alice", userConfigOf(stdioServer("files"), stdioServer("search")))
	_ = pool.Connect(ctx, "bob", userConfigOf(stdioServer("notes")))

	pool.Disconnect("alice")

	total, perUser := pool.Stats()
	if total != 1 || perUser["alice"] != 0 || perUser["bob"] != 1 {
		t.Errorf("expected only bob's connection left, got total=%d perUser=%v", total, perUser)
	}
	if !dialer.client("files").isClosed() || !dialer.client("search").isClosed() {
		t.Error("expected all of alice's clients closed")
	}
}

func TestPool_DisconnectAll(t *testing.T) {
	pool, dialer := newTestPool(t, DefaultPoolConfig())
	ctx := context.Background()

	_ = pool.Connect(ctx, "alice", userConfigOf(stdioServer("files")))
	_ = pool.Connect(ctx, "bob", userConfigOf(stdioServer("notes")))

	pool.DisconnectAll()

	total, perUser := pool.Stats()
	if total != 0 || len(perUser) != 0 {
		t.Errorf("expected empty pool, got total=%d perUser=%v", total, perUser)
	}
	for _, name := range []string{"files", "notes"} {
		if !dialer.client(name).isClosed() {
			t.Errorf("expected %s closed after full teardown", name)
		}
	}
}

func TestPool_ConcurrentConnects(t *testing.T) {
	pool, dialer := newTestPool(t, DefaultPoolConfig())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			user := fmt.Sprintf("user-%d", n%4)
			_ = pool.Connect(ctx, user, userConfigOf(stdioServer(fmt.Sprintf("server-%d", n))))
		}(i)
	}
	wg.Wait()

	total, _ := pool.Stats()
	if total != 8 {
		t.Errorf("expected 8 connections, got %d", total)
	}
	if dialer.dialCount() != 8 {
		t.Errorf("expected 8 dials, got %d", dialer.dialCount())
	}
}

// Package integration provides end-to-end tests for the Parley service.
// Each test boots the full stack over httptest and drives it through real
// HTTP and WebSocket clients.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"

	"github.com/parley/parley/internal/agent"
	"github.com/parley/parley/internal/audit"
	"github.com/parley/parley/internal/bus"
	"github.com/parley/parley/internal/common/config"
	"github.com/parley/parley/internal/common/httpmw"
	"github.com/parley/parley/internal/common/logger"
	gateway "github.com/parley/parley/internal/gateway/websocket"
	"github.com/parley/parley/internal/hitl"
	"github.com/parley/parley/internal/mcp"
	"github.com/parley/parley/internal/memory"
	"github.com/parley/parley/internal/message"
	"github.com/parley/parley/internal/orchestrator"
	"github.com/parley/parley/internal/rules"
	"github.com/parley/parley/internal/server"
	"github.com/parley/parley/internal/session"
	"github.com/parley/parley/internal/user"
)

// stubToolClient fakes one connected MCP server: a single write_file tool
// whose result names the path it was asked to write.
type stubToolClient struct{}

func (stubToolClient) Initialize(context.Context, mcpgo.InitializeRequest) (*mcpgo.InitializeResult, error) {
	return &mcpgo.InitializeResult{}, nil
}

func (stubToolClient) ListTools(context.Context, mcpgo.ListToolsRequest) (*mcpgo.ListToolsResult, error) {
	return &mcpgo.ListToolsResult{Tools: []mcpgo.Tool{
		{Name: "write_file", Description: "Write a file into the workspace"},
	}}, nil
}

func (stubToolClient) CallTool(_ context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	path, _ := req.GetArguments()["path"].(string)
	return mcpgo.NewToolResultText("wrote " + path), nil
}

func (stubToolClient) Ping(context.Context) error { return nil }
func (stubToolClient) Close() error               { return nil }

// TestServer is the service wired the way cmd/parley wires it, backed by the
// in-memory stores and a stubbed MCP dialer. Authentication is disabled, so
// requests pick their user through the X-User-ID header.
type TestServer struct {
	Server   *httptest.Server
	Sessions *session.Manager
	Messages message.Store
	Configs  mcp.ConfigStore
	Rules    *rules.MemoryStore
	Manager  *gateway.ConnectionManager
	Pool     *mcp.Pool
	Recorder *audit.Recorder
	Logger   *logger.Logger
	cancel   context.CancelFunc
}

// NewTestServer boots the stack with the given executor script. A nil script
// runs the echo default.
func NewTestServer(t *testing.T, script agent.Script) *TestServer {
	t.Helper()

	// Quiet logger for tests.
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())

	notifier := bus.NewMemoryBus(log)
	sessions := session.NewMemoryStore()
	messages := message.NewMemoryStore()
	profiles := user.NewMemoryStore()
	configs := mcp.NewMemoryConfigStore()
	ruleStore := rules.NewMemoryStore()
	recorder := audit.NewRecorder(audit.NewMemoryStore(), notifier, log)

	pool := mcp.NewPoolWithDialer(mcp.DefaultPoolConfig(),
		func(context.Context, *mcp.ServerConfig) (mcp.Client, error) {
			return stubToolClient{}, nil
		}, log)

	engine := rules.NewEngine(rules.MultiSource{ruleStore}, rules.DefaultEngineConfig(), notifier, log)
	memLoader := memory.NewLoader(memory.Config{Root: t.TempDir(), MultiTenant: true}, log)

	sessionManager := session.NewManager(sessions, messages, notifier, log, session.ManagerConfig{
		SessionTimeout:  time.Hour,
		CleanupInterval: time.Hour,
	})

	manager := gateway.NewConnectionManager(100, log)
	// Short approval timeout so a missed decision fails the test, not the run.
	approver := hitl.NewCoordinator(manager, 5*time.Second, log)
	gateway.RegisterNotifications(ctx, notifier, manager, log)

	dispatcher := orchestrator.NewDispatcher(sessionManager, messages, profiles, configs, pool,
		engine, memLoader, approver, manager, &agent.ScriptedFactory{Script: script}, recorder, log)
	wsHandler := gateway.NewHandler(manager, sessionManager, dispatcher, log)

	cfg := &config.Config{}
	cfg.Logging.Level = "info"
	srv := server.New(cfg, log)
	authn := server.NewAuthenticator(cfg.Auth, recorder, log)

	router := srv.Router()
	public := router.Group("/api/v1")
	authn.RegisterRoutes(public)

	api := router.Group("/api/v1", authn.Middleware())
	server.RegisterSessionRoutes(api, sessionManager, messages, manager, recorder, log)
	server.RegisterChatRoutes(api, dispatcher, log)
	server.RegisterMCPRoutes(api, configs, pool, log)
	server.RegisterRuleRoutes(api, ruleStore, log)
	server.RegisterProfileRoutes(api, profiles, memLoader, recorder, log)

	ws := router.Group("/ws", authn.Middleware())
	server.RegisterStreamRoutes(ws, wsHandler)

	return &TestServer{
		Server:   httptest.NewServer(router),
		Sessions: sessionManager,
		Messages: messages,
		Configs:  configs,
		Rules:    ruleStore,
		Manager:  manager,
		Pool:     pool,
		Recorder: recorder,
		Logger:   log,
		cancel:   cancel,
	}
}

// Close shuts the stack down in the same order the binary does.
func (ts *TestServer) Close() {
	ts.Server.Close()
	ts.Manager.CloseAll()
	ts.Sessions.Stop()
	ts.Pool.DisconnectAll()
	ts.cancel()
}

// CreateSession seeds one session for the user.
func (ts *TestServer) CreateSession(t *testing.T, userID, assistantID string) *session.Session {
	t.Helper()

	sess, err := ts.Sessions.CreateSession(context.Background(), userID, assistantID)
	require.NoError(t, err)
	return sess
}

// AddMCPServer registers a stub-backed MCP server for the user. Tools on it
// gate behind approval unless listed in autoApprove ("*" approves all).
func (ts *TestServer) AddMCPServer(t *testing.T, userID, name string, autoApprove ...string) {
	t.Helper()

	err := ts.Configs.AddServer(context.Background(), userID, &mcp.ServerConfig{
		Name:        name,
		Transport:   mcp.TransportStdio,
		Command:     "stub",
		AutoApprove: autoApprove,
	})
	require.NoError(t, err)
}

// doJSON performs one REST call as the given user and decodes the JSON body.
// A 204 yields an empty map.
func (ts *TestServer) doJSON(t *testing.T, method, path, userID string, body any) (int, map[string]any) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, ts.Server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set(httpmw.UserIDHeader, userID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := ts.Server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	decoded := map[string]any{}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &decoded), "body: %s", raw)
	}
	return resp.StatusCode, decoded
}

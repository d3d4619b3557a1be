package mcp

import (
	"context"
	"fmt"
	"net/http"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/parley/parley/internal/version"
)

// Client is the slice of the MCP client surface the pool uses. The concrete
// mark3labs client satisfies it; tests substitute fakes.
type Client interface {
	Initialize(ctx context.Context, request mcpgo.InitializeRequest) (*mcpgo.InitializeResult, error)
	ListTools(ctx context.Context, request mcpgo.ListToolsRequest) (*mcpgo.ListToolsResult, error)
	CallTool(ctx context.Context, request mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error)
	Ping(ctx context.Context) error
	Close() error
}

var _ Client = (*mcpclient.Client)(nil)

// DialFunc establishes a ready-to-use connection to one MCP server: transport
// started and Initialize handshake complete. A non-nil return owns its
// resources until Close.
type DialFunc func(ctx context.Context, config *ServerConfig) (Client, error)

// headerRoundTripper injects static headers into outgoing backend requests.
type headerRoundTripper struct {
	base    http.RoundTripper
	headers map[string]string
}

func (h *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	reqClone := req.Clone(req.Context())
	for key, value := range h.headers {
		reqClone.Header.Set(key, value)
	}
	return h.base.RoundTrip(reqClone)
}

// Dial is the production DialFunc. It builds the transport named by the
// config, starts it, and runs the Initialize handshake so a returned client
// is never half-connected.
func Dial(ctx context.Context, config *ServerConfig) (Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	client, err := newClient(config)
	if err != nil {
		return nil, err
	}

	// HTTP-based transports need an explicit start; the stdio client spawns
	// its process at construction time and Start is a no-op there. The start
	// context is detached from the dial deadline: the SSE transport scopes
	// its persistent read goroutine to it, and that stream must outlive the
	// handshake. Only Initialize below stays bound to ctx.
	if err := client.Start(context.WithoutCancel(ctx)); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to start mcp client for %s: %w", config.Name, err)
	}

	_, err = client.Initialize(ctx, mcpgo.InitializeRequest{
		Params: mcpgo.InitializeParams{
			ProtocolVersion: mcpgo.LATEST_PROTOCOL_VERSION,
			ClientInfo: mcpgo.Implementation{
				Name:    "parley",
				Version: version.Version,
			},
		},
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to initialize mcp server %s: %w", config.Name, err)
	}
	return client, nil
}

func newClient(config *ServerConfig) (*mcpclient.Client, error) {
	switch config.Transport {
	case TransportStdio, "":
		env := make([]string, 0, len(config.Env))
		for key, value := range config.Env {
			env = append(env, key+"="+value)
		}
		client, err := mcpclient.NewStdioMCPClient(config.Command, env, config.Args...)
		if err != nil {
			return nil, fmt.Errorf("failed to create stdio client for %s: %w", config.Name, err)
		}
		return client, nil

	case TransportSSE:
		client, err := mcpclient.NewSSEMCPClient(config.URL,
			mcptransport.WithHTTPClient(httpClientFor(config, 0)))
		if err != nil {
			return nil, fmt.Errorf("failed to create sse client for %s: %w", config.Name, err)
		}
		return client, nil

	case TransportStreamableHTTP:
		client, err := mcpclient.NewStreamableHttpClient(config.URL,
			mcptransport.WithHTTPTimeout(30*time.Second),
			mcptransport.WithHTTPBasicClient(httpClientFor(config, 30*time.Second)))
		if err != nil {
			return nil, fmt.Errorf("failed to create streamable-http client for %s: %w", config.Name, err)
		}
		return client, nil

	default:
		return nil, fmt.Errorf("mcp server %q: unsupported transport %q", config.Name, config.Transport)
	}
}

// httpClientFor builds the HTTP client for SSE and streamable-HTTP
// transports. SSE streams live past any single request, so no client timeout
// is applied there (timeout == 0); streamable-HTTP requests are bounded.
func httpClientFor(config *ServerConfig, timeout time.Duration) *http.Client {
	transport := http.RoundTripper(http.DefaultTransport)
	if len(config.Headers) > 0 {
		transport = &headerRoundTripper{base: transport, headers: config.Headers}
	}
	return &http.Client{Transport: transport, Timeout: timeout}
}

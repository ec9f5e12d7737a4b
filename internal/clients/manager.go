// Package clients manages the orchestrator's outbound connections to tool
// servers. Each named endpoint is bound to one transport (child-process
// stdio, streamable HTTP session, or an in-process pair for tests) and its
// connection is long-lived and reused across calls.
package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"golang.org/x/oauth2"

	"toolmesh/internal/logging"
)

// TransportKind selects how an endpoint is reached.
type TransportKind string

const (
	TransportStdio     TransportKind = "stdio"
	TransportHTTP      TransportKind = "http"
	TransportInProcess TransportKind = "inprocess"
)

// ErrNotRegistered is wrapped in a TransportError when a call names an
// endpoint nobody registered.
var ErrNotRegistered = errors.New("endpoint not registered")

// ErrNotConnected is wrapped in a TransportError when a call reaches a
// registered endpoint before Connect (or after Disconnect).
var ErrNotConnected = errors.New("endpoint not connected")

// EndpointConfig describes one endpoint. Command/Args/Env apply to stdio
// endpoints, URL and BearerToken to http endpoints, and Server to in-process
// endpoints.
type EndpointConfig struct {
	Name        string        `mapstructure:"name" json:"name"`
	Transport   TransportKind `mapstructure:"transport" json:"transport"`
	Command     string        `mapstructure:"command" json:"command,omitempty"`
	Args        []string      `mapstructure:"args" json:"args,omitempty"`
	Env         []string      `mapstructure:"env" json:"env,omitempty"`
	URL         string        `mapstructure:"url" json:"url,omitempty"`
	BearerToken string        `mapstructure:"bearer_token" json:"-"`

	Server *server.MCPServer `mapstructure:"-" json:"-"`
}

type endpoint struct {
	cfg EndpointConfig

	// mu guards the client handle. For stdio endpoints it additionally
	// serializes in-flight calls; HTTP and in-process calls run outside it.
	mu     sync.Mutex
	client *client.Client
}

// Manager is the endpoint registry and connection lifecycle owner. It holds
// no workflow-domain state.
type Manager struct {
	mu        sync.Mutex
	endpoints map[string]*endpoint
	logger    *logging.Logger
}

// NewManager creates an empty Manager.
func NewManager(logger *logging.Logger) *Manager {
	return &Manager{
		endpoints: make(map[string]*endpoint),
		logger:    logger,
	}
}

// Register records an endpoint without connecting it.
func (m *Manager) Register(cfg EndpointConfig) error {
	if cfg.Name == "" {
		return errors.New("endpoint name is required")
	}
	switch cfg.Transport {
	case TransportStdio:
		if cfg.Command == "" {
			return fmt.Errorf("endpoint %q: stdio transport requires command", cfg.Name)
		}
	case TransportHTTP:
		if cfg.URL == "" {
			return fmt.Errorf("endpoint %q: http transport requires url", cfg.Name)
		}
	case TransportInProcess:
		if cfg.Server == nil {
			return fmt.Errorf("endpoint %q: inprocess transport requires a server", cfg.Name)
		}
	default:
		return fmt.Errorf("endpoint %q: unknown transport %q", cfg.Name, cfg.Transport)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.endpoints[cfg.Name]; exists {
		return fmt.Errorf("endpoint %q already registered", cfg.Name)
	}
	m.endpoints[cfg.Name] = &endpoint{cfg: cfg}
	return nil
}

// RegisterMany registers a list of endpoints, stopping at the first failure.
func (m *Manager) RegisterMany(cfgs []EndpointConfig) error {
	for _, cfg := range cfgs {
		if err := m.Register(cfg); err != nil {
			return err
		}
	}
	return nil
}

// Connect establishes the reusable connection for one endpoint: spawn and
// handshake for stdio, open a streaming session for http, bind the duplex
// pair for in-process servers.
func (m *Manager) Connect(ctx context.Context, name string) error {
	ep, err := m.lookup(name)
	if err != nil {
		return err
	}

	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.client != nil {
		return nil
	}

	c, err := newClient(ep.cfg)
	if err != nil {
		return &TransportError{Endpoint: name, Err: err}
	}
	if err := c.Start(ctx); err != nil {
		return &TransportError{Endpoint: name, Err: err}
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "toolmesh-orchestrator",
		Version: "1.0.0",
	}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		c.Close()
		return &TransportError{Endpoint: name, Err: fmt.Errorf("handshake: %w", err)}
	}

	ep.client = c
	m.logger.Info("endpoint connected", "endpoint", name, "transport", ep.cfg.Transport)
	return nil
}

func newClient(cfg EndpointConfig) (*client.Client, error) {
	switch cfg.Transport {
	case TransportStdio:
		return client.NewClient(transport.NewStdio(cfg.Command, cfg.Env, cfg.Args...)), nil
	case TransportHTTP:
		var opts []transport.StreamableHTTPCOption
		if cfg.BearerToken != "" {
			tok, err := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.BearerToken}).Token()
			if err != nil {
				return nil, fmt.Errorf("bearer token: %w", err)
			}
			opts = append(opts, transport.WithHTTPHeaders(map[string]string{
				"Authorization": tok.Type() + " " + tok.AccessToken,
			}))
		}
		t, err := transport.NewStreamableHTTP(cfg.URL, opts...)
		if err != nil {
			return nil, err
		}
		return client.NewClient(t), nil
	case TransportInProcess:
		return client.NewClient(transport.NewInProcessTransport(cfg.Server)), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

// CallTool forwards a single tool request over the endpoint's connection,
// awaits the one response, and parses its text content as JSON. Text that is
// not valid JSON comes back wrapped as {"raw": text}.
func (m *Manager) CallTool(ctx context.Context, endpointName, tool string, args map[string]any) (any, error) {
	ep, err := m.lookup(endpointName)
	if err != nil {
		return nil, err
	}

	ep.mu.Lock()
	c := ep.client
	if c == nil {
		ep.mu.Unlock()
		return nil, &TransportError{Endpoint: endpointName, Err: ErrNotConnected}
	}
	// A stdio pipe carries one request at a time, so the lock stays held
	// across the round trip. HTTP and in-process transports multiplex, and
	// an in-process tool handler may itself trigger a workflow that calls
	// back into this endpoint; holding the lock there would block that
	// nested call forever.
	if ep.cfg.Transport == TransportStdio {
		defer ep.mu.Unlock()
	} else {
		ep.mu.Unlock()
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = args

	res, err := c.CallTool(ctx, req)
	if err != nil {
		return nil, &TransportError{Endpoint: endpointName, Err: err}
	}

	if len(res.Content) == 0 {
		return nil, &ProtocolError{Endpoint: endpointName, Tool: tool, Reason: "response has no content"}
	}
	text, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		return nil, &ProtocolError{Endpoint: endpointName, Tool: tool, Reason: "content[0] is not text"}
	}

	if res.IsError {
		return nil, &ToolError{Endpoint: endpointName, Tool: tool, Message: text.Text}
	}

	var parsed any
	if err := json.Unmarshal([]byte(text.Text), &parsed); err != nil {
		return map[string]any{"raw": text.Text}, nil
	}
	return parsed, nil
}

// Disconnect tears down one endpoint's connection. It is idempotent and a
// no-op for endpoints that were never connected.
func (m *Manager) Disconnect(name string) error {
	ep, err := m.lookup(name)
	if err != nil {
		return err
	}

	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.client == nil {
		return nil
	}
	closeErr := ep.client.Close()
	ep.client = nil
	if closeErr != nil {
		m.logger.Warn("endpoint close failed", "endpoint", name, "error", closeErr)
	}
	return nil
}

// DisconnectAll tears down every connected endpoint.
func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	names := make([]string, 0, len(m.endpoints))
	for name := range m.endpoints {
		names = append(names, name)
	}
	m.mu.Unlock()

	for _, name := range names {
		if err := m.Disconnect(name); err != nil {
			m.logger.Warn("disconnect failed", "endpoint", name, "error", err)
		}
	}
}

// Endpoints lists the registered endpoint configurations.
func (m *Manager) Endpoints() []EndpointConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EndpointConfig, 0, len(m.endpoints))
	for _, ep := range m.endpoints {
		out = append(out, ep.cfg)
	}
	return out
}

func (m *Manager) lookup(name string) (*endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ep, ok := m.endpoints[name]
	if !ok {
		return nil, &TransportError{Endpoint: name, Err: ErrNotRegistered}
	}
	return ep, nil
}

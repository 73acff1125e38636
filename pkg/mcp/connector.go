// Package mcp connects to auxiliary Model Context Protocol servers and
// exposes their tools through the tool registry.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/sipeed/digiclaw/pkg/config"
	"github.com/sipeed/digiclaw/pkg/logger"
	"github.com/sipeed/digiclaw/pkg/tools"
)

type State int32

const (
	StateNotConnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "not_connected"
	}
}

// Session is an initialized connection to one server.
type Session interface {
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error)
	Close() error
}

// Dialer opens and initializes a session for one configured server.
type Dialer func(ctx context.Context, name string, cfg config.MCPServerConfig) (Session, error)

// Connector brings up every configured server once. A failed attempt is
// fully rolled back and retried on the next EnsureConnected call.
type Connector struct {
	servers  map[string]config.MCPServerConfig
	registry *tools.ToolRegistry
	dial     Dialer
	version  string

	state atomic.Int32

	mu         sync.Mutex
	sessions   []Session
	registered []string
}

func NewConnector(servers map[string]config.MCPServerConfig, registry *tools.ToolRegistry, version string) *Connector {
	c := &Connector{
		servers:  servers,
		registry: registry,
		version:  version,
	}
	c.dial = c.dialServer
	return c
}

// SetDialer replaces how sessions are opened.
func (c *Connector) SetDialer(d Dialer) {
	c.dial = d
}

func (c *Connector) State() State {
	return State(c.state.Load())
}

// EnsureConnected is a no-op while connected or connecting, or when no
// servers are configured. Failures are logged and returned.
func (c *Connector) EnsureConnected(ctx context.Context) error {
	if len(c.servers) == 0 {
		return nil
	}
	if !c.state.CompareAndSwap(int32(StateNotConnected), int32(StateConnecting)) {
		return nil
	}

	sessions, registered, err := c.connectAll(ctx)
	if err != nil {
		c.rollback(sessions, registered)
		c.state.Store(int32(StateNotConnected))
		logger.ErrorCF("mcp", "Failed to connect MCP servers, will retry on next message", map[string]interface{}{
			"error": err.Error(),
		})
		return err
	}

	c.mu.Lock()
	c.sessions = sessions
	c.registered = registered
	c.mu.Unlock()
	c.state.Store(int32(StateConnected))

	logger.InfoCF("mcp", "MCP servers connected", map[string]interface{}{
		"servers": len(sessions),
		"tools":   len(registered),
	})
	return nil
}

func (c *Connector) connectAll(ctx context.Context) ([]Session, []string, error) {
	names := make([]string, 0, len(c.servers))
	for name := range c.servers {
		names = append(names, name)
	}
	sort.Strings(names)

	var (
		sessions   []Session
		registered []string
	)
	for _, name := range names {
		sess, err := c.dial(ctx, name, c.servers[name])
		if err != nil {
			return sessions, registered, fmt.Errorf("server %s: %w", name, err)
		}
		sessions = append(sessions, sess)

		list, err := sess.ListTools(ctx)
		if err != nil {
			return sessions, registered, fmt.Errorf("server %s: list tools: %w", name, err)
		}
		for _, def := range list {
			t := NewTool(name, def, sess)
			c.registry.Register(t)
			registered = append(registered, t.Name())
			logger.DebugCF("mcp", "Registered MCP tool", map[string]interface{}{"tool": t.Name()})
		}
	}
	return sessions, registered, nil
}

// rollback closes everything opened by a failed attempt. Errors while
// closing are ignored.
func (c *Connector) rollback(sessions []Session, registered []string) {
	for _, name := range registered {
		c.registry.Unregister(name)
	}
	for _, s := range sessions {
		_ = s.Close()
	}
}

// Close releases all sessions when connected.
func (c *Connector) Close() error {
	if c.State() != StateConnected {
		return nil
	}
	c.mu.Lock()
	sessions := c.sessions
	registered := c.registered
	c.sessions, c.registered = nil, nil
	c.mu.Unlock()

	var errs []error
	for _, name := range registered {
		c.registry.Unregister(name)
	}
	for _, s := range sessions {
		if err := s.Close(); err != nil && !isShutdownNoise(err) {
			errs = append(errs, err)
		}
	}
	c.state.Store(int32(StateNotConnected))
	return errors.Join(errs...)
}

func isShutdownNoise(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "file already closed") || strings.Contains(msg, "broken pipe")
}

// clientSession adapts an initialized mcp-go client.
type clientSession struct {
	c *client.Client
}

func (s *clientSession) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	res, err := s.c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, err
	}
	return res.Tools, nil
}

func (s *clientSession) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return s.c.CallTool(ctx, req)
}

func (s *clientSession) Close() error {
	return s.c.Close()
}

// dialServer starts a stdio server when Command is set, otherwise connects to
// URL over streamable HTTP, then performs the initialize handshake.
func (c *Connector) dialServer(ctx context.Context, name string, cfg config.MCPServerConfig) (Session, error) {
	var (
		cl  *client.Client
		err error
	)
	switch {
	case cfg.Command != "":
		env := make([]string, 0, len(cfg.Env))
		for k, v := range cfg.Env {
			env = append(env, k+"="+v)
		}
		cl, err = client.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
		if err != nil {
			return nil, fmt.Errorf("start stdio client: %w", err)
		}
	case cfg.URL != "":
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(cfg.Headers))
		}
		cl, err = client.NewStreamableHttpClient(cfg.URL, opts...)
		if err != nil {
			return nil, fmt.Errorf("create http client: %w", err)
		}
		if err := cl.Start(ctx); err != nil {
			_ = cl.Close()
			return nil, fmt.Errorf("start http client: %w", err)
		}
	default:
		return nil, fmt.Errorf("neither command nor url configured")
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "digiclaw", Version: c.version}
	if _, err := cl.Initialize(ctx, initReq); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("initialize: %w", err)
	}
	logger.InfoCF("mcp", "MCP server initialized", map[string]interface{}{"server": name})
	return &clientSession{c: cl}, nil
}

// Package mcpclient connects to configured stdio MCP servers on first use.
package mcpclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/iambrandonn/satto/internal/config"
	"github.com/iambrandonn/satto/internal/executor"
)

// ErrUnknownServer is returned for a server name missing from configuration.
var ErrUnknownServer = errors.New("unknown MCP server")

// Client holds one session per server. It implements executor.MCPClient.
type Client struct {
	servers map[string]config.MCPServer
	version string
	logger  *slog.Logger

	// connect is replaced in tests.
	connect func(ctx context.Context, name string, srv config.MCPServer) (session, error)

	mu       sync.Mutex
	sessions map[string]session
}

// session is the subset of *mcp.ClientSession the client uses.
type session interface {
	CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error)
	ReadResource(ctx context.Context, params *mcp.ReadResourceParams) (*mcp.ReadResourceResult, error)
	Close() error
}

var _ executor.MCPClient = (*Client)(nil)

// New returns a client for the enabled servers in servers.
func New(servers map[string]config.MCPServer, version string, logger *slog.Logger) *Client {
	enabled := make(map[string]config.MCPServer, len(servers))
	for name, srv := range servers {
		if !srv.Disabled {
			enabled[name] = srv
		}
	}
	c := &Client{
		servers:  enabled,
		version:  version,
		logger:   logger,
		sessions: make(map[string]session),
	}
	c.connect = c.dial
	return c
}

// Servers lists the enabled server names.
func (c *Client) Servers() []string {
	names := make([]string, 0, len(c.servers))
	for name := range c.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Client) dial(ctx context.Context, name string, srv config.MCPServer) (session, error) {
	cmd := exec.Command(srv.Command, srv.Args...)
	cmd.Env = os.Environ()
	for k, v := range srv.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	client := mcp.NewClient(&mcp.Implementation{Name: "satto", Version: c.version}, nil)
	s, err := client.Connect(ctx, &mcp.CommandTransport{Command: cmd}, nil)
	if err != nil {
		return nil, fmt.Errorf("connect to MCP server %s: %w", name, err)
	}
	c.logger.Info("MCP server connected", "server", name, "command", srv.Command)
	return s, nil
}

func (c *Client) session(ctx context.Context, name string) (session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[name]; ok {
		return s, nil
	}
	srv, ok := c.servers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownServer, name)
	}
	s, err := c.connect(ctx, name, srv)
	if err != nil {
		return nil, err
	}
	c.sessions[name] = s
	return s, nil
}

// CallTool invokes tool on server. isError reports a tool-level failure.
func (c *Client) CallTool(ctx context.Context, server, tool string, args map[string]any) (string, bool, error) {
	s, err := c.session(ctx, server)
	if err != nil {
		return "", false, err
	}
	res, err := s.CallTool(ctx, &mcp.CallToolParams{Name: tool, Arguments: args})
	if err != nil {
		return "", false, fmt.Errorf("call %s on %s: %w", tool, server, err)
	}

	parts := make([]string, 0, len(res.Content))
	for _, content := range res.Content {
		switch v := content.(type) {
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		case *mcp.ImageContent:
			parts = append(parts, fmt.Sprintf("[image %s, %d bytes]", v.MIMEType, len(v.Data)))
		default:
			parts = append(parts, fmt.Sprintf("[unsupported content %T]", content))
		}
	}
	return strings.Join(parts, "\n\n"), res.IsError, nil
}

// ReadResource reads uri from server and joins the text contents.
func (c *Client) ReadResource(ctx context.Context, server, uri string) (string, error) {
	s, err := c.session(ctx, server)
	if err != nil {
		return "", err
	}
	res, err := s.ReadResource(ctx, &mcp.ReadResourceParams{URI: uri})
	if err != nil {
		return "", fmt.Errorf("read %s from %s: %w", uri, server, err)
	}
	parts := make([]string, 0, len(res.Contents))
	for _, content := range res.Contents {
		if content == nil {
			continue
		}
		if content.Text != "" {
			parts = append(parts, content.Text)
		} else if len(content.Blob) > 0 {
			parts = append(parts, fmt.Sprintf("[binary %s, %d bytes]", content.MIMEType, len(content.Blob)))
		}
	}
	return strings.Join(parts, "\n\n"), nil
}

// Close ends every open session.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for name, s := range c.sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
		delete(c.sessions, name)
	}
	return errors.Join(errs...)
}

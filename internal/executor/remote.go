package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/iambrandonn/satto/internal/protocol"
)

// BrowserAction is one use_browser step.
type BrowserAction struct {
	Action string
	URL    string
	X, Y   int
	Text   string
}

// BrowserState is what the page looks like after an action.
type BrowserState struct {
	URL        string
	Title      string
	Screenshot []byte
	Logs       []string
}

// Browser drives a single page.
type Browser interface {
	Do(ctx context.Context, action BrowserAction) (*BrowserState, error)
	Close() error
}

// MCPClient talks to configured MCP servers.
type MCPClient interface {
	CallTool(ctx context.Context, server, tool string, args map[string]any) (string, bool, error)
	ReadResource(ctx context.Context, server, uri string) (string, error)
	Close() error
}

func (e *Executor) useBrowser(ctx context.Context, req *protocol.ActionRequest) (output, error) {
	if e.opts.Browser == nil {
		return output{}, failuref("unavailable", "browser support is not configured")
	}
	action := BrowserAction{
		Action: strings.TrimSpace(req.Param("action")),
		URL:    strings.TrimSpace(req.Param("url")),
		Text:   req.Param("text"),
	}
	if action.Action == "click" {
		x, y, err := protocol.ParseCoordinate(req.Param("coordinate"))
		if err != nil {
			return output{}, failure("invalid_param", err)
		}
		action.X, action.Y = x, y
	}

	state, err := e.opts.Browser.Do(ctx, action)
	if err != nil {
		return output{}, failure("browser", err)
	}
	if action.Action == "close" || state == nil {
		return output{text: "The browser has been closed."}, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "The browser action %q has been executed.", action.Action)
	if state.URL != "" {
		fmt.Fprintf(&b, "\nCurrent URL: %s", state.URL)
	}
	if state.Title != "" {
		fmt.Fprintf(&b, "\nTitle: %s", state.Title)
	}
	if len(state.Logs) > 0 {
		b.WriteString("\nConsole logs:\n")
		b.WriteString(strings.Join(state.Logs, "\n"))
	} else {
		b.WriteString("\n(No new console logs)")
	}
	return output{
		text: b.String(),
		data: map[string]any{"url": state.URL, "screenshot_bytes": len(state.Screenshot)},
	}, nil
}

func (e *Executor) useMCP(ctx context.Context, req *protocol.ActionRequest) (output, error) {
	if e.opts.MCP == nil {
		return output{}, failuref("unavailable", "no MCP servers are configured")
	}
	server := strings.TrimSpace(req.Param("server_name"))

	if tool := strings.TrimSpace(req.Param("tool_name")); tool != "" {
		var args map[string]any
		if raw := strings.TrimSpace(req.Param("arguments")); raw != "" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				return output{}, failure("invalid_param", err)
			}
		}
		text, isError, err := e.opts.MCP.CallTool(ctx, server, tool, args)
		if err != nil {
			return output{}, failure("mcp", err)
		}
		if text == "" {
			text = "(No response)"
		}
		out := output{text: text, data: map[string]any{"server": server, "tool": tool}}
		if isError {
			return out, failuref("mcp_tool_error", "tool %s on %s reported an error: %s", tool, server, text)
		}
		return out, nil
	}

	uri := strings.TrimSpace(req.Param("uri"))
	text, err := e.opts.MCP.ReadResource(ctx, server, uri)
	if err != nil {
		return output{}, failure("mcp", err)
	}
	if text == "" {
		text = "(Empty response)"
	}
	return output{text: text, data: map[string]any{"server": server, "uri": uri}}, nil
}

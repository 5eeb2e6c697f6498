package tools

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// MCPServerConfig names an external MCP tool server started as a command.
type MCPServerConfig struct {
	Name    string   `koanf:"name"`
	Command string   `koanf:"command"`
	Args    []string `koanf:"args"`
}

// MCP exposes the tools of one connected MCP server as a capability.
// The action names the tool; a run_tool action reads the tool name from
// the "tool" argument instead.
type MCP struct {
	name string

	mu      sync.RWMutex
	session *mcp.ClientSession
	tools   []string
}

var _ Capability = (*MCP)(nil)

// ConnectMCP connects to an MCP server over transport and lists its tools.
func ConnectMCP(ctx context.Context, name, version string, transport mcp.Transport) (*MCP, error) {
	client := mcp.NewClient(&mcp.Implementation{Name: "shipline", Version: version}, nil)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("connect mcp server %s: %w", name, err)
	}
	c := &MCP{name: name, session: session}

	list, err := session.ListTools(ctx, nil)
	if err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("list tools of %s: %w", name, err)
	}
	for _, t := range list.Tools {
		c.tools = append(c.tools, t.Name)
	}
	sort.Strings(c.tools)
	return c, nil
}

// ConnectMCPCommand starts cfg.Command and connects over its stdio.
func ConnectMCPCommand(ctx context.Context, cfg MCPServerConfig, version string) (*MCP, error) {
	if cfg.Name == "" || cfg.Command == "" {
		return nil, fmt.Errorf("mcp server needs a name and a command")
	}
	transport := &mcp.CommandTransport{Command: exec.Command(cfg.Command, cfg.Args...)}
	return ConnectMCP(ctx, cfg.Name, version, transport)
}

func (c *MCP) Name() string { return c.name }

func (c *MCP) Actions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.tools...)
}

// Invoke implements Capability.
func (c *MCP) Invoke(ctx context.Context, action string, args map[string]any) (Result, error) {
	tool := action
	arguments := args
	if action == "run_tool" {
		name, err := stringArg(args, "tool")
		if err != nil {
			return Result{}, err
		}
		tool = name
		arguments = make(map[string]any, len(args))
		for k, v := range args {
			if k != "tool" {
				arguments[k] = v
			}
		}
	}

	c.mu.RLock()
	session := c.session
	c.mu.RUnlock()
	if session == nil {
		return Result{}, fmt.Errorf("%s: %w", c.name, ErrNotConnected)
	}

	res, err := session.CallTool(ctx, &mcp.CallToolParams{Name: tool, Arguments: arguments})
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, fmt.Errorf("%s.%s: %w: %v", c.name, tool, ErrNotConnected, err)
	}

	text := textOf(res)
	if res.IsError {
		return Result{}, fmt.Errorf("%s.%s: %w: %s", c.name, tool, ErrActionFailed, text)
	}
	out := Result{Message: text}
	if m, ok := res.StructuredContent.(map[string]any); ok {
		out.Data = m
		if rs, ok := m["resources"].([]any); ok {
			for _, r := range rs {
				if s, ok := r.(string); ok {
					out.Resources = append(out.Resources, s)
				}
			}
		}
	}
	return out, nil
}

// Close ends the session.
func (c *MCP) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	err := c.session.Close()
	c.session = nil
	return err
}

func textOf(res *mcp.CallToolResult) string {
	var parts []string
	for _, content := range res.Content {
		if t, ok := content.(*mcp.TextContent); ok {
			parts = append(parts, t.Text)
		}
	}
	return strings.Join(parts, "\n")
}

package mcp

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// DefaultStdioInitTimeout bounds how long a subprocess gets to complete the
// MCP handshake before Initialize gives up.
const DefaultStdioInitTimeout = 10 * time.Second

// StdioClient speaks MCP over a local subprocess's stdin/stdout. Unlike the
// network transports, a stdio entry is never auto-respawned by the manager's
// reconnect loop: a dead subprocess requires an explicit restart.
type StdioClient struct {
	baseClient
	command string
	args    []string
	env     map[string]string
}

// NewStdioClient builds a stdio client for command, invoked with args and the
// given extra environment variables (args and env values already passed
// through ExpandStreamingID / expandEnv).
func NewStdioClient(command string, args []string, env map[string]string) *StdioClient {
	return &StdioClient{command: command, args: args, env: env}
}

func (c *StdioClient) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	envStrings := make([]string, 0, len(c.env))
	for k, v := range c.env {
		envStrings = append(envStrings, k+"="+v)
	}

	inner, err := client.NewStdioMCPClient(c.command, envStrings, c.args...)
	if err != nil {
		return fmt.Errorf("start stdio mcp server %s: %w", c.command, err)
	}

	initCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		initCtx, cancel = context.WithTimeout(ctx, DefaultStdioInitTimeout)
		defer cancel()
	}

	if _, err := inner.Initialize(initCtx, initializeRequest()); err != nil {
		_ = inner.Close()

		return fmt.Errorf("initialize stdio mcp server %s: %w", c.command, err)
	}

	c.inner = inner
	c.connected = true

	return nil
}

func (c *StdioClient) Close() error { return c.closeClient() }

func (c *StdioClient) ListTools(ctx context.Context) ([]mcp.Tool, error) { return c.listTools(ctx) }

func (c *StdioClient) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	return c.callTool(ctx, name, args)
}

func (c *StdioClient) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	return c.listResources(ctx)
}

func (c *StdioClient) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	return c.readResource(ctx, uri)
}

func (c *StdioClient) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	return c.listPrompts(ctx)
}

func (c *StdioClient) GetPrompt(ctx context.Context, name string, args map[string]any) (*mcp.GetPromptResult, error) {
	return c.getPrompt(ctx, name, args)
}

func (c *StdioClient) Ping(ctx context.Context) error { return c.ping(ctx) }

package mcp

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

// SSEClient speaks MCP to a remote server over an SSE transport. It is
// reconnected by the manager's exponential-backoff loop when the connection
// drops.
type SSEClient struct {
	baseClient
	url     string
	headers map[string]string
}

// NewSSEClient builds an SSE client for url with optional custom headers.
func NewSSEClient(url string, headers map[string]string) *SSEClient {
	return &SSEClient{url: url, headers: headers}
}

func (c *SSEClient) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	var opts []transport.ClientOption
	if len(c.headers) > 0 {
		opts = append(opts, transport.WithHeaders(c.headers))
	}

	inner, err := client.NewSSEMCPClient(c.url, opts...)
	if err != nil {
		return fmt.Errorf("create sse mcp client %s: %w", c.url, err)
	}

	if err := inner.Start(ctx); err != nil {
		return fmt.Errorf("start sse transport %s: %w", c.url, err)
	}

	if _, err := inner.Initialize(ctx, initializeRequest()); err != nil {
		_ = inner.Close()

		return fmt.Errorf("initialize sse mcp server %s: %w", c.url, err)
	}

	c.inner = inner
	c.connected = true

	return nil
}

func (c *SSEClient) Close() error { return c.closeClient() }

func (c *SSEClient) ListTools(ctx context.Context) ([]mcp.Tool, error) { return c.listTools(ctx) }

func (c *SSEClient) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	return c.callTool(ctx, name, args)
}

func (c *SSEClient) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	return c.listResources(ctx)
}

func (c *SSEClient) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	return c.readResource(ctx, uri)
}

func (c *SSEClient) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	return c.listPrompts(ctx)
}

func (c *SSEClient) GetPrompt(ctx context.Context, name string, args map[string]any) (*mcp.GetPromptResult, error) {
	return c.getPrompt(ctx, name, args)
}

func (c *SSEClient) Ping(ctx context.Context) error { return c.ping(ctx) }

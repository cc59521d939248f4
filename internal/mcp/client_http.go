package mcp

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

// StreamableHTTPClient speaks MCP to a remote server over the streamable
// HTTP transport (plain request/response plus optional server-initiated
// streaming chunks, as opposed to a dedicated SSE channel).
type StreamableHTTPClient struct {
	baseClient
	url     string
	headers map[string]string
}

// NewStreamableHTTPClient builds a streamable-HTTP client for url with
// optional custom headers.
func NewStreamableHTTPClient(url string, headers map[string]string) *StreamableHTTPClient {
	return &StreamableHTTPClient{url: url, headers: headers}
}

func (c *StreamableHTTPClient) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	var opts []transport.StreamableHTTPCOption
	if len(c.headers) > 0 {
		opts = append(opts, transport.WithHTTPHeaders(c.headers))
	}

	inner, err := client.NewStreamableHttpClient(c.url, opts...)
	if err != nil {
		return fmt.Errorf("create streamable http mcp client %s: %w", c.url, err)
	}

	if _, err := inner.Initialize(ctx, initializeRequest()); err != nil {
		_ = inner.Close()

		return fmt.Errorf("initialize streamable http mcp server %s: %w", c.url, err)
	}

	c.inner = inner
	c.connected = true

	return nil
}

func (c *StreamableHTTPClient) Close() error { return c.closeClient() }

func (c *StreamableHTTPClient) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	return c.listTools(ctx)
}

func (c *StreamableHTTPClient) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	return c.callTool(ctx, name, args)
}

func (c *StreamableHTTPClient) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	return c.listResources(ctx)
}

func (c *StreamableHTTPClient) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	return c.readResource(ctx, uri)
}

func (c *StreamableHTTPClient) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	return c.listPrompts(ctx)
}

func (c *StreamableHTTPClient) GetPrompt(ctx context.Context, name string, args map[string]any) (*mcp.GetPromptResult, error) {
	return c.getPrompt(ctx, name, args)
}

func (c *StreamableHTTPClient) Ping(ctx context.Context) error { return c.ping(ctx) }

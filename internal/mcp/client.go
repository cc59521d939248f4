// Package mcp implements the MCP (Model Context Protocol) upstream client
// layer (spec §4.G): per-transport clients wrapping mark3labs/mcp-go, and a
// Manager that owns their lifecycle, reconnection, and tool catalogs.
package mcp

import (
	"context"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// protocolVersion is the MCP wire protocol this client speaks.
const protocolVersion = "2024-11-05"

// clientInfo identifies this process to upstream MCP servers during the
// initialize handshake.
var clientInfo = mcp.Implementation{Name: "claude-code-open", Version: "1.0.0"} //nolint:gochecknoglobals

// Client is the transport-agnostic surface the manager and aggregator need
// from one upstream MCP server connection.
type Client interface {
	Initialize(ctx context.Context) error
	Close() error
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)
	ListResources(ctx context.Context) ([]mcp.Resource, error)
	ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error)
	ListPrompts(ctx context.Context) ([]mcp.Prompt, error)
	GetPrompt(ctx context.Context, name string, args map[string]any) (*mcp.GetPromptResult, error)
	Ping(ctx context.Context) error
}

var (
	_ Client = (*StdioClient)(nil)
	_ Client = (*SSEClient)(nil)
	_ Client = (*StreamableHTTPClient)(nil)
)

// baseClient implements the protocol operations shared by every transport
// once a concrete client.MCPClient is connected.
type baseClient struct {
	inner     client.MCPClient
	mu        sync.RWMutex
	connected bool
}

func (b *baseClient) checkConnected() error {
	if !b.connected || b.inner == nil {
		return fmt.Errorf("mcp client not connected")
	}

	return nil
}

func (b *baseClient) closeClient() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected || b.inner == nil {
		return nil
	}

	err := b.inner.Close()
	b.connected = false
	b.inner = nil

	return err
}

func initializeRequest() mcp.InitializeRequest {
	return mcp.InitializeRequest{
		Params: struct {
			ProtocolVersion string                 `json:"protocolVersion"`
			Capabilities    mcp.ClientCapabilities `json:"capabilities"`
			ClientInfo      mcp.Implementation     `json:"clientInfo"`
		}{
			ProtocolVersion: protocolVersion,
			ClientInfo:      clientInfo,
			Capabilities:    mcp.ClientCapabilities{},
		},
	}
}

func (b *baseClient) listTools(ctx context.Context) ([]mcp.Tool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkConnected(); err != nil {
		return nil, err
	}

	result, err := b.inner.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}

	return result.Tools, nil
}

func (b *baseClient) callTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkConnected(); err != nil {
		return nil, err
	}

	result, err := b.inner.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{Name: name, Arguments: args},
	})
	if err != nil {
		return nil, fmt.Errorf("call tool %s: %w", name, err)
	}

	return result, nil
}

func (b *baseClient) listResources(ctx context.Context) ([]mcp.Resource, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkConnected(); err != nil {
		return nil, err
	}

	result, err := b.inner.ListResources(ctx, mcp.ListResourcesRequest{})
	if err != nil {
		return nil, fmt.Errorf("list resources: %w", err)
	}

	return result.Resources, nil
}

func (b *baseClient) readResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkConnected(); err != nil {
		return nil, err
	}

	result, err := b.inner.ReadResource(ctx, mcp.ReadResourceRequest{
		Params: struct {
			URI       string         `json:"uri"`
			Arguments map[string]any `json:"arguments,omitempty"`
		}{URI: uri},
	})
	if err != nil {
		return nil, fmt.Errorf("read resource %s: %w", uri, err)
	}

	return result, nil
}

func (b *baseClient) listPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkConnected(); err != nil {
		return nil, err
	}

	result, err := b.inner.ListPrompts(ctx, mcp.ListPromptsRequest{})
	if err != nil {
		return nil, fmt.Errorf("list prompts: %w", err)
	}

	return result.Prompts, nil
}

func (b *baseClient) getPrompt(ctx context.Context, name string, args map[string]any) (*mcp.GetPromptResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkConnected(); err != nil {
		return nil, err
	}

	stringArgs := make(map[string]string, len(args))
	for k, v := range args {
		if s, ok := v.(string); ok {
			stringArgs[k] = s
		} else {
			stringArgs[k] = fmt.Sprintf("%v", v)
		}
	}

	result, err := b.inner.GetPrompt(ctx, mcp.GetPromptRequest{
		Params: struct {
			Name      string            `json:"name"`
			Arguments map[string]string `json:"arguments,omitempty"`
		}{Name: name, Arguments: stringArgs},
	})
	if err != nil {
		return nil, fmt.Errorf("get prompt %s: %w", name, err)
	}

	return result, nil
}

func (b *baseClient) ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkConnected(); err != nil {
		return err
	}

	return b.inner.Ping(ctx)
}

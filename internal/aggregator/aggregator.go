// Package aggregator implements the MCP aggregator server (spec §4.H): for
// each configured upstream server group it exposes a GET /mcp/:group SSE
// endpoint and a POST /mcp/:group/messages JSON-RPC endpoint, backed by a
// fresh in-process mark3labs/mcp-go MCP server whose tool catalog is the
// group's aggregated, name-prefixed upstream tools.
package aggregator

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mihaisavezi/claude-code-open/internal/mcp"
)

// DefaultIdleSessionTimeout is the idle-session timeout value (spec §4.H).
// The aggregator does not apply it: idle sessions are not expired.
const DefaultIdleSessionTimeout = 10 * time.Minute

const toolNameSeparator = "__"

// group holds one :group's aggregated MCP server and its HTTP transport.
type group struct {
	name      string
	mcpServer *server.MCPServer
	sseServer *server.SSEServer
}

// Aggregator owns one group per configured upstream server group and mounts
// their SSE/message endpoints on a shared mux.
type Aggregator struct {
	manager *mcp.Manager
	logger  *slog.Logger
	baseURL string

	mu     sync.RWMutex
	groups map[string]*group
}

// New returns an Aggregator that routes tool calls through manager. baseURL
// is advertised to clients in the SSE "endpoint" event (e.g.
// "http://127.0.0.1:3456").
func New(manager *mcp.Manager, logger *slog.Logger, baseURL string) *Aggregator {
	return &Aggregator{manager: manager, logger: logger, baseURL: baseURL, groups: make(map[string]*group)}
}

// RebuildGroup (re)creates groupName's MCP server with its upstream servers'
// current tool catalogs, replacing any prior instance. Call once per known
// group at startup and again whenever an admin requests a tool refresh.
func (a *Aggregator) RebuildGroup(ctx context.Context, groupName string) error {
	servers := a.manager.GroupServers(groupName)
	if len(servers) == 0 {
		return fmt.Errorf("no mcp servers configured for group %q", groupName)
	}

	mcpServer := server.NewMCPServer(
		"claude-code-open-aggregator-"+groupName,
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	var tools []server.ServerTool

	for _, srv := range servers {
		upstreamTools, err := a.manager.GetTools(srv)
		if err != nil {
			a.logger.Warn("skipping mcp server with no cached tools", "group", groupName, "server", srv, "error", err)

			continue
		}

		for _, t := range upstreamTools {
			tools = append(tools, a.buildServerTool(srv, t))
		}
	}

	mcpServer.AddTools(tools...)

	sseServer := server.NewSSEServer(
		mcpServer,
		server.WithBaseURL(a.baseURL),
		server.WithSSEEndpoint("/mcp/"+groupName),
		server.WithMessageEndpoint("/mcp/"+groupName+"/messages"),
		server.WithKeepAlive(true),
		server.WithKeepAliveInterval(30*time.Second),
	)

	a.mu.Lock()
	a.groups[groupName] = &group{name: groupName, mcpServer: mcpServer, sseServer: sseServer}
	a.mu.Unlock()

	a.logger.Info("rebuilt mcp aggregator group", "group", groupName, "tools", len(tools), "servers", servers)

	return nil
}

// buildServerTool wraps one upstream tool under its aggregated name
// "<server>__<tool>", forwarding calls to the manager with the requesting
// session's id for correlation (spec §4.H).
func (a *Aggregator) buildServerTool(serverName string, upstream mcpsdk.Tool) server.ServerTool {
	aggregated := upstream
	aggregated.Name = serverName + toolNameSeparator + upstream.Name

	return server.ServerTool{
		Tool: aggregated,
		Handler: func(ctx context.Context, req mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			srv, tool, err := splitToolName(req.Params.Name)
			if err != nil {
				return mcpsdk.NewToolResultError(err.Error()), nil //nolint:nilerr
			}

			if srv != serverName {
				return mcpsdk.NewToolResultError(fmt.Sprintf("tool %s does not belong to server %s", req.Params.Name, serverName)), nil
			}

			args, _ := req.Params.Arguments.(map[string]any)

			result, err := a.manager.CallTool(ctx, srv, tool, args, sessionIDFromContext(ctx))
			if err != nil {
				return mcpsdk.NewToolResultError(err.Error()), nil //nolint:nilerr
			}

			return result, nil
		},
	}
}

// splitToolName splits an aggregated tool name on the first "__", per spec
// §4.H's "<srv>__<tool>" naming rule.
func splitToolName(name string) (serverName, toolName string, err error) {
	idx := strings.Index(name, toolNameSeparator)
	if idx < 0 {
		return "", "", fmt.Errorf("malformed aggregated tool name %q", name)
	}

	return name[:idx], name[idx+len(toolNameSeparator):], nil
}

func sessionIDFromContext(ctx context.Context) string {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		return session.SessionID()
	}

	return ""
}

// Mux returns the http.Handler serving every rebuilt group's SSE and message
// endpoints. Call after RebuildGroup has run for every configured group.
func (a *Aggregator) Mux() http.Handler {
	mux := http.NewServeMux()

	a.mu.RLock()
	defer a.mu.RUnlock()

	for name, g := range a.groups {
		sse := g.sseServer
		mux.Handle("/mcp/"+name, sse)
		mux.Handle("/mcp/"+name+"/messages", sse)

		a.logger.Debug("mounted mcp aggregator group routes", "group", name)
	}

	return mux
}

// Groups returns the names of every rebuilt group.
func (a *Aggregator) Groups() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	names := make([]string, 0, len(a.groups))
	for name := range a.groups {
		names = append(names, name)
	}

	return names
}

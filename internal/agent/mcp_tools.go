package agent

import (
	"context"
	"fmt"

	"github.com/mihaisavezi/claude-code-open/internal/mcp"
)

// RegisterMCPServerTools (re)binds every tool currently cached for each of
// manager's connected servers into reg, under the same "<server>__<tool>"
// name the aggregator exposes (spec §4.H), so a model that discovered its
// tools through the aggregator can have its tool_use blocks intercepted and
// resolved in-process by the router's agent.Loop instead of round-tripping
// back to the client. Safe to call repeatedly (e.g. after a tools refresh);
// later calls simply replace existing bindings.
func RegisterMCPServerTools(reg *Registry, manager *mcp.Manager) int {
	count := 0

	for _, name := range manager.ListServers() {
		tools, err := manager.GetTools(name)
		if err != nil {
			continue
		}

		for _, tool := range tools {
			serverName, toolName := name, tool.Name
			qualified := fmt.Sprintf("%s__%s", serverName, toolName)

			reg.Register(qualified, mcpToolHandler(manager, serverName, toolName))
			count++
		}
	}

	return count
}

// mcpToolHandler closes over one upstream server/tool pair, calling through
// the manager and flattening the result's content blocks into a plain value
// so it can be JSON-marshaled straight into a tool_result message.
func mcpToolHandler(manager *mcp.Manager, serverName, toolName string) ToolHandler {
	return func(ctx context.Context, args map[string]any) (any, error) {
		result, err := manager.CallTool(ctx, serverName, toolName, args, "")
		if err != nil {
			return nil, err
		}

		if result.IsError {
			return nil, fmt.Errorf("mcp tool %s__%s returned an error result", serverName, toolName)
		}

		return result.Content, nil
	}
}

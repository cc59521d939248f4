package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mihaisavezi/claude-code-open/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Inspect configured upstream MCP servers",
	Long:  `Connect to the MCP servers in the configuration and inspect their status and tools.`,
}

var mcpListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured MCP servers and their connection status",
	RunE:  runMCPList,
}

var mcpToolsCmd = &cobra.Command{
	Use:   "tools <server>",
	Short: "List the tools a connected MCP server currently exposes",
	Args:  cobra.ExactArgs(1),
	RunE:  runMCPTools,
}

func init() {
	mcpCmd.AddCommand(mcpListCmd)
	mcpCmd.AddCommand(mcpToolsCmd)
	rootCmd.AddCommand(mcpCmd)
}

// connectConfiguredServers brings up a throwaway mcp.Manager for the
// currently saved configuration, used by the inspection subcommands below.
// It does not touch the long-running service's own manager.
func connectConfiguredServers(ctx context.Context) (*mcp.Manager, error) {
	cfg, err := cfgMgr.Load()
	if err != nil {
		return nil, err
	}

	manager := mcp.NewManager(logger)
	for name, serverCfg := range cfg.MCPServers {
		if err := manager.AddServer(ctx, name, serverCfg); err != nil {
			color.Red("failed to start %s: %v", name, err)
		}
	}

	return manager, nil
}

func runMCPList(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	manager, err := connectConfiguredServers(ctx)
	if err != nil {
		return err
	}
	defer manager.Close()

	names := manager.ListServers()
	if len(names) == 0 {
		color.Yellow("No MCP servers configured")
		return nil
	}

	color.Blue("Configured MCP servers:")
	for _, name := range names {
		status, err := manager.Status(name)
		if err != nil {
			fmt.Printf("  %-20s: %v\n", name, err)
			continue
		}
		fmt.Printf("  %-20s: %s\n", name, status)
	}

	return nil
}

func runMCPTools(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	manager, err := connectConfiguredServers(ctx)
	if err != nil {
		return err
	}
	defer manager.Close()

	name := args[0]
	tools, err := manager.RefreshTools(ctx, name)
	if err != nil {
		return fmt.Errorf("fetch tools for %s: %w", name, err)
	}

	if len(tools) == 0 {
		color.Yellow("%s exposes no tools", name)
		return nil
	}

	color.Blue("Tools on %s:", name)
	for _, tool := range tools {
		fmt.Printf("  %-30s %s\n", tool.Name, tool.Description)
	}

	return nil
}

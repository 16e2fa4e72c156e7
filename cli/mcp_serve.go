package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vimo-ai/vlaude-sub001/config"
	"github.com/vimo-ai/vlaude-sub001/mcp"
	"github.com/vimo-ai/vlaude-sub001/store"
)

var mcpServeCmd = &cobra.Command{
	Use:   "mcp-serve",
	Short: "Start vlaude as an MCP server",
	Long: `Start vlaude as an MCP (Model Context Protocol) server.

This allows AI agents to browse the cached transcript mirror through the MCP
protocol. The server communicates via stdio and exposes the following tools:

  - vlaude_list_projects: List cached projects ordered by freshness
  - vlaude_list_sessions: List a project's sessions with previews
  - vlaude_get_turns: Read conversation turns for a session
  - vlaude_cache_status: Check cache health and statistics

Configuration for Claude Code:
  claude mcp add vlaude -- vlaude mcp-serve

Configuration for Cursor (.cursor/mcp.json):
  {
    "mcpServers": {
      "vlaude": {
        "command": "vlaude",
        "args": ["mcp-serve"]
      }
    }
  }`,
	Args: cobra.NoArgs,
	RunE: runMCPServe,
}

func init() {
	rootCmd.AddCommand(mcpServeCmd)
}

func runMCPServe(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	home, err := config.HomeDir()
	if err != nil {
		return err
	}
	cfg, err := config.LoadOrDefault(home)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	cache, err := store.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open cache: %w", err)
	}
	defer cache.Close()

	return mcp.NewServer(cache).Serve()
}

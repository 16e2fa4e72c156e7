// Package mcp provides an MCP (Model Context Protocol) server for vlaude.
// This allows AI agents to browse the cached transcript mirror as a native
// tool.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alpkeskin/gotoon"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/vimo-ai/vlaude-sub001/store"
)

// Server wraps the MCP server around the consistency cache.
type Server struct {
	mcpServer *server.MCPServer
	cache     store.Cache
}

// SessionSummary is a lightweight struct for MCP output.
type SessionSummary struct {
	ID          string `json:"id"`
	ProjectPath string `json:"project_path"`
	UpdatedAt   string `json:"updated_at"`
	TurnCount   int    `json:"turn_count"`
	Deleted     bool   `json:"deleted,omitempty"`
	Preview     string `json:"preview,omitempty"`
}

// TurnView is a minimal turn representation for MCP output.
type TurnView struct {
	Seq       int    `json:"seq"`
	Kind      string `json:"kind"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
	ToolCalls string `json:"tool_calls,omitempty"`
}

// CacheStatus represents the current state of the cache.
type CacheStatus struct {
	Projects        int    `json:"projects"`
	Sessions        int    `json:"sessions"`
	DeletedSessions int    `json:"deleted_sessions"`
	Turns           int    `json:"turns"`
	LastUpdated     string `json:"last_updated"`
}

// encodeOutput encodes data in the specified format (json or toon).
func encodeOutput(data any, format string) (string, error) {
	switch format {
	case "toon":
		return gotoon.Encode(data)
	default: // "json"
		jsonBytes, err := json.MarshalIndent(data, "", "  ")
		if err != nil {
			return "", err
		}
		return string(jsonBytes), nil
	}
}

// NewServer creates a new MCP server backed by the given cache.
func NewServer(cache store.Cache) *Server {
	s := &Server{cache: cache}

	s.mcpServer = server.NewMCPServer(
		"vlaude",
		"1.0.0",
		server.WithToolCapabilities(false),
	)

	s.registerTools()

	return s
}

// registerTools registers all vlaude tools with the MCP server.
func (s *Server) registerTools() {
	listProjectsTool := mcp.NewTool("vlaude_list_projects",
		mcp.WithDescription("List cached projects ordered by freshness. Each project is a working directory that has CLI sessions."),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of projects to return (default: 20)"),
		),
		mcp.WithString("format",
			mcp.Description("Output format: 'json' (default) or 'toon' (token-efficient)"),
		),
	)
	s.mcpServer.AddTool(listProjectsTool, s.handleListProjects)

	listSessionsTool := mcp.NewTool("vlaude_list_sessions",
		mcp.WithDescription("List cached sessions for a project, newest first, with a one-line preview of the latest turn."),
		mcp.WithString("project",
			mcp.Required(),
			mcp.Description("Project path (the session's working directory, e.g. '/home/dev/proj')"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of sessions to return (default: 20)"),
		),
		mcp.WithBoolean("include_deleted",
			mcp.Description("Include soft-deleted sessions (default: false)"),
		),
		mcp.WithString("format",
			mcp.Description("Output format: 'json' (default) or 'toon' (token-efficient)"),
		),
	)
	s.mcpServer.AddTool(listSessionsTool, s.handleListSessions)

	getTurnsTool := mcp.NewTool("vlaude_get_turns",
		mcp.WithDescription("Read conversation turns for a session in sequence order."),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("Session ID to read turns for"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of turns to return (default: 50)"),
		),
		mcp.WithNumber("offset",
			mcp.Description("Number of turns to skip (default: 0)"),
		),
		mcp.WithString("order",
			mcp.Description("Sort order: 'asc' (default) or 'desc'"),
		),
		mcp.WithString("format",
			mcp.Description("Output format: 'json' (default) or 'toon' (token-efficient)"),
		),
	)
	s.mcpServer.AddTool(getTurnsTool, s.handleGetTurns)

	cacheStatusTool := mcp.NewTool("vlaude_cache_status",
		mcp.WithDescription("Check the health of the vlaude cache. Returns counts of mirrored projects, sessions, and turns."),
		mcp.WithString("format",
			mcp.Description("Output format: 'json' (default) or 'toon' (token-efficient)"),
		),
	)
	s.mcpServer.AddTool(cacheStatusTool, s.handleCacheStatus)
}

// handleListProjects handles the vlaude_list_projects tool call.
func (s *Server) handleListProjects(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := request.GetInt("limit", 20)
	if limit <= 0 {
		limit = 20
	}
	format := request.GetString("format", "json")
	if format != "json" && format != "toon" {
		return mcp.NewToolResultError("format must be 'json' or 'toon'"), nil
	}

	projects, err := s.cache.ListProjects(ctx, limit, 0)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list projects: %v", err)), nil
	}

	output, err := encodeOutput(projects, format)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode results: %v", err)), nil
	}
	return mcp.NewToolResultText(output), nil
}

// handleListSessions handles the vlaude_list_sessions tool call.
func (s *Server) handleListSessions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	project, err := request.RequireString("project")
	if err != nil {
		return mcp.NewToolResultError("project parameter is required"), nil
	}

	limit := request.GetInt("limit", 20)
	if limit <= 0 {
		limit = 20
	}
	includeDeleted := request.GetBool("include_deleted", false)
	format := request.GetString("format", "json")
	if format != "json" && format != "toon" {
		return mcp.NewToolResultError("format must be 'json' or 'toon'"), nil
	}

	sessions, err := s.cache.ListSessions(ctx, project, limit, 0, includeDeleted)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list sessions: %v", err)), nil
	}

	summaries := make([]SessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		summary := SessionSummary{
			ID:          sess.ID,
			ProjectPath: sess.ProjectPath,
			UpdatedAt:   sess.UpdatedAt.Format("2006-01-02 15:04:05"),
			TurnCount:   sess.TurnCount,
			Deleted:     sess.Deleted,
		}
		if preview, err := s.cache.GetPreview(ctx, sess.ID); err == nil && preview != nil {
			summary.Preview = preview.Text
		}
		summaries = append(summaries, summary)
	}

	output, err := encodeOutput(summaries, format)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode results: %v", err)), nil
	}
	return mcp.NewToolResultText(output), nil
}

// handleGetTurns handles the vlaude_get_turns tool call.
func (s *Server) handleGetTurns(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("session_id parameter is required"), nil
	}

	limit := request.GetInt("limit", 50)
	if limit <= 0 {
		limit = 50
	}
	offset := request.GetInt("offset", 0)
	if offset < 0 {
		offset = 0
	}
	format := request.GetString("format", "json")
	if format != "json" && format != "toon" {
		return mcp.NewToolResultError("format must be 'json' or 'toon'"), nil
	}
	order := store.OrderAsc
	if request.GetString("order", "asc") == "desc" {
		order = store.OrderDesc
	}

	sess, err := s.cache.GetSession(ctx, sessionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to look up session: %v", err)), nil
	}
	if sess == nil {
		return mcp.NewToolResultError(fmt.Sprintf("session not found: %s", sessionID)), nil
	}

	turns, err := s.cache.GetTurns(ctx, sessionID, limit, offset, order)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to read turns: %v", err)), nil
	}

	views := make([]TurnView, 0, len(turns))
	for _, turn := range turns {
		views = append(views, TurnView{
			Seq:       turn.Seq,
			Kind:      turn.Kind,
			Text:      turn.Text,
			Timestamp: turn.Timestamp.Format("2006-01-02 15:04:05"),
			ToolCalls: turn.ToolCalls,
		})
	}

	output, err := encodeOutput(views, format)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode results: %v", err)), nil
	}
	return mcp.NewToolResultText(output), nil
}

// handleCacheStatus handles the vlaude_cache_status tool call.
func (s *Server) handleCacheStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format := request.GetString("format", "json")
	if format != "json" && format != "toon" {
		return mcp.NewToolResultError("format must be 'json' or 'toon'"), nil
	}

	stats, err := s.cache.Stats(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to get stats: %v", err)), nil
	}

	status := CacheStatus{
		Projects:        stats.Projects,
		Sessions:        stats.Sessions,
		DeletedSessions: stats.DeletedSessions,
		Turns:           stats.Turns,
		LastUpdated:     stats.LastUpdated.Format("2006-01-02 15:04:05"),
	}

	output, err := encodeOutput(status, format)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode status: %v", err)), nil
	}
	return mcp.NewToolResultText(output), nil
}

// Serve starts the MCP server using stdio transport.
func (s *Server) Serve() error {
	return server.ServeStdio(s.mcpServer)
}

package mcp

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/vimo-ai/vlaude-sub001/store"
)

func newTestCache(t *testing.T) store.Cache {
	t.Helper()
	cache, err := store.NewSQLiteCache(context.Background(), filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(func() { cache.Close() })
	return cache
}

func seedCache(t *testing.T, cache store.Cache) {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	if err := cache.UpsertProject(ctx, store.Project{Path: "/home/dev/proj", Dir: "-home-dev-proj", UpdatedAt: now}); err != nil {
		t.Fatalf("upsert project: %v", err)
	}
	if err := cache.UpsertSession(ctx, store.Session{ID: "s1", ProjectPath: "/home/dev/proj", CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("upsert session: %v", err)
	}
	turns := []store.Turn{
		{SessionID: "s1", Kind: "user", Text: "hello", Timestamp: now},
		{SessionID: "s1", Kind: "assistant", Text: "hi there", Timestamp: now.Add(time.Second)},
	}
	if err := cache.AppendTurns(ctx, "s1", turns); err != nil {
		t.Fatalf("append turns: %v", err)
	}
	preview := turns[1]
	if err := cache.SetPreview(ctx, "s1", preview); err != nil {
		t.Fatalf("set preview: %v", err)
	}
}

func callTool(t *testing.T, handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), args map[string]any) *mcp.CallToolResult {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args

	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	return result
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("expected result content")
	}
	content, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return content.Text
}

func TestHandleListSessions(t *testing.T) {
	cache := newTestCache(t)
	seedCache(t, cache)
	s := NewServer(cache)

	result := callTool(t, s.handleListSessions, map[string]any{"project": "/home/dev/proj"})
	if result.IsError {
		t.Fatalf("unexpected error result: %s", resultText(t, result))
	}

	var summaries []SessionSummary
	if err := json.Unmarshal([]byte(resultText(t, result)), &summaries); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("got %d sessions, want 1", len(summaries))
	}
	if summaries[0].ID != "s1" || summaries[0].TurnCount != 2 {
		t.Fatalf("unexpected summary: %+v", summaries[0])
	}
	if summaries[0].Preview != "hi there" {
		t.Fatalf("preview = %q, want latest turn text", summaries[0].Preview)
	}
}

func TestHandleListSessionsRequiresProject(t *testing.T) {
	s := NewServer(newTestCache(t))

	result := callTool(t, s.handleListSessions, map[string]any{})
	if !result.IsError {
		t.Fatal("expected error result")
	}
	if !strings.Contains(resultText(t, result), "project parameter is required") {
		t.Fatalf("unexpected error text: %s", resultText(t, result))
	}
}

func TestHandleGetTurns(t *testing.T) {
	cache := newTestCache(t)
	seedCache(t, cache)
	s := NewServer(cache)

	result := callTool(t, s.handleGetTurns, map[string]any{"session_id": "s1"})
	if result.IsError {
		t.Fatalf("unexpected error result: %s", resultText(t, result))
	}

	var views []TurnView
	if err := json.Unmarshal([]byte(resultText(t, result)), &views); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("got %d turns, want 2", len(views))
	}
	if views[0].Seq != 1 || views[0].Text != "hello" {
		t.Fatalf("unexpected first turn: %+v", views[0])
	}
	if views[1].Seq != 2 || views[1].Kind != "assistant" {
		t.Fatalf("unexpected second turn: %+v", views[1])
	}
}

func TestHandleGetTurnsUnknownSession(t *testing.T) {
	s := NewServer(newTestCache(t))

	result := callTool(t, s.handleGetTurns, map[string]any{"session_id": "ghost"})
	if !result.IsError {
		t.Fatal("expected error result")
	}
	if !strings.Contains(resultText(t, result), "session not found") {
		t.Fatalf("unexpected error text: %s", resultText(t, result))
	}
}

func TestHandleGetTurnsRejectsBadFormat(t *testing.T) {
	s := NewServer(newTestCache(t))

	result := callTool(t, s.handleGetTurns, map[string]any{"session_id": "s1", "format": "xml"})
	if !result.IsError {
		t.Fatal("expected error result")
	}
	if !strings.Contains(resultText(t, result), "format must be") {
		t.Fatalf("unexpected error text: %s", resultText(t, result))
	}
}

func TestHandleCacheStatus(t *testing.T) {
	cache := newTestCache(t)
	seedCache(t, cache)
	s := NewServer(cache)

	result := callTool(t, s.handleCacheStatus, map[string]any{})
	if result.IsError {
		t.Fatalf("unexpected error result: %s", resultText(t, result))
	}

	var status CacheStatus
	if err := json.Unmarshal([]byte(resultText(t, result)), &status); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if status.Projects != 1 || status.Sessions != 1 || status.Turns != 2 {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestHandleListProjectsToonFormat(t *testing.T) {
	cache := newTestCache(t)
	seedCache(t, cache)
	s := NewServer(cache)

	result := callTool(t, s.handleListProjects, map[string]any{"format": "toon"})
	if result.IsError {
		t.Fatalf("unexpected error result: %s", resultText(t, result))
	}
	if !strings.Contains(resultText(t, result), "/home/dev/proj") {
		t.Fatalf("toon output missing project path: %s", resultText(t, result))
	}
}

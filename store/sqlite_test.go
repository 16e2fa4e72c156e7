package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/vimo-ai/vlaude-sub001/transcript"
)

func newTestCache(t *testing.T) *SQLiteCache {
	t.Helper()
	c, err := NewSQLiteCache(context.Background(), filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func testSession(id string, updated time.Time) Session {
	return Session{
		ID:          id,
		ProjectPath: "/home/dev/proj",
		CreatedAt:   updated.Add(-time.Hour),
		UpdatedAt:   updated,
		Checkpoint:  transcript.Checkpoint{Line: 2, Size: 512, MTime: updated},
	}
}

func TestSessionRoundTrip(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	now := time.Now()
	s := testSession("s1", now)
	if err := c.UpsertSession(ctx, s); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := c.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("expected session, got nil")
	}
	if got.Checkpoint.Line != 2 || got.Checkpoint.Size != 512 {
		t.Errorf("checkpoint not round-tripped: %+v", got.Checkpoint)
	}
	if !got.Checkpoint.MTime.Equal(s.Checkpoint.MTime) {
		t.Errorf("mtime drifted: want %v, got %v", s.Checkpoint.MTime, got.Checkpoint.MTime)
	}

	missing, err := c.GetSession(ctx, "nope")
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for unknown session, got %+v", missing)
	}
}

func TestAppendTurnsAssignsSequence(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	if err := c.UpsertSession(ctx, testSession("s1", time.Now())); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	first := []Turn{
		{Kind: "user", Text: "hello", Timestamp: time.Now()},
		{Kind: "assistant", Text: "hi", Timestamp: time.Now()},
	}
	if err := c.AppendTurns(ctx, "s1", first); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := c.AppendTurns(ctx, "s1", []Turn{{Kind: "user", Text: "more"}}); err != nil {
		t.Fatalf("second append: %v", err)
	}

	turns, err := c.GetTurns(ctx, "s1", 10, 0, OrderAsc)
	if err != nil {
		t.Fatalf("get turns: %v", err)
	}
	if len(turns) != 3 {
		t.Fatalf("expected 3 turns, got %d", len(turns))
	}
	for i, turn := range turns {
		if turn.Seq != i+1 {
			t.Errorf("turn %d has seq %d", i, turn.Seq)
		}
	}

	s, err := c.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if s.TurnCount != 3 {
		t.Errorf("expected turn count 3, got %d", s.TurnCount)
	}
}

func TestReplaceTurnsLeavesNoStaleRows(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	if err := c.UpsertSession(ctx, testSession("s1", time.Now())); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	old := []Turn{
		{Kind: "user", Text: "one"},
		{Kind: "assistant", Text: "two"},
		{Kind: "user", Text: "three"},
	}
	if err := c.AppendTurns(ctx, "s1", old); err != nil {
		t.Fatalf("append: %v", err)
	}

	if err := c.ReplaceTurns(ctx, "s1", []Turn{{Kind: "user", Text: "rewritten"}}); err != nil {
		t.Fatalf("replace: %v", err)
	}

	turns, err := c.GetTurns(ctx, "s1", 10, 0, OrderAsc)
	if err != nil {
		t.Fatalf("get turns: %v", err)
	}
	if len(turns) != 1 || turns[0].Text != "rewritten" || turns[0].Seq != 1 {
		t.Fatalf("expected a single fresh row, got %+v", turns)
	}

	s, _ := c.GetSession(ctx, "s1")
	if s.TurnCount != 1 {
		t.Errorf("expected turn count reset to 1, got %d", s.TurnCount)
	}
}

func TestPreviewIsNotATurn(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	if err := c.UpsertSession(ctx, testSession("s1", time.Now())); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := c.AppendTurns(ctx, "s1", []Turn{{Kind: "user", Text: "hello"}}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := c.SetPreview(ctx, "s1", Turn{Kind: "user", Text: "hello"}); err != nil {
		t.Fatalf("set preview: %v", err)
	}

	turns, err := c.GetTurns(ctx, "s1", 10, 0, OrderAsc)
	if err != nil {
		t.Fatalf("get turns: %v", err)
	}
	if len(turns) != 1 {
		t.Fatalf("preview leaked into turns: %+v", turns)
	}

	// Preview updates in place.
	if err := c.SetPreview(ctx, "s1", Turn{Kind: "assistant", Text: "latest"}); err != nil {
		t.Fatalf("update preview: %v", err)
	}
	p, err := c.GetPreview(ctx, "s1")
	if err != nil {
		t.Fatalf("get preview: %v", err)
	}
	if p == nil || p.Text != "latest" || p.Seq != 0 {
		t.Fatalf("unexpected preview: %+v", p)
	}
}

func TestSoftDeleteRoundTrip(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	now := time.Now()
	if err := c.UpsertSession(ctx, testSession("s1", now)); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if err := c.SoftDeleteSession(ctx, "s1", now); err != nil {
		t.Fatalf("soft delete: %v", err)
	}

	s, _ := c.GetSession(ctx, "s1")
	if !s.Deleted || s.DeletedAt == nil {
		t.Fatalf("expected deleted with timestamp, got %+v", s)
	}

	visible, err := c.ListSessions(ctx, "/home/dev/proj", 10, 0, false)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(visible) != 0 {
		t.Errorf("deleted session leaked into default listing")
	}
	all, err := c.ListSessions(ctx, "/home/dev/proj", 10, 0, true)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("expected deleted session with includeDeleted, got %d", len(all))
	}

	if err := c.RestoreSession(ctx, "s1"); err != nil {
		t.Fatalf("restore: %v", err)
	}
	s, _ = c.GetSession(ctx, "s1")
	if s.Deleted || s.DeletedAt != nil {
		t.Fatalf("expected restore to clear flag and timestamp, got %+v", s)
	}
}

func TestListSessionsOrderedByFreshness(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	base := time.Now()
	for i, id := range []string{"old", "mid", "new"} {
		if err := c.UpsertSession(ctx, testSession(id, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("upsert %s: %v", id, err)
		}
	}

	got, err := c.ListSessions(ctx, "/home/dev/proj", 2, 0, false)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].ID != "new" || got[1].ID != "mid" {
		t.Fatalf("unexpected order: %+v", got)
	}
}

func TestStats(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	if err := c.UpsertProject(ctx, Project{Path: "/home/dev/proj", Dir: "-home-dev-proj", UpdatedAt: time.Now()}); err != nil {
		t.Fatalf("upsert project: %v", err)
	}
	if err := c.UpsertSession(ctx, testSession("s1", time.Now())); err != nil {
		t.Fatalf("upsert session: %v", err)
	}
	if err := c.AppendTurns(ctx, "s1", []Turn{{Kind: "user", Text: "x"}}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := c.SetPreview(ctx, "s1", Turn{Kind: "user", Text: "x"}); err != nil {
		t.Fatalf("preview: %v", err)
	}

	stats, err := c.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Projects != 1 || stats.Sessions != 1 || stats.Turns != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

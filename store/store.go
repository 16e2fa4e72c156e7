// Package store is the relational mirror of transcript-derived state:
// projects, sessions with their parse checkpoints, and cached turns.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vimo-ai/vlaude-sub001/config"
	"github.com/vimo-ai/vlaude-sub001/transcript"
)

// Project is one unit of work grouping sessions. Path is the real project
// path taken from the transcript records themselves; Dir is the encoded
// directory name the CLI derived from it, kept only for locating files.
type Project struct {
	Path      string    `json:"path"`
	Dir       string    `json:"dir"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Session is one conversation backed by exactly one transcript file.
type Session struct {
	ID          string                `json:"id"`
	ProjectPath string                `json:"project_path"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
	TurnCount   int                   `json:"turn_count"`
	Checkpoint  transcript.Checkpoint `json:"checkpoint"`
	Deleted     bool                  `json:"deleted"`
	DeletedAt   *time.Time            `json:"deleted_at,omitempty"`
}

// Turn is one cached conversational record. Seq starts at 1 and follows
// transcript order. Seq 0 is reserved for the synthetic preview row that
// holds a copy of the newest turn for list rendering; it is never returned
// by GetTurns.
type Turn struct {
	SessionID string    `json:"session_id"`
	Seq       int       `json:"seq"`
	UUID      string    `json:"uuid"`
	Kind      string    `json:"kind"`
	Text      string    `json:"text"`
	ToolCalls string    `json:"tool_calls,omitempty"` // JSON-encoded []transcript.ToolCall
	Timestamp time.Time `json:"timestamp"`
}

type Order string

const (
	OrderAsc  Order = "asc"
	OrderDesc Order = "desc"
)

// Stats describes cache contents, for the status surfaces.
type Stats struct {
	Projects        int       `json:"projects"`
	Sessions        int       `json:"sessions"`
	DeletedSessions int       `json:"deleted_sessions"`
	Turns           int       `json:"turns"`
	LastUpdated     time.Time `json:"last_updated"`
}

// Cache defines the interface for relational cache backends.
type Cache interface {
	UpsertProject(ctx context.Context, p Project) error

	// ListProjects returns projects ordered by freshness, newest first.
	ListProjects(ctx context.Context, limit, offset int) ([]Project, error)

	// GetProject returns nil, nil when the path is unknown.
	GetProject(ctx context.Context, path string) (*Project, error)

	// GetSession returns nil, nil when the session is unknown.
	GetSession(ctx context.Context, id string) (*Session, error)

	UpsertSession(ctx context.Context, s Session) error

	// ListSessions returns sessions of one project ordered by freshness,
	// newest first. Soft-deleted rows are excluded unless includeDeleted.
	ListSessions(ctx context.Context, projectPath string, limit, offset int, includeDeleted bool) ([]Session, error)

	// AppendTurns assigns sequence numbers after the current maximum and
	// inserts the turns atomically, updating the session's turn count.
	AppendTurns(ctx context.Context, sessionID string, turns []Turn) error

	// ReplaceTurns atomically deletes every cached turn of the session and
	// inserts the given set from sequence 1. Used on full rebuilds.
	ReplaceTurns(ctx context.Context, sessionID string, turns []Turn) error

	// GetTurns pages through cached turns ordered by sequence. The preview
	// row is never included.
	GetTurns(ctx context.Context, sessionID string, limit, offset int, order Order) ([]Turn, error)

	// SetPreview upserts the synthetic sequence-0 row.
	SetPreview(ctx context.Context, sessionID string, t Turn) error

	// GetPreview returns nil, nil when no preview has been cached yet.
	GetPreview(ctx context.Context, sessionID string) (*Turn, error)

	// SoftDeleteSession marks the session deleted; rows are never purged.
	SoftDeleteSession(ctx context.Context, id string, at time.Time) error

	// RestoreSession clears the soft-delete flag and timestamp.
	RestoreSession(ctx context.Context, id string) error

	Stats(ctx context.Context) (*Stats, error)

	Close() error
}

// TurnFromRecord converts a parsed transcript record into a cache row.
// The sequence is assigned by the cache on insert.
func TurnFromRecord(sessionID string, rec *transcript.Record) Turn {
	return Turn{
		SessionID: sessionID,
		UUID:      rec.UUID,
		Kind:      rec.Kind,
		Text:      rec.Text,
		ToolCalls: EncodeToolCalls(rec.ToolCalls),
		Timestamp: rec.Timestamp,
	}
}

// EncodeToolCalls serializes tool invocations for the tool_calls column.
func EncodeToolCalls(calls []transcript.ToolCall) string {
	if len(calls) == 0 {
		return ""
	}
	b, err := json.Marshal(calls)
	if err != nil {
		return ""
	}
	return string(b)
}

// Open creates the cache backend selected by the config.
func Open(ctx context.Context, cfg *config.Config) (Cache, error) {
	switch cfg.Cache.Backend {
	case "sqlite":
		return NewSQLiteCache(ctx, cfg.Cache.SQLite.Path)
	case "postgres":
		return NewPostgresCache(ctx, cfg.Cache.Postgres.DSN)
	default:
		return nil, fmt.Errorf("unknown cache backend: %s", cfg.Cache.Backend)
	}
}

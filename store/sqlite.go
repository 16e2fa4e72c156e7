package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteCache is the default single-file backend.
type SQLiteCache struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS projects (
	path       TEXT PRIMARY KEY,
	dir        TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id           TEXT PRIMARY KEY,
	project_path TEXT NOT NULL,
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL,
	turn_count   INTEGER NOT NULL DEFAULT 0,
	last_line    INTEGER NOT NULL DEFAULT 0,
	last_size    INTEGER NOT NULL DEFAULT 0,
	last_mtime   INTEGER NOT NULL DEFAULT 0,
	deleted      INTEGER NOT NULL DEFAULT 0,
	deleted_at   INTEGER
);
CREATE INDEX IF NOT EXISTS idx_sessions_project ON sessions(project_path, updated_at DESC);

CREATE TABLE IF NOT EXISTS turns (
	session_id TEXT NOT NULL,
	seq        INTEGER NOT NULL,
	uuid       TEXT NOT NULL DEFAULT '',
	kind       TEXT NOT NULL,
	text       TEXT NOT NULL DEFAULT '',
	tool_calls TEXT NOT NULL DEFAULT '',
	ts         INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (session_id, seq)
);
`

func NewSQLiteCache(ctx context.Context, path string) (*SQLiteCache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite cache: %w", err)
	}
	// modernc sqlite is happiest with a single writer connection.
	db.SetMaxOpenConns(1)

	c := &SQLiteCache{db: db}
	if err := c.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *SQLiteCache) migrate(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("migrate cache schema: %w", err)
	}
	return nil
}

func (c *SQLiteCache) Close() error {
	return c.db.Close()
}

func (c *SQLiteCache) UpsertProject(ctx context.Context, p Project) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO projects (path, dir, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET dir = excluded.dir, updated_at = excluded.updated_at`,
		p.Path, p.Dir, p.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("upsert project %s: %w", p.Path, err)
	}
	return nil
}

func (c *SQLiteCache) ListProjects(ctx context.Context, limit, offset int) ([]Project, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT path, dir, updated_at FROM projects
		ORDER BY updated_at DESC LIMIT ? OFFSET ?`, normalizeLimit(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []Project
	for rows.Next() {
		var p Project
		var updated int64
		if err := rows.Scan(&p.Path, &p.Dir, &updated); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		p.UpdatedAt = time.Unix(0, updated)
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

func (c *SQLiteCache) GetProject(ctx context.Context, path string) (*Project, error) {
	var p Project
	var updated int64
	err := c.db.QueryRowContext(ctx,
		`SELECT path, dir, updated_at FROM projects WHERE path = ?`, path).
		Scan(&p.Path, &p.Dir, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get project %s: %w", path, err)
	}
	p.UpdatedAt = time.Unix(0, updated)
	return &p, nil
}

func (c *SQLiteCache) GetSession(ctx context.Context, id string) (*Session, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT id, project_path, created_at, updated_at, turn_count,
		       last_line, last_size, last_mtime, deleted, deleted_at
		FROM sessions WHERE id = ?`, id)
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return s, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var s Session
	var created, updated, mtime int64
	var deleted int
	var deletedAt sql.NullInt64
	err := row.Scan(&s.ID, &s.ProjectPath, &created, &updated, &s.TurnCount,
		&s.Checkpoint.Line, &s.Checkpoint.Size, &mtime, &deleted, &deletedAt)
	if err != nil {
		return nil, err
	}
	s.CreatedAt = time.Unix(0, created)
	s.UpdatedAt = time.Unix(0, updated)
	s.Checkpoint.MTime = time.Unix(0, mtime)
	s.Deleted = deleted != 0
	if deletedAt.Valid {
		t := time.Unix(0, deletedAt.Int64)
		s.DeletedAt = &t
	}
	return &s, nil
}

func (c *SQLiteCache) UpsertSession(ctx context.Context, s Session) error {
	var deletedAt any
	if s.DeletedAt != nil {
		deletedAt = s.DeletedAt.UnixNano()
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO sessions (id, project_path, created_at, updated_at, turn_count,
		                      last_line, last_size, last_mtime, deleted, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			project_path = excluded.project_path,
			updated_at   = excluded.updated_at,
			turn_count   = excluded.turn_count,
			last_line    = excluded.last_line,
			last_size    = excluded.last_size,
			last_mtime   = excluded.last_mtime,
			deleted      = excluded.deleted,
			deleted_at   = excluded.deleted_at`,
		s.ID, s.ProjectPath, s.CreatedAt.UnixNano(), s.UpdatedAt.UnixNano(), s.TurnCount,
		s.Checkpoint.Line, s.Checkpoint.Size, s.Checkpoint.MTime.UnixNano(), boolToInt(s.Deleted), deletedAt)
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", s.ID, err)
	}
	return nil
}

func (c *SQLiteCache) ListSessions(ctx context.Context, projectPath string, limit, offset int, includeDeleted bool) ([]Session, error) {
	query := `
		SELECT id, project_path, created_at, updated_at, turn_count,
		       last_line, last_size, last_mtime, deleted, deleted_at
		FROM sessions WHERE project_path = ?`
	if !includeDeleted {
		query += ` AND deleted = 0`
	}
	query += ` ORDER BY updated_at DESC LIMIT ? OFFSET ?`

	rows, err := c.db.QueryContext(ctx, query, projectPath, normalizeLimit(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

func (c *SQLiteCache) AppendTurns(ctx context.Context, sessionID string, turns []Turn) error {
	if len(turns) == 0 {
		return nil
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	var maxSeq int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM turns WHERE session_id = ?`, sessionID).Scan(&maxSeq); err != nil {
		return fmt.Errorf("max seq for %s: %w", sessionID, err)
	}
	if err := insertTurns(ctx, tx, sessionID, turns, maxSeq+1); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET turn_count = turn_count + ? WHERE id = ?`, len(turns), sessionID); err != nil {
		return fmt.Errorf("update turn count for %s: %w", sessionID, err)
	}
	return tx.Commit()
}

func (c *SQLiteCache) ReplaceTurns(ctx context.Context, sessionID string, turns []Turn) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM turns WHERE session_id = ? AND seq > 0`, sessionID); err != nil {
		return fmt.Errorf("clear turns for %s: %w", sessionID, err)
	}
	if err := insertTurns(ctx, tx, sessionID, turns, 1); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET turn_count = ? WHERE id = ?`, len(turns), sessionID); err != nil {
		return fmt.Errorf("update turn count for %s: %w", sessionID, err)
	}
	return tx.Commit()
}

func insertTurns(ctx context.Context, tx *sql.Tx, sessionID string, turns []Turn, startSeq int) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO turns (session_id, seq, uuid, kind, text, tool_calls, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, t := range turns {
		if _, err := stmt.ExecContext(ctx, sessionID, startSeq+i, t.UUID, t.Kind, t.Text, t.ToolCalls, t.Timestamp.UnixNano()); err != nil {
			return fmt.Errorf("insert turn %d for %s: %w", startSeq+i, sessionID, err)
		}
	}
	return nil
}

func (c *SQLiteCache) GetTurns(ctx context.Context, sessionID string, limit, offset int, order Order) ([]Turn, error) {
	dir := "ASC"
	if order == OrderDesc {
		dir = "DESC"
	}
	rows, err := c.db.QueryContext(ctx, `
		SELECT session_id, seq, uuid, kind, text, tool_calls, ts
		FROM turns WHERE session_id = ? AND seq > 0
		ORDER BY seq `+dir+` LIMIT ? OFFSET ?`, sessionID, normalizeLimit(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("get turns for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		turns = append(turns, *t)
	}
	return turns, rows.Err()
}

func scanTurn(row rowScanner) (*Turn, error) {
	var t Turn
	var ts int64
	if err := row.Scan(&t.SessionID, &t.Seq, &t.UUID, &t.Kind, &t.Text, &t.ToolCalls, &ts); err != nil {
		return nil, err
	}
	t.Timestamp = time.Unix(0, ts)
	return &t, nil
}

func (c *SQLiteCache) SetPreview(ctx context.Context, sessionID string, t Turn) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO turns (session_id, seq, uuid, kind, text, tool_calls, ts)
		VALUES (?, 0, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, seq) DO UPDATE SET
			uuid = excluded.uuid, kind = excluded.kind, text = excluded.text,
			tool_calls = excluded.tool_calls, ts = excluded.ts`,
		sessionID, t.UUID, t.Kind, t.Text, t.ToolCalls, t.Timestamp.UnixNano())
	if err != nil {
		return fmt.Errorf("set preview for %s: %w", sessionID, err)
	}
	return nil
}

func (c *SQLiteCache) GetPreview(ctx context.Context, sessionID string) (*Turn, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT session_id, seq, uuid, kind, text, tool_calls, ts
		FROM turns WHERE session_id = ? AND seq = 0`, sessionID)
	t, err := scanTurn(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get preview for %s: %w", sessionID, err)
	}
	return t, nil
}

func (c *SQLiteCache) SoftDeleteSession(ctx context.Context, id string, at time.Time) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE sessions SET deleted = 1, deleted_at = ? WHERE id = ?`, at.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("soft delete session %s: %w", id, err)
	}
	return nil
}

func (c *SQLiteCache) RestoreSession(ctx context.Context, id string) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE sessions SET deleted = 0, deleted_at = NULL WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("restore session %s: %w", id, err)
	}
	return nil
}

func (c *SQLiteCache) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	var lastUpdated sql.NullInt64
	err := c.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM projects),
			(SELECT COUNT(*) FROM sessions),
			(SELECT COUNT(*) FROM sessions WHERE deleted = 1),
			(SELECT COUNT(*) FROM turns WHERE seq > 0),
			(SELECT MAX(updated_at) FROM sessions)`).
		Scan(&stats.Projects, &stats.Sessions, &stats.DeletedSessions, &stats.Turns, &lastUpdated)
	if err != nil {
		return nil, fmt.Errorf("cache stats: %w", err)
	}
	if lastUpdated.Valid {
		stats.LastUpdated = time.Unix(0, lastUpdated.Int64)
	}
	return stats, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

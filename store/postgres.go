package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresCache backs the mirror with a shared database, for setups where
// the relay server runs on a different machine than the watcher.
type PostgresCache struct {
	pool *pgxpool.Pool
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS projects (
	path       TEXT PRIMARY KEY,
	dir        TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id           TEXT PRIMARY KEY,
	project_path TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL,
	turn_count   INTEGER NOT NULL DEFAULT 0,
	last_line    INTEGER NOT NULL DEFAULT 0,
	last_size    BIGINT NOT NULL DEFAULT 0,
	last_mtime   TIMESTAMPTZ,
	deleted      BOOLEAN NOT NULL DEFAULT FALSE,
	deleted_at   TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_sessions_project ON sessions(project_path, updated_at DESC);

CREATE TABLE IF NOT EXISTS turns (
	session_id TEXT NOT NULL,
	seq        INTEGER NOT NULL,
	uuid       TEXT NOT NULL DEFAULT '',
	kind       TEXT NOT NULL,
	text       TEXT NOT NULL DEFAULT '',
	tool_calls TEXT NOT NULL DEFAULT '',
	ts         TIMESTAMPTZ,
	PRIMARY KEY (session_id, seq)
);
`

func NewPostgresCache(ctx context.Context, dsn string) (*PostgresCache, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	c := &PostgresCache{pool: pool}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate cache schema: %w", err)
	}
	return c, nil
}

func (c *PostgresCache) Close() error {
	c.pool.Close()
	return nil
}

func (c *PostgresCache) UpsertProject(ctx context.Context, p Project) error {
	_, err := c.pool.Exec(ctx, `
		INSERT INTO projects (path, dir, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (path) DO UPDATE SET dir = EXCLUDED.dir, updated_at = EXCLUDED.updated_at`,
		p.Path, p.Dir, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert project %s: %w", p.Path, err)
	}
	return nil
}

func (c *PostgresCache) ListProjects(ctx context.Context, limit, offset int) ([]Project, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT path, dir, updated_at FROM projects
		ORDER BY updated_at DESC LIMIT $1 OFFSET $2`, normalizeLimit(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.Path, &p.Dir, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

func (c *PostgresCache) GetProject(ctx context.Context, path string) (*Project, error) {
	var p Project
	err := c.pool.QueryRow(ctx,
		`SELECT path, dir, updated_at FROM projects WHERE path = $1`, path).
		Scan(&p.Path, &p.Dir, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get project %s: %w", path, err)
	}
	return &p, nil
}

func (c *PostgresCache) GetSession(ctx context.Context, id string) (*Session, error) {
	row := c.pool.QueryRow(ctx, `
		SELECT id, project_path, created_at, updated_at, turn_count,
		       last_line, last_size, last_mtime, deleted, deleted_at
		FROM sessions WHERE id = $1`, id)
	s, err := scanPgSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return s, nil
}

func scanPgSession(row pgx.Row) (*Session, error) {
	var s Session
	var mtime *time.Time
	err := row.Scan(&s.ID, &s.ProjectPath, &s.CreatedAt, &s.UpdatedAt, &s.TurnCount,
		&s.Checkpoint.Line, &s.Checkpoint.Size, &mtime, &s.Deleted, &s.DeletedAt)
	if err != nil {
		return nil, err
	}
	if mtime != nil {
		s.Checkpoint.MTime = *mtime
	}
	return &s, nil
}

func (c *PostgresCache) UpsertSession(ctx context.Context, s Session) error {
	_, err := c.pool.Exec(ctx, `
		INSERT INTO sessions (id, project_path, created_at, updated_at, turn_count,
		                      last_line, last_size, last_mtime, deleted, deleted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			project_path = EXCLUDED.project_path,
			updated_at   = EXCLUDED.updated_at,
			turn_count   = EXCLUDED.turn_count,
			last_line    = EXCLUDED.last_line,
			last_size    = EXCLUDED.last_size,
			last_mtime   = EXCLUDED.last_mtime,
			deleted      = EXCLUDED.deleted,
			deleted_at   = EXCLUDED.deleted_at`,
		s.ID, s.ProjectPath, s.CreatedAt, s.UpdatedAt, s.TurnCount,
		s.Checkpoint.Line, s.Checkpoint.Size, s.Checkpoint.MTime, s.Deleted, s.DeletedAt)
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", s.ID, err)
	}
	return nil
}

func (c *PostgresCache) ListSessions(ctx context.Context, projectPath string, limit, offset int, includeDeleted bool) ([]Session, error) {
	query := `
		SELECT id, project_path, created_at, updated_at, turn_count,
		       last_line, last_size, last_mtime, deleted, deleted_at
		FROM sessions WHERE project_path = $1`
	if !includeDeleted {
		query += ` AND NOT deleted`
	}
	query += ` ORDER BY updated_at DESC LIMIT $2 OFFSET $3`

	rows, err := c.pool.Query(ctx, query, projectPath, normalizeLimit(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		s, err := scanPgSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

func (c *PostgresCache) AppendTurns(ctx context.Context, sessionID string, turns []Turn) error {
	if len(turns) == 0 {
		return nil
	}
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback(ctx)

	var maxSeq int
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM turns WHERE session_id = $1`, sessionID).Scan(&maxSeq); err != nil {
		return fmt.Errorf("max seq for %s: %w", sessionID, err)
	}
	if err := pgInsertTurns(ctx, tx, sessionID, turns, maxSeq+1); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE sessions SET turn_count = turn_count + $1 WHERE id = $2`, len(turns), sessionID); err != nil {
		return fmt.Errorf("update turn count for %s: %w", sessionID, err)
	}
	return tx.Commit(ctx)
}

func (c *PostgresCache) ReplaceTurns(ctx context.Context, sessionID string, turns []Turn) error {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin replace: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM turns WHERE session_id = $1 AND seq > 0`, sessionID); err != nil {
		return fmt.Errorf("clear turns for %s: %w", sessionID, err)
	}
	if err := pgInsertTurns(ctx, tx, sessionID, turns, 1); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE sessions SET turn_count = $1 WHERE id = $2`, len(turns), sessionID); err != nil {
		return fmt.Errorf("update turn count for %s: %w", sessionID, err)
	}
	return tx.Commit(ctx)
}

func pgInsertTurns(ctx context.Context, tx pgx.Tx, sessionID string, turns []Turn, startSeq int) error {
	batch := &pgx.Batch{}
	for i, t := range turns {
		batch.Queue(`
			INSERT INTO turns (session_id, seq, uuid, kind, text, tool_calls, ts)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			sessionID, startSeq+i, t.UUID, t.Kind, t.Text, t.ToolCalls, t.Timestamp)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert turns for %s: %w", sessionID, err)
	}
	return nil
}

func (c *PostgresCache) GetTurns(ctx context.Context, sessionID string, limit, offset int, order Order) ([]Turn, error) {
	dir := "ASC"
	if order == OrderDesc {
		dir = "DESC"
	}
	rows, err := c.pool.Query(ctx, `
		SELECT session_id, seq, uuid, kind, text, tool_calls, ts
		FROM turns WHERE session_id = $1 AND seq > 0
		ORDER BY seq `+dir+` LIMIT $2 OFFSET $3`, sessionID, normalizeLimit(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("get turns for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		t, err := scanPgTurn(rows)
		if err != nil {
			return nil, err
		}
		turns = append(turns, *t)
	}
	return turns, rows.Err()
}

func scanPgTurn(row pgx.Row) (*Turn, error) {
	var t Turn
	var ts *time.Time
	if err := row.Scan(&t.SessionID, &t.Seq, &t.UUID, &t.Kind, &t.Text, &t.ToolCalls, &ts); err != nil {
		return nil, err
	}
	if ts != nil {
		t.Timestamp = *ts
	}
	return &t, nil
}

func (c *PostgresCache) SetPreview(ctx context.Context, sessionID string, t Turn) error {
	_, err := c.pool.Exec(ctx, `
		INSERT INTO turns (session_id, seq, uuid, kind, text, tool_calls, ts)
		VALUES ($1, 0, $2, $3, $4, $5, $6)
		ON CONFLICT (session_id, seq) DO UPDATE SET
			uuid = EXCLUDED.uuid, kind = EXCLUDED.kind, text = EXCLUDED.text,
			tool_calls = EXCLUDED.tool_calls, ts = EXCLUDED.ts`,
		sessionID, t.UUID, t.Kind, t.Text, t.ToolCalls, t.Timestamp)
	if err != nil {
		return fmt.Errorf("set preview for %s: %w", sessionID, err)
	}
	return nil
}

func (c *PostgresCache) GetPreview(ctx context.Context, sessionID string) (*Turn, error) {
	row := c.pool.QueryRow(ctx, `
		SELECT session_id, seq, uuid, kind, text, tool_calls, ts
		FROM turns WHERE session_id = $1 AND seq = 0`, sessionID)
	t, err := scanPgTurn(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get preview for %s: %w", sessionID, err)
	}
	return t, nil
}

func (c *PostgresCache) SoftDeleteSession(ctx context.Context, id string, at time.Time) error {
	_, err := c.pool.Exec(ctx,
		`UPDATE sessions SET deleted = TRUE, deleted_at = $1 WHERE id = $2`, at, id)
	if err != nil {
		return fmt.Errorf("soft delete session %s: %w", id, err)
	}
	return nil
}

func (c *PostgresCache) RestoreSession(ctx context.Context, id string) error {
	_, err := c.pool.Exec(ctx,
		`UPDATE sessions SET deleted = FALSE, deleted_at = NULL WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("restore session %s: %w", id, err)
	}
	return nil
}

func (c *PostgresCache) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	var lastUpdated *time.Time
	err := c.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM projects),
			(SELECT COUNT(*) FROM sessions),
			(SELECT COUNT(*) FROM sessions WHERE deleted),
			(SELECT COUNT(*) FROM turns WHERE seq > 0),
			(SELECT MAX(updated_at) FROM sessions)`).
		Scan(&stats.Projects, &stats.Sessions, &stats.DeletedSessions, &stats.Turns, &lastUpdated)
	if err != nil {
		return nil, fmt.Errorf("cache stats: %w", err)
	}
	if lastUpdated != nil {
		stats.LastUpdated = *lastUpdated
	}
	return stats, nil
}

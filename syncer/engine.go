// Package syncer reconciles transcript files into the cache and forwards
// the resulting deltas to the relay. It is the consumer side of the watch
// engine: events arrive on a bounded queue and are handled by a single
// worker, so slow cache or delivery I/O never stalls notification intake.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vimo-ai/vlaude-sub001/relay"
	"github.com/vimo-ai/vlaude-sub001/store"
	"github.com/vimo-ai/vlaude-sub001/transcript"
	"github.com/vimo-ai/vlaude-sub001/watcher"
)

// ErrUnknownSession rejects operations on sessions with no cached
// owner-scope mapping.
var ErrUnknownSession = errors.New("no owner-scope mapping for session")

// Suppressor gates file-watch delivery per session during a handoff.
type Suppressor interface {
	Suppressed(sessionID string) bool
}

type noopSuppressor struct{}

func (noopSuppressor) Suppressed(string) bool { return false }

// Engine wires the transcript store, parser, cache, and relay together.
type Engine struct {
	transcripts *transcript.Store
	parser      *transcript.Parser
	cache       store.Cache
	broker      *relay.Broker
	suppressor  Suppressor

	// dir -> real project path, learned from the first record of any
	// session in the directory. Never derived from the directory name.
	pathsMu sync.Mutex
	paths   map[string]string
}

func NewEngine(transcripts *transcript.Store, cache store.Cache, broker *relay.Broker, suppressor Suppressor) *Engine {
	if suppressor == nil {
		suppressor = noopSuppressor{}
	}
	return &Engine{
		transcripts: transcripts,
		parser:      transcript.NewParser(transcripts),
		cache:       cache,
		broker:      broker,
		suppressor:  suppressor,
		paths:       make(map[string]string),
	}
}

// Run consumes watch events until the context ends. The forwarding loop
// and the reconciliation worker are separate goroutines joined by the
// errgroup.
func (e *Engine) Run(ctx context.Context, events <-chan watcher.Event) error {
	g, ctx := errgroup.WithContext(ctx)
	work := make(chan watcher.Event, 100)

	g.Go(func() error {
		defer close(work)
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				select {
				case work <- ev:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	})

	g.Go(func() error {
		for ev := range work {
			if err := e.handleEvent(ctx, ev); err != nil {
				log.Printf("Warning: handling %s for %s/%s: %v", ev.Type, ev.ProjectDir, ev.SessionID, err)
			}
		}
		return nil
	})

	return g.Wait()
}

func (e *Engine) handleEvent(ctx context.Context, ev watcher.Event) error {
	if ev.SessionID == "" {
		// A project directory appeared; sweep it.
		return e.RefreshProject(ctx, ev.ProjectDir)
	}

	switch ev.Type {
	case watcher.EventDisappeared:
		return e.markDisappeared(ctx, ev.ProjectDir, ev.SessionID)
	default:
		return e.SyncSession(ctx, ev.ProjectDir, ev.SessionID)
	}
}

func (e *Engine) markDisappeared(ctx context.Context, projectDir, sessionID string) error {
	sess, err := e.cache.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess == nil || sess.Deleted {
		return nil
	}
	now := time.Now()
	if err := e.cache.SoftDeleteSession(ctx, sessionID, now); err != nil {
		return err
	}
	if !e.suppressor.Suppressed(sessionID) {
		e.broker.Publish(relay.Event{
			Kind:        relay.EventSessionDeleted,
			SessionID:   sessionID,
			ProjectPath: sess.ProjectPath,
		})
	}
	return nil
}

// SyncSession reconciles one session file into the cache and publishes the
// delta unless delivery for the session is suppressed.
func (e *Engine) SyncSession(ctx context.Context, projectDir, sessionID string) error {
	path := e.transcripts.SessionPath(projectDir, sessionID)

	sess, err := e.cache.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	cp := transcript.Checkpoint{}
	restored := false
	if sess != nil {
		cp = sess.Checkpoint
		if sess.Deleted {
			// File came back. Clear the flag; if content moved past the
			// old checkpoint a full reconciliation replaces the turns.
			if err := e.cache.RestoreSession(ctx, sessionID); err != nil {
				return err
			}
			sess.Deleted = false
			sess.DeletedAt = nil
			meta, err := e.transcripts.Stat(path)
			if err != nil {
				return err
			}
			if meta.MTime.After(cp.MTime) {
				cp = transcript.Checkpoint{}
				restored = true
			}
		}
	}

	result, err := e.parser.Reconcile(path, cp)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return e.markDisappeared(ctx, projectDir, sessionID)
		}
		return err
	}

	if result.SummaryOnly && sess == nil {
		// A lone session-summary record is not a conversation.
		return nil
	}

	switch result.Outcome {
	case transcript.OutcomeSkip:
		if sess != nil && result.Checkpoint != sess.Checkpoint {
			sess.Checkpoint = result.Checkpoint
			return e.cache.UpsertSession(ctx, *sess)
		}
		return nil
	case transcript.OutcomeDelta:
		if restored {
			return e.applyRebuild(ctx, projectDir, sessionID, path, sess, result)
		}
		return e.applyDelta(ctx, projectDir, sessionID, path, sess, result)
	case transcript.OutcomeRebuild:
		return e.applyRebuild(ctx, projectDir, sessionID, path, sess, result)
	default:
		return fmt.Errorf("unexpected parse outcome %s", result.Outcome)
	}
}

func (e *Engine) applyDelta(ctx context.Context, projectDir, sessionID, path string, sess *store.Session, result *transcript.Result) error {
	projectPath, err := e.resolveProjectPath(ctx, projectDir, path)
	if err != nil {
		return err
	}

	turns := conversationalTurns(sessionID, result.Records)

	if sess == nil {
		sess = &store.Session{
			ID:          sessionID,
			ProjectPath: projectPath,
			CreatedAt:   result.Checkpoint.MTime,
		}
	}
	oldCount := sess.TurnCount
	sess.ProjectPath = projectPath
	sess.UpdatedAt = result.Checkpoint.MTime
	sess.Checkpoint = result.Checkpoint
	if err := e.cache.UpsertSession(ctx, *sess); err != nil {
		return err
	}

	// AppendTurns assigns the same sequence numbers; mirror them here for
	// the published events.
	for i := range turns {
		turns[i].Seq = oldCount + i + 1
	}
	if err := e.cache.AppendTurns(ctx, sessionID, turns); err != nil {
		return err
	}
	sess.TurnCount = oldCount + len(turns)
	return e.finishApply(ctx, projectDir, projectPath, sessionID, sess, turns)
}

func (e *Engine) applyRebuild(ctx context.Context, projectDir, sessionID, path string, sess *store.Session, result *transcript.Result) error {
	projectPath, err := e.resolveProjectPath(ctx, projectDir, path)
	if err != nil {
		return err
	}

	turns := conversationalTurns(sessionID, result.Records)
	for i := range turns {
		turns[i].Seq = i + 1
	}

	if sess == nil {
		sess = &store.Session{
			ID:          sessionID,
			ProjectPath: projectPath,
			CreatedAt:   result.Checkpoint.MTime,
		}
	}
	sess.ProjectPath = projectPath
	sess.UpdatedAt = result.Checkpoint.MTime
	sess.Checkpoint = result.Checkpoint
	sess.TurnCount = len(turns)
	if err := e.cache.UpsertSession(ctx, *sess); err != nil {
		return err
	}
	if err := e.cache.ReplaceTurns(ctx, sessionID, turns); err != nil {
		return err
	}
	return e.finishApply(ctx, projectDir, projectPath, sessionID, sess, turns)
}

// finishApply maintains the preview row, bumps project freshness, and
// publishes. The suppression check happens here, at the point of delivery.
func (e *Engine) finishApply(ctx context.Context, projectDir, projectPath, sessionID string, sess *store.Session, turns []store.Turn) error {
	if len(turns) > 0 {
		preview := turns[len(turns)-1]
		preview.Seq = 0
		if err := e.cache.SetPreview(ctx, sessionID, preview); err != nil {
			return err
		}
	}

	if err := e.cache.UpsertProject(ctx, store.Project{
		Path:      projectPath,
		Dir:       projectDir,
		UpdatedAt: sess.UpdatedAt,
	}); err != nil {
		return err
	}

	if e.suppressor.Suppressed(sessionID) {
		return nil
	}
	for i := range turns {
		e.broker.Publish(relay.Event{
			Kind:        relay.EventTurn,
			SessionID:   sessionID,
			ProjectPath: projectPath,
			Turn:        &turns[i],
		})
	}
	e.broker.Publish(relay.Event{
		Kind:        relay.EventSessionUpdated,
		SessionID:   sessionID,
		ProjectPath: projectPath,
		Session:     sess,
	})
	return nil
}

func conversationalTurns(sessionID string, records []*transcript.Record) []store.Turn {
	var turns []store.Turn
	for _, rec := range records {
		if !rec.Conversational() {
			continue
		}
		turns = append(turns, store.TurnFromRecord(sessionID, rec))
	}
	return turns
}

// resolveProjectPath maps an encoded directory to the real project path,
// memoized after the first lookup.
func (e *Engine) resolveProjectPath(ctx context.Context, projectDir, sessionPath string) (string, error) {
	e.pathsMu.Lock()
	if path, ok := e.paths[projectDir]; ok {
		e.pathsMu.Unlock()
		return path, nil
	}
	e.pathsMu.Unlock()

	cwd, err := e.transcripts.FirstCWD(sessionPath)
	if err != nil {
		return "", fmt.Errorf("resolve project path for %s: %w", projectDir, err)
	}
	if cwd == "" {
		// No record declares a working directory yet; use the encoded
		// name as a placeholder key rather than guessing at the path.
		cwd = projectDir
	}

	e.pathsMu.Lock()
	e.paths[projectDir] = cwd
	e.pathsMu.Unlock()
	return cwd, nil
}

// RefreshProject re-checks every session file of one project against the
// cache, using the same metadata staleness test the parser applies, then
// soft-deletes cached sessions whose files are gone.
func (e *Engine) RefreshProject(ctx context.Context, projectDir string) error {
	ids, err := e.transcripts.SessionIDs(projectDir)
	if err != nil {
		return err
	}

	present := make(map[string]bool, len(ids))
	var projectPath string
	for _, id := range ids {
		present[id] = true
		path := e.transcripts.SessionPath(projectDir, id)

		sess, err := e.cache.GetSession(ctx, id)
		if err != nil {
			return err
		}
		if sess != nil && !sess.Deleted {
			meta, err := e.transcripts.Stat(path)
			if err != nil {
				continue
			}
			if meta.Size == sess.Checkpoint.Size && !meta.MTime.After(sess.Checkpoint.MTime) {
				projectPath = sess.ProjectPath
				continue
			}
		}
		if err := e.SyncSession(ctx, projectDir, id); err != nil {
			log.Printf("Warning: refreshing session %s: %v", id, err)
		}
		if sess != nil {
			projectPath = sess.ProjectPath
		}
	}

	if projectPath == "" {
		e.pathsMu.Lock()
		projectPath = e.paths[projectDir]
		e.pathsMu.Unlock()
	}
	if projectPath != "" {
		cached, err := e.cache.ListSessions(ctx, projectPath, 100000, 0, false)
		if err != nil {
			return err
		}
		for _, sess := range cached {
			if !present[sess.ID] {
				if err := e.markDisappeared(ctx, projectDir, sess.ID); err != nil {
					log.Printf("Warning: marking %s deleted: %v", sess.ID, err)
				}
			}
		}
	}
	return nil
}

// InitialScan walks every project directory once, typically at watcher
// startup, so the cache catches up on changes made while it was down.
func (e *Engine) InitialScan(ctx context.Context) error {
	dirs, err := e.transcripts.ProjectDirs()
	if err != nil {
		return err
	}
	for _, dir := range dirs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := e.RefreshProject(ctx, dir); err != nil {
			log.Printf("Warning: scanning project %s: %v", dir, err)
		}
	}
	return nil
}

// ReadLastTurn fetches the newest conversational turn straight from the
// transcript file, used for the explicit post-handoff delivery.
func (e *Engine) ReadLastTurn(ctx context.Context, sessionID string) (*store.Turn, error) {
	path, err := e.sessionFilePath(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	rec, err := e.transcripts.LastRecord(path)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	turn := store.TurnFromRecord(sessionID, rec)
	return &turn, nil
}

// SessionWorkDir returns the real project path a session belongs to.
// Remote messages for unmapped sessions are rejected here before any state
// changes.
func (e *Engine) SessionWorkDir(ctx context.Context, sessionID string) (string, error) {
	sess, err := e.cache.GetSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if sess == nil || sess.ProjectPath == "" {
		return "", fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	return sess.ProjectPath, nil
}

func (e *Engine) sessionFilePath(ctx context.Context, sessionID string) (string, error) {
	sess, err := e.cache.GetSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if sess == nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	proj, err := e.cache.GetProject(ctx, sess.ProjectPath)
	if err != nil {
		return "", err
	}
	if proj == nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	return e.transcripts.SessionPath(proj.Dir, sessionID), nil
}

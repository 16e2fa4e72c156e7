// Package watcher observes the transcript tree through exactly one active
// file-system scope at a time.
package watcher

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

type EventType int

const (
	EventAppeared EventType = iota
	EventChanged
	EventDisappeared
)

func (e EventType) String() string {
	switch e {
	case EventAppeared:
		return "APPEARED"
	case EventChanged:
		return "CHANGED"
	case EventDisappeared:
		return "DISAPPEARED"
	default:
		return "UNKNOWN"
	}
}

// Event is one observed transcript change. SessionID is empty for events
// about a project directory itself.
type Event struct {
	Type       EventType
	ProjectDir string
	SessionID  string
	Path       string
}

// Engine owns at most one live observer. SetScope replaces it atomically:
// the previous observer is closed before the next one starts, so the event
// channel only ever carries events from one scope.
type Engine struct {
	root       string
	debounceMs int
	events     chan Event

	mu     sync.Mutex
	scope  Scope
	active *observer
}

func NewEngine(root string, debounceMs int) *Engine {
	return &Engine{
		root:       root,
		debounceMs: debounceMs,
		events:     make(chan Event, 100),
		scope:      None(),
	}
}

// Events is the single consumer channel; it survives scope switches.
func (e *Engine) Events() <-chan Event {
	return e.events
}

func (e *Engine) Scope() Scope {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.scope
}

// observing reports whether an observer is currently live. Used by status
// surfaces and tests.
func (e *Engine) Observing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active != nil
}

// SetScope is idempotent for an unchanged scope. Otherwise it tears down
// the current observer and installs the new one. An Item scope whose file
// does not exist yet is logged and leaves the engine in None.
func (e *Engine) SetScope(scope Scope) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if scope == e.scope {
		return nil
	}

	if e.active != nil {
		e.active.close()
		e.active = nil
	}
	e.scope = None()

	if scope.Kind == ScopeNone {
		return nil
	}

	if scope.Kind == ScopeItem {
		target := filepath.Join(e.root, scope.ProjectDir, scope.SessionID+".jsonl")
		if _, err := os.Stat(target); err != nil {
			log.Printf("Warning: cannot watch %s: %v", scope, err)
			return nil
		}
	}

	obs, err := e.newObserver(scope)
	if err != nil {
		return fmt.Errorf("open observer for %s: %w", scope, err)
	}
	e.active = obs
	e.scope = scope
	return nil
}

func (e *Engine) Close() error {
	return e.SetScope(None())
}

// observer is one live fsnotify watch plus its debounce state.
type observer struct {
	engine  *Engine
	scope   Scope
	watcher *fsnotify.Watcher
	done    chan struct{}

	pendingMu sync.Mutex
	pending   map[string]Event
	timer     *time.Timer
	stopped   bool
}

func (e *Engine) newObserver(scope Scope) (*observer, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	obs := &observer{
		engine:  e,
		scope:   scope,
		watcher: fsw,
		done:    make(chan struct{}),
		pending: make(map[string]Event),
	}

	if err := obs.addTargets(); err != nil {
		fsw.Close()
		return nil, err
	}

	go obs.loop()
	return obs, nil
}

// addTargets registers the directories the scope needs. A session file is
// watched through its parent directory so that removal and recreation are
// still observed.
func (o *observer) addTargets() error {
	root := o.engine.root
	switch o.scope.Kind {
	case ScopeCollection:
		if err := o.watcher.Add(root); err != nil {
			return err
		}
		entries, err := os.ReadDir(root)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			if err := o.watcher.Add(filepath.Join(root, entry.Name())); err != nil {
				log.Printf("Warning: failed to watch %s: %v", entry.Name(), err)
			}
		}
		return nil
	case ScopeGroup, ScopeItem:
		return o.watcher.Add(filepath.Join(root, o.scope.ProjectDir))
	default:
		return fmt.Errorf("scope %s has no targets", o.scope)
	}
}

// close marks the observer stopped under pendingMu before anything else,
// so a flush from a timer that already fired cannot emit an old-scope
// event once close has returned.
func (o *observer) close() {
	o.pendingMu.Lock()
	if o.stopped {
		o.pendingMu.Unlock()
		return
	}
	o.stopped = true
	if o.timer != nil {
		o.timer.Stop()
	}
	o.pendingMu.Unlock()
	close(o.done)
	o.watcher.Close()
}

func (o *observer) loop() {
	for {
		select {
		case <-o.done:
			return
		case event, ok := <-o.watcher.Events:
			if !ok {
				return
			}
			o.handleEvent(event)
		case err, ok := <-o.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("Watcher error: %v", err)
		}
	}
}

func (o *observer) handleEvent(event fsnotify.Event) {
	rel, err := filepath.Rel(o.engine.root, event.Name)
	if err != nil {
		return
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")

	// A new project directory under Collection scope: start watching it.
	if len(parts) == 1 && o.scope.Kind == ScopeCollection && event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := o.watcher.Add(event.Name); err != nil {
				log.Printf("Warning: failed to watch new project dir %s: %v", rel, err)
			}
			o.debounce(Event{Type: EventAppeared, ProjectDir: parts[0], Path: event.Name})
		}
		return
	}

	if len(parts) != 2 || !strings.HasSuffix(parts[1], ".jsonl") {
		return
	}
	projectDir := parts[0]
	sessionID := strings.TrimSuffix(parts[1], ".jsonl")

	if o.scope.Kind == ScopeItem && sessionID != o.scope.SessionID {
		return
	}

	var evType EventType
	switch {
	case event.Has(fsnotify.Create):
		evType = EventAppeared
	case event.Has(fsnotify.Write):
		evType = EventChanged
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		evType = EventDisappeared
	default:
		return
	}

	o.debounce(Event{
		Type:       evType,
		ProjectDir: projectDir,
		SessionID:  sessionID,
		Path:       event.Name,
	})
}

func (o *observer) debounce(event Event) {
	o.pendingMu.Lock()
	defer o.pendingMu.Unlock()

	if o.stopped {
		return
	}

	// Merge bursts per path; a disappear is kept over a later change so a
	// quick delete+recreate is still seen as a disappearance first.
	existing, exists := o.pending[event.Path]
	if !(exists && existing.Type == EventDisappeared && event.Type == EventChanged) {
		o.pending[event.Path] = event
	}

	if o.timer != nil {
		o.timer.Stop()
	}
	o.timer = time.AfterFunc(time.Duration(o.engine.debounceMs)*time.Millisecond, o.flush)
}

// flush sends under pendingMu: close sets stopped under the same lock, so
// the stopped check and the sends are atomic with respect to a scope
// switch. Sends are non-blocking, so holding the lock here cannot stall
// handleEvent for long.
func (o *observer) flush() {
	o.pendingMu.Lock()
	defer o.pendingMu.Unlock()

	if o.stopped {
		return
	}

	for _, event := range o.pending {
		select {
		case o.engine.events <- event:
		default:
			log.Printf("Event channel full, dropping event for %s", event.Path)
		}
	}
	o.pending = make(map[string]Event)
}

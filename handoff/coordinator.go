// Package handoff arbitrates write ownership of a session between the
// local interactive CLI process and remote-initiated programmatic calls.
package handoff

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/vimo-ai/vlaude-sub001/store"
)

var (
	// ErrRemoteBusy rejects a second remote message while one is in
	// flight. Concurrent senders on one session have no defined order, so
	// the second is refused rather than queued.
	ErrRemoteBusy = errors.New("remote call already in flight for session")

	// ErrInterrupted reports a remote call cancelled by a local resume.
	// Whatever the call already appended still reaches subscribers through
	// the watcher once suppression is lifted.
	ErrInterrupted = errors.New("remote call interrupted by local resume")
)

// Runner executes one remote-initiated turn against the external CLI. It
// returns once the CLI has finished appending to the transcript.
type Runner interface {
	Run(ctx context.Context, sessionID, text string) error
}

// TurnReader fetches the newest conversational turn straight from the
// transcript file, bypassing the (suppressed) watcher path.
type TurnReader func(ctx context.Context, sessionID string) (*store.Turn, error)

// DeliverFunc pushes one turn to remote subscribers.
type DeliverFunc func(sessionID string, turn *store.Turn)

// Coordinator tracks per-session mode and the delivery suppression flag.
// All mutation happens under per-session locks; an attach and a message
// from the same client may race.
type Coordinator struct {
	runner     Runner
	readLast   TurnReader
	deliver    DeliverFunc
	relinquish func(sessionID string)
	timeout    time.Duration

	mu       sync.Mutex
	sessions map[string]*sessionState
}

type sessionState struct {
	mu          sync.Mutex
	mode        Mode
	suppressed  bool
	attached    int
	cancel      context.CancelFunc // non-nil while a remote call runs
	localResume bool               // the in-flight cancel came from a local resume
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithRelinquish installs a hook that signals the local process to stop its
// in-flight generation before a remote call starts.
func WithRelinquish(fn func(sessionID string)) Option {
	return func(c *Coordinator) { c.relinquish = fn }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.timeout = d }
}

func NewCoordinator(runner Runner, readLast TurnReader, deliver DeliverFunc, opts ...Option) *Coordinator {
	c := &Coordinator{
		runner:   runner,
		readLast: readLast,
		deliver:  deliver,
		sessions: make(map[string]*sessionState),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) state(sessionID string) *sessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.sessions[sessionID]
	if !ok {
		st = &sessionState{mode: ModeLocal}
		c.sessions[sessionID] = st
	}
	return st
}

// Mode returns the session's current mode. Unknown sessions are Local.
func (c *Coordinator) Mode(sessionID string) Mode {
	c.mu.Lock()
	st, ok := c.sessions[sessionID]
	c.mu.Unlock()
	if !ok {
		return ModeLocal
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.mode
}

// Suppressed is consulted at the point of delivery, never at the point of
// parsing, so a handoff that begins mid-parse still suppresses its own
// late delivery.
func (c *Coordinator) Suppressed(sessionID string) bool {
	c.mu.Lock()
	st, ok := c.sessions[sessionID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.suppressed
}

// AttachRemote records a remote subscriber. Delivery behavior does not
// change yet.
func (c *Coordinator) AttachRemote(sessionID string) {
	st := c.state(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.attached++
	if st.mode == ModeLocal {
		st.mode = ModeHandoffPending
	}
}

// DetachRemote drops one remote subscriber. When the last one leaves, the
// local process takes ownership back.
func (c *Coordinator) DetachRemote(sessionID string) {
	st := c.state(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.attached > 0 {
		st.attached--
	}
	if st.attached > 0 {
		return
	}
	switch st.mode {
	case ModeHandoffPending:
		st.mode = ModeLocal
	case ModeRemote, ModeSuspended:
		st.resumeLocalLocked()
	}
}

// LocalResumed signals that the local process is interactive again:
// ownership returns to it and delivery suppression is lifted. An in-flight
// remote call is cancelled; its partial output flows through the normal
// watcher path once suppression is off.
func (c *Coordinator) LocalResumed(sessionID string) {
	st := c.state(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.resumeLocalLocked()
}

func (st *sessionState) resumeLocalLocked() {
	if st.cancel != nil {
		st.localResume = true
		st.cancel()
	}
	st.mode = ModeLocal
	st.suppressed = false
}

// SendRemoteMessage runs one remote-initiated turn. On success the newest
// turn is read directly from the transcript and delivered exactly once;
// the watcher stays suppressed until a local resume. On failure the
// session is left suspended with suppression still active, so a retry
// cannot duplicate delivery.
func (c *Coordinator) SendRemoteMessage(ctx context.Context, sessionID, text string) error {
	st := c.state(sessionID)

	st.mu.Lock()
	if st.cancel != nil {
		st.mu.Unlock()
		return ErrRemoteBusy
	}
	if !CanTransition(st.mode, ModeRemote) {
		mode := st.mode
		st.mu.Unlock()
		return fmt.Errorf("cannot start remote call from mode %s", mode)
	}
	st.mode = ModeRemote
	st.suppressed = true
	st.localResume = false

	runCtx := ctx
	var cancel context.CancelFunc
	if c.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, c.timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	st.cancel = cancel
	st.mu.Unlock()

	if c.relinquish != nil {
		c.relinquish(sessionID)
	}

	err := c.runner.Run(runCtx, sessionID, text)
	cancel()

	st.mu.Lock()
	st.cancel = nil
	resumed := st.localResume
	st.localResume = false
	if err != nil {
		if resumed {
			st.mu.Unlock()
			return ErrInterrupted
		}
		st.mode = ModeSuspended
		st.mu.Unlock()
		return fmt.Errorf("remote turn for %s: %w", sessionID, err)
	}
	st.mu.Unlock()

	if resumed {
		// A local resume landed while the call was completing. Suppression
		// is already lifted, so the watcher path delivers the appended
		// turn; delivering here too would duplicate it.
		return nil
	}

	turn, err := c.readLast(ctx, sessionID)
	if err != nil {
		log.Printf("Warning: reading result turn for %s: %v", sessionID, err)
		return fmt.Errorf("read result turn for %s: %w", sessionID, err)
	}

	// Re-check under the lock: a resume between the success check and the
	// read also hands delivery to the watcher path.
	st.mu.Lock()
	suppressed := st.suppressed
	st.mu.Unlock()
	if turn != nil && suppressed {
		c.deliver(sessionID, turn)
	}
	return nil
}

package handoff

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vimo-ai/vlaude-sub001/store"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls int
	fail  error
	block chan struct{} // when non-nil, Run waits for release or cancel
}

func (r *fakeRunner) Run(ctx context.Context, sessionID, text string) error {
	r.mu.Lock()
	r.calls++
	block := r.block
	fail := r.fail
	r.mu.Unlock()

	if block != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-block:
		}
	}
	return fail
}

func (r *fakeRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type capture struct {
	mu    sync.Mutex
	turns []*store.Turn
}

func (c *capture) deliver(sessionID string, turn *store.Turn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns = append(c.turns, turn)
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.turns)
}

func staticReader(turn *store.Turn) TurnReader {
	return func(ctx context.Context, sessionID string) (*store.Turn, error) {
		return turn, nil
	}
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Mode
		want     bool
	}{
		{ModeLocal, ModeHandoffPending, true},
		{ModeHandoffPending, ModeRemote, true},
		{ModeRemote, ModeLocal, true},
		{ModeRemote, ModeHandoffPending, false},
		{ModeSuspended, ModeRemote, true},
		{ModeSuspended, ModeLocal, true},
		{ModeLocal, ModeLocal, true},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestAttachDetachLifecycle(t *testing.T) {
	c := NewCoordinator(&fakeRunner{}, staticReader(nil), (&capture{}).deliver)

	if c.Mode("s1") != ModeLocal {
		t.Fatalf("unknown session should be local, got %s", c.Mode("s1"))
	}

	c.AttachRemote("s1")
	if c.Mode("s1") != ModeHandoffPending {
		t.Errorf("expected handoff_pending after attach, got %s", c.Mode("s1"))
	}
	if c.Suppressed("s1") {
		t.Error("attach alone must not suppress delivery")
	}

	// Second client attaches and leaves; first is still here.
	c.AttachRemote("s1")
	c.DetachRemote("s1")
	if c.Mode("s1") != ModeHandoffPending {
		t.Errorf("mode changed while a client remains: %s", c.Mode("s1"))
	}

	c.DetachRemote("s1")
	if c.Mode("s1") != ModeLocal {
		t.Errorf("expected local after last detach, got %s", c.Mode("s1"))
	}
}

func TestSendRemoteMessageDeliversOnce(t *testing.T) {
	runner := &fakeRunner{}
	sink := &capture{}
	result := &store.Turn{Kind: "assistant", Text: "done"}

	var relinquished []string
	c := NewCoordinator(runner, staticReader(result), sink.deliver,
		WithRelinquish(func(id string) { relinquished = append(relinquished, id) }))

	c.AttachRemote("s1")
	if err := c.SendRemoteMessage(context.Background(), "s1", "do the thing"); err != nil {
		t.Fatalf("SendRemoteMessage failed: %v", err)
	}

	if runner.callCount() != 1 {
		t.Errorf("expected 1 runner call, got %d", runner.callCount())
	}
	if len(relinquished) != 1 || relinquished[0] != "s1" {
		t.Errorf("local process not signalled to relinquish: %v", relinquished)
	}
	if sink.count() != 1 {
		t.Fatalf("expected exactly one delivery, got %d", sink.count())
	}
	if c.Mode("s1") != ModeRemote {
		t.Errorf("expected remote after success, got %s", c.Mode("s1"))
	}
	// Suppression stays until a local resume.
	if !c.Suppressed("s1") {
		t.Error("suppression must persist after completion")
	}

	c.LocalResumed("s1")
	if c.Mode("s1") != ModeLocal || c.Suppressed("s1") {
		t.Errorf("local resume should lift suppression, mode=%s suppressed=%v",
			c.Mode("s1"), c.Suppressed("s1"))
	}
}

func TestSendRemoteMessageFailureSuspends(t *testing.T) {
	runner := &fakeRunner{fail: errors.New("exit status 1")}
	sink := &capture{}
	c := NewCoordinator(runner, staticReader(nil), sink.deliver)

	err := c.SendRemoteMessage(context.Background(), "s1", "hi")
	if err == nil {
		t.Fatal("expected failure to surface")
	}
	if c.Mode("s1") != ModeSuspended {
		t.Errorf("expected suspended, got %s", c.Mode("s1"))
	}
	if !c.Suppressed("s1") {
		t.Error("suppression must remain so a retry cannot duplicate")
	}
	if sink.count() != 0 {
		t.Errorf("failed call must not deliver, got %d", sink.count())
	}

	// A retry from suspended is allowed.
	runner.mu.Lock()
	runner.fail = nil
	runner.mu.Unlock()
	if err := c.SendRemoteMessage(context.Background(), "s1", "again"); err != nil {
		t.Fatalf("retry from suspended failed: %v", err)
	}
	if c.Mode("s1") != ModeRemote {
		t.Errorf("expected remote after retry, got %s", c.Mode("s1"))
	}
}

func TestConcurrentSendersRejected(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{})}
	c := NewCoordinator(runner, staticReader(nil), (&capture{}).deliver)

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- c.SendRemoteMessage(context.Background(), "s1", "first")
	}()

	// Wait until the first call is in flight.
	deadline := time.After(2 * time.Second)
	for c.Mode("s1") != ModeRemote {
		select {
		case <-deadline:
			t.Fatal("first call never started")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if err := c.SendRemoteMessage(context.Background(), "s1", "second"); !errors.Is(err, ErrRemoteBusy) {
		t.Fatalf("expected ErrRemoteBusy, got %v", err)
	}

	close(runner.block)
	if err := <-firstDone; err != nil {
		t.Fatalf("first call failed: %v", err)
	}
}

func TestLocalResumeCancelsInFlightCall(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{})}
	sink := &capture{}
	c := NewCoordinator(runner, staticReader(&store.Turn{Text: "x"}), sink.deliver)

	done := make(chan error, 1)
	go func() {
		done <- c.SendRemoteMessage(context.Background(), "s1", "long task")
	}()

	deadline := time.After(2 * time.Second)
	for c.Mode("s1") != ModeRemote {
		select {
		case <-deadline:
			t.Fatal("call never started")
		case <-time.After(5 * time.Millisecond):
		}
	}

	c.LocalResumed("s1")

	err := <-done
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("expected ErrInterrupted, got %v", err)
	}
	if c.Mode("s1") != ModeLocal {
		t.Errorf("expected local after resume, got %s", c.Mode("s1"))
	}
	if c.Suppressed("s1") {
		t.Error("suppression must be lifted so partial output flows normally")
	}
	if sink.count() != 0 {
		t.Errorf("interrupted call must not deliver explicitly, got %d", sink.count())
	}
}

type runnerFunc func(ctx context.Context, sessionID, text string) error

func (f runnerFunc) Run(ctx context.Context, sessionID, text string) error {
	return f(ctx, sessionID, text)
}

func TestResumeDuringCompletionSkipsExplicitDelivery(t *testing.T) {
	sink := &capture{}
	var c *Coordinator
	// The local user resumes just as the call finishes, before the
	// coordinator reads the result back.
	runner := runnerFunc(func(ctx context.Context, sessionID, text string) error {
		c.LocalResumed(sessionID)
		return nil
	})
	c = NewCoordinator(runner, staticReader(&store.Turn{Kind: "assistant", Text: "late"}), sink.deliver)

	if err := c.SendRemoteMessage(context.Background(), "s1", "hi"); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	// Suppression is off, so the watcher path owns delivery; an explicit
	// delivery here would be the duplicate.
	if sink.count() != 0 {
		t.Fatalf("expected no explicit delivery after resume, got %d", sink.count())
	}
	if c.Mode("s1") != ModeLocal {
		t.Errorf("expected local after resume, got %s", c.Mode("s1"))
	}
	if c.Suppressed("s1") {
		t.Error("suppression must stay lifted")
	}
}

func TestDetachDuringRemoteReturnsOwnership(t *testing.T) {
	runner := &fakeRunner{}
	c := NewCoordinator(runner, staticReader(nil), (&capture{}).deliver)

	c.AttachRemote("s1")
	if err := c.SendRemoteMessage(context.Background(), "s1", "hi"); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	c.DetachRemote("s1")

	if c.Mode("s1") != ModeLocal {
		t.Errorf("expected local after last detach, got %s", c.Mode("s1"))
	}
	if c.Suppressed("s1") {
		t.Error("detach of last client must lift suppression")
	}
}

//go:build !windows
// +build !windows

package daemon

import (
	"testing"
	"time"
)

func TestLivenessChannelClosesWhenPipeBreaks(t *testing.T) {
	l, err := newLivenessCheck()
	if err != nil {
		t.Fatalf("newLivenessCheck failed: %v", err)
	}
	defer l.cleanup()

	ch := l.start(0)

	// Closing the read end from under the monitor stands in for the child
	// exiting; either way the blocked read returns.
	if err := l.pr.Close(); err != nil {
		t.Fatalf("close read end: %v", err)
	}

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("liveness channel never closed")
	}
}

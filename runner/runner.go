// Package runner invokes the external CLI for remote-initiated turns. The
// CLI itself appends the resulting turns to the transcript; this package
// only runs it and waits.
package runner

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os/exec"
	"strings"
)

// DirResolver maps a session id to the working directory the CLI must run
// in, so the resumed conversation lands in the same transcript file.
type DirResolver func(ctx context.Context, sessionID string) (string, error)

// CLIRunner resumes a session in print mode: one prompt in, the CLI writes
// the turns to the transcript and exits.
type CLIRunner struct {
	command    string
	resolveDir DirResolver
}

func NewCLIRunner(command string, resolveDir DirResolver) *CLIRunner {
	if command == "" {
		command = "claude"
	}
	return &CLIRunner{command: command, resolveDir: resolveDir}
}

func (r *CLIRunner) Run(ctx context.Context, sessionID, text string) error {
	dir, err := r.resolveDir(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("resolve working directory for %s: %w", sessionID, err)
	}

	cmd := exec.CommandContext(ctx, r.command, "--resume", sessionID, "-p", text)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	log.Printf("Running %s --resume %s in %s", r.command, sessionID, dir)
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return fmt.Errorf("%s --resume %s: %w: %s", r.command, sessionID, err, msg)
		}
		return fmt.Errorf("%s --resume %s: %w", r.command, sessionID, err)
	}
	return nil
}

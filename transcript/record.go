// Package transcript provides read-only access to the append-only JSONL
// transcript files written by the Claude CLI, and an incremental parser
// that decides from file metadata alone how much of a file to re-read.
package transcript

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Record kinds, matching the type discriminator the CLI writes.
const (
	KindUser      = "user"
	KindAssistant = "assistant"
	KindSystem    = "system"
	KindSummary   = "summary"
	KindUnknown   = "unknown"
)

// internalKinds are bookkeeping records the CLI writes for itself. They are
// never conversational turns and are dropped before records leave this
// package.
var internalKinds = map[string]bool{
	"queued-command":        true,
	"file-history-snapshot": true,
	"compact-boundary":      true,
	"compaction":            true,
}

// ToolCall is one tool invocation or result inside an assistant turn.
type ToolCall struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Input string `json:"input,omitempty"`
}

// Record is one parsed transcript line. Kind is always one of the Kind
// constants; lines with an unrecognized discriminator come through as
// KindUnknown so callers can choose to ignore them without this package
// guessing.
type Record struct {
	Kind       string
	UUID       string
	ParentUUID string
	SessionID  string
	CWD        string
	Timestamp  time.Time
	Text       string
	ToolCalls  []ToolCall
	Raw        json.RawMessage
}

// rawLine is the JSON structure of a single JSONL line.
type rawLine struct {
	Type      string          `json:"type"`
	UUID      string          `json:"uuid"`
	Parent    string          `json:"parentUuid"`
	SessionID string          `json:"sessionId"`
	CWD       string          `json:"cwd"`
	IsMeta    bool            `json:"isMeta"`
	Summary   string          `json:"summary"`
	Timestamp string          `json:"timestamp"`
	Message   *messagePayload `json:"message"`
}

type messagePayload struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type contentBlock struct {
	Type    string          `json:"type"`
	Text    string          `json:"text"`
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Input   json.RawMessage `json:"input"`
	Content json.RawMessage `json:"content"`
}

// ParseLine parses one JSONL line into a Record. It returns (nil, nil) for
// internal bookkeeping lines, and an error only when the line is not valid
// JSON at all.
func ParseLine(line []byte) (*Record, error) {
	var rl rawLine
	if err := json.Unmarshal(line, &rl); err != nil {
		return nil, fmt.Errorf("parse transcript line: %w", err)
	}
	if internalKinds[rl.Type] || rl.IsMeta {
		return nil, nil
	}

	// Old CLI versions wrote some records without an id; mint one so every
	// cached turn still has a non-empty identifier.
	if rl.UUID == "" {
		rl.UUID = uuid.NewString()
	}

	rec := &Record{
		Kind:       KindUnknown,
		UUID:       rl.UUID,
		ParentUUID: rl.Parent,
		SessionID:  rl.SessionID,
		CWD:        rl.CWD,
		Timestamp:  parseTimestamp(rl.Timestamp),
		Raw:        append(json.RawMessage(nil), line...),
	}

	switch rl.Type {
	case KindUser, KindAssistant, KindSystem, KindSummary:
		rec.Kind = rl.Type
	}

	if rl.Type == KindSummary {
		rec.Text = rl.Summary
		return rec, nil
	}
	if rl.Message != nil {
		rec.Text, rec.ToolCalls = extractContent(rl.Message.Content)
	}
	return rec, nil
}

// Conversational reports whether the record should be shown as a turn.
// Summary records describe a session, they are not part of it.
func (r *Record) Conversational() bool {
	switch r.Kind {
	case KindUser, KindAssistant, KindSystem:
		return r.Text != "" || len(r.ToolCalls) > 0
	}
	return false
}

// extractContent pulls text and tool invocations out of a message content
// field. User messages carry a plain string; assistant messages carry an
// array of tagged content blocks.
func extractContent(raw json.RawMessage) (string, []ToolCall) {
	if len(raw) == 0 {
		return "", nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if isSystemNoise(s) {
			return "", nil
		}
		return s, nil
	}

	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return string(raw), nil
	}

	var parts []string
	var calls []ToolCall
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if b.Text != "" && !isSystemNoise(b.Text) {
				parts = append(parts, b.Text)
			}
		case "tool_use":
			calls = append(calls, ToolCall{ID: b.ID, Name: b.Name, Input: string(b.Input)})
		case "tool_result":
			calls = append(calls, ToolCall{ID: b.ID, Name: "tool_result", Input: extractResultText(b.Content)})
		}
	}
	return strings.Join(parts, "\n"), calls
}

func extractResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// isSystemNoise filters injected CLI scaffolding that is not user-authored.
func isSystemNoise(s string) bool {
	t := strings.TrimSpace(s)
	prefixes := []string{
		"<local-command-",
		"<command-name>",
		"<system-reminder>",
		"<bash-input>",
		"<bash-stdout>",
		"Caveat: The messages below were generated",
	}
	for _, p := range prefixes {
		if strings.HasPrefix(t, p) {
			return true
		}
	}
	return false
}

func parseTimestamp(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t
	}
	return time.Time{}
}

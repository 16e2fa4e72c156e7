package transcript

import (
	"testing"
)

func TestParseLineToolUse(t *testing.T) {
	line := []byte(`{"type":"assistant","uuid":"a1","timestamp":"2026-08-01T10:00:00Z","message":{"role":"assistant","content":[{"type":"text","text":"Let me check."},{"type":"tool_use","id":"t1","name":"Read","input":{"file_path":"/tmp/x"}}]}}`)

	rec, err := ParseLine(line)
	if err != nil {
		t.Fatalf("ParseLine failed: %v", err)
	}
	if rec.Kind != KindAssistant {
		t.Errorf("expected assistant, got %s", rec.Kind)
	}
	if rec.Text != "Let me check." {
		t.Errorf("unexpected text: %q", rec.Text)
	}
	if len(rec.ToolCalls) != 1 || rec.ToolCalls[0].Name != "Read" {
		t.Fatalf("expected one Read tool call, got %+v", rec.ToolCalls)
	}
}

func TestParseLineToolResult(t *testing.T) {
	line := []byte(`{"type":"user","uuid":"u1","message":{"role":"user","content":[{"type":"tool_result","id":"t1","content":"file contents here"}]}}`)

	rec, err := ParseLine(line)
	if err != nil {
		t.Fatalf("ParseLine failed: %v", err)
	}
	if len(rec.ToolCalls) != 1 || rec.ToolCalls[0].Input != "file contents here" {
		t.Fatalf("expected tool result content, got %+v", rec.ToolCalls)
	}
	if !rec.Conversational() {
		t.Error("tool result turns are conversational")
	}
}

func TestParseLineFiltersNoise(t *testing.T) {
	cases := []string{
		`{"type":"user","message":{"role":"user","content":"<system-reminder>do not show this</system-reminder>"}}`,
		`{"type":"user","message":{"role":"user","content":"<local-command-stdout>ok</local-command-stdout>"}}`,
		`{"type":"user","message":{"role":"user","content":"Caveat: The messages below were generated by the user while running a local command."}}`,
	}
	for _, c := range cases {
		rec, err := ParseLine([]byte(c))
		if err != nil {
			t.Fatalf("ParseLine failed: %v", err)
		}
		if rec.Conversational() {
			t.Errorf("system scaffolding should not be conversational: %s", c)
		}
	}
}

func TestParseLineMetaDropped(t *testing.T) {
	rec, err := ParseLine([]byte(`{"type":"user","isMeta":true,"message":{"role":"user","content":"internal"}}`))
	if err != nil {
		t.Fatalf("ParseLine failed: %v", err)
	}
	if rec != nil {
		t.Errorf("isMeta lines should be dropped, got %+v", rec)
	}
}

func TestParseLineMintsMissingID(t *testing.T) {
	line := []byte(`{"type":"user","message":{"role":"user","content":"no id on this one"}}`)

	rec, err := ParseLine(line)
	if err != nil {
		t.Fatalf("ParseLine failed: %v", err)
	}
	if rec.UUID == "" {
		t.Fatal("expected a minted id for a record without one")
	}

	other, err := ParseLine(line)
	if err != nil {
		t.Fatalf("ParseLine failed: %v", err)
	}
	if other.UUID == rec.UUID {
		t.Error("minted ids must be unique per parse")
	}
}

func TestParseLineUnknownKind(t *testing.T) {
	rec, err := ParseLine([]byte(`{"type":"future-thing","uuid":"f1","timestamp":"2026-08-01T10:00:00Z"}`))
	if err != nil {
		t.Fatalf("ParseLine failed: %v", err)
	}
	if rec.Kind != KindUnknown {
		t.Errorf("expected unknown kind, got %s", rec.Kind)
	}
	if rec.Conversational() {
		t.Error("unknown kinds must not surface as turns")
	}
}

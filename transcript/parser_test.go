package transcript

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTranscript(t *testing.T, path string, lines ...string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644); err != nil {
		t.Fatalf("write transcript: %v", err)
	}
}

func userLine(text string) string {
	return `{"type":"user","uuid":"u-` + text + `","sessionId":"s1","cwd":"/home/dev/proj","timestamp":"2026-08-01T10:00:00Z","message":{"role":"user","content":"` + text + `"}}`
}

func assistantLine(text string) string {
	return `{"type":"assistant","uuid":"a-` + text + `","sessionId":"s1","timestamp":"2026-08-01T10:00:05Z","message":{"role":"assistant","content":[{"type":"text","text":"` + text + `"}]}}`
}

func TestReconcileDeltaAndSkip(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "s1.jsonl")
	writeTranscript(t, path, userLine("hello"), assistantLine("hi there"))

	store := NewStore(tmpDir)
	parser := NewParser(store)

	res, err := parser.Reconcile(path, Checkpoint{})
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if res.Outcome != OutcomeDelta {
		t.Fatalf("expected delta, got %s", res.Outcome)
	}
	if len(res.Records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(res.Records))
	}
	if res.Checkpoint.Line != 2 {
		t.Errorf("expected checkpoint line 2, got %d", res.Checkpoint.Line)
	}
	if res.Records[0].Kind != KindUser || res.Records[0].Text != "hello" {
		t.Errorf("unexpected first record: %+v", res.Records[0])
	}

	// Append one line: delta of exactly one record.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("open for append: %v", err)
	}
	if _, err := f.WriteString(userLine("followup") + "\n"); err != nil {
		t.Fatalf("append: %v", err)
	}
	f.Close()

	res2, err := parser.Reconcile(path, res.Checkpoint)
	if err != nil {
		t.Fatalf("Reconcile after append failed: %v", err)
	}
	if res2.Outcome != OutcomeDelta {
		t.Fatalf("expected delta after append, got %s", res2.Outcome)
	}
	if len(res2.Records) != 1 || res2.Records[0].Text != "followup" {
		t.Fatalf("expected the appended record only, got %+v", res2.Records)
	}
	if res2.Checkpoint.Line != 3 {
		t.Errorf("expected checkpoint line 3, got %d", res2.Checkpoint.Line)
	}

	// Unchanged metadata: skip.
	res3, err := parser.Reconcile(path, res2.Checkpoint)
	if err != nil {
		t.Fatalf("Reconcile on unchanged file failed: %v", err)
	}
	if res3.Outcome != OutcomeSkip {
		t.Fatalf("expected skip, got %s", res3.Outcome)
	}
}

// A skip on unchanged size+mtime must not read file content at all. Swap
// the content for garbage of the same size with the mtime restored: if the
// parser still says skip, it never looked inside.
func TestReconcileSkipReadsNoContent(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "s1.jsonl")
	writeTranscript(t, path, userLine("hello"))

	store := NewStore(tmpDir)
	parser := NewParser(store)

	res, err := parser.Reconcile(path, Checkpoint{})
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	garbage := strings.Repeat("x", int(info.Size()))
	if err := os.WriteFile(path, []byte(garbage), 0644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if err := os.Chtimes(path, info.ModTime(), info.ModTime()); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	res2, err := parser.Reconcile(path, res.Checkpoint)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if res2.Outcome != OutcomeSkip {
		t.Fatalf("expected skip without content read, got %s", res2.Outcome)
	}
}

// mtime moves but content does not (a touch): still a skip, and the
// checkpoint refreshes so the next call short-circuits on metadata alone.
func TestReconcileTouchSkips(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "s1.jsonl")
	writeTranscript(t, path, userLine("hello"))

	store := NewStore(tmpDir)
	parser := NewParser(store)

	res, err := parser.Reconcile(path, Checkpoint{})
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	later := res.Checkpoint.MTime.Add(2 * time.Second)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	res2, err := parser.Reconcile(path, res.Checkpoint)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if res2.Outcome != OutcomeSkip {
		t.Fatalf("expected skip on touch, got %s", res2.Outcome)
	}
	if !res2.Checkpoint.MTime.Equal(later) {
		t.Errorf("checkpoint mtime not refreshed after touch")
	}
}

func TestReconcileRebuildOnShrink(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "s1.jsonl")
	writeTranscript(t, path, userLine("one"), assistantLine("two"), userLine("three"))

	store := NewStore(tmpDir)
	parser := NewParser(store)

	res, err := parser.Reconcile(path, Checkpoint{})
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if res.Checkpoint.Line != 3 {
		t.Fatalf("expected 3 lines parsed, got %d", res.Checkpoint.Line)
	}

	// External rewrite: file now has fewer lines than the checkpoint.
	writeTranscript(t, path, userLine("rewritten"))

	res2, err := parser.Reconcile(path, res.Checkpoint)
	if err != nil {
		t.Fatalf("Reconcile after shrink failed: %v", err)
	}
	if res2.Outcome != OutcomeRebuild {
		t.Fatalf("expected rebuild, got %s", res2.Outcome)
	}
	if len(res2.Records) != 1 || res2.Records[0].Text != "rewritten" {
		t.Fatalf("rebuild should return all current lines, got %+v", res2.Records)
	}
	if res2.Checkpoint.Line != 1 {
		t.Errorf("expected checkpoint reset to 1, got %d", res2.Checkpoint.Line)
	}
}

func TestReconcileSkipsMalformedLines(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "s1.jsonl")
	writeTranscript(t, path, userLine("ok"), "{not json at all", assistantLine("fine"))

	store := NewStore(tmpDir)
	parser := NewParser(store)

	res, err := parser.Reconcile(path, Checkpoint{})
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if len(res.Records) != 2 {
		t.Fatalf("expected 2 records around the bad line, got %d", len(res.Records))
	}
	if res.Malformed != 1 {
		t.Errorf("expected 1 malformed line counted, got %d", res.Malformed)
	}
	// Checkpoint advances past the bad line so it is skipped exactly once.
	if res.Checkpoint.Line != 3 {
		t.Errorf("expected checkpoint line 3, got %d", res.Checkpoint.Line)
	}
}

func TestReconcileDropsInternalKinds(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "s1.jsonl")
	writeTranscript(t, path,
		`{"type":"file-history-snapshot","timestamp":"2026-08-01T10:00:00Z"}`,
		userLine("real"),
		`{"type":"queued-command","timestamp":"2026-08-01T10:00:01Z"}`,
	)

	store := NewStore(tmpDir)
	parser := NewParser(store)

	res, err := parser.Reconcile(path, Checkpoint{})
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if len(res.Records) != 1 || res.Records[0].Text != "real" {
		t.Fatalf("expected only the user record, got %+v", res.Records)
	}
	if res.Checkpoint.Line != 3 {
		t.Errorf("internal lines must still advance the checkpoint, got line %d", res.Checkpoint.Line)
	}
}

func TestReconcileSummaryOnlyFile(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "s1.jsonl")
	writeTranscript(t, path, `{"type":"summary","summary":"Old conversation about parsing","leafUuid":"x"}`)

	store := NewStore(tmpDir)
	parser := NewParser(store)

	res, err := parser.Reconcile(path, Checkpoint{})
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if !res.SummaryOnly {
		t.Fatal("expected summary-only file to be flagged")
	}
}

func TestStoreFirstCWD(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "s1.jsonl")
	writeTranscript(t, path,
		`{"type":"file-history-snapshot"}`,
		userLine("hello"),
	)

	store := NewStore(tmpDir)
	cwd, err := store.FirstCWD(path)
	if err != nil {
		t.Fatalf("FirstCWD failed: %v", err)
	}
	if cwd != "/home/dev/proj" {
		t.Errorf("expected cwd /home/dev/proj, got %q", cwd)
	}
}

func TestStoreLastRecord(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "s1.jsonl")
	writeTranscript(t, path,
		userLine("question"),
		assistantLine("answer"),
		`{"type":"file-history-snapshot"}`,
	)

	store := NewStore(tmpDir)
	rec, err := store.LastRecord(path)
	if err != nil {
		t.Fatalf("LastRecord failed: %v", err)
	}
	if rec == nil || rec.Kind != KindAssistant || rec.Text != "answer" {
		t.Fatalf("expected the assistant record, got %+v", rec)
	}
}

package transcript

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Meta is the cheap file metadata the parser's decision table runs on.
type Meta struct {
	Size  int64
	MTime time.Time
}

// Store reads transcript files under a single root directory. The CLI lays
// them out as <root>/<encoded-project-dir>/<session-id>.jsonl. The encoded
// directory name is a lossy transform of the project path, so the real
// project path is always taken from the records themselves (see FirstCWD),
// never recovered from the directory name.
type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: root}
}

func (s *Store) Root() string {
	return s.root
}

// DefaultRoot returns the CLI's transcript directory for the current user.
func DefaultRoot() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".claude", "projects"), nil
}

// SessionPath returns the file path for a session inside an encoded
// project directory.
func (s *Store) SessionPath(projectDir, sessionID string) string {
	return filepath.Join(s.root, projectDir, sessionID+".jsonl")
}

// ProjectDirs lists the encoded project directories under the root.
func (s *Store) ProjectDirs() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read transcript root %s: %w", s.root, err)
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		}
	}
	return dirs, nil
}

// SessionIDs lists the session ids (file basenames) in one project
// directory. Subdirectories hold subagent transcripts and are skipped.
func (s *Store) SessionIDs(projectDir string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, projectDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read project dir %s: %w", projectDir, err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".jsonl"))
	}
	return ids, nil
}

// Stat returns the file's size and modification time.
func (s *Store) Stat(path string) (Meta, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Meta{}, err
	}
	return Meta{Size: info.Size(), MTime: info.ModTime()}, nil
}

// CountLines counts non-empty lines. Empty lines are invisible to the
// whole checkpoint scheme; counting them here would make the line-count
// comparison drift against the checkpoint forever.
func (s *Store) CountLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := newLineScanner(f)
	n := 0
	for scanner.Scan() {
		if len(scanner.Bytes()) > 0 {
			n++
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("count lines in %s: %w", path, err)
	}
	return n, nil
}

// ReadLines returns the non-empty lines in the half-open range
// (after, through], counting from 1. Passing after=0 reads from the start.
func (s *Store) ReadLines(path string, after, through int) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := newLineScanner(f)
	var lines [][]byte
	n := 0
	for scanner.Scan() {
		b := scanner.Bytes()
		if len(b) == 0 {
			continue
		}
		n++
		if n <= after {
			continue
		}
		if n > through {
			break
		}
		lines = append(lines, append([]byte(nil), b...))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read lines from %s: %w", path, err)
	}
	return lines, nil
}

// FirstCWD scans the first few records for a working-directory field. This
// is the only sanctioned way to learn which project a session belongs to.
func (s *Store) FirstCWD(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	scanner := newLineScanner(f)
	for i := 0; i < 10 && scanner.Scan(); i++ {
		b := scanner.Bytes()
		if len(b) == 0 {
			continue
		}
		rec, err := ParseLine(b)
		if err != nil || rec == nil {
			continue
		}
		if rec.CWD != "" {
			return rec.CWD, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("scan %s: %w", path, err)
	}
	return "", nil
}

// LastRecord reads the newest conversational record in the file. Used after
// a remote turn completes, when the watcher's delivery is suppressed and
// the result has to be fetched directly.
func (s *Store) LastRecord(path string) (*Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := newLineScanner(f)
	var last *Record
	for scanner.Scan() {
		b := scanner.Bytes()
		if len(b) == 0 {
			continue
		}
		rec, err := ParseLine(b)
		if err != nil || rec == nil {
			continue
		}
		if rec.Conversational() {
			last = rec
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", path, err)
	}
	return last, nil
}

// Transcript lines hold full tool outputs and can be very large.
func newLineScanner(f *os.File) *bufio.Scanner {
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 10*1024*1024)
	return scanner
}

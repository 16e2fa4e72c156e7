package watcher

import "fmt"

// ScopeKind selects how much of the transcript tree is observed.
type ScopeKind int

const (
	// ScopeNone watches nothing.
	ScopeNone ScopeKind = iota
	// ScopeCollection watches every project directory under the root.
	ScopeCollection
	// ScopeGroup watches the sessions of one project.
	ScopeGroup
	// ScopeItem watches a single session file.
	ScopeItem
)

// Scope identifies one observation target. The three non-empty kinds nest
// strictly (Collection covers any Group covers any Item), so exactly one is
// ever active; running more than one would watch the same inodes twice.
type Scope struct {
	Kind       ScopeKind
	ProjectDir string // encoded project directory, for Group and Item
	SessionID  string // for Item
}

func None() Scope {
	return Scope{Kind: ScopeNone}
}

func Collection() Scope {
	return Scope{Kind: ScopeCollection}
}

func Group(projectDir string) Scope {
	return Scope{Kind: ScopeGroup, ProjectDir: projectDir}
}

func Item(projectDir, sessionID string) Scope {
	return Scope{Kind: ScopeItem, ProjectDir: projectDir, SessionID: sessionID}
}

func (s Scope) String() string {
	switch s.Kind {
	case ScopeNone:
		return "none"
	case ScopeCollection:
		return "collection"
	case ScopeGroup:
		return fmt.Sprintf("group(%s)", s.ProjectDir)
	case ScopeItem:
		return fmt.Sprintf("item(%s/%s)", s.ProjectDir, s.SessionID)
	default:
		return "unknown"
	}
}

package cli

import (
	"testing"

	"github.com/vimo-ai/vlaude-sub001/watcher"
)

func TestWatchScopeFromFlags(t *testing.T) {
	tests := []struct {
		name    string
		project string
		session string
		want    watcher.ScopeKind
	}{
		{name: "default is collection", want: watcher.ScopeCollection},
		{name: "project narrows to group", project: "-home-dev-proj", want: watcher.ScopeGroup},
		{name: "project and session narrow to item", project: "-home-dev-proj", session: "s1", want: watcher.ScopeItem},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			watchProject = tt.project
			watchSession = tt.session
			defer func() {
				watchProject = ""
				watchSession = ""
			}()

			scope := watchScope()
			if scope.Kind != tt.want {
				t.Fatalf("scope kind = %v, want %v", scope.Kind, tt.want)
			}
			if scope.ProjectDir != tt.project || scope.SessionID != tt.session {
				t.Fatalf("scope = %+v", scope)
			}
		})
	}
}

func TestFirstLine(t *testing.T) {
	if got := firstLine("hello\nworld", 60); got != "hello" {
		t.Fatalf("firstLine = %q", got)
	}
	long := "abcdefghijklmnopqrstuvwxyz"
	if got := firstLine(long, 10); got != "abcdefg..." {
		t.Fatalf("firstLine = %q", got)
	}
}

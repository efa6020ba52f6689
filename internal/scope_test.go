package internal

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestScopePaths(t *testing.T) {
	scope := NewScope("/home/user/project")

	tests := map[string]string{
		scope.CodeStorePath():   "/home/user/project/.claude/code.db",
		scope.MemoryStorePath(): "/home/user/project/.claude/memory.db",
		scope.SharedLogPath():   "/home/user/project/.claude/decisions.jsonl",
		scope.SharedIndexPath(): "/home/user/project/.claude/decisions.db",
		scope.EntityStorePath(): "/home/user/project/.claude/entities.db",
		scope.StatePath():       "/home/user/project/.claude/index-state.json",
		scope.ConfigPath():      "/home/user/project/.claude/twin-mind.yaml",
	}
	for got, want := range tests {
		if got != filepath.FromSlash(want) {
			t.Errorf("got %q, want %q", got, want)
		}
	}

	if rel := scope.Rel("/home/user/project/src/a.go"); rel != "src/a.go" {
		t.Errorf("rel = %q, want src/a.go", rel)
	}
}

func TestScopeResolverExplicit(t *testing.T) {
	tmp := t.TempDir()

	scope, err := NewScopeResolver().Resolve(tmp)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if scope.Path != tmp {
		t.Errorf("path = %q, want %q", scope.Path, tmp)
	}

	_, err = NewScopeResolver().Resolve(filepath.Join(tmp, "missing"))
	if !errors.Is(err, ErrInvalidScope) {
		t.Errorf("expected ErrInvalidScope, got %v", err)
	}
}

func TestScopeResolverFindsInitializedAncestor(t *testing.T) {
	root := t.TempDir()
	if err := InitBrain(NewScope(root), nil); err != nil {
		t.Fatalf("init: %v", err)
	}
	nested := filepath.Join(root, "src", "pkg")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	resolver := &ScopeResolver{workDir: func() (string, error) { return nested, nil }}
	scope, err := resolver.Resolve("")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if scope.Path != root {
		t.Errorf("path = %q, want %q", scope.Path, root)
	}
}

func TestScopeResolverFallsBackToWorkDir(t *testing.T) {
	tmp := t.TempDir()

	resolver := &ScopeResolver{workDir: func() (string, error) { return tmp, nil }}
	scope, err := resolver.Resolve("")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if scope.Path != tmp {
		t.Errorf("path = %q, want %q", scope.Path, tmp)
	}
	if scope.Initialized() {
		t.Error("expected uninitialized scope")
	}
}

func TestInitBrainIdempotent(t *testing.T) {
	scope := NewScope(t.TempDir())

	if err := InitBrain(scope, nil); err != nil {
		t.Fatalf("init: %v", err)
	}
	if !scope.Initialized() {
		t.Fatal("expected scope to be initialized")
	}

	if err := os.WriteFile(scope.SharedLogPath(), []byte(`{"id":"d1"}`+"\n"), 0644); err != nil {
		t.Fatalf("write log: %v", err)
	}
	if err := InitBrain(scope, nil); err != nil {
		t.Fatalf("second init: %v", err)
	}

	data, err := os.ReadFile(scope.SharedLogPath())
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "d1") {
		t.Error("second init clobbered the shared log")
	}

	ignore, err := os.ReadFile(scope.GitignorePath())
	if err != nil {
		t.Fatalf("read gitignore: %v", err)
	}
	for _, want := range []string{"code.db", "memory.db", "index-state.json", "*.lock"} {
		if !strings.Contains(string(ignore), want) {
			t.Errorf("gitignore missing %q", want)
		}
	}
	if strings.Contains(string(ignore), "decisions.jsonl") {
		t.Error("shared log must stay committed")
	}
	if strings.Contains(string(ignore), "twin-mind.yaml") {
		t.Error("config must stay committed")
	}
	if !strings.Contains(string(ignore), "# private memories, not regenerable") {
		t.Error("memory.db must be marked as private, not derived")
	}
}

package internal

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const BrainDirName = ".claude"

// Scope locates a project and its brain directory.
type Scope struct {
	Path      string // project root
	BrainPath string // .claude directory
}

func NewScope(root string) Scope {
	return Scope{Path: root, BrainPath: filepath.Join(root, BrainDirName)}
}

func (s Scope) CodeStorePath() string { return filepath.Join(s.BrainPath, "code.db") }
func (s Scope) MemoryStorePath() string { return filepath.Join(s.BrainPath, "memory.db") }
func (s Scope) SharedLogPath() string { return filepath.Join(s.BrainPath, "decisions.jsonl") }
func (s Scope) SharedIndexPath() string { return filepath.Join(s.BrainPath, "decisions.db") }
func (s Scope) EntityStorePath() string { return filepath.Join(s.BrainPath, "entities.db") }
func (s Scope) StatePath() string { return filepath.Join(s.BrainPath, "index-state.json") }
func (s Scope) ConfigPath() string { return filepath.Join(s.BrainPath, "twin-mind.yaml") }
func (s Scope) GitignorePath() string { return filepath.Join(s.BrainPath, ".gitignore") }
func (s Scope) Initialized() bool { return fileExists(s.ConfigPath()) || fileExists(s.MemoryStorePath()) }
func (s Scope) Rel(path string) string { return relPath(s.Path, path) }
func (s Scope) Abs(rel string) string { return filepath.Join(s.Path, filepath.FromSlash(rel)) }
func (s Scope) String() string { return s.Path }

type ScopeResolver struct {
	workDir func() (string, error)
}

func NewScopeResolver() *ScopeResolver {
	return &ScopeResolver{workDir: os.Getwd}
}

// Resolve returns the scope rooted at explicit when given, otherwise the
// nearest initialized ancestor of the working directory, otherwise the
// working directory itself.
func (r *ScopeResolver) Resolve(explicit string) (Scope, error) {
	if explicit != "" {
		abs, err := filepath.Abs(explicit)
		if err != nil {
			return Scope{}, fmt.Errorf("resolve scope: %w", err)
		}
		info, err := os.Stat(abs)
		if err != nil || !info.IsDir() {
			return Scope{}, fmt.Errorf("%w: %s", ErrInvalidScope, explicit)
		}
		return NewScope(abs), nil
	}

	cwd, err := r.workDir()
	if err != nil {
		return Scope{}, fmt.Errorf("get working directory: %w", err)
	}
	if scope, ok := r.findProjectScope(cwd); ok {
		return scope, nil
	}
	return NewScope(cwd), nil
}

func (r *ScopeResolver) findProjectScope(dir string) (Scope, bool) {
	for {
		scope := NewScope(dir)
		if scope.Initialized() {
			return scope, true
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return Scope{}, false
		}
		dir = parent
	}
}

// gitignoreSections keep the brain's local files out of version control.
// Only decisions.jsonl and twin-mind.yaml are meant to be committed.
var gitignoreSections = []struct {
	header  string
	entries []string
}{
	{"# derived, rebuilt by `twin-mind index` and `twin-mind reindex`", []string{
		"code.db", "code.db-*",
		"decisions.db", "decisions.db-*",
		"entities.db", "entities.db-*",
		"index-state.json",
	}},
	{"# private memories, not regenerable: back up separately", []string{
		"memory.db", "memory.db-*",
	}},
	{"# runtime", []string{
		"*.lock", "*.backup-*", "*.tmp",
	}},
}

func gitignoreContent() []byte {
	var b strings.Builder
	for i, sec := range gitignoreSections {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(sec.header + "\n")
		for _, e := range sec.entries {
			b.WriteString(e + "\n")
		}
	}
	return []byte(b.String())
}

// InitBrain creates the brain directory, config, .gitignore and an empty
// shared log. Existing files are left alone.
func InitBrain(scope Scope, cfg *Config) error {
	if err := os.MkdirAll(scope.BrainPath, 0755); err != nil {
		return fmt.Errorf("create brain directory: %w", err)
	}

	if !fileExists(scope.ConfigPath()) {
		if cfg == nil {
			cfg = DefaultConfig()
		}
		if err := SaveConfig(scope, cfg); err != nil {
			return err
		}
	}

	if !fileExists(scope.GitignorePath()) {
		if err := WriteFileAtomic(scope.GitignorePath(), gitignoreContent(), 0644); err != nil {
			return fmt.Errorf("write gitignore: %w", err)
		}
	}

	if !fileExists(scope.SharedLogPath()) {
		if err := os.WriteFile(scope.SharedLogPath(), nil, 0644); err != nil {
			return fmt.Errorf("create shared log: %w", err)
		}
	}

	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

func relPath(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

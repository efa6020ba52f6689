package internal

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Candidate is a file that passed the enumerator's rules.
type Candidate struct {
	Path    string // slash separated, relative to the project root
	Size    int64
	ModTime int64
}

// Enumerator yields the project files eligible for the code index.
type Enumerator struct {
	root     string
	exts     map[string]bool
	skipDirs map[string]bool
	maxSize  int64
	ignore   *IgnoreMatcher
}

func NewEnumerator(root string, cfg *Config) (*Enumerator, error) {
	ignore, err := NewIgnoreMatcher(root)
	if err != nil {
		return nil, fmt.Errorf("load ignore patterns: %w", err)
	}

	e := &Enumerator{
		root:     root,
		exts:     make(map[string]bool),
		skipDirs: make(map[string]bool),
		maxSize:  cfg.MaxFileBytes(),
		ignore:   ignore,
	}
	for _, ext := range cfg.Index.Extensions {
		e.exts[strings.ToLower(ext)] = true
	}
	for _, d := range cfg.Index.SkipDirs {
		e.skipDirs[d] = true
	}
	return e, nil
}

// Walk returns every eligible file, sorted by path.
func (e *Enumerator) Walk(ctx context.Context) ([]Candidate, error) {
	var out []Candidate

	err := filepath.WalkDir(e.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel := relPath(e.root, path)
		if d.IsDir() {
			if path == e.root {
				return nil
			}
			if e.SkipDir(d.Name()) || e.ignore.Match(rel, true) {
				return filepath.SkipDir
			}
			return nil
		}

		if d.Type()&fs.ModeSymlink != 0 || !d.Type().IsRegular() {
			return nil
		}
		if !e.acceptName(rel) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.Size() > e.maxSize {
			return nil
		}

		out = append(out, Candidate{Path: rel, Size: info.Size(), ModTime: info.ModTime().Unix()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk directory: %w", err)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// Accept applies the same rules as Walk to a single relative path. A path
// that no longer exists is not accepted.
func (e *Enumerator) Accept(rel string) (Candidate, bool) {
	rel = filepath.ToSlash(filepath.Clean(rel))
	if !e.Relevant(rel) {
		return Candidate{}, false
	}

	info, err := os.Lstat(filepath.Join(e.root, filepath.FromSlash(rel)))
	if err != nil || !info.Mode().IsRegular() {
		return Candidate{}, false
	}
	if info.Size() > e.maxSize {
		return Candidate{}, false
	}

	return Candidate{Path: rel, Size: info.Size(), ModTime: info.ModTime().Unix()}, true
}

// Relevant is Accept without looking at the file itself, so it also holds
// for paths that were just deleted.
func (e *Enumerator) Relevant(rel string) bool {
	rel = filepath.ToSlash(filepath.Clean(rel))
	if !e.acceptName(rel) {
		return false
	}
	dirs := strings.Split(rel, "/")
	for i := 0; i < len(dirs)-1; i++ {
		if e.SkipDir(dirs[i]) || e.ignore.Match(strings.Join(dirs[:i+1], "/"), true) {
			return false
		}
	}
	return true
}

func (e *Enumerator) acceptName(rel string) bool {
	if !e.exts[strings.ToLower(filepath.Ext(rel))] {
		return false
	}
	return !e.ignore.Match(rel, false)
}

// SkipDir reports whether a directory with this name is never descended.
func (e *Enumerator) SkipDir(name string) bool {
	return e.skipDirs[name] || strings.HasPrefix(name, ".")
}

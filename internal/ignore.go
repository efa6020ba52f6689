package internal

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
)

const IgnoreFilename = ".twinmindignore"

// IgnoreMatcher applies the tree's .gitignore files plus the root
// .twinmindignore to project-relative paths.
type IgnoreMatcher struct {
	matcher gitignore.Matcher
}

func NewIgnoreMatcher(basePath string) (*IgnoreMatcher, error) {
	patterns, err := gitignore.ReadPatterns(osfs.New(basePath), nil)
	if err != nil {
		return nil, err
	}

	own, err := parseIgnoreFile(filepath.Join(basePath, IgnoreFilename))
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	patterns = append(patterns, own...)

	return &IgnoreMatcher{matcher: gitignore.NewMatcher(patterns)}, nil
}

// Match reports whether the slash-separated relative path is ignored.
func (m *IgnoreMatcher) Match(rel string, isDir bool) bool {
	if m == nil || m.matcher == nil || rel == "" || rel == "." {
		return false
	}
	return m.matcher.Match(strings.Split(rel, "/"), isDir)
}

func parseIgnoreFile(path string) ([]gitignore.Pattern, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var patterns []gitignore.Pattern
	scanner := bufio.NewScanner(f)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, gitignore.ParsePattern(line, nil))
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return patterns, nil
}

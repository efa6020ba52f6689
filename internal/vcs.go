package internal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/go-git/go-git/v5/utils/merkletrie"
)

const DefaultAuthor = "unknown"

// ChangeSet lists project-relative paths changed since a commit, including
// uncommitted worktree changes.
type ChangeSet struct {
	Added    []string
	Modified []string
	Deleted  []string
	// Uncommitted holds paths whose current content is not part of HEAD.
	Uncommitted map[string]bool
}

func (c *ChangeSet) Paths() []string {
	seen := make(map[string]bool)
	var out []string
	for _, group := range [][]string{c.Added, c.Modified, c.Deleted} {
		for _, p := range group {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	sort.Strings(out)
	return out
}

type VersionControl interface {
	CurrentCommit(ctx context.Context) (string, error)
	ChangedPathsSince(ctx context.Context, commit string) (*ChangeSet, error)
	CommitsBehind(ctx context.Context, commit string) (int, error)
	Branch(ctx context.Context) (string, error)
	Author(ctx context.Context) string
}

// OpenVersionControl returns a git inspector for the repository containing
// root, or NoVersionControl when there is none.
func OpenVersionControl(root string) VersionControl {
	inspector, err := NewGitInspector(root)
	if err != nil {
		return NoVersionControl{}
	}
	return inspector
}

type GitInspector struct {
	repo   *git.Repository
	prefix string // project root relative to the worktree root, slash separated
}

func NewGitInspector(root string) (*GitInspector, error) {
	repo, err := git.PlainOpenWithOptions(root, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, ErrNoVersionControl
		}
		return nil, fmt.Errorf("open repository: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("get worktree: %w", err)
	}

	prefix, err := worktreePrefix(worktree.Filesystem.Root(), root)
	if err != nil {
		return nil, err
	}

	return &GitInspector{repo: repo, prefix: prefix}, nil
}

func worktreePrefix(worktreeRoot, root string) (string, error) {
	wt, err := filepath.EvalSymlinks(worktreeRoot)
	if err != nil {
		return "", fmt.Errorf("resolve worktree root: %w", err)
	}
	r, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", fmt.Errorf("resolve project root: %w", err)
	}
	rel, err := filepath.Rel(wt, r)
	if err != nil {
		return "", fmt.Errorf("get relative path: %w", err)
	}
	if rel == "." {
		return "", nil
	}
	return filepath.ToSlash(rel) + "/", nil
}

// project maps a worktree path onto the project, reporting false for paths
// outside it.
func (g *GitInspector) project(path string) (string, bool) {
	if g.prefix == "" {
		return path, true
	}
	if !strings.HasPrefix(path, g.prefix) {
		return "", false
	}
	return strings.TrimPrefix(path, g.prefix), true
}

func (g *GitInspector) CurrentCommit(ctx context.Context) (string, error) {
	head, err := g.repo.Head()
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return "", fmt.Errorf("%w: no commits yet", ErrNoVersionControl)
		}
		return "", fmt.Errorf("get HEAD: %w", err)
	}
	return head.Hash().String(), nil
}

func (g *GitInspector) ChangedPathsSince(ctx context.Context, commit string) (*ChangeSet, error) {
	changes := &ChangeSet{Uncommitted: make(map[string]bool)}
	seen := make(map[string]bool)
	add := func(group *[]string, path string) {
		p, ok := g.project(path)
		if !ok || seen[p] {
			return
		}
		seen[p] = true
		*group = append(*group, p)
	}

	head, err := g.repo.Head()
	if err != nil {
		return nil, fmt.Errorf("get HEAD: %w", err)
	}

	if commit != head.Hash().String() {
		oldTree, err := g.treeAt(plumbing.NewHash(commit))
		if err != nil {
			return nil, err
		}
		headTree, err := g.treeAt(head.Hash())
		if err != nil {
			return nil, err
		}

		diff, err := object.DiffTreeWithOptions(ctx, oldTree, headTree, &object.DiffTreeOptions{})
		if err != nil {
			return nil, fmt.Errorf("diff trees: %w", err)
		}

		for _, change := range diff {
			action, err := change.Action()
			if err != nil {
				return nil, fmt.Errorf("diff action: %w", err)
			}
			switch action {
			case merkletrie.Insert:
				add(&changes.Added, change.To.Name)
			case merkletrie.Delete:
				add(&changes.Deleted, change.From.Name)
			case merkletrie.Modify:
				add(&changes.Modified, change.To.Name)
			}
		}
	}

	worktree, err := g.repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("get worktree: %w", err)
	}
	status, err := worktree.Status()
	if err != nil {
		return nil, fmt.Errorf("worktree status: %w", err)
	}

	for path, st := range status {
		if st.Staging == git.Unmodified && st.Worktree == git.Unmodified {
			continue
		}
		p, ok := g.project(path)
		if !ok {
			continue
		}
		changes.Uncommitted[p] = true
		if seen[p] {
			continue
		}
		switch {
		case st.Worktree == git.Deleted || st.Staging == git.Deleted:
			add(&changes.Deleted, path)
		case st.Worktree == git.Untracked || st.Staging == git.Added:
			add(&changes.Added, path)
		default:
			add(&changes.Modified, path)
		}
	}

	return changes, nil
}

func (g *GitInspector) treeAt(hash plumbing.Hash) (*object.Tree, error) {
	c, err := g.repo.CommitObject(hash)
	if err != nil {
		return nil, fmt.Errorf("get commit %s: %w", hash, err)
	}
	tree, err := c.Tree()
	if err != nil {
		return nil, fmt.Errorf("get tree: %w", err)
	}
	return tree, nil
}

// CommitsBehind counts commits reachable from HEAD that were made after commit.
func (g *GitInspector) CommitsBehind(ctx context.Context, commit string) (int, error) {
	head, err := g.repo.Head()
	if err != nil {
		return 0, fmt.Errorf("get HEAD: %w", err)
	}
	target := plumbing.NewHash(commit)
	if head.Hash() == target {
		return 0, nil
	}

	iter, err := g.repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return 0, fmt.Errorf("get log: %w", err)
	}
	defer iter.Close()

	count := 0
	found := false
	err = iter.ForEach(func(c *object.Commit) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if c.Hash == target {
			found = true
			return storer.ErrStop
		}
		count++
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("iterate log: %w", err)
	}
	if !found {
		return 0, fmt.Errorf("commit %s not in history", commit)
	}
	return count, nil
}

func (g *GitInspector) Branch(ctx context.Context) (string, error) {
	head, err := g.repo.Head()
	if err != nil {
		return "", fmt.Errorf("get HEAD: %w", err)
	}
	return head.Name().Short(), nil
}

// Author is the configured git user name, falling back to $USER.
func (g *GitInspector) Author(ctx context.Context) string {
	if cfg, err := g.repo.ConfigScoped(config.SystemScope); err == nil && cfg.User.Name != "" {
		return cfg.User.Name
	}
	return envAuthor()
}

// NoVersionControl stands in for plain directories.
type NoVersionControl struct{}

func (NoVersionControl) CurrentCommit(ctx context.Context) (string, error) {
	return "", ErrNoVersionControl
}

func (NoVersionControl) ChangedPathsSince(ctx context.Context, commit string) (*ChangeSet, error) {
	return nil, ErrNoVersionControl
}

func (NoVersionControl) CommitsBehind(ctx context.Context, commit string) (int, error) {
	return 0, ErrNoVersionControl
}

func (NoVersionControl) Branch(ctx context.Context) (string, error) {
	return "", ErrNoVersionControl
}

func (NoVersionControl) Author(ctx context.Context) string {
	return envAuthor()
}

func envAuthor() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return DefaultAuthor
}

package internal

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupGitRepo creates an empty repository in a temp dir.
func setupGitRepo(t *testing.T) (string, *git.Repository) {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	return dir, repo
}

// commitFiles writes files (an empty content deletes the file), stages
// everything and commits. It returns the new commit id.
func commitFiles(t *testing.T, repo *git.Repository, dir string, files map[string]string, msg string) string {
	t.Helper()
	wt, err := repo.Worktree()
	require.NoError(t, err)

	for rel, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(rel))
		if content == "" {
			_, err := wt.Remove(rel)
			require.NoError(t, err)
			continue
		}
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
		_, err := wt.Add(rel)
		require.NoError(t, err)
	}

	hash, err := wt.Commit(msg, &git.CommitOptions{
		Author: &object.Signature{Name: "tester", Email: "tester@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return hash.String()
}

func TestOpenVersionControlPlainDir(t *testing.T) {
	vcs := OpenVersionControl(t.TempDir())
	_, ok := vcs.(NoVersionControl)
	require.True(t, ok)

	_, err := vcs.CurrentCommit(context.Background())
	assert.True(t, errors.Is(err, ErrNoVersionControl))
}

func TestGitInspectorNoCommits(t *testing.T) {
	dir, _ := setupGitRepo(t)

	g, err := NewGitInspector(dir)
	require.NoError(t, err)

	_, err = g.CurrentCommit(context.Background())
	assert.True(t, errors.Is(err, ErrNoVersionControl))
}

func TestGitInspectorChangedPathsSince(t *testing.T) {
	dir, repo := setupGitRepo(t)
	ctx := context.Background()

	first := commitFiles(t, repo, dir, map[string]string{
		"a.go": "package a",
		"b.go": "package b",
		"c.go": "package c",
	}, "initial")
	commitFiles(t, repo, dir, map[string]string{
		"b.go": "package b // changed",
		"c.go": "",
		"d.go": "package d",
	}, "second")

	// Dirty worktree on top of HEAD.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.go"), []byte("package a // dirty"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "e.go"), []byte("package e"), 0644))

	g, err := NewGitInspector(dir)
	require.NoError(t, err)

	changes, err := g.ChangedPathsSince(ctx, first)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"d.go", "e.go"}, changes.Added)
	assert.ElementsMatch(t, []string{"b.go", "a.go"}, changes.Modified)
	assert.Equal(t, []string{"c.go"}, changes.Deleted)
	assert.True(t, changes.Uncommitted["a.go"])
	assert.True(t, changes.Uncommitted["e.go"])
	assert.False(t, changes.Uncommitted["b.go"])
	assert.Equal(t, []string{"a.go", "b.go", "c.go", "d.go", "e.go"}, changes.Paths())
}

func TestGitInspectorSubdirectoryProject(t *testing.T) {
	dir, repo := setupGitRepo(t)
	first := commitFiles(t, repo, dir, map[string]string{
		"svc/main.go": "package main",
		"other/x.go":  "package other",
	}, "initial")
	commitFiles(t, repo, dir, map[string]string{
		"svc/main.go": "package main // v2",
		"other/x.go":  "package other // v2",
	}, "second")

	g, err := NewGitInspector(filepath.Join(dir, "svc"))
	require.NoError(t, err)

	changes, err := g.ChangedPathsSince(context.Background(), first)
	require.NoError(t, err)
	assert.Equal(t, []string{"main.go"}, changes.Paths())
}

func TestGitInspectorCommitsBehind(t *testing.T) {
	dir, repo := setupGitRepo(t)
	ctx := context.Background()

	first := commitFiles(t, repo, dir, map[string]string{"a.go": "package a"}, "one")
	commitFiles(t, repo, dir, map[string]string{"a.go": "package a // 2"}, "two")
	head := commitFiles(t, repo, dir, map[string]string{"a.go": "package a // 3"}, "three")

	g, err := NewGitInspector(dir)
	require.NoError(t, err)

	n, err := g.CommitsBehind(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = g.CommitsBehind(ctx, head)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = g.CommitsBehind(ctx, "0123456789012345678901234567890123456789")
	assert.Error(t, err)

	_, err = g.ChangedPathsSince(ctx, "0123456789012345678901234567890123456789")
	assert.Error(t, err)
}

func TestGitInspectorBranch(t *testing.T) {
	dir, repo := setupGitRepo(t)
	commitFiles(t, repo, dir, map[string]string{"a.go": "package a"}, "one")

	g, err := NewGitInspector(dir)
	require.NoError(t, err)

	branch, err := g.Branch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "master", branch)
}

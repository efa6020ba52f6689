package internal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupBrain initializes a brain at dir with version control detected from
// the directory.
func setupBrain(t *testing.T, dir string) *Brain {
	t.Helper()
	scope := NewScope(dir)
	require.NoError(t, InitBrain(scope, nil))
	cfg, err := LoadConfig(scope)
	require.NoError(t, err)
	b := NewBrain(scope, cfg, OpenVersionControl(dir), zerolog.Nop())
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func sortedIDs(t *testing.T, store ContentStore) []string {
	t.Helper()
	ids, err := store.IDs(context.Background())
	require.NoError(t, err)
	sort.Strings(ids)
	return ids
}

func paths(cs []Candidate) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.Path)
	}
	return out
}

func TestIndexFirstRunIsFull(t *testing.T) {
	dir, repo := setupGitRepo(t)
	commitFiles(t, repo, dir, map[string]string{
		"a.go": "package a\n\nfunc A() {}\n",
		"b.go": "package b\n\nfunc B() {}\n",
		"c.go": "package c\n\nfunc C() {}\n",
	}, "initial")
	b := setupBrain(t, dir)
	ctx := context.Background()

	out, err := runIndex(ctx, b, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, ModeFull, out.WorkSet.Mode)
	assert.Equal(t, 3, out.Added)
	assert.Equal(t, 3, out.FrameCount)
	assert.NotEmpty(t, out.Commit)

	state, err := LoadIndexState(b.Scope)
	require.NoError(t, err)
	assert.Equal(t, out.Commit, state.LastCommit)
	assert.Len(t, state.Files, 3)
	for path, rec := range state.Files {
		assert.Equal(t, out.Commit, rec.Marker, path)
		assert.Equal(t, StatusFresh, rec.Status, path)
		assert.Equal(t, []string{CodeFrameID(path)}, rec.FrameIDs, path)
	}
}

func TestIndexModifiedFileOnlyWorkSet(t *testing.T) {
	dir, repo := setupGitRepo(t)
	commitFiles(t, repo, dir, map[string]string{
		"a.go": "package a",
		"b.go": "package b",
		"c.go": "package c",
	}, "initial")
	b := setupBrain(t, dir)
	ctx := context.Background()

	_, err := runIndex(ctx, b, RunOptions{})
	require.NoError(t, err)

	commitFiles(t, repo, dir, map[string]string{"b.go": "package b // edited"}, "edit b")

	plan, err := runIndex(ctx, b, RunOptions{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, ModeIncremental, plan.WorkSet.Mode)
	assert.Empty(t, plan.WorkSet.ToAdd)
	assert.Equal(t, []string{"b.go"}, paths(plan.WorkSet.ToUpdate))
	assert.Empty(t, plan.WorkSet.ToDelete)

	out, err := runIndex(ctx, b, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Updated)
	assert.Equal(t, 0, out.Added)
	assert.Equal(t, 3, out.FrameCount)

	store, err := b.CodeStore()
	require.NoError(t, err)
	hits, err := store.Search(ctx, StoreQuery{Text: "edited", TopK: 5})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "b.go", hits[0].Meta.Path)
}

func TestIndexIncrementalConvergesWithFresh(t *testing.T) {
	dir, repo := setupGitRepo(t)
	commitFiles(t, repo, dir, map[string]string{
		"a.go":     "package a",
		"b.go":     "package b",
		"c.go":     "package c",
		"lib/d.py": "def d():\n    pass\n",
	}, "initial")
	b := setupBrain(t, dir)
	ctx := context.Background()

	_, err := runIndex(ctx, b, RunOptions{})
	require.NoError(t, err)

	commitFiles(t, repo, dir, map[string]string{
		"b.go":     "package b // v2",
		"c.go":     "",
		"lib/e.ts": "export function e() {}\n",
	}, "change set")
	// An uncommitted edit is picked up too.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.go"), []byte("package a // dirty"), 0644))

	inc, err := runIndex(ctx, b, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, ModeIncremental, inc.WorkSet.Mode)
	assert.Equal(t, 1, inc.Added)
	assert.Equal(t, 2, inc.Updated)
	assert.Equal(t, 1, inc.Deleted)

	store, err := b.CodeStore()
	require.NoError(t, err)
	incIDs := sortedIDs(t, store)
	incState, err := LoadIndexState(b.Scope)
	require.NoError(t, err)
	assert.Equal(t, MarkerWorktree, incState.Files["a.go"].Marker)

	fresh, err := runIndex(ctx, b, RunOptions{Fresh: true})
	require.NoError(t, err)
	assert.Equal(t, ModeFull, fresh.WorkSet.Mode)

	assert.Equal(t, incIDs, sortedIDs(t, store))
	assert.Equal(t, []string{"code:a.go", "code:b.go", "code:lib/d.py", "code:lib/e.ts"}, incIDs)

	freshState, err := LoadIndexState(b.Scope)
	require.NoError(t, err)
	for path, rec := range incState.Files {
		require.Contains(t, freshState.Files, path)
		assert.Equal(t, rec.Fingerprint, freshState.Files[path].Fingerprint, path)
	}
	assert.Len(t, freshState.Files, len(incState.Files))
}

func TestIndexRepeatedRunsDoNotDuplicate(t *testing.T) {
	dir, repo := setupGitRepo(t)
	commitFiles(t, repo, dir, map[string]string{
		"a.go": "package a",
		"b.go": "package b",
	}, "initial")
	b := setupBrain(t, dir)
	ctx := context.Background()

	for range 3 {
		_, err := runIndex(ctx, b, RunOptions{})
		require.NoError(t, err)
	}
	out, err := runIndex(ctx, b, RunOptions{Fresh: true})
	require.NoError(t, err)
	assert.Equal(t, 2, out.FrameCount)

	// A clean tree is up to date.
	again, err := runIndex(ctx, b, RunOptions{})
	require.NoError(t, err)
	assert.True(t, again.UpToDate)
	assert.True(t, again.WorkSet.Empty())
}

func TestIndexDryRunDoesNotMutate(t *testing.T) {
	dir, repo := setupGitRepo(t)
	commitFiles(t, repo, dir, map[string]string{"a.go": "package a"}, "initial")
	b := setupBrain(t, dir)

	out, err := runIndex(context.Background(), b, RunOptions{DryRun: true})
	require.NoError(t, err)
	assert.True(t, out.DryRun)
	assert.Equal(t, []string{"a.go"}, paths(out.WorkSet.ToAdd))

	assert.NoFileExists(t, b.Scope.CodeStorePath())
	assert.NoFileExists(t, b.Scope.StatePath())
	assert.NoFileExists(t, b.Scope.EntityStorePath())
}

func TestIndexUnreadableStateFallsBackToFull(t *testing.T) {
	dir, repo := setupGitRepo(t)
	commitFiles(t, repo, dir, map[string]string{"a.go": "package a"}, "initial")
	b := setupBrain(t, dir)
	ctx := context.Background()

	_, err := runIndex(ctx, b, RunOptions{})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(b.Scope.StatePath(), []byte("{not json"), 0644))

	out, err := runIndex(ctx, b, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, ModeFull, out.WorkSet.Mode)
	assert.NotEmpty(t, out.Warnings)
	assert.Equal(t, 1, out.FrameCount)
}

func TestIndexLegacyStateForcesFull(t *testing.T) {
	dir, repo := setupGitRepo(t)
	head := commitFiles(t, repo, dir, map[string]string{"a.go": "package a"}, "initial")
	b := setupBrain(t, dir)

	legacy := `{"last_commit":"` + head + `","indexed_at":"2024-01-01T00:00:00","file_count":1}`
	require.NoError(t, os.WriteFile(b.Scope.StatePath(), []byte(legacy), 0644))

	out, err := runIndex(context.Background(), b, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, ModeFull, out.WorkSet.Mode)
	assert.Equal(t, 1, out.Added)
}

func TestIndexWithoutVersionControl(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"main.go":  "package main",
		"empty.go": "   \n",
	})
	b := setupBrain(t, dir)
	ctx := context.Background()

	out, err := runIndex(ctx, b, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, ModeFull, out.WorkSet.Mode)
	assert.Empty(t, out.Commit)
	assert.Equal(t, 1, out.FrameCount)

	state, err := LoadIndexState(b.Scope)
	require.NoError(t, err)
	require.Contains(t, state.Files, "empty.go")
	assert.Empty(t, state.Files["empty.go"].FrameIDs)
	assert.Contains(t, state.Files["main.go"].Marker, "mtime:")
}

func TestIndexExtractsEntities(t *testing.T) {
	dir, repo := setupGitRepo(t)
	commitFiles(t, repo, dir, map[string]string{
		"auth/token.go": "package auth\n\ntype Token struct{}\n\nfunc (t *Token) Verify() bool { return true }\n\nfunc Issue() *Token { return &Token{} }\n",
	}, "initial")
	b := setupBrain(t, dir)
	ctx := context.Background()

	out, err := runIndex(ctx, b, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, out.Entities)

	commitFiles(t, repo, dir, map[string]string{
		"auth/token.go": "package auth\n\ntype Token struct{}\n",
	}, "drop funcs")
	_, err = runIndex(ctx, b, RunOptions{})
	require.NoError(t, err)

	es, err := b.Entities(false)
	require.NoError(t, err)
	n, err := es.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

type brokenPutStore struct {
	ContentStore
}

func (brokenPutStore) Put(context.Context, string, string, FrameMeta) (string, error) {
	return "", errors.New("disk full")
}

func TestIndexFailedFreshRunForcesFullScan(t *testing.T) {
	dir, repo := setupGitRepo(t)
	commitFiles(t, repo, dir, map[string]string{
		"a.go": "package a",
		"b.go": "package b",
		"c.go": "package c",
	}, "initial")
	b := setupBrain(t, dir)
	ctx := context.Background()

	_, err := runIndex(ctx, b, RunOptions{})
	require.NoError(t, err)

	store, err := b.CodeStore()
	require.NoError(t, err)
	pipeline, err := b.Pipeline(false)
	require.NoError(t, err)
	_, err = pipeline.Run(ctx, brokenPutStore{store}, RunOptions{Fresh: true})
	require.ErrorContains(t, err, "disk full")

	state, err := LoadIndexState(b.Scope)
	require.NoError(t, err)
	assert.Empty(t, state.LastCommit)
	assert.Empty(t, state.Files)

	out, err := runIndex(ctx, b, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, ModeFull, out.WorkSet.Mode)
	assert.False(t, out.UpToDate)
	assert.Equal(t, 3, out.FrameCount)
}

func TestIndexParallelReadSkipsVanishedFile(t *testing.T) {
	dir, repo := setupGitRepo(t)
	files := make(map[string]string)
	for i := range 12 {
		files[fmt.Sprintf("pkg/f%02d.go", i)] = fmt.Sprintf("package pkg\n\nfunc F%02d() {}\n", i)
	}
	commitFiles(t, repo, dir, files, "initial")
	b := setupBrain(t, dir)
	require.Greater(t, len(files), b.Config.Index.ParallelThreshold)
	ctx := context.Background()

	store, err := b.CodeStore()
	require.NoError(t, err)
	pipeline, err := b.Pipeline(false)
	require.NoError(t, err)
	gone := b.Scope.Abs("pkg/f07.go")
	pipeline.readFile = func(path string) ([]byte, error) {
		if path == gone {
			return nil, os.ErrNotExist
		}
		return os.ReadFile(path)
	}

	out, err := pipeline.Run(ctx, store, RunOptions{})
	require.NoError(t, err)
	require.Len(t, out.Skipped, 1)
	assert.Equal(t, "pkg/f07.go", out.Skipped[0].Path)
	assert.Equal(t, 11, out.Added)
	assert.Equal(t, 11, out.FrameCount)
	assert.NotContains(t, sortedIDs(t, store), CodeFrameID("pkg/f07.go"))

	state, err := LoadIndexState(b.Scope)
	require.NoError(t, err)
	require.Contains(t, state.Files, "pkg/f07.go")
	assert.Equal(t, StatusStale, state.Files["pkg/f07.go"].Status)

	// Once readable again the next incremental cycle picks it up.
	again, err := runIndex(ctx, b, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, ModeIncremental, again.WorkSet.Mode)
	assert.Equal(t, []string{"pkg/f07.go"}, paths(again.WorkSet.ToUpdate))
	assert.Equal(t, 12, again.FrameCount)
}

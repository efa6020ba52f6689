package internal

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHookScript(t *testing.T) {
	script := HookScript(HookPostCommit, "/work/repo")
	assert.Contains(t, script, "#!/bin/sh")
	assert.Contains(t, script, HookMarker)
	assert.Contains(t, script, `cd "/work/repo" || exit 0`)
	assert.Contains(t, script, "twin-mind hook run post-commit")
}

func TestIsManagedHook(t *testing.T) {
	assert.True(t, IsManagedHook(HookScript(HookPostCommit, "/x")))
	assert.False(t, IsManagedHook("#!/bin/sh\necho hello"))
	assert.False(t, IsManagedHook(""))
}

func TestFindGitDir(t *testing.T) {
	dir := t.TempDir()
	gitDir := filepath.Join(dir, ".git")
	require.NoError(t, os.MkdirAll(gitDir, 0755))
	sub := filepath.Join(dir, "services", "api")
	require.NoError(t, os.MkdirAll(sub, 0755))

	found, err := FindGitDir(sub)
	assert.NoError(t, err)
	assert.Equal(t, gitDir, found)

	// non-git dir
	_, err = FindGitDir(t.TempDir())
	assert.ErrorIs(t, err, ErrNoVersionControl)
}

// setupHookTestDir creates an initialized brain inside a directory with
// .git/hooks and returns it with a resolver rooted there.
func setupHookTestDir(t *testing.T) (string, *ScopeResolver) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git", "hooks"), 0755))
	require.NoError(t, InitBrain(NewScope(dir), nil))
	resolver := &ScopeResolver{workDir: func() (string, error) { return dir, nil }}
	return dir, resolver
}

func TestInstallHookUseCase(t *testing.T) {
	dir, resolver := setupHookTestDir(t)

	out, err := NewInstallHookUseCase(resolver).Execute(context.Background(), InstallHookInput{})
	require.NoError(t, err)

	hookPath := filepath.Join(dir, ".git", "hooks", "post-commit")
	assert.Equal(t, hookPath, out.Path)
	assert.Empty(t, out.Backup)

	content, err := os.ReadFile(hookPath)
	require.NoError(t, err)
	assert.True(t, IsManagedHook(string(content)))

	info, err := os.Stat(hookPath)
	require.NoError(t, err)
	assert.NotZero(t, info.Mode().Perm()&0100, "hook must be executable")

	// Reinstalling over our own hook needs no force.
	_, err = NewInstallHookUseCase(resolver).Execute(context.Background(), InstallHookInput{})
	require.NoError(t, err)
}

func TestInstallHookUseCase_ExistingHook_NoForce(t *testing.T) {
	dir, resolver := setupHookTestDir(t)

	hookPath := filepath.Join(dir, ".git", "hooks", "post-commit")
	require.NoError(t, os.WriteFile(hookPath, []byte("#!/bin/sh\necho existing"), 0755))

	_, err := NewInstallHookUseCase(resolver).Execute(context.Background(), InstallHookInput{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHookExists)
	assert.Contains(t, err.Error(), "already exists")
}

func TestInstallHookUseCase_ExistingHook_Force(t *testing.T) {
	dir, resolver := setupHookTestDir(t)

	hookPath := filepath.Join(dir, ".git", "hooks", "post-commit")
	require.NoError(t, os.WriteFile(hookPath, []byte("#!/bin/sh\necho existing"), 0755))

	out, err := NewInstallHookUseCase(resolver).Execute(context.Background(), InstallHookInput{Force: true})
	require.NoError(t, err)
	assert.Equal(t, hookPath+".bak", out.Backup)

	bakContent, err := os.ReadFile(hookPath + ".bak")
	require.NoError(t, err)
	assert.Contains(t, string(bakContent), "echo existing")

	content, err := os.ReadFile(hookPath)
	require.NoError(t, err)
	assert.True(t, IsManagedHook(string(content)))
}

func TestInstallHookUseCase_NotInitialized(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git"), 0755))
	resolver := &ScopeResolver{workDir: func() (string, error) { return dir, nil }}

	_, err := NewInstallHookUseCase(resolver).Execute(context.Background(), InstallHookInput{})
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestUninstallHookUseCase(t *testing.T) {
	dir, resolver := setupHookTestDir(t)

	hookPath := filepath.Join(dir, ".git", "hooks", "post-commit")
	require.NoError(t, os.WriteFile(hookPath, []byte(HookScript(HookPostCommit, dir)), 0755))

	out, err := NewUninstallHookUseCase(resolver).Execute(context.Background(), UninstallHookInput{})
	require.NoError(t, err)
	assert.True(t, out.Removed)
	assert.False(t, out.Restored)
	assert.NoFileExists(t, hookPath)
}

func TestUninstallHookUseCase_RestoresBackup(t *testing.T) {
	dir, resolver := setupHookTestDir(t)

	hookPath := filepath.Join(dir, ".git", "hooks", "post-commit")
	require.NoError(t, os.WriteFile(hookPath, []byte(HookScript(HookPostCommit, dir)), 0755))
	require.NoError(t, os.WriteFile(hookPath+".bak", []byte("#!/bin/sh\necho original"), 0755))

	out, err := NewUninstallHookUseCase(resolver).Execute(context.Background(), UninstallHookInput{})
	require.NoError(t, err)
	assert.True(t, out.Restored)

	content, err := os.ReadFile(hookPath)
	require.NoError(t, err)
	assert.Contains(t, string(content), "echo original")
	assert.NoFileExists(t, hookPath+".bak")
}

func TestUninstallHookUseCase_LeavesForeignHook(t *testing.T) {
	dir, resolver := setupHookTestDir(t)

	hookPath := filepath.Join(dir, ".git", "hooks", "post-commit")
	require.NoError(t, os.WriteFile(hookPath, []byte("#!/bin/sh\necho mine"), 0755))

	out, err := NewUninstallHookUseCase(resolver).Execute(context.Background(), UninstallHookInput{})
	require.NoError(t, err)
	assert.False(t, out.Removed)
	assert.FileExists(t, hookPath)
}

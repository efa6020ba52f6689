package internal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	HookMarker     = "# twin-mind: managed post-commit hook"
	HookPostCommit = "post-commit"
)

var ErrHookExists = errors.New("hook already exists")

// HookScript returns the shell shim for hookType. It changes into the project
// root first so scopes below the repository root resolve.
func HookScript(hookType, root string) string {
	return fmt.Sprintf("#!/bin/sh\n%s\ncd %s || exit 0\nexec twin-mind hook run %s \"$@\"\n",
		HookMarker, strconv.Quote(filepath.ToSlash(root)), hookType)
}

// IsManagedHook checks if the given script content was written by twin-mind.
func IsManagedHook(content string) bool {
	return strings.Contains(content, HookMarker)
}

// FindGitDir walks up from dir looking for a .git directory.
func FindGitDir(dir string) (string, error) {
	for {
		gitDir := filepath.Join(dir, ".git")
		info, err := os.Stat(gitDir)
		if err == nil && info.IsDir() {
			return gitDir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("%w: no .git found", ErrNoVersionControl)
		}
		dir = parent
	}
}

type InstallHookInput struct {
	Scope string
	Force bool
}

type InstallHookOutput struct {
	Path   string `json:"path"`
	Backup string `json:"backup,omitempty"`
}

type UninstallHookInput struct {
	Scope string
}

type UninstallHookOutput struct {
	Path     string `json:"path"`
	Removed  bool   `json:"removed"`
	Restored bool   `json:"restored"`
}

func hookPath(scope Scope) (string, error) {
	gitDir, err := FindGitDir(scope.Path)
	if err != nil {
		return "", err
	}
	return filepath.Join(gitDir, "hooks", HookPostCommit), nil
}

// InstallHookUseCase writes the post-commit shim. A foreign hook is only
// replaced with Force, and then kept as <hook>.bak.
type InstallHookUseCase struct {
	resolver *ScopeResolver
}

func NewInstallHookUseCase(resolver *ScopeResolver) *InstallHookUseCase {
	return &InstallHookUseCase{resolver: resolver}
}

func (uc *InstallHookUseCase) Execute(ctx context.Context, input InstallHookInput) (*InstallHookOutput, error) {
	scope, err := uc.resolver.Resolve(input.Scope)
	if err != nil {
		return nil, err
	}
	if !scope.Initialized() {
		return nil, fmt.Errorf("%w: %s (run `twin-mind init`)", ErrNotInitialized, scope.Path)
	}
	path, err := hookPath(scope)
	if err != nil {
		return nil, err
	}
	out := &InstallHookOutput{Path: path}

	if existing, err := os.ReadFile(path); err == nil && !IsManagedHook(string(existing)) {
		if !input.Force {
			return nil, fmt.Errorf("%w: %s (use --force to replace it)", ErrHookExists, path)
		}
		out.Backup = path + ".bak"
		if err := CopyFileAtomic(path, out.Backup); err != nil {
			return nil, fmt.Errorf("back up hook: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create hooks dir: %w", err)
	}
	if err := WriteFileAtomic(path, []byte(HookScript(HookPostCommit, scope.Path)), 0755); err != nil {
		return nil, fmt.Errorf("write hook: %w", err)
	}
	return out, nil
}

// UninstallHookUseCase removes the managed shim and restores a backed up
// original. Foreign hooks are left alone.
type UninstallHookUseCase struct {
	resolver *ScopeResolver
}

func NewUninstallHookUseCase(resolver *ScopeResolver) *UninstallHookUseCase {
	return &UninstallHookUseCase{resolver: resolver}
}

func (uc *UninstallHookUseCase) Execute(ctx context.Context, input UninstallHookInput) (*UninstallHookOutput, error) {
	scope, err := uc.resolver.Resolve(input.Scope)
	if err != nil {
		return nil, err
	}
	path, err := hookPath(scope)
	if err != nil {
		return nil, err
	}
	out := &UninstallHookOutput{Path: path}

	content, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read hook: %w", err)
	}
	if !IsManagedHook(string(content)) {
		return out, nil
	}
	if err := os.Remove(path); err != nil {
		return nil, fmt.Errorf("remove hook: %w", err)
	}
	out.Removed = true

	backup := path + ".bak"
	if fileExists(backup) {
		if err := os.Rename(backup, path); err != nil {
			return out, fmt.Errorf("restore hook: %w", err)
		}
		out.Restored = true
	}
	return out, nil
}

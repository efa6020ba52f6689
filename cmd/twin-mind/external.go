package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pego/twin-mind/internal"
)

// Plugins are executables named twin-mind-<name> on PATH. They receive the
// resolved brain through TWIN_MIND_* variables instead of re-detecting it.
const pluginPrefix = "twin-mind-"

// plugin is a `twin-mind [--root DIR] <name> args...` call that no builtin
// command handles.
type plugin struct {
	name string
	bin  string
	root string
	args []string
}

// parsePlugin recognizes a plugin call in argv (program name excluded). Only
// the root flag may precede the plugin name; anything else goes to cobra.
func parsePlugin(argv []string) (plugin, bool) {
	var p plugin
scan:
	for len(argv) > 0 {
		switch a := argv[0]; {
		case a == "-C" || a == "--root":
			if len(argv) < 2 {
				return p, false
			}
			p.root, argv = argv[1], argv[2:]
		case strings.HasPrefix(a, "--root="):
			p.root, argv = strings.TrimPrefix(a, "--root="), argv[1:]
		default:
			break scan
		}
	}
	if len(argv) == 0 || argv[0] == "" || argv[0][0] == '-' || isBuiltin(argv[0]) {
		return p, false
	}

	bin, err := lookupPlugin(argv[0])
	if err != nil {
		return p, false
	}
	p.name, p.bin, p.args = argv[0], bin, argv[1:]
	return p, true
}

func lookupPlugin(name string) (string, error) {
	bin, err := exec.LookPath(pluginPrefix + name)
	if err != nil {
		return "", fmt.Errorf("unknown command %q: %s%s not found in PATH", name, pluginPrefix, name)
	}
	return bin, nil
}

// run executes the plugin with our stdio and returns its exit code.
func (p plugin) run(ctx context.Context, version string) (int, error) {
	cmd := exec.CommandContext(ctx, p.bin, p.args...)
	cmd.Env = pluginEnv(p.root, version)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	err := cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return 1, err
	}
	return 0, nil
}

// pluginEnv exports the brain that --root (or auto-detection) resolves to.
// An unresolvable root leaves TWIN_MIND_ROOT unset rather than guessing.
func pluginEnv(root, version string) []string {
	bin, _ := os.Executable()
	env := append(os.Environ(),
		"TWIN_MIND_VERSION="+version,
		"TWIN_MIND_BIN="+bin,
	)

	scope, err := internal.NewScopeResolver().Resolve(root)
	if err != nil {
		return env
	}
	env = append(env,
		"TWIN_MIND_ROOT="+scope.Path,
		"TWIN_MIND_BRAIN="+scope.BrainPath,
	)
	if scope.Initialized() {
		env = append(env, "TWIN_MIND_INITIALIZED=1")
	}
	return env
}

// listPlugins returns the plugin names on PATH; the first directory wins.
func listPlugins() []string {
	seen := make(map[string]bool)
	for _, dir := range filepath.SplitList(os.Getenv("PATH")) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			name, ok := strings.CutPrefix(e.Name(), pluginPrefix)
			if !ok || name == "" || e.IsDir() || seen[name] {
				continue
			}
			if info, err := e.Info(); err != nil || !isExecutable(filepath.Join(dir, e.Name()), info) {
				continue
			}
			seen[name] = true
		}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// isExecutable follows symlinks, since plugins are often linked into PATH.
func isExecutable(path string, info os.FileInfo) bool {
	if info.Mode()&os.ModeSymlink != 0 {
		var err error
		if info, err = os.Stat(path); err != nil {
			return false
		}
	}
	return info.Mode().IsRegular() && info.Mode()&0111 != 0
}

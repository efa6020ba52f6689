package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pego/twin-mind/internal"
	"github.com/spf13/cobra"
)

// watchAndIndex reruns the incremental index once the tree has been quiet
// for the debounce window.
func watchAndIndex(cmd *cobra.Command, uc *internal.UseCases, in internal.IndexInput, debounce time.Duration) error {
	scope, err := internal.NewScopeResolver().Resolve(in.Scope)
	if err != nil {
		return err
	}
	cfg, err := internal.LoadConfig(scope)
	if err != nil {
		return err
	}
	enum, err := internal.NewEnumerator(scope.Path, cfg)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := addWatchDirs(watcher, scope.Path, enum); err != nil {
		return fmt.Errorf("add watch dirs: %w", err)
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "Watching %s for changes...\n", scope.Path)

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	pending := false

	for {
		select {
		case <-cmd.Context().Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&fsnotify.Create != 0 {
				watchNewDir(watcher, event.Name, enum)
			}
			if shouldIgnoreEvent(event, scope, enum) {
				continue
			}
			if !pending {
				timer.Reset(debounce)
				pending = true
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "watch error: %v\n", err)
		case <-timer.C:
			pending = false
			out, indexErr := uc.Index.Execute(cmd.Context(), in)
			if indexErr != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "index: %v\n", indexErr)
				continue
			}
			if err := printIndexOutput(cmd, out); err != nil {
				return err
			}
		}
	}
}

func addWatchDirs(watcher *fsnotify.Watcher, root string, enum *internal.Enumerator) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}

		if info.IsDir() {
			if path != root && enum.SkipDir(info.Name()) {
				return filepath.SkipDir
			}
			return watcher.Add(path)
		}
		return nil
	})
}

func watchNewDir(watcher *fsnotify.Watcher, path string, enum *internal.Enumerator) {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() || enum.SkipDir(info.Name()) {
		return
	}
	_ = addWatchDirs(watcher, path, enum)
}

// shouldIgnoreEvent drops chmod noise, anything under the brain directory
// and paths the indexer would not pick up.
func shouldIgnoreEvent(event fsnotify.Event, scope internal.Scope, enum *internal.Enumerator) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return true
	}
	if strings.HasPrefix(event.Name, scope.BrainPath+string(filepath.Separator)) || event.Name == scope.BrainPath {
		return true
	}

	rel, err := filepath.Rel(scope.Path, event.Name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return true
	}
	return !enum.Relevant(rel)
}

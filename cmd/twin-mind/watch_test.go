package main

import (
	"path/filepath"
	"testing"

	"github.com/fsnotify/fsnotify"
	"github.com/pego/twin-mind/internal"
)

func TestShouldIgnoreEvent(t *testing.T) {
	root := t.TempDir()
	scope := internal.NewScope(root)
	enum, err := internal.NewEnumerator(root, internal.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	at := func(rel string) string { return filepath.Join(root, filepath.FromSlash(rel)) }

	tests := []struct {
		name  string
		event fsnotify.Event
		want  bool
	}{
		{"write source file", fsnotify.Event{Name: at("main.go"), Op: fsnotify.Write}, false},
		{"create nested source", fsnotify.Event{Name: at("pkg/api/handler.ts"), Op: fsnotify.Create}, false},
		{"remove source file", fsnotify.Event{Name: at("old.py"), Op: fsnotify.Remove}, false},
		{"chmod ignored", fsnotify.Event{Name: at("main.go"), Op: fsnotify.Chmod}, true},
		{"brain dir", fsnotify.Event{Name: at(".claude/memory.db"), Op: fsnotify.Write}, true},
		{"skipped dir", fsnotify.Event{Name: at("node_modules/lib/index.js"), Op: fsnotify.Write}, true},
		{"unknown extension", fsnotify.Event{Name: at("image.png"), Op: fsnotify.Write}, true},
		{"outside root", fsnotify.Event{Name: filepath.Join(filepath.Dir(root), "x.go"), Op: fsnotify.Write}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := shouldIgnoreEvent(tt.event, scope, enum)
			if got != tt.want {
				t.Errorf("shouldIgnoreEvent() = %v, want %v", got, tt.want)
			}
		})
	}
}

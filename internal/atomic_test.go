package internal

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index-state.json")

	if err := WriteFileAtomic(path, []byte("one"), 0644); err != nil {
		t.Fatalf("WriteFileAtomic() error = %v", err)
	}
	if err := WriteFileAtomic(path, []byte("two"), 0600); err != nil {
		t.Fatalf("WriteFileAtomic() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "two" {
		t.Errorf("content = %q, want %q", data, "two")
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}

	leftovers, _ := filepath.Glob(filepath.Join(dir, "*.tmp"))
	if len(leftovers) != 0 {
		t.Errorf("temp files left behind: %v", leftovers)
	}
}

func TestCopyFileAtomic(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "decisions.jsonl")
	if err := os.WriteFile(src, []byte("{}\n"), 0644); err != nil {
		t.Fatal(err)
	}
	dest := BackupPath(src, time.Date(2025, 2, 3, 4, 5, 6, 0, time.UTC))

	if err := CopyFileAtomic(src, dest); err != nil {
		t.Fatalf("CopyFileAtomic() error = %v", err)
	}
	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "{}\n" {
		t.Errorf("copy = %q", data)
	}

	if err := CopyFileAtomic(filepath.Join(dir, "missing"), dest+"2"); err == nil {
		t.Error("expected error for missing source")
	}
}

func TestBackupPath(t *testing.T) {
	loc := time.FixedZone("CET", 3600)
	got := BackupPath("/repo/.claude/memory.db", time.Date(2025, 2, 3, 5, 5, 6, 0, loc))
	want := "/repo/.claude/memory.db.backup-20250203T040506Z"
	if got != want {
		t.Errorf("BackupPath() = %q, want %q", got, want)
	}
}

package internal

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.ShareMemories {
		t.Error("expected share_memories to default to false")
	}
	if cfg.Memory.DedupeMethod != DedupeSimHash {
		t.Errorf("dedupe method = %q, want %q", cfg.Memory.DedupeMethod, DedupeSimHash)
	}
	if cfg.Retrieval.TopK != 10 {
		t.Errorf("top_k = %d, want 10", cfg.Retrieval.TopK)
	}
	if cfg.MaxFileBytes() != 500*1000 {
		t.Errorf("max file bytes = %d, want 500000", cfg.MaxFileBytes())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestConfigSaveAndLoad(t *testing.T) {
	scope := NewScope(t.TempDir())
	if err := os.MkdirAll(scope.BrainPath, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	cfg := DefaultConfig()
	cfg.ShareMemories = true
	cfg.Retrieval.TopK = 25
	cfg.Lock.Timeout = 2 * time.Second

	if err := SaveConfig(scope, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := LoadConfig(scope)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if !loaded.ShareMemories {
		t.Error("expected share_memories to round-trip")
	}
	if loaded.Retrieval.TopK != 25 {
		t.Errorf("top_k = %d, want 25", loaded.Retrieval.TopK)
	}
	if loaded.LockTimeout() != 2*time.Second {
		t.Errorf("lock timeout = %v, want 2s", loaded.LockTimeout())
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	scope := NewScope(t.TempDir())

	cfg, err := LoadConfig(scope)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Index.ParallelWorkers != 4 {
		t.Errorf("expected defaults, got parallel_workers = %d", cfg.Index.ParallelWorkers)
	}
}

func TestLoadConfigPartialOverlay(t *testing.T) {
	scope := NewScope(t.TempDir())
	if err := os.MkdirAll(scope.BrainPath, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	partial := "share_memories: true\nmemory:\n  dedupe: false\nmaintenance:\n  memory_max_size: 2MB\n"
	if err := os.WriteFile(scope.ConfigPath(), []byte(partial), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := LoadConfig(scope)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.ShareMemories || cfg.Memory.Dedupe {
		t.Errorf("overlay not applied: share=%v dedupe=%v", cfg.ShareMemories, cfg.Memory.Dedupe)
	}
	if cfg.Memory.DedupeMethod != DedupeSimHash {
		t.Errorf("untouched key lost its default: %q", cfg.Memory.DedupeMethod)
	}
	if got := cfg.StoreLimits()[StoreMemory]; got != 2*1000*1000 {
		t.Errorf("memory limit = %d, want 2000000", got)
	}
	if got := cfg.StoreLimits()[StoreCode]; got != 50*1000*1000 {
		t.Errorf("code limit = %d, want 50000000", got)
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad yaml", "memory: [\n"},
		{"bad size", "index:\n  max_file_size: lots\n"},
		{"bad dedupe method", "memory:\n  dedupe_method: soundex\n"},
		{"bad tag mode", "prune:\n  tag_mode: fuzzy\n"},
		{"bad prune match", "prune:\n  match: some\n"},
		{"negative context budget", "retrieval:\n  context_tokens: -1\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scope := NewScope(t.TempDir())
			if err := os.MkdirAll(scope.BrainPath, 0755); err != nil {
				t.Fatalf("mkdir: %v", err)
			}
			if err := os.WriteFile(filepath.Join(scope.BrainPath, "twin-mind.yaml"), []byte(tt.body), 0644); err != nil {
				t.Fatalf("write: %v", err)
			}
			if _, err := LoadConfig(scope); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestConfigWorkersFloor(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Index.ParallelWorkers = 0
	if cfg.Workers() != 1 {
		t.Errorf("workers = %d, want 1", cfg.Workers())
	}
}

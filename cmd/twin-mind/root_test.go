package main

import (
	"testing"
)

func TestNewRootCmd(t *testing.T) {
	cmd := NewRootCmd("1.0.0", nil)

	if cmd == nil {
		t.Fatal("NewRootCmd returned nil")
	}

	if cmd.Use != "twin-mind" {
		t.Errorf("expected Use='twin-mind', got %q", cmd.Use)
	}

	if cmd.Version != "1.0.0" {
		t.Errorf("expected Version='1.0.0', got %q", cmd.Version)
	}
}

func TestRootCmdHasFlags(t *testing.T) {
	cmd := NewRootCmd("1.0.0", nil)

	for _, name := range []string{"root", "json", "verbose"} {
		if cmd.PersistentFlags().Lookup(name) == nil {
			t.Errorf("expected persistent flag %q to exist", name)
		}
	}
}

func TestRootCmdSubcommands(t *testing.T) {
	cmd := NewRootCmd("1.0.0", nil)

	for _, name := range []string{
		"init", "index", "remember", "search", "ask", "context", "recent", "status",
		"prune", "doctor", "reset", "reindex", "entities", "hook", "skill",
	} {
		if !isBuiltin(name) {
			t.Errorf("expected %q to be a builtin", name)
		}
		found := false
		for _, c := range cmd.Commands() {
			if c.Name() == name {
				found = true
			}
		}
		if !found {
			t.Errorf("expected subcommand %q", name)
		}
	}

	if !isBuiltin("s") {
		t.Error("expected alias s to be a builtin")
	}
	if isBuiltin("deploy") {
		t.Error("deploy should not be a builtin")
	}
}

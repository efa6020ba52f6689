package internal

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

const stateVersion = 2

type FileStatus string

const (
	StatusFresh   FileStatus = "fresh"
	StatusStale   FileStatus = "stale"
	StatusDeleted FileStatus = "deleted"
)

// MarkerWorktree marks a file indexed while it had uncommitted changes.
const MarkerWorktree = "worktree"

type FileRecord struct {
	Fingerprint string     `json:"fingerprint"`
	Size        int64      `json:"size"`
	Marker      string     `json:"marker"`
	Status      FileStatus `json:"status"`
	FrameIDs    []string   `json:"frame_ids,omitempty"`
}

type IndexState struct {
	Version    int                    `json:"version"`
	Root       string                 `json:"root"`
	LastCommit string                 `json:"last_commit,omitempty"`
	IndexedAt  time.Time              `json:"indexed_at"`
	FrameCount int                    `json:"frame_count"`
	FileCount  int                    `json:"file_count"`
	Files      map[string]*FileRecord `json:"files"`
}

func NewIndexState(root string) *IndexState {
	return &IndexState{
		Version: stateVersion,
		Root:    root,
		Files:   make(map[string]*FileRecord),
	}
}

// UnmarshalJSON also reads the legacy {last_commit, indexed_at, file_count}
// layout with a naive timestamp.
func (s *IndexState) UnmarshalJSON(data []byte) error {
	type alias IndexState
	aux := struct {
		*alias
		IndexedAt string `json:"indexed_at"`
	}{alias: (*alias)(s)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.IndexedAt != "" {
		t, err := ParseTimestamp(aux.IndexedAt)
		if err != nil {
			return err
		}
		s.IndexedAt = t
	}
	if s.Files == nil {
		s.Files = make(map[string]*FileRecord)
	}
	return nil
}

func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

type IndexMode string

const (
	ModeFull        IndexMode = "full"
	ModeIncremental IndexMode = "incremental"
)

// WorkSet holds the disjoint path sets an index cycle must act on.
type WorkSet struct {
	Mode   IndexMode `json:"mode"`
	Reason string    `json:"reason,omitempty"`
	// Commit is HEAD when the set was computed, empty without version control.
	Commit   string      `json:"commit,omitempty"`
	ToAdd    []Candidate `json:"to_add"`
	ToUpdate []Candidate `json:"to_update"`
	ToDelete []string    `json:"to_delete"`
	// Purge asks the pipeline to drop every frame in the store first.
	Purge       bool            `json:"purge"`
	Uncommitted map[string]bool `json:"-"`
}

func (w *WorkSet) Empty() bool {
	return len(w.ToAdd) == 0 && len(w.ToUpdate) == 0 && len(w.ToDelete) == 0 && !w.Purge
}

func (w *WorkSet) Size() int {
	return len(w.ToAdd) + len(w.ToUpdate) + len(w.ToDelete)
}

// Marker is the last-indexed marker recorded for a file committed from this
// work set.
func (w *WorkSet) Marker(c Candidate) string {
	if w.Commit == "" {
		return fmt.Sprintf("mtime:%d", c.ModTime)
	}
	if w.Uncommitted[c.Path] {
		return MarkerWorktree
	}
	return w.Commit
}

type StateTracker struct {
	scope Scope
	vcs   VersionControl
	enum  *Enumerator
	log   zerolog.Logger
}

func NewStateTracker(scope Scope, vcs VersionControl, enum *Enumerator, log zerolog.Logger) *StateTracker {
	return &StateTracker{scope: scope, vcs: vcs, enum: enum, log: log}
}

// Load reads the persisted state. A missing or unparsable file yields
// ErrStateUnreadable.
func (t *StateTracker) Load() (*IndexState, error) {
	return LoadIndexState(t.scope)
}

func LoadIndexState(scope Scope) (*IndexState, error) {
	data, err := os.ReadFile(scope.StatePath())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStateUnreadable, err)
	}

	state := NewIndexState(scope.Path)
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStateUnreadable, err)
	}
	return state, nil
}

// Save persists state with write-temp-then-rename.
func (t *StateTracker) Save(state *IndexState) error {
	state.Version = stateVersion
	state.FileCount = len(state.Files)

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := WriteFileAtomic(t.scope.StatePath(), data, 0644); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return nil
}

// WorkSet computes what an index cycle must do. state may be nil.
func (t *StateTracker) WorkSet(ctx context.Context, state *IndexState, fresh bool) (*WorkSet, error) {
	commit, err := t.vcs.CurrentCommit(ctx)
	if err != nil {
		if !errors.Is(err, ErrNoVersionControl) {
			t.log.Warn().Err(err).Msg("cannot resolve current commit")
		}
		commit = ""
	}

	switch {
	case fresh:
		return t.fullWorkSet(ctx, state, commit, "fresh rebuild requested")
	case state == nil:
		return t.fullWorkSet(ctx, state, commit, "no prior state")
	case commit == "":
		return t.fullWorkSet(ctx, state, commit, "no version control")
	case state.LastCommit == "":
		return t.fullWorkSet(ctx, state, commit, "no recorded commit")
	case state.Version < stateVersion:
		return t.fullWorkSet(ctx, state, commit, "legacy state without file records")
	}

	changes, err := t.vcs.ChangedPathsSince(ctx, state.LastCommit)
	if err != nil {
		t.log.Warn().Err(err).Str("commit", state.LastCommit).Msg("history unavailable, falling back to full scan")
		return t.fullWorkSet(ctx, state, commit, "history unavailable")
	}

	candidates := make(map[string]bool)
	for _, p := range changes.Paths() {
		candidates[p] = true
	}
	for p, rec := range state.Files {
		if rec.Marker == MarkerWorktree || rec.Status != StatusFresh {
			candidates[p] = true
		}
	}

	ws := &WorkSet{Mode: ModeIncremental, Commit: commit, Uncommitted: changes.Uncommitted}
	for _, p := range sortedKeys(candidates) {
		c, ok := t.enum.Accept(p)
		rec := state.Files[p]
		switch {
		case ok && rec == nil:
			ws.ToAdd = append(ws.ToAdd, c)
		case ok:
			ws.ToUpdate = append(ws.ToUpdate, c)
		case rec != nil:
			ws.ToDelete = append(ws.ToDelete, p)
		}
	}
	return ws, nil
}

func (t *StateTracker) fullWorkSet(ctx context.Context, state *IndexState, commit, reason string) (*WorkSet, error) {
	files, err := t.enum.Walk(ctx)
	if err != nil {
		return nil, err
	}

	ws := &WorkSet{Mode: ModeFull, Reason: reason, Commit: commit, Purge: true}
	if commit != "" {
		if changes, err := t.vcs.ChangedPathsSince(ctx, commit); err == nil {
			ws.Uncommitted = changes.Uncommitted
		}
	}

	known := make(map[string]bool)
	if state != nil {
		for p := range state.Files {
			known[p] = true
		}
	}

	for _, c := range files {
		if known[c.Path] {
			ws.ToUpdate = append(ws.ToUpdate, c)
			delete(known, c.Path)
		} else {
			ws.ToAdd = append(ws.ToAdd, c)
		}
	}
	ws.ToDelete = sortedKeys(known)
	return ws, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

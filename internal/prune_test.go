package internal

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pruneNow = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func TestParseBefore(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
		err  bool
	}{
		{"30d", pruneNow.AddDate(0, 0, -30), false},
		{"2w", pruneNow.AddDate(0, 0, -14), false},
		{"12h", pruneNow.Add(-12 * time.Hour), false},
		{" 7D ", pruneNow.AddDate(0, 0, -7), false},
		{"2025-01-01", time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), false},
		{"2025-01-01T10:00:00Z", time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC), false},
		{"soon", time.Time{}, true},
		{"10y", time.Time{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseBefore(tt.in, pruneNow)
			if tt.err {
				assert.ErrorIs(t, err, ErrInvalidDuration)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s", got)
		})
	}
}

func TestParsePruneTarget(t *testing.T) {
	for in, want := range map[string]PruneTarget{"memory": PruneMemory, "local": PruneMemory, "Shared": PruneShared, "all": PruneAll} {
		got, err := ParsePruneTarget(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParsePruneTarget("code")
	assert.ErrorIs(t, err, ErrInvalidTarget)
}

func TestMatchPruneEntries(t *testing.T) {
	entries := []PruneEntry{
		{ID: "e1", Tag: "category:auth", Message: "Chose JWT", Timestamp: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)},
		{ID: "e2", Tag: "category:db", Message: "Postgres", Timestamp: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)},
		{ID: "e3", Tag: "category:general", Message: "[auth] legacy note", Title: "[auth] legacy note", Timestamp: time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)},
	}
	ids := func(es []PruneEntry) []string {
		var out []string
		for _, e := range es {
			out = append(out, e.ID)
		}
		return out
	}
	jan15 := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
	feb15 := time.Date(2025, 2, 15, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		tag      string
		cutoff   time.Time
		mode     string
		all      bool
		want     []string
		strategy string
	}{
		{"structured first", "auth", time.Time{}, TagModeAuto, false, []string{"e1"}, TagModeStructured},
		{"legacy only", "auth", time.Time{}, TagModeLegacy, false, []string{"e1", "e3"}, TagModeLegacy},
		{"legacy fallback", "general:auth", time.Time{}, TagModeAuto, false, []string{"e1", "e3"}, TagModeLegacy},
		{"tag and age overlap", "auth", jan15, TagModeAuto, false, []string{"e1"}, TagModeStructured},
		{"either filter", "db", jan15, TagModeAuto, false, []string{"e1", "e2"}, TagModeStructured},
		{"both required", "db", jan15, TagModeAuto, true, nil, TagModeStructured},
		{"both hold", "auth", jan15, TagModeAuto, true, []string{"e1"}, TagModeStructured},
		{"no tag match", "missing", time.Time{}, TagModeAuto, false, nil, "none"},
		{"no tag match, old entries", "missing", feb15, TagModeAuto, false, []string{"e1", "e3"}, "age"},
		{"no tag match, both required", "missing", feb15, TagModeAuto, true, nil, "none"},
		{"age only", "", feb15, TagModeAuto, false, []string{"e1", "e3"}, "age"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, strategy := MatchPruneEntries(entries, tt.tag, tt.cutoff, tagMatchers(tt.mode), tt.all)
			assert.Equal(t, tt.want, ids(got))
			assert.Equal(t, tt.strategy, strategy)
		})
	}
}

// setupPruneBrain stores two old and one recent memory in each layer.
func setupPruneBrain(t *testing.T) (*Brain, *PruneEngine) {
	t.Helper()
	b, r := setupRouter(t, func(c *Config) { c.Memory.Dedupe = false })
	ctx := context.Background()

	seed := []struct {
		msg string
		tag string
		age time.Duration
	}{
		{"Old auth decision", "auth", 90 * 24 * time.Hour},
		{"Old database note", "db", 60 * 24 * time.Hour},
		{"Fresh auth decision", "auth", 24 * time.Hour},
	}
	for _, dest := range []Destination{DestinationLocal, DestinationShared} {
		for _, s := range seed {
			ts := pruneNow.Add(-s.age)
			r.now = func() time.Time { return ts }
			_, err := r.Remember(ctx, RememberRequest{Message: s.msg, Tag: s.tag, Destination: dest})
			require.NoError(t, err)
		}
	}

	p, err := b.PruneEngine()
	require.NoError(t, err)
	p.now = func() time.Time { return pruneNow }
	return b, p
}

func TestPruneRequiresFilter(t *testing.T) {
	_, p := setupPruneBrain(t)
	_, err := p.Prune(context.Background(), PruneRequest{Target: PruneAll})
	assert.Error(t, err)
}

func TestPruneDryRunChangesNothing(t *testing.T) {
	b, p := setupPruneBrain(t)
	ctx := context.Background()

	before, err := os.ReadFile(b.Scope.SharedLogPath())
	require.NoError(t, err)

	out, err := p.Prune(ctx, PruneRequest{Target: PruneAll, Before: "30d", DryRun: true})
	require.NoError(t, err)
	assert.True(t, out.DryRun)
	require.Len(t, out.Stores, 2)
	for _, s := range out.Stores {
		assert.Len(t, s.Matched, 2, s.Store)
		assert.Zero(t, s.Removed)
		assert.Empty(t, s.Backup)
	}

	after, err := os.ReadFile(b.Scope.SharedLogPath())
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, 3, countMemories(t, b, DestinationLocal))
}

func TestPruneRemovesMatchesWithBackup(t *testing.T) {
	b, p := setupPruneBrain(t)
	ctx := context.Background()

	original, err := os.ReadFile(b.Scope.SharedLogPath())
	require.NoError(t, err)

	// The db note (60 days) is only tagged, the old auth decision (90 days)
	// only older than the cutoff: either filter removes an entry.
	out, err := p.Prune(ctx, PruneRequest{Target: PruneAll, Tag: "db", Before: "75d"})
	require.NoError(t, err)
	require.Len(t, out.Stores, 2)
	assert.Equal(t, StoreMemory, out.Stores[0].Store)
	assert.Equal(t, StoreDecisions, out.Stores[1].Store)

	for _, s := range out.Stores {
		var msgs []string
		for _, e := range s.Matched {
			msgs = append(msgs, e.Message)
		}
		assert.ElementsMatch(t, []string{"Old auth decision", "Old database note"}, msgs, s.Store)
		assert.Equal(t, TagModeStructured, s.Strategy)
		assert.Equal(t, 2, s.Removed)
		assert.Equal(t, 1, s.Kept)
		assert.FileExists(t, s.Backup)
	}

	local, err := LocalEntries(ctx, mustLocal(t, b), 0)
	require.NoError(t, err)
	require.Len(t, local, 1)
	assert.Equal(t, "Fresh auth decision", local[0].Message)
	assert.Equal(t, 1, countMemories(t, b, DestinationShared))

	// Both backups hold the pre-prune contents.
	saved, err := os.ReadFile(out.Stores[1].Backup)
	require.NoError(t, err)
	assert.Equal(t, original, saved)

	restored, err := OpenSQLiteStore(out.Stores[0].Backup)
	require.NoError(t, err)
	defer restored.Close()
	n, err := restored.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestPruneMatchAll(t *testing.T) {
	b, p := setupPruneBrain(t)
	ctx := context.Background()

	out, err := p.Prune(ctx, PruneRequest{Target: PruneAll, Tag: "auth", Before: "30d", MatchAll: true})
	require.NoError(t, err)
	for _, s := range out.Stores {
		require.Len(t, s.Matched, 1, s.Store)
		assert.Equal(t, "Old auth decision", s.Matched[0].Message)
		assert.Equal(t, 2, s.Kept)
	}

	// prune.match: all has the same effect without the request flag.
	b2, p2 := setupPruneBrain(t)
	p2.cfg.Prune.Match = PruneMatchAll
	out, err = p2.Prune(ctx, PruneRequest{Target: PruneShared, Tag: "db", Before: "75d", DryRun: true})
	require.NoError(t, err)
	require.Len(t, out.Stores, 1)
	assert.Empty(t, out.Stores[0].Matched)
	assert.Equal(t, 3, countMemories(t, b2, DestinationShared))
	assert.Equal(t, 2, countMemories(t, b, DestinationShared))
}

func TestPruneKeepsSystemEntries(t *testing.T) {
	b, p := setupPruneBrain(t)
	ctx := context.Background()
	store := mustLocal(t, b)

	require.NoError(t, WriteSystemEntry(ctx, store, "reset", "memory store reset", pruneNow.AddDate(-1, 0, 0)))

	out, err := p.Prune(ctx, PruneRequest{Target: PruneMemory, Before: "30d"})
	require.NoError(t, err)
	require.Len(t, out.Stores, 1)
	assert.Equal(t, 2, out.Stores[0].Removed)

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "fresh memory plus the system entry")
}

func TestPruneSharedOnlyLeavesLocal(t *testing.T) {
	b, p := setupPruneBrain(t)

	out, err := p.Prune(context.Background(), PruneRequest{Target: PruneShared, Tag: "db"})
	require.NoError(t, err)
	require.Len(t, out.Stores, 1)
	assert.Equal(t, StoreDecisions, out.Stores[0].Store)
	assert.Equal(t, 1, out.Stores[0].Removed)

	assert.Equal(t, 3, countMemories(t, b, DestinationLocal))
	assert.Equal(t, 2, countMemories(t, b, DestinationShared))
}

func TestPruneNothingMatchedSkipsBackup(t *testing.T) {
	_, p := setupPruneBrain(t)

	out, err := p.Prune(context.Background(), PruneRequest{Target: PruneAll, Tag: "nothing-here"})
	require.NoError(t, err)
	for _, s := range out.Stores {
		assert.Empty(t, s.Matched)
		assert.Empty(t, s.Backup)
		assert.Equal(t, "none", s.Strategy)
	}
}

package internal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupSharedMemory(t *testing.T, semantic bool) *SharedMemory {
	t.Helper()
	scope := NewScope(t.TempDir())
	require.NoError(t, os.MkdirAll(scope.BrainPath, 0755))
	cfg := DefaultConfig()
	cfg.Retrieval.SemanticIndex = semantic
	return NewSharedMemory(scope, cfg, zerolog.Nop())
}

func appendShared(t *testing.T, m *SharedMemory, msg, tag string, ts time.Time) SharedLogLine {
	t.Helper()
	res, err := m.Append(context.Background(), SharedLogLine{Timestamp: ts, Message: msg, Tag: tag, Author: "tester"}, nil)
	require.NoError(t, err)
	return res.Line
}

func TestHashEmbedUnitVectors(t *testing.T) {
	v := HashEmbed("Chose JWT for session tokens")
	assert.Len(t, v, vectorDims)
	assert.InDelta(t, 1.0, cosine(v, v), 1e-5)

	assert.Greater(t, cosine(HashEmbed("authentication tokens"), HashEmbed("auth token")), 0.0)
	assert.Equal(t, 0.0, cosine(HashEmbed(""), v))
	assert.Equal(t, v, decodeVector(encodeVector(v)))
}

func TestHashEmbedConceptGroups(t *testing.T) {
	auth := HashEmbed("auth")
	assert.Greater(t, cosine(auth, HashEmbed("Chose JWT category:arch")), 0.2)
	assert.Greater(t, cosine(HashEmbed("sessions"), HashEmbed("session")), 0.5)
	c, ok := conceptOf("tokens")
	require.True(t, ok)
	assert.Equal(t, 0, c)
	_, ok = conceptOf("chose")
	assert.False(t, ok)
}

func TestTermMatcher(t *testing.T) {
	tests := []struct {
		query, text string
		want        bool
	}{
		{"auth", "auth TODO", true},
		{"auth", "Chose JWT category:arch", true},
		{"auth", "authentication flow", true},
		{"redis caching", "Use memcached", true},
		{"kubernetes", "Chose JWT category:arch", false},
		{"kubernetes", "Postgres for persistence category:db", false},
		{"", "anything", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, newTermMatcher(tt.query).matches(tt.text), "%q in %q", tt.query, tt.text)
	}
}

func TestSemanticIndexDropsUnrelatedLines(t *testing.T) {
	m := setupSharedMemory(t, true)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	appendShared(t, m, "Chose JWT", "category:arch", base)
	appendShared(t, m, "Postgres for persistence", "category:db", base.Add(time.Hour))

	hits, err := m.Index().Search(context.Background(), "kubernetes", SharedSearchOptions{TopK: 10})
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = m.Index().Search(context.Background(), "auth", SharedSearchOptions{TopK: 10})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "Chose JWT", hits[0].Message)
	assert.Greater(t, hits[0].Score, 0.0)
}

func TestSharedIndexesAdaptiveCap(t *testing.T) {
	for _, semantic := range []bool{true, false} {
		m := setupSharedMemory(t, semantic)
		base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
		for i := range 12 {
			appendShared(t, m, fmt.Sprintf("cache decision %d", i), "category:cache", base.Add(time.Duration(i)*time.Hour))
		}

		fixed, err := m.Index().Search(context.Background(), "cache", SharedSearchOptions{TopK: 2})
		require.NoError(t, err)
		assert.Len(t, fixed, 2, "semantic=%v", semantic)

		// Near-equal scores all pass the cutoff, so only the top_k*4 cap applies.
		adaptive, err := m.Index().Search(context.Background(), "cache", SharedSearchOptions{TopK: 2, Adaptive: true, MinRelevancy: 0.5})
		require.NoError(t, err)
		assert.Len(t, adaptive, 8, "semantic=%v", semantic)
	}
}

func TestLazySharedIndexRebuildsOnDrift(t *testing.T) {
	m := setupSharedMemory(t, true)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	appendShared(t, m, "Chose JWT for API auth", "category:auth", base)
	assert.NoFileExists(t, m.Semantic().Path(), "no index until first search")

	hits, err := m.Index().Search(ctx, "auth", SharedSearchOptions{TopK: 5})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "Chose JWT for API auth", hits[0].Message)

	snap, err := m.Log().Read()
	require.NoError(t, err)
	assert.True(t, m.Semantic().Valid(ctx, snap))

	// Appends through SharedMemory patch the index in place.
	appendShared(t, m, "Postgres for persistence", "category:db", base.Add(time.Hour))
	snap, err = m.Log().Read()
	require.NoError(t, err)
	assert.True(t, m.Semantic().Valid(ctx, snap))

	// A hand edit (or a git merge) leaves it stale until the next search.
	f, err := os.OpenFile(m.Log().Path(), os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"id":"ext","timestamp":"2025-01-03T00:00:00Z","message":"Redis for caching","tag":"category:cache","author":"x"}` + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	snap, err = m.Log().Read()
	require.NoError(t, err)
	assert.False(t, m.Semantic().Valid(ctx, snap))

	hits, err = m.Index().Search(ctx, "redis caching", SharedSearchOptions{TopK: 1})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "ext", hits[0].ID)
	assert.True(t, m.Semantic().Valid(ctx, snap))
}

func TestSemanticIndexDropsSuperseded(t *testing.T) {
	m := setupSharedMemory(t, true)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	old := appendShared(t, m, "Use REST for the public API", "category:api", base)
	_, err := m.Append(ctx, SharedLogLine{
		Timestamp:  base.Add(time.Hour),
		Message:    "Use gRPC for the public API",
		Tag:        "category:api",
		Author:     "tester",
		Supersedes: old.ID,
	}, nil)
	require.NoError(t, err)

	hits, err := m.Index().Search(ctx, "public API", SharedSearchOptions{TopK: 10})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "Use gRPC for the public API", hits[0].Message)
}

func TestTextualSharedIndex(t *testing.T) {
	m := setupSharedMemory(t, false)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	appendShared(t, m, "auth via JWT, auth tokens expire hourly", "category:security", base)
	appendShared(t, m, "Chose JWT", "category:auth", base.Add(time.Hour))
	appendShared(t, m, "Nothing relevant", "category:misc", base.Add(2*time.Hour))

	idx := m.Index()
	assert.Equal(t, "textual", idx.Name())

	hits, err := idx.Search(context.Background(), "auth", SharedSearchOptions{TopK: 10})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	// Two message hits and one tag hit both score 0.2; the newer wins the tie.
	assert.Equal(t, "Chose JWT", hits[0].Message)
	assert.InDelta(t, 0.2, hits[0].Score, 1e-9)
	assert.InDelta(t, 0.2, hits[1].Score, 1e-9)
}

type failingIndex struct{}

func (failingIndex) Name() string { return "failing" }

func (failingIndex) Search(ctx context.Context, query string, opts SharedSearchOptions) ([]SharedHit, error) {
	return nil, errors.New("corrupt")
}

func TestFallbackSharedIndex(t *testing.T) {
	m := setupSharedMemory(t, false)
	appendShared(t, m, "Chose JWT", "category:auth", time.Now())

	idx := NewFallbackSharedIndex(failingIndex{}, NewTextualSharedIndex(m.Log()), zerolog.Nop())
	hits, err := idx.Search(context.Background(), "jwt", SharedSearchOptions{})
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestSemanticIndexCorruptFileIsRebuilt(t *testing.T) {
	m := setupSharedMemory(t, true)
	appendShared(t, m, "Chose JWT", "category:auth", time.Now())
	require.NoError(t, os.WriteFile(m.Semantic().Path(), []byte("not a database"), 0644))

	hits, err := m.Index().Search(context.Background(), "jwt", SharedSearchOptions{TopK: 5})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "Chose JWT", hits[0].Message)
}

func TestSemanticIndexRebuildLeavesNoTempFiles(t *testing.T) {
	m := setupSharedMemory(t, true)
	appendShared(t, m, "one", "category:a", time.Now())
	require.NoError(t, m.RebuildIndex(context.Background()))

	matches, err := filepath.Glob(filepath.Join(filepath.Dir(m.Semantic().Path()), "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

package internal

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupAuditor(t *testing.T, b *Brain) *MaintenanceAuditor {
	t.Helper()
	a, err := b.Auditor()
	require.NoError(t, err)
	return a
}

func hasFinding(r *DoctorReport, substr string) bool {
	for _, f := range r.Findings {
		if strings.Contains(f, substr) {
			return true
		}
	}
	return false
}

func TestDoctorFreshBrainIsHealthy(t *testing.T) {
	b := setupBrain(t, t.TempDir())

	report, err := setupAuditor(t, b).Doctor(context.Background(), DoctorActions{})
	require.NoError(t, err)
	assert.True(t, report.Healthy(), "findings: %v", report.Findings)
	assert.True(t, report.StateReadable)
	require.Len(t, report.Stores, 3)
	for _, s := range report.Stores {
		// init leaves an empty shared log for git to track.
		assert.Equal(t, s.Name == StoreDecisions, s.Exists, s.Name)
		assert.Zero(t, s.Frames, s.Name)
	}
}

func TestDoctorReportsMalformedSharedLines(t *testing.T) {
	b := setupBrain(t, t.TempDir())
	content := `{"id":"a","timestamp":"2025-01-01T00:00:00Z","message":"ok"}
<<<<<<< HEAD
`
	require.NoError(t, os.WriteFile(b.Scope.SharedLogPath(), []byte(content), 0644))

	report, err := setupAuditor(t, b).Doctor(context.Background(), DoctorActions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.SharedLines)
	require.Len(t, report.Malformed, 1)
	assert.Equal(t, 2, report.Malformed[0].Line)
	assert.True(t, hasFinding(report, "malformed"))
	assert.True(t, hasFinding(report, "derived shared index"))
	assert.False(t, report.Healthy())
}

func TestDoctorUnreadableState(t *testing.T) {
	b := setupBrain(t, t.TempDir())
	require.NoError(t, os.WriteFile(b.Scope.StatePath(), []byte("{broken"), 0644))

	report, err := setupAuditor(t, b).Doctor(context.Background(), DoctorActions{})
	require.NoError(t, err)
	assert.False(t, report.StateReadable)
	assert.True(t, hasFinding(report, "unreadable"))
	assert.Contains(t, report.Recommendations, "run `twin-mind index --fresh`")
}

func TestDoctorFrameDrift(t *testing.T) {
	dir, repo := setupGitRepo(t)
	commitFiles(t, repo, dir, map[string]string{"main.go": "package main\n"}, "initial")
	b := setupBrain(t, dir)
	ctx := context.Background()

	_, err := runIndex(ctx, b, RunOptions{})
	require.NoError(t, err)

	report, err := setupAuditor(t, b).Doctor(ctx, DoctorActions{})
	require.NoError(t, err)
	assert.Zero(t, report.FrameDrift)
	assert.True(t, report.Healthy(), "findings: %v", report.Findings)

	code, err := b.CodeStore()
	require.NoError(t, err)
	_, err = code.Put(ctx, CodeFrameID("orphan.go"), "package orphan", FrameMeta{Path: "orphan.go"})
	require.NoError(t, err)

	report, err = setupAuditor(t, b).Doctor(ctx, DoctorActions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.FrameDrift)
	assert.True(t, hasFinding(report, "frame(s)"))
	assert.Contains(t, report.Recommendations, "run `twin-mind reindex`")
}

func TestDoctorSizeLimit(t *testing.T) {
	b, r := setupRouter(t, func(c *Config) { c.Maintenance.MemoryMaxSize = "1KB" })
	_, err := r.Remember(context.Background(), RememberRequest{Message: "anything at all"})
	require.NoError(t, err)

	report, err := setupAuditor(t, b).Doctor(context.Background(), DoctorActions{})
	require.NoError(t, err)
	var mem StoreReport
	for _, s := range report.Stores {
		if s.Name == StoreMemory {
			mem = s
		}
	}
	assert.True(t, mem.OverLimit)
	assert.Equal(t, int64(1000), mem.Limit)
	assert.True(t, hasFinding(report, "over its"))
	assert.Contains(t, report.Recommendations, "run `twin-mind prune --before 90d` to drop old memories")
}

func TestDoctorVacuumAndRebuild(t *testing.T) {
	b, r := setupRouter(t, nil)
	ctx := context.Background()
	_, err := r.Remember(ctx, RememberRequest{Message: "local note"})
	require.NoError(t, err)
	_, err = r.Remember(ctx, RememberRequest{Message: "shared decision", Destination: DestinationShared})
	require.NoError(t, err)
	_ = os.Remove(b.Shared().Semantic().Path())

	report, err := setupAuditor(t, b).Doctor(ctx, DoctorActions{Vacuum: true, Rebuild: true})
	require.NoError(t, err)

	joined := strings.Join(report.Actions, "\n")
	assert.Contains(t, joined, "vacuumed .claude/memory.db")
	assert.Contains(t, joined, "backed up .claude/memory.db")
	assert.Contains(t, joined, "rebuilt full-text index of .claude/memory.db")
	assert.Contains(t, joined, "rebuilt .claude/decisions.db")
	assert.True(t, report.DerivedValid)

	backups, err := filepath.Glob(b.Scope.MemoryStorePath() + ".backup-*")
	require.NoError(t, err)
	assert.Len(t, backups, 1)

	hits, err := mustLocal(t, b).Search(ctx, StoreQuery{Text: "note", TopK: 5})
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestStatusReport(t *testing.T) {
	dir, repo := setupGitRepo(t)
	commitFiles(t, repo, dir, map[string]string{
		"main.go": "package main\n\nfunc main() {}\n",
		"util.go": "package main\n\nfunc helper() {}\n",
	}, "initial")
	b := setupBrain(t, dir)
	ctx := context.Background()

	out, err := runIndex(ctx, b, RunOptions{})
	require.NoError(t, err)

	status, err := setupAuditor(t, b).Status(ctx)
	require.NoError(t, err)
	assert.True(t, status.Initialized)
	assert.Equal(t, "master", status.Branch)
	assert.Equal(t, 2, status.Files)
	assert.Equal(t, out.Commit, status.LastCommit)
	assert.Zero(t, status.CommitsBehind)
	assert.Equal(t, 2, status.Entities)
	assert.False(t, status.IndexedAt.IsZero())
}

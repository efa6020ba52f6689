package internal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
)

type StoreReport struct {
	Name          string `json:"name"`
	Path          string `json:"path"`
	Exists        bool   `json:"exists"`
	Bytes         int64  `json:"bytes"`
	Limit         int64  `json:"limit"`
	Frames        int    `json:"frames"`
	BytesPerFrame int64  `json:"bytes_per_frame,omitempty"`
	OverLimit     bool   `json:"over_limit"`
	Bloated       bool   `json:"bloated"`
}

type DoctorActions struct {
	Vacuum  bool
	Rebuild bool
}

type DoctorReport struct {
	Stores          []StoreReport   `json:"stores"`
	LastCommit      string          `json:"last_commit,omitempty"`
	CommitsBehind   int             `json:"commits_behind"`
	StateReadable   bool            `json:"state_readable"`
	StateFrames     int             `json:"state_frames"`
	FrameDrift      int             `json:"frame_drift"`
	SharedLines     int             `json:"shared_lines"`
	Malformed       []MalformedLine `json:"malformed,omitempty"`
	DerivedValid    bool            `json:"derived_valid"`
	Actions         []string        `json:"actions,omitempty"`
	Findings        []string        `json:"findings,omitempty"`
	Recommendations []string        `json:"recommendations,omitempty"`
}

// Healthy reports whether the audit found nothing to act on.
func (r *DoctorReport) Healthy() bool {
	return len(r.Findings) == 0
}

type StatusReport struct {
	Root          string        `json:"root"`
	Initialized   bool          `json:"initialized"`
	Branch        string        `json:"branch,omitempty"`
	Stores        []StoreReport `json:"stores"`
	IndexedAt     time.Time     `json:"indexed_at,omitempty"`
	LastCommit    string        `json:"last_commit,omitempty"`
	Files         int           `json:"files"`
	CommitsBehind int           `json:"commits_behind"`
	SharedLines   int           `json:"shared_lines"`
	Entities      int           `json:"entities"`
	ShareMemories bool          `json:"share_memories"`
}

// MaintenanceAuditor inspects store health and runs the explicit vacuum and
// rebuild actions. code and local may be nil when their files do not exist.
type MaintenanceAuditor struct {
	scope    Scope
	cfg      *Config
	code     *SQLiteStore
	local    *SQLiteStore
	entities *EntityStore
	shared   *SharedMemory
	vcs      VersionControl
	log      zerolog.Logger
	now      func() time.Time
}

func NewMaintenanceAuditor(scope Scope, cfg *Config, code, local *SQLiteStore, entities *EntityStore, shared *SharedMemory, vcs VersionControl, log zerolog.Logger) *MaintenanceAuditor {
	return &MaintenanceAuditor{
		scope:    scope,
		cfg:      cfg,
		code:     code,
		local:    local,
		entities: entities,
		shared:   shared,
		vcs:      vcs,
		log:      log,
		now:      time.Now,
	}
}

// Doctor runs the requested actions first, then audits the result.
func (m *MaintenanceAuditor) Doctor(ctx context.Context, in DoctorActions) (*DoctorReport, error) {
	report := &DoctorReport{}

	if in.Vacuum {
		actions, err := m.vacuum(ctx)
		report.Actions = append(report.Actions, actions...)
		if err != nil {
			return nil, err
		}
	}
	if in.Rebuild {
		actions, err := m.rebuild(ctx)
		report.Actions = append(report.Actions, actions...)
		if err != nil {
			return nil, err
		}
	}

	stores, err := m.storeReports(ctx)
	if err != nil {
		return nil, err
	}
	report.Stores = stores
	for _, s := range stores {
		if s.OverLimit {
			report.Findings = append(report.Findings, fmt.Sprintf("%s store is %s, over its %s limit",
				s.Name, humanize.Bytes(uint64(s.Bytes)), humanize.Bytes(uint64(s.Limit))))
			if s.Name == StoreCode {
				report.Recommendations = append(report.Recommendations, "run `twin-mind reindex` to rebuild the code store")
			} else {
				report.Recommendations = append(report.Recommendations, "run `twin-mind prune --before 90d` to drop old memories")
			}
		}
		if s.Bloated {
			report.Findings = append(report.Findings, fmt.Sprintf("%s store averages %s per frame",
				s.Name, humanize.Bytes(uint64(s.BytesPerFrame))))
			report.Recommendations = append(report.Recommendations, "run `twin-mind doctor --vacuum` to compact stores")
		}
	}

	state, err := LoadIndexState(m.scope)
	switch {
	case err == nil:
		report.StateReadable = true
		report.LastCommit = state.LastCommit
		report.StateFrames = state.FrameCount
	case !fileExists(m.scope.StatePath()):
		// Never indexed.
		report.StateReadable = true
	default:
		report.Findings = append(report.Findings, "index state is unreadable")
		report.Recommendations = append(report.Recommendations, "run `twin-mind index --fresh`")
	}

	if report.LastCommit != "" {
		behind, err := m.vcs.CommitsBehind(ctx, report.LastCommit)
		switch {
		case err != nil:
			m.log.Debug().Err(err).Msg("count commits behind")
		case behind > 0:
			report.CommitsBehind = behind
			report.Findings = append(report.Findings, fmt.Sprintf("code index is %d commit(s) behind HEAD", behind))
			report.Recommendations = append(report.Recommendations, "run `twin-mind index`")
		}
	}

	if state != nil {
		for _, s := range stores {
			if s.Name == StoreCode && s.Exists {
				report.FrameDrift = s.Frames - state.FrameCount
			}
		}
		if report.FrameDrift != 0 {
			report.Findings = append(report.Findings, fmt.Sprintf("code store has %d frame(s) the index state does not account for", report.FrameDrift))
			report.Recommendations = append(report.Recommendations, "run `twin-mind reindex`")
		}
	}

	snap, err := m.shared.Log().Read()
	if err != nil {
		return nil, err
	}
	report.SharedLines = len(snap.Lines)
	report.Malformed = snap.Malformed
	if len(snap.Malformed) > 0 {
		report.Findings = append(report.Findings, fmt.Sprintf("%d malformed line(s) in %s", len(snap.Malformed), m.scope.Rel(m.shared.Log().Path())))
		report.Recommendations = append(report.Recommendations, "fix or remove the malformed shared log lines (they are skipped)")
	}

	report.DerivedValid = m.shared.Semantic().Valid(ctx, snap)
	if !report.DerivedValid && m.cfg.Retrieval.SemanticIndex && len(snap.Lines) > 0 {
		report.Findings = append(report.Findings, "derived shared index is missing or out of date")
		report.Recommendations = append(report.Recommendations, "run `twin-mind doctor --rebuild` (or let the next search rebuild it)")
	}

	report.Recommendations = dedupeStrings(report.Recommendations)
	return report, nil
}

func (m *MaintenanceAuditor) vacuum(ctx context.Context) ([]string, error) {
	var actions []string
	for _, s := range []*SQLiteStore{m.code, m.local} {
		if s == nil {
			continue
		}
		lock, err := AcquireStoreLock(ctx, s.Path(), m.cfg.LockTimeout())
		if err != nil {
			return actions, err
		}
		before := StoreBytes(s.Path())
		err = s.Vacuum(ctx)
		lock.Release()
		if err != nil {
			return actions, fmt.Errorf("vacuum %s: %w", s.Path(), err)
		}
		after := StoreBytes(s.Path())
		m.log.Info().Str("path", s.Path()).Int64("before", before).Int64("after", after).Msg("vacuumed store")
		actions = append(actions, fmt.Sprintf("vacuumed %s (%s -> %s)", m.scope.Rel(s.Path()),
			humanize.Bytes(uint64(before)), humanize.Bytes(uint64(after))))
	}
	return actions, nil
}

// rebuild backs up the memory store before touching it; a failed backup
// aborts everything.
func (m *MaintenanceAuditor) rebuild(ctx context.Context) ([]string, error) {
	var actions []string

	if m.local != nil {
		lock, err := AcquireStoreLock(ctx, m.local.Path(), m.cfg.LockTimeout())
		if err != nil {
			return nil, err
		}
		backup := BackupPath(m.local.Path(), m.now())
		if err := m.local.Backup(ctx, backup); err != nil {
			lock.Release()
			return nil, err
		}
		actions = append(actions, "backed up "+m.scope.Rel(m.local.Path())+" to "+m.scope.Rel(backup))
		err = m.local.RebuildIndex(ctx)
		lock.Release()
		if err != nil {
			return actions, fmt.Errorf("rebuild memory index: %w", err)
		}
		actions = append(actions, "rebuilt full-text index of "+m.scope.Rel(m.local.Path()))
	}

	if m.code != nil {
		lock, err := AcquireStoreLock(ctx, m.code.Path(), m.cfg.LockTimeout())
		if err != nil {
			return actions, err
		}
		err = m.code.RebuildIndex(ctx)
		lock.Release()
		if err != nil {
			return actions, fmt.Errorf("rebuild code index: %w", err)
		}
		actions = append(actions, "rebuilt full-text index of "+m.scope.Rel(m.code.Path()))
	}

	if err := m.shared.RebuildIndex(ctx); err != nil {
		return actions, fmt.Errorf("rebuild derived index: %w", err)
	}
	actions = append(actions, "rebuilt "+m.scope.Rel(m.shared.Semantic().Path()))
	return actions, nil
}

func (m *MaintenanceAuditor) storeReports(ctx context.Context) ([]StoreReport, error) {
	limits := m.cfg.StoreLimits()
	var out []StoreReport

	for _, s := range []struct {
		name  string
		path  string
		store *SQLiteStore
	}{
		{StoreCode, m.scope.CodeStorePath(), m.code},
		{StoreMemory, m.scope.MemoryStorePath(), m.local},
	} {
		r := StoreReport{Name: s.name, Path: s.path, Exists: fileExists(s.path), Limit: limits[s.name]}
		if r.Exists {
			r.Bytes = StoreBytes(s.path)
		}
		if s.store != nil {
			n, err := s.store.Count(ctx)
			if err != nil {
				return nil, err
			}
			r.Frames = n
		}
		m.assess(&r)
		out = append(out, r)
	}

	logPath := m.shared.Log().Path()
	r := StoreReport{Name: StoreDecisions, Path: logPath, Exists: fileExists(logPath), Limit: limits[StoreDecisions]}
	if r.Exists {
		r.Bytes = fileSize(logPath)
		snap, err := m.shared.Log().Read()
		if err != nil {
			return nil, err
		}
		r.Frames = len(snap.Lines)
	}
	m.assess(&r)
	out = append(out, r)
	return out, nil
}

func (m *MaintenanceAuditor) assess(r *StoreReport) {
	r.OverLimit = r.Limit > 0 && r.Bytes > r.Limit
	if r.Frames > 0 {
		r.BytesPerFrame = r.Bytes / int64(r.Frames)
		// The shared log is plain text; only the SQLite stores bloat.
		r.Bloated = r.Name != StoreDecisions && m.cfg.Maintenance.BloatBytesPerFrame > 0 &&
			r.BytesPerFrame > m.cfg.Maintenance.BloatBytesPerFrame
	}
}

// Status summarizes the brain without judging it.
func (m *MaintenanceAuditor) Status(ctx context.Context) (*StatusReport, error) {
	report := &StatusReport{
		Root:          m.scope.Path,
		Initialized:   m.scope.Initialized(),
		ShareMemories: m.cfg.ShareMemories,
	}
	if branch, err := m.vcs.Branch(ctx); err == nil {
		report.Branch = branch
	}

	stores, err := m.storeReports(ctx)
	if err != nil {
		return nil, err
	}
	report.Stores = stores
	for _, s := range stores {
		if s.Name == StoreDecisions {
			report.SharedLines = s.Frames
		}
	}

	state, err := LoadIndexState(m.scope)
	if err != nil && !errors.Is(err, ErrStateUnreadable) {
		return nil, err
	}
	if state != nil {
		report.IndexedAt = state.IndexedAt
		report.LastCommit = state.LastCommit
		report.Files = len(state.Files)
		if state.LastCommit != "" {
			if behind, err := m.vcs.CommitsBehind(ctx, state.LastCommit); err == nil {
				report.CommitsBehind = behind
			}
		}
	}

	if m.entities != nil {
		if n, err := m.entities.Count(ctx); err == nil {
			report.Entities = n
		}
	}
	return report, nil
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

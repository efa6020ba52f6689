package internal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
)

const checkpointEvery = 50

// EntityIndexer receives the symbols of every file the pipeline commits.
type EntityIndexer interface {
	Reset(ctx context.Context) error
	RemoveFiles(ctx context.Context, paths []string) error
	IndexFile(ctx context.Context, path string, content []byte) (int, error)
}

type RunOptions struct {
	Fresh  bool
	DryRun bool
}

type SkippedFile struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

type IndexOutput struct {
	WorkSet    *WorkSet      `json:"work_set"`
	Added      int           `json:"added"`
	Updated    int           `json:"updated"`
	Deleted    int           `json:"deleted"`
	Unchanged  int           `json:"unchanged"`
	Skipped    []SkippedFile `json:"skipped,omitempty"`
	Entities   int           `json:"entities"`
	FrameCount int           `json:"frame_count"`
	Commit     string        `json:"commit,omitempty"`
	UpToDate   bool          `json:"up_to_date"`
	DryRun     bool          `json:"dry_run"`
	Warnings   []string      `json:"warnings,omitempty"`
}

type fileContent struct {
	Candidate
	Text        string
	Raw         []byte
	Fingerprint string
	Empty       bool
}

type readResult struct {
	file *fileContent
	skip *SkippedFile
}

// Pipeline turns a work set into code store mutations. Reads fan out over a
// bounded pool; every store mutation happens on the calling goroutine.
type Pipeline struct {
	scope    Scope
	cfg      *Config
	tracker  *StateTracker
	entities EntityIndexer
	log      zerolog.Logger
	now      func() time.Time
	readFile func(string) ([]byte, error)
}

func NewPipeline(scope Scope, cfg *Config, tracker *StateTracker, entities EntityIndexer, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		scope:    scope,
		cfg:      cfg,
		tracker:  tracker,
		entities: entities,
		log:      log,
		now:      time.Now,
		readFile: os.ReadFile,
	}
}

// Run executes one index cycle against store. The caller holds the store
// lock for non-dry runs.
func (p *Pipeline) Run(ctx context.Context, store ContentStore, in RunOptions) (*IndexOutput, error) {
	out := &IndexOutput{DryRun: in.DryRun}

	prior, err := p.tracker.Load()
	if err != nil {
		if !errors.Is(err, ErrStateUnreadable) {
			return nil, err
		}
		if fileExists(p.scope.StatePath()) {
			p.log.Warn().Err(err).Msg("index state unreadable, running full scan")
			out.Warnings = append(out.Warnings, "index state unreadable, running full scan")
		}
		prior = nil
	}

	ws, err := p.tracker.WorkSet(ctx, prior, in.Fresh)
	if err != nil {
		return nil, fmt.Errorf("compute work set: %w", err)
	}
	out.WorkSet = ws
	out.Commit = ws.Commit

	if in.DryRun {
		out.UpToDate = ws.Empty()
		return out, nil
	}

	state := prior
	if state == nil {
		state = NewIndexState(p.scope.Path)
	}
	checkpointCommit := state.LastCommit
	if ws.Purge {
		checkpointCommit = ""
	}

	reads := append(append([]Candidate(nil), ws.ToAdd...), ws.ToUpdate...)
	contents, skipped := p.readAll(ctx, reads)
	out.Skipped = skipped
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if ws.Purge {
		if err := p.purge(ctx, store, state); err != nil {
			return nil, err
		}
	}

	failed := make(map[string]bool, len(skipped))
	for _, s := range skipped {
		failed[s.Path] = true
	}

	// Stale frames go before anything is re-added.
	var staleIDs, touched []string
	var puts []*fileContent
	for _, fc := range contents {
		rec := state.Files[fc.Path]
		if fc.Empty {
			// Nothing to index, but the record keeps the file tracked.
			if rec != nil {
				staleIDs = append(staleIDs, rec.FrameIDs...)
				touched = append(touched, fc.Path)
			}
			state.Files[fc.Path] = &FileRecord{
				Fingerprint: fc.Fingerprint,
				Size:        fc.Size,
				Marker:      ws.Marker(fc.Candidate),
				Status:      StatusFresh,
			}
			continue
		}
		if !ws.Purge && rec != nil && rec.Fingerprint == fc.Fingerprint && len(rec.FrameIDs) > 0 {
			rec.Marker = ws.Marker(fc.Candidate)
			rec.Status = StatusFresh
			out.Unchanged++
			continue
		}
		if rec != nil {
			rec.Status = StatusStale
			staleIDs = append(staleIDs, rec.FrameIDs...)
			touched = append(touched, fc.Path)
		}
		puts = append(puts, fc)
	}
	for _, path := range ws.ToDelete {
		if rec := state.Files[path]; rec != nil {
			rec.Status = StatusDeleted
			staleIDs = append(staleIDs, rec.FrameIDs...)
			touched = append(touched, path)
		}
	}

	if len(staleIDs) > 0 {
		if _, err := store.Delete(ctx, staleIDs); err != nil {
			return nil, fmt.Errorf("remove stale frames: %w", err)
		}
	}
	for _, path := range ws.ToDelete {
		if state.Files[path] != nil {
			delete(state.Files, path)
			out.Deleted++
		}
	}
	if p.entities != nil && !ws.Purge && len(touched) > 0 {
		if err := p.entities.RemoveFiles(ctx, touched); err != nil {
			p.log.Warn().Err(err).Msg("remove entities")
		}
	}

	for i, fc := range puts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		rec := state.Files[fc.Path]
		id, err := store.Put(ctx, CodeFrameID(fc.Path), fc.Text, FrameMeta{
			Title:     fc.Path,
			URI:       "file://" + fc.Path,
			Path:      fc.Path,
			Tags:      []string{"ext:" + strings.TrimPrefix(filepath.Ext(fc.Path), ".")},
			Timestamp: p.now().UTC(),
		})
		if err != nil {
			return nil, fmt.Errorf("put %s: %w", fc.Path, err)
		}

		if rec == nil {
			out.Added++
		} else {
			out.Updated++
		}
		state.Files[fc.Path] = &FileRecord{
			Fingerprint: fc.Fingerprint,
			Size:        fc.Size,
			Marker:      ws.Marker(fc.Candidate),
			Status:      StatusFresh,
			FrameIDs:    []string{id},
		}

		if p.entities != nil {
			n, err := p.entities.IndexFile(ctx, fc.Path, fc.Raw)
			if err != nil {
				p.log.Warn().Err(err).Str("path", fc.Path).Msg("extract entities")
			}
			out.Entities += n
		}

		if (i+1)%checkpointEvery == 0 {
			if err := p.checkpoint(ctx, store, state, checkpointCommit); err != nil {
				return nil, err
			}
		}
	}

	// Unreadable files stay visible to the next cycle.
	for path := range failed {
		rec := state.Files[path]
		if rec == nil {
			rec = &FileRecord{}
			state.Files[path] = rec
		}
		rec.Status = StatusStale
	}

	count, err := store.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("count frames: %w", err)
	}
	state.Root = p.scope.Path
	state.LastCommit = ws.Commit
	state.IndexedAt = p.now().UTC()
	state.FrameCount = count
	if err := p.tracker.Save(state); err != nil {
		return nil, err
	}

	out.FrameCount = count
	out.UpToDate = ws.Empty() || (out.Added+out.Updated+out.Deleted == 0 && !ws.Purge)
	return out, nil
}

func (p *Pipeline) purge(ctx context.Context, store ContentStore, state *IndexState) error {
	ids, err := store.IDs(ctx)
	if err != nil {
		return fmt.Errorf("list frames: %w", err)
	}
	if _, err := store.Delete(ctx, ids); err != nil {
		return fmt.Errorf("purge frames: %w", err)
	}
	state.Files = make(map[string]*FileRecord)
	state.LastCommit = ""
	state.FrameCount = 0

	// The old state must not outlive its frames: an interrupted run after
	// this point has to start from a full scan again.
	if err := p.tracker.Save(state); err != nil {
		return fmt.Errorf("save purged state: %w", err)
	}

	if p.entities != nil {
		if err := p.entities.Reset(ctx); err != nil {
			p.log.Warn().Err(err).Msg("reset entities")
		}
	}
	return nil
}

// checkpoint persists progress while keeping the previous commit, so an
// interrupted cycle recomputes the same work set.
func (p *Pipeline) checkpoint(ctx context.Context, store ContentStore, state *IndexState, commit string) error {
	count, err := store.Count(ctx)
	if err != nil {
		return fmt.Errorf("count frames: %w", err)
	}
	snapshot := *state
	snapshot.LastCommit = commit
	snapshot.FrameCount = count
	if err := p.tracker.Save(&snapshot); err != nil {
		return fmt.Errorf("checkpoint state: %w", err)
	}
	return nil
}

func (p *Pipeline) readAll(ctx context.Context, files []Candidate) ([]*fileContent, []SkippedFile) {
	var results []readResult
	if p.cfg.Index.Parallel && len(files) > p.cfg.Index.ParallelThreshold {
		pl := pool.NewWithResults[readResult]().WithMaxGoroutines(p.cfg.Workers())
		for _, f := range files {
			pl.Go(func() readResult { return p.readOne(ctx, f) })
		}
		results = pl.Wait()
	} else {
		for _, f := range files {
			results = append(results, p.readOne(ctx, f))
		}
	}

	var contents []*fileContent
	var skipped []SkippedFile
	for _, r := range results {
		if r.skip != nil {
			p.log.Warn().Str("path", r.skip.Path).Str("reason", r.skip.Reason).Msg("skipping file")
			skipped = append(skipped, *r.skip)
			continue
		}
		if r.file != nil {
			contents = append(contents, r.file)
		}
	}

	sort.Slice(contents, func(i, j int) bool { return contents[i].Path < contents[j].Path })
	sort.Slice(skipped, func(i, j int) bool { return skipped[i].Path < skipped[j].Path })
	return contents, skipped
}

func (p *Pipeline) readOne(ctx context.Context, c Candidate) readResult {
	if err := ctx.Err(); err != nil {
		return readResult{skip: &SkippedFile{Path: c.Path, Reason: err.Error()}}
	}

	data, err := p.readFile(p.scope.Abs(c.Path))
	if err != nil {
		return readResult{skip: &SkippedFile{Path: c.Path, Reason: err.Error()}}
	}

	text := string(data)
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, "")
	}

	c.Size = int64(len(data))
	return readResult{file: &fileContent{
		Candidate:   c,
		Text:        text,
		Raw:         data,
		Fingerprint: Fingerprint(data),
		Empty:       strings.TrimSpace(text) == "",
	}}
}

// CodeFrameID is the deterministic frame id of a file, so re-running an
// interrupted cycle replaces frames instead of duplicating them.
func CodeFrameID(path string) string {
	return "code:" + path
}

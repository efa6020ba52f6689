package internal

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
)

type SearchScope string

const (
	SearchCode     SearchScope = "code"
	SearchMemory   SearchScope = "memory"
	SearchEntities SearchScope = "entities"
	SearchAll      SearchScope = "all"
)

func ParseSearchScope(s string) (SearchScope, error) {
	switch sc := SearchScope(strings.ToLower(s)); sc {
	case "":
		return SearchAll, nil
	case SearchCode, SearchMemory, SearchEntities, SearchAll:
		return sc, nil
	case "entity":
		return SearchEntities, nil
	}
	return "", fmt.Errorf("%w: %q (want code, memory, entities or all)", ErrInvalidScope, s)
}

type SearchQuery struct {
	Query string
	In    SearchScope
	// PathPrefix restricts code and entity results to a subtree.
	PathPrefix string
	TopK       int
	Adaptive   bool
	// Full returns whole indexed files for code hits; ContextLines returns
	// that many lines around the first matching line instead.
	Full         bool
	ContextLines int
}

type SearchOutput struct {
	Results  []SearchResult `json:"results"`
	Warnings []string       `json:"warnings,omitempty"`
}

// SearchAggregator fans a query out to the stores of a scope and merges the
// ranked results. It takes no locks.
type SearchAggregator struct {
	cfg        *Config
	code       ContentStore
	local      ContentStore
	shared     *SharedMemory
	entities   *EntityStore
	state      func() (*IndexState, error)
	vcs        VersionControl
	log        zerolog.Logger
	maxWorkers int
}

// NewSearchAggregator wires the backends. Any store may be nil, in which
// case its source is skipped.
func NewSearchAggregator(cfg *Config, code, local ContentStore, shared *SharedMemory, entities *EntityStore, state func() (*IndexState, error), vcs VersionControl, log zerolog.Logger) *SearchAggregator {
	return &SearchAggregator{
		cfg:        cfg,
		code:       code,
		local:      local,
		shared:     shared,
		entities:   entities,
		state:      state,
		vcs:        vcs,
		log:        log,
		maxWorkers: 4,
	}
}

type sourceResult struct {
	source  Source
	results []SearchResult
	err     error
}

func (a *SearchAggregator) Search(ctx context.Context, in SearchQuery) (*SearchOutput, error) {
	query := strings.TrimSpace(in.Query)
	if query == "" {
		return &SearchOutput{}, nil
	}
	topK := in.TopK
	if topK <= 0 {
		topK = a.cfg.Retrieval.TopK
	}
	scope := in.In
	if scope == "" {
		scope = SearchAll
	}

	type backend struct {
		source Source
		run    func(context.Context) ([]SearchResult, error)
	}
	var backends []backend
	if (scope == SearchCode || scope == SearchAll) && a.code != nil {
		backends = append(backends, backend{SourceCode, func(ctx context.Context) ([]SearchResult, error) {
			return a.searchStore(ctx, a.code, SourceCode, query, in.PathPrefix, topK, in.Adaptive, codeView{in.Full, in.ContextLines})
		}})
	}
	if scope == SearchMemory || scope == SearchAll {
		if a.local != nil {
			backends = append(backends, backend{SourceLocal, func(ctx context.Context) ([]SearchResult, error) {
				return a.searchStore(ctx, a.local, SourceLocal, query, "", topK, in.Adaptive, codeView{})
			}})
		}
		if a.shared != nil {
			backends = append(backends, backend{SourceShared, func(ctx context.Context) ([]SearchResult, error) {
				return a.searchShared(ctx, query, topK, in.Adaptive)
			}})
		}
	}
	if (scope == SearchEntities || scope == SearchAll) && a.entities != nil {
		backends = append(backends, backend{SourceEntity, func(ctx context.Context) ([]SearchResult, error) {
			return a.searchEntities(ctx, query, in.PathPrefix, topK, in.Adaptive)
		}})
	}

	p := pool.NewWithResults[sourceResult]().WithContext(ctx).WithMaxGoroutines(a.maxWorkers)
	for _, b := range backends {
		p.Go(func(ctx context.Context) (sourceResult, error) {
			res, err := b.run(ctx)
			return sourceResult{source: b.source, results: res, err: err}, nil
		})
	}
	collected, err := p.Wait()
	if err != nil {
		return nil, err
	}

	out := &SearchOutput{}
	for _, c := range collected {
		if c.err != nil {
			a.log.Warn().Err(c.err).Str("source", string(c.source)).Msg("search backend failed")
			out.Warnings = append(out.Warnings, fmt.Sprintf("%s search failed: %v", c.source, c.err))
			continue
		}
		out.Results = append(out.Results, c.results...)
	}

	MergeResults(out.Results)
	if !in.Adaptive && len(out.Results) > topK {
		out.Results = out.Results[:topK]
	}

	if scope == SearchCode || scope == SearchAll {
		if w := a.staleWarning(ctx); w != "" {
			out.Warnings = append(out.Warnings, w)
		}
	}
	sort.Strings(out.Warnings)
	return out, nil
}

// MergeResults orders by score, then source priority, then recency.
func MergeResults(results []SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Source.priority() != b.Source.priority() {
			return a.Source.priority() < b.Source.priority()
		}
		return a.Timestamp.After(b.Timestamp)
	})
}

// codeView picks how much of a matched file a code hit carries.
type codeView struct {
	full    bool
	context int
}

func (a *SearchAggregator) searchStore(ctx context.Context, store ContentStore, source Source, query, prefix string, topK int, adaptive bool, view codeView) ([]SearchResult, error) {
	hits, err := store.Search(ctx, StoreQuery{
		Text:         query,
		PathPrefix:   prefix,
		TopK:         topK,
		Adaptive:     adaptive,
		MinRelevancy: a.cfg.Retrieval.MinRelevancy,
	})
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(hits))
	for _, h := range hits {
		r := SearchResult{
			Source:    source,
			Score:     h.Score,
			Title:     h.Meta.Title,
			Snippet:   h.Snippet,
			Locator:   h.Meta.URI,
			Timestamp: h.Meta.Timestamp,
		}
		if source == SourceCode {
			r.Locator = h.Meta.Path
			switch {
			case view.full:
				r.Snippet, r.Line = strings.TrimRight(h.Content, "\n"), 1
			case view.context > 0:
				r.Snippet, r.Line = surroundingLines(h.Content, query, view.context)
			}
		} else {
			e := EntryFromFrame(h.Frame)
			if e.System {
				continue
			}
			r.Tag = e.Tag
			r.Locator = e.ID
		}
		results = append(results, r)
	}
	return results, nil
}

func (a *SearchAggregator) searchShared(ctx context.Context, query string, topK int, adaptive bool) ([]SearchResult, error) {
	hits, err := a.shared.Index().Search(ctx, query, SharedSearchOptions{
		TopK:         topK,
		Adaptive:     adaptive,
		MinRelevancy: a.cfg.Retrieval.MinRelevancy,
	})
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(hits))
	for _, h := range hits {
		results = append(results, SearchResult{
			Source:    SourceShared,
			Score:     h.Score,
			Title:     truncateRunes(h.Message, titleMaxRunes),
			Snippet:   h.Message,
			Locator:   h.ID,
			Tag:       h.Tag,
			Timestamp: h.Timestamp,
		})
	}
	return results, nil
}

func (a *SearchAggregator) searchEntities(ctx context.Context, query, prefix string, topK int, adaptive bool) ([]SearchResult, error) {
	limit := topK
	if adaptive {
		limit = topK * 4
	}
	var (
		mu   sync.Mutex
		hits []EntityHit
	)
	// Each query word is looked up on its own so "auth handler" finds both.
	words := strings.Fields(query)
	p := pool.New().WithErrors().WithContext(ctx)
	for _, w := range words {
		p.Go(func(ctx context.Context) error {
			found, err := a.entities.Find(ctx, EntityQuery{Text: w, PathPrefix: prefix, Limit: limit})
			if err != nil {
				return err
			}
			mu.Lock()
			hits = append(hits, found...)
			mu.Unlock()
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}

	best := make(map[string]EntityHit, len(hits))
	for _, h := range hits {
		key := h.Locator() + "#" + h.Qualname
		if prev, ok := best[key]; !ok || h.Score > prev.Score {
			best[key] = h
		}
	}
	results := make([]SearchResult, 0, len(best))
	for _, h := range best {
		results = append(results, SearchResult{
			Source:  SourceEntity,
			Score:   h.Score,
			Title:   h.Kind + " " + h.Qualname,
			Snippet: h.Signature,
			Locator: h.Locator(),
		})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Locator < results[j].Locator
	})
	if adaptive {
		results = relevanceCutoff(results, a.cfg.Retrieval.MinRelevancy, func(r SearchResult) float64 { return r.Score })
	}
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (a *SearchAggregator) staleWarning(ctx context.Context) string {
	if a.state == nil || a.vcs == nil {
		return ""
	}
	state, err := a.state()
	if err != nil || state == nil || state.LastCommit == "" {
		return ""
	}
	behind, err := a.vcs.CommitsBehind(ctx, state.LastCommit)
	if err != nil || behind == 0 {
		return ""
	}
	return fmt.Sprintf("code index is %d commit(s) behind HEAD; run `twin-mind index`", behind)
}

// surroundingLines returns n lines either side of the first line holding a
// query word, and the 1-based number of the first returned line. Without a
// matching line the window starts at the top of the file.
func surroundingLines(content, query string, n int) (string, int) {
	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	var words []string
	for _, w := range strings.Fields(strings.ToLower(query)) {
		if len(w) >= 2 {
			words = append(words, w)
		}
	}

	hit := 0
find:
	for i, line := range lines {
		lower := strings.ToLower(line)
		for _, w := range words {
			if strings.Contains(lower, w) {
				hit = i
				break find
			}
		}
	}

	start := max(0, hit-n)
	end := min(len(lines), hit+n+1)
	return strings.Join(lines[start:end], "\n"), start + 1
}

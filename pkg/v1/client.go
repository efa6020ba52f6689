package v1

import (
	"context"
	"errors"
	"fmt"

	"github.com/pego/twin-mind/internal"
	"github.com/rs/zerolog"
)

// ErrNotInitialized is returned by every call except Init when the project
// has no brain directory.
var ErrNotInitialized = internal.ErrNotInitialized

// Client provides programmatic access to a project's code index and memories.
type Client struct {
	uc    *internal.UseCases
	scope string
}

// New creates a new Client with the given options.
func New(opts ...Option) (*Client, error) {
	cfg := &clientConfig{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(cfg)
	}

	resolver := internal.NewScopeResolver()
	brainFor := func(scope internal.Scope) (*internal.Brain, error) {
		b, err := internal.OpenBrain(scope, cfg.logger)
		if err != nil {
			return nil, err
		}
		if cfg.overrides != nil {
			applyOverrides(b.Config, cfg.overrides)
		}
		return b, nil
	}

	return &Client{
		uc:    internal.NewUseCases(resolver, brainFor),
		scope: cfg.root,
	}, nil
}

func applyOverrides(dst *internal.Config, o *Config) {
	if o.TopK > 0 {
		dst.Retrieval.TopK = o.TopK
	}
	if o.MinRelevancy > 0 {
		dst.Retrieval.MinRelevancy = o.MinRelevancy
	}
	if o.DisableDedupe {
		dst.Memory.Dedupe = false
	}
	if o.DisableAdaptive {
		dst.Retrieval.Adaptive = false
	}
}

// Init creates the brain directory. It is a no-op when one exists.
func (c *Client) Init(ctx context.Context, shareMemories bool) error {
	_, err := c.uc.Init.Execute(ctx, internal.InitInput{Scope: c.scope, ShareMemories: shareMemories})
	return err
}

// Index brings the code index up to date. fresh discards it first.
func (c *Client) Index(ctx context.Context, fresh bool) (*IndexReport, error) {
	out, err := c.uc.Index.Execute(ctx, internal.IndexInput{Scope: c.scope, Fresh: fresh})
	if err != nil {
		return nil, fmt.Errorf("index: %w", err)
	}
	return &IndexReport{
		Mode:      string(out.WorkSet.Mode),
		Added:     out.Added,
		Updated:   out.Updated,
		Deleted:   out.Deleted,
		Unchanged: out.Unchanged,
		Frames:    out.FrameCount,
		Entities:  out.Entities,
		Commit:    out.Commit,
		UpToDate:  out.UpToDate,
	}, nil
}

// Remember stores message. shared appends it to the decision log instead of
// the local store. A near-duplicate is not stored and returns the existing
// entry's ID with stored false.
func (c *Client) Remember(ctx context.Context, message, tag string, shared bool) (id string, stored bool, err error) {
	dest := internal.DestinationLocal
	if shared {
		dest = internal.DestinationShared
	}
	out, err := c.uc.Remember.Execute(ctx, internal.RememberInput{
		Scope:       c.scope,
		Message:     message,
		Tag:         tag,
		Destination: dest,
	})
	if err != nil {
		return "", false, fmt.Errorf("remember: %w", err)
	}
	if out.Duplicate {
		return out.DuplicateOf, false, nil
	}
	return out.Entry.ID, out.Stored, nil
}

// Search queries code, memories and entities. topK <= 0 uses the configured
// default.
func (c *Client) Search(ctx context.Context, query string, topK int) ([]SearchResult, error) {
	out, err := c.uc.Search.Execute(ctx, internal.SearchInput{
		Scope: c.scope,
		Query: query,
		In:    internal.SearchAll,
		TopK:  topK,
	})
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	results := make([]SearchResult, 0, len(out.Results))
	for _, r := range out.Results {
		results = append(results, SearchResult{
			Source:    string(r.Source),
			Score:     r.Score,
			Title:     r.Title,
			Snippet:   r.Snippet,
			Locator:   r.Locator,
			Tag:       r.Tag,
			Timestamp: r.Timestamp,
		})
	}
	return results, nil
}

// Context returns a markdown summary of the code and memories relevant to
// query, kept within maxTokens. maxTokens <= 0 uses the configured budget.
func (c *Client) Context(ctx context.Context, query string, maxTokens int) (string, error) {
	out, err := c.uc.Context.Execute(ctx, internal.ContextInput{
		Scope:     c.scope,
		Query:     query,
		MaxTokens: maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("context: %w", err)
	}
	return out.Context, nil
}

// Recent returns up to n memories from both layers, newest first.
func (c *Client) Recent(ctx context.Context, n int) ([]Memory, error) {
	out, err := c.uc.Recent.Execute(ctx, internal.RecentInput{Scope: c.scope, Limit: n})
	if err != nil {
		return nil, fmt.Errorf("recent: %w", err)
	}

	memories := make([]Memory, 0, len(out.Entries))
	for _, e := range out.Entries {
		memories = append(memories, Memory{
			ID:        e.ID,
			Message:   e.Message,
			Tag:       e.Tag,
			Author:    e.Author,
			Shared:    e.Destination == internal.DestinationShared,
			Timestamp: e.Timestamp,
		})
	}
	return memories, nil
}

// Prune removes local memories older than before (e.g. "30d") and/or tagged
// tag. It returns how many entries were removed, or would be with dryRun.
func (c *Client) Prune(ctx context.Context, before, tag string, dryRun bool) (int, error) {
	if before == "" && tag == "" {
		return 0, errors.New("prune: before or tag is required")
	}
	out, err := c.uc.Prune.Execute(ctx, internal.PruneInput{
		Scope:  c.scope,
		Target: internal.PruneMemory,
		Tag:    tag,
		Before: before,
		DryRun: dryRun,
	})
	if err != nil {
		return 0, fmt.Errorf("prune: %w", err)
	}

	n := 0
	for _, s := range out.Stores {
		if dryRun {
			n += len(s.Matched)
		} else {
			n += s.Removed
		}
	}
	return n, nil
}

// Doctor audits the stores without changing them.
func (c *Client) Doctor(ctx context.Context) (*Health, error) {
	report, err := c.uc.Doctor.Execute(ctx, internal.DoctorInput{Scope: c.scope})
	if err != nil {
		return nil, fmt.Errorf("doctor: %w", err)
	}
	return &Health{
		Healthy:         report.Healthy(),
		Findings:        report.Findings,
		Recommendations: report.Recommendations,
	}, nil
}

// Close releases any resources held by the client. Stores are opened per
// call, so there is nothing to release today.
func (c *Client) Close() error {
	return nil
}

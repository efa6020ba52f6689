package internal

import (
	"context"
	"fmt"
	"strings"
)

// Use case input/output DTOs

type InitInput struct {
	Scope         string
	ShareMemories bool
}

type InitOutput struct {
	Root      string `json:"root"`
	BrainPath string `json:"brain_path"`
	Existed   bool   `json:"existed"`
}

type IndexInput struct {
	Scope  string
	Fresh  bool
	DryRun bool
}

type RememberInput struct {
	Scope       string
	Message     string
	Tag         string
	Destination Destination
	Supersedes  string
}

type SearchInput struct {
	Scope      string
	Query      string
	In         SearchScope
	PathPrefix string
	TopK       int
	// Adaptive overrides retrieval.adaptive when set.
	Adaptive     *bool
	Full         bool
	ContextLines int
}

type ContextInput struct {
	Scope      string
	Query      string
	MaxTokens  int
	PathPrefix string
}

type RecentInput struct {
	Scope string
	Limit int
}

type RecentOutput struct {
	Entries []MemoryEntry `json:"entries"`
}

type PruneInput struct {
	Scope    string
	Target   PruneTarget
	Tag      string
	Before   string
	MatchAll bool
	DryRun   bool
}

type DoctorInput struct {
	Scope   string
	Vacuum  bool
	Rebuild bool
}

type StatusInput struct {
	Scope string
}

type ResetTarget string

const (
	ResetCode   ResetTarget = "code"
	ResetMemory ResetTarget = "memory"
	ResetAll    ResetTarget = "all"
)

func ParseResetTarget(s string) (ResetTarget, error) {
	switch t := ResetTarget(strings.ToLower(s)); t {
	case ResetCode, ResetMemory, ResetAll:
		return t, nil
	}
	return "", fmt.Errorf("%w: %q (want code, memory or all)", ErrInvalidTarget, s)
}

type ResetInput struct {
	Scope  string
	Target ResetTarget
	DryRun bool
	Force  bool
}

type ResetOutput struct {
	Target  ResetTarget `json:"target"`
	Applied bool        `json:"applied"`
	Plan    []string    `json:"plan"`
	Backups []string    `json:"backups,omitempty"`
}

type ReindexInput struct {
	Scope string
}

type EntitiesInput struct {
	Scope      string
	Query      string
	Kind       string
	PathPrefix string
	Limit      int
}

type EntitiesOutput struct {
	Hits []EntityHit `json:"hits"`
}

type RelationsInput struct {
	Scope      string
	Lookup     string
	Symbol     string
	PathPrefix string
	Limit      int
}

type RelationsOutput struct {
	Lookup    string     `json:"lookup"`
	Symbol    string     `json:"symbol"`
	Relations []Relation `json:"relations"`
}

// Use cases

type InitUseCase struct {
	resolver *ScopeResolver
}

func NewInitUseCase(resolver *ScopeResolver) *InitUseCase {
	return &InitUseCase{resolver: resolver}
}

func (uc *InitUseCase) Execute(ctx context.Context, input InitInput) (*InitOutput, error) {
	scope, err := uc.resolver.Resolve(input.Scope)
	if err != nil {
		return nil, err
	}
	out := &InitOutput{Root: scope.Path, BrainPath: scope.BrainPath, Existed: scope.Initialized()}

	cfg := DefaultConfig()
	cfg.ShareMemories = input.ShareMemories
	if err := InitBrain(scope, cfg); err != nil {
		return nil, fmt.Errorf("init brain: %w", err)
	}
	return out, nil
}

// brainOpener is embedded by every use case that works on an initialized
// scope.
type brainOpener struct {
	resolver *ScopeResolver
	brainFor func(Scope) (*Brain, error)
}

func (o brainOpener) open(hint string) (*Brain, error) {
	scope, err := o.resolver.Resolve(hint)
	if err != nil {
		return nil, err
	}
	b, err := o.brainFor(scope)
	if err != nil {
		return nil, fmt.Errorf("open brain: %w", err)
	}
	return b, nil
}

type IndexUseCase struct {
	brainOpener
}

func NewIndexUseCase(resolver *ScopeResolver, brainFor func(Scope) (*Brain, error)) *IndexUseCase {
	return &IndexUseCase{brainOpener{resolver: resolver, brainFor: brainFor}}
}

func (uc *IndexUseCase) Execute(ctx context.Context, input IndexInput) (*IndexOutput, error) {
	b, err := uc.open(input.Scope)
	if err != nil {
		return nil, err
	}
	defer b.Close()
	return runIndex(ctx, b, RunOptions{Fresh: input.Fresh, DryRun: input.DryRun})
}

// runIndex holds the code store lock for the whole cycle. A full run also
// refreshes the derived shared index.
func runIndex(ctx context.Context, b *Brain, opts RunOptions) (*IndexOutput, error) {
	pipeline, err := b.Pipeline(opts.DryRun)
	if err != nil {
		return nil, err
	}
	if opts.DryRun {
		return pipeline.Run(ctx, nil, opts)
	}

	lock, err := AcquireStoreLock(ctx, b.Scope.CodeStorePath(), b.Config.LockTimeout())
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	store, err := b.CodeStore()
	if err != nil {
		return nil, err
	}
	out, err := pipeline.Run(ctx, store, opts)
	if err != nil {
		return nil, err
	}

	if out.WorkSet.Mode == ModeFull && b.Config.Retrieval.SemanticIndex {
		if err := b.Shared().RebuildIndex(ctx); err != nil {
			b.Log.Warn().Err(err).Msg("rebuild derived shared index")
			out.Warnings = append(out.Warnings, "derived shared index not rebuilt: "+err.Error())
		}
	}
	return out, nil
}

type RememberUseCase struct {
	brainOpener
}

func NewRememberUseCase(resolver *ScopeResolver, brainFor func(Scope) (*Brain, error)) *RememberUseCase {
	return &RememberUseCase{brainOpener{resolver: resolver, brainFor: brainFor}}
}

func (uc *RememberUseCase) Execute(ctx context.Context, input RememberInput) (*RememberOutput, error) {
	b, err := uc.open(input.Scope)
	if err != nil {
		return nil, err
	}
	defer b.Close()

	router, err := b.Router()
	if err != nil {
		return nil, err
	}
	return router.Remember(ctx, RememberRequest{
		Message:     input.Message,
		Tag:         input.Tag,
		Destination: input.Destination,
		Supersedes:  input.Supersedes,
	})
}

type SearchUseCase struct {
	brainOpener
}

func NewSearchUseCase(resolver *ScopeResolver, brainFor func(Scope) (*Brain, error)) *SearchUseCase {
	return &SearchUseCase{brainOpener{resolver: resolver, brainFor: brainFor}}
}

func (uc *SearchUseCase) Execute(ctx context.Context, input SearchInput) (*SearchOutput, error) {
	b, err := uc.open(input.Scope)
	if err != nil {
		return nil, err
	}
	defer b.Close()

	searcher, err := b.Searcher()
	if err != nil {
		return nil, err
	}
	adaptive := b.Config.Retrieval.Adaptive
	if input.Adaptive != nil {
		adaptive = *input.Adaptive
	}
	return searcher.Search(ctx, SearchQuery{
		Query:      input.Query,
		In:         input.In,
		PathPrefix: input.PathPrefix,
		TopK:         input.TopK,
		Adaptive:     adaptive,
		Full:         input.Full,
		ContextLines: input.ContextLines,
	})
}

type ContextUseCase struct {
	brainOpener
}

func NewContextUseCase(resolver *ScopeResolver, brainFor func(Scope) (*Brain, error)) *ContextUseCase {
	return &ContextUseCase{brainOpener{resolver: resolver, brainFor: brainFor}}
}

func (uc *ContextUseCase) Execute(ctx context.Context, input ContextInput) (*PromptContext, error) {
	b, err := uc.open(input.Scope)
	if err != nil {
		return nil, err
	}
	defer b.Close()

	searcher, err := b.Searcher()
	if err != nil {
		return nil, err
	}
	return searcher.BuildContext(ctx, ContextRequest{
		Query:      input.Query,
		MaxTokens:  input.MaxTokens,
		PathPrefix: input.PathPrefix,
	})
}

type RecentUseCase struct {
	brainOpener
}

func NewRecentUseCase(resolver *ScopeResolver, brainFor func(Scope) (*Brain, error)) *RecentUseCase {
	return &RecentUseCase{brainOpener{resolver: resolver, brainFor: brainFor}}
}

func (uc *RecentUseCase) Execute(ctx context.Context, input RecentInput) (*RecentOutput, error) {
	b, err := uc.open(input.Scope)
	if err != nil {
		return nil, err
	}
	defer b.Close()

	entries, err := b.Recent(ctx, input.Limit)
	if err != nil {
		return nil, err
	}
	return &RecentOutput{Entries: entries}, nil
}

type PruneUseCase struct {
	brainOpener
}

func NewPruneUseCase(resolver *ScopeResolver, brainFor func(Scope) (*Brain, error)) *PruneUseCase {
	return &PruneUseCase{brainOpener{resolver: resolver, brainFor: brainFor}}
}

func (uc *PruneUseCase) Execute(ctx context.Context, input PruneInput) (*PruneOutput, error) {
	b, err := uc.open(input.Scope)
	if err != nil {
		return nil, err
	}
	defer b.Close()

	engine, err := b.PruneEngine()
	if err != nil {
		return nil, err
	}
	target := input.Target
	if target == "" {
		target = PruneMemory
	}
	return engine.Prune(ctx, PruneRequest{
		Target:   target,
		Tag:      input.Tag,
		Before:   input.Before,
		MatchAll: input.MatchAll,
		DryRun:   input.DryRun,
	})
}

type DoctorUseCase struct {
	brainOpener
}

func NewDoctorUseCase(resolver *ScopeResolver, brainFor func(Scope) (*Brain, error)) *DoctorUseCase {
	return &DoctorUseCase{brainOpener{resolver: resolver, brainFor: brainFor}}
}

func (uc *DoctorUseCase) Execute(ctx context.Context, input DoctorInput) (*DoctorReport, error) {
	b, err := uc.open(input.Scope)
	if err != nil {
		return nil, err
	}
	defer b.Close()

	auditor, err := b.Auditor()
	if err != nil {
		return nil, err
	}
	return auditor.Doctor(ctx, DoctorActions{Vacuum: input.Vacuum, Rebuild: input.Rebuild})
}

type StatusUseCase struct {
	brainOpener
}

func NewStatusUseCase(resolver *ScopeResolver, brainFor func(Scope) (*Brain, error)) *StatusUseCase {
	return &StatusUseCase{brainOpener{resolver: resolver, brainFor: brainFor}}
}

func (uc *StatusUseCase) Execute(ctx context.Context, input StatusInput) (*StatusReport, error) {
	b, err := uc.open(input.Scope)
	if err != nil {
		return nil, err
	}
	defer b.Close()

	auditor, err := b.Auditor()
	if err != nil {
		return nil, err
	}
	return auditor.Status(ctx)
}

type ResetUseCase struct {
	brainOpener
}

func NewResetUseCase(resolver *ScopeResolver, brainFor func(Scope) (*Brain, error)) *ResetUseCase {
	return &ResetUseCase{brainOpener{resolver: resolver, brainFor: brainFor}}
}

// Execute only mutates with Force and without DryRun; otherwise it returns
// the plan with Applied false.
func (uc *ResetUseCase) Execute(ctx context.Context, input ResetInput) (*ResetOutput, error) {
	b, err := uc.open(input.Scope)
	if err != nil {
		return nil, err
	}
	defer b.Close()

	out := &ResetOutput{Target: input.Target}
	codeToo := input.Target == ResetCode || input.Target == ResetAll
	memToo := input.Target == ResetMemory || input.Target == ResetAll
	if !codeToo && !memToo {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTarget, input.Target)
	}
	if codeToo {
		out.Plan = append(out.Plan,
			"back up and remove "+b.Scope.Rel(b.Scope.CodeStorePath()),
			"remove "+b.Scope.Rel(b.Scope.StatePath())+" and "+b.Scope.Rel(b.Scope.EntityStorePath()))
	}
	if memToo {
		out.Plan = append(out.Plan,
			"back up and recreate "+b.Scope.Rel(b.Scope.MemoryStorePath()),
			"record a reset entry in the new memory store")
	}
	if input.DryRun || !input.Force {
		return out, nil
	}

	if codeToo {
		backups, err := b.ResetCode(ctx)
		out.Backups = append(out.Backups, backups...)
		if err != nil {
			return out, err
		}
	}
	if memToo {
		backups, err := b.ResetMemory(ctx)
		out.Backups = append(out.Backups, backups...)
		if err != nil {
			return out, err
		}
	}
	out.Applied = true
	return out, nil
}

type ReindexUseCase struct {
	brainOpener
}

func NewReindexUseCase(resolver *ScopeResolver, brainFor func(Scope) (*Brain, error)) *ReindexUseCase {
	return &ReindexUseCase{brainOpener{resolver: resolver, brainFor: brainFor}}
}

// Execute resets the code store and runs a fresh index.
func (uc *ReindexUseCase) Execute(ctx context.Context, input ReindexInput) (*IndexOutput, error) {
	b, err := uc.open(input.Scope)
	if err != nil {
		return nil, err
	}
	defer b.Close()

	if _, err := b.ResetCode(ctx); err != nil {
		return nil, fmt.Errorf("reset code store: %w", err)
	}
	return runIndex(ctx, b, RunOptions{Fresh: true})
}

type EntitiesUseCase struct {
	brainOpener
}

func NewEntitiesUseCase(resolver *ScopeResolver, brainFor func(Scope) (*Brain, error)) *EntitiesUseCase {
	return &EntitiesUseCase{brainOpener{resolver: resolver, brainFor: brainFor}}
}

func (uc *EntitiesUseCase) Execute(ctx context.Context, input EntitiesInput) (*EntitiesOutput, error) {
	b, err := uc.open(input.Scope)
	if err != nil {
		return nil, err
	}
	defer b.Close()

	store, err := b.Entities(false)
	if err != nil {
		return nil, err
	}
	if store == nil {
		return &EntitiesOutput{}, nil
	}
	limit := input.Limit
	if limit <= 0 {
		limit = b.Config.Retrieval.TopK
	}
	hits, err := store.Find(ctx, EntityQuery{
		Text:       input.Query,
		Kind:       input.Kind,
		PathPrefix: input.PathPrefix,
		Limit:      limit,
	})
	if err != nil {
		return nil, err
	}
	return &EntitiesOutput{Hits: hits}, nil
}

type RelationsUseCase struct {
	brainOpener
}

func NewRelationsUseCase(resolver *ScopeResolver, brainFor func(Scope) (*Brain, error)) *RelationsUseCase {
	return &RelationsUseCase{brainOpener{resolver: resolver, brainFor: brainFor}}
}

func (uc *RelationsUseCase) Execute(ctx context.Context, input RelationsInput) (*RelationsOutput, error) {
	lookup, err := ParseGraphLookup(input.Lookup)
	if err != nil {
		return nil, err
	}
	b, err := uc.open(input.Scope)
	if err != nil {
		return nil, err
	}
	defer b.Close()

	out := &RelationsOutput{Lookup: lookup, Symbol: input.Symbol}
	store, err := b.Entities(false)
	if err != nil {
		return nil, err
	}
	if store == nil {
		return out, nil
	}
	limit := input.Limit
	if limit <= 0 {
		limit = b.Config.Retrieval.TopK
	}
	out.Relations, err = store.Related(ctx, RelationQuery{
		Lookup:     lookup,
		Symbol:     input.Symbol,
		PathPrefix: input.PathPrefix,
		Limit:      limit,
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UseCases bundles every use case for the CLI and the client.
type UseCases struct {
	Init     *InitUseCase
	Index    *IndexUseCase
	Remember *RememberUseCase
	Search   *SearchUseCase
	Context  *ContextUseCase
	Recent   *RecentUseCase
	Prune    *PruneUseCase
	Doctor   *DoctorUseCase
	Status   *StatusUseCase
	Reset    *ResetUseCase
	Reindex  *ReindexUseCase
	Entities *EntitiesUseCase

	Relations     *RelationsUseCase
	InstallHook   *InstallHookUseCase
	UninstallHook *UninstallHookUseCase
}

func NewUseCases(resolver *ScopeResolver, brainFor func(Scope) (*Brain, error)) *UseCases {
	return &UseCases{
		Init:     NewInitUseCase(resolver),
		Index:    NewIndexUseCase(resolver, brainFor),
		Remember: NewRememberUseCase(resolver, brainFor),
		Search:   NewSearchUseCase(resolver, brainFor),
		Context:  NewContextUseCase(resolver, brainFor),
		Recent:   NewRecentUseCase(resolver, brainFor),
		Prune:    NewPruneUseCase(resolver, brainFor),
		Doctor:   NewDoctorUseCase(resolver, brainFor),
		Status:   NewStatusUseCase(resolver, brainFor),
		Reset:    NewResetUseCase(resolver, brainFor),
		Reindex:  NewReindexUseCase(resolver, brainFor),
		Entities: NewEntitiesUseCase(resolver, brainFor),

		Relations:     NewRelationsUseCase(resolver, brainFor),
		InstallHook:   NewInstallHookUseCase(resolver),
		UninstallHook: NewUninstallHookUseCase(resolver),
	}
}

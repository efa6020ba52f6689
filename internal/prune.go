package internal

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	TagModeAuto       = "auto"
	TagModeStructured = "structured"
	TagModeLegacy     = "legacy"
)

const (
	PruneMatchAny = "any"
	PruneMatchAll = "all"
)

type PruneTarget string

const (
	PruneMemory PruneTarget = "memory"
	PruneShared PruneTarget = "shared"
	PruneAll    PruneTarget = "all"
)

func ParsePruneTarget(s string) (PruneTarget, error) {
	switch t := PruneTarget(strings.ToLower(s)); t {
	case PruneMemory, PruneShared, PruneAll:
		return t, nil
	case "local":
		return PruneMemory, nil
	}
	return "", fmt.Errorf("%w: %q (want memory, shared or all)", ErrInvalidTarget, s)
}

func (t PruneTarget) local() bool  { return t == PruneMemory || t == PruneAll }
func (t PruneTarget) shared() bool { return t == PruneShared || t == PruneAll }

var relativeAge = regexp.MustCompile(`^(\d+)([hdw])$`)

// ParseBefore turns "30d", "2w", "12h", a date or an RFC 3339 timestamp into
// a cutoff instant.
func ParseBefore(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if m := relativeAge.FindStringSubmatch(s); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDuration, s)
		}
		unit := map[string]time.Duration{"h": time.Hour, "d": 24 * time.Hour, "w": 7 * 24 * time.Hour}[m[2]]
		return now.Add(-time.Duration(n) * unit), nil
	}
	t, err := ParseTimestamp(strings.ToUpper(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDuration, s)
	}
	return t, nil
}

// PruneEntry is the store-neutral view the matchers work on.
type PruneEntry struct {
	Store     string    `json:"store"`
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Tag       string    `json:"tag"`
	Title     string    `json:"-"`
	Message   string    `json:"message"`
}

type TagMatcher interface {
	Name() string
	Match(filter string, e PruneEntry) bool
}

// StructuredTagMatcher compares normalized category:value tags exactly.
type StructuredTagMatcher struct{}

func (StructuredTagMatcher) Name() string { return TagModeStructured }

func (StructuredTagMatcher) Match(filter string, e PruneEntry) bool {
	want, err := NewTag(filter)
	if err != nil {
		return false
	}
	got, err := NewTag(e.Tag)
	if err != nil {
		return false
	}
	return want == got
}

// LegacyTagMatcher finds the filter value inside free-text tags, titles or
// a bracketed [value] in the message.
type LegacyTagMatcher struct{}

func (LegacyTagMatcher) Name() string { return TagModeLegacy }

func (LegacyTagMatcher) Match(filter string, e PruneEntry) bool {
	v := strings.ToLower(strings.TrimSpace(filter))
	if _, after, ok := strings.Cut(v, ":"); ok {
		v = after
	}
	if v == "" {
		return false
	}
	return strings.Contains(strings.ToLower(e.Tag), v) ||
		strings.Contains(strings.ToLower(e.Title), v) ||
		strings.Contains(strings.ToLower(e.Message), "["+v+"]")
}

func tagMatchers(mode string) []TagMatcher {
	switch mode {
	case TagModeStructured:
		return []TagMatcher{StructuredTagMatcher{}}
	case TagModeLegacy:
		return []TagMatcher{LegacyTagMatcher{}}
	default:
		return []TagMatcher{StructuredTagMatcher{}, LegacyTagMatcher{}}
	}
}

// MatchPruneEntries applies the tag strategies in order, taking the first
// that matches anything, and the cutoff. With both filters an entry is
// matched by either one, or only by both when all is set. The strategy names
// what selected the entries.
func MatchPruneEntries(entries []PruneEntry, tag string, cutoff time.Time, matchers []TagMatcher, all bool) ([]PruneEntry, string) {
	if tag == "" {
		return olderThan(entries, cutoff), "age"
	}

	strategy := "none"
	tagged := make([]bool, len(entries))
	for _, m := range matchers {
		found := false
		for i, e := range entries {
			if m.Match(tag, e) {
				tagged[i], found = true, true
			}
		}
		if found {
			strategy = m.Name()
			break
		}
	}

	var out []PruneEntry
	for i, e := range entries {
		old := !cutoff.IsZero() && e.Timestamp.Before(cutoff)
		switch {
		case cutoff.IsZero():
			if tagged[i] {
				out = append(out, e)
			}
		case all:
			if tagged[i] && old {
				out = append(out, e)
			}
		default:
			if tagged[i] || old {
				out = append(out, e)
			}
		}
	}
	if strategy == "none" && !all && len(out) > 0 {
		strategy = "age"
	}
	return out, strategy
}

func olderThan(entries []PruneEntry, cutoff time.Time) []PruneEntry {
	var out []PruneEntry
	for _, e := range entries {
		if e.Timestamp.Before(cutoff) {
			out = append(out, e)
		}
	}
	return out
}

type PruneRequest struct {
	Target PruneTarget
	Tag    string
	Before string
	// MatchAll requires both filters regardless of prune.match.
	MatchAll bool
	DryRun   bool
}

type PruneStoreResult struct {
	Store    string       `json:"store"`
	Strategy string       `json:"strategy"`
	Matched  []PruneEntry `json:"matched"`
	Removed  int          `json:"removed"`
	Kept     int          `json:"kept"`
	Backup   string       `json:"backup,omitempty"`
}

type PruneOutput struct {
	DryRun bool               `json:"dry_run"`
	Cutoff time.Time          `json:"cutoff,omitempty"`
	Stores []PruneStoreResult `json:"stores"`
}

// PruneEngine removes memories by age and tag. Every destructive run backs
// the affected store up first; dry runs touch nothing.
type PruneEngine struct {
	cfg       *Config
	local     ContentStore
	localPath string
	shared    *SharedMemory
	log       zerolog.Logger
	now       func() time.Time
}

func NewPruneEngine(cfg *Config, local ContentStore, localPath string, shared *SharedMemory, log zerolog.Logger) *PruneEngine {
	return &PruneEngine{cfg: cfg, local: local, localPath: localPath, shared: shared, log: log, now: time.Now}
}

func (p *PruneEngine) Prune(ctx context.Context, in PruneRequest) (*PruneOutput, error) {
	if in.Tag == "" && in.Before == "" {
		return nil, errors.New("prune needs --before or --tag")
	}
	now := p.now().UTC()
	out := &PruneOutput{DryRun: in.DryRun}

	var cutoff time.Time
	if in.Before != "" {
		c, err := ParseBefore(in.Before, now)
		if err != nil {
			return nil, err
		}
		cutoff = c
		out.Cutoff = c
	}
	matchers := tagMatchers(p.cfg.Prune.TagMode)
	all := in.MatchAll || p.cfg.Prune.Match == PruneMatchAll

	var (
		localRes   *PruneStoreResult
		localMaint Maintainer
	)
	if in.Target.local() {
		if !in.DryRun {
			lock, err := AcquireStoreLock(ctx, p.localPath, p.cfg.LockTimeout())
			if err != nil {
				return nil, err
			}
			defer lock.Release()

			m, ok := p.local.(Maintainer)
			if !ok {
				return nil, fmt.Errorf("%w: local store cannot be backed up", ErrBackupFailed)
			}
			localMaint = m
		}

		entries, err := p.localEntries(ctx)
		if err != nil {
			return nil, err
		}
		matched, strategy := MatchPruneEntries(entries, in.Tag, cutoff, matchers, all)
		localRes = &PruneStoreResult{Store: StoreMemory, Strategy: strategy, Matched: matched, Kept: len(entries) - len(matched)}

		// The backup exists before any store is touched.
		if !in.DryRun && len(matched) > 0 {
			backup := BackupPath(p.localPath, now)
			if err := localMaint.Backup(ctx, backup); err != nil {
				return nil, err
			}
			localRes.Backup = backup
		}
	}

	if in.Target.shared() {
		res, err := p.pruneShared(ctx, in, cutoff, matchers, all, now)
		if err != nil {
			return nil, err
		}
		out.Stores = append(out.Stores, *res)
	}

	if localRes != nil {
		if !in.DryRun && len(localRes.Matched) > 0 {
			ids := make([]string, len(localRes.Matched))
			for i, e := range localRes.Matched {
				ids[i] = e.ID
			}
			n, err := p.local.Delete(ctx, ids)
			if err != nil {
				return nil, fmt.Errorf("delete memories: %w", err)
			}
			localRes.Removed = n
			p.log.Info().Int("removed", n).Str("backup", localRes.Backup).Msg("pruned local memories")
		}
		out.Stores = append([]PruneStoreResult{*localRes}, out.Stores...)
	}

	return out, nil
}

func (p *PruneEngine) localEntries(ctx context.Context) ([]PruneEntry, error) {
	all, err := LocalEntries(ctx, p.local, 0)
	if err != nil {
		return nil, err
	}
	var entries []PruneEntry
	for _, e := range all {
		if e.System {
			continue
		}
		entries = append(entries, PruneEntry{
			Store:     StoreMemory,
			ID:        e.ID,
			Timestamp: e.Timestamp,
			Tag:       e.Tag,
			Title:     truncateRunes(e.Message, titleMaxRunes),
			Message:   e.Message,
		})
	}
	return entries, nil
}

func (p *PruneEngine) pruneShared(ctx context.Context, in PruneRequest, cutoff time.Time, matchers []TagMatcher, all bool, now time.Time) (*PruneStoreResult, error) {
	snap, err := p.shared.Log().Read()
	if err != nil {
		return nil, err
	}

	entries := make([]PruneEntry, 0, len(snap.Lines))
	for _, l := range snap.Lines {
		entries = append(entries, PruneEntry{
			Store:     StoreDecisions,
			ID:        l.ID,
			Timestamp: l.Timestamp,
			Tag:       l.Tag,
			Title:     truncateRunes(l.Message, titleMaxRunes),
			Message:   l.Message,
		})
	}
	matched, strategy := MatchPruneEntries(entries, in.Tag, cutoff, matchers, all)
	res := &PruneStoreResult{Store: StoreDecisions, Strategy: strategy, Matched: matched, Kept: len(entries) - len(matched)}
	if in.DryRun || len(matched) == 0 {
		return res, nil
	}

	ids := make(map[string]bool, len(matched))
	for _, e := range matched {
		ids[e.ID] = true
	}
	backup := BackupPath(p.shared.Log().Path(), now)
	n, err := p.shared.Log().RemoveIDs(ctx, ids, backup)
	if err != nil {
		return nil, err
	}
	res.Removed = n
	res.Backup = backup
	p.log.Info().Int("removed", n).Str("backup", backup).Msg("pruned shared log")
	return res, nil
}

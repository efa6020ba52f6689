package internal

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	authorTagPrefix  = "author:"
	simhashTagPrefix = "simhash:"
	titleMaxRunes    = 60
)

type RememberRequest struct {
	Message string
	Tag     string
	// Destination overrides share_memories when set.
	Destination Destination
	Supersedes  string
}

type RememberOutput struct {
	Entry       MemoryEntry `json:"entry"`
	Stored      bool        `json:"stored"`
	Duplicate   bool        `json:"duplicate"`
	DuplicateOf string      `json:"duplicate_of,omitempty"`
	Advisory    string      `json:"advisory,omitempty"`
}

// MemoryRouter resolves where a memory goes, suppresses near-duplicates and
// writes it.
type MemoryRouter struct {
	cfg       *Config
	local     ContentStore
	localPath string
	shared    *SharedMemory
	dedup     Deduper
	vcs       VersionControl
	log       zerolog.Logger
	now       func() time.Time
}

func NewMemoryRouter(cfg *Config, local ContentStore, localPath string, shared *SharedMemory, vcs VersionControl, log zerolog.Logger) *MemoryRouter {
	return &MemoryRouter{
		cfg:       cfg,
		local:     local,
		localPath: localPath,
		shared:    shared,
		dedup:     NewDeduper(cfg.Memory),
		vcs:       vcs,
		log:       log,
		now:       time.Now,
	}
}

// ResolveDestination applies explicit flag, then share_memories, then local.
func (r *MemoryRouter) ResolveDestination(explicit Destination) Destination {
	if explicit != "" {
		return explicit
	}
	if r.cfg.ShareMemories {
		return DestinationShared
	}
	return DestinationLocal
}

func (r *MemoryRouter) Remember(ctx context.Context, in RememberRequest) (*RememberOutput, error) {
	message := strings.TrimSpace(in.Message)
	if message == "" {
		return nil, ErrEmptyMessage
	}
	tag, err := NewTag(in.Tag)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", err, in.Tag)
	}

	entry := MemoryEntry{
		Timestamp:   r.now().UTC(),
		Message:     message,
		Tag:         tag.String(),
		Author:      r.vcs.Author(ctx),
		Destination: r.ResolveDestination(in.Destination),
		Fingerprint: SimHash(normalizeMessage(message)),
	}

	var out *RememberOutput
	switch entry.Destination {
	case DestinationShared:
		out, err = r.rememberShared(ctx, entry, in.Supersedes)
	case DestinationLocal:
		out, err = r.rememberLocal(ctx, entry)
	default:
		return nil, fmt.Errorf("%w: destination %q", ErrInvalidTarget, entry.Destination)
	}
	if err != nil {
		return nil, err
	}

	if out.Stored {
		out.Advisory = r.sizeAdvisory(entry.Destination)
	}
	return out, nil
}

func (r *MemoryRouter) rememberLocal(ctx context.Context, entry MemoryEntry) (*RememberOutput, error) {
	lock, err := AcquireStoreLock(ctx, r.localPath, r.cfg.LockTimeout())
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	if r.cfg.Memory.Dedupe {
		existing, err := LocalEntries(ctx, r.local, 0)
		if err != nil {
			return nil, err
		}
		items := make([]DedupItem, 0, len(existing))
		byText := make(map[string]string, len(existing))
		for _, e := range existing {
			if e.System {
				continue
			}
			items = append(items, r.dedupItem(e.Message, e.Fingerprint))
			byText[e.Message] = e.ID
		}
		if dup, ok := FindDuplicate(r.dedup, entry.Message, items); ok {
			return &RememberOutput{Entry: entry, Duplicate: true, DuplicateOf: byText[dup.Text]}, nil
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate id: %w", err)
	}
	entry.ID = "mem:" + id.String()

	if _, err := r.local.Put(ctx, entry.ID, entry.Message, localFrameMeta(entry)); err != nil {
		return nil, fmt.Errorf("store memory: %w", err)
	}
	return &RememberOutput{Entry: entry, Stored: true}, nil
}

func (r *MemoryRouter) rememberShared(ctx context.Context, entry MemoryEntry, supersedes string) (*RememberOutput, error) {
	var dupOf string
	guard := func(snap *LogSnapshot) error {
		if !r.cfg.Memory.Dedupe {
			return nil
		}
		lines := snap.Effective()
		items := make([]DedupItem, 0, len(lines))
		byText := make(map[string]string, len(lines))
		for _, l := range lines {
			items = append(items, r.dedupItem(l.Message, 0))
			byText[l.Message] = l.ID
		}
		if dup, ok := FindDuplicate(r.dedup, entry.Message, items); ok {
			dupOf = byText[dup.Text]
			return ErrDuplicate
		}
		return nil
	}

	res, err := r.shared.Append(ctx, SharedLogLine{
		Timestamp:  entry.Timestamp,
		Message:    entry.Message,
		Tag:        entry.Tag,
		Author:     entry.Author,
		Supersedes: supersedes,
	}, guard)
	if errors.Is(err, ErrDuplicate) {
		return &RememberOutput{Entry: entry, Duplicate: true, DuplicateOf: dupOf}, nil
	}
	if err != nil {
		return nil, err
	}

	entry.ID = res.Line.ID
	return &RememberOutput{Entry: entry, Stored: true}, nil
}

func (r *MemoryRouter) dedupItem(text string, fp uint64) DedupItem {
	if _, ok := r.dedup.(*SimHashDeduper); ok {
		return DedupItem{Text: text, Fingerprint: fp}
	}
	return DedupItem{Text: text}
}

// sizeAdvisory is best-effort; it never fails the write.
func (r *MemoryRouter) sizeAdvisory(dest Destination) string {
	if !r.cfg.Maintenance.SizeWarnings {
		return ""
	}
	limits := r.cfg.StoreLimits()
	name, size := StoreMemory, StoreBytes(r.localPath)
	if dest == DestinationShared {
		name, size = StoreDecisions, fileSize(r.shared.Log().Path())
	}
	limit := limits[name]
	if size <= limit {
		return ""
	}

	msg := fmt.Sprintf("%s store is %s (limit %s); consider `twin-mind prune` or `twin-mind doctor --vacuum`",
		name, humanize.Bytes(uint64(size)), humanize.Bytes(uint64(limit)))
	r.log.Warn().Str("store", name).Int64("bytes", size).Int64("limit", limit).Msg("store over size threshold")
	return msg
}

func localFrameMeta(e MemoryEntry) FrameMeta {
	return FrameMeta{
		Title:     truncateRunes(e.Message, titleMaxRunes),
		URI:       MemoryURIPrefix + e.ID,
		Tags:      []string{e.Tag, authorTagPrefix + e.Author, simhashTagPrefix + strconv.FormatUint(e.Fingerprint, 16)},
		Timestamp: e.Timestamp,
	}
}

// EntryFromFrame converts a local store frame back to a memory entry.
func EntryFromFrame(f Frame) MemoryEntry {
	e := MemoryEntry{
		ID:          f.ID,
		Timestamp:   f.Meta.Timestamp,
		Message:     f.Content,
		Author:      DefaultAuthor,
		Destination: DestinationLocal,
		System:      strings.HasPrefix(f.Meta.URI, SystemURIPrefix),
	}
	for _, t := range f.Meta.Tags {
		switch {
		case strings.HasPrefix(t, authorTagPrefix):
			e.Author = strings.TrimPrefix(t, authorTagPrefix)
		case strings.HasPrefix(t, simhashTagPrefix):
			e.Fingerprint, _ = strconv.ParseUint(strings.TrimPrefix(t, simhashTagPrefix), 16, 64)
		case e.Tag == "":
			e.Tag = t
		}
	}
	if e.Tag == "" {
		e.Tag = f.Meta.Title
	}
	return e
}

// LocalEntries lists local memories newest first. limit <= 0 lists all.
func LocalEntries(ctx context.Context, store ContentStore, limit int) ([]MemoryEntry, error) {
	frames, err := store.Timeline(ctx, limit)
	if err != nil {
		return nil, err
	}
	entries := make([]MemoryEntry, 0, len(frames))
	for _, f := range frames {
		entries = append(entries, EntryFromFrame(f))
	}
	return entries, nil
}

// WriteSystemEntry records a maintenance event in the local store. Prune
// never removes these.
func WriteSystemEntry(ctx context.Context, store ContentStore, kind, message string, now time.Time) error {
	id := "sys:" + kind + ":" + strconv.FormatInt(now.UnixNano(), 10)
	_, err := store.Put(ctx, id, message, FrameMeta{
		Title:     kind,
		URI:       SystemURIPrefix + kind,
		Tags:      []string{"system:" + kind},
		Timestamp: now.UTC(),
	})
	if err != nil {
		return fmt.Errorf("write system entry: %w", err)
	}
	return nil
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

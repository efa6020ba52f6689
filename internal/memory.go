package internal

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var (
	ErrStateUnreadable  = errors.New("index state unreadable")
	ErrNoVersionControl = errors.New("no version control")
	ErrStoreBusy        = errors.New("store busy")
	ErrBackupFailed     = errors.New("backup failed")
	ErrNotInitialized   = errors.New("twin-mind not initialized")
	ErrEmptyMessage     = errors.New("empty message")
	ErrInvalidTag       = errors.New("invalid tag")
	ErrInvalidTarget    = errors.New("invalid target")
	ErrInvalidScope     = errors.New("invalid scope")
	ErrInvalidDuration  = errors.New("invalid duration")
	ErrInvalidTimestamp = errors.New("invalid timestamp")
	ErrDuplicate        = errors.New("duplicate, not stored")
)

const (
	DefaultTagCategory = "category"
	SystemURIPrefix    = "twin-mind://system/"
	MemoryURIPrefix    = "twin-mind://memory/"
)

var tagPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]*:[a-z0-9][a-z0-9_./-]*$`)

// Tag is a structured category:value label.
type Tag string

// NewTag normalizes raw into a structured tag. A bare value gets the default
// category; an empty value becomes category:general.
func NewTag(raw string) (Tag, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		s = "general"
	}
	if !strings.Contains(s, ":") {
		s = DefaultTagCategory + ":" + s
	}
	if !tagPattern.MatchString(s) {
		return "", ErrInvalidTag
	}
	return Tag(s), nil
}

func (t Tag) String() string {
	return string(t)
}

// Value is the part after the category.
func (t Tag) Value() string {
	_, v, _ := strings.Cut(string(t), ":")
	return v
}

type Destination string

const (
	DestinationLocal  Destination = "local"
	DestinationShared Destination = "shared"
)

type MemoryEntry struct {
	ID          string      `json:"id"`
	Timestamp   time.Time   `json:"timestamp"`
	Message     string      `json:"message"`
	Tag         string      `json:"tag"`
	Author      string      `json:"author"`
	Destination Destination `json:"destination"`
	Fingerprint uint64      `json:"-"`
	System      bool        `json:"-"`
}

// FrameMeta travels with each frame put into a content store.
type FrameMeta struct {
	Title     string
	URI       string
	Path      string
	Tags      []string
	Timestamp time.Time
}

type Frame struct {
	ID      string
	Content string
	Meta    FrameMeta
}

type FrameHit struct {
	Frame
	Snippet string
	Score   float64
}

type StoreQuery struct {
	Text       string
	PathPrefix string
	TopK       int
	Adaptive   bool
	// MinRelevancy is the fraction of the best score a hit must reach in
	// adaptive mode.
	MinRelevancy float64
}

// ContentStore is the frame store behind the code index and the local memory
// layer.
type ContentStore interface {
	Put(ctx context.Context, id, content string, meta FrameMeta) (string, error)
	Delete(ctx context.Context, ids []string) (int, error)
	Search(ctx context.Context, q StoreQuery) ([]FrameHit, error)
	Count(ctx context.Context) (int, error)
	Timeline(ctx context.Context, limit int) ([]Frame, error)
	IDs(ctx context.Context) ([]string, error)
	Close() error
}

// Maintainer is implemented by stores that can compact, rebuild their search
// index and produce a consistent copy of themselves.
type Maintainer interface {
	Vacuum(ctx context.Context) error
	RebuildIndex(ctx context.Context) error
	Backup(ctx context.Context, dest string) error
}

type Source string

const (
	SourceCode   Source = "code"
	SourceShared Source = "shared-memory"
	SourceLocal  Source = "local-memory"
	SourceEntity Source = "entity"
)

// priority orders sources on equal score.
func (s Source) priority() int {
	switch s {
	case SourceCode:
		return 0
	case SourceShared:
		return 1
	case SourceLocal:
		return 2
	default:
		return 3
	}
}

type SearchResult struct {
	Source    Source    `json:"source"`
	Score     float64   `json:"score"`
	Title     string    `json:"title,omitempty"`
	Snippet   string    `json:"snippet"`
	Locator   string    `json:"locator"`
	Line      int       `json:"line,omitempty"`
	Tag       string    `json:"tag,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// ParseTimestamp accepts RFC 3339 and the naive ISO forms written by older
// tools. Naive times are taken as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTimestamp, s)
}

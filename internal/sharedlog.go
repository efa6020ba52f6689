package internal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// SharedLogLine is one record of the append-only shared log.
type SharedLogLine struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Message    string    `json:"message"`
	Tag        string    `json:"tag"`
	Author     string    `json:"author"`
	Supersedes string    `json:"supersedes,omitempty"`
	LineNo     int       `json:"-"`
}

func (l SharedLogLine) Validate() error {
	switch {
	case l.Message == "":
		return ErrEmptyMessage
	case l.Tag == "":
		return ErrInvalidTag
	case l.Timestamp.IsZero():
		return fmt.Errorf("%w: missing timestamp", ErrInvalidTimestamp)
	case l.Author == "":
		return errors.New("missing author")
	}
	return nil
}

// LineID derives a stable id for lines written without one.
func LineID(ts time.Time, message string) string {
	h := xxhash.New()
	h.WriteString(ts.UTC().Format(time.RFC3339Nano))
	h.WriteString("\x00")
	h.WriteString(message)
	return "d-" + strconv.FormatUint(h.Sum64(), 16)
}

type MalformedLine struct {
	Line   int    `json:"line"`
	Reason string `json:"reason"`
}

// LogSnapshot is a parsed view of the shared log at one point in time.
type LogSnapshot struct {
	Lines     []SharedLogLine
	Malformed []MalformedLine
	Digest    string
	Bytes     int64
}

// Effective drops lines that a later line supersedes.
func (s *LogSnapshot) Effective() []SharedLogLine {
	superseded := make(map[string]bool)
	for _, l := range s.Lines {
		if l.Supersedes != "" {
			superseded[l.Supersedes] = true
		}
	}
	out := make([]SharedLogLine, 0, len(s.Lines))
	for _, l := range s.Lines {
		if !superseded[l.ID] {
			out = append(out, l)
		}
	}
	return out
}

func digest(data []byte) string {
	return strconv.FormatUint(xxhash.Sum64(data), 16)
}

// ParseSharedLog parses raw log bytes. Malformed lines are reported, never
// fatal. Both current keys and the legacy ts/msg keys are accepted.
func ParseSharedLog(data []byte) *LogSnapshot {
	snap := &LogSnapshot{Digest: digest(data), Bytes: int64(len(data))}
	for i, raw := range bytes.Split(data, []byte("\n")) {
		raw = bytes.TrimSpace(raw)
		if len(raw) == 0 {
			continue
		}
		line, err := parseLogLine(raw)
		if err != nil {
			snap.Malformed = append(snap.Malformed, MalformedLine{Line: i + 1, Reason: err.Error()})
			continue
		}
		line.LineNo = i + 1
		snap.Lines = append(snap.Lines, line)
	}
	return snap
}

func parseLogLine(raw []byte) (SharedLogLine, error) {
	if !gjson.ValidBytes(raw) {
		return SharedLogLine{}, errors.New("invalid json")
	}
	r := gjson.ParseBytes(raw)
	if !r.IsObject() {
		return SharedLogLine{}, errors.New("not an object")
	}

	message := firstString(r, "message", "msg")
	if message == "" {
		return SharedLogLine{}, errors.New("missing message")
	}
	rawTS := firstString(r, "timestamp", "ts")
	if rawTS == "" {
		return SharedLogLine{}, errors.New("missing timestamp")
	}
	ts, err := ParseTimestamp(rawTS)
	if err != nil {
		return SharedLogLine{}, err
	}

	line := SharedLogLine{
		ID:         r.Get("id").String(),
		Timestamp:  ts,
		Message:    message,
		Tag:        r.Get("tag").String(),
		Author:     r.Get("author").String(),
		Supersedes: r.Get("supersedes").String(),
	}
	if line.ID == "" {
		line.ID = LineID(ts, message)
	}
	if line.Tag == "" {
		line.Tag = DefaultTagCategory + ":general"
	}
	if line.Author == "" {
		line.Author = DefaultAuthor
	}
	return line, nil
}

func firstString(r gjson.Result, keys ...string) string {
	for _, k := range keys {
		if v := r.Get(k); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

// SharedLog is the git-shareable JSONL file. Writers serialize through an
// advisory lock; readers never lock.
type SharedLog struct {
	path        string
	lockTimeout time.Duration
	log         zerolog.Logger
}

func NewSharedLog(path string, lockTimeout time.Duration, log zerolog.Logger) *SharedLog {
	return &SharedLog{path: path, lockTimeout: lockTimeout, log: log}
}

func (l *SharedLog) Path() string {
	return l.path
}

// Read parses the current log. A missing file is an empty log.
func (l *SharedLog) Read() (*LogSnapshot, error) {
	data, err := os.ReadFile(l.path)
	if os.IsNotExist(err) {
		return ParseSharedLog(nil), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read shared log: %w", err)
	}

	snap := ParseSharedLog(data)
	for _, m := range snap.Malformed {
		l.log.Warn().Str("path", l.path).Int("line", m.Line).Str("reason", m.Reason).Msg("skipping malformed shared log line")
	}
	return snap, nil
}

type AppendResult struct {
	Line       SharedLogLine
	PrevDigest string
	Digest     string
}

// Append validates line and appends it under the log lock. guard sees the
// log as it is just before the write and may veto it.
func (l *SharedLog) Append(ctx context.Context, line SharedLogLine, guard func(*LogSnapshot) error) (*AppendResult, error) {
	if line.ID == "" {
		line.ID = LineID(line.Timestamp, line.Message)
	}
	line.Timestamp = line.Timestamp.UTC()
	if err := line.Validate(); err != nil {
		return nil, err
	}

	lock, err := AcquireStoreLock(ctx, l.path, l.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	current, err := os.ReadFile(l.path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read shared log: %w", err)
	}
	prevDigest := digest(current)
	if guard != nil {
		if err := guard(ParseSharedLog(current)); err != nil {
			return nil, err
		}
	}

	encoded, err := json.Marshal(line)
	if err != nil {
		return nil, fmt.Errorf("encode shared log line: %w", err)
	}
	var buf []byte
	if len(current) > 0 && current[len(current)-1] != '\n' {
		buf = append(buf, '\n')
	}
	buf = append(buf, encoded...)
	buf = append(buf, '\n')

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open shared log: %w", err)
	}
	_, err = f.Write(buf)
	if err == nil {
		err = f.Sync()
	}
	closeErr := f.Close()
	if err != nil {
		return nil, fmt.Errorf("append shared log: %w", err)
	}
	if closeErr != nil {
		return nil, fmt.Errorf("close shared log: %w", closeErr)
	}

	return &AppendResult{
		Line:       line,
		PrevDigest: prevDigest,
		Digest:     digest(append(current, buf...)),
	}, nil
}

// RemoveIDs rewrites the log without the lines whose id is in ids, after
// copying the original to backup. Unparsable lines are kept verbatim.
func (l *SharedLog) RemoveIDs(ctx context.Context, ids map[string]bool, backup string) (int, error) {
	lock, err := AcquireStoreLock(ctx, l.path, l.lockTimeout)
	if err != nil {
		return 0, err
	}
	defer lock.Release()

	data, err := os.ReadFile(l.path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read shared log: %w", err)
	}

	if err := CopyFileAtomic(l.path, backup); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBackupFailed, err)
	}

	var out bytes.Buffer
	removed := 0
	for _, raw := range bytes.Split(data, []byte("\n")) {
		trimmed := bytes.TrimSpace(raw)
		if len(trimmed) == 0 {
			continue
		}
		if line, err := parseLogLine(trimmed); err == nil && ids[line.ID] {
			removed++
			continue
		}
		out.Write(raw)
		out.WriteByte('\n')
	}

	if removed == 0 {
		return 0, nil
	}
	if err := WriteFileAtomic(l.path, out.Bytes(), 0644); err != nil {
		return 0, fmt.Errorf("rewrite shared log: %w", err)
	}
	return removed, nil
}

// SharedMemory couples the shared log with its derived index. The log is
// authoritative; index maintenance never fails a write.
type SharedMemory struct {
	log      *SharedLog
	semantic *SemanticSharedIndex
	enabled  bool
	logger   zerolog.Logger
}

func NewSharedMemory(scope Scope, cfg *Config, logger zerolog.Logger) *SharedMemory {
	return &SharedMemory{
		log:      NewSharedLog(scope.SharedLogPath(), cfg.LockTimeout(), logger),
		semantic: NewSemanticSharedIndex(scope.SharedIndexPath()),
		enabled:  cfg.Retrieval.SemanticIndex,
		logger:   logger,
	}
}

func (m *SharedMemory) Log() *SharedLog {
	return m.log
}

func (m *SharedMemory) Semantic() *SemanticSharedIndex {
	return m.semantic
}

// Append writes line to the log and then patches the derived index.
func (m *SharedMemory) Append(ctx context.Context, line SharedLogLine, guard func(*LogSnapshot) error) (*AppendResult, error) {
	res, err := m.log.Append(ctx, line, guard)
	if err != nil {
		return nil, err
	}
	if !m.enabled {
		return res, nil
	}

	err = m.semantic.Add(ctx, res.Line, res.PrevDigest, res.Digest)
	switch {
	case err == nil:
	case errors.Is(err, ErrDerivedIndexMissing), errors.Is(err, ErrDerivedIndexStale):
		m.logger.Debug().Err(err).Msg("derived index left for lazy rebuild")
	default:
		m.logger.Warn().Err(err).Msg("update derived shared index")
	}
	return res, nil
}

// RebuildIndex discards the derived index and recreates it from the full log.
func (m *SharedMemory) RebuildIndex(ctx context.Context) error {
	snap, err := m.log.Read()
	if err != nil {
		return err
	}
	return m.semantic.Rebuild(ctx, snap)
}

// Index selects the search implementation: the lazily rebuilt semantic
// index with textual fallback, or text search alone when disabled.
func (m *SharedMemory) Index() SharedIndex {
	textual := NewTextualSharedIndex(m.log)
	if !m.enabled {
		return textual
	}
	return NewFallbackSharedIndex(NewLazySharedIndex(m.semantic, m.log, m.logger), textual, m.logger)
}

package internal

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
)

const (
	vectorDims           = 256
	derivedSchemaVersion = "2"
)

var (
	ErrDerivedIndexMissing = errors.New("derived index missing")
	ErrDerivedIndexStale   = errors.New("derived index stale")
)

type SharedHit struct {
	SharedLogLine
	Score float64
}

type SharedSearchOptions struct {
	TopK         int
	Adaptive     bool
	MinRelevancy float64
}

func (o SharedSearchOptions) topK() int {
	if o.TopK <= 0 {
		return 10
	}
	return o.TopK
}

// limit is how many hits a backend returns before the relevance cutoff:
// top-k in fixed mode, four times that in adaptive mode.
func (o SharedSearchOptions) limit() int {
	if o.Adaptive {
		return o.topK() * 4
	}
	return o.topK()
}

// SharedIndex searches the shared log, directly or through a derived index.
type SharedIndex interface {
	Name() string
	Search(ctx context.Context, query string, opts SharedSearchOptions) ([]SharedHit, error)
}

const derivedSchema = `
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS lines (
	id         TEXT PRIMARY KEY,
	timestamp  INTEGER NOT NULL,
	message    TEXT NOT NULL,
	tag        TEXT NOT NULL,
	author     TEXT NOT NULL,
	supersedes TEXT NOT NULL DEFAULT '',
	vector     BLOB NOT NULL
);
`

// SemanticSharedIndex keeps feature-hashed vectors of every log line in a
// SQLite file stamped with the digest of the log it was built from.
type SemanticSharedIndex struct {
	path string
}

func NewSemanticSharedIndex(path string) *SemanticSharedIndex {
	return &SemanticSharedIndex{path: path}
}

func (s *SemanticSharedIndex) Name() string { return "semantic" }

func (s *SemanticSharedIndex) Path() string { return s.path }

// The derived index never uses WAL so that a rebuilt file can be renamed
// over the old one.
func openDerived(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open derived index: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode = DELETE",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return db, nil
}

// Digest returns the log digest the index was built from.
func (s *SemanticSharedIndex) Digest(ctx context.Context) (string, error) {
	if !fileExists(s.path) {
		return "", ErrDerivedIndexMissing
	}
	db, err := openDerived(s.path)
	if err != nil {
		return "", err
	}
	defer db.Close()

	var version, d string
	if err := db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'version'`).Scan(&version); err != nil {
		return "", fmt.Errorf("%w: %v", ErrDerivedIndexMissing, err)
	}
	if version != derivedSchemaVersion {
		return "", fmt.Errorf("%w: schema version %s", ErrDerivedIndexStale, version)
	}
	if err := db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'digest'`).Scan(&d); err != nil {
		return "", fmt.Errorf("%w: %v", ErrDerivedIndexMissing, err)
	}
	return d, nil
}

// Valid reports whether the index matches the given log snapshot.
func (s *SemanticSharedIndex) Valid(ctx context.Context, snap *LogSnapshot) bool {
	d, err := s.Digest(ctx)
	return err == nil && d == snap.Digest
}

// Rebuild discards the index and recreates it from snap. The new file is
// built aside and renamed into place.
func (s *SemanticSharedIndex) Rebuild(ctx context.Context, snap *LogSnapshot) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create index directory: %w", err)
	}
	f, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp index: %w", err)
	}
	tmp := f.Name()
	f.Close()

	if err := s.build(ctx, tmp, snap); err != nil {
		os.Remove(tmp)
		os.Remove(tmp + "-journal")
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename index: %w", err)
	}
	return nil
}

func (s *SemanticSharedIndex) build(ctx context.Context, path string, snap *LogSnapshot) error {
	db, err := openDerived(path)
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, derivedSchema); err != nil {
		return fmt.Errorf("init derived schema: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin build: %w", err)
	}
	defer tx.Rollback()

	for _, line := range snap.Lines {
		if err := insertLine(ctx, tx, line); err != nil {
			return err
		}
	}
	if err := setMeta(ctx, tx, snap.Digest); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit build: %w", err)
	}
	return nil
}

// Add appends one line when the index is current with prevDigest, moving it
// to digest. A drifted index yields ErrDerivedIndexStale and is left for the
// next lazy rebuild.
func (s *SemanticSharedIndex) Add(ctx context.Context, line SharedLogLine, prevDigest, digest string) error {
	current, err := s.Digest(ctx)
	if err != nil {
		return err
	}
	if current != prevDigest {
		return ErrDerivedIndexStale
	}

	db, err := openDerived(s.path)
	if err != nil {
		return err
	}
	defer db.Close()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin add: %w", err)
	}
	defer tx.Rollback()

	if err := insertLine(ctx, tx, line); err != nil {
		return err
	}
	if err := setMeta(ctx, tx, digest); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit add: %w", err)
	}
	return nil
}

func insertLine(ctx context.Context, tx *sql.Tx, line SharedLogLine) error {
	vec := HashEmbed(line.Message + " " + line.Tag)
	_, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO lines (id, timestamp, message, tag, author, supersedes, vector) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		line.ID, line.Timestamp.UnixNano(), line.Message, line.Tag, line.Author, line.Supersedes, encodeVector(vec))
	if err != nil {
		return fmt.Errorf("insert line %s: %w", line.ID, err)
	}
	return nil
}

func setMeta(ctx context.Context, tx *sql.Tx, digest string) error {
	for k, v := range map[string]string{"version": derivedSchemaVersion, "digest": digest} {
		if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)`, k, v); err != nil {
			return fmt.Errorf("set meta %s: %w", k, err)
		}
	}
	return nil
}

// Search returns the nearest lines by cosine similarity. Lines sharing no
// term with the query are dropped even when bucket collisions give them a
// score. Adaptive mode then trims hits below MinRelevancy of the best.
func (s *SemanticSharedIndex) Search(ctx context.Context, query string, opts SharedSearchOptions) ([]SharedHit, error) {
	if !fileExists(s.path) {
		return nil, ErrDerivedIndexMissing
	}
	db, err := openDerived(s.path)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `SELECT id, timestamp, message, tag, author, supersedes, vector FROM lines`)
	if err != nil {
		return nil, fmt.Errorf("scan derived index: %w", err)
	}
	defer rows.Close()

	q := HashEmbed(query)
	terms := newTermMatcher(query)
	var hits []SharedHit
	superseded := make(map[string]bool)
	for rows.Next() {
		var (
			h   SharedHit
			ts  int64
			raw []byte
		)
		if err := rows.Scan(&h.ID, &ts, &h.Message, &h.Tag, &h.Author, &h.Supersedes, &raw); err != nil {
			return nil, fmt.Errorf("scan line: %w", err)
		}
		if h.Supersedes != "" {
			superseded[h.Supersedes] = true
		}
		h.Timestamp = time.Unix(0, ts).UTC()
		h.Score = cosine(q, decodeVector(raw))
		if h.Score <= 0 || !terms.matches(h.Message+" "+h.Tag) {
			continue
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate derived index: %w", err)
	}

	hits = dropSuperseded(hits, superseded)
	sortSharedHits(hits)
	if len(hits) > opts.limit() {
		hits = hits[:opts.limit()]
	}
	if opts.Adaptive {
		hits = relevanceCutoff(hits, opts.MinRelevancy, func(h SharedHit) float64 { return h.Score })
	}
	return hits, nil
}

// LazySharedIndex rebuilds the semantic index whenever it is missing or was
// built from a different log, then searches it.
type LazySharedIndex struct {
	semantic *SemanticSharedIndex
	log      *SharedLog
	logger   zerolog.Logger
}

func NewLazySharedIndex(semantic *SemanticSharedIndex, log *SharedLog, logger zerolog.Logger) *LazySharedIndex {
	return &LazySharedIndex{semantic: semantic, log: log, logger: logger}
}

func (l *LazySharedIndex) Name() string { return "lazy-semantic" }

func (l *LazySharedIndex) Search(ctx context.Context, query string, opts SharedSearchOptions) ([]SharedHit, error) {
	snap, err := l.log.Read()
	if err != nil {
		return nil, err
	}
	if !l.semantic.Valid(ctx, snap) {
		l.logger.Info().Str("path", l.semantic.Path()).Msg("rebuilding derived shared index")
		if err := l.semantic.Rebuild(ctx, snap); err != nil {
			return nil, fmt.Errorf("rebuild derived index: %w", err)
		}
	}
	return l.semantic.Search(ctx, query, opts)
}

// TextualSharedIndex scores lines by keyword hits straight from the log.
type TextualSharedIndex struct {
	log *SharedLog
}

func NewTextualSharedIndex(log *SharedLog) *TextualSharedIndex {
	return &TextualSharedIndex{log: log}
}

func (t *TextualSharedIndex) Name() string { return "textual" }

func (t *TextualSharedIndex) Search(ctx context.Context, query string, opts SharedSearchOptions) ([]SharedHit, error) {
	snap, err := t.log.Read()
	if err != nil {
		return nil, err
	}

	words := strings.Fields(strings.ToLower(query))
	var hits []SharedHit
	for _, line := range snap.Effective() {
		msg := strings.ToLower(line.Message)
		tag := strings.ToLower(line.Tag)
		score := 0
		for _, w := range words {
			score += strings.Count(msg, w)
			if strings.Contains(tag, w) {
				score += 2
			}
		}
		if score > 0 {
			hits = append(hits, SharedHit{SharedLogLine: line, Score: float64(score) / 10})
		}
	}

	sortSharedHits(hits)
	if len(hits) > opts.limit() {
		hits = hits[:opts.limit()]
	}
	if opts.Adaptive {
		hits = relevanceCutoff(hits, opts.MinRelevancy, func(h SharedHit) float64 { return h.Score })
	}
	return hits, nil
}

// FallbackSharedIndex tries primary and degrades to fallback on any error.
type FallbackSharedIndex struct {
	primary  SharedIndex
	fallback SharedIndex
	logger   zerolog.Logger
}

func NewFallbackSharedIndex(primary, fallback SharedIndex, logger zerolog.Logger) *FallbackSharedIndex {
	return &FallbackSharedIndex{primary: primary, fallback: fallback, logger: logger}
}

func (f *FallbackSharedIndex) Name() string { return f.primary.Name() }

func (f *FallbackSharedIndex) Search(ctx context.Context, query string, opts SharedSearchOptions) ([]SharedHit, error) {
	hits, err := f.primary.Search(ctx, query, opts)
	if err == nil {
		return hits, nil
	}
	f.logger.Warn().Err(err).Str("index", f.primary.Name()).Msg("shared index unavailable, using text search")
	return f.fallback.Search(ctx, query, opts)
}

func dropSuperseded(hits []SharedHit, superseded map[string]bool) []SharedHit {
	if len(superseded) == 0 {
		return hits
	}
	out := hits[:0]
	for _, h := range hits {
		if !superseded[h.ID] {
			out = append(out, h)
		}
	}
	return out
}

func sortSharedHits(hits []SharedHit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Timestamp.After(hits[j].Timestamp)
	})
}

// conceptGroups fold related software vocabulary onto one dimension each,
// so "auth" finds a decision that only says "JWT". They own the first
// len(conceptGroups) dimensions; hashed features never land there.
var conceptGroups = [][]string{
	{"auth", "authn", "authz", "authentication", "authorization", "authenticate", "login", "logout", "jwt", "oauth", "oidc", "saml", "sso", "token", "session", "credential", "password"},
	{"db", "database", "sql", "sqlite", "postgres", "postgresql", "mysql", "schema", "migration", "orm", "table"},
	{"cache", "caching", "redis", "memcached", "ttl", "evict", "eviction"},
	{"api", "rest", "grpc", "http", "endpoint", "graphql", "rpc", "webhook"},
	{"deploy", "deployment", "kubernetes", "k8s", "docker", "container", "helm", "terraform", "ci", "pipeline", "release"},
	{"test", "testing", "mock", "fixture", "coverage"},
	{"log", "logging", "metric", "metrics", "tracing", "telemetry", "monitoring", "alert"},
	{"performance", "perf", "latency", "throughput", "slow", "benchmark"},
	{"error", "exception", "panic", "retry", "failure"},
	{"concurrency", "goroutine", "thread", "lock", "mutex", "race", "async"},
}

const conceptWeight = 1.5

var conceptIndex = func() map[string]int {
	m := make(map[string]int)
	for i, group := range conceptGroups {
		for _, w := range group {
			m[w] = i
		}
	}
	return m
}()

// conceptOf also accepts a plural of a group word.
func conceptOf(word string) (int, bool) {
	if i, ok := conceptIndex[word]; ok {
		return i, true
	}
	if stem, ok := strings.CutSuffix(word, "s"); ok {
		i, ok := conceptIndex[stem]
		return i, ok
	}
	return 0, false
}

func embedWords(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func trigrams(word string) []string {
	padded := []rune("#" + word + "#")
	out := make([]string, 0, len(padded))
	for i := 0; i+3 <= len(padded); i++ {
		out = append(out, string(padded[i:i+3]))
	}
	return out
}

// HashEmbed maps text onto a unit vector: concept groups on their own
// dimensions, words and character trigrams hashed into signed buckets.
func HashEmbed(text string) []float32 {
	vec := make([]float32, vectorDims)
	hashed := uint64(vectorDims - len(conceptGroups))
	add := func(feature string, weight float32) {
		h := xxhash.Sum64String(feature)
		idx := uint64(len(conceptGroups)) + h%hashed
		if h&(1<<63) != 0 {
			weight = -weight
		}
		vec[idx] += weight
	}
	for _, w := range embedWords(text) {
		add("w:"+w, 1)
		for _, tri := range trigrams(w) {
			add("t:"+tri, 0.5)
		}
		if c, ok := conceptOf(w); ok {
			vec[c] += conceptWeight
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
	return vec
}

// termMatcher decides whether a text shares any term with a query: the same
// word, the same concept group, or a word holding at least half of a query
// word's trigrams ("auth" in "authentication").
type termMatcher struct {
	words    map[string]bool
	concepts map[int]bool
	grams    []map[string]bool
}

func newTermMatcher(query string) *termMatcher {
	m := &termMatcher{words: make(map[string]bool), concepts: make(map[int]bool)}
	for _, w := range embedWords(query) {
		if m.words[w] {
			continue
		}
		m.words[w] = true
		if c, ok := conceptOf(w); ok {
			m.concepts[c] = true
		}
		set := make(map[string]bool)
		for _, tri := range trigrams(w) {
			set[tri] = true
		}
		m.grams = append(m.grams, set)
	}
	return m
}

func (m *termMatcher) matches(text string) bool {
	for _, w := range embedWords(text) {
		if m.words[w] {
			return true
		}
		if c, ok := conceptOf(w); ok && m.concepts[c] {
			return true
		}
		have := make(map[string]bool)
		for _, tri := range trigrams(w) {
			have[tri] = true
		}
		for _, set := range m.grams {
			shared := 0
			for tri := range set {
				if have[tri] {
					shared++
				}
			}
			if 2*shared >= len(set) {
				return true
			}
		}
	}
	return false
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	if dot < 0 {
		return 0
	}
	return dot
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}

package internal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const (
	StoreCode      = "code"
	StoreMemory    = "memory"
	StoreDecisions = "decisions"
)

const frameSchema = `
CREATE TABLE IF NOT EXISTS frames (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL UNIQUE,
	title      TEXT NOT NULL DEFAULT '',
	uri        TEXT NOT NULL DEFAULT '',
	path       TEXT NOT NULL DEFAULT '',
	tags       TEXT NOT NULL DEFAULT '',
	content    TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_frames_path ON frames(path);
CREATE INDEX IF NOT EXISTS idx_frames_created ON frames(created_at);
CREATE VIRTUAL TABLE IF NOT EXISTS frames_fts USING fts5(
	title, content, tags,
	tokenize = 'porter unicode61'
);
`

// SQLiteStore is a ContentStore on a single SQLite file with an FTS5 index.
// Frames with the same id replace each other.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(frameSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &SQLiteStore{db: db, path: path}, nil
}

func openSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return db, nil
}

func (s *SQLiteStore) Path() string {
	return s.path
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Put(ctx context.Context, id, content string, meta FrameMeta) (string, error) {
	if id == "" {
		return "", errors.New("put frame: empty id")
	}
	created := meta.Timestamp
	if created.IsZero() {
		created = time.Now().UTC()
	}
	tags := strings.Join(meta.Tags, "\n")

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin put: %w", err)
	}
	defer tx.Rollback()

	if _, err := deleteFrame(ctx, tx, id); err != nil {
		return "", err
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO frames (id, title, uri, path, tags, content, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, meta.Title, meta.URI, meta.Path, tags, content, created.UnixNano())
	if err != nil {
		return "", fmt.Errorf("insert frame: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return "", fmt.Errorf("insert frame: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO frames_fts (rowid, title, content, tags) VALUES (?, ?, ?, ?)`,
		seq, meta.Title, content, tags); err != nil {
		return "", fmt.Errorf("index frame: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit put: %w", err)
	}
	return id, nil
}

func deleteFrame(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	var seq int64
	err := tx.QueryRowContext(ctx, `SELECT seq FROM frames WHERE id = ?`, id).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("find frame: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM frames_fts WHERE rowid = ?`, seq); err != nil {
		return false, fmt.Errorf("unindex frame: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM frames WHERE seq = ?`, seq); err != nil {
		return false, fmt.Errorf("delete frame: %w", err)
	}
	return true, nil
}

// Delete removes the given frames in one transaction and returns how many
// existed.
func (s *SQLiteStore) Delete(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	n := 0
	for _, id := range ids {
		ok, err := deleteFrame(ctx, tx, id)
		if err != nil {
			return 0, err
		}
		if ok {
			n++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit delete: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) Search(ctx context.Context, q StoreQuery) ([]FrameHit, error) {
	match := ftsQuery(q.Text)
	if match == "" {
		return nil, nil
	}
	topK := q.TopK
	if topK <= 0 {
		topK = 10
	}
	limit := topK
	if q.Adaptive {
		limit = topK * 4
	}

	query := `
		SELECT f.id, f.title, f.uri, f.path, f.tags, f.content, f.created_at,
		       snippet(frames_fts, 1, '', '', '...', 32), bm25(frames_fts)
		FROM frames_fts
		JOIN frames f ON f.seq = frames_fts.rowid
		WHERE frames_fts MATCH ?`
	args := []any{match}
	if clause, cargs := subtreeFilter("f.path", q.PathPrefix); clause != "" {
		query += clause
		args = append(args, cargs...)
	}
	query += ` ORDER BY bm25(frames_fts) LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search frames: %w", err)
	}
	defer rows.Close()

	var hits []FrameHit
	for rows.Next() {
		var (
			h       FrameHit
			tags    string
			created int64
			rank    float64
		)
		if err := rows.Scan(&h.ID, &h.Meta.Title, &h.Meta.URI, &h.Meta.Path, &tags, &h.Content, &created, &h.Snippet, &rank); err != nil {
			return nil, fmt.Errorf("scan frame: %w", err)
		}
		h.Meta.Tags = splitTags(tags)
		h.Meta.Timestamp = time.Unix(0, created).UTC()
		// bm25 is negative, lower is better; map it onto [0, 1).
		raw := -rank
		if raw < 0 {
			raw = 0
		}
		h.Score = raw / (1 + raw)
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate frames: %w", err)
	}

	if q.Adaptive {
		return relevanceCutoff(hits, q.MinRelevancy, func(h FrameHit) float64 { return h.Score }), nil
	}
	return hits, nil
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM frames`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count frames: %w", err)
	}
	return n, nil
}

// Timeline returns frames newest first. limit <= 0 returns all.
func (s *SQLiteStore) Timeline(ctx context.Context, limit int) ([]Frame, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, uri, path, tags, content, created_at FROM frames ORDER BY created_at DESC, seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list frames: %w", err)
	}
	defer rows.Close()

	var frames []Frame
	for rows.Next() {
		var (
			f       Frame
			tags    string
			created int64
		)
		if err := rows.Scan(&f.ID, &f.Meta.Title, &f.Meta.URI, &f.Meta.Path, &tags, &f.Content, &created); err != nil {
			return nil, fmt.Errorf("scan frame: %w", err)
		}
		f.Meta.Tags = splitTags(tags)
		f.Meta.Timestamp = time.Unix(0, created).UTC()
		frames = append(frames, f)
	}
	return frames, rows.Err()
}

func (s *SQLiteStore) IDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM frames ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("list frame ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan frame id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) Vacuum(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}
	return nil
}

// RebuildIndex drops and repopulates the full-text index from the frames
// table in one transaction.
func (s *SQLiteStore) RebuildIndex(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rebuild: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM frames_fts`); err != nil {
		return fmt.Errorf("clear index: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO frames_fts (rowid, title, content, tags) SELECT seq, title, content, tags FROM frames`); err != nil {
		return fmt.Errorf("repopulate index: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO frames_fts (frames_fts) VALUES ('optimize')`); err != nil {
		return fmt.Errorf("optimize index: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rebuild: %w", err)
	}
	return nil
}

// Backup writes a consistent copy of the store to dest, which must not exist.
func (s *SQLiteStore) Backup(ctx context.Context, dest string) error {
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, dest); err != nil {
		return fmt.Errorf("%w: %v", ErrBackupFailed, err)
	}
	return nil
}

// StoreBytes is the on-disk size of a SQLite store including its WAL.
func StoreBytes(path string) int64 {
	return fileSize(path) + fileSize(path+"-wal")
}

// ftsQuery quotes every term and ORs them together so punctuation in user
// input never reaches the FTS5 grammar.
func ftsQuery(text string) string {
	var terms []string
	for _, w := range strings.Fields(text) {
		w = strings.ReplaceAll(w, `"`, "")
		if strings.TrimFunc(w, isTokenSeparator) == "" {
			continue
		}
		terms = append(terms, `"`+w+`"`)
	}
	return strings.Join(terms, " OR ")
}

func isTokenSeparator(r rune) bool {
	return !(r == '_' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r > 127)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// subtreeFilter restricts column to the directory dir or any file below it.
// "src" and "src/" both match src/a.go and never srcgen/b.go; a dir naming a
// single file matches that file. An empty or root dir yields no filter.
func subtreeFilter(column, dir string) (string, []any) {
	dir = strings.Trim(strings.TrimPrefix(filepath.ToSlash(dir), "./"), "/")
	if dir == "" || dir == "." {
		return "", nil
	}
	return ` AND (` + column + ` = ? OR ` + column + ` LIKE ? ESCAPE '\')`,
		[]any{dir, likeEscaper.Replace(dir) + "/%"}
}

func splitTags(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// relevanceCutoff keeps hits scoring at least ratio times the best score.
// hits must be sorted best first.
func relevanceCutoff[T any](hits []T, ratio float64, score func(T) float64) []T {
	if len(hits) == 0 || ratio <= 0 {
		return hits
	}
	floor := score(hits[0]) * ratio
	for i, h := range hits {
		if score(h) < floor {
			return hits[:i]
		}
	}
	return hits
}

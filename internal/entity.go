package internal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

const entitySchema = `
CREATE TABLE IF NOT EXISTS entities (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	name       TEXT NOT NULL,
	qualname   TEXT NOT NULL,
	kind       TEXT NOT NULL,
	lang       TEXT NOT NULL,
	path       TEXT NOT NULL,
	start_line INTEGER NOT NULL,
	end_line   INTEGER NOT NULL,
	signature  TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_entities_path ON entities(path);
CREATE INDEX IF NOT EXISTS idx_entities_name ON entities(name COLLATE NOCASE);
CREATE TABLE IF NOT EXISTS relations (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	kind        TEXT NOT NULL,
	path        TEXT NOT NULL,
	line        INTEGER NOT NULL,
	source      TEXT NOT NULL,
	target      TEXT NOT NULL,
	target_name TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_relations_path ON relations(path);
CREATE INDEX IF NOT EXISTS idx_relations_target ON relations(kind, target_name COLLATE NOCASE);
`

// Entity is one named definition found in a source file.
type Entity struct {
	Name      string `json:"name"`
	Qualname  string `json:"qualname"`
	Kind      string `json:"kind"`
	Lang      string `json:"lang"`
	Path      string `json:"path"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
	Signature string `json:"signature"`
}

func (e Entity) Locator() string {
	return fmt.Sprintf("%s:%d", e.Path, e.StartLine)
}

type EntityHit struct {
	Entity
	Score float64 `json:"score"`
}

type EntityQuery struct {
	Text       string
	Kind       string
	PathPrefix string
	Limit      int
}

// grammar pairs a tree-sitter language with a query capturing each
// definition as @def and its identifier as @name.
type grammar struct {
	name       string
	language   *sitter.Language
	source     string
	extensions []string

	once  sync.Once
	query *sitter.Query
	err   error
}

func (g *grammar) compiled() (*sitter.Query, error) {
	g.once.Do(func() {
		g.query, g.err = sitter.NewQuery([]byte(g.source), g.language)
	})
	return g.query, g.err
}

var grammars = []*grammar{
	{
		name:     "go",
		language: golang.GetLanguage(),
		source: `
			(function_declaration name: (identifier) @name) @def
			(method_declaration name: (field_identifier) @name) @def
			(type_spec name: (type_identifier) @name) @def
		`,
		extensions: []string{".go"},
	},
	{
		name:     "python",
		language: python.GetLanguage(),
		source: `
			(function_definition name: (identifier) @name) @def
			(class_definition name: (identifier) @name) @def
		`,
		extensions: []string{".py", ".pyi"},
	},
	{
		name:     "javascript",
		language: javascript.GetLanguage(),
		source: `
			(function_declaration name: (identifier) @name) @def
			(class_declaration name: (identifier) @name) @def
			(method_definition name: (property_identifier) @name) @def
			(variable_declarator name: (identifier) @name value: (arrow_function)) @def
		`,
		extensions: []string{".js", ".jsx", ".mjs", ".cjs"},
	},
	{
		name:     "typescript",
		language: typescript.GetLanguage(),
		source: `
			(function_declaration name: (identifier) @name) @def
			(class_declaration name: (type_identifier) @name) @def
			(method_definition name: (property_identifier) @name) @def
			(variable_declarator name: (identifier) @name value: (arrow_function)) @def
			(interface_declaration name: (type_identifier) @name) @def
			(type_alias_declaration name: (type_identifier) @name) @def
		`,
		extensions: []string{".ts"},
	},
}

func grammarFor(path string) *grammar {
	ext := strings.ToLower(filepath.Ext(path))
	for _, g := range grammars {
		for _, e := range g.extensions {
			if e == ext {
				return g
			}
		}
	}
	return nil
}

// ExtractEntities parses src and returns its definitions in source order.
// Files without a known grammar yield nothing.
func ExtractEntities(ctx context.Context, path string, src []byte) ([]Entity, error) {
	defs, _, err := ExtractGraph(ctx, path, src)
	return defs, err
}

// ExtractGraph parses src once and returns its definitions and the call,
// import and inheritance edges between them.
func ExtractGraph(ctx context.Context, path string, src []byte) ([]Entity, []Relation, error) {
	g := grammarFor(path)
	if g == nil {
		return nil, nil, nil
	}
	q, err := g.compiled()
	if err != nil {
		return nil, nil, fmt.Errorf("compile %s query: %w", g.name, err)
	}

	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(g.language)
	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", path, err)
	}
	defer tree.Close()

	defs := extractDefs(g, q, tree.RootNode(), path, src)
	return defs, extractRelations(g.name, tree.RootNode(), path, src, defs), nil
}

func extractDefs(g *grammar, q *sitter.Query, root *sitter.Node, path string, src []byte) []Entity {
	qc := sitter.NewQueryCursor()
	defer qc.Close()
	qc.Exec(q, root)

	var out []Entity
	for {
		m, ok := qc.NextMatch()
		if !ok {
			break
		}
		var def *sitter.Node
		var name string
		for _, c := range m.Captures {
			switch q.CaptureNameForId(c.Index) {
			case "def":
				def = c.Node
			case "name":
				name = c.Node.Content(src)
			}
		}
		if def == nil || name == "" {
			continue
		}

		owner := ownerOf(def, src)
		qual := name
		if owner != "" {
			qual = owner + "." + name
		}
		out = append(out, Entity{
			Name:      name,
			Qualname:  qual,
			Kind:      entityKind(def, owner),
			Lang:      g.name,
			Path:      path,
			StartLine: int(def.StartPoint().Row) + 1,
			EndLine:   int(def.EndPoint().Row) + 1,
			Signature: signatureOf(def, src),
		})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].StartLine < out[j].StartLine })
	return out
}

// ownerOf names the enclosing class, or the receiver type of a Go method.
func ownerOf(def *sitter.Node, src []byte) string {
	if def.Type() == "method_declaration" {
		if recv := def.ChildByFieldName("receiver"); recv != nil {
			return receiverType(recv.Content(src))
		}
	}
	for p := def.Parent(); p != nil; p = p.Parent() {
		switch p.Type() {
		case "class_definition", "class_declaration":
			if n := p.ChildByFieldName("name"); n != nil {
				return n.Content(src)
			}
		}
	}
	return ""
}

// receiverType reduces "(s *Store[T])" to "Store".
func receiverType(recv string) string {
	recv = strings.Trim(recv, "() ")
	fields := strings.Fields(recv)
	if len(fields) == 0 {
		return ""
	}
	t := strings.TrimLeft(fields[len(fields)-1], "*")
	if i := strings.IndexByte(t, '['); i >= 0 {
		t = t[:i]
	}
	return t
}

func entityKind(def *sitter.Node, owner string) string {
	switch def.Type() {
	case "function_declaration", "function_definition", "variable_declarator":
		if owner != "" {
			return "method"
		}
		return "function"
	case "method_declaration", "method_definition":
		return "method"
	case "class_definition", "class_declaration":
		return "class"
	case "interface_declaration":
		return "interface"
	case "type_spec":
		if t := def.ChildByFieldName("type"); t != nil {
			switch t.Type() {
			case "struct_type":
				return "struct"
			case "interface_type":
				return "interface"
			}
		}
		return "type"
	}
	return "type"
}

func signatureOf(def *sitter.Node, src []byte) string {
	text := def.Content(src)
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	return truncateRunes(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(text), "{")), 160)
}

// EntityStore keeps extracted definitions and the relations between them in
// entities.db. It is fully regenerable from the code tree.
type EntityStore struct {
	db   *sql.DB
	path string
}

func OpenEntityStore(path string) (*EntityStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create entity directory: %w", err)
	}
	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(entitySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init entity schema: %w", err)
	}
	return &EntityStore{db: db, path: path}, nil
}

func (s *EntityStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *EntityStore) Reset(ctx context.Context) error {
	for _, table := range []string{"entities", "relations"} {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return fmt.Errorf("reset %s: %w", table, err)
		}
	}
	return nil
}

func (s *EntityStore) RemoveFiles(ctx context.Context, paths []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	for _, p := range paths {
		if err := clearFile(ctx, tx, p); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func clearFile(ctx context.Context, tx *sql.Tx, path string) error {
	for _, table := range []string{"entities", "relations"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE path = ?`, path); err != nil {
			return fmt.Errorf("clear %s of %s: %w", table, path, err)
		}
	}
	return nil
}

// IndexFile replaces the entities and relations of path with those found in
// content and returns the number of entities.
func (s *EntityStore) IndexFile(ctx context.Context, path string, content []byte) (int, error) {
	entities, relations, err := ExtractGraph(ctx, path, content)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := clearFile(ctx, tx, path); err != nil {
		return 0, err
	}
	for _, e := range entities {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO entities (name, qualname, kind, lang, path, start_line, end_line, signature)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			e.Name, e.Qualname, e.Kind, e.Lang, e.Path, e.StartLine, e.EndLine, e.Signature)
		if err != nil {
			return 0, fmt.Errorf("insert entity %s: %w", e.Qualname, err)
		}
	}
	if err := insertRelations(ctx, tx, relations); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit entities: %w", err)
	}
	return len(entities), nil
}

func (s *EntityStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entities`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count entities: %w", err)
	}
	return n, nil
}

// Find ranks entities whose name or qualified name contains the query:
// exact name 1.0, exact qualname 0.95, name prefix 0.8, anything else 0.65.
func (s *EntityStore) Find(ctx context.Context, q EntityQuery) ([]EntityHit, error) {
	text := strings.ToLower(strings.TrimSpace(q.Text))
	if text == "" {
		return nil, nil
	}

	query := `
		SELECT name, qualname, kind, lang, path, start_line, end_line, signature
		FROM entities
		WHERE (lower(name) LIKE ? ESCAPE '\' OR lower(qualname) LIKE ? ESCAPE '\')`
	contains := "%" + likeEscaper.Replace(text) + "%"
	args := []any{contains, contains}
	if q.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, strings.ToLower(q.Kind))
	}
	if clause, cargs := subtreeFilter("path", q.PathPrefix); clause != "" {
		query += clause
		args = append(args, cargs...)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find entities: %w", err)
	}
	defer rows.Close()

	var hits []EntityHit
	for rows.Next() {
		var e Entity
		if err := rows.Scan(&e.Name, &e.Qualname, &e.Kind, &e.Lang, &e.Path, &e.StartLine, &e.EndLine, &e.Signature); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		hits = append(hits, EntityHit{Entity: e, Score: entityScore(e, text)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entities: %w", err)
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if hits[i].Path != hits[j].Path {
			return hits[i].Path < hits[j].Path
		}
		return hits[i].StartLine < hits[j].StartLine
	})
	if q.Limit > 0 && len(hits) > q.Limit {
		hits = hits[:q.Limit]
	}
	return hits, nil
}

func entityScore(e Entity, text string) float64 {
	name, qual := strings.ToLower(e.Name), strings.ToLower(e.Qualname)
	switch {
	case name == text:
		return 1.0
	case qual == text:
		return 0.95
	case strings.HasPrefix(name, text):
		return 0.8
	default:
		return 0.65
	}
}

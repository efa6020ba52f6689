package internal

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

// Edge kinds stored in the relations table.
const (
	RelationCalls    = "calls"
	RelationImports  = "imports"
	RelationInherits = "inherits"
)

// Graph lookups over the relations table.
const (
	GraphCallers   = "callers"
	GraphCallees   = "callees"
	GraphInherits  = "inherits"
	GraphImporters = "importers"
)

func ParseGraphLookup(s string) (string, error) {
	switch l := strings.ToLower(s); l {
	case GraphCallers, GraphCallees, GraphInherits, GraphImporters:
		return l, nil
	case "subclasses":
		return GraphInherits, nil
	}
	return "", fmt.Errorf("%w: %q (want callers, callees, inherits or importers)", ErrInvalidTarget, s)
}

// Relation is one edge found in a source file. Source is the qualified name
// of the enclosing definition, or the file path for file-level code. Target
// is the callee, base type or import path as written, so edges to code
// outside the project are kept too.
type Relation struct {
	Kind   string `json:"kind"`
	Path   string `json:"path"`
	Line   int    `json:"line"`
	Source string `json:"source"`
	Target string `json:"target"`
}

func (r Relation) Locator() string {
	return fmt.Sprintf("%s:%d", r.Path, r.Line)
}

type RelationQuery struct {
	Lookup     string
	Symbol     string
	PathPrefix string
	Limit      int
}

// extractRelations walks the whole tree. Node types that a grammar does not
// have simply never match, so one walker serves every language.
func extractRelations(lang string, root *sitter.Node, path string, src []byte, defs []Entity) []Relation {
	var out []Relation
	add := func(kind string, at *sitter.Node, target string) {
		if kind == RelationImports {
			target = strings.Trim(strings.TrimSpace(target), "\"'`")
		} else {
			target = normalizeTarget(target)
		}
		if target == "" {
			return
		}
		line := int(at.StartPoint().Row) + 1
		out = append(out, Relation{
			Kind:   kind,
			Path:   path,
			Line:   line,
			Source: enclosingDef(defs, line, path),
			Target: target,
		})
	}

	stack := []*sitter.Node{root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		switch n.Type() {
		case "call_expression", "call":
			if f := n.ChildByFieldName("function"); f != nil {
				add(RelationCalls, n, f.Content(src))
			}
		case "new_expression":
			if c := n.ChildByFieldName("constructor"); c != nil {
				add(RelationCalls, n, c.Content(src))
			}

		case "import_spec":
			if p := n.ChildByFieldName("path"); p != nil {
				add(RelationImports, n, p.Content(src))
			}
		case "import_statement":
			if s := n.ChildByFieldName("source"); s != nil {
				add(RelationImports, n, s.Content(src))
				break
			}
			for i := 0; i < int(n.NamedChildCount()); i++ {
				c := n.NamedChild(i)
				switch c.Type() {
				case "dotted_name":
					add(RelationImports, n, c.Content(src))
				case "aliased_import":
					if name := c.ChildByFieldName("name"); name != nil {
						add(RelationImports, n, name.Content(src))
					}
				}
			}
		case "import_from_statement":
			if m := n.ChildByFieldName("module_name"); m != nil {
				add(RelationImports, n, m.Content(src))
			}

		case "class_definition":
			if bases := n.ChildByFieldName("superclasses"); bases != nil {
				for i := 0; i < int(bases.NamedChildCount()); i++ {
					if b := bases.NamedChild(i); b.Type() != "keyword_argument" {
						add(RelationInherits, n, b.Content(src))
					}
				}
			}
		case "class_heritage":
			for i := 0; i < int(n.NamedChildCount()); i++ {
				c := n.NamedChild(i)
				switch c.Type() {
				case "extends_clause", "implements_clause":
					for j := 0; j < int(c.NamedChildCount()); j++ {
						if b := c.NamedChild(j); b.Type() != "type_arguments" {
							add(RelationInherits, n, b.Content(src))
						}
					}
				default:
					add(RelationInherits, n, c.Content(src))
				}
			}
		case "field_declaration":
			// An embedded Go struct field has a type but no name.
			if lang == "go" && n.ChildByFieldName("name") == nil {
				if t := n.ChildByFieldName("type"); t != nil {
					add(RelationInherits, n, t.Content(src))
				}
			}
		case "type_elem", "constraint_elem", "interface_type_name":
			if lang == "go" && n.Parent() != nil && n.Parent().Type() == "interface_type" {
				if text := n.Content(src); !strings.ContainsAny(text, "|~") {
					add(RelationInherits, n, text)
				}
			}
		}

		for i := int(n.NamedChildCount()) - 1; i >= 0; i-- {
			stack = append(stack, n.NamedChild(i))
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Line < out[j].Line })
	return out
}

// normalizeTarget reduces "self.store.put", "(*T).M" or "a.b().c" to a
// stable dotted name: receiver keywords, pointers and type arguments are
// dropped, and anything still not a plain path keeps its last segment.
func normalizeTarget(s string) string {
	s = strings.TrimLeft(strings.TrimSpace(s), "*&")
	for _, p := range []string{"self.", "this.", "cls."} {
		s = strings.TrimPrefix(s, p)
	}
	if i := strings.IndexAny(s, "[<"); i > 0 {
		s = s[:i]
	}
	if strings.ContainsAny(s, "() \t\n") {
		s = strings.TrimRight(s, "() \t\n")
		if i := strings.LastIndexAny(s, ".()"); i >= 0 {
			s = s[i+1:]
		}
	}
	return strings.TrimSpace(s)
}

// targetName is the part of a target that symbol lookups compare against:
// the last dotted segment, or for an import path its last element.
func targetName(kind, target string) string {
	if kind == RelationImports && strings.Contains(target, "/") {
		base := filepath.Base(filepath.ToSlash(strings.TrimRight(target, "/")))
		if ext := filepath.Ext(base); ext != "" && base != ext {
			base = strings.TrimSuffix(base, ext)
		}
		return base
	}
	if i := strings.LastIndexByte(target, '.'); i >= 0 && i < len(target)-1 {
		return target[i+1:]
	}
	return target
}

// enclosingDef names the innermost definition spanning line.
func enclosingDef(defs []Entity, line int, path string) string {
	best := -1
	for i, d := range defs {
		if d.StartLine > line || d.EndLine < line {
			continue
		}
		if best < 0 || d.StartLine > defs[best].StartLine ||
			(d.StartLine == defs[best].StartLine && d.EndLine < defs[best].EndLine) {
			best = i
		}
	}
	if best < 0 {
		return path
	}
	return defs[best].Qualname
}

func insertRelations(ctx context.Context, tx *sql.Tx, rels []Relation) error {
	for _, r := range rels {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO relations (kind, path, line, source, target, target_name)
			VALUES (?, ?, ?, ?, ?, ?)`,
			r.Kind, r.Path, r.Line, r.Source, r.Target, targetName(r.Kind, r.Target))
		if err != nil {
			return fmt.Errorf("insert %s relation %s -> %s: %w", r.Kind, r.Source, r.Target, err)
		}
	}
	return nil
}

// Related answers callers, callees, inherits and importers lookups.
// Callers and subclasses match the last segment of symbol, since a call
// site rarely names the receiver type; callees match the caller's qualified
// name or its trailing segments.
func (s *EntityStore) Related(ctx context.Context, q RelationQuery) ([]Relation, error) {
	symbol := strings.ToLower(strings.TrimSpace(q.Symbol))
	if symbol == "" {
		return nil, nil
	}
	lookup, err := ParseGraphLookup(q.Lookup)
	if err != nil {
		return nil, err
	}

	query := `SELECT kind, path, line, source, target FROM relations WHERE `
	var args []any
	switch lookup {
	case GraphCallers:
		query += `kind = ? AND lower(target_name) = ?`
		args = append(args, RelationCalls, targetName(RelationCalls, symbol))
	case GraphInherits:
		query += `kind = ? AND lower(target_name) = ?`
		args = append(args, RelationInherits, targetName(RelationInherits, symbol))
	case GraphImporters:
		query += `kind = ? AND (lower(target) = ? OR lower(target_name) = ?)`
		args = append(args, RelationImports, symbol, symbol)
	case GraphCallees:
		query += `kind = ? AND (lower(source) = ? OR lower(source) LIKE ? ESCAPE '\')`
		args = append(args, RelationCalls, symbol, "%."+likeEscaper.Replace(symbol))
	}
	if clause, cargs := subtreeFilter("path", q.PathPrefix); clause != "" {
		query += clause
		args = append(args, cargs...)
	}
	query += ` ORDER BY path, line, id`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", lookup, err)
	}
	defer rows.Close()

	var out []Relation
	for rows.Next() {
		var r Relation
		if err := rows.Scan(&r.Kind, &r.Path, &r.Line, &r.Source, &r.Target); err != nil {
			return nil, fmt.Errorf("scan relation: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate relations: %w", err)
	}
	return out, nil
}

func (s *EntityStore) RelationCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM relations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count relations: %w", err)
	}
	return n, nil
}

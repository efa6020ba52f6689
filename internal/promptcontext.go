package internal

import (
	"context"
	"fmt"
	"strings"
)

// Per-section caps of the prompt context, in results and runes.
const (
	contextCodeHits      = 3
	contextMemoryHits    = 3
	contextEntityHits    = 5
	contextCodeRunes     = 1500
	contextMemoryRunes   = 500
	contextCharsPerToken = 4
)

type ContextRequest struct {
	Query      string
	MaxTokens  int
	PathPrefix string
}

// PromptContext is a markdown document of the code, memories and symbols
// relevant to a query, sized to paste into a prompt.
type PromptContext struct {
	Query         string   `json:"query"`
	Context       string   `json:"context"`
	CodeResults   int      `json:"code_results"`
	MemoryResults int      `json:"memory_results"`
	EntityResults int      `json:"entity_results"`
	TotalChars    int      `json:"total_chars"`
	Truncated     bool     `json:"truncated,omitempty"`
	Warnings      []string `json:"warnings,omitempty"`
}

// contextDoc appends blocks until the character budget is spent. A block
// that would overflow is dropped whole, so the budget is never exceeded.
type contextDoc struct {
	limit     int
	b         strings.Builder
	truncated bool
}

func (d *contextDoc) add(s string) bool {
	if d.b.Len()+len(s) > d.limit {
		d.truncated = true
		return false
	}
	d.b.WriteString(s)
	return true
}

// section writes header with the blocks that fit and returns how many did.
// The header is only written together with the first block.
func (d *contextDoc) section(header string, blocks []string) int {
	n := 0
	for _, blk := range blocks {
		if n == 0 {
			if d.b.Len() > 0 {
				blk = "\n" + header + blk
			} else {
				blk = header + blk
			}
		}
		if !d.add(blk) {
			break
		}
		n++
	}
	return n
}

// BuildContext searches code, memories and entities for the query and lays
// the best hits out as markdown within MaxTokens (about four characters a
// token).
func (a *SearchAggregator) BuildContext(ctx context.Context, in ContextRequest) (*PromptContext, error) {
	query := strings.TrimSpace(in.Query)
	out := &PromptContext{Query: query}
	if query == "" {
		return out, nil
	}
	maxTokens := in.MaxTokens
	if maxTokens <= 0 {
		maxTokens = a.cfg.Retrieval.ContextTokens
	}
	if maxTokens <= 0 {
		maxTokens = DefaultContextTokens
	}

	search := func(scope SearchScope, topK int, full bool) ([]SearchResult, error) {
		res, err := a.Search(ctx, SearchQuery{Query: query, In: scope, PathPrefix: in.PathPrefix, TopK: topK, Full: full})
		if err != nil {
			return nil, err
		}
		out.Warnings = append(out.Warnings, res.Warnings...)
		if len(res.Results) > topK {
			res.Results = res.Results[:topK]
		}
		return res.Results, nil
	}
	code, err := search(SearchCode, contextCodeHits, true)
	if err != nil {
		return nil, fmt.Errorf("search code: %w", err)
	}
	memories, err := search(SearchMemory, contextMemoryHits, false)
	if err != nil {
		return nil, fmt.Errorf("search memories: %w", err)
	}
	entities, err := search(SearchEntities, contextEntityHits, false)
	if err != nil {
		return nil, fmt.Errorf("search entities: %w", err)
	}

	doc := &contextDoc{limit: maxTokens * contextCharsPerToken}

	blocks := make([]string, 0, len(code))
	for _, r := range code {
		text := truncateRunes(strings.TrimSpace(r.Snippet), contextCodeRunes)
		blocks = append(blocks, fmt.Sprintf("### %s\n```\n%s\n```\n", r.Locator, text))
	}
	out.CodeResults = doc.section("## Relevant Code\n", blocks)

	blocks = blocks[:0]
	for _, r := range memories {
		text := truncateRunes(strings.Join(strings.Fields(r.Snippet), " "), contextMemoryRunes)
		label := r.Title
		if r.Tag != "" {
			label = "[" + r.Tag + "] " + label
		}
		blocks = append(blocks, fmt.Sprintf("- **%s** (%s): %s\n", label, r.Source, text))
	}
	out.MemoryResults = doc.section("## Relevant Memories\n", blocks)

	blocks = blocks[:0]
	for _, r := range entities {
		blocks = append(blocks, fmt.Sprintf("- `%s` at %s\n", r.Title, r.Locator))
	}
	out.EntityResults = doc.section("## Related Symbols\n", blocks)

	out.Context = doc.b.String()
	out.TotalChars = len(out.Context)
	out.Truncated = doc.truncated
	return out, nil
}

package store

import (
	"context"
	"strings"
)

// LexicalResult is one hit from SearchLexical: a document id and its FTS5
// bm25 rank (lower is better, matching SQLite FTS5's convention).
type LexicalResult struct {
	DocumentID int64
	Rank       float64
}

// EscapeFTSQuery escapes a free-text query into SQLite FTS5 query syntax
// (spec.md §4.6 step 3): FTS5 treats `" ( ) * : ^ -` and a few other
// characters as syntax, so a raw query containing them can produce a
// MATCH syntax error rather than a literal search. Quoting each token
// individually sidesteps the operator grammar entirely; each quoted term
// then matches as a literal token (or phrase), with no prefix expansion.
func EscapeFTSQuery(q string) string {
	fields := strings.Fields(q)
	if len(fields) == 0 {
		return ""
	}
	quoted := make([]string, len(fields))
	for i, f := range fields {
		quoted[i] = `"` + strings.ReplaceAll(f, `"`, `""`) + `"`
	}
	return strings.Join(quoted, " ")
}

// SearchLexical runs the native FTS5 lexical query described in spec.md
// §4.2/§4.6: a MATCH query over documents_fts ordered by rank, limited to
// limit candidates. A syntax error in the escaped query (which should be
// rare given EscapeFTSQuery, but FTS5's grammar still rejects a handful of
// edge cases) degrades to an empty result per spec.md §4.6 step 3 and §7's
// "lexical-query syntax errors degrade to an empty lexical list" policy,
// rather than failing the whole search.
func (s *IndexStore) SearchLexical(ctx context.Context, queryText string, limit int) []LexicalResult {
	escaped := EscapeFTSQuery(queryText)
	if escaped == "" || limit <= 0 {
		return nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT rowid, rank FROM documents_fts WHERE documents_fts MATCH ? ORDER BY rank LIMIT ?`,
		escaped, limit)
	if err != nil {
		// Degrade to empty rather than propagating a FTS5 MATCH syntax
		// error up through the search engine.
		return nil
	}
	defer rows.Close()

	var out []LexicalResult
	for rows.Next() {
		var r LexicalResult
		if err := rows.Scan(&r.DocumentID, &r.Rank); err != nil {
			return out
		}
		out = append(out, r)
	}
	return out
}

// altLexicalIndex, when non-nil, is kept in sync alongside the native FTS5
// mirror by UpsertSourceWithChunks/DeleteSource — an optional second
// lexical backend (e.g. bleve, for language-aware stemming on vault/
// project collections) behind the shared BM25Index interface, per
// SPEC_FULL.md's DOMAIN STACK entry for github.com/blevesearch/bleve/v2.
func (s *IndexStore) SetAltLexicalIndex(idx BM25Index) {
	s.altLexical = idx
}

func (s *IndexStore) AltLexicalIndex() BM25Index { return s.altLexical }

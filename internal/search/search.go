// Package search implements the hybrid search engine (spec.md §4.6): a
// query planner that executes dense-vector and lexical searches,
// oversamples, applies in-memory predicates, fuses results via reciprocal
// rank fusion, batch-loads metadata, and flags results whose source files
// have changed since indexing.
//
// Grounded on original_source/src/ragling/search.py for the algorithm
// (oversampling factors, rrf_merge formula, filter semantics, staleness
// check) and on the teacher's search-engine-as-an-interface structuring
// idiom (a single Engine type over the shared *store.IndexStore handle).
package search

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aihaysteve/ragrun/internal/store"
)

// Oversampling factors from spec.md §4.6 step 2/3: when filters are
// active, candidates must be oversampled generously because most of them
// may be filtered out; without filters a small oversample smooths ties.
const (
	OversampleWithFilters    = 50
	OversampleWithoutFilters = 3
)

// Filters holds the in-memory predicates applied to candidates after the
// dense/lexical queries return (spec.md §4.6 step 4).
type Filters struct {
	CollectionName string
	CollectionType string
	SourceType     string
	Sender         string // substring, case-insensitive, metadata "sender"
	Author         string // substring over metadata "authors" list
	DateFrom       string // string compare against metadata "date"
	DateTo         string
}

// Active reports whether any predicate is set, which determines the
// oversampling factor (spec.md §4.6 step 2).
func (f Filters) Active() bool {
	return f.CollectionName != "" || f.CollectionType != "" || f.SourceType != "" ||
		f.Sender != "" || f.Author != "" || f.DateFrom != "" || f.DateTo != ""
}

// Weights are the RRF fusion weights (spec.md §4.6 step 5).
type Weights struct {
	Dense   float64
	Lexical float64
	RRFK    int
}

// DefaultWeights matches spec.md's defaults: w_dense=0.7, w_lexical=0.3,
// k_rrf=60.
func DefaultWeights() Weights {
	return Weights{Dense: 0.7, Lexical: 0.3, RRFK: 60}
}

// Options parameterizes one Search call.
type Options struct {
	QueryText          string
	QueryEmbedding     []float32
	TopK               int
	Filters            Filters
	VisibleCollections []string // nil means "no restriction"; non-nil-empty means "nothing visible"
	Weights            Weights
}

// Result is one ranked chunk, the tool server's `rag_search` response unit
// (spec.md §6).
type Result struct {
	Content    string
	Title      string
	Metadata   map[string]any
	Score      float64
	Collection string
	SourcePath string
	SourceType string
	Stale      bool
}

// Engine answers hybrid search queries against one IndexStore.
type Engine struct {
	store *store.IndexStore
}

// New builds an Engine over s.
func New(s *store.IndexStore) *Engine {
	return &Engine{store: s}
}

type candidate struct {
	docID        int64
	collectionID int64
	sourceID     int64
	title        string
	content      string
	metadata     map[string]any
	collection   string
	collectionType string
	sourceType   string
	sourcePath   string
	fileModAt    *time.Time
}

// Search runs the query plan described in spec.md §4.6.
func (e *Engine) Search(ctx context.Context, opts Options) ([]Result, error) {
	if opts.TopK <= 0 {
		return []Result{}, nil
	}
	if opts.Weights == (Weights{}) {
		opts.Weights = DefaultWeights()
	}

	var visibleIDs map[int64]bool
	if opts.VisibleCollections != nil {
		if len(opts.VisibleCollections) == 0 {
			return []Result{}, nil
		}
		visibleIDs = make(map[int64]bool, len(opts.VisibleCollections))
		for _, name := range opts.VisibleCollections {
			c, ok, err := e.store.GetCollectionByName(ctx, name)
			if err != nil {
				return nil, err
			}
			if ok {
				visibleIDs[c.ID] = true
			}
		}
		if len(visibleIDs) == 0 {
			return []Result{}, nil
		}
	}

	oversample := OversampleWithoutFilters
	if opts.Filters.Active() || visibleIDs != nil {
		oversample = OversampleWithFilters
	}
	candidateLimit := opts.TopK * oversample

	var denseIDs []int64
	if len(opts.QueryEmbedding) > 0 {
		hits, err := e.store.Vector().Search(ctx, opts.QueryEmbedding, candidateLimit)
		if err != nil {
			return nil, err
		}
		// VectorResult.ID is a stringified document id; VectorStore.Search
		// already orders by ascending distance (closest first).
		for _, h := range hits {
			id, err := strconv.ParseInt(h.ID, 10, 64)
			if err != nil {
				continue
			}
			denseIDs = append(denseIDs, id)
		}
	}

	var lexicalIDs []int64
	if strings.TrimSpace(opts.QueryText) != "" {
		hits := e.store.SearchLexical(ctx, opts.QueryText, candidateLimit)
		for _, h := range hits {
			lexicalIDs = append(lexicalIDs, h.DocumentID)
		}
	}

	allIDs := dedupe(append(append([]int64{}, denseIDs...), lexicalIDs...))
	candidates, err := e.loadCandidates(ctx, allIDs)
	if err != nil {
		return nil, err
	}

	denseFiltered := filterAndTrim(denseIDs, candidates, opts.Filters, visibleIDs, opts.TopK)
	lexicalFiltered := filterAndTrim(lexicalIDs, candidates, opts.Filters, visibleIDs, opts.TopK)

	fused := rrfMerge(denseFiltered, lexicalFiltered, opts.Weights)
	if len(fused) > opts.TopK {
		fused = fused[:opts.TopK]
	}

	results := make([]Result, 0, len(fused))
	for _, f := range fused {
		c, ok := candidates[f.docID]
		if !ok {
			continue
		}
		results = append(results, Result{
			Content:    c.content,
			Title:      c.title,
			Metadata:   c.metadata,
			Score:      f.score,
			Collection: c.collection,
			SourcePath: c.sourcePath,
			SourceType: c.sourceType,
			Stale:      isStale(c.sourcePath, c.fileModAt),
		})
	}
	return results, nil
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// loadCandidates implements spec.md §4.6 step 4's "batch-load metadata by
// document id in one multi-row select joining documents, sources, and
// collections."
func (e *Engine) loadCandidates(ctx context.Context, ids []int64) (map[int64]candidate, error) {
	out := make(map[int64]candidate, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}

	q := fmt.Sprintf(`SELECT d.id, d.collection_id, d.source_id, d.title, d.content, d.metadata,
		c.name, c.collection_type, s.source_type, s.source_path, s.file_modified_at
		FROM documents d
		JOIN sources s ON s.id = d.source_id
		JOIN collections c ON c.id = d.collection_id
		WHERE d.id IN (%s)`, strings.Join(placeholders, ","))

	rows, err := e.store.DB().QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var c candidate
		var metaRaw string
		var fileModAt *string
		if err := rows.Scan(&c.docID, &c.collectionID, &c.sourceID, &c.title, &c.content, &metaRaw,
			&c.collection, &c.collectionType, &c.sourceType, &c.sourcePath, &fileModAt); err != nil {
			return nil, err
		}
		c.metadata = store.DecodeMetadata(metaRaw)
		if fileModAt != nil {
			if t, err := time.Parse(time.RFC3339Nano, *fileModAt); err == nil {
				c.fileModAt = &t
			}
		}
		out[c.docID] = c
	}
	return out, rows.Err()
}

// filterAndTrim applies spec.md §4.6 step 4's in-memory predicates to one
// ranked id list (preserving its rank order) and trims to topK.
func filterAndTrim(ids []int64, candidates map[int64]candidate, f Filters, visible map[int64]bool, topK int) []int64 {
	var out []int64
	for _, id := range ids {
		c, ok := candidates[id]
		if !ok {
			continue
		}
		if visible != nil && !visible[c.collectionID] {
			continue
		}
		if f.CollectionName != "" && !strings.EqualFold(c.collection, f.CollectionName) {
			continue
		}
		if f.CollectionType != "" && !strings.EqualFold(c.collectionType, f.CollectionType) {
			continue
		}
		if f.SourceType != "" && !strings.EqualFold(c.sourceType, f.SourceType) {
			continue
		}
		if f.Sender != "" && !containsFold(metaString(c.metadata, "sender"), f.Sender) {
			continue
		}
		if f.Author != "" && !authorsMatch(c.metadata, f.Author) {
			continue
		}
		if f.DateFrom != "" || f.DateTo != "" {
			d := metaString(c.metadata, "date")
			if f.DateFrom != "" && d < f.DateFrom {
				continue
			}
			if f.DateTo != "" && d > f.DateTo {
				continue
			}
		}
		out = append(out, id)
		if len(out) >= topK {
			break
		}
	}
	return out
}

func metaString(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

func authorsMatch(m map[string]any, needle string) bool {
	v, ok := m["authors"]
	if !ok {
		return false
	}
	switch list := v.(type) {
	case []any:
		for _, a := range list {
			if s, ok := a.(string); ok && containsFold(s, needle) {
				return true
			}
		}
	case string:
		return containsFold(list, needle)
	}
	return false
}

type fusedResult struct {
	docID int64
	score float64
}

// rrfMerge implements spec.md §4.6 step 5/§8's reciprocal rank fusion: a
// doc at 0-based rank r in a list weighted w contributes w/(k+r+1); a doc
// absent from a list contributes 0 for it.
func rrfMerge(dense, lexical []int64, w Weights) []fusedResult {
	scores := make(map[int64]float64)
	order := make([]int64, 0)
	add := func(id int64, s float64) {
		if _, ok := scores[id]; !ok {
			order = append(order, id)
		}
		scores[id] += s
	}
	for r, id := range dense {
		add(id, w.Dense/float64(w.RRFK+r+1))
	}
	for r, id := range lexical {
		add(id, w.Lexical/float64(w.RRFK+r+1))
	}

	out := make([]fusedResult, 0, len(order))
	for _, id := range order {
		out = append(out, fusedResult{docID: id, score: scores[id]})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].score > out[j].score })
	return out
}

// isStale implements spec.md §4.6 step 7: only absolute filesystem paths
// are checked; unknown/virtual source paths (git://, calibre://, message
// ids) are never flagged stale.
func isStale(sourcePath string, fileModifiedAt *time.Time) bool {
	if !strings.HasPrefix(sourcePath, "/") {
		return false
	}
	info, err := os.Stat(sourcePath)
	if err != nil {
		return true
	}
	if fileModifiedAt == nil {
		return false
	}
	return fileModifiedAt.Before(info.ModTime())
}

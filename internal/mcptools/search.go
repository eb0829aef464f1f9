package mcptools

import (
	"context"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/aihaysteve/ragrun/internal/search"
)

// ragSearchDescription mirrors original_source/src/ragling/mcp_server.py's
// rag_search docstring: which collections exist, their metadata, filter
// semantics, and the source_uri scheme per source type — an AI client
// reads this description instead of separate documentation.
const ragSearchDescription = `Search personal knowledge using hybrid vector + full-text search with Reciprocal Rank Fusion.

Searches across all indexed collections by default. Combines semantic similarity with keyword matching.

Collections: obsidian (system, markdown/pdf/docx/epub/html/txt, tags/heading_path), email (system,
sender/recipients/date/folder), calibre (system, authors/tags/series/publisher), rss (system,
feed_name/url/date), code groups (code, language/symbol_name/commit_sha for history), project folders
(project, arbitrary document types).

The collection parameter accepts a collection name or a collection type (system, project, code); "code"
searches every code group at once.

source_uri: obsidian files get an obsidian://open URI, code files get a vscode://file URI with a line
suffix, other file-backed sources get a file:// URI, RSS articles return their original https:// URL,
email and commit entries and calibre description-only entries return null.`

// SearchInput is the rag_search tool's input schema.
type SearchInput struct {
	Query      string `json:"query" jsonschema:"the search query text, natural language or keywords"`
	Collection string `json:"collection,omitempty" jsonschema:"collection name or type (system, project, code); omit to search everything"`
	TopK       int    `json:"top_k,omitempty" jsonschema:"number of results to return, default 10"`
	SourceType string `json:"source_type,omitempty" jsonschema:"filter by source type: markdown, pdf, docx, epub, html, plaintext, email, code, commit, rss"`
	DateFrom   string `json:"date_from,omitempty" jsonschema:"only results on or after this date, YYYY-MM-DD"`
	DateTo     string `json:"date_to,omitempty" jsonschema:"only results on or before this date, YYYY-MM-DD"`
	Sender     string `json:"sender,omitempty" jsonschema:"filter by email sender, case-insensitive substring"`
	Author     string `json:"author,omitempty" jsonschema:"filter by book author, case-insensitive substring"`
}

// SearchResultOutput is one ranked hit in the rag_search response.
type SearchResultOutput struct {
	Title      string         `json:"title"`
	Content    string         `json:"content"`
	Collection string         `json:"collection"`
	SourceType string         `json:"source_type"`
	SourcePath string         `json:"source_path"`
	SourceURI  *string        `json:"source_uri,omitempty"`
	Score      float64        `json:"score"`
	Metadata   map[string]any `json:"metadata"`
	Stale      bool           `json:"stale"`
}

// IndexingStatusOutput mirrors spec.md §6's search-response indexing
// block: present only while jobs are in flight.
type IndexingStatusOutput struct {
	Active         bool           `json:"active"`
	TotalRemaining int            `json:"total_remaining"`
	Collections    map[string]int `json:"collections"`
}

// SearchOutput is the rag_search tool's output schema.
type SearchOutput struct {
	Results   []SearchResultOutput  `json:"results"`
	Indexing  *IndexingStatusOutput `json:"indexing,omitempty"`
}

func (s *Server) handleSearch(ctx context.Context, _ *mcp.CallToolRequest, in SearchInput) (*mcp.CallToolResult, SearchOutput, error) {
	reqID := generateRequestID()
	logger := s.logger.With("request_id", reqID, "tool", "rag_search")

	if strings.TrimSpace(in.Query) == "" {
		return nil, SearchOutput{}, invalidParams("query parameter is required")
	}
	topK := in.TopK
	if topK <= 0 {
		topK = 10
	}

	collName, collType := splitCollectionFilter(in.Collection)

	var queryEmbedding []float32
	if s.embed != nil {
		vecs, err := s.embed.Embed(ctx, []string{in.Query})
		if err != nil {
			logger.Warn("embedding failed, falling back to lexical-only search", "error", err)
		} else if len(vecs) > 0 {
			queryEmbedding = vecs[0]
		}
	}

	opts := search.Options{
		QueryText:      in.Query,
		QueryEmbedding: queryEmbedding,
		TopK:           topK,
		Weights:        search.DefaultWeights(),
		Filters: search.Filters{
			CollectionName: collName,
			CollectionType: collType,
			SourceType:     in.SourceType,
			Sender:         in.Sender,
			Author:         in.Author,
			DateFrom:       in.DateFrom,
			DateTo:         in.DateTo,
		},
	}

	logger.Info("search", "query", in.Query, "top_k", topK)
	results, err := s.engine.Search(ctx, opts)
	if err != nil {
		return nil, SearchOutput{}, err
	}

	out := SearchOutput{Results: make([]SearchResultOutput, 0, len(results))}
	vaults := s.config.ObsidianVaults
	for _, r := range results {
		out.Results = append(out.Results, SearchResultOutput{
			Title:      r.Title,
			Content:    r.Content,
			Collection: r.Collection,
			SourceType: r.SourceType,
			SourcePath: r.SourcePath,
			SourceURI:  buildSourceURI(r.SourcePath, r.SourceType, r.Metadata, r.Collection, vaults),
			Score:      r.Score,
			Metadata:   r.Metadata,
			Stale:      r.Stale,
		})
	}

	if s.queue != nil {
		snap := s.queue.Status().Snapshot()
		if snap.Total > 0 {
			out.Indexing = &IndexingStatusOutput{Active: true, TotalRemaining: snap.Total, Collections: snap.PerCollection}
		}
	}

	return nil, out, nil
}

// splitCollectionFilter maps rag_search's single "collection" parameter
// onto search.Filters's separate name/type predicates: a value matching
// a known collection type ("system", "project", "code") filters by type,
// anything else is treated as a literal collection name.
func splitCollectionFilter(v string) (name, ctype string) {
	switch v {
	case "", "system", "project", "code":
		return "", v
	default:
		return v, ""
	}
}

// buildSourceURI ported from original_source/src/ragling/mcp_server.py's
// _build_source_uri.
func buildSourceURI(sourcePath, sourceType string, metadata map[string]any, collection string, obsidianVaults []string) *string {
	if sourceType == "rss" {
		if u, ok := metadata["url"].(string); ok && u != "" {
			return &u
		}
		return nil
	}
	if sourceType == "email" || sourceType == "commit" {
		return nil
	}
	if strings.HasPrefix(sourcePath, "calibre://") || strings.HasPrefix(sourcePath, "git://") {
		return nil
	}

	if collection == "obsidian" && len(obsidianVaults) > 0 {
		if u := buildObsidianURI(sourcePath, obsidianVaults); u != nil {
			return u
		}
	}

	if sourceType == "code" {
		u := "vscode://file" + encodePathKeepSlashes(sourcePath) + ":" + startLineString(metadata)
		return &u
	}

	u := "file://" + encodePathKeepSlashes(sourcePath)
	return &u
}

// buildObsidianURI ported from _build_obsidian_uri: matches sourcePath
// against each configured vault root and, on a match, returns an
// obsidian://open URI naming the vault and the file's vault-relative
// path.
func buildObsidianURI(sourcePath string, vaultPaths []string) *string {
	for _, vp := range vaultPaths {
		abs, err := filepath.Abs(vp)
		if err != nil {
			continue
		}
		if real, err := filepath.EvalSymlinks(abs); err == nil {
			abs = real
		}
		prefix := abs + string(filepath.Separator)
		if !strings.HasPrefix(sourcePath, prefix) {
			continue
		}
		vaultName := filepath.Base(abs)
		rel := sourcePath[len(prefix):]
		u := "obsidian://open?vault=" + url.QueryEscape(vaultName) + "&file=" + encodePathKeepSlashes(rel)
		return &u
	}
	return nil
}

func encodePathKeepSlashes(p string) string {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}

// startLineString reads metadata["start_line"], which json decoding
// always surfaces as float64, defaulting to "1" like the Python
// original's metadata.get("start_line", 1).
func startLineString(metadata map[string]any) string {
	v, ok := metadata["start_line"]
	if !ok {
		return "1"
	}
	switch n := v.(type) {
	case float64:
		return strconv.FormatInt(int64(n), 10)
	case string:
		if n == "" {
			return "1"
		}
		return n
	default:
		return "1"
	}
}

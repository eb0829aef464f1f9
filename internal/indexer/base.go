// Package indexer implements the source-specific indexers (spec.md §4.4):
// filesystem/project documents, git repositories, Obsidian vaults,
// calibre libraries, mail stores, and RSS feeds. Every indexer implements
// queue.Indexer and shares the upsert/prune persistence path exposed by
// internal/store.IndexStore.
//
// Grounded on original_source/src/ragling/indexers/base.go's
// upsert_source_with_chunks/delete_source/prune_stale_sources contract
// (already implemented natively on internal/store.IndexStore) and the
// teacher's internal/indexer package for the Go file-walking/chunking
// idiom (a small Deps struct threading the store, chunker, and embed
// client into each concrete indexer).
package indexer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/aihaysteve/ragrun/internal/chunk"
	"github.com/aihaysteve/ragrun/internal/config"
	"github.com/aihaysteve/ragrun/internal/doccache"
	"github.com/aihaysteve/ragrun/internal/embed"
	"github.com/aihaysteve/ragrun/internal/store"
)

// Deps bundles the collaborators every concrete indexer needs: the
// per-user index store it writes into, the conversion cache for
// Docling-family formats, the embedding client, and the resolved config.
type Deps struct {
	Store    *store.IndexStore
	Cache    *doccache.Cache
	Embedder embed.Client
	Config   *config.Config
}

// docExtensions maps a file extension (lowercased, with leading dot) to
// the source_type tag stored on the source row, matching
// original_source/src/ragling/indexers/project.py's _EXTENSION_MAP. The
// docling-family tags route through the conversion cache; "markdown",
// "epub", and "plaintext" route through light in-process parsers.
var docExtensions = map[string]string{
	".pdf":   "pdf",
	".docx":  "docx",
	".pptx":  "pptx",
	".xlsx":  "xlsx",
	".html":  "html",
	".htm":   "html",
	".epub":  "epub",
	".txt":   "plaintext",
	".tex":   "latex",
	".latex": "latex",
	".csv":   "csv",
	".adoc":  "asciidoc",
	".md":    "markdown",
	".json":  "plaintext",
	".yaml":  "plaintext",
	".yml":   "plaintext",
}

// doclingFormats are the source types that require the external
// conversion cache rather than an in-process parser.
var doclingFormats = map[string]bool{
	"pdf": true, "docx": true, "pptx": true, "xlsx": true,
	"html": true, "latex": true, "csv": true, "asciidoc": true,
}

// IsSupportedExtension reports whether ext (including the leading dot,
// any case) is indexable as a document.
func IsSupportedExtension(ext string) bool {
	_, ok := docExtensions[strings.ToLower(ext)]
	return ok
}

// SourceTypeForExtension returns the source_type tag for ext, defaulting
// to "plaintext" for unknown extensions (project.py's `.get(ext,
// "plaintext")` fallback inside _index_file).
func SourceTypeForExtension(ext string) string {
	if t, ok := docExtensions[strings.ToLower(ext)]; ok {
		return t
	}
	return "plaintext"
}

// isHidden reports whether any path component starts with a dot.
func isHidden(path string) bool {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if strings.HasPrefix(part, ".") && part != "." {
			return true
		}
	}
	return false
}

// fileHash computes the SHA-256 hash of a file's contents, streaming so
// large files don't need to be buffered whole.
func fileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// chunkInputsFromChunks converts internal/chunk.Chunk values (map[string]
// string metadata) into store.ChunkInput (map[string]any metadata), and
// texts for embedding, preserving order.
func chunkInputsFromChunks(chunks []*chunk.Chunk) ([]store.ChunkInput, []string) {
	inputs := make([]store.ChunkInput, len(chunks))
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		meta := make(map[string]any, len(c.Metadata))
		for k, v := range c.Metadata {
			meta[k] = v
		}
		title := c.FilePath
		inputs[i] = store.ChunkInput{
			ChunkIndex: i,
			Title:      title,
			Content:    c.Content,
			Metadata:   meta,
		}
		texts[i] = c.Content
	}
	return inputs, texts
}

// embedAll runs texts through the embedder's batching contract
// (spec.md §4.3): internal/embed.HTTPClient (optionally wrapped by the
// caching embed.CachedClient) already implements the
// sub-batch-then-per-item-fallback policy, so this is a thin pass-through
// kept here so every indexer calls embeddings the same way.
func embedAll(ctx context.Context, embedder embed.Client, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	return embedder.Embed(ctx, texts)
}

// defaultCollectionType classifies a leftover/flat file as belonging to
// a "project" collection; vault and code collections are
// always created explicitly by their own indexers.
const defaultCollectionType = store.CollectionProject

// nowUTC returns the current time in UTC; the value is not truncated,
// so it keeps sub-second precision.
func nowUTC() time.Time { return time.Now().UTC() }

// ExternalConverter is the injection point for the external Docling-
// family document converter (spec.md §4.1); this module never implements
// document conversion itself, only the cache and chunk/embed/upsert
// pipeline around it. Indexers call through this package-level hook so
// cmd/ragrun can install a real converter at startup; the zero-value stub
// fails loudly rather than silently treating binary bytes as text.
var ExternalConverter doccache.Converter = func(path string) (doccache.StructuredDocument, error) {
	return doccache.StructuredDocument{}, &unconfiguredConverterError{path: path}
}

type unconfiguredConverterError struct{ path string }

func (e *unconfiguredConverterError) Error() string {
	return "indexer: no external document converter configured for " + e.path
}

// wordWindowChunks splits text into overlapping word windows of roughly
// maxTokens each (spec.md §4.3: "for format families without structural
// parsing ... chunks are word-window-based with a configured overlap").
// Token counts are approximated at four characters per token (the same
// ratio as chunk.TokensPerChar) and chunkWordCharsEstimate characters
// per word.
func wordWindowChunks(path, title, text string, maxTokens, overlapTokens int) []*chunk.Chunk {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	maxWords := maxTokens * 4 / chunkWordCharsEstimate
	if maxWords < 20 {
		maxWords = 20
	}
	overlapWords := overlapTokens * 4 / chunkWordCharsEstimate
	if overlapWords >= maxWords {
		overlapWords = maxWords / 4
	}
	step := maxWords - overlapWords
	if step <= 0 {
		step = maxWords
	}

	now := nowUTC()
	var chunks []*chunk.Chunk
	idx := 0
	for start := 0; start < len(words); start += step {
		end := start + maxWords
		if end > len(words) {
			end = len(words)
		}
		chunks = append(chunks, &chunk.Chunk{
			ID:          generateWindowChunkID(path, idx),
			FilePath:    path,
			Content:     strings.Join(words[start:end], " "),
			ContentType: chunk.ContentTypeText,
			Metadata:    map[string]string{"title": title},
			CreatedAt:   now,
			UpdatedAt:   now,
		})
		idx++
		if end == len(words) {
			break
		}
	}
	return chunks
}

// chunkWordCharsEstimate approximates average characters per word
// (including the trailing space) used to convert a token budget into a
// word-count budget for the word-window splitter.
const chunkWordCharsEstimate = 5

func generateWindowChunkID(path string, idx int) string {
	h := sha256.Sum256([]byte(path + ":" + strconv.Itoa(idx)))
	return hex.EncodeToString(h[:])[:16]
}

// plaintextChunks builds word-window chunks for a plaintext/markdown/
// epub-extracted source read from path with the given raw bytes.
func plaintextChunks(path string, raw []byte, maxTokens, overlapTokens int) ([]*chunk.Chunk, error) {
	return wordWindowChunks(path, filepath.Base(path), string(raw), maxTokens, overlapTokens), nil
}

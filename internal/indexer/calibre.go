package indexer

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/aihaysteve/ragrun/internal/chunk"
	"github.com/aihaysteve/ragrun/internal/queue"
	"github.com/aihaysteve/ragrun/internal/store"
)

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func encodeMetadataAny(meta map[string]any) string {
	raw, err := json.Marshal(meta)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

// calibrePreferredFormats mirrors
// original_source/src/ragling/indexers/calibre_indexer.py's
// PREFERRED_FORMATS: the book file format chosen when more than one is
// present in the library.
var calibrePreferredFormats = []string{"EPUB", "PDF"}

// CalibreIndexer indexes ebooks from Calibre libraries by reading the
// library's own metadata.db directly (the standard Calibre SQLite
// schema, not anything specific to this module) via the same
// modernc.org/sqlite driver the index store uses — grounded on
// original_source/src/ragling/indexers/calibre_indexer.py for the
// metadata-refresh-without-reembedding behavior and chunk/embed/upsert
// flow.
type CalibreIndexer struct {
	Deps   *Deps
	Logger *slog.Logger

	proj *ProjectIndexer
}

// NewCalibreIndexer builds a CalibreIndexer over deps.
func NewCalibreIndexer(deps *Deps, logger *slog.Logger) *CalibreIndexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &CalibreIndexer{Deps: deps, Logger: logger, proj: NewProjectIndexer(deps, logger)}
}

type calibreBook struct {
	ID          int64
	Title       string
	Authors     []string
	Tags        []string
	Series      string
	Publisher   string
	Pubdate     string
	Description string
	RelPath     string            // book's directory, relative to the library root
	Formats     map[string]string // uppercase format -> filename (no extension)
}

// Index implements queue.Indexer for IndexerCalibre jobs.
func (c *CalibreIndexer) Index(ctx context.Context, job queue.IndexJob) (queue.Result, error) {
	libraries := c.Deps.Config.CalibreLibraries
	if job.Path != "" {
		libraries = []string{job.Path}
	}

	collectionID, err := c.Deps.Store.GetOrCreateCollection(ctx, "calibre", store.CollectionSystem)
	if err != nil {
		return queue.Result{}, err
	}

	var res queue.Result
	for _, lib := range libraries {
		libRes, err := c.indexLibrary(ctx, lib, collectionID, job.Force)
		if err != nil {
			res.Errors++
			res.ErrorMessages = append(res.ErrorMessages, fmt.Sprintf("%s: %v", lib, err))
			continue
		}
		res = mergeResults(res, libRes)
	}

	pruned, err := c.Deps.Store.PruneStaleSources(ctx, collectionID)
	if err == nil {
		res.Pruned = pruned
	}
	return res, nil
}

func (c *CalibreIndexer) indexLibrary(ctx context.Context, libraryPath string, collectionID int64, force bool) (queue.Result, error) {
	info, err := os.Stat(libraryPath)
	if err != nil || !info.IsDir() {
		return queue.Result{}, fmt.Errorf("calibre library path does not exist: %s", libraryPath)
	}

	metaPath := filepath.Join(libraryPath, "metadata.db")
	db, err := sql.Open("sqlite", metaPath+"?mode=ro&_busy_timeout=5000")
	if err != nil {
		return queue.Result{}, err
	}
	defer db.Close()

	books, err := queryCalibreBooks(ctx, db)
	if err != nil {
		return queue.Result{}, err
	}

	res := queue.Result{TotalFound: len(books)}
	for _, b := range books {
		outcome, err := c.indexBook(ctx, libraryPath, collectionID, b, force)
		if err != nil {
			res.Errors++
			res.ErrorMessages = append(res.ErrorMessages, fmt.Sprintf("%s: %v", b.Title, err))
			continue
		}
		switch outcome {
		case "indexed":
			res.Indexed++
		default:
			res.Skipped++
		}
	}
	return res, nil
}

func queryCalibreBooks(ctx context.Context, db *sql.DB) ([]calibreBook, error) {
	rows, err := db.QueryContext(ctx, `
SELECT b.id, b.title, b.path,
  (SELECT group_concat(a.name, '||') FROM books_authors_link bal JOIN authors a ON a.id = bal.author WHERE bal.book = b.id) AS authors,
  (SELECT group_concat(t.name, '||') FROM books_tags_link btl JOIN tags t ON t.id = btl.tag WHERE btl.book = b.id) AS tags,
  (SELECT s.name FROM books_series_link bsl JOIN series s ON s.id = bsl.series WHERE bsl.book = b.id LIMIT 1) AS series,
  (SELECT p.name FROM books_publishers_link bpl JOIN publishers p ON p.id = bpl.publisher WHERE bpl.book = b.id LIMIT 1) AS publisher,
  b.pubdate,
  (SELECT text FROM comments WHERE book = b.id) AS description,
  (SELECT group_concat(format || ':' || name, '||') FROM data WHERE book = b.id) AS formats
FROM books b`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var books []calibreBook
	for rows.Next() {
		var (
			id                                                    int64
			title, relPath                                        string
			authors, tags, series, publisher, pubdate, desc, fmts sql.NullString
		)
		if err := rows.Scan(&id, &title, &relPath, &authors, &tags, &series, &publisher, &pubdate, &desc, &fmts); err != nil {
			return nil, err
		}
		b := calibreBook{
			ID:          id,
			Title:       title,
			RelPath:     relPath,
			Series:      series.String,
			Publisher:   publisher.String,
			Pubdate:     pubdate.String,
			Description: desc.String,
			Formats:     map[string]string{},
		}
		if authors.Valid && authors.String != "" {
			b.Authors = strings.Split(authors.String, "||")
		}
		if tags.Valid && tags.String != "" {
			b.Tags = strings.Split(tags.String, "||")
		}
		if fmts.Valid {
			for _, pair := range strings.Split(fmts.String, "||") {
				kv := strings.SplitN(pair, ":", 2)
				if len(kv) == 2 {
					b.Formats[strings.ToUpper(kv[0])] = kv[1]
				}
			}
		}
		books = append(books, b)
	}
	return books, rows.Err()
}

func calibreBookFile(libraryPath string, b calibreBook) (path, format string, ok bool) {
	for _, pref := range calibrePreferredFormats {
		if name, has := b.Formats[pref]; has {
			return filepath.Join(libraryPath, b.RelPath, name+"."+strings.ToLower(pref)), strings.ToLower(pref), true
		}
	}
	return "", "", false
}

func calibreBookMetadata(b calibreBook, libraryPath, format string) map[string]any {
	meta := map[string]any{"calibre_id": b.ID, "library": libraryPath}
	if len(b.Authors) > 0 {
		meta["authors"] = b.Authors
	}
	if len(b.Tags) > 0 {
		meta["tags"] = b.Tags
	}
	if b.Series != "" {
		meta["series"] = b.Series
	}
	if b.Publisher != "" {
		meta["publisher"] = b.Publisher
	}
	if b.Pubdate != "" {
		meta["pubdate"] = b.Pubdate
	}
	if format != "" {
		meta["format"] = format
	}
	return meta
}

// indexBook indexes a single book: content chunks from its preferred
// format file (routed through the shared parseAndChunk dispatch, so PDFs
// go through the external conversion cache the same way project.go's
// docling-family sources do), plus a description chunk when present.
// When the file content is unchanged but metadata (authors/tags/series/publisher)
// changed, documents are refreshed in place without re-embedding —
// matching calibre_indexer.py's _metadata_changed/_refresh_metadata.
func (c *CalibreIndexer) indexBook(ctx context.Context, libraryPath string, collectionID int64, b calibreBook, force bool) (string, error) {
	filePath, format, hasFile := calibreBookFile(libraryPath, b)

	var sourcePath, contentHash string
	if hasFile {
		sourcePath = filePath
		h, err := fileHash(filePath)
		if err != nil {
			return "skipped", err
		}
		contentHash = h
	} else {
		if b.Description == "" {
			return "skipped", nil
		}
		sourcePath = fmt.Sprintf("calibre://%s/%s", libraryPath, b.RelPath)
		contentHash = sha256Hex(b.Description)
	}

	if !force {
		var existingHash sql.NullString
		row := c.Deps.Store.DB().QueryRowContext(ctx,
			`SELECT file_hash FROM sources WHERE collection_id = ? AND source_path = ?`, collectionID, sourcePath)
		if err := row.Scan(&existingHash); err == nil && existingHash.Valid && existingHash.String == contentHash {
			if c.metadataChanged(ctx, collectionID, sourcePath, b) {
				c.refreshMetadata(ctx, collectionID, sourcePath, b, libraryPath, format)
				return "indexed", nil
			}
			return "skipped", nil
		}
	}

	bookMeta := calibreBookMetadata(b, libraryPath, format)
	var chunks []*chunk.Chunk
	if hasFile {
		fileChunks, err := c.proj.parseAndChunk(ctx, filePath, format)
		if err != nil {
			c.Logger.Warn("calibre: failed to extract book content", "title", b.Title, "error", err)
		} else {
			chunks = append(chunks, fileChunks...)
		}
	}
	if b.Description != "" {
		descChunks := wordWindowChunks(sourcePath+"#description", b.Title+" (description)", b.Description,
			c.Deps.Config.ChunkSizeTokens, c.Deps.Config.ChunkOverlapTokens)
		chunks = append(chunks, descChunks...)
	}
	if len(chunks) == 0 {
		return "skipped", nil
	}

	inputs, texts := chunkInputsForCalibre(chunks, bookMeta)
	vectors, err := embedAll(ctx, c.Deps.Embedder, texts)
	if err != nil {
		return "skipped", err
	}

	var hashPtr *string
	if hasFile {
		hashPtr = &contentHash
	}
	if _, err := c.Deps.Store.UpsertSourceWithChunks(ctx, collectionID, sourcePath, format, inputs, vectors, hashPtr, nil); err != nil {
		return "skipped", err
	}
	return "indexed", nil
}

func chunkInputsForCalibre(chunks []*chunk.Chunk, bookMeta map[string]any) ([]store.ChunkInput, []string) {
	inputs := make([]store.ChunkInput, len(chunks))
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		meta := make(map[string]any, len(bookMeta)+1)
		for k, v := range bookMeta {
			meta[k] = v
		}
		inputs[i] = store.ChunkInput{ChunkIndex: i, Title: c.FilePath, Content: c.Content, Metadata: meta}
		texts[i] = c.Content
	}
	return inputs, texts
}

// metadataChanged compares a sample document's stored metadata against
// the library's current metadata for the book (tags/series/publisher are
// the fields Calibre users edit most often without touching the file
// itself), matching calibre_indexer.py's _metadata_changed.
func (c *CalibreIndexer) metadataChanged(ctx context.Context, collectionID int64, sourcePath string, b calibreBook) bool {
	var meta sql.NullString
	row := c.Deps.Store.DB().QueryRowContext(ctx, `
SELECT d.metadata FROM documents d
JOIN sources s ON s.id = d.source_id
WHERE s.collection_id = ? AND s.source_path = ? LIMIT 1`, collectionID, sourcePath)
	if err := row.Scan(&meta); err != nil || !meta.Valid {
		return true
	}
	stored := store.DecodeMetadata(meta.String)
	return !stringSliceFieldEqual(stored["authors"], b.Authors) ||
		!stringSliceFieldEqual(stored["tags"], b.Tags) ||
		fmt.Sprint(stored["series"]) != nonEmptyOr(b.Series, "<nil>") ||
		fmt.Sprint(stored["publisher"]) != nonEmptyOr(b.Publisher, "<nil>")
}

func nonEmptyOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// stringSliceFieldEqual compares a decoded JSON value (a []any of
// strings, since store.DecodeMetadata round-trips through
// encoding/json) against the current []string from the library.
func stringSliceFieldEqual(stored any, current []string) bool {
	items, _ := stored.([]any)
	if len(items) != len(current) {
		return false
	}
	for i, v := range items {
		if fmt.Sprint(v) != current[i] {
			return false
		}
	}
	return true
}

// refreshMetadata updates the stored metadata JSON on every existing
// document row for sourcePath without touching content or embeddings.
func (c *CalibreIndexer) refreshMetadata(ctx context.Context, collectionID int64, sourcePath string, b calibreBook, libraryPath, format string) {
	bookMeta := calibreBookMetadata(b, libraryPath, format)
	metaJSON := encodeMetadataAny(bookMeta)
	_, _ = c.Deps.Store.DB().ExecContext(ctx, `
UPDATE documents SET metadata = ?
WHERE source_id IN (SELECT id FROM sources WHERE collection_id = ? AND source_path = ?)`,
		metaJSON, collectionID, sourcePath)
}

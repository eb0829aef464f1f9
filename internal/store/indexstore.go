package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aihaysteve/ragrun/internal/ragerrors"
)

// CollectionType is one of the three collection kinds spec.md's GLOSSARY
// defines.
type CollectionType string

const (
	CollectionSystem  CollectionType = "system"
	CollectionProject CollectionType = "project"
	CollectionCode    CollectionType = "code"
)

// indexStoreSchemaVersion is the current schema_version this binary
// understands. Opening a store with a newer version refuses with
// ErrSchemaVersionUnknown per spec.md §7.
const indexStoreSchemaVersion = 2

// legacyGitDescriptionPrefix is the marker migration 2 uses to reclassify
// collections created by an older version that stored git repos as
// collection_type "project".
const legacyGitDescriptionPrefix = "git-"

// Collection identifies a named bucket of sources (spec.md §3).
type Collection struct {
	ID          int64
	Name        string
	Type        CollectionType
	Description string
	CreatedAt   time.Time
}

// Source identifies one indexed artifact within a collection (spec.md §3).
type Source struct {
	ID             int64
	CollectionID   int64
	SourcePath     string
	SourceType     string
	FileHash       *string
	FileModifiedAt *time.Time
	LastIndexedAt  time.Time
}

// ChunkDoc is a single chunk row owned by a source (spec.md §3 "Document").
// Named ChunkDoc rather than Document to avoid colliding with the
// pre-existing BM25 Document type in this package.
type ChunkDoc struct {
	ID           int64
	SourceID     int64
	CollectionID int64
	ChunkIndex   int
	Title        string
	Content      string
	Metadata     map[string]any
	CreatedAt    time.Time
}

// IndexStore is the per-(user,group) embedded database described in
// spec.md §4.2: schema, connection lifecycle, and upsert/prune primitives.
// One IndexStore wraps exactly one SQLite file plus a sidecar HNSW vector
// index; per spec.md §4.5 only the indexing queue's worker goroutine opens
// it for writes. IndexStore's own mu mutex serializes the write methods
// that touch both SQLite and the vector sidecar (UpsertSourceWithChunks,
// DeleteSource, DeleteCollection).
type IndexStore struct {
	db         *sql.DB
	vector     VectorStore
	altLexical BM25Index // optional secondary lexical backend, see lexical.go
	path       string
	dim        int

	mu sync.Mutex // serializes UpsertSourceWithChunks/DeleteSource against the vector sidecar
}

// OpenIndexStore opens (creating and migrating if necessary) the index
// store at path with dense-vector dimension dim, for embeddings produced
// by embeddingModel. Pass path="" for an in-memory store (tests only — the
// vector sidecar has no file to load, so an in-memory store always starts
// with an empty vector index). embeddingModel may be "" when the caller
// doesn't care about detecting embedding-model drift across reloads.
func OpenIndexStore(path string, dim int, embeddingModel string) (*IndexStore, error) {
	dsn := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, ragerrors.Wrap(ragerrors.CodeIO, err)
		}
		dsn = fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, ragerrors.Wrap(ragerrors.CodeIO, err)
	}
	db.SetMaxOpenConns(1) // single-writer per spec.md §4.5; readers share this handle too

	vecConfig := DefaultVectorStoreConfig(dim)
	vecConfig.EmbeddingModel = embeddingModel
	vec, err := NewHNSWStore(vecConfig)
	if err != nil {
		db.Close()
		return nil, ragerrors.Wrap(ragerrors.CodeInternal, err)
	}

	s := &IndexStore{db: db, vector: vec, path: path, dim: dim}
	if path != "" {
		vecPath := path + ".hnsw"
		if _, statErr := os.Stat(vecPath); statErr == nil {
			if err := vec.Load(vecPath); err != nil {
				if _, mismatch := err.(ErrEmbeddingModelMismatch); mismatch {
					slog.Warn("indexstore_vector_embedding_model_changed", slog.String("path", vecPath), slog.String("error", err.Error()))
				} else {
					slog.Warn("indexstore_vector_load_failed", slog.String("path", vecPath), slog.String("error", err.Error()))
				}
			}
		}
	}

	if err := s.initDB(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *IndexStore) initDB() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS collections (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	collection_type TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sources (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	collection_id INTEGER NOT NULL REFERENCES collections(id) ON DELETE CASCADE,
	source_type TEXT NOT NULL DEFAULT '',
	source_path TEXT NOT NULL,
	file_hash TEXT,
	file_modified_at TEXT,
	last_indexed_at TEXT NOT NULL,
	UNIQUE(collection_id, source_path)
);

CREATE TABLE IF NOT EXISTS documents (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	source_id INTEGER NOT NULL REFERENCES sources(id) ON DELETE CASCADE,
	collection_id INTEGER NOT NULL REFERENCES collections(id) ON DELETE CASCADE,
	chunk_index INTEGER NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL,
	UNIQUE(source_id, chunk_index)
);

CREATE VIRTUAL TABLE IF NOT EXISTS documents_fts USING fts5(
	title, content, content='documents', content_rowid='id'
);

CREATE TRIGGER IF NOT EXISTS documents_ai AFTER INSERT ON documents BEGIN
	INSERT INTO documents_fts(rowid, title, content) VALUES (new.id, new.title, new.content);
END;
CREATE TRIGGER IF NOT EXISTS documents_ad AFTER DELETE ON documents BEGIN
	INSERT INTO documents_fts(documents_fts, rowid, title, content) VALUES ('delete', old.id, old.title, old.content);
END;
CREATE TRIGGER IF NOT EXISTS documents_au AFTER UPDATE ON documents BEGIN
	INSERT INTO documents_fts(documents_fts, rowid, title, content) VALUES ('delete', old.id, old.title, old.content);
	INSERT INTO documents_fts(rowid, title, content) VALUES (new.id, new.title, new.content);
END;

CREATE TABLE IF NOT EXISTS meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`)
	if err != nil {
		return ragerrors.Wrap(ragerrors.CodeIO, err)
	}
	return s.migrate()
}

func (s *IndexStore) schemaVersion() (int, bool) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&v)
	if err != nil {
		return 0, false
	}
	var n int
	fmt.Sscanf(v, "%d", &n)
	return n, true
}

// migrate runs forward-only migrations up to indexStoreSchemaVersion,
// refusing to open a store whose recorded version is newer than this
// binary understands (spec.md §7 SchemaVersionUnknown).
func (s *IndexStore) migrate() error {
	current, found := s.schemaVersion()
	if !found {
		current = indexStoreSchemaVersion
		if _, err := s.db.Exec(`INSERT INTO meta(key, value) VALUES('schema_version', ?)`, fmt.Sprintf("%d", current)); err != nil {
			return ragerrors.Wrap(ragerrors.CodeIO, err)
		}
		return nil
	}

	if current > indexStoreSchemaVersion {
		return ragerrors.New(ragerrors.CodeSchemaVersionUnknown,
			fmt.Sprintf("index store schema version %d is newer than this binary supports (%d)", current, indexStoreSchemaVersion), nil)
	}

	for v := current; v < indexStoreSchemaVersion; v++ {
		switch v {
		case 1:
			if err := s.migrateV2ReclassifyGitCollections(); err != nil {
				return err
			}
		}
	}
	if current < indexStoreSchemaVersion {
		if _, err := s.db.Exec(`UPDATE meta SET value = ? WHERE key = 'schema_version'`, fmt.Sprintf("%d", indexStoreSchemaVersion)); err != nil {
			return ragerrors.Wrap(ragerrors.CodeIO, err)
		}
	}
	return nil
}

// migrateV2ReclassifyGitCollections reclassifies collections whose
// description begins with the legacy "git-" prefix from type "project" to
// "code", per spec.md §4.2's Migrations paragraph.
func (s *IndexStore) migrateV2ReclassifyGitCollections() error {
	_, err := s.db.Exec(`UPDATE collections SET collection_type = ?
		WHERE collection_type = ? AND description LIKE ? || '%'`,
		string(CollectionCode), string(CollectionProject), legacyGitDescriptionPrefix)
	if err != nil {
		return ragerrors.Wrap(ragerrors.CodeIO, err)
	}
	return nil
}

// Close flushes the vector sidecar (if file-backed) and closes the
// database handle.
func (s *IndexStore) Close() error {
	if s.path != "" {
		if err := s.vector.Save(s.path + ".hnsw"); err != nil {
			slog.Warn("indexstore_vector_save_failed", slog.String("error", err.Error()))
		}
	}
	_ = s.vector.Close()
	return s.db.Close()
}

// Vector exposes the dense-vector index for the search engine.
func (s *IndexStore) Vector() VectorStore { return s.vector }

// DB exposes the underlying *sql.DB for the search engine's lexical and
// metadata queries. The search engine is a reader and never needs its own
// connection lifecycle.
func (s *IndexStore) DB() *sql.DB { return s.db }

// GetOrCreateCollection finds collection name, or creates it with the
// given type (spec.md §3: "created lazily on first indexing into that
// name").
func (s *IndexStore) GetOrCreateCollection(ctx context.Context, name string, ctype CollectionType) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT id FROM collections WHERE name = ?`, name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, ragerrors.Wrap(ragerrors.CodeIO, err)
	}

	res, err := s.db.ExecContext(ctx, `INSERT INTO collections(name, collection_type, description, created_at) VALUES (?, ?, '', ?)`,
		name, string(ctype), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, ragerrors.Wrap(ragerrors.CodeIO, err)
	}
	return res.LastInsertId()
}

// GetCollectionByName returns the collection, or ok=false if unknown.
func (s *IndexStore) GetCollectionByName(ctx context.Context, name string) (Collection, bool, error) {
	var c Collection
	var createdAt string
	err := s.db.QueryRowContext(ctx, `SELECT id, name, collection_type, description, created_at FROM collections WHERE name = ?`, name).
		Scan(&c.ID, &c.Name, &c.Type, &c.Description, &createdAt)
	if err == sql.ErrNoRows {
		return Collection{}, false, nil
	}
	if err != nil {
		return Collection{}, false, ragerrors.Wrap(ragerrors.CodeIO, err)
	}
	c.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return c, true, nil
}

// DeleteCollection removes a collection and, via cascade, all its sources
// and documents. Vector rows for those documents are removed explicitly
// first (they are not cascade-linked — spec.md §3 invariant on vector
// rows).
func (s *IndexStore) DeleteCollection(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok, err := s.GetCollectionByName(ctx, name)
	if err != nil || !ok {
		return err
	}

	ids, err := s.documentIDsForCollection(ctx, c.ID)
	if err != nil {
		return err
	}
	if len(ids) > 0 {
		if err := s.vector.Delete(ctx, int64sToStrings(ids)); err != nil {
			return ragerrors.Wrap(ragerrors.CodeInternal, err)
		}
		if s.altLexical != nil {
			_ = s.altLexical.Delete(ctx, int64sToStrings(ids))
		}
	}

	_, err = s.db.ExecContext(ctx, `DELETE FROM collections WHERE id = ?`, c.ID)
	if err != nil {
		return ragerrors.Wrap(ragerrors.CodeIO, err)
	}
	return nil
}

func (s *IndexStore) documentIDsForCollection(ctx context.Context, collectionID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM documents WHERE collection_id = ?`, collectionID)
	if err != nil {
		return nil, ragerrors.Wrap(ragerrors.CodeIO, err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, ragerrors.Wrap(ragerrors.CodeIO, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func int64sToStrings(ids []int64) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = fmt.Sprintf("%d", id)
	}
	return out
}

// metadataTags extracts the "tags" string a markdown chunk stamps into its
// metadata (spec.md §4.3) for lexical indexing. Non-markdown chunks carry
// no such key and return "".
func metadataTags(metadata map[string]any) string {
	if metadata == nil {
		return ""
	}
	tags, _ := metadata["tags"].(string)
	return tags
}

// ChunkInput is one chunk to upsert: its text, title, per-chunk metadata,
// and position within the source.
type ChunkInput struct {
	ChunkIndex int
	Title      string
	Content    string
	Metadata   map[string]any
}

// UpsertSourceWithChunks implements spec.md §4.2's primitive of the same
// name: atomically replace all documents of (collectionID, sourcePath)
// with chunks, and their embeddings with the parallel vector rows.
// fileHash and fileModifiedAt are updated only when non-nil, distinguishing
// file-backed updates from virtual-source refreshes.
func (s *IndexStore) UpsertSourceWithChunks(ctx context.Context, collectionID int64, sourcePath, sourceType string, chunks []ChunkInput, embeddings [][]float32, fileHash *string, fileModifiedAt *time.Time) (int64, error) {
	if len(embeddings) != 0 && len(embeddings) != len(chunks) {
		return 0, ragerrors.New(ragerrors.CodeInvalidInput, "chunks and embeddings length mismatch", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, ragerrors.Wrap(ragerrors.CodeIO, err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	var sourceID int64
	var oldDocIDs []int64

	err = tx.QueryRowContext(ctx, `SELECT id FROM sources WHERE collection_id = ? AND source_path = ?`, collectionID, sourcePath).Scan(&sourceID)
	switch {
	case err == sql.ErrNoRows:
		res, err := tx.ExecContext(ctx, `INSERT INTO sources(collection_id, source_type, source_path, file_hash, file_modified_at, last_indexed_at)
			VALUES (?, ?, ?, ?, ?, ?)`, collectionID, sourceType, sourcePath, nullableStr(fileHash), nullableTime(fileModifiedAt), now)
		if err != nil {
			return 0, ragerrors.Wrap(ragerrors.CodeIO, err)
		}
		sourceID, _ = res.LastInsertId()
	case err != nil:
		return 0, ragerrors.Wrap(ragerrors.CodeIO, err)
	default:
		rows, err := tx.QueryContext(ctx, `SELECT id FROM documents WHERE source_id = ?`, sourceID)
		if err != nil {
			return 0, ragerrors.Wrap(ragerrors.CodeIO, err)
		}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return 0, ragerrors.Wrap(ragerrors.CodeIO, err)
			}
			oldDocIDs = append(oldDocIDs, id)
		}
		rows.Close()

		if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE source_id = ?`, sourceID); err != nil {
			return 0, ragerrors.Wrap(ragerrors.CodeIO, err)
		}

		setClauses := []string{"source_type = ?", "last_indexed_at = ?"}
		args := []any{sourceType, now}
		if fileHash != nil {
			setClauses = append(setClauses, "file_hash = ?")
			args = append(args, *fileHash)
		}
		if fileModifiedAt != nil {
			setClauses = append(setClauses, "file_modified_at = ?")
			args = append(args, fileModifiedAt.UTC().Format(time.RFC3339Nano))
		}
		args = append(args, sourceID)
		if _, err := tx.ExecContext(ctx, `UPDATE sources SET `+strings.Join(setClauses, ", ")+` WHERE id = ?`, args...); err != nil {
			return 0, ragerrors.Wrap(ragerrors.CodeIO, err)
		}
	}

	newDocIDs := make([]int64, 0, len(chunks))
	sorted := append([]ChunkInput(nil), chunks...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ChunkIndex < sorted[j].ChunkIndex })

	for _, ch := range sorted {
		metaJSON := encodeMetadata(ch.Metadata)
		res, err := tx.ExecContext(ctx, `INSERT INTO documents(source_id, collection_id, chunk_index, title, content, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`, sourceID, collectionID, ch.ChunkIndex, ch.Title, ch.Content, metaJSON, now)
		if err != nil {
			return 0, ragerrors.Wrap(ragerrors.CodeIO, err)
		}
		id, _ := res.LastInsertId()
		newDocIDs = append(newDocIDs, id)
	}

	if err := tx.Commit(); err != nil {
		return 0, ragerrors.Wrap(ragerrors.CodeIO, err)
	}

	// Vector rows are not transactional with SQLite (HNSW has no rollback
	// — see SPEC_FULL.md "Vector index: adapted, not literal"). Delete old
	// rows, then add the new ones, after the SQLite transaction commits so
	// a rollback above never leaves orphaned deletes.
	if len(oldDocIDs) > 0 {
		if err := s.vector.Delete(ctx, int64sToStrings(oldDocIDs)); err != nil {
			return sourceID, ragerrors.Wrap(ragerrors.CodeInternal, err)
		}
		if s.altLexical != nil {
			_ = s.altLexical.Delete(ctx, int64sToStrings(oldDocIDs))
		}
	}
	if len(embeddings) > 0 {
		if err := s.vector.Add(ctx, int64sToStrings(newDocIDs), embeddings); err != nil {
			return sourceID, ragerrors.Wrap(ragerrors.CodeInternal, err)
		}
	}
	if s.altLexical != nil && len(sorted) > 0 {
		docs := make([]*Document, len(sorted))
		for i, ch := range sorted {
			docs[i] = &Document{
				ID:      int64sToStrings(newDocIDs)[i],
				Content: ch.Title + "\n" + ch.Content,
				Tags:    metadataTags(ch.Metadata),
			}
		}
		_ = s.altLexical.Index(ctx, docs)
	}

	return sourceID, nil
}

// DeleteSource removes a source and, via cascade, its documents; vector
// rows are deleted explicitly first. Returns whether anything existed to
// delete.
func (s *IndexStore) DeleteSource(ctx context.Context, collectionID int64, sourcePath string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sourceID int64
	err := s.db.QueryRowContext(ctx, `SELECT id FROM sources WHERE collection_id = ? AND source_path = ?`, collectionID, sourcePath).Scan(&sourceID)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, ragerrors.Wrap(ragerrors.CodeIO, err)
	}

	docIDs, err := s.documentIDsForCollection(ctx, collectionID)
	if err != nil {
		return false, err
	}
	var ownedIDs []int64
	{
		rows, err := s.db.QueryContext(ctx, `SELECT id FROM documents WHERE source_id = ?`, sourceID)
		if err != nil {
			return false, ragerrors.Wrap(ragerrors.CodeIO, err)
		}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return false, ragerrors.Wrap(ragerrors.CodeIO, err)
			}
			ownedIDs = append(ownedIDs, id)
		}
		rows.Close()
	}
	_ = docIDs

	if len(ownedIDs) > 0 {
		if err := s.vector.Delete(ctx, int64sToStrings(ownedIDs)); err != nil {
			return false, ragerrors.Wrap(ragerrors.CodeInternal, err)
		}
		if s.altLexical != nil {
			_ = s.altLexical.Delete(ctx, int64sToStrings(ownedIDs))
		}
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM sources WHERE id = ?`, sourceID); err != nil {
		return false, ragerrors.Wrap(ragerrors.CodeIO, err)
	}
	return true, nil
}

// PruneStaleSources implements spec.md §4.2's prune primitive: scans
// sources of collectionID whose source_path is an absolute filesystem path
// (starts with "/") and has a non-null file_hash; deletes those whose file
// no longer exists. Returns the count deleted.
func (s *IndexStore) PruneStaleSources(ctx context.Context, collectionID int64) (int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT source_path FROM sources
		WHERE collection_id = ? AND file_hash IS NOT NULL AND source_path LIKE '/%'`, collectionID)
	if err != nil {
		return 0, ragerrors.Wrap(ragerrors.CodeIO, err)
	}
	var candidates []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return 0, ragerrors.Wrap(ragerrors.CodeIO, err)
		}
		candidates = append(candidates, p)
	}
	rows.Close()

	count := 0
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			continue
		} else if !os.IsNotExist(err) {
			return count, ragerrors.Wrap(ragerrors.CodeIO, err)
		}
		deleted, err := s.DeleteSource(ctx, collectionID, p)
		if err != nil {
			return count, err
		}
		if deleted {
			count++
		}
	}
	return count, nil
}

func nullableStr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

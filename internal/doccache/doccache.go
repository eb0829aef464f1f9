// Package doccache implements the content-addressed conversion cache
// (spec.md §4.1): a store shared across every per-user index store and
// potentially across processes, keyed by file-content hash and
// converter-configuration hash, guaranteeing at-most-once conversion per
// (content, config) pair.
//
// Grounded on original_source/src/ragling/doc_store.py for the schema and
// get_or_convert algorithm, and on internal/store/sqlite_bm25.go for the
// Go idiom of opening modernc.org/sqlite in WAL mode with a bounded busy
// timeout and an integrity check on open.
package doccache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aihaysteve/ragrun/internal/ragerrors"
)

// busyTimeoutMS is the bounded busy timeout spec.md §4.1 specifies (≈5s).
const busyTimeoutMS = 5000

// schemaVersion tracks the one-shot config_hash migration described in
// spec.md §4.1's "Migration" paragraph.
const schemaVersion = 1

// Converter is a pure function from a file path to a serializable
// structured document. It must not be called while any write transaction
// is held by the cache — Get callers get this guarantee for free.
type Converter func(path string) (StructuredDocument, error)

// StructuredDocument is the converter's output. Format is a free-text tag
// (e.g. "markdown", "docling-pdf"); Content is the serialized document body
// the caller's chunker consumes.
type StructuredDocument struct {
	Format  string `json:"format"`
	Content string `json:"content"`
}

// SourceRecord is a snapshot of a known source, as returned by ListSources.
type SourceRecord struct {
	SourcePath   string
	ContentHash  string
	SizeBytes    int64
	ModifiedAt   time.Time
	DiscoveredAt time.Time
}

// Cache is the conversion cache described in spec.md §4.1.
type Cache struct {
	db   *sql.DB
	path string
	// mu serializes the miss path's short write transaction against other
	// callers in this process; cross-process exclusion is left to SQLite's
	// WAL busy-timeout per spec.md §4.1's concurrency note, but
	// serializing in-process writers avoids unnecessary SQLITE_BUSY churn
	// when many indexers in one process race the same cold path.
	mu sync.Mutex
}

// Open opens (creating if necessary) the conversion cache at path. Pass ""
// for an in-memory cache (used by tests).
func Open(path string) (*Cache, error) {
	dsn := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, ragerrors.Wrap(ragerrors.CodeIO, err)
		}
		dsn = fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=%d&_foreign_keys=on", path, busyTimeoutMS)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, ragerrors.Wrap(ragerrors.CodeIO, err)
	}
	// A shared cache across processes must never have more than one
	// writer-in-flight per connection; readers use separate connections.
	// An in-memory database is private to one connection, so it gets one.
	if path == "" {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(4)
	}

	c := &Cache{db: db, path: path}
	if err := c.init(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Cache) init() error {
	_, err := c.db.Exec(`
CREATE TABLE IF NOT EXISTS sources (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	source_path TEXT NOT NULL UNIQUE,
	content_hash TEXT NOT NULL,
	size_bytes INTEGER NOT NULL DEFAULT 0,
	modified_at TEXT NOT NULL,
	discovered_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS converted_documents (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	source_id INTEGER NOT NULL REFERENCES sources(id) ON DELETE CASCADE,
	content_hash TEXT NOT NULL,
	config_hash TEXT NOT NULL DEFAULT '',
	format TEXT NOT NULL,
	content TEXT NOT NULL,
	converted_at TEXT NOT NULL,
	UNIQUE(source_id, content_hash, config_hash)
);

CREATE TABLE IF NOT EXISTS meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`)
	if err != nil {
		return ragerrors.Wrap(ragerrors.CodeIO, err)
	}
	return c.migrate()
}

// migrate runs the one-shot, idempotent config_hash column addition
// described in spec.md §4.1: "if the schema lacks the config_hash column
// on converted documents, add it with a default empty string." Because
// init() always creates the column on a fresh table, this only matters for
// a cache file created by a schema that predates config_hash; it is a
// no-op (ignoring the "duplicate column" error) when the column is already
// present.
func (c *Cache) migrate() error {
	_, _ = c.db.Exec(`ALTER TABLE converted_documents ADD COLUMN config_hash TEXT NOT NULL DEFAULT ''`)
	_, err := c.db.Exec(`INSERT INTO meta(key, value) VALUES('schema_version', ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value`, fmt.Sprintf("%d", schemaVersion))
	if err != nil {
		return ragerrors.Wrap(ragerrors.CodeIO, err)
	}
	return nil
}

// Close releases the underlying database handle.
func (c *Cache) Close() error {
	return c.db.Close()
}

func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// GetOrConvert returns a previously computed structured document for path
// under configHash, or runs converter and persists the result. The
// converter runs outside of any write transaction: it is invoked (if
// needed) before the short write transaction that records the result is
// opened, so a long-running conversion never blocks another caller's
// write.
func (c *Cache) GetOrConvert(ctx context.Context, path string, converter Converter, configHash string) (StructuredDocument, error) {
	contentHash, size, err := hashFile(path)
	if err != nil {
		return StructuredDocument{}, ragerrors.Wrap(ragerrors.CodeIO, err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return StructuredDocument{}, ragerrors.Wrap(ragerrors.CodeIO, err)
	}

	if doc, ok, err := c.lookup(ctx, path, contentHash, configHash); err != nil {
		return StructuredDocument{}, err
	} else if ok {
		return doc, nil
	}

	doc, err := converter(path)
	if err != nil {
		return StructuredDocument{}, ragerrors.New(ragerrors.CodeConverterFailed, "converter failed for "+path, err)
	}

	if err := c.store(ctx, path, contentHash, configHash, size, info.ModTime(), doc); err != nil {
		return StructuredDocument{}, err
	}
	return doc, nil
}

func (c *Cache) lookup(ctx context.Context, sourcePath, contentHash, configHash string) (StructuredDocument, bool, error) {
	var sourceID int64
	var storedHash string
	err := c.db.QueryRowContext(ctx, `SELECT id, content_hash FROM sources WHERE source_path = ?`, sourcePath).Scan(&sourceID, &storedHash)
	if err == sql.ErrNoRows {
		return StructuredDocument{}, false, nil
	}
	if err != nil {
		return StructuredDocument{}, false, ragerrors.Wrap(ragerrors.CodeIO, err)
	}
	if storedHash != contentHash {
		return StructuredDocument{}, false, nil
	}

	var format, content string
	err = c.db.QueryRowContext(ctx, `SELECT format, content FROM converted_documents
		WHERE source_id = ? AND content_hash = ? AND config_hash = ?`, sourceID, contentHash, configHash).Scan(&format, &content)
	if err == sql.ErrNoRows {
		return StructuredDocument{}, false, nil
	}
	if err != nil {
		return StructuredDocument{}, false, ragerrors.Wrap(ragerrors.CodeIO, err)
	}
	return StructuredDocument{Format: format, Content: content}, true, nil
}

func (c *Cache) store(ctx context.Context, sourcePath, contentHash, configHash string, size int64, modTime time.Time, doc StructuredDocument) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return ragerrors.Wrap(ragerrors.CodeIO, err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var sourceID int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM sources WHERE source_path = ?`, sourcePath).Scan(&sourceID)
	switch {
	case err == sql.ErrNoRows:
		res, err := tx.ExecContext(ctx, `INSERT INTO sources(source_path, content_hash, size_bytes, modified_at, discovered_at)
			VALUES (?, ?, ?, ?, ?)`, sourcePath, contentHash, size, modTime.UTC().Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
		if err != nil {
			return ragerrors.Wrap(ragerrors.CodeIO, err)
		}
		sourceID, _ = res.LastInsertId()
	case err != nil:
		return ragerrors.Wrap(ragerrors.CodeIO, err)
	default:
		if _, err := tx.ExecContext(ctx, `UPDATE sources SET content_hash = ?, size_bytes = ?, modified_at = ? WHERE id = ?`,
			contentHash, size, modTime.UTC().Format(time.RFC3339Nano), sourceID); err != nil {
			return ragerrors.Wrap(ragerrors.CodeIO, err)
		}
		// Invariant 4: discard all prior conversions for this source
		// before storing the new one, regardless of which hash/config
		// they were keyed by.
		if _, err := tx.ExecContext(ctx, `DELETE FROM converted_documents WHERE source_id = ?`, sourceID); err != nil {
			return ragerrors.Wrap(ragerrors.CodeIO, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO converted_documents(source_id, content_hash, config_hash, format, content, converted_at)
		VALUES (?, ?, ?, ?, ?, ?)`, sourceID, contentHash, configHash, doc.Format, doc.Content, now.Format(time.RFC3339Nano)); err != nil {
		return ragerrors.Wrap(ragerrors.CodeIO, err)
	}

	if err := tx.Commit(); err != nil {
		return ragerrors.Wrap(ragerrors.CodeIO, err)
	}
	return nil
}

// GetDocument returns the most recently converted document for sourcePath,
// regardless of config_hash, or ok=false if the source is unknown.
func (c *Cache) GetDocument(ctx context.Context, sourcePath string) (doc StructuredDocument, ok bool, err error) {
	var sourceID int64
	err = c.db.QueryRowContext(ctx, `SELECT id FROM sources WHERE source_path = ?`, sourcePath).Scan(&sourceID)
	if err == sql.ErrNoRows {
		return StructuredDocument{}, false, nil
	}
	if err != nil {
		return StructuredDocument{}, false, ragerrors.Wrap(ragerrors.CodeIO, err)
	}

	var format, content string
	err = c.db.QueryRowContext(ctx, `SELECT format, content FROM converted_documents
		WHERE source_id = ? ORDER BY id DESC LIMIT 1`, sourceID).Scan(&format, &content)
	if err == sql.ErrNoRows {
		return StructuredDocument{}, false, nil
	}
	if err != nil {
		return StructuredDocument{}, false, ragerrors.Wrap(ragerrors.CodeIO, err)
	}
	return StructuredDocument{Format: format, Content: content}, true, nil
}

// Invalidate removes the source row and all its converted-document rows.
// No-op if sourcePath is unknown.
func (c *Cache) Invalidate(ctx context.Context, sourcePath string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.db.ExecContext(ctx, `DELETE FROM sources WHERE source_path = ?`, sourcePath)
	if err != nil {
		return ragerrors.Wrap(ragerrors.CodeIO, err)
	}
	return nil
}

// ListSources returns a snapshot of all known sources.
func (c *Cache) ListSources(ctx context.Context) ([]SourceRecord, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT source_path, content_hash, size_bytes, modified_at, discovered_at FROM sources ORDER BY source_path`)
	if err != nil {
		return nil, ragerrors.Wrap(ragerrors.CodeIO, err)
	}
	defer rows.Close()

	var out []SourceRecord
	for rows.Next() {
		var r SourceRecord
		var modified, discovered string
		if err := rows.Scan(&r.SourcePath, &r.ContentHash, &r.SizeBytes, &modified, &discovered); err != nil {
			return nil, ragerrors.Wrap(ragerrors.CodeIO, err)
		}
		r.ModifiedAt, _ = time.Parse(time.RFC3339Nano, modified)
		r.DiscoveredAt, _ = time.Parse(time.RFC3339Nano, discovered)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ConfigHash computes the short deterministic digest of converter pipeline
// options used to key cached conversions (spec.md GLOSSARY "Config hash").
// Any JSON-marshalable config value works; field order doesn't matter
// because json.Marshal on a map sorts keys, but callers should pass a
// struct or an already-normalized map for determinism across versions.
func ConfigHash(config any) (string, error) {
	b, err := json.Marshal(config)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])[:16], nil
}

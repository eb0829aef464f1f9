package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func mustOpenIndexStore(t *testing.T) *IndexStore {
	t.Helper()
	s, err := OpenIndexStore("", 4, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func vec(seed float32) []float32 {
	return []float32{seed, seed + 1, seed + 2, seed + 3}
}

func TestUpsertSourceWithChunks_FreshIndex(t *testing.T) {
	s := mustOpenIndexStore(t)
	ctx := context.Background()

	collID, err := s.GetOrCreateCollection(ctx, "notes", CollectionProject)
	require.NoError(t, err)

	hash := "abc123"
	mtime := time.Now().UTC()
	sourceID, err := s.UpsertSourceWithChunks(ctx, collID, "/vault/a.md", "markdown",
		[]ChunkInput{{ChunkIndex: 0, Title: "a.md", Content: "hello world"}},
		[][]float32{vec(0)}, &hash, &mtime)
	require.NoError(t, err)
	require.NotZero(t, sourceID)

	var docCount int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM documents WHERE source_id = ?`, sourceID).Scan(&docCount))
	require.Equal(t, 1, docCount)
	require.Equal(t, 1, s.Vector().Count())
}

func TestUpsertSourceWithChunks_NoOpReindexIsIdempotent(t *testing.T) {
	s := mustOpenIndexStore(t)
	ctx := context.Background()
	collID, err := s.GetOrCreateCollection(ctx, "notes", CollectionProject)
	require.NoError(t, err)

	hash := "abc123"
	_, err = s.UpsertSourceWithChunks(ctx, collID, "/vault/a.md", "markdown",
		[]ChunkInput{{ChunkIndex: 0, Title: "a.md", Content: "hello world"}}, [][]float32{vec(0)}, &hash, nil)
	require.NoError(t, err)

	_, err = s.UpsertSourceWithChunks(ctx, collID, "/vault/a.md", "markdown",
		[]ChunkInput{{ChunkIndex: 0, Title: "a.md", Content: "hello world"}}, [][]float32{vec(0)}, &hash, nil)
	require.NoError(t, err)

	var sourceCount, docCount int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM sources WHERE collection_id = ?`, collID).Scan(&sourceCount))
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM documents`).Scan(&docCount))
	require.Equal(t, 1, sourceCount)
	require.Equal(t, 1, docCount)
	require.Equal(t, 1, s.Vector().Count())
}

func TestUpsertSourceWithChunks_HashChangeReplacesDocumentsAndVectors(t *testing.T) {
	s := mustOpenIndexStore(t)
	ctx := context.Background()
	collID, err := s.GetOrCreateCollection(ctx, "notes", CollectionProject)
	require.NoError(t, err)

	h1 := "hash1"
	_, err = s.UpsertSourceWithChunks(ctx, collID, "/vault/a.md", "markdown",
		[]ChunkInput{{ChunkIndex: 0, Title: "a.md", Content: "hello world"}}, [][]float32{vec(0)}, &h1, nil)
	require.NoError(t, err)

	h2 := "hash2"
	sourceID, err := s.UpsertSourceWithChunks(ctx, collID, "/vault/a.md", "markdown",
		[]ChunkInput{
			{ChunkIndex: 0, Title: "a.md", Content: "goodbye world"},
			{ChunkIndex: 1, Title: "a.md", Content: "second chunk"},
		}, [][]float32{vec(10), vec(20)}, &h2, nil)
	require.NoError(t, err)

	var contents []string
	rows, err := s.db.Query(`SELECT content FROM documents WHERE source_id = ? ORDER BY chunk_index`, sourceID)
	require.NoError(t, err)
	for rows.Next() {
		var c string
		require.NoError(t, rows.Scan(&c))
		contents = append(contents, c)
	}
	rows.Close()
	require.Equal(t, []string{"goodbye world", "second chunk"}, contents)
	require.Equal(t, 2, s.Vector().Count())
}

func TestDeleteSourceAndPrune(t *testing.T) {
	s := mustOpenIndexStore(t)
	ctx := context.Background()
	collID, err := s.GetOrCreateCollection(ctx, "notes", CollectionProject)
	require.NoError(t, err)

	dir := t.TempDir()
	path := dir + "/gone.md"
	hash := "h"
	_, err = s.UpsertSourceWithChunks(ctx, collID, path, "markdown",
		[]ChunkInput{{ChunkIndex: 0, Title: "gone.md", Content: "x"}}, [][]float32{vec(0)}, &hash, nil)
	require.NoError(t, err)

	n, err := s.PruneStaleSources(ctx, collID)
	require.NoError(t, err)
	require.GreaterOrEqual(t, n, 1)

	var sourceCount int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM sources WHERE collection_id = ?`, collID).Scan(&sourceCount))
	require.Equal(t, 0, sourceCount)
	require.Equal(t, 0, s.Vector().Count())
}

func TestPruneStaleSources_IgnoresNonFilesystemAndHashlessSources(t *testing.T) {
	s := mustOpenIndexStore(t)
	ctx := context.Background()
	collID, err := s.GetOrCreateCollection(ctx, "commits", CollectionCode)
	require.NoError(t, err)

	_, err = s.UpsertSourceWithChunks(ctx, collID, "git://repo#deadbeef", "commit",
		[]ChunkInput{{ChunkIndex: 0, Content: "diff"}}, nil, nil, nil)
	require.NoError(t, err)

	n, err := s.PruneStaleSources(ctx, collID)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestMigrationReclassifiesLegacyGitCollections(t *testing.T) {
	s := mustOpenIndexStore(t)
	_, err := s.db.Exec(`INSERT INTO collections(name, collection_type, description, created_at) VALUES (?, ?, ?, ?)`,
		"myrepo", string(CollectionProject), "git-abcdef", time.Now().UTC().Format(time.RFC3339Nano))
	require.NoError(t, err)

	require.NoError(t, s.migrateV2ReclassifyGitCollections())

	c, ok, err := s.GetCollectionByName(context.Background(), "myrepo")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, CollectionCode, c.Type)
}

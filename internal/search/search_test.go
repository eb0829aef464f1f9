package search

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aihaysteve/ragrun/internal/store"
)

func mustOpenStore(t *testing.T) *store.IndexStore {
	t.Helper()
	s, err := store.OpenIndexStore("", 4, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRRFMerge_MatchesFormula(t *testing.T) {
	w := Weights{Dense: 0.7, Lexical: 0.3, RRFK: 60}
	fused := rrfMerge([]int64{3, 1}, []int64{3, 2}, w)

	scoreOf := func(id int64) float64 {
		for _, f := range fused {
			if f.docID == id {
				return f.score
			}
		}
		return -1
	}
	require.InDelta(t, 0.7/61+0.3/61, scoreOf(3), 1e-9)
	require.InDelta(t, 0.7/62, scoreOf(1), 1e-9)
	require.InDelta(t, 0.3/62, scoreOf(2), 1e-9)
	require.Equal(t, int64(3), fused[0].docID, "doc present in both lists ranks first")
}

func TestSearch_TopKZeroReturnsEmpty(t *testing.T) {
	e := New(mustOpenStore(t))
	res, err := e.Search(context.Background(), Options{TopK: 0})
	require.NoError(t, err)
	require.Empty(t, res)
}

func TestSearch_EmptyVisibleCollectionsReturnsEmpty(t *testing.T) {
	e := New(mustOpenStore(t))
	res, err := e.Search(context.Background(), Options{TopK: 5, VisibleCollections: []string{}})
	require.NoError(t, err)
	require.Empty(t, res)
}

func TestSearch_UnknownVisibleCollectionsReturnsEmpty(t *testing.T) {
	e := New(mustOpenStore(t))
	res, err := e.Search(context.Background(), Options{TopK: 5, VisibleCollections: []string{"nope"}})
	require.NoError(t, err)
	require.Empty(t, res)
}

func TestSearch_EndToEndOverlap(t *testing.T) {
	s := mustOpenStore(t)
	e := New(s)
	ctx := context.Background()

	collID, err := s.GetOrCreateCollection(ctx, "docs", store.CollectionProject)
	require.NoError(t, err)

	docs := []struct {
		path    string
		content string
		vec     []float32
	}{
		{"/a.md", "kubernetes deployment", []float32{1, 0, 0, 0}},
		{"/b.md", "docker container", []float32{0, 1, 0, 0}},
		{"/c.md", "kubernetes and docker together", []float32{0.9, 0.1, 0, 0}},
	}
	for _, d := range docs {
		_, err := s.UpsertSourceWithChunks(ctx, collID, d.path, "text",
			[]store.ChunkInput{{ChunkIndex: 0, Title: d.path, Content: d.content}},
			[][]float32{d.vec}, nil, nil)
		require.NoError(t, err)
	}

	res, err := e.Search(ctx, Options{
		QueryText:      "kubernetes",
		QueryEmbedding: []float32{1, 0, 0, 0},
		TopK:           3,
	})
	require.NoError(t, err)
	require.NotEmpty(t, res)
	// doc "kubernetes and docker together" matches lexically ("kubernetes")
	// and is dense-adjacent; doc "kubernetes deployment" is the closest
	// dense match. Both should outrank the unrelated "docker container" doc.
	var contents []string
	for _, r := range res {
		contents = append(contents, r.Content)
	}
	require.Contains(t, contents[:2], "kubernetes deployment")
}

func TestIsStale_VirtualPathsNeverStale(t *testing.T) {
	require.False(t, isStale("git://repo#sha", nil))
	require.False(t, isStale("calibre://lib/book", nil))
}

func TestIsStale_MissingFileIsStale(t *testing.T) {
	require.True(t, isStale("/definitely/not/a/real/path.md", nil))
}

func TestFilters_Active(t *testing.T) {
	require.False(t, Filters{}.Active())
	require.True(t, Filters{SourceType: "markdown"}.Active())
}

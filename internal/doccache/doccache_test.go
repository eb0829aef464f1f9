package doccache

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestGetOrConvert_MissThenHit(t *testing.T) {
	c, err := Open("")
	require.NoError(t, err)
	defer c.Close()

	dir := t.TempDir()
	p := writeFile(t, dir, "a.md", "hello world")

	var calls atomic.Int32
	conv := func(path string) (StructuredDocument, error) {
		calls.Add(1)
		return StructuredDocument{Format: "markdown", Content: "hello world"}, nil
	}

	doc1, err := c.GetOrConvert(context.Background(), p, conv, "cfg1")
	require.NoError(t, err)
	require.Equal(t, "hello world", doc1.Content)
	require.Equal(t, int32(1), calls.Load())

	doc2, err := c.GetOrConvert(context.Background(), p, conv, "cfg1")
	require.NoError(t, err)
	require.Equal(t, doc1, doc2)
	require.Equal(t, int32(1), calls.Load(), "converter must not be invoked again on a cache hit")
}

func TestGetOrConvert_ConfigHashChangeReconverts(t *testing.T) {
	c, err := Open("")
	require.NoError(t, err)
	defer c.Close()

	dir := t.TempDir()
	p := writeFile(t, dir, "a.md", "hello world")

	var calls atomic.Int32
	conv := func(path string) (StructuredDocument, error) {
		calls.Add(1)
		return StructuredDocument{Format: "markdown", Content: "hello world"}, nil
	}

	_, err = c.GetOrConvert(context.Background(), p, conv, "cfg1")
	require.NoError(t, err)
	_, err = c.GetOrConvert(context.Background(), p, conv, "cfg2")
	require.NoError(t, err)
	require.Equal(t, int32(2), calls.Load())
}

func TestGetOrConvert_ContentChangeDiscardsOldConversions(t *testing.T) {
	c, err := Open("")
	require.NoError(t, err)
	defer c.Close()

	dir := t.TempDir()
	p := writeFile(t, dir, "a.md", "hello world")

	conv := func(path string) (StructuredDocument, error) {
		b, _ := os.ReadFile(path)
		return StructuredDocument{Format: "markdown", Content: string(b)}, nil
	}

	doc1, err := c.GetOrConvert(context.Background(), p, conv, "cfg1")
	require.NoError(t, err)
	require.Equal(t, "hello world", doc1.Content)

	writeFile(t, dir, "a.md", "goodbye world")
	doc2, err := c.GetOrConvert(context.Background(), p, conv, "cfg1")
	require.NoError(t, err)
	require.Equal(t, "goodbye world", doc2.Content)

	sources, err := c.ListSources(context.Background())
	require.NoError(t, err)
	require.Len(t, sources, 1)
}

func TestGetOrConvert_ConcurrentCallersInvokeConverterOnce(t *testing.T) {
	c, err := Open("")
	require.NoError(t, err)
	defer c.Close()

	dir := t.TempDir()
	p := writeFile(t, dir, "a.md", "hello world")

	var calls atomic.Int32
	conv := func(path string) (StructuredDocument, error) {
		calls.Add(1)
		return StructuredDocument{Format: "markdown", Content: "hello world"}, nil
	}

	const n = 8
	var wg sync.WaitGroup
	results := make([]StructuredDocument, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.GetOrConvert(context.Background(), p, conv, "cfg1")
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, results[0], results[i])
	}
}

func TestInvalidate(t *testing.T) {
	c, err := Open("")
	require.NoError(t, err)
	defer c.Close()

	dir := t.TempDir()
	p := writeFile(t, dir, "a.md", "hello world")
	conv := func(path string) (StructuredDocument, error) {
		return StructuredDocument{Format: "markdown", Content: "hello world"}, nil
	}

	_, err = c.GetOrConvert(context.Background(), p, conv, "cfg1")
	require.NoError(t, err)

	require.NoError(t, c.Invalidate(context.Background(), p))

	_, ok, err := c.GetDocument(context.Background(), p)
	require.NoError(t, err)
	require.False(t, ok)

	// No-op on unknown path.
	require.NoError(t, c.Invalidate(context.Background(), "/nonexistent"))
}

func TestConverterFailurePropagatesWithoutCaching(t *testing.T) {
	c, err := Open("")
	require.NoError(t, err)
	defer c.Close()

	dir := t.TempDir()
	p := writeFile(t, dir, "a.md", "hello world")

	boom := func(path string) (StructuredDocument, error) {
		return StructuredDocument{}, os.ErrPermission
	}
	_, err = c.GetOrConvert(context.Background(), p, boom, "cfg1")
	require.Error(t, err)

	_, ok, err := c.GetDocument(context.Background(), p)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestConfigHashDeterministic(t *testing.T) {
	h1, err := ConfigHash(map[string]any{"a": 1, "b": "x"})
	require.NoError(t, err)
	h2, err := ConfigHash(map[string]any{"b": "x", "a": 1})
	require.NoError(t, err)
	require.Equal(t, h1, h2)
}

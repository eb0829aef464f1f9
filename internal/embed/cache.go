package embed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CachedClient wraps a Client with an LRU cache keyed by (model, text hash),
// so re-embedding identical chunk text across an incremental reindex of a
// source whose bytes rehashed but whose chunk text didn't change is a cache
// hit instead of a network call.
type CachedClient struct {
	inner Client
	cache *lru.Cache[string, []float32]
}

var _ Client = (*CachedClient)(nil)

// NewCachedClient wraps inner with an LRU cache holding up to size entries.
func NewCachedClient(inner Client, size int) (*CachedClient, error) {
	if size <= 0 {
		size = 4096
	}
	c, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, err
	}
	return &CachedClient{inner: inner, cache: c}, nil
}

func (c *CachedClient) Dimensions() int   { return c.inner.Dimensions() }
func (c *CachedClient) ModelName() string { return c.inner.ModelName() }

func (c *CachedClient) key(text string) string {
	sum := sha256.Sum256([]byte(c.inner.ModelName() + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

// Embed returns cached vectors where available and only calls the inner
// client for the misses, preserving input order in the result.
func (c *CachedClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string

	for i, t := range texts {
		if v, ok := c.cache.Get(c.key(t)); ok {
			out[i] = v
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, t)
	}

	if len(missTexts) == 0 {
		return out, nil
	}

	vecs, err := c.inner.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	for j, idx := range missIdx {
		out[idx] = vecs[j]
		c.cache.Add(c.key(missTexts[j]), vecs[j])
	}
	return out, nil
}

package embed

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializeRoundTrip(t *testing.T) {
	vec := []float32{0.1, -0.5, 3.25, 0}
	got := DeserializeFloat32(SerializeFloat32(vec))
	assert.Equal(t, vec, got)
}

type fakeClient struct {
	calls [][]string
	dims  int
}

func (f *fakeClient) Dimensions() int   { return f.dims }
func (f *fakeClient) ModelName() string { return "fake" }
func (f *fakeClient) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.calls = append(f.calls, append([]string(nil), texts...))
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t))}
	}
	return out, nil
}

func TestCachedClientDedupesRepeatedText(t *testing.T) {
	fake := &fakeClient{dims: 1}
	cached, err := NewCachedClient(fake, 16)
	require.NoError(t, err)

	ctx := context.Background()
	vecs, err := cached.Embed(ctx, []string{"hello", "world", "hello"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Equal(t, vecs[0], vecs[2])

	// Second call with identical texts should hit cache only.
	_, err = cached.Embed(ctx, []string{"hello", "world"})
	require.NoError(t, err)
	assert.Len(t, fake.calls, 1, "second call should be served entirely from cache")
}

func TestTruncateToWords(t *testing.T) {
	text := "one two three four five"
	assert.Equal(t, text, truncateToWords(text, 10))
	assert.Equal(t, "one two", truncateToWords(text, 2))
}

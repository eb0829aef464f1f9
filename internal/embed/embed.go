// Package embed talks to the external embedding service and serializes
// vectors into the dense-vector extension's native byte layout.
package embed

import (
	"context"
	"encoding/binary"
	"math"
)

// BatchSize is the number of texts sent in a single request to the
// embedding service before the client falls back to per-item calls.
const BatchSize = 32

// RequestTimeoutSeconds is the per-call HTTP timeout. It is generous because the
// first call against a freshly started embedding service can trigger a
// remote model load.
const RequestTimeoutSeconds = 300

// MaxTruncationWords bounds the retry-with-truncation fallback: when a
// single item fails for a reason other than a connection error, it is
// retried once with its text cut down to this many words.
const MaxTruncationWords = 256

// Client generates vector embeddings for text via an external HTTP service.
type Client interface {
	// Embed returns one embedding per input text, preserving order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions reports the embedding width this client produces.
	Dimensions() int
	// ModelName reports the configured model identifier.
	ModelName() string
}

// SerializeFloat32 packs a vector into little-endian float32 bytes, the
// layout the dense-vector index expects.
func SerializeFloat32(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DeserializeFloat32 is the inverse of SerializeFloat32.
func DeserializeFloat32(buf []byte) []float32 {
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}

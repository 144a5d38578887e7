package embedder

import (
	"context"
	"encoding/binary"
	"hash/fnv"
	"math"
)

// OfflineClient produces deterministic vectors derived from the input text.
// The same text always embeds to the same vector, so tests can assert
// idempotent re-embedding without a network dependency.
type OfflineClient struct {
	model      string
	dimensions int
}

// NewOfflineClient creates an offline client reporting the given model name.
func NewOfflineClient(model string, dimensions int) *OfflineClient {
	if dimensions <= 0 {
		dimensions = 768
	}
	return &OfflineClient{model: model, dimensions: dimensions}
}

// Embed hashes the text into a unit-norm vector of the configured size.
func (c *OfflineClient) Embed(ctx context.Context, text string) ([]float32, error) {
	vector := make([]float32, c.dimensions)
	var norm float64
	for i := range vector {
		h := fnv.New64a()
		h.Write([]byte(text))
		var idx [8]byte
		binary.LittleEndian.PutUint64(idx[:], uint64(i))
		h.Write(idx[:])
		v := float64(int64(h.Sum64())) / float64(math.MaxInt64)
		vector[i] = float32(v)
		norm += v * v
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vector {
			vector[i] *= scale
		}
	}
	return vector, nil
}

// Model returns the reported model name.
func (c *OfflineClient) Model() string { return c.model }

// Dimensions returns the vector size.
func (c *OfflineClient) Dimensions() int { return c.dimensions }

package embedding

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"

	"github.com/hyperjump/miru/pkg/utils"
)

// MockExtractor is a deterministic extractor for tests and local runs. The
// embedding is derived from a hash of the bytes, so identical images always map
// to the same vector.
type MockExtractor struct {
	dimensions int
}

// NewMockExtractor returns an extractor producing embeddings of the given dimensions.
func NewMockExtractor(dimensions int) *MockExtractor {
	if dimensions <= 0 {
		dimensions = 1280
	}
	return &MockExtractor{dimensions: dimensions}
}

// Extract returns a unit-length embedding derived from the image hash.
func (e *MockExtractor) Extract(ctx context.Context, image []byte) ([]float32, error) {
	if len(image) == 0 {
		return nil, fmt.Errorf("%w: empty image", ErrExtraction)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h := fnv.New64a()
	_, _ = h.Write(image)
	seed := float64(h.Sum64() % 1_000_003)

	emb := make([]float32, e.dimensions)
	for i := range emb {
		emb[i] = float32(math.Sin(seed*float64(i+1))*0.1 + 0.01)
	}
	utils.NormalizeL2(emb)
	return emb, nil
}

// Dimensions returns the embedding dimension.
func (e *MockExtractor) Dimensions() int {
	return e.dimensions
}

// Close is a no-op for MockExtractor.
func (e *MockExtractor) Close() error {
	return nil
}

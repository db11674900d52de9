// Package embedding defines the image embedding extractor and its caching wrapper.
package embedding

import (
	"context"
	"errors"
)

// ErrExtraction reports input the extractor cannot turn into an embedding.
var ErrExtraction = errors.New("embedding extraction failed")

// Extractor turns image bytes into a fixed-length, L2-normalized embedding.
// Implementations must be deterministic for a given input.
type Extractor interface {
	Extract(ctx context.Context, image []byte) ([]float32, error)
	Dimensions() int
	Close() error
}

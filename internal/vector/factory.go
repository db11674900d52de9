package vector

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/hyperjump/miru/internal/models"
)

// IndexType represents the type of vector index to use.
type IndexType string

const (
	// IndexTypeMemory uses in-memory exact brute-force search.
	IndexTypeMemory IndexType = "memory"
)

// NewVectorIndex creates a vector index of the specified type with the named metric.
// Supported types: "memory" (default).
func NewVectorIndex(indexType string, dimensions int, metric string, logger *zap.Logger) (*MemoryIndex, error) {
	m, err := ParseMetric(metric)
	if err != nil {
		return nil, err
	}
	switch IndexType(indexType) {
	case IndexTypeMemory, "":
		return NewMemoryIndex(dimensions, m, WithLogger(logger))
	default:
		return nil, fmt.Errorf("%w: unknown index type %q (supported: memory)", models.ErrInvalidConfig, indexType)
	}
}

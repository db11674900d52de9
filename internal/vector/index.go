// Package vector provides the embedding index and exact similarity search.
package vector

import "context"

// VectorIndex defines embedding storage and similarity search.
// Records are append-only; Rebuild and Remove build a fresh index from the retained records.
type VectorIndex interface {
	Add(ctx context.Context, ids []string, vectors [][]float32, metadata []map[string]string) error
	Search(ctx context.Context, query []float32, k int) ([]*VectorResult, error)
	BatchSearch(ctx context.Context, queries [][]float32, k int) ([][]*VectorResult, error)
	Lookup(id string) ([]float32, bool)
	IDs() []string
	Rebuild(ctx context.Context, retained []string) (removed int, err error)
	Remove(ctx context.Context, ids ...string) (removed int, err error)
	Persist(path string) error
	Restore(path string) (bool, error)
	Stats() Stats
	Size() int
	Close() error
}

// VectorResult is a single search hit. Score is the bounded similarity
// (1/(1+d) for euclidean-squared, raw inner product otherwise).
type VectorResult struct {
	ID       string            `json:"id"`
	Score    float64           `json:"score"`
	Distance float64           `json:"distance"`
	Position int64             `json:"position"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Stats describes the index contents.
type Stats struct {
	Total           int    `json:"total"`
	Dimensions      int    `json:"dimensions"`
	Metric          Metric `json:"metric"`
	MetadataEntries int    `json:"metadata_entries"`
	NextPosition    int64  `json:"next_position"`
}

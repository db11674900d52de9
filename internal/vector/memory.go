package vector

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hyperjump/miru/internal/metrics"
	"github.com/hyperjump/miru/internal/models"
)

// MaxDimensions is the largest embedding dimension an index accepts.
// Snapshots declaring more are rejected as corrupt.
const MaxDimensions = 1 << 16

// MemoryIndex is an in-memory vector index using exact brute-force search.
// Slots are kept in insertion order, so slot order equals position order.
type MemoryIndex struct {
	dimensions int
	metric     Metric
	ids        []string
	positions  []int64
	vectors    [][]float32
	metadata   map[string]map[string]string
	latest     map[string]int // id -> most recent slot
	nextPos    int64
	logger     *zap.Logger
	mu         sync.RWMutex
}

// Option configures a MemoryIndex.
type Option func(*MemoryIndex)

// WithLogger sets a logger for add/persist/restore/rebuild events.
func WithLogger(l *zap.Logger) Option {
	return func(m *MemoryIndex) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewMemoryIndex creates an empty index with the given dimension and metric.
func NewMemoryIndex(dimensions int, metric Metric, opts ...Option) (*MemoryIndex, error) {
	if dimensions <= 0 || dimensions > MaxDimensions {
		return nil, fmt.Errorf("%w: dimensions must be in 1..%d, got %d", models.ErrInvalidConfig, MaxDimensions, dimensions)
	}
	if metric != MetricEuclideanSquared && metric != MetricInnerProduct {
		return nil, fmt.Errorf("%w: unknown metric %q", models.ErrInvalidConfig, metric)
	}
	m := &MemoryIndex{
		dimensions: dimensions,
		metric:     metric,
		metadata:   make(map[string]map[string]string),
		latest:     make(map[string]int),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Metric returns the configured distance metric.
func (m *MemoryIndex) Metric() Metric {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metric
}

// Dimensions returns the embedding dimension.
func (m *MemoryIndex) Dimensions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dimensions
}

// Add appends vectors with the given IDs. The batch is rejected as a whole if any
// vector has the wrong length or the counts disagree. metadata may be nil; when set
// it must be parallel to ids, and nil entries leave existing metadata untouched.
// Duplicate IDs are appended, never overwritten.
func (m *MemoryIndex) Add(ctx context.Context, ids []string, vectors [][]float32, metadata []map[string]string) error {
	if len(ids) != len(vectors) {
		return fmt.Errorf("%w: %d ids, %d vectors", models.ErrCountMismatch, len(ids), len(vectors))
	}
	if metadata != nil && len(metadata) != len(ids) {
		return fmt.Errorf("%w: %d ids, %d metadata entries", models.ErrCountMismatch, len(ids), len(metadata))
	}
	if len(ids) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, vec := range vectors {
		if len(vec) != m.dimensions {
			return fmt.Errorf("%w: vector %d (%s) has %d, expected %d",
				models.ErrDimensionMismatch, i, ids[i], len(vec), m.dimensions)
		}
	}
	for i, id := range ids {
		vec := make([]float32, m.dimensions)
		copy(vec, vectors[i])
		m.latest[id] = len(m.ids)
		m.ids = append(m.ids, id)
		m.positions = append(m.positions, m.nextPos)
		m.vectors = append(m.vectors, vec)
		m.nextPos++
		if metadata != nil && metadata[i] != nil {
			m.metadata[id] = copyMetadata(metadata[i])
		}
	}
	metrics.RecordVectorsAdded(len(ids))
	metrics.SetIndexSize(len(m.ids))
	m.logger.Debug("vectors added", zap.Int("count", len(ids)), zap.Int("total", len(m.ids)))
	return nil
}

// Search returns the k most similar vectors, best first. Ties keep insertion order.
// An empty index yields an empty result, not an error.
func (m *MemoryIndex) Search(ctx context.Context, query []float32, k int) ([]*VectorResult, error) {
	start := time.Now()
	defer func() { metrics.ObserveSearch("single", time.Since(start)) }()
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(query) != m.dimensions {
		return nil, fmt.Errorf("%w: query has %d, expected %d", models.ErrDimensionMismatch, len(query), m.dimensions)
	}
	return m.scanLocked(query, k), nil
}

// BatchSearch runs Search for every query under one read lock, scanning queries in
// parallel. All queries are validated before any scan starts.
func (m *MemoryIndex) BatchSearch(ctx context.Context, queries [][]float32, k int) ([][]*VectorResult, error) {
	start := time.Now()
	defer func() { metrics.ObserveSearch("batch", time.Since(start)) }()
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i, q := range queries {
		if len(q) != m.dimensions {
			return nil, fmt.Errorf("%w: query %d has %d, expected %d", models.ErrDimensionMismatch, i, len(q), m.dimensions)
		}
	}
	results := make([][]*VectorResult, len(queries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range queries {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = m.scanLocked(queries[i], k)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// scanLocked computes the metric against every stored vector. Caller holds mu.
func (m *MemoryIndex) scanLocked(query []float32, k int) []*VectorResult {
	if k <= 0 || len(m.ids) == 0 {
		return []*VectorResult{}
	}
	if k > len(m.ids) {
		k = len(m.ids)
	}
	best := newTopK(k)
	for i, vec := range m.vectors {
		d := m.metric.distance(query, vec)
		best.offer(candidate{pos: i, score: m.metric.similarity(d), dist: d})
	}
	ranked := best.sorted()
	out := make([]*VectorResult, len(ranked))
	for i, c := range ranked {
		id := m.ids[c.pos]
		out[i] = &VectorResult{
			ID:       id,
			Score:    c.score,
			Distance: c.dist,
			Position: m.positions[c.pos],
			Metadata: copyMetadata(m.metadata[id]),
		}
	}
	return out
}

// Lookup returns a copy of the most recently added embedding for id.
func (m *MemoryIndex) Lookup(id string) ([]float32, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	slot, ok := m.latest[id]
	if !ok {
		return nil, false
	}
	return append([]float32(nil), m.vectors[slot]...), true
}

// IDs returns the distinct record IDs in first-insertion order.
func (m *MemoryIndex) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.latest))
	seen := make(map[string]struct{}, len(m.latest))
	for _, id := range m.ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// RebuildFrom constructs a new index holding only the records whose ID is retained.
// Retained records keep their positions and the position counter carries over, so
// positions are never reused. The receiver is not modified.
func (m *MemoryIndex) RebuildFrom(retained []string) (*MemoryIndex, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.retainLocked(retained), nil
}

// Swap adopts the state of a fully built index (e.g. from RebuildFrom) atomically.
func (m *MemoryIndex) Swap(fresh *MemoryIndex) error {
	if fresh == nil {
		return fmt.Errorf("%w: nil index", models.ErrInvalidConfig)
	}
	if fresh == m {
		return nil
	}
	fresh.mu.RLock()
	defer fresh.mu.RUnlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adoptLocked(fresh)
	return nil
}

// Rebuild replaces the index with a fresh one built from the retained IDs and returns
// how many records were dropped. Writers are held off for the whole rebuild.
func (m *MemoryIndex) Rebuild(ctx context.Context, retained []string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	before := len(m.ids)
	fresh := m.retainLocked(retained)
	m.adoptLocked(fresh)
	removed := before - len(m.ids)
	metrics.SetIndexSize(len(m.ids))
	m.logger.Info("vector index rebuilt", zap.Int("retained", len(m.ids)), zap.Int("removed", removed))
	return removed, nil
}

// Remove drops every record whose ID is in ids and returns how many records
// were dropped. The retained set is computed under the write lock, so records
// added concurrently are never lost. Positions are not reused.
func (m *MemoryIndex) Remove(ctx context.Context, ids ...string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	retained := make([]string, 0, len(m.latest))
	for id := range m.latest {
		if _, ok := drop[id]; !ok {
			retained = append(retained, id)
		}
	}
	if len(retained) == len(m.latest) {
		return 0, nil
	}
	before := len(m.ids)
	m.adoptLocked(m.retainLocked(retained))
	removed := before - len(m.ids)
	metrics.SetIndexSize(len(m.ids))
	m.logger.Info("vectors removed", zap.Strings("ids", ids), zap.Int("removed", removed))
	return removed, nil
}

func (m *MemoryIndex) retainLocked(retained []string) *MemoryIndex {
	keep := make(map[string]struct{}, len(retained))
	for _, id := range retained {
		keep[id] = struct{}{}
	}
	fresh := &MemoryIndex{
		dimensions: m.dimensions,
		metric:     m.metric,
		metadata:   make(map[string]map[string]string),
		latest:     make(map[string]int),
		nextPos:    m.nextPos,
		logger:     m.logger,
	}
	for i, id := range m.ids {
		if _, ok := keep[id]; !ok {
			continue
		}
		fresh.latest[id] = len(fresh.ids)
		fresh.ids = append(fresh.ids, id)
		fresh.positions = append(fresh.positions, m.positions[i])
		fresh.vectors = append(fresh.vectors, m.vectors[i])
	}
	for id, md := range m.metadata {
		if _, ok := keep[id]; ok {
			fresh.metadata[id] = md
		}
	}
	return fresh
}

// adoptLocked takes over fresh's state. Caller holds m.mu for writing.
func (m *MemoryIndex) adoptLocked(fresh *MemoryIndex) {
	m.dimensions = fresh.dimensions
	m.metric = fresh.metric
	m.ids = fresh.ids
	m.positions = fresh.positions
	m.vectors = fresh.vectors
	m.metadata = fresh.metadata
	m.latest = fresh.latest
	m.nextPos = fresh.nextPos
}

// Persist writes a snapshot to path. The file is written to a temporary sibling and
// renamed into place, so readers of path see either the old or the new snapshot.
func (m *MemoryIndex) Persist(path string) (err error) {
	defer func() { metrics.RecordSnapshot("persist", err) }()
	if path == "" {
		return fmt.Errorf("%w: empty snapshot path", models.ErrIO)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("%w: create index dir: %v", models.ErrIO, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: create snapshot file: %v", models.ErrIO, err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()
	if err := encodeSnapshot(tmp, m); err != nil {
		return fmt.Errorf("%w: write snapshot: %v", models.ErrIO, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("%w: sync snapshot: %v", models.ErrIO, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close snapshot: %v", models.ErrIO, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("%w: rename snapshot: %v", models.ErrIO, err)
	}
	committed = true
	m.logger.Info("vector index persisted", zap.String("path", path), zap.Int("total", len(m.ids)))
	return nil
}

// Restore replaces the in-memory state with the snapshot at path, including its
// dimension and metric. A missing file returns false with no error. A file that
// cannot be decoded returns ErrCorruptSnapshot and leaves the current state untouched.
func (m *MemoryIndex) Restore(path string) (restored bool, err error) {
	defer func() { metrics.RecordSnapshot("restore", err) }()
	if path == "" {
		return false, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			m.logger.Info("no vector index snapshot, starting empty", zap.String("path", path))
			return false, nil
		}
		return false, fmt.Errorf("%w: open snapshot: %v", models.ErrIO, err)
	}
	defer f.Close()
	fresh, err := decodeSnapshot(f)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if fresh.dimensions != m.dimensions || fresh.metric != m.metric {
		m.logger.Warn("snapshot overrides index configuration",
			zap.Int("dimensions", fresh.dimensions), zap.String("metric", string(fresh.metric)))
	}
	m.adoptLocked(fresh)
	metrics.SetIndexSize(len(m.ids))
	m.logger.Info("vector index restored", zap.String("path", path), zap.Int("total", len(m.ids)))
	return true, nil
}

// Stats returns record count, dimension, metric and metadata entry count.
func (m *MemoryIndex) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{
		Total:           len(m.ids),
		Dimensions:      m.dimensions,
		Metric:          m.metric,
		MetadataEntries: len(m.metadata),
		NextPosition:    m.nextPos,
	}
}

// Size returns the number of vectors in the index.
func (m *MemoryIndex) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.ids)
}

// Close is a no-op for MemoryIndex.
func (m *MemoryIndex) Close() error {
	return nil
}

func copyMetadata(md map[string]string) map[string]string {
	if md == nil {
		return nil
	}
	out := make(map[string]string, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}

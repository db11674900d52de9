// Package recommend blends visual similarity and co-occurrence into ranked
// product recommendations.
package recommend

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/miru/internal/config"
	"github.com/hyperjump/miru/internal/interactions"
	"github.com/hyperjump/miru/internal/metrics"
	"github.com/hyperjump/miru/internal/models"
	"github.com/hyperjump/miru/internal/vector"
)

// EmbeddingLookup resolves the stored embedding of a product.
type EmbeddingLookup interface {
	Embedding(ctx context.Context, productID string) ([]float32, bool, error)
}

// Journal durably records interactions before they are applied.
type Journal interface {
	Append(in models.Interaction) error
	Replay(ctx context.Context, fn func(models.Interaction) error) (int, error)
	Count() (int, error)
}

// Engine serves recommendations from the vector index and the interaction store.
type Engine struct {
	index    vector.VectorIndex
	store    *interactions.Store
	lookup   EmbeddingLookup
	journal  Journal
	config   config.RecommendConfig
	logger   *zap.Logger
	recordMu sync.Mutex
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithEmbeddingLookup sets the catalog consulted before the index when
// resolving a product's embedding.
func WithEmbeddingLookup(l EmbeddingLookup) Option {
	return func(e *Engine) { e.lookup = l }
}

// WithJournal makes RecordInteraction append to j before applying.
func WithJournal(j Journal) Option {
	return func(e *Engine) { e.journal = j }
}

// WithClock overrides the interaction timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine creates a recommendation engine with the given dependencies.
func NewEngine(index vector.VectorIndex, store *interactions.Store, cfg config.RecommendConfig, opts ...Option) *Engine {
	e := &Engine{
		index:  index,
		store:  store,
		config: cfg,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Store returns the interaction store.
func (e *Engine) Store() *interactions.Store {
	return e.store
}

// Collaborative returns up to n products co-occurring with productID, scored
// by count over the largest count in the row.
func (e *Engine) Collaborative(productID string, n int) []*models.Recommendation {
	if n <= 0 {
		return []*models.Recommendation{}
	}
	row := e.store.CoOccurring(productID)
	if len(row) == 0 {
		return []*models.Recommendation{}
	}
	type neighbor struct {
		id    string
		count int
	}
	neighbors := make([]neighbor, 0, len(row))
	maxCount := 0
	for id, c := range row {
		neighbors = append(neighbors, neighbor{id, c})
		if c > maxCount {
			maxCount = c
		}
	}
	sort.Slice(neighbors, func(i, j int) bool {
		if neighbors[i].count != neighbors[j].count {
			return neighbors[i].count > neighbors[j].count
		}
		return neighbors[i].id < neighbors[j].id
	})
	if len(neighbors) > n {
		neighbors = neighbors[:n]
	}
	out := make([]*models.Recommendation, len(neighbors))
	for i, nb := range neighbors {
		out[i] = &models.Recommendation{
			ProductID: nb.id,
			Score:     float64(nb.count) / float64(maxCount),
			Reason:    models.CoViewedReason(nb.count),
		}
	}
	return out
}

// Visual returns up to n products visually similar to productID. A product
// with no known embedding yields an empty list. The anchor itself and repeated
// IDs are skipped.
func (e *Engine) Visual(ctx context.Context, productID string, n int) ([]*models.Recommendation, error) {
	if n <= 0 {
		return []*models.Recommendation{}, nil
	}
	query, ok, err := e.resolveEmbedding(ctx, productID)
	if err != nil {
		return nil, err
	}
	if !ok {
		e.logger.Debug("no embedding for product", zap.String("product_id", productID))
		return []*models.Recommendation{}, nil
	}

	total := e.index.Size()
	k := n + 1
	for {
		results, err := e.index.Search(ctx, query, k)
		if err != nil {
			return nil, fmt.Errorf("visual search for %s: %w", productID, err)
		}
		out := make([]*models.Recommendation, 0, n)
		seen := map[string]struct{}{productID: {}}
		for _, r := range results {
			if _, dup := seen[r.ID]; dup {
				continue
			}
			seen[r.ID] = struct{}{}
			out = append(out, &models.Recommendation{ProductID: r.ID, Score: r.Score, Reason: models.ReasonVisual})
			if len(out) == n {
				return out, nil
			}
		}
		if len(results) < k || k >= total {
			return out, nil
		}
		k *= 2
	}
}

// resolveEmbedding asks the catalog first, then the index's latest record.
func (e *Engine) resolveEmbedding(ctx context.Context, productID string) ([]float32, bool, error) {
	if e.lookup != nil {
		vec, ok, err := e.lookup.Embedding(ctx, productID)
		if err != nil {
			return nil, false, fmt.Errorf("embedding lookup for %s: %w", productID, err)
		}
		if ok {
			return vec, true, nil
		}
	}
	vec, ok := e.index.Lookup(productID)
	return vec, ok, nil
}

// Hybrid blends 2n visual and 2n collaborative candidates with the given
// weights and returns the top n.
func (e *Engine) Hybrid(ctx context.Context, productID string, n int, visualWeight, collaborativeWeight float64) ([]*models.Recommendation, error) {
	if n <= 0 {
		return []*models.Recommendation{}, nil
	}
	visual, err := e.Visual(ctx, productID, 2*n)
	if err != nil {
		return nil, err
	}
	collaborative := e.Collaborative(productID, 2*n)

	fused := Fuse(visual, collaborative, visualWeight, collaborativeWeight)
	if len(fused) > n {
		fused = fused[:n]
	}
	out := make([]*models.Recommendation, len(fused))
	for i, f := range fused {
		out[i] = f.Recommendation()
	}
	return out, nil
}

// Popular returns the n most popular products, scored by count over the top count.
func (e *Engine) Popular(n int) []*models.Recommendation {
	top := e.store.TopPopular(n)
	counts := make([]int, len(top))
	for i, p := range top {
		counts[i] = p.Count
	}
	scores := normalizeByMax(counts)
	out := make([]*models.Recommendation, len(top))
	for i, p := range top {
		out[i] = &models.Recommendation{ProductID: p.ProductID, Score: scores[i], Reason: models.ReasonPopular}
	}
	return out
}

// Recommend resolves an anchor product and dispatches to the requested
// strategy. With no product and no user history it falls back to popularity.
func (e *Engine) Recommend(ctx context.Context, q *models.RecommendationQuery) (*models.RecommendationResponse, error) {
	start := time.Now()
	if q.Strategy < models.StrategyHybrid || q.Strategy > models.StrategyCollaborative {
		return nil, fmt.Errorf("%w: %d", models.ErrInvalidStrategy, int(q.Strategy))
	}
	n := e.clampLimit(q.Limit)

	anchor := q.ProductID
	if anchor == "" && q.UserID != "" {
		if last, ok := e.store.LastProduct(q.UserID); ok {
			anchor = last
			e.logger.Debug("using last product of user as anchor",
				zap.String("user_id", q.UserID), zap.String("product_id", last))
		}
	}

	resp := &models.RecommendationResponse{
		Strategy:        q.Strategy.String(),
		AnchorProductID: anchor,
	}
	var err error
	switch {
	case anchor == "":
		resp.Recommendations = e.Popular(n)
		resp.Fallback = true
	case q.Strategy == models.StrategyVisual:
		resp.Recommendations, err = e.Visual(ctx, anchor, n)
	case q.Strategy == models.StrategyCollaborative:
		resp.Recommendations = e.Collaborative(anchor, n)
	default:
		resp.Recommendations, err = e.Hybrid(ctx, anchor, n, e.config.VisualWeight, e.config.CollaborativeWeight)
	}
	if err != nil {
		return nil, err
	}

	elapsed := time.Since(start)
	resp.QueryTime = elapsed.Milliseconds()
	metrics.RecordRecommendation(resp.Strategy, resp.Fallback, elapsed)
	e.logger.Debug("recommendations served",
		zap.String("strategy", resp.Strategy),
		zap.String("anchor", anchor),
		zap.Bool("fallback", resp.Fallback),
		zap.Int("count", len(resp.Recommendations)))
	return resp, nil
}

func (e *Engine) clampLimit(limit int) int {
	if limit <= 0 {
		limit = e.config.DefaultLimit
	}
	if e.config.MaxLimit > 0 && limit > e.config.MaxLimit {
		limit = e.config.MaxLimit
	}
	return limit
}

// RecordInteraction validates and records an interaction, journaling it first
// when a journal is configured. It returns the user's history length. A failed
// journal write leaves the store untouched.
func (e *Engine) RecordInteraction(ctx context.Context, userID, productID, kind string) (int, error) {
	k, err := models.ParseInteractionKind(kind)
	if err != nil {
		return 0, err
	}
	in := models.Interaction{
		ID:        uuid.New().String(),
		UserID:    userID,
		ProductID: productID,
		Kind:      k,
		Timestamp: e.now().UTC(),
	}
	if err := in.Validate(); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	e.recordMu.Lock()
	defer e.recordMu.Unlock()
	if e.journal != nil {
		if err := e.journal.Append(in); err != nil {
			return 0, fmt.Errorf("journal interaction: %w", err)
		}
	}
	return e.store.Apply(in)
}

// Replay loads every journaled interaction into the store.
func (e *Engine) Replay(ctx context.Context) (int, error) {
	if e.journal == nil {
		return 0, nil
	}
	e.recordMu.Lock()
	defer e.recordMu.Unlock()
	n, err := e.journal.Replay(ctx, func(in models.Interaction) error {
		if _, err := e.store.Apply(in); err != nil {
			e.logger.Warn("skipping invalid journaled interaction", zap.String("id", in.ID), zap.Error(err))
		}
		return nil
	})
	if err != nil {
		return n, err
	}
	e.logger.Info("interactions restored", zap.Int("count", n))
	return n, nil
}

// JournalEntries returns the number of journaled interactions, 0 without a journal.
func (e *Engine) JournalEntries() (int, error) {
	if e.journal == nil {
		return 0, nil
	}
	return e.journal.Count()
}

// Stats returns interaction and co-occurrence statistics.
func (e *Engine) Stats() models.RecommendationStats {
	return e.store.Stats()
}

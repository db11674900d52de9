// Package interactions keeps per-user interaction histories, global product
// popularity and the co-occurrence matrix derived from them.
package interactions

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/miru/internal/metrics"
	"github.com/hyperjump/miru/internal/models"
)

const (
	// DefaultWindowSize is how many prior history entries pair with a new interaction.
	DefaultWindowSize = 10
	// TopPairsLimit bounds the pairs reported by Stats.
	TopPairsLimit = 10
)

// ProductCount is a product with its popularity count.
type ProductCount struct {
	ProductID string `json:"product_id"`
	Count     int    `json:"count"`
}

// Store owns user histories, the popularity counter and the co-occurrence
// matrix. A single lock covers all three so that a recorded interaction is
// observed as one unit.
type Store struct {
	mu           sync.RWMutex
	histories    map[string][]models.HistoryEntry
	popularity   map[string]int
	byKind       map[models.InteractionKind]int
	total        int
	matrix       *Matrix
	windowSize   int
	historyLimit int
	now          func() time.Time
	logger       *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithWindowSize sets how many prior entries form the co-occurrence window.
func WithWindowSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.windowSize = n
		}
	}
}

// WithHistoryLimit caps each user's history. 0 keeps histories unbounded.
func WithHistoryLimit(n int) Option {
	return func(s *Store) {
		if n >= 0 {
			s.historyLimit = n
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore creates an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		histories:  make(map[string][]models.HistoryEntry),
		popularity: make(map[string]int),
		byKind:     make(map[models.InteractionKind]int),
		matrix:     newMatrix(),
		windowSize: DefaultWindowSize,
		now:        time.Now,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.historyLimit > 0 && s.historyLimit < s.windowSize {
		s.logger.Warn("history limit below co-occurrence window, raising it",
			zap.Int("history_limit", s.historyLimit), zap.Int("window_size", s.windowSize))
		s.historyLimit = s.windowSize
	}
	return s
}

// Record appends an interaction stamped with the current time and returns the
// user's history length.
func (s *Store) Record(userID, productID string, kind models.InteractionKind) (int, error) {
	return s.Apply(models.Interaction{UserID: userID, ProductID: productID, Kind: kind, Timestamp: s.now()})
}

// Apply appends a fully formed interaction. A zero timestamp is replaced with
// the current time. The history append, popularity increment and co-occurrence
// updates happen under one write lock.
func (s *Store) Apply(in models.Interaction) (int, error) {
	if err := in.Validate(); err != nil {
		return 0, err
	}
	kind, _ := models.ParseInteractionKind(string(in.Kind))
	ts := in.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	history := s.histories[in.UserID]
	start := len(history) - s.windowSize
	if start < 0 {
		start = 0
	}
	seen := make(map[string]struct{}, len(history)-start)
	for _, prior := range history[start:] {
		if prior.ProductID == in.ProductID {
			continue
		}
		if _, dup := seen[prior.ProductID]; dup {
			continue
		}
		seen[prior.ProductID] = struct{}{}
		s.matrix.increment(in.ProductID, prior.ProductID)
	}

	history = append(history, models.HistoryEntry{ProductID: in.ProductID, Timestamp: ts})
	if s.historyLimit > 0 && len(history) > s.historyLimit {
		trimmed := make([]models.HistoryEntry, s.historyLimit)
		copy(trimmed, history[len(history)-s.historyLimit:])
		history = trimmed
	}
	s.histories[in.UserID] = history
	s.popularity[in.ProductID]++
	s.byKind[kind]++
	s.total++

	metrics.RecordInteraction(string(kind))
	return len(history), nil
}

// Popularity returns how many interactions product has received.
func (s *Store) Popularity(productID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.popularity[productID]
}

// CoOccurring returns a copy of product's co-occurrence row, empty if none.
func (s *Store) CoOccurring(productID string) map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.matrix.Row(productID)
}

// CoOccurrence returns count(a,b).
func (s *Store) CoOccurrence(a, b string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.matrix.Count(a, b)
}

// History returns a copy of the user's history, oldest first.
func (s *Store) History(userID string) []models.HistoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.HistoryEntry(nil), s.histories[userID]...)
}

// LastProduct returns the user's most recently recorded product.
func (s *Store) LastProduct(userID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h := s.histories[userID]
	if len(h) == 0 {
		return "", false
	}
	return h[len(h)-1].ProductID, true
}

// TopPopular returns up to n products by popularity, highest first. Equal
// counts order by product id.
func (s *Store) TopPopular(n int) []ProductCount {
	if n <= 0 {
		return []ProductCount{}
	}
	s.mu.RLock()
	out := make([]ProductCount, 0, len(s.popularity))
	for id, c := range s.popularity {
		out = append(out, ProductCount{ProductID: id, Count: c})
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].ProductID < out[j].ProductID
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// Stats summarises the store. TotalInteractions counts every recorded event,
// including entries later trimmed by the history limit.
func (s *Store) Stats() models.RecommendationStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byKind := make(map[models.InteractionKind]int, len(s.byKind))
	for k, v := range s.byKind {
		byKind[k] = v
	}
	return models.RecommendationStats{
		TotalInteractions:        s.total,
		UniqueUsers:              len(s.histories),
		UniqueProducts:           len(s.popularity),
		ProductsWithCooccurrence: s.matrix.Products(),
		ByKind:                   byKind,
		TopPairs:                 s.matrix.TopPairs(TopPairsLimit),
	}
}

// WindowSize returns the configured co-occurrence window.
func (s *Store) WindowSize() int {
	return s.windowSize
}

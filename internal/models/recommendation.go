package models

import (
	"fmt"
	"strings"
)

// Strategy selects how recommendations are produced. It is a closed set:
// names are parsed once at the boundary with ParseStrategy.
type Strategy int

const (
	StrategyHybrid Strategy = iota
	StrategyVisual
	StrategyCollaborative
)

// String returns the wire name of the strategy.
func (s Strategy) String() string {
	switch s {
	case StrategyVisual:
		return "visual"
	case StrategyCollaborative:
		return "collaborative"
	default:
		return "hybrid"
	}
}

// ParseStrategy maps a strategy name to a Strategy. Empty means hybrid.
func ParseStrategy(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "hybrid":
		return StrategyHybrid, nil
	case "visual":
		return StrategyVisual, nil
	case "collaborative":
		return StrategyCollaborative, nil
	default:
		return StrategyHybrid, fmt.Errorf("%w: %q (supported: visual, collaborative, hybrid)", ErrInvalidStrategy, name)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Strategy) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler, rejecting unknown names.
func (s *Strategy) UnmarshalText(b []byte) error {
	parsed, err := ParseStrategy(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Reason tags attached to recommendations.
const (
	ReasonVisual  = "visually similar"
	ReasonPopular = "popular"
	// ReasonSeparator joins reasons when more than one strategy contributed.
	ReasonSeparator = " + "
)

// CoViewedReason returns the collaborative reason tag for a co-occurrence count.
func CoViewedReason(count int) string {
	return fmt.Sprintf("co-viewed %d times", count)
}

// Recommendation is a single ranked candidate. Ephemeral, never persisted.
type Recommendation struct {
	ProductID string  `json:"product_id"`
	Score     float64 `json:"score"`
	Reason    string  `json:"reason"`
}

// RecommendationQuery is the resolved input of get_recommendations.
type RecommendationQuery struct {
	ProductID string   `json:"product_id,omitempty" validate:"max=256"`
	UserID    string   `json:"user_id,omitempty" validate:"max=256"`
	Limit     int      `json:"limit,omitempty" validate:"min=0"`
	Strategy  Strategy `json:"strategy"`
}

// RecommendationResponse is the response for a recommendation request.
type RecommendationResponse struct {
	Recommendations []*Recommendation `json:"recommendations"`
	Strategy        string            `json:"strategy"`
	AnchorProductID string            `json:"anchor_product_id,omitempty"`
	Fallback        bool              `json:"fallback,omitempty"`
	QueryTime       int64             `json:"query_time_ms"`
}

// PairCount is a canonical (ProductA < ProductB) co-occurrence pair.
type PairCount struct {
	ProductA string `json:"product_a"`
	ProductB string `json:"product_b"`
	Count    int    `json:"count"`
}

// RecommendationStats summarises the interaction store and co-occurrence matrix.
type RecommendationStats struct {
	TotalInteractions        int                     `json:"total_interactions"`
	UniqueUsers              int                     `json:"unique_users"`
	UniqueProducts           int                     `json:"unique_products"`
	ProductsWithCooccurrence int                     `json:"products_with_cooccurrence"`
	ByKind                   map[InteractionKind]int `json:"by_kind"`
	TopPairs                 []PairCount             `json:"top_pairs"`
}

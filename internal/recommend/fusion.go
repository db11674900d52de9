package recommend

import (
	"sort"
	"strings"

	"github.com/hyperjump/miru/internal/models"
)

// FusedResult holds a product with its blended and per-strategy scores.
type FusedResult struct {
	ProductID          string
	Score              float64
	VisualScore        float64
	CollaborativeScore float64
	Reasons            []string
}

// Fuse merges visual and collaborative candidates with weights. A candidate
// missing from one list contributes 0 for that strategy. Results are sorted by
// score descending, then product ID ascending.
func Fuse(visual, collaborative []*models.Recommendation, visualWeight, collaborativeWeight float64) []*FusedResult {
	byID := make(map[string]*FusedResult, len(visual)+len(collaborative))
	for _, r := range visual {
		if _, dup := byID[r.ProductID]; dup {
			continue
		}
		byID[r.ProductID] = &FusedResult{
			ProductID:   r.ProductID,
			VisualScore: r.Score,
			Reasons:     []string{r.Reason},
		}
	}
	for _, r := range collaborative {
		if fused, ok := byID[r.ProductID]; ok {
			if fused.CollaborativeScore == 0 {
				fused.CollaborativeScore = r.Score
				fused.Reasons = append(fused.Reasons, r.Reason)
			}
			continue
		}
		byID[r.ProductID] = &FusedResult{
			ProductID:          r.ProductID,
			CollaborativeScore: r.Score,
			Reasons:            []string{r.Reason},
		}
	}

	results := make([]*FusedResult, 0, len(byID))
	for _, fused := range byID {
		fused.Score = visualWeight*fused.VisualScore + collaborativeWeight*fused.CollaborativeScore
		results = append(results, fused)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ProductID < results[j].ProductID
	})
	return results
}

// Recommendation converts a fused result into a ranked recommendation.
func (f *FusedResult) Recommendation() *models.Recommendation {
	return &models.Recommendation{
		ProductID: f.ProductID,
		Score:     f.Score,
		Reason:    strings.Join(f.Reasons, models.ReasonSeparator),
	}
}

// normalizeByMax scales counts into (0, 1] by the largest count in counts.
func normalizeByMax(counts []int) []float64 {
	out := make([]float64, len(counts))
	maxCount := 0
	for _, c := range counts {
		if c > maxCount {
			maxCount = c
		}
	}
	if maxCount == 0 {
		return out
	}
	for i, c := range counts {
		out[i] = float64(c) / float64(maxCount)
	}
	return out
}

package interactions

import (
	"sort"

	"github.com/hyperjump/miru/internal/models"
)

// Matrix is a symmetric product-pair co-occurrence table. It has no locking of
// its own; the owning Store guards it.
type Matrix struct {
	rows map[string]map[string]int
}

func newMatrix() *Matrix {
	return &Matrix{rows: make(map[string]map[string]int)}
}

// increment bumps count(a,b) and count(b,a). Self-pairs are ignored.
func (m *Matrix) increment(a, b string) {
	if a == b {
		return
	}
	m.bump(a, b)
	m.bump(b, a)
}

func (m *Matrix) bump(a, b string) {
	row, ok := m.rows[a]
	if !ok {
		row = make(map[string]int)
		m.rows[a] = row
	}
	row[b]++
}

// Count returns count(a,b), 0 if the pair was never observed.
func (m *Matrix) Count(a, b string) int {
	return m.rows[a][b]
}

// Row returns a copy of the co-occurrence row for product.
func (m *Matrix) Row(product string) map[string]int {
	row := m.rows[product]
	out := make(map[string]int, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

// Products returns the number of products with at least one co-occurrence.
func (m *Matrix) Products() int {
	return len(m.rows)
}

// TopPairs returns the n highest-count pairs, each reported once with the
// lexicographically smaller id first. Equal counts order by (a, b).
func (m *Matrix) TopPairs(n int) []models.PairCount {
	var pairs []models.PairCount
	for a, row := range m.rows {
		for b, count := range row {
			if a < b {
				pairs = append(pairs, models.PairCount{ProductA: a, ProductB: b, Count: count})
			}
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Count != pairs[j].Count {
			return pairs[i].Count > pairs[j].Count
		}
		if pairs[i].ProductA != pairs[j].ProductA {
			return pairs[i].ProductA < pairs[j].ProductA
		}
		return pairs[i].ProductB < pairs[j].ProductB
	})
	if n >= 0 && len(pairs) > n {
		pairs = pairs[:n]
	}
	if pairs == nil {
		pairs = []models.PairCount{}
	}
	return pairs
}

package vector

import (
	"fmt"
	"math"
	"strings"

	"github.com/hyperjump/miru/internal/models"
)

// Metric is the distance function used by the index.
type Metric string

const (
	// MetricEuclideanSquared ranks by squared L2 distance; similarity is 1/(1+d).
	MetricEuclideanSquared Metric = "euclidean_squared"
	// MetricInnerProduct ranks by inner product; on normalized vectors this is cosine similarity.
	MetricInnerProduct Metric = "inner_product"
)

// ParseMetric maps a metric name (or a common alias) to a Metric.
func ParseMetric(name string) (Metric, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", string(MetricInnerProduct), "ip", "cosine":
		return MetricInnerProduct, nil
	case string(MetricEuclideanSquared), "l2", "euclidean":
		return MetricEuclideanSquared, nil
	default:
		return "", fmt.Errorf("%w: unknown metric %q (supported: euclidean_squared, inner_product)", models.ErrInvalidConfig, name)
	}
}

func (m Metric) code() uint8 {
	if m == MetricEuclideanSquared {
		return 1
	}
	return 2
}

func metricFromCode(c uint8) (Metric, bool) {
	switch c {
	case 1:
		return MetricEuclideanSquared, true
	case 2:
		return MetricInnerProduct, true
	}
	return "", false
}

// distance returns the raw metric value between a and b.
// Lower is closer for euclidean-squared, higher is closer for inner product.
func (m Metric) distance(a, b []float32) float64 {
	if m == MetricEuclideanSquared {
		return SquaredL2(a, b)
	}
	return InnerProduct(a, b)
}

// similarity converts a raw metric value to a score where higher is closer.
func (m Metric) similarity(d float64) float64 {
	if m == MetricEuclideanSquared {
		return 1 / (1 + d)
	}
	return d
}

// InnerProduct returns the inner product of two vectors (for normalized vectors equals cosine similarity).
func InnerProduct(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

// SquaredL2 returns the squared euclidean distance between two vectors.
func SquaredL2(a, b []float32) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return sum
}

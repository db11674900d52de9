// Package metrics holds the Prometheus instrumentation for the index, the
// interaction store and the recommendation engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// VectorsAddedTotal counts embeddings appended to the vector index.
	VectorsAddedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "miru_vectors_added_total",
		Help: "Total number of embeddings added to the vector index",
	})

	// IndexSize is the current number of records in the vector index.
	IndexSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "miru_index_size",
		Help: "Current number of records in the vector index",
	})

	// SearchDuration measures k-NN scan latency.
	SearchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "miru_search_duration_seconds",
			Help:    "Vector search latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14), // 0.1ms to ~1.6s
		},
		[]string{"kind"},
	)

	// InteractionsTotal counts recorded interactions by kind.
	InteractionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "miru_interactions_total",
			Help: "Total number of recorded interactions",
		},
		[]string{"kind"},
	)

	// RecommendationsTotal counts recommendation requests by strategy and fallback.
	RecommendationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "miru_recommendations_total",
			Help: "Total number of recommendation requests",
		},
		[]string{"strategy", "fallback"},
	)

	// RecommendationDuration measures end-to-end recommendation latency.
	RecommendationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "miru_recommendation_duration_seconds",
			Help:    "Recommendation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"strategy"},
	)

	// SnapshotOperations counts persist/restore calls by outcome.
	SnapshotOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "miru_snapshot_operations_total",
			Help: "Total number of snapshot persist/restore operations",
		},
		[]string{"operation", "status"},
	)
)

// RecordVectorsAdded records a successful batch add.
func RecordVectorsAdded(n int) {
	VectorsAddedTotal.Add(float64(n))
}

// SetIndexSize updates the index size gauge.
func SetIndexSize(n int) {
	IndexSize.Set(float64(n))
}

// ObserveSearch records a search latency sample ("single" or "batch").
func ObserveSearch(kind string, d time.Duration) {
	SearchDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// RecordInteraction counts an interaction of the given kind.
func RecordInteraction(kind string) {
	InteractionsTotal.WithLabelValues(kind).Inc()
}

// RecordRecommendation records a served recommendation request.
func RecordRecommendation(strategy string, fallback bool, d time.Duration) {
	fb := "false"
	if fallback {
		fb = "true"
	}
	RecommendationsTotal.WithLabelValues(strategy, fb).Inc()
	RecommendationDuration.WithLabelValues(strategy).Observe(d.Seconds())
}

// RecordSnapshot counts a persist or restore attempt.
func RecordSnapshot(operation string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	SnapshotOperations.WithLabelValues(operation, status).Inc()
}

// Package cli formats command output for the miru CLI.
package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/goccy/go-json"

	"github.com/hyperjump/miru/internal/models"
	"github.com/hyperjump/miru/internal/vector"
)

// OutputFormat selects how command results are written.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

// ParseOutputFormat accepts "text" or "json"; empty means text.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch strings.ToLower(s) {
	case "", string(OutputText):
		return OutputText, nil
	case string(OutputJSON):
		return OutputJSON, nil
	default:
		return "", fmt.Errorf("unknown output format %q (use text or json)", s)
	}
}

// WriteJSON writes v as indented JSON.
func WriteJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// WriteRecommendations writes a recommendation response in the given format.
func WriteRecommendations(w io.Writer, resp *models.RecommendationResponse, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, resp)
	}
	header := fmt.Sprintf("%d recommendations (%s", len(resp.Recommendations), resp.Strategy)
	if resp.AnchorProductID != "" {
		header += ", anchor " + resp.AnchorProductID
	}
	if resp.Fallback {
		header += ", popularity fallback"
	}
	fmt.Fprintf(w, "\n%s) in %dms\n\n", header, resp.QueryTime)
	for i, r := range resp.Recommendations {
		fmt.Fprintf(w, "%3d. %-32s %.4f  %s\n", i+1, Truncate(r.ProductID, 32), r.Score, r.Reason)
	}
	if len(resp.Recommendations) > 0 {
		fmt.Fprintln(w)
	}
	return nil
}

// WriteSearchResults writes nearest-neighbour hits in the given format.
func WriteSearchResults(w io.Writer, results []*vector.VectorResult, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, results)
	}
	fmt.Fprintf(w, "\nFound %d neighbours\n\n", len(results))
	for i, r := range results {
		fmt.Fprintf(w, "%3d. %-32s score %.4f  distance %.4f  position %d\n",
			i+1, Truncate(r.ID, 32), r.Score, r.Distance, r.Position)
		if name := r.Metadata["name"]; name != "" {
			fmt.Fprintf(w, "     %s\n", Truncate(name, 72))
		}
	}
	return nil
}

// WriteStats writes recommendation statistics in the given format.
func WriteStats(w io.Writer, stats models.RecommendationStats, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, stats)
	}
	fmt.Fprintf(w, "Interactions:              %d\n", stats.TotalInteractions)
	fmt.Fprintf(w, "Users:                     %d\n", stats.UniqueUsers)
	fmt.Fprintf(w, "Products:                  %d\n", stats.UniqueProducts)
	fmt.Fprintf(w, "Products with co-views:    %d\n", stats.ProductsWithCooccurrence)
	if len(stats.ByKind) > 0 {
		kinds := make([]string, 0, len(stats.ByKind))
		for k := range stats.ByKind {
			kinds = append(kinds, string(k))
		}
		sort.Strings(kinds)
		fmt.Fprintln(w, "By kind:")
		for _, k := range kinds {
			fmt.Fprintf(w, "  %-10s %d\n", k, stats.ByKind[models.InteractionKind(k)])
		}
	}
	if len(stats.TopPairs) > 0 {
		fmt.Fprintln(w, "Top pairs:")
		for _, p := range stats.TopPairs {
			fmt.Fprintf(w, "  %s <-> %s  %d\n", p.ProductA, p.ProductB, p.Count)
		}
	}
	return nil
}

// FormatBytes renders a byte count with a binary unit suffix.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// Truncate truncates s to maxLen and appends "..." if truncated.
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

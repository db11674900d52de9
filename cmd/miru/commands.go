package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/hyperjump/miru/internal/cli"
	"github.com/hyperjump/miru/internal/embedding"
	"github.com/hyperjump/miru/internal/models"
	"github.com/hyperjump/miru/internal/productid"
	"github.com/hyperjump/miru/internal/storage"
	"github.com/hyperjump/miru/internal/vector"
)

var (
	recProduct  string
	recUser     string
	recLimit    int
	recStrategy string

	searchK int

	recordKind string

	snapshotName string
)

var recommendCmd = &cobra.Command{
	Use:   "recommend",
	Short: "Get recommendations for a product or user",
	Long: `Get recommendations anchored on a product, or on the last product a user
interacted with. With neither, the most popular products are returned.

Examples:
  miru recommend --product sku-1001
  miru recommend --user user-42 --strategy collaborative
  miru recommend --limit 20 --output json`,
	Args: cobra.NoArgs,
	RunE: runRecommend,
}

var searchCmd = &cobra.Command{
	Use:   "search <image>",
	Short: "Find products visually similar to an image",
	Args:  cobra.ExactArgs(1),
	RunE:  runSearch,
}

var recordCmd = &cobra.Command{
	Use:   "record <user-id> <product-id>",
	Short: "Record a user interaction with a product",
	Args:  cobra.ExactArgs(2),
	RunE:  runRecord,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show interaction and co-occurrence statistics",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show catalog, index and storage status",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var indexCmd = &cobra.Command{
	Use:   "index <image>...",
	Short: "Index product images; the product id is the file name without extension",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runIndex,
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Persist or restore the vector index snapshot",
}

var snapshotPersistCmd = &cobra.Command{
	Use:   "persist",
	Short: "Write the vector index to its snapshot file",
	Args:  cobra.NoArgs,
	RunE:  func(cmd *cobra.Command, _ []string) error { return runSnapshot(cmd, "persist") },
}

var snapshotRestoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Load the vector index from its snapshot file",
	Args:  cobra.NoArgs,
	RunE:  func(cmd *cobra.Command, _ []string) error { return runSnapshot(cmd, "restore") },
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "miru %s\n", version)
		fmt.Fprintf(out, "  Git commit: %s\n", gitCommit)
		fmt.Fprintf(out, "  Go version: %s\n", runtime.Version())
		fmt.Fprintf(out, "  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	recommendCmd.Flags().StringVar(&recProduct, "product", "", "anchor product id")
	recommendCmd.Flags().StringVar(&recUser, "user", "", "user id; their last product is the anchor")
	recommendCmd.Flags().IntVar(&recLimit, "limit", 0, "number of recommendations (0 = server default)")
	recommendCmd.Flags().StringVar(&recStrategy, "strategy", "hybrid", "visual, collaborative or hybrid")

	searchCmd.Flags().IntVar(&searchK, "k", 10, "number of neighbours")

	recordCmd.Flags().StringVar(&recordKind, "kind", "view", "interaction kind: view, purchase or like")

	snapshotCmd.PersistentFlags().StringVar(&snapshotName, "name", "", "snapshot file name inside the snapshot directory (default: storage.snapshot_path)")
	snapshotCmd.AddCommand(snapshotPersistCmd, snapshotRestoreCmd)

	rootCmd.AddCommand(recommendCmd, searchCmd, recordCmd, statsCmd, statusCmd, indexCmd, snapshotCmd, versionCmd)
}

func runRecommend(cmd *cobra.Command, _ []string) error {
	format, err := outputMode()
	if err != nil {
		return err
	}
	strategy, err := models.ParseStrategy(recStrategy)
	if err != nil {
		return err
	}
	query := &models.RecommendationQuery{ProductID: recProduct, UserID: recUser, Limit: recLimit, Strategy: strategy}

	var resp *models.RecommendationResponse
	if serverURL != "" {
		resp = &models.RecommendationResponse{}
		err = newAPIClient(serverURL).do(cmd.Context(), http.MethodGet, "/api/v1/recommendations?"+recommendParams(query).Encode(), nil, resp)
	} else {
		err = withComponents(cmd, func(c *Components) error {
			var rerr error
			resp, rerr = c.Engine.Recommend(cmd.Context(), query)
			return rerr
		})
	}
	if err != nil {
		return err
	}
	return cli.WriteRecommendations(cmd.OutOrStdout(), resp, format)
}

func recommendParams(q *models.RecommendationQuery) url.Values {
	v := url.Values{}
	if q.ProductID != "" {
		v.Set("product_id", q.ProductID)
	}
	if q.UserID != "" {
		v.Set("user_id", q.UserID)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	v.Set("strategy", q.Strategy.String())
	return v
}

func runSearch(cmd *cobra.Command, args []string) error {
	format, err := outputMode()
	if err != nil {
		return err
	}
	image, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}

	var results []*vector.VectorResult
	if serverURL != "" {
		cfg, _, err := loadConfig(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		query, err := embedding.NewMockExtractor(cfg.Index.Dimensions).Extract(cmd.Context(), image)
		if err != nil {
			return err
		}
		var out struct {
			Results []*vector.VectorResult `json:"results"`
		}
		body := map[string]interface{}{"vector": query, "k": searchK}
		if err := newAPIClient(serverURL).do(cmd.Context(), http.MethodPost, "/api/v1/vectors/search", body, &out); err != nil {
			return err
		}
		results = out.Results
	} else {
		err = withComponents(cmd, func(c *Components) error {
			query, err := c.Extractor.Extract(cmd.Context(), image)
			if err != nil {
				return err
			}
			results, err = c.Index.Search(cmd.Context(), query, searchK)
			return err
		})
		if err != nil {
			return err
		}
	}
	return cli.WriteSearchResults(cmd.OutOrStdout(), results, format)
}

func runRecord(cmd *cobra.Command, args []string) error {
	input := models.InteractionInput{UserID: args[0], ProductID: args[1], Kind: recordKind}
	var n int
	if serverURL != "" {
		var out struct {
			HistoryLength int `json:"history_length"`
		}
		if err := newAPIClient(serverURL).do(cmd.Context(), http.MethodPost, "/api/v1/interactions", input, &out); err != nil {
			return err
		}
		n = out.HistoryLength
	} else {
		err := withComponents(cmd, func(c *Components) error {
			var rerr error
			n, rerr = c.Engine.RecordInteraction(cmd.Context(), input.UserID, input.ProductID, input.Kind)
			return rerr
		})
		if err != nil {
			return err
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "recorded %s %s by %s (history length %d)\n", input.Kind, input.ProductID, input.UserID, n)
	return nil
}

func runStats(cmd *cobra.Command, _ []string) error {
	format, err := outputMode()
	if err != nil {
		return err
	}
	var stats models.RecommendationStats
	if serverURL != "" {
		err = newAPIClient(serverURL).do(cmd.Context(), http.MethodGet, "/api/v1/recommendations/stats", nil, &stats)
	} else {
		err = withComponents(cmd, func(c *Components) error {
			stats = c.Engine.Stats()
			return nil
		})
	}
	if err != nil {
		return err
	}
	return cli.WriteStats(cmd.OutOrStdout(), stats, format)
}

// statusReport is the shape of GET /api/v1/status.
type statusReport struct {
	Products          int64                 `json:"products"`
	Index             vector.Stats          `json:"index"`
	TotalInteractions int                   `json:"total_interactions"`
	UniqueUsers       int                   `json:"unique_users"`
	WindowSize        int                   `json:"window_size"`
	JournalEntries    int                   `json:"journal_entries"`
	EmbeddingCache    *embedding.CacheStats `json:"embedding_cache,omitempty"`
	DiskUsage         *storage.DiskUsage    `json:"disk_usage,omitempty"`
	Inbox             *struct {
		Directories []string `json:"directories"`
	} `json:"inbox,omitempty"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	format, err := outputMode()
	if err != nil {
		return err
	}
	var report statusReport
	if serverURL != "" {
		err = newAPIClient(serverURL).do(cmd.Context(), http.MethodGet, "/api/v1/status", nil, &report)
	} else {
		err = withComponents(cmd, func(c *Components) error {
			return localStatus(cmd.Context(), c, &report)
		})
	}
	if err != nil {
		return err
	}
	if format == cli.OutputJSON {
		return cli.WriteJSON(cmd.OutOrStdout(), report)
	}
	writeStatusText(cmd, &report)
	return nil
}

func localStatus(ctx context.Context, c *Components, report *statusReport) error {
	n, err := c.Catalog.CountProducts(ctx)
	if err != nil {
		return err
	}
	stats := c.Engine.Stats()
	report.Products = n
	report.Index = c.Index.Stats()
	report.TotalInteractions = stats.TotalInteractions
	report.UniqueUsers = stats.UniqueUsers
	report.WindowSize = c.Store.WindowSize()
	journaled, err := c.Engine.JournalEntries()
	if err != nil {
		return err
	}
	report.JournalEntries = journaled
	if cache, ok := c.Indexer.CacheStats(); ok {
		report.EmbeddingCache = &cache
	}
	usage, err := storage.MeasureDiskUsage(map[string]string{
		"database": c.Config.Storage.DatabasePath,
		"snapshot": c.Config.Storage.SnapshotPath,
		"journal":  c.Config.Storage.JournalPath,
	})
	if err == nil {
		report.DiskUsage = &usage
	}
	return nil
}

func writeStatusText(cmd *cobra.Command, r *statusReport) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Products:      %d\n", r.Products)
	fmt.Fprintf(out, "Vectors:       %d (%d dims, %s)\n", r.Index.Total, r.Index.Dimensions, r.Index.Metric)
	fmt.Fprintf(out, "Interactions:  %d from %d users (%d journaled, window %d)\n",
		r.TotalInteractions, r.UniqueUsers, r.JournalEntries, r.WindowSize)
	if r.EmbeddingCache != nil {
		fmt.Fprintf(out, "Embed cache:   %d entries, %.0f%% hits\n", r.EmbeddingCache.Entries, r.EmbeddingCache.HitRate*100)
	}
	if r.DiskUsage != nil {
		fmt.Fprintf(out, "Disk usage:    %s\n", cli.FormatBytes(r.DiskUsage.Total))
	}
	if r.Inbox != nil {
		for _, d := range r.Inbox.Directories {
			fmt.Fprintf(out, "Inbox:         %s\n", d)
		}
	}
}

func runIndex(cmd *cobra.Command, args []string) error {
	if serverURL != "" {
		client := newAPIClient(serverURL)
		for _, path := range args {
			image, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read image: %w", err)
			}
			abs, _ := filepath.Abs(path)
			input := models.ProductInput{ID: productid.FromPath(abs), Name: filepath.Base(abs), Image: image}
			if err := client.do(cmd.Context(), http.MethodPost, "/api/v1/products", input, nil); err != nil {
				return fmt.Errorf("index %s: %w", path, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "indexed %s as %s\n", path, input.ID)
		}
		return nil
	}
	return withComponents(cmd, func(c *Components) error {
		for _, path := range args {
			if err := c.Indexer.IndexFile(cmd.Context(), path, nil); err != nil {
				return fmt.Errorf("index %s: %w", path, err)
			}
			abs, _ := filepath.Abs(path)
			fmt.Fprintf(cmd.OutOrStdout(), "indexed %s as %s\n", path, productid.FromPath(abs))
		}
		return nil
	})
}

func runSnapshot(cmd *cobra.Command, op string) error {
	if serverURL != "" {
		var out struct {
			Path     string `json:"path"`
			Size     int    `json:"size"`
			Restored *bool  `json:"restored,omitempty"`
		}
		body := map[string]string{"name": snapshotName}
		if err := newAPIClient(serverURL).do(cmd.Context(), http.MethodPost, "/api/v1/index/"+op, body, &out); err != nil {
			return err
		}
		if out.Restored != nil && !*out.Restored {
			fmt.Fprintf(cmd.OutOrStdout(), "no snapshot at %s\n", out.Path)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%d vectors)\n", op, out.Path, out.Size)
		return nil
	}
	return withComponents(cmd, func(c *Components) error {
		path, err := c.Config.Storage.SnapshotFile(snapshotName)
		if err != nil {
			return err
		}
		if op == "persist" {
			if err := c.Index.Persist(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "persist %s (%d vectors)\n", path, c.Index.Size())
			return nil
		}
		restored, err := c.Index.Restore(path)
		if err != nil {
			return err
		}
		if !restored {
			fmt.Fprintf(cmd.OutOrStdout(), "no snapshot at %s\n", path)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "restore %s (%d vectors)\n", path, c.Index.Size())
		return nil
	})
}

package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/hyperjump/miru/internal/models"
	"github.com/hyperjump/miru/internal/storage"
	"github.com/hyperjump/miru/internal/vector"
)

func writeTestConfig(t *testing.T, dir string, autosave bool) string {
	t.Helper()
	content := `
index:
  dimensions: 4
  metric: inner_product
  autosave: ` + map[bool]string{true: "true", false: "false"}[autosave] + `
storage:
  database_path: "./data/catalog.db"
  snapshot_path: "./data/vectors.snap"
  journal_path: "./data/journal"
recommend:
  window_size: 10
`
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig_prefersCwdConfigWhenDefaultPath(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	content := `
debug: true
storage:
  database_path: "test.db"
`
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	origWd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.Chdir(origWd) }()
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}

	cfg, resolved, err := loadConfig(defaultConfigPath)
	if err != nil {
		t.Fatal(err)
	}
	// On macOS, cwd can be /private/var/... while t.TempDir() is /var/...; compare canonical paths.
	resolvedCanon, _ := filepath.EvalSymlinks(resolved)
	configPathCanon, _ := filepath.EvalSymlinks(configPath)
	if resolvedCanon != configPathCanon {
		t.Errorf("resolved path = %s, want %s", resolvedCanon, configPathCanon)
	}
	if !cfg.Debug {
		t.Error("debug should be true from cwd config.yaml")
	}
}

func TestLoadConfig_usesExplicitPath(t *testing.T) {
	dir := t.TempDir()
	configPath := writeTestConfig(t, dir, false)

	cfg, resolved, err := loadConfig(configPath)
	if err != nil {
		t.Fatal(err)
	}
	if resolved != configPath {
		t.Errorf("resolved path = %s, want %s", resolved, configPath)
	}
	if cfg.Index.Dimensions != 4 {
		t.Errorf("dimensions = %d, want 4", cfg.Index.Dimensions)
	}
	if want := filepath.Join(dir, "data", "catalog.db"); cfg.Storage.DatabasePath != want {
		t.Errorf("database path = %s, want %s", cfg.Storage.DatabasePath, want)
	}
}

func TestLoadConfig_missingExplicitPath(t *testing.T) {
	if _, _, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for a missing explicit config")
	}
}

func TestRecommendParams(t *testing.T) {
	q := &models.RecommendationQuery{ProductID: "p 1", Limit: 3, Strategy: models.StrategyVisual}
	got := recommendParams(q).Encode()
	want := "limit=3&product_id=p+1&strategy=visual"
	if got != want {
		t.Errorf("recommendParams = %q, want %q", got, want)
	}
	if strings.Contains(recommendParams(&models.RecommendationQuery{}).Encode(), "limit") {
		t.Error("zero limit should be omitted")
	}
}

func TestInitializeComponents_ReplaysJournalAndAutosaves(t *testing.T) {
	dir := t.TempDir()
	cfg, _, err := loadConfig(writeTestConfig(t, dir, true))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	c, err := initializeComponents(ctx, cfg, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range []string{"p1", "p2", "p3"} {
		if _, err := c.Engine.RecordInteraction(ctx, "u1", p, "view"); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := c.Indexer.IndexProduct(ctx, &models.ProductInput{ID: "p1", Embedding: []float32{1, 0, 0, 0}}); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(cfg.Storage.SnapshotPath); err != nil {
		t.Fatalf("autosave should write a snapshot: %v", err)
	}

	c, err = initializeComponents(ctx, cfg, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	stats := c.Engine.Stats()
	if stats.TotalInteractions != 3 || c.Store.CoOccurrence("p1", "p3") != 1 {
		t.Errorf("journal not replayed: %+v", stats)
	}
	if c.Index.Size() != 1 {
		t.Errorf("index size after restore = %d, want 1", c.Index.Size())
	}
}

func TestInitializeComponents_CorruptSnapshotFails(t *testing.T) {
	dir := t.TempDir()
	cfg, _, err := loadConfig(writeTestConfig(t, dir, true))
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Storage.SnapshotPath), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(cfg.Storage.SnapshotPath, []byte("not a snapshot"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err = initializeComponents(context.Background(), cfg, zap.NewNop())
	if !models.IsFatal(err) {
		t.Fatalf("expected fatal corrupt snapshot error, got %v", err)
	}
	data, _ := os.ReadFile(cfg.Storage.SnapshotPath)
	if string(data) != "not a snapshot" {
		t.Error("a failed start must not overwrite the snapshot")
	}
}

func TestWarmIndex(t *testing.T) {
	dir := t.TempDir()
	catalog, err := storage.NewSQLiteStorage(filepath.Join(dir, "catalog.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer catalog.Close()
	ctx := context.Background()
	for _, p := range []*models.Product{
		{ID: "a", Embedding: []float32{1, 0}},
		{ID: "b"},
		{ID: "c", Embedding: []float32{0, 1}},
	} {
		if err := catalog.UpsertProduct(ctx, p); err != nil {
			t.Fatal(err)
		}
	}
	idx, err := vector.NewMemoryIndex(2, vector.MetricInnerProduct)
	if err != nil {
		t.Fatal(err)
	}
	n, err := warmIndex(ctx, catalog, idx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 || idx.Size() != 2 {
		t.Errorf("warmIndex added %d, size %d; want 2", n, idx.Size())
	}
}

func TestAPIClient_Errors(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			_ = json.NewEncoder(w).Encode(map[string]int{"n": 7})
		case "/fatal":
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": "corrupt snapshot", "fatal": true})
		default:
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("upstream down"))
		}
	}))
	defer ts.Close()
	client := newAPIClient(ts.URL + "/")
	ctx := context.Background()

	var out struct {
		N int `json:"n"`
	}
	if err := client.do(ctx, http.MethodGet, "/ok", nil, &out); err != nil || out.N != 7 {
		t.Errorf("ok: n=%d err=%v", out.N, err)
	}
	if err := client.do(ctx, http.MethodGet, "/fatal", nil, nil); err == nil || !strings.Contains(err.Error(), "(fatal): corrupt snapshot") {
		t.Errorf("fatal: %v", err)
	}
	if err := client.do(ctx, http.MethodGet, "/other", nil, nil); err == nil || !strings.Contains(err.Error(), "502: upstream down") {
		t.Errorf("other: %v", err)
	}
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(args)
	defer rootCmd.SetArgs(nil)
	err := rootCmd.ExecuteContext(context.Background())
	return buf.String(), err
}

func TestCLI_LocalRecordAndStats(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeTestConfig(t, dir, false)
	local := []string{"--config", cfgPath, "--server", ""}

	for _, p := range []string{"p1", "p2"} {
		out, err := runCLI(t, append([]string{"record", "u1", p, "--kind", "view"}, local...)...)
		if err != nil {
			t.Fatalf("record: %v\n%s", err, out)
		}
	}
	out, err := runCLI(t, append([]string{"stats", "--output", "json"}, local...)...)
	if err != nil {
		t.Fatalf("stats: %v\n%s", err, out)
	}
	var stats models.RecommendationStats
	if err := json.Unmarshal([]byte(out), &stats); err != nil {
		t.Fatalf("stats output is not JSON: %v\n%s", err, out)
	}
	if stats.TotalInteractions != 2 || len(stats.TopPairs) != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}

	out, err = runCLI(t, append([]string{"recommend", "--user", "u1", "--strategy", "collaborative", "--limit", "0", "--product", "", "--output", "text"}, local...)...)
	if err != nil {
		t.Fatalf("recommend: %v\n%s", err, out)
	}
	if !strings.Contains(out, "p1") || !strings.Contains(out, "co-viewed 1 times") {
		t.Errorf("unexpected recommend output:\n%s", out)
	}

	out, err = runCLI(t, append([]string{"status", "--output", "json"}, local...)...)
	if err != nil {
		t.Fatalf("status: %v\n%s", err, out)
	}
	var report statusReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("status output is not JSON: %v\n%s", err, out)
	}
	if report.JournalEntries != 2 || report.WindowSize != 10 || report.EmbeddingCache == nil {
		t.Errorf("unexpected status: %+v", report)
	}
}

func TestCLI_Version(t *testing.T) {
	out, err := runCLI(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "miru dev") {
		t.Errorf("unexpected version output: %q", out)
	}
}

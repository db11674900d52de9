package server

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/hyperjump/miru/internal/config"
	"github.com/hyperjump/miru/internal/embedding"
	"github.com/hyperjump/miru/internal/indexer"
	"github.com/hyperjump/miru/internal/interactions"
	"github.com/hyperjump/miru/internal/models"
	"github.com/hyperjump/miru/internal/recommend"
	"github.com/hyperjump/miru/internal/storage"
	"github.com/hyperjump/miru/internal/vector"
	"github.com/hyperjump/miru/internal/watcher"
)

type mockInbox struct {
	dirs []string
}

func (m *mockInbox) Directories() []string { return append([]string(nil), m.dirs...) }

func (m *mockInbox) AddDirectory(path string) error {
	for _, d := range m.dirs {
		if d == path {
			return nil
		}
	}
	m.dirs = append(m.dirs, path)
	return nil
}

func (m *mockInbox) RemoveDirectory(path string) error {
	for i, d := range m.dirs {
		if d == path {
			m.dirs = append(m.dirs[:i], m.dirs[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *mockInbox) Sync(context.Context) int { return 0 }

func (m *mockInbox) Stats() watcher.InboxStats { return watcher.InboxStats{} }

type testEnv struct {
	srv     *Server
	handler http.Handler
	index   *vector.MemoryIndex
	dir     string
}

func newTestEnv(t *testing.T, inbox InboxService) *testEnv {
	t.Helper()
	dir := t.TempDir()
	catalog, err := storage.NewSQLiteStorage(filepath.Join(dir, "catalog.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { catalog.Close() })
	idx, err := vector.NewMemoryIndex(4, vector.MetricInnerProduct)
	if err != nil {
		t.Fatal(err)
	}
	cfg := &config.Config{}
	cfg.Index.Dimensions = 4
	cfg.Index.Metric = "inner_product"
	cfg.Storage.SnapshotPath = filepath.Join(dir, "index.miru")
	cfg.Recommend = config.RecommendConfig{
		WindowSize:          10,
		DefaultLimit:        5,
		MaxLimit:            50,
		VisualWeight:        0.5,
		CollaborativeWeight: 0.5,
	}
	engine := recommend.NewEngine(idx, interactions.NewStore(), cfg.Recommend,
		recommend.WithEmbeddingLookup(catalog))
	ix := indexer.NewIndexer(catalog, embedding.NewCachedExtractor(embedding.NewMockExtractor(4), 16), idx)
	srv := NewServer(engine, ix, catalog, idx, cfg, zap.NewNop(), inbox, "")
	return &testEnv{srv: srv, handler: srv.Routes(), index: idx, dir: dir}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	r := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, r)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func (e *testEnv) addVectors(t *testing.T) {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/v1/vectors", addVectorsRequest{
		IDs:     []string{"a", "b", "c"},
		Vectors: [][]float32{{1, 0, 0, 0}, {0, 1, 0, 0}, {0.9, 0.1, 0, 0}},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("add vectors: status %d body %s", w.Code, w.Body.String())
	}
}

func TestHandleHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(t, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("status: got %d", w.Code)
	}
}

func TestHandleMetrics(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addVectors(t)
	w := env.do(t, http.MethodGet, "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "miru_vectors_added_total") {
		t.Error("metrics output missing miru_vectors_added_total")
	}
}

func TestHandleAddAndSearch(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addVectors(t)

	w := env.do(t, http.MethodPost, "/api/v1/vectors/search", searchRequest{Vector: []float32{1, 0, 0, 0}, K: 2})
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d body %s", w.Code, w.Body.String())
	}
	var out struct {
		Results []vector.VectorResult `json:"results"`
	}
	decodeBody(t, w, &out)
	if len(out.Results) != 2 || out.Results[0].ID != "a" || out.Results[1].ID != "c" {
		t.Errorf("unexpected results: %+v", out.Results)
	}
}

func TestHandleAddVectors_Rejections(t *testing.T) {
	env := newTestEnv(t, nil)
	tests := []struct {
		name string
		body interface{}
		want int
	}{
		{"dimension mismatch", addVectorsRequest{IDs: []string{"a"}, Vectors: [][]float32{{1, 0}}}, http.StatusBadRequest},
		{"count mismatch", addVectorsRequest{IDs: []string{"a", "b"}, Vectors: [][]float32{{1, 0, 0, 0}}}, http.StatusBadRequest},
		{"bad body", "not an object", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/v1/vectors", tt.body)
			if w.Code != tt.want {
				t.Errorf("status: got %d want %d", w.Code, tt.want)
			}
		})
	}
	if env.index.Size() != 0 {
		t.Errorf("rejected batches must not change the index, size %d", env.index.Size())
	}
}

func TestHandleSearch_DimensionMismatch(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addVectors(t)
	w := env.do(t, http.MethodPost, "/api/v1/vectors/search", searchRequest{Vector: []float32{1}, K: 1})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status: got %d", w.Code)
	}
}

func TestHandleBatchSearch(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addVectors(t)
	w := env.do(t, http.MethodPost, "/api/v1/vectors/batch_search", batchSearchRequest{
		Vectors: [][]float32{{1, 0, 0, 0}, {0, 1, 0, 0}},
		K:       1,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	var out struct {
		Results [][]vector.VectorResult `json:"results"`
	}
	decodeBody(t, w, &out)
	if len(out.Results) != 2 || out.Results[0][0].ID != "a" || out.Results[1][0].ID != "b" {
		t.Errorf("unexpected results: %+v", out.Results)
	}
}

func TestHandlePersistRestore(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addVectors(t)

	if w := env.do(t, http.MethodPost, "/api/v1/index/persist", nil); w.Code != http.StatusOK {
		t.Fatalf("persist: status %d body %s", w.Code, w.Body.String())
	}
	if w := env.do(t, http.MethodPost, "/api/v1/index/rebuild", rebuildRequest{Retained: []string{"a"}}); w.Code != http.StatusOK {
		t.Fatalf("rebuild: status %d", w.Code)
	}
	if env.index.Size() != 1 {
		t.Fatalf("size after rebuild: got %d", env.index.Size())
	}

	w := env.do(t, http.MethodPost, "/api/v1/index/restore", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("restore: status %d", w.Code)
	}
	var out struct {
		Restored bool `json:"restored"`
		Size     int  `json:"size"`
	}
	decodeBody(t, w, &out)
	if !out.Restored || out.Size != 3 {
		t.Errorf("unexpected restore response: %+v", out)
	}
}

func TestHandleRestore_MissingAndCorrupt(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addVectors(t)

	w := env.do(t, http.MethodPost, "/api/v1/index/restore", snapshotRequest{Name: "absent.miru"})
	if w.Code != http.StatusOK {
		t.Fatalf("missing snapshot: status %d", w.Code)
	}
	var missing struct {
		Restored bool `json:"restored"`
	}
	decodeBody(t, w, &missing)
	if missing.Restored {
		t.Error("missing snapshot should report restored=false")
	}

	corrupt := filepath.Join(env.dir, "corrupt.miru")
	if err := os.WriteFile(corrupt, []byte("garbage"), 0o600); err != nil {
		t.Fatal(err)
	}
	w = env.do(t, http.MethodPost, "/api/v1/index/restore", snapshotRequest{Name: "corrupt.miru"})
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("corrupt snapshot: status %d", w.Code)
	}
	var body struct {
		Fatal bool `json:"fatal"`
	}
	decodeBody(t, w, &body)
	if !body.Fatal {
		t.Error("corrupt snapshot should be reported as fatal")
	}
	if env.index.Size() != 3 {
		t.Errorf("failed restore must keep prior state, size %d", env.index.Size())
	}
}

func TestHandlePersist_NoPath(t *testing.T) {
	env := newTestEnv(t, nil)
	env.srv.config.Storage.SnapshotPath = ""
	w := env.do(t, http.MethodPost, "/api/v1/index/persist", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status: got %d", w.Code)
	}
}

func TestHandleSnapshot_NamedFile(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addVectors(t)
	w := env.do(t, http.MethodPost, "/api/v1/index/persist", snapshotRequest{Name: "alt.miru"})
	if w.Code != http.StatusOK {
		t.Fatalf("persist: status %d body %s", w.Code, w.Body.String())
	}
	var out struct {
		Path string `json:"path"`
	}
	decodeBody(t, w, &out)
	if want := filepath.Join(env.dir, "alt.miru"); out.Path != want {
		t.Errorf("path = %s, want %s", out.Path, want)
	}
	if _, err := os.Stat(out.Path); err != nil {
		t.Errorf("named snapshot should exist: %v", err)
	}
}

func TestHandleSnapshot_RejectsPathsOutsideSnapshotDir(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addVectors(t)
	outside := filepath.Join(t.TempDir(), "escape.miru")
	tests := []struct {
		name string
		snap string
	}{
		{"parent traversal", "../escape.miru"},
		{"absolute path", outside},
		{"nested path", "sub/escape.miru"},
		{"dot dot", ".."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, op := range []string{"persist", "restore"} {
				w := env.do(t, http.MethodPost, "/api/v1/index/"+op, snapshotRequest{Name: tt.snap})
				if w.Code != http.StatusBadRequest {
					t.Errorf("%s %q: status %d, want 400", op, tt.snap, w.Code)
				}
			}
		})
	}
	if _, err := os.Stat(outside); !os.IsNotExist(err) {
		t.Error("no snapshot may be written outside the snapshot directory")
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(env.dir), "escape.miru")); !os.IsNotExist(err) {
		t.Error("parent traversal must not write a snapshot")
	}
	if env.index.Size() != 3 {
		t.Errorf("rejected restore must keep the index, size %d", env.index.Size())
	}
}

func TestHandleIndexStats(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addVectors(t)
	w := env.do(t, http.MethodGet, "/api/v1/index/stats", nil)
	var stats vector.Stats
	decodeBody(t, w, &stats)
	if stats.Total != 3 || stats.Dimensions != 4 || stats.NextPosition != 3 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestHandleProducts(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodPost, "/api/v1/products", models.ProductInput{
		ID: "sku-1", Name: "Chair", Category: "furniture", Embedding: []float32{1, 0, 0, 0},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: status %d body %s", w.Code, w.Body.String())
	}
	if env.index.Size() != 1 {
		t.Errorf("index size: got %d", env.index.Size())
	}

	w = env.do(t, http.MethodGet, "/api/v1/products/sku-1", nil)
	var p models.Product
	decodeBody(t, w, &p)
	if p.Name != "Chair" || p.Category != "furniture" {
		t.Errorf("unexpected product: %+v", p)
	}

	w = env.do(t, http.MethodGet, "/api/v1/products?limit=10", nil)
	var list struct {
		Products []models.Product `json:"products"`
		Total    int64            `json:"total"`
	}
	decodeBody(t, w, &list)
	if list.Total != 1 || len(list.Products) != 1 {
		t.Errorf("unexpected list: %+v", list)
	}

	if w := env.do(t, http.MethodGet, "/api/v1/products?limit=x", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit: status %d", w.Code)
	}
	if w := env.do(t, http.MethodDelete, "/api/v1/products/sku-1", nil); w.Code != http.StatusOK {
		t.Fatalf("delete: status %d", w.Code)
	}
	if env.index.Size() != 0 {
		t.Errorf("index size after delete: got %d", env.index.Size())
	}
	if w := env.do(t, http.MethodGet, "/api/v1/products/sku-1", nil); w.Code != http.StatusNotFound {
		t.Errorf("get deleted: status %d", w.Code)
	}
	if w := env.do(t, http.MethodDelete, "/api/v1/products/sku-1", nil); w.Code != http.StatusNotFound {
		t.Errorf("delete missing: status %d", w.Code)
	}
}

func TestHandleProducts_Validation(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(t, http.MethodPost, "/api/v1/products", models.ProductInput{Name: "no id"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing id: status %d", w.Code)
	}
	w = env.do(t, http.MethodPost, "/api/v1/products", models.ProductInput{ID: "x", Embedding: []float32{1, 2}})
	if w.Code != http.StatusBadRequest {
		t.Errorf("wrong dimension: status %d", w.Code)
	}
}

func TestHandleRecordInteraction(t *testing.T) {
	env := newTestEnv(t, nil)
	for i, p := range []string{"p1", "p2"} {
		w := env.do(t, http.MethodPost, "/api/v1/interactions", models.InteractionInput{UserID: "u1", ProductID: p})
		if w.Code != http.StatusCreated {
			t.Fatalf("status: got %d body %s", w.Code, w.Body.String())
		}
		var out struct {
			HistoryLength int `json:"history_length"`
		}
		decodeBody(t, w, &out)
		if out.HistoryLength != i+1 {
			t.Errorf("history_length: got %d want %d", out.HistoryLength, i+1)
		}
	}

	w := env.do(t, http.MethodPost, "/api/v1/interactions", models.InteractionInput{UserID: "u1", ProductID: "p1", Kind: "share"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("unknown kind: status %d", w.Code)
	}
	var body struct {
		Fields []struct {
			Field string `json:"field"`
		} `json:"fields"`
	}
	decodeBody(t, w, &body)
	if len(body.Fields) != 1 || body.Fields[0].Field != "kind" {
		t.Errorf("unexpected fields: %+v", body.Fields)
	}

	w = env.do(t, http.MethodGet, "/api/v1/users/u1/history", nil)
	var hist struct {
		History []models.HistoryEntry `json:"history"`
	}
	decodeBody(t, w, &hist)
	if len(hist.History) != 2 || hist.History[1].ProductID != "p2" {
		t.Errorf("unexpected history: %+v", hist.History)
	}
}

func TestHandleRecommendations(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, p := range []string{"p1", "p2", "p3"} {
		env.do(t, http.MethodPost, "/api/v1/interactions", models.InteractionInput{UserID: "u1", ProductID: p})
	}

	tests := []struct {
		name         string
		query        string
		wantStatus   int
		wantCount    int
		wantFallback bool
		wantStrategy string
	}{
		{"collaborative by product", "?product_id=p1&strategy=collaborative", http.StatusOK, 2, false, "collaborative"},
		{"hybrid by user anchor", "?user_id=u1", http.StatusOK, 2, false, "hybrid"},
		{"popularity fallback", "?limit=2", http.StatusOK, 2, true, "hybrid"},
		{"unknown strategy", "?product_id=p1&strategy=bogus", http.StatusBadRequest, 0, false, ""},
		{"negative limit", "?product_id=p1&limit=-1", http.StatusBadRequest, 0, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodGet, "/api/v1/recommendations"+tt.query, nil)
			if w.Code != tt.wantStatus {
				t.Fatalf("status: got %d want %d body %s", w.Code, tt.wantStatus, w.Body.String())
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			var resp models.RecommendationResponse
			decodeBody(t, w, &resp)
			if len(resp.Recommendations) != tt.wantCount {
				t.Errorf("count: got %d want %d", len(resp.Recommendations), tt.wantCount)
			}
			if resp.Fallback != tt.wantFallback || resp.Strategy != tt.wantStrategy {
				t.Errorf("fallback=%v strategy=%q", resp.Fallback, resp.Strategy)
			}
		})
	}
}

func TestHandleRecommendationStats(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, p := range []string{"p1", "p2", "p3"} {
		env.do(t, http.MethodPost, "/api/v1/interactions", models.InteractionInput{UserID: "u1", ProductID: p, Kind: "view"})
	}
	w := env.do(t, http.MethodGet, "/api/v1/recommendations/stats", nil)
	var stats models.RecommendationStats
	decodeBody(t, w, &stats)
	if stats.TotalInteractions != 3 || stats.UniqueUsers != 1 || stats.UniqueProducts != 3 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if stats.ProductsWithCooccurrence != 3 || len(stats.TopPairs) != 3 {
		t.Errorf("unexpected co-occurrence stats: %+v", stats)
	}
}

func TestHandleStatus(t *testing.T) {
	env := newTestEnv(t, &mockInbox{dirs: []string{"/tmp/inbox"}})
	w := env.do(t, http.MethodGet, "/api/v1/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	var out map[string]interface{}
	decodeBody(t, w, &out)
	for _, key := range []string{"products", "index", "config", "inbox", "journal_entries", "embedding_cache"} {
		if _, ok := out[key]; !ok {
			t.Errorf("status response missing %q", key)
		}
	}
	if ws, _ := out["window_size"].(float64); ws != 10 {
		t.Errorf("window_size = %v, want 10", out["window_size"])
	}
}

func TestHandleStatus_EmbeddingCache(t *testing.T) {
	env := newTestEnv(t, nil)
	for i, id := range []string{"img-1", "img-2"} {
		w := env.do(t, http.MethodPost, "/api/v1/products", models.ProductInput{ID: id, Image: []byte("same-bytes")})
		if w.Code != http.StatusCreated {
			t.Fatalf("index product %d: status %d body %s", i, w.Code, w.Body.String())
		}
	}
	w := env.do(t, http.MethodGet, "/api/v1/status", nil)
	var out struct {
		EmbeddingCache embedding.CacheStats `json:"embedding_cache"`
	}
	decodeBody(t, w, &out)
	if out.EmbeddingCache.Entries != 1 || out.EmbeddingCache.HitRate != 0.5 {
		t.Errorf("embedding cache: %+v", out.EmbeddingCache)
	}
}

func TestHandleInboxDirectories(t *testing.T) {
	inbox := &mockInbox{}
	env := newTestEnv(t, inbox)
	target := t.TempDir()

	w := env.do(t, http.MethodPost, "/api/v1/inbox/directories", inboxRequest{Path: target})
	if w.Code != http.StatusCreated {
		t.Fatalf("add: status %d body %s", w.Code, w.Body.String())
	}
	w = env.do(t, http.MethodGet, "/api/v1/inbox/directories", nil)
	var out struct {
		Directories []string `json:"directories"`
	}
	decodeBody(t, w, &out)
	if len(out.Directories) != 1 || out.Directories[0] != target {
		t.Errorf("directories: got %v", out.Directories)
	}

	if w := env.do(t, http.MethodPost, "/api/v1/inbox/directories", inboxRequest{Path: filepath.Join(target, "missing")}); w.Code != http.StatusNotFound {
		t.Errorf("missing dir: status %d", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/api/v1/inbox/directories", inboxRequest{}); w.Code != http.StatusBadRequest {
		t.Errorf("empty path: status %d", w.Code)
	}
	if w := env.do(t, http.MethodDelete, "/api/v1/inbox/directories?path="+target, nil); w.Code != http.StatusOK {
		t.Errorf("remove: status %d", w.Code)
	}
	if len(inbox.dirs) != 0 {
		t.Errorf("directories after remove: %v", inbox.dirs)
	}
}

func TestHandleInboxDirectories_Disabled(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(t, http.MethodGet, "/api/v1/inbox/directories", nil)
	if w.Code != http.StatusNotImplemented {
		t.Errorf("status: got %d", w.Code)
	}
}

func TestHandleInboxAdd_SavesConfig(t *testing.T) {
	inbox := &mockInbox{}
	env := newTestEnv(t, inbox)
	cfgPath := filepath.Join(env.dir, "config.yaml")
	env.srv.configPath = cfgPath
	target := t.TempDir()

	if w := env.do(t, http.MethodPost, "/api/v1/inbox/directories", inboxRequest{Path: target}); w.Code != http.StatusCreated {
		t.Fatalf("add: status %d", w.Code)
	}
	data, err := os.ReadFile(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), target) {
		t.Errorf("saved config does not list %s:\n%s", target, data)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{models.ErrDimensionMismatch, http.StatusBadRequest},
		{models.ErrCountMismatch, http.StatusBadRequest},
		{models.ErrInvalidStrategy, http.StatusBadRequest},
		{models.ErrInvalidInteraction, http.StatusBadRequest},
		{models.ErrNotFound, http.StatusNotFound},
		{models.ErrIO, http.StatusServiceUnavailable},
		{models.ErrCorruptSnapshot, http.StatusInternalServerError},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

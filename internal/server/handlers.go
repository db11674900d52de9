package server

import (
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/hyperjump/miru/internal/config"
	"github.com/hyperjump/miru/internal/models"
	"github.com/hyperjump/miru/internal/storage"
	"github.com/hyperjump/miru/internal/validation"
)

const defaultPageSize = 50

type addVectorsRequest struct {
	IDs      []string            `json:"ids"`
	Vectors  [][]float32         `json:"vectors"`
	Metadata []map[string]string `json:"metadata,omitempty"`
}

type searchRequest struct {
	Vector []float32 `json:"vector"`
	K      int       `json:"k"`
}

type batchSearchRequest struct {
	Vectors [][]float32 `json:"vectors"`
	K       int         `json:"k"`
}

// snapshotRequest names an alternate snapshot file in the snapshot directory.
type snapshotRequest struct {
	Name string `json:"name,omitempty"`
}

type rebuildRequest struct {
	Retained []string `json:"retained"`
}

type inboxRequest struct {
	Path string `json:"path"`
	Sync *bool  `json:"sync,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAddVectors(w http.ResponseWriter, r *http.Request) {
	var req addVectorsRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.logger.Debug("add vectors request", zap.Int("count", len(req.IDs)))
	if err := s.index.Add(r.Context(), req.IDs, req.Vectors, req.Metadata); err != nil {
		s.respondErr(w, "add vectors", err)
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]int{"added": len(req.IDs), "size": s.index.Size()})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if !s.decode(w, r, &req) {
		return
	}
	results, err := s.index.Search(r.Context(), req.Vector, req.K)
	if err != nil {
		s.respondErr(w, "search", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

func (s *Server) handleBatchSearch(w http.ResponseWriter, r *http.Request) {
	var req batchSearchRequest
	if !s.decode(w, r, &req) {
		return
	}
	results, err := s.index.BatchSearch(r.Context(), req.Vectors, req.K)
	if err != nil {
		s.respondErr(w, "batch search", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

func (s *Server) handleIndexStats(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.index.Stats())
}

// snapshotPath returns the configured snapshot file, or the file named in the
// body inside the snapshot directory.
func (s *Server) snapshotPath(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req snapshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return "", false
	}
	path, err := s.config.Storage.SnapshotFile(req.Name)
	if err != nil {
		s.respondErr(w, "snapshot path", err)
		return "", false
	}
	return path, true
}

func (s *Server) handlePersist(w http.ResponseWriter, r *http.Request) {
	path, ok := s.snapshotPath(w, r)
	if !ok {
		return
	}
	if err := s.index.Persist(path); err != nil {
		s.respondErr(w, "persist index", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"path": path, "size": s.index.Size()})
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	path, ok := s.snapshotPath(w, r)
	if !ok {
		return
	}
	restored, err := s.index.Restore(path)
	if err != nil {
		s.respondErr(w, "restore index", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"path": path, "restored": restored, "size": s.index.Size()})
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	var req rebuildRequest
	if !s.decode(w, r, &req) {
		return
	}
	removed, err := s.index.Rebuild(r.Context(), req.Retained)
	if err != nil {
		s.respondErr(w, "rebuild index", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]int{"removed": removed, "size": s.index.Size()})
}

func (s *Server) handleIndexProduct(w http.ResponseWriter, r *http.Request) {
	var input models.ProductInput
	if !s.decode(w, r, &input) {
		return
	}
	if err := validation.ValidateStruct(&input); err != nil {
		s.respondErr(w, "index product", err)
		return
	}
	s.logger.Debug("index product request", zap.String("id", input.ID), zap.Bool("has_image", len(input.Image) > 0))
	p, err := s.indexer.IndexProduct(r.Context(), &input)
	if err != nil {
		s.respondErr(w, "index product", err)
		return
	}
	s.respondJSON(w, http.StatusCreated, p)
}

func (s *Server) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	p, err := s.catalog.GetProduct(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondErr(w, "get product", err)
		return
	}
	s.respondJSON(w, http.StatusOK, p)
}

func (s *Server) handleListProducts(w http.ResponseWriter, r *http.Request) {
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := queryInt(r, "limit", defaultPageSize)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	products, err := s.catalog.ListProducts(r.Context(), offset, limit)
	if err != nil {
		s.respondErr(w, "list products", err)
		return
	}
	total, err := s.catalog.CountProducts(r.Context())
	if err != nil {
		s.respondErr(w, "count products", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"products": products, "total": total})
}

func (s *Server) handleDeleteProduct(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.logger.Debug("delete product request", zap.String("id", id))
	if err := s.indexer.DeleteProduct(r.Context(), id); err != nil {
		s.respondErr(w, "delete product", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleRecordInteraction(w http.ResponseWriter, r *http.Request) {
	var input models.InteractionInput
	if !s.decode(w, r, &input) {
		return
	}
	if err := validation.ValidateStruct(&input); err != nil {
		s.respondErr(w, "record interaction", err)
		return
	}
	n, err := s.engine.RecordInteraction(r.Context(), input.UserID, input.ProductID, input.Kind)
	if err != nil {
		s.respondErr(w, "record interaction", err)
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]int{"history_length": n})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": id,
		"history": s.engine.Store().History(id),
	})
}

func (s *Server) handleRecommendations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	strategy, err := models.ParseStrategy(q.Get("strategy"))
	if err != nil {
		s.respondErr(w, "recommend", err)
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	query := models.RecommendationQuery{
		ProductID: q.Get("product_id"),
		UserID:    q.Get("user_id"),
		Limit:     limit,
		Strategy:  strategy,
	}
	if err := validation.ValidateStruct(&query); err != nil {
		s.respondErr(w, "recommend", err)
		return
	}
	resp, err := s.engine.Recommend(r.Context(), &query)
	if err != nil {
		s.respondErr(w, "recommend", err)
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRecommendationStats(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.engine.Stats())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	products, err := s.catalog.CountProducts(r.Context())
	if err != nil {
		s.respondErr(w, "status", err)
		return
	}
	stats := s.engine.Stats()
	resp := map[string]interface{}{
		"products":           products,
		"index":              s.index.Stats(),
		"total_interactions": stats.TotalInteractions,
		"unique_users":       stats.UniqueUsers,
		"config": map[string]interface{}{
			"metric":        s.config.Index.Metric,
			"dimensions":    s.config.Index.Dimensions,
			"window_size":   s.config.Recommend.WindowSize,
			"history_limit": s.config.Recommend.HistoryLimit,
			"database_path": s.config.Storage.DatabasePath,
			"snapshot_path": s.config.Storage.SnapshotPath,
			"journal_path":  s.config.Storage.JournalPath,
		},
	}
	usage, err := storage.MeasureDiskUsage(map[string]string{
		"database": s.config.Storage.DatabasePath,
		"snapshot": s.config.Storage.SnapshotPath,
		"journal":  s.config.Storage.JournalPath,
	})
	if err == nil {
		resp["disk_usage"] = usage
	}
	resp["window_size"] = s.engine.Store().WindowSize()
	if n, err := s.engine.JournalEntries(); err == nil {
		resp["journal_entries"] = n
	} else {
		s.logger.Warn("failed to count journal entries", zap.Error(err))
	}
	if cache, ok := s.indexer.CacheStats(); ok {
		resp["embedding_cache"] = cache
	}
	if s.inbox != nil {
		resp["inbox"] = map[string]interface{}{
			"directories": s.inbox.Directories(),
			"stats":       s.inbox.Stats(),
		}
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleInboxList(w http.ResponseWriter, r *http.Request) {
	if s.inbox == nil {
		s.respondError(w, http.StatusNotImplemented, "inbox not enabled")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"directories": s.inbox.Directories()})
}

func (s *Server) handleInboxAdd(w http.ResponseWriter, r *http.Request) {
	if s.inbox == nil {
		s.respondError(w, http.StatusNotImplemented, "inbox not enabled")
		return
	}
	var req inboxRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Path == "" {
		s.respondError(w, http.StatusBadRequest, "path is required")
		return
	}
	abs, err := filepath.Abs(req.Path)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid path")
		return
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			s.respondError(w, http.StatusNotFound, "directory not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !info.IsDir() {
		s.respondError(w, http.StatusBadRequest, "path is not a directory")
		return
	}
	if err := s.inbox.AddDirectory(abs); err != nil {
		s.respondErr(w, "inbox add directory", err)
		return
	}
	synced := 0
	if req.Sync == nil || *req.Sync {
		synced = s.inbox.Sync(r.Context())
	}
	s.saveInboxConfig()
	s.respondJSON(w, http.StatusCreated, map[string]interface{}{"path": abs, "status": "added", "synced": synced})
}

func (s *Server) handleInboxRemove(w http.ResponseWriter, r *http.Request) {
	if s.inbox == nil {
		s.respondError(w, http.StatusNotImplemented, "inbox not enabled")
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		var body inboxRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			path = body.Path
		}
	}
	if path == "" {
		s.respondError(w, http.StatusBadRequest, "path is required (query or body)")
		return
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid path")
		return
	}
	if err := s.inbox.RemoveDirectory(abs); err != nil {
		s.respondErr(w, "inbox remove directory", err)
		return
	}
	s.saveInboxConfig()
	s.respondJSON(w, http.StatusOK, map[string]string{"path": abs, "status": "removed"})
}

// saveInboxConfig writes the current inbox directories back to the config file.
func (s *Server) saveInboxConfig() {
	if s.configPath == "" {
		return
	}
	s.configMu.Lock()
	defer s.configMu.Unlock()
	s.config.Inbox.Directories = s.inbox.Directories()
	if err := config.Save(s.configPath, s.config); err != nil {
		s.logger.Warn("failed to persist inbox config", zap.Error(err))
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New(key + " must be an integer")
	}
	return v, nil
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case models.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case models.IsRetryable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondErr(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	body := map[string]interface{}{"error": err.Error()}
	if models.IsFatal(err) {
		body["fatal"] = true
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error(op+" failed", zap.Error(err))
	} else {
		s.logger.Debug(op+" rejected", zap.Error(err))
	}
	var reqErr *validation.RequestError
	if errors.As(err, &reqErr) {
		body["fields"] = reqErr.Fields
	}
	s.respondJSON(w, status, body)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

// Package server provides the HTTP API for miru.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hyperjump/miru/internal/config"
	"github.com/hyperjump/miru/internal/indexer"
	"github.com/hyperjump/miru/internal/recommend"
	"github.com/hyperjump/miru/internal/storage"
	"github.com/hyperjump/miru/internal/vector"
	"github.com/hyperjump/miru/internal/watcher"
)

// InboxService manages the image inbox directories. Optional.
type InboxService interface {
	Directories() []string
	AddDirectory(root string) error
	RemoveDirectory(root string) error
	Sync(ctx context.Context) int
	Stats() watcher.InboxStats
}

// Server is the HTTP server for the miru API.
type Server struct {
	engine  *recommend.Engine
	indexer *indexer.Indexer
	catalog storage.ProductStore
	index   vector.VectorIndex
	inbox   InboxService
	logger  *zap.Logger
	server  *http.Server

	configPath string
	configMu   sync.Mutex
	config     *config.Config
}

// NewServer creates a server with the given dependencies. inbox may be nil.
// When configPath is set, inbox directory changes are saved back to it.
func NewServer(
	engine *recommend.Engine,
	idx *indexer.Indexer,
	catalog storage.ProductStore,
	index vector.VectorIndex,
	cfg *config.Config,
	logger *zap.Logger,
	inbox InboxService,
	configPath string,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		engine:     engine,
		indexer:    idx,
		catalog:    catalog,
		index:      index,
		inbox:      inbox,
		logger:     logger,
		configPath: configPath,
		config:     cfg,
	}
}

// Routes returns the API router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(middleware.Compress(5))
	if s.config.Debug {
		r.Use(middleware.Logger)
	}

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)

		r.Post("/vectors", s.handleAddVectors)
		r.Post("/vectors/search", s.handleSearch)
		r.Post("/vectors/batch_search", s.handleBatchSearch)

		r.Get("/index/stats", s.handleIndexStats)
		r.Post("/index/persist", s.handlePersist)
		r.Post("/index/restore", s.handleRestore)
		r.Post("/index/rebuild", s.handleRebuild)

		r.Get("/products", s.handleListProducts)
		r.Post("/products", s.handleIndexProduct)
		r.Get("/products/{id}", s.handleGetProduct)
		r.Delete("/products/{id}", s.handleDeleteProduct)

		r.Post("/interactions", s.handleRecordInteraction)
		r.Get("/users/{id}/history", s.handleHistory)
		r.Get("/recommendations", s.handleRecommendations)
		r.Get("/recommendations/stats", s.handleRecommendationStats)

		r.Get("/inbox/directories", s.handleInboxList)
		r.Post("/inbox/directories", s.handleInboxAdd)
		r.Delete("/inbox/directories", s.handleInboxRemove)
	})
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("Starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

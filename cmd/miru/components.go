package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/hyperjump/miru/internal/config"
	"github.com/hyperjump/miru/internal/embedding"
	"github.com/hyperjump/miru/internal/indexer"
	"github.com/hyperjump/miru/internal/interactions"
	"github.com/hyperjump/miru/internal/journal"
	"github.com/hyperjump/miru/internal/recommend"
	"github.com/hyperjump/miru/internal/storage"
	"github.com/hyperjump/miru/internal/vector"
)

// Components holds initialized services.
type Components struct {
	Config    *config.Config
	Catalog   *storage.SQLiteStorage
	Journal   *journal.Journal
	Index     *vector.MemoryIndex
	Store     *interactions.Store
	Extractor *embedding.CachedExtractor
	Engine    *recommend.Engine
	Indexer   *indexer.Indexer
	logger    *zap.Logger
}

// Close persists the index when autosave is on and releases all resources.
func (c *Components) Close() error {
	var errs []error
	if c.Index != nil && c.Config.Index.Autosave && c.Config.Storage.SnapshotPath != "" {
		if err := c.Index.Persist(c.Config.Storage.SnapshotPath); err != nil {
			c.logger.Warn("vector index save failed", zap.String("path", c.Config.Storage.SnapshotPath), zap.Error(err))
			errs = append(errs, err)
		}
	}
	if c.Journal != nil {
		errs = append(errs, c.Journal.Close())
	}
	if c.Catalog != nil {
		errs = append(errs, c.Catalog.Close())
	}
	if c.Extractor != nil {
		errs = append(errs, c.Extractor.Close())
	}
	if c.Index != nil {
		errs = append(errs, c.Index.Close())
	}
	return errors.Join(errs...)
}

// initializeComponents opens the catalog, journal and index, replays the
// journal into the interaction store and wires the engine and indexer.
func initializeComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Components, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	c := &Components{Config: cfg, logger: logger}
	fail := func(err error) (*Components, error) {
		_ = c.Close()
		return nil, err
	}

	catalog, err := storage.NewSQLiteStorage(cfg.Storage.DatabasePath)
	if err != nil {
		return fail(fmt.Errorf("failed to initialize catalog: %w", err))
	}
	c.Catalog = catalog

	index, err := vector.NewVectorIndex(cfg.Index.Type, cfg.Index.Dimensions, cfg.Index.Metric, logger)
	if err != nil {
		return fail(fmt.Errorf("failed to initialize vector index: %w", err))
	}
	c.Index = index
	if cfg.Index.Autosave && cfg.Storage.SnapshotPath != "" {
		restored, err := index.Restore(cfg.Storage.SnapshotPath)
		if err != nil {
			// Leave Index unset so Close does not overwrite the snapshot.
			c.Index = nil
			return fail(fmt.Errorf("failed to restore vector index from %s (move it aside to start cold): %w",
				cfg.Storage.SnapshotPath, err))
		}
		if restored && index.Stats().Dimensions != cfg.Index.Dimensions {
			logger.Warn("snapshot dimension differs from config",
				zap.Int("snapshot", index.Stats().Dimensions), zap.Int("config", cfg.Index.Dimensions))
		}
	}
	if index.Size() == 0 {
		if n, err := warmIndex(ctx, catalog, index); err != nil {
			logger.Warn("vector index warm-up from catalog failed", zap.Error(err))
		} else if n > 0 {
			logger.Info("vector index loaded from catalog", zap.Int("products", n))
		}
	}

	j, err := journal.Open(cfg.Storage.JournalPath, journal.WithLogger(logger))
	if err != nil {
		return fail(fmt.Errorf("failed to open interaction journal: %w", err))
	}
	c.Journal = j

	c.Store = interactions.NewStore(
		interactions.WithLogger(logger),
		interactions.WithWindowSize(cfg.Recommend.WindowSize),
		interactions.WithHistoryLimit(cfg.Recommend.HistoryLimit),
	)
	c.Engine = recommend.NewEngine(index, c.Store, cfg.Recommend,
		recommend.WithLogger(logger),
		recommend.WithEmbeddingLookup(catalog),
		recommend.WithJournal(j),
	)
	if _, err := c.Engine.Replay(ctx); err != nil {
		return fail(fmt.Errorf("failed to replay interaction journal: %w", err))
	}

	c.Extractor = embedding.NewCachedExtractor(embedding.NewMockExtractor(cfg.Index.Dimensions), cfg.Embedding.CacheSize)
	c.Indexer = indexer.NewIndexer(catalog, c.Extractor, index, indexer.WithLogger(logger))
	return c, nil
}

// warmIndex adds every catalog embedding to an empty index.
func warmIndex(ctx context.Context, catalog storage.ProductStore, index vector.VectorIndex) (int, error) {
	ids, err := catalog.ListProductIDs(ctx)
	if err != nil {
		return 0, err
	}
	var (
		batchIDs  []string
		batchVecs [][]float32
	)
	for _, id := range ids {
		vec, ok, err := catalog.Embedding(ctx, id)
		if err != nil {
			return 0, err
		}
		if !ok {
			continue
		}
		batchIDs = append(batchIDs, id)
		batchVecs = append(batchVecs, vec)
	}
	if len(batchIDs) == 0 {
		return 0, nil
	}
	if err := index.Add(ctx, batchIDs, batchVecs, nil); err != nil {
		return 0, err
	}
	return len(batchIDs), nil
}

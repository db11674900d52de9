// Package indexer ingests products into the catalog and the vector index.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/hyperjump/miru/internal/embedding"
	"github.com/hyperjump/miru/internal/models"
	"github.com/hyperjump/miru/internal/productid"
	"github.com/hyperjump/miru/internal/storage"
	"github.com/hyperjump/miru/internal/vector"
)

const (
	metaKeySourcePath  = "source_path"
	metaKeySourceMtime = "source_mtime"
	metaKeySourceSize  = "source_size"
)

// Indexer writes products to the catalog and their embeddings to the vector index.
type Indexer struct {
	catalog   storage.ProductStore
	extractor embedding.Extractor
	index     vector.VectorIndex
	logger    *zap.Logger
}

// IndexerOption configures an Indexer.
type IndexerOption func(*Indexer)

// WithLogger sets a logger for debug output (product indexed, product deleted, etc.).
func WithLogger(l *zap.Logger) IndexerOption {
	return func(idx *Indexer) {
		if l != nil {
			idx.logger = l
		}
	}
}

// NewIndexer creates an indexer. extractor may be nil; products must then
// carry an explicit embedding to be indexed.
func NewIndexer(catalog storage.ProductStore, extractor embedding.Extractor, index vector.VectorIndex, opts ...IndexerOption) *Indexer {
	idx := &Indexer{
		catalog:   catalog,
		extractor: extractor,
		index:     index,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(idx)
	}
	return idx
}

// CacheStats reports the extractor's embedding cache, if it has one.
func (idx *Indexer) CacheStats() (embedding.CacheStats, bool) {
	if c, ok := idx.extractor.(*embedding.CachedExtractor); ok {
		return c.Stats(), true
	}
	return embedding.CacheStats{}, false
}

// IndexProduct stores the product and, when it has an embedding or an image,
// appends the embedding to the vector index. The embedding is checked against
// the index dimension before anything is written.
func (idx *Indexer) IndexProduct(ctx context.Context, input *models.ProductInput) (*models.Product, error) {
	if input.ID == "" {
		return nil, fmt.Errorf("%w: product id is required", models.ErrInvalidRequest)
	}
	emb := input.Embedding
	if len(emb) == 0 && len(input.Image) > 0 {
		if idx.extractor == nil {
			return nil, fmt.Errorf("%w: no extractor configured", embedding.ErrExtraction)
		}
		var err error
		emb, err = idx.extractor.Extract(ctx, input.Image)
		if err != nil {
			return nil, fmt.Errorf("extract embedding for %s: %w", input.ID, err)
		}
	}
	if len(emb) > 0 {
		if dim := idx.index.Stats().Dimensions; len(emb) != dim {
			return nil, fmt.Errorf("%w: product %s has %d, expected %d", models.ErrDimensionMismatch, input.ID, len(emb), dim)
		}
	}

	product := &models.Product{
		ID:        input.ID,
		Name:      input.Name,
		Category:  input.Category,
		Metadata:  input.Metadata,
		Embedding: emb,
	}
	if err := idx.catalog.UpsertProduct(ctx, product); err != nil {
		return nil, fmt.Errorf("failed to store product: %w", err)
	}
	if len(emb) > 0 {
		md := indexMetadata(product)
		if err := idx.index.Add(ctx, []string{product.ID}, [][]float32{emb}, []map[string]string{md}); err != nil {
			return nil, fmt.Errorf("failed to index embedding: %w", err)
		}
	}
	idx.logger.Debug("product indexed", zap.String("id", product.ID), zap.Bool("embedding", len(emb) > 0))
	return product, nil
}

func indexMetadata(p *models.Product) map[string]string {
	md := make(map[string]string, len(p.Metadata)+2)
	for k, v := range p.Metadata {
		md[k] = v
	}
	if p.Name != "" {
		md["name"] = p.Name
	}
	if p.Category != "" {
		md["category"] = p.Category
	}
	return md
}

// IndexFile reads an image and indexes it as a product whose ID is the file
// stem. If allowedExts is non-empty, the extension must be in the list
// (case-insensitive). Files already indexed with the same mtime and size are skipped.
func (idx *Indexer) IndexFile(ctx context.Context, path string, allowedExts []string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("absolute path: %w", err)
	}
	ext := strings.ToLower(filepath.Ext(absPath))
	if len(allowedExts) > 0 && !extensionAllowed(ext, allowedExts) {
		return fmt.Errorf("extension %q not in allowed list", ext)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return fmt.Errorf("stat file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("not a regular file: %s", absPath)
	}
	id := productid.FromPath(absPath)
	if idx.unchanged(ctx, id, absPath, info) {
		idx.logger.Debug("indexer skipping unchanged image", zap.String("path", absPath))
		return nil
	}
	image, err := os.ReadFile(absPath)
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}
	_, err = idx.IndexProduct(ctx, &models.ProductInput{
		ID:   id,
		Name: filepath.Base(absPath),
		Metadata: map[string]string{
			metaKeySourcePath:  absPath,
			metaKeySourceMtime: strconv.FormatInt(info.ModTime().UnixNano(), 10),
			metaKeySourceSize:  strconv.FormatInt(info.Size(), 10),
		},
		Image: image,
	})
	if err != nil {
		return err
	}
	idx.logger.Debug("indexer image indexed", zap.String("path", absPath), zap.String("product_id", id))
	return nil
}

// unchanged reports whether the product was already indexed from the same file
// with the same mtime and size.
func (idx *Indexer) unchanged(ctx context.Context, id, absPath string, info os.FileInfo) bool {
	p, err := idx.catalog.GetProduct(ctx, id)
	if err != nil || p.Metadata == nil {
		return false
	}
	if p.Metadata[metaKeySourcePath] != absPath {
		return false
	}
	return p.Metadata[metaKeySourceMtime] == strconv.FormatInt(info.ModTime().UnixNano(), 10) &&
		p.Metadata[metaKeySourceSize] == strconv.FormatInt(info.Size(), 10)
}

// IndexDirectory walks dir recursively and indexes each regular file whose extension
// is in allowedExts (if non-empty; otherwise all files). Returns the number of
// files indexed and the first error encountered, if any.
func (idx *Indexer) IndexDirectory(ctx context.Context, dir string, allowedExts []string) (n int, err error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return 0, fmt.Errorf("absolute path: %w", err)
	}
	info, err := os.Stat(absDir)
	if err != nil {
		return 0, fmt.Errorf("stat directory: %w", err)
	}
	if !info.IsDir() {
		return 0, fmt.Errorf("not a directory: %s", absDir)
	}
	err = filepath.WalkDir(absDir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if len(allowedExts) > 0 && !extensionAllowed(ext, allowedExts) {
			return nil
		}
		finfo, statErr := os.Stat(path)
		if statErr != nil || !finfo.Mode().IsRegular() {
			return nil
		}
		if indexErr := idx.IndexFile(ctx, path, allowedExts); indexErr != nil {
			return indexErr
		}
		n++
		return nil
	})
	return n, err
}

func extensionAllowed(ext string, allowed []string) bool {
	extNorm := strings.ToLower(strings.TrimPrefix(ext, "."))
	for _, a := range allowed {
		if strings.ToLower(strings.TrimPrefix(a, ".")) == extNorm {
			return true
		}
	}
	return false
}

// DeleteProduct removes a product from the catalog and rebuilds the vector
// index without it. Returns ErrNotFound if the catalog does not know the product.
func (idx *Indexer) DeleteProduct(ctx context.Context, id string) error {
	if err := idx.catalog.DeleteProduct(ctx, id); err != nil {
		return err
	}
	removed, err := idx.RemoveFromIndex(ctx, id)
	if err != nil {
		return err
	}
	idx.logger.Debug("product deleted", zap.String("id", id), zap.Int("vectors_removed", removed))
	return nil
}

// RemoveFromIndex drops every vector recorded under ids. The index works out
// what to keep under its own write lock, so images ingested meanwhile survive.
func (idx *Indexer) RemoveFromIndex(ctx context.Context, ids ...string) (int, error) {
	removed, err := idx.index.Remove(ctx, ids...)
	if err != nil {
		return 0, fmt.Errorf("failed to rebuild vector index: %w", err)
	}
	return removed, nil
}

// DeleteFile removes the product that was indexed from path, if any.
func (idx *Indexer) DeleteFile(ctx context.Context, path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("absolute path: %w", err)
	}
	id := productid.FromPath(absPath)
	p, err := idx.catalog.GetProduct(ctx, id)
	if errors.Is(err, models.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if p.Metadata[metaKeySourcePath] != absPath {
		return nil
	}
	return idx.DeleteProduct(ctx, id)
}

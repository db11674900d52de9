// Package storage persists the product catalog and answers embedding lookups
// for the recommendation engine.
package storage

import (
	"context"

	"github.com/hyperjump/miru/internal/models"
)

// ProductStore defines product catalog persistence.
type ProductStore interface {
	UpsertProduct(ctx context.Context, p *models.Product) error
	GetProduct(ctx context.Context, id string) (*models.Product, error)
	DeleteProduct(ctx context.Context, id string) error
	ListProducts(ctx context.Context, offset, limit int) ([]*models.Product, error)
	ListProductIDs(ctx context.Context) ([]string, error)
	CountProducts(ctx context.Context) (int64, error)

	// Embedding returns the stored embedding for id; ok is false when the
	// product is unknown or has none.
	Embedding(ctx context.Context, id string) (vec []float32, ok bool, err error)

	Close() error
}

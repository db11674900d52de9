// Package models defines core data structures for products, interactions, and recommendations.
package models

import "time"

// Product is a catalog entry. Embedding is optional; products classified by the
// image pipeline carry one, others are known only through behaviour.
type Product struct {
	ID        string            `json:"id" db:"id"`
	Name      string            `json:"name,omitempty" db:"name"`
	Category  string            `json:"category,omitempty" db:"category"`
	Metadata  map[string]string `json:"metadata,omitempty" db:"metadata"`
	Embedding []float32         `json:"-" db:"embedding"`
	CreatedAt time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt time.Time         `json:"updated_at" db:"updated_at"`
}

// HasEmbedding reports whether the product carries a stored embedding.
func (p *Product) HasEmbedding() bool {
	return len(p.Embedding) > 0
}

// ProductInput is the input for creating or updating a product.
// Either Embedding or Image may be set; Image is passed to the embedding extractor.
type ProductInput struct {
	ID        string            `json:"id" validate:"required,max=256"`
	Name      string            `json:"name,omitempty" validate:"max=512"`
	Category  string            `json:"category,omitempty" validate:"max=256"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Embedding []float32         `json:"embedding,omitempty"`
	Image     []byte            `json:"image,omitempty"`
}

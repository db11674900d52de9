package storage

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	_ "github.com/mattn/go-sqlite3"

	"github.com/hyperjump/miru/internal/models"
)

// SQLiteStorage implements ProductStore using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		name TEXT,
		category TEXT,
		metadata TEXT,
		embedding BLOB,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_products_category ON products(category);
	CREATE INDEX IF NOT EXISTS idx_products_created_at ON products(created_at);
	`
	_, err := db.Exec(schema)
	return err
}

// UpsertProduct inserts a product or replaces an existing one, keeping its
// original CreatedAt. A nil Embedding keeps the stored one.
func (s *SQLiteStorage) UpsertProduct(ctx context.Context, p *models.Product) error {
	if p.ID == "" {
		return fmt.Errorf("%w: product id is required", models.ErrInvalidConfig)
	}
	metadataJSON, err := json.Marshal(p.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	var blob any
	if b := encodeEmbedding(p.Embedding); b != nil {
		blob = b
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO products (id, name, category, metadata, embedding, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			category = excluded.category,
			metadata = excluded.metadata,
			embedding = COALESCE(excluded.embedding, products.embedding),
			updated_at = excluded.updated_at`,
		p.ID, p.Name, p.Category, string(metadataJSON), blob, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert product %s: %w", p.ID, err)
	}
	return nil
}

// GetProduct returns a product by ID, or ErrNotFound.
func (s *SQLiteStorage) GetProduct(ctx context.Context, id string) (*models.Product, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, category, metadata, embedding, created_at, updated_at
		 FROM products WHERE id = ?`, id)
	p, err := scanProduct(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: product %s", models.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// DeleteProduct removes a product by ID, or returns ErrNotFound.
func (s *SQLiteStorage) DeleteProduct(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM products WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: product %s", models.ErrNotFound, id)
	}
	return nil
}

// ListProducts returns products ordered by creation time, newest first.
func (s *SQLiteStorage) ListProducts(ctx context.Context, offset, limit int) ([]*models.Product, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, category, metadata, embedding, created_at, updated_at
		 FROM products ORDER BY created_at DESC, id LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var products []*models.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

// ListProductIDs returns every product ID in the catalog.
func (s *SQLiteStorage) ListProductIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM products ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountProducts returns the total number of products.
func (s *SQLiteStorage) CountProducts(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM products`).Scan(&count)
	return count, err
}

// Embedding returns the stored embedding for id.
func (s *SQLiteStorage) Embedding(ctx context.Context, id string) ([]float32, bool, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT embedding FROM products WHERE id = ?`, id).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	vec, err := decodeEmbedding(blob)
	if err != nil {
		return nil, false, fmt.Errorf("product %s: %w", id, err)
	}
	return vec, len(vec) > 0, nil
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(r rowScanner) (*models.Product, error) {
	var (
		p            models.Product
		name, cat    sql.NullString
		metadataJSON sql.NullString
		blob         []byte
	)
	if err := r.Scan(&p.ID, &name, &cat, &metadataJSON, &blob, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Name = name.String
	p.Category = cat.String
	if metadataJSON.String != "" && metadataJSON.String != "null" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &p.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	vec, err := decodeEmbedding(blob)
	if err != nil {
		return nil, fmt.Errorf("product %s: %w", p.ID, err)
	}
	p.Embedding = vec
	return &p, nil
}

// encodeEmbedding packs a vector as little-endian float32.
func encodeEmbedding(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	b := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
	}
	return b
}

func decodeEmbedding(b []byte) ([]float32, error) {
	if len(b) == 0 {
		return nil, nil
	}
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("embedding blob has %d bytes, not a multiple of 4", len(b))
	}
	vec := make([]float32, len(b)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return vec, nil
}

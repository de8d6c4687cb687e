// Package catalog owns the product catalog: the sqlite store, the lexical
// index, CSV ingestion and the optional drop-directory watcher.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mbenali/shopmate/internal/embed"
)

// ErrNotFound is returned when a product id does not exist.
var ErrNotFound = errors.New("product not found")

// Product is one catalog entry.
type Product struct {
	ID          string
	Title       string
	Brand       string
	Description string
	Categories  []string
	Price       *float64
	Currency    string
	ImageURL    string
	Embedding   []float32
}

// Filters narrows the catalog subset both retrieval sides rank over.
// Zero values mean "no constraint". Brand and Category match as
// case-insensitive substrings; Currency matches exactly.
type Filters struct {
	PriceMin *float64
	PriceMax *float64
	Currency string
	Brand    string
	Category string
}

// Empty reports whether no filter is set.
func (f Filters) Empty() bool {
	return f.PriceMin == nil && f.PriceMax == nil && f.Currency == "" && f.Brand == "" && f.Category == ""
}

// Store is the sqlite-backed product catalog.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the catalog database.
func NewStore(ctx context.Context, dbPath string) (*Store, error) {
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping catalog database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize catalog schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS products (
		id          TEXT PRIMARY KEY,
		title       TEXT NOT NULL,
		brand       TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		categories  TEXT NOT NULL DEFAULT '[]',
		price       REAL,
		currency    TEXT NOT NULL DEFAULT '',
		image_url   TEXT NOT NULL DEFAULT '',
		embedding   BLOB,
		dim         INTEGER NOT NULL DEFAULT 0,
		updated_at  INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_products_brand ON products(brand);
	CREATE INDEX IF NOT EXISTS idx_products_currency ON products(currency);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// UpsertBatch inserts or replaces products in a single transaction.
func (s *Store) UpsertBatch(ctx context.Context, products []Product) error {
	if len(products) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO products (id, title, brand, description, categories, price, currency, image_url, embedding, dim, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			brand = excluded.brand,
			description = excluded.description,
			categories = excluded.categories,
			price = excluded.price,
			currency = excluded.currency,
			image_url = excluded.image_url,
			embedding = excluded.embedding,
			dim = excluded.dim,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for _, p := range products {
		catsJSON, err := json.Marshal(p.Categories)
		if err != nil {
			return fmt.Errorf("failed to encode categories for %s: %w", p.ID, err)
		}

		var blob []byte
		dim := 0
		if len(p.Embedding) > 0 {
			blob = embed.EncodeVector(p.Embedding)
			dim = len(p.Embedding)
		}

		var price any
		if p.Price != nil {
			price = *p.Price
		}

		if _, err := stmt.ExecContext(ctx, p.ID, p.Title, p.Brand, p.Description, string(catsJSON), price, p.Currency, p.ImageURL, blob, dim, now); err != nil {
			return fmt.Errorf("failed to upsert product %s: %w", p.ID, err)
		}
	}

	return tx.Commit()
}

// Get returns one product by id.
func (s *Store) Get(ctx context.Context, id string) (*Product, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, brand, description, categories, price, currency, image_url, embedding
		FROM products WHERE id = ?
	`, id)

	p, err := scanProduct(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load product %s: %w", id, err)
	}
	return p, nil
}

// Filtered returns the catalog subset matching the filters, embeddings
// included. This is the population the dense side ranks over.
func (s *Store) Filtered(ctx context.Context, f Filters) ([]Product, error) {
	var clauses []string
	var args []any

	if f.PriceMin != nil {
		clauses = append(clauses, "price IS NOT NULL AND price >= ?")
		args = append(args, *f.PriceMin)
	}
	if f.PriceMax != nil {
		clauses = append(clauses, "price IS NOT NULL AND price <= ?")
		args = append(args, *f.PriceMax)
	}
	if f.Currency != "" {
		clauses = append(clauses, "LOWER(currency) = LOWER(?)")
		args = append(args, f.Currency)
	}
	if f.Brand != "" {
		clauses = append(clauses, "instr(LOWER(brand), LOWER(?)) > 0")
		args = append(args, f.Brand)
	}
	if f.Category != "" {
		clauses = append(clauses, "instr(LOWER(categories), LOWER(?)) > 0")
		args = append(args, f.Category)
	}

	query := `
		SELECT id, title, brand, description, categories, price, currency, image_url, embedding
		FROM products
	`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query products: %w", err)
	}
	defer rows.Close()

	var products []Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		products = append(products, *p)
	}
	return products, rows.Err()
}

// Count returns the number of products in the catalog.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM products`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count products: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (*Product, error) {
	var p Product
	var catsJSON string
	var price sql.NullFloat64
	var blob []byte

	if err := row.Scan(&p.ID, &p.Title, &p.Brand, &p.Description, &catsJSON, &price, &p.Currency, &p.ImageURL, &blob); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(catsJSON), &p.Categories); err != nil {
		return nil, fmt.Errorf("invalid categories JSON for %s: %w", p.ID, err)
	}
	if price.Valid {
		v := price.Float64
		p.Price = &v
	}
	if len(blob) > 0 {
		vec, err := embed.DecodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("invalid embedding for %s: %w", p.ID, err)
		}
		p.Embedding = vec
	}
	return &p, nil
}

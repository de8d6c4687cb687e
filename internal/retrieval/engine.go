// Package retrieval implements hybrid product search: dense cosine ranking
// and sparse keyword ranking over the same filtered catalog subset, joined
// by weighted score fusion.
package retrieval

import (
	"context"
	"fmt"
	"sort"

	"github.com/mbenali/shopmate/internal/catalog"
	"github.com/mbenali/shopmate/internal/embed"
)

// ProductCandidate is one ranked retrieval hit.
type ProductCandidate struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Brand       string   `json:"brand"`
	Description string   `json:"description"`
	Categories  []string `json:"categories"`
	Price       *float64 `json:"price,omitempty"`
	Currency    string   `json:"currency,omitempty"`
	ImageURL    string   `json:"image_url,omitempty"`
	Score       float64  `json:"score"`
	DenseScore  float64  `json:"dense_score"`
	SparseScore float64  `json:"sparse_score"`
}

// Config tunes the engine. Zero values take the defaults.
type Config struct {
	DenseK  int     // dense-side candidate pool (default 50)
	SparseK int     // sparse-side candidate pool (default 50)
	Alpha   float64 // dense fusion weight (default 0.5)
	Beta    float64 // sparse fusion weight (default 0.5)
}

func (c Config) withDefaults() Config {
	if c.DenseK <= 0 {
		c.DenseK = 50
	}
	if c.SparseK <= 0 {
		c.SparseK = 50
	}
	if c.Alpha == 0 && c.Beta == 0 {
		c.Alpha, c.Beta = 0.5, 0.5
	}
	return c
}

// Engine runs hybrid search over the catalog. Deterministic for a fixed
// catalog snapshot and embedder.
type Engine struct {
	store    *catalog.Store
	lexical  *catalog.LexicalIndex
	embedder embed.Embedder
	cfg      Config
}

// NewEngine creates a hybrid retrieval engine.
func NewEngine(store *catalog.Store, lexical *catalog.LexicalIndex, embedder embed.Embedder, cfg Config) *Engine {
	return &Engine{
		store:    store,
		lexical:  lexical,
		embedder: embedder,
		cfg:      cfg.withDefaults(),
	}
}

type scoredID struct {
	id    string
	score float64
}

// Search returns the top k fused candidates for the query. Filters narrow
// both sides before any ranking happens. An embedder failure aborts the
// whole search; there is no lexical-only degradation.
func (e *Engine) Search(ctx context.Context, query string, f catalog.Filters, k int) ([]ProductCandidate, error) {
	if k <= 0 {
		return nil, nil
	}

	queryVec, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	subset, err := e.store.Filtered(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("failed to load filtered catalog: %w", err)
	}
	if len(subset) == 0 {
		return nil, nil
	}

	byID := make(map[string]*catalog.Product, len(subset))
	for i := range subset {
		byID[subset[i].ID] = &subset[i]
	}

	// Dense side: cosine against every stored vector in the subset.
	dense := make([]scoredID, 0, len(subset))
	for i := range subset {
		p := &subset[i]
		if len(p.Embedding) == 0 {
			continue
		}
		dense = append(dense, scoredID{
			id:    p.ID,
			score: embed.CosineSimilarity(queryVec, p.Embedding),
		})
	}
	sortScored(dense)
	if len(dense) > e.cfg.DenseK {
		dense = dense[:e.cfg.DenseK]
	}

	// Sparse side: keyword relevance over the identically filtered subset.
	lexHits, err := e.lexical.Search(query, f, e.cfg.SparseK)
	if err != nil {
		return nil, fmt.Errorf("sparse search failed: %w", err)
	}
	sparse := make([]scoredID, 0, len(lexHits))
	for _, hit := range lexHits {
		// The index can lag the store briefly; drop hits outside the subset.
		if _, ok := byID[hit.ProductID]; !ok {
			continue
		}
		sparse = append(sparse, scoredID{id: hit.ProductID, score: hit.Score})
	}

	denseNorm := minMaxNormalize(dense)
	sparseNorm := minMaxNormalize(sparse)

	// Full outer join by product id; a missing side contributes 0.
	fused := make(map[string]*ProductCandidate)
	candidate := func(id string) *ProductCandidate {
		if c, ok := fused[id]; ok {
			return c
		}
		p := byID[id]
		c := &ProductCandidate{
			ID:          p.ID,
			Title:       p.Title,
			Brand:       p.Brand,
			Description: p.Description,
			Categories:  p.Categories,
			Price:       p.Price,
			Currency:    p.Currency,
			ImageURL:    p.ImageURL,
		}
		fused[id] = c
		return c
	}
	for id, score := range denseNorm {
		candidate(id).DenseScore = score
	}
	for id, score := range sparseNorm {
		candidate(id).SparseScore = score
	}

	results := make([]ProductCandidate, 0, len(fused))
	for _, c := range fused {
		c.Score = e.cfg.Alpha*c.DenseScore + e.cfg.Beta*c.SparseScore
		results = append(results, *c)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})

	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// minMaxNormalize maps scores into [0,1]. A side where every score is equal
// normalizes to 1.0 so it neither dominates nor vanishes in the fusion.
func minMaxNormalize(hits []scoredID) map[string]float64 {
	out := make(map[string]float64, len(hits))
	if len(hits) == 0 {
		return out
	}

	min, max := hits[0].score, hits[0].score
	for _, h := range hits[1:] {
		if h.score < min {
			min = h.score
		}
		if h.score > max {
			max = h.score
		}
	}

	if max == min {
		for _, h := range hits {
			out[h.id] = 1.0
		}
		return out
	}

	for _, h := range hits {
		out[h.id] = (h.score - min) / (max - min)
	}
	return out
}

func sortScored(hits []scoredID) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].id < hits[j].id
	})
}

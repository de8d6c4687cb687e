package retrieval

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/mbenali/shopmate/internal/catalog"
	"github.com/mbenali/shopmate/internal/embed"
)

// buildEngine returns an engine over a temp catalog plus a seeder that loads
// products into both the store and the lexical index.
func buildEngine(t *testing.T, cfg Config) (*Engine, func([]catalog.Product)) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "retrieval_test")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	dbPath := filepath.Join(tmpDir, "catalog.db")
	store, err := catalog.NewStore(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	lexical, err := catalog.NewLexicalIndex(dbPath)
	if err != nil {
		t.Fatalf("NewLexicalIndex failed: %v", err)
	}
	t.Cleanup(func() { lexical.Close() })

	seed := func(batch []catalog.Product) {
		if err := store.UpsertBatch(context.Background(), batch); err != nil {
			t.Fatalf("UpsertBatch failed: %v", err)
		}
		if err := lexical.IndexBatch(batch); err != nil {
			t.Fatalf("IndexBatch failed: %v", err)
		}
	}

	return NewEngine(store, lexical, embed.NewHashEmbedder(64), cfg), seed
}

func price(v float64) *float64 { return &v }

func sampleProducts(t *testing.T) []catalog.Product {
	t.Helper()
	specs := []struct {
		title, brand, desc string
		cats               []string
		price              *float64
		currency           string
	}{
		{"Classic Chef Knife", "Global", "japanese steel chef knife for daily prep", []string{"Kitchen", "Knives"}, price(89.99), "USD"},
		{"Santoku Knife", "Global", "santoku knife with granton edge", []string{"Kitchen", "Knives"}, price(74.50), "USD"},
		{"Paring Knife", "Victorinox", "small paring knife for peeling", []string{"Kitchen", "Knives"}, price(12.00), "USD"},
		{"Wireless Headset", "Soundcore", "over ear bluetooth headset with mic", []string{"Audio"}, price(59.00), "USD"},
		{"Cutting Board", "Boos", "maple end grain cutting board", []string{"Kitchen"}, price(120.00), "EUR"},
	}

	embedder := embed.NewHashEmbedder(64)
	ctx := context.Background()

	var products []catalog.Product
	for _, s := range specs {
		vec, err := embedder.Embed(ctx, s.title+" "+s.desc)
		if err != nil {
			t.Fatalf("embed failed: %v", err)
		}
		products = append(products, catalog.Product{
			ID:          catalog.ProductID(s.title, s.brand, s.cats),
			Title:       s.title,
			Brand:       s.brand,
			Description: s.desc,
			Categories:  s.cats,
			Price:       s.price,
			Currency:    s.currency,
			Embedding:   vec,
		})
	}
	return products
}

func TestSearch_RanksRelevantFirst(t *testing.T) {
	engine, seed := buildEngine(t, Config{})
	seed(sampleProducts(t))

	results, err := engine.Search(context.Background(), "chef knife", catalog.Filters{}, 3)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("no results")
	}
	want := catalog.ProductID("Classic Chef Knife", "Global", []string{"Kitchen", "Knives"})
	if results[0].ID != want {
		t.Errorf("top result = %s (%s), want the chef knife", results[0].ID, results[0].Title)
	}
	for i := 1; i < len(results); i++ {
		if results[i].Score > results[i-1].Score {
			t.Errorf("results not sorted desc at %d", i)
		}
	}
}

func TestSearch_FiltersApplyToBothSides(t *testing.T) {
	engine, seed := buildEngine(t, Config{})
	seed(sampleProducts(t))

	results, err := engine.Search(context.Background(), "knife", catalog.Filters{Brand: "victorinox"}, 10)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	for _, r := range results {
		if r.Brand != "Victorinox" {
			t.Errorf("brand filter leaked: got %s", r.Brand)
		}
	}
	if len(results) != 1 {
		t.Errorf("got %d results, want exactly the paring knife", len(results))
	}

	max := 80.0
	results, err = engine.Search(context.Background(), "knife", catalog.Filters{PriceMax: &max}, 10)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	for _, r := range results {
		if r.Price == nil || *r.Price > max {
			t.Errorf("price filter leaked: %v", r.Price)
		}
	}
}

func TestSearch_ScoresNormalizedAndFused(t *testing.T) {
	engine, seed := buildEngine(t, Config{Alpha: 0.5, Beta: 0.5})
	seed(sampleProducts(t))

	results, err := engine.Search(context.Background(), "knife kitchen", catalog.Filters{}, 10)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	for _, r := range results {
		if r.DenseScore < 0 || r.DenseScore > 1 || r.SparseScore < 0 || r.SparseScore > 1 {
			t.Errorf("side scores outside [0,1]: %+v", r)
		}
		wantFused := 0.5*r.DenseScore + 0.5*r.SparseScore
		if math.Abs(r.Score-wantFused) > 1e-9 {
			t.Errorf("fused score = %f, want %f", r.Score, wantFused)
		}
	}
}

func TestSearch_ConstantSidesNormalizeToOneAndTieByID(t *testing.T) {
	engine, seed := buildEngine(t, Config{})

	ctx := context.Background()
	embedder := embed.NewHashEmbedder(64)

	// Identical text gives identical dense and sparse scores across products.
	var batch []catalog.Product
	for i := 0; i < 3; i++ {
		title := fmt.Sprintf("Steel Knife %d", i)
		vec, _ := embedder.Embed(ctx, "steel knife")
		batch = append(batch, catalog.Product{
			ID:          catalog.ProductID(title, "Acme", nil),
			Title:       title,
			Description: "steel knife",
			Embedding:   vec,
		})
	}
	seed(batch)

	results, err := engine.Search(ctx, "steel", catalog.Filters{}, 10)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	for i, r := range results {
		if math.Abs(r.Score-1.0) > 1e-9 {
			t.Errorf("constant sides must normalize to 1.0, got %f for %s", r.Score, r.Title)
		}
		if i > 0 && results[i-1].ID > r.ID {
			t.Error("ties must break by id asc")
		}
	}
}

type failingEmbedder struct{}

func (failingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, fmt.Errorf("embedding backend down")
}

func (failingEmbedder) Dimension() int { return 0 }

func TestSearch_EmbedderFailureIsFatal(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "retrieval_test")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	dbPath := filepath.Join(tmpDir, "catalog.db")
	store, err := catalog.NewStore(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	lexical, err := catalog.NewLexicalIndex(dbPath)
	if err != nil {
		t.Fatalf("NewLexicalIndex failed: %v", err)
	}
	t.Cleanup(func() { lexical.Close() })

	engine := NewEngine(store, lexical, failingEmbedder{}, Config{})
	if _, err := engine.Search(context.Background(), "knife", catalog.Filters{}, 5); err == nil {
		t.Error("embedder failure must abort the search")
	}
}

func TestSearch_TruncatesToK(t *testing.T) {
	engine, seed := buildEngine(t, Config{})
	seed(sampleProducts(t))

	results, err := engine.Search(context.Background(), "knife", catalog.Filters{}, 2)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) > 2 {
		t.Errorf("got %d results, want at most 2", len(results))
	}
}

// Property: a product that beats another on the dense side while matching or
// beating it on the sparse side never drops below it when alpha grows.
func TestSearch_AlphaIncreaseKeepsDenseDominantOrder(t *testing.T) {
	products := sampleProducts(t)
	query := "chef knife kitchen"

	lowEngine, seedLow := buildEngine(t, Config{Alpha: 0.2, Beta: 0.8})
	seedLow(products)
	highEngine, seedHigh := buildEngine(t, Config{Alpha: 0.8, Beta: 0.2})
	seedHigh(products)

	low, err := lowEngine.Search(context.Background(), query, catalog.Filters{}, 10)
	if err != nil {
		t.Fatalf("low-alpha Search failed: %v", err)
	}
	high, err := highEngine.Search(context.Background(), query, catalog.Filters{}, 10)
	if err != nil {
		t.Fatalf("high-alpha Search failed: %v", err)
	}

	rank := func(rs []ProductCandidate) map[string]int {
		m := make(map[string]int, len(rs))
		for i, r := range rs {
			m[r.ID] = i
		}
		return m
	}
	lowRank, highRank := rank(low), rank(high)

	pairs := 0
	for _, a := range low {
		for _, b := range low {
			if a.ID == b.ID {
				continue
			}
			if a.DenseScore <= b.DenseScore || a.SparseScore < b.SparseScore {
				continue
			}
			pairs++
			if lowRank[a.ID] > lowRank[b.ID] {
				t.Errorf("%s dominates %s but ranks below it at alpha 0.2", a.Title, b.Title)
			}
			ha, okA := highRank[a.ID]
			hb, okB := highRank[b.ID]
			if okA && okB && ha > hb {
				t.Errorf("raising alpha demoted %s below %s despite dense dominance", a.Title, b.Title)
			}
		}
	}
	if pairs == 0 {
		t.Fatal("fixture produced no dense-dominant pair, the property was not exercised")
	}
}

package catalog

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/mbenali/shopmate/internal/embed"
)

const sampleCSV = `title,brand,description,final_price,currency,categories,image_url
Classic Chef Knife,Global,8 inch japanese steel chef knife for daily prep,89.99,USD,"[""Kitchen"", ""Knives""]",http://img/1
Santoku Knife,Global,7 inch santoku with granton edge,74.50,USD,Kitchen|Knives,http://img/2
Wireless Headset,Soundcore,Over-ear bluetooth headset with mic,,USD,"[""Audio""]",http://img/3
,NoName,row without title must be skipped,10,USD,Misc,http://img/4
Cutting Board,Boos,Maple end-grain cutting board,120.00,EUR,"[""Kitchen""]",http://img/5
`

func newTestCatalog(t *testing.T) (*Store, *LexicalIndex, *Ingester) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "catalog_test")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	dbPath := filepath.Join(tmpDir, "catalog.db")
	store, err := NewStore(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	lexical, err := NewLexicalIndex(dbPath)
	if err != nil {
		t.Fatalf("NewLexicalIndex failed: %v", err)
	}
	t.Cleanup(func() { lexical.Close() })

	ing := NewIngester(store, lexical, embed.NewHashEmbedder(64), IngestOptions{BatchSize: 2})
	return store, lexical, ing
}

func TestIngest_RoundTrip(t *testing.T) {
	store, _, ing := newTestCatalog(t)
	ctx := context.Background()

	stats, err := ing.Ingest(ctx, strings.NewReader(sampleCSV))
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if stats.Ingested != 4 {
		t.Errorf("ingested = %d, want 4", stats.Ingested)
	}
	if stats.Skipped != 1 {
		t.Errorf("skipped = %d, want 1 (empty title)", stats.Skipped)
	}

	id := ProductID("Classic Chef Knife", "Global", []string{"Kitchen", "Knives"})
	p, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if p.Brand != "Global" || p.Currency != "USD" {
		t.Errorf("product fields = %+v", p)
	}
	if p.Price == nil || *p.Price != 89.99 {
		t.Errorf("price = %v, want 89.99", p.Price)
	}
	if len(p.Embedding) != 64 {
		t.Errorf("embedding dim = %d, want 64", len(p.Embedding))
	}
	if len(p.Categories) != 2 || p.Categories[0] != "Kitchen" {
		t.Errorf("categories = %v", p.Categories)
	}

	// Pipe-separated categories parse the same as the JSON form.
	santoku, err := store.Get(ctx, ProductID("Santoku Knife", "Global", []string{"Kitchen", "Knives"}))
	if err != nil {
		t.Fatalf("Get santoku failed: %v", err)
	}
	if len(santoku.Categories) != 2 {
		t.Errorf("santoku categories = %v", santoku.Categories)
	}
}

func TestProductID_Stable(t *testing.T) {
	a := ProductID("Chef Knife", "Global", []string{"Kitchen"})
	b := ProductID("chef knife", "GLOBAL", []string{"kitchen"})
	if a != b {
		t.Error("product id must be case-insensitive stable")
	}
	c := ProductID("Chef Knife", "Wüsthof", []string{"Kitchen"})
	if a == c {
		t.Error("different brand must change the id")
	}
}

func TestStoreFiltered(t *testing.T) {
	store, _, ing := newTestCatalog(t)
	ctx := context.Background()

	if _, err := ing.Ingest(ctx, strings.NewReader(sampleCSV)); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	min, max := 70.0, 100.0
	cases := []struct {
		name    string
		filters Filters
		want    int
	}{
		{"no_filters", Filters{}, 4},
		{"price_range", Filters{PriceMin: &min, PriceMax: &max}, 2},
		{"price_excludes_null", Filters{PriceMin: new(float64)}, 3},
		{"currency", Filters{Currency: "eur"}, 1},
		{"brand_substring", Filters{Brand: "glob"}, 2},
		{"category_substring", Filters{Category: "kniv"}, 2},
		{"combined", Filters{Brand: "global", PriceMax: &max}, 2},
		{"no_match", Filters{Brand: "nonexistent"}, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := store.Filtered(ctx, tc.filters)
			if err != nil {
				t.Fatalf("Filtered failed: %v", err)
			}
			if len(got) != tc.want {
				t.Errorf("got %d products, want %d", len(got), tc.want)
			}
		})
	}
}

func TestLexicalSearch(t *testing.T) {
	_, lexical, ing := newTestCatalog(t)
	ctx := context.Background()

	if _, err := ing.Ingest(ctx, strings.NewReader(sampleCSV)); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	results, err := lexical.Search("chef knife", Filters{}, 10)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("no lexical results for matching query")
	}
	wantTop := ProductID("Classic Chef Knife", "Global", []string{"Kitchen", "Knives"})
	if results[0].ProductID != wantTop {
		t.Errorf("top hit = %s, want the chef knife", results[0].ProductID)
	}

	// Currency filter removes the EUR board from a kitchen query.
	results, err = lexical.Search("kitchen", Filters{Currency: "EUR"}, 10)
	if err != nil {
		t.Fatalf("filtered Search failed: %v", err)
	}
	for _, r := range results {
		if r.ProductID != ProductID("Cutting Board", "Boos", []string{"Kitchen"}) {
			t.Errorf("unexpected hit %s under EUR filter", r.ProductID)
		}
	}

	// Price filter must exclude the priceless headset.
	min := 1.0
	results, err = lexical.Search("headset", Filters{PriceMin: &min}, 10)
	if err != nil {
		t.Fatalf("price-filtered Search failed: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("headset without price matched a price filter: %v", results)
	}
}

func TestEmbeddingText_CapsOnCharacterBoundary(t *testing.T) {
	p := &Product{
		Title:       "Séria Knife",
		Brand:       "Güde",
		Description: strings.Repeat("è", 500),
	}

	text := embeddingText(p, 100)
	if !utf8.ValidString(text) {
		t.Fatal("capped embedding text contains invalid UTF-8")
	}
	if got := utf8.RuneCountInString(text); got != 100 {
		t.Errorf("rune count = %d, want exactly the cap", got)
	}
}

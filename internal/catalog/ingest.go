package catalog

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/mbenali/shopmate/internal/embed"
)

// IngestOptions tunes a CSV ingest run.
type IngestOptions struct {
	BatchSize int // products per upsert batch (default 64)
	MaxChars  int // embedding text cap (default 3000)
	Limit     int // stop after this many rows (0 = all)
}

// IngestStats summarizes one ingest run.
type IngestStats struct {
	Rows     int
	Ingested int
	Skipped  int
}

// Ingester loads product CSVs into the store and the lexical index.
type Ingester struct {
	store    *Store
	lexical  *LexicalIndex
	embedder embed.Embedder
	opts     IngestOptions
}

// NewIngester creates an ingester. The embedder may be a NoOpEmbedder when
// dense retrieval is not needed.
func NewIngester(store *Store, lexical *LexicalIndex, embedder embed.Embedder, opts IngestOptions) *Ingester {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 64
	}
	if opts.MaxChars <= 0 {
		opts.MaxChars = 3000
	}
	return &Ingester{
		store:    store,
		lexical:  lexical,
		embedder: embedder,
		opts:     opts,
	}
}

// Required CSV columns. Extra columns are ignored.
var requiredColumns = []string{"title", "brand", "description", "final_price", "currency", "categories", "image_url"}

// IngestFile ingests one CSV file.
func (ing *Ingester) IngestFile(ctx context.Context, path string) (*IngestStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	log.Printf("[ingest] loading %s", path)
	return ing.Ingest(ctx, f)
}

// Ingest reads CSV rows and upserts products in batches.
func (ing *Ingester) Ingest(ctx context.Context, r io.Reader) (*IngestStats, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}

	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.TrimSpace(strings.ToLower(name))] = i
	}
	for _, required := range requiredColumns {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("CSV missing required column %q", required)
		}
	}

	stats := &IngestStats{}
	var batch []Product

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := ing.store.UpsertBatch(ctx, batch); err != nil {
			return fmt.Errorf("failed to upsert batch: %w", err)
		}
		if err := ing.lexical.IndexBatch(batch); err != nil {
			return fmt.Errorf("failed to index batch: %w", err)
		}
		stats.Ingested += len(batch)
		batch = batch[:0]
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return stats, fmt.Errorf("failed to read CSV row %d: %w", stats.Rows+2, err)
		}
		stats.Rows++

		field := func(name string) string {
			i := cols[name]
			if i >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[i])
		}

		title := field("title")
		if title == "" {
			stats.Skipped++
			continue
		}

		p := Product{
			Title:       title,
			Brand:       field("brand"),
			Description: field("description"),
			Categories:  parseCategories(field("categories")),
			Currency:    field("currency"),
			ImageURL:    field("image_url"),
		}
		if raw := field("final_price"); raw != "" {
			if v, perr := strconv.ParseFloat(raw, 64); perr == nil {
				p.Price = &v
			}
		}
		p.ID = ProductID(p.Title, p.Brand, p.Categories)

		text := embeddingText(&p, ing.opts.MaxChars)
		vec, err := ing.embedder.Embed(ctx, text)
		if err != nil {
			return stats, fmt.Errorf("failed to embed product %s: %w", p.ID, err)
		}
		p.Embedding = vec

		batch = append(batch, p)
		if len(batch) >= ing.opts.BatchSize {
			if err := flush(); err != nil {
				return stats, err
			}
			log.Printf("[ingest] %d products so far", stats.Ingested)
		}

		if ing.opts.Limit > 0 && stats.Rows >= ing.opts.Limit {
			break
		}
	}

	if err := flush(); err != nil {
		return stats, err
	}

	log.Printf("✅ ingest complete: %d rows, %d ingested, %d skipped", stats.Rows, stats.Ingested, stats.Skipped)
	return stats, nil
}

// ProductID derives the stable product id from identity fields. Re-ingesting
// the same row always lands on the same id.
func ProductID(title, brand string, categories []string) string {
	key := strings.ToLower(title + "|" + brand + "|" + strings.Join(categories, "|"))
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(key)).String()
}

// parseCategories accepts a JSON array or a pipe-separated list.
func parseCategories(raw string) []string {
	if raw == "" {
		return nil
	}

	if strings.HasPrefix(raw, "[") {
		var cats []string
		if err := json.Unmarshal([]byte(raw), &cats); err == nil {
			return trimNonEmpty(cats)
		}
	}

	return trimNonEmpty(strings.Split(raw, "|"))
}

func trimNonEmpty(items []string) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		if t := strings.TrimSpace(it); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// embeddingText joins the descriptive fields and caps the length. The cap
// counts characters, not bytes, so a multibyte rune is never split.
func embeddingText(p *Product, maxChars int) string {
	text := strings.Join([]string{p.Title, p.Brand, p.Description, strings.Join(p.Categories, " ")}, "\n")
	if len(text) <= maxChars {
		return text
	}
	r := []rune(text)
	if len(r) > maxChars {
		r = r[:maxChars]
	}
	return string(r)
}

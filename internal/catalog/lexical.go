package catalog

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
)

// LexicalResult is one sparse-side hit.
type LexicalResult struct {
	ProductID string
	Score     float64
}

// LexicalIndex provides keyword search over products. Filter fields are
// indexed alongside the analyzed text so the filtered subset is computed
// inside the query.
type LexicalIndex struct {
	index bleve.Index
	path  string
}

// NewLexicalIndex creates or opens a lexical index next to dbPath.
// A corrupted index is deleted and recreated.
func NewLexicalIndex(dbPath string) (*LexicalIndex, error) {
	indexPath := dbPath + ".bleve"

	index, err := bleve.Open(indexPath)
	if err == bleve.ErrorIndexPathDoesNotExist {
		index, err = bleve.New(indexPath, buildProductMapping())
		if err != nil {
			return nil, fmt.Errorf("failed to create lexical index: %w", err)
		}
		log.Println("📚 lexical index created")
	} else if err != nil {
		log.Printf("⚠️  lexical index appears corrupted (error: %v), recreating...", err)

		if index != nil {
			index.Close()
		}
		if err := os.RemoveAll(indexPath); err != nil {
			log.Printf("⚠️  failed to remove corrupted index directory: %v", err)
		}

		index, err = bleve.New(indexPath, buildProductMapping())
		if err != nil {
			return nil, fmt.Errorf("failed to recreate lexical index: %w", err)
		}
		log.Println("✅ lexical index recreated (corrupted index was deleted)")
	}

	return &LexicalIndex{
		index: index,
		path:  indexPath,
	}, nil
}

// buildProductMapping creates the index mapping for products.
func buildProductMapping() mapping.IndexMapping {
	indexMapping := bleve.NewIndexMapping()

	productMapping := bleve.NewDocumentMapping()

	// Searchable text (analyzed)
	textField := bleve.NewTextFieldMapping()
	textField.Analyzer = standard.Name
	textField.Store = false
	textField.Index = true
	productMapping.AddFieldMappingsAt("text", textField)

	// Filter fields (keyword, lowercased at index time)
	brandField := bleve.NewTextFieldMapping()
	brandField.Analyzer = keyword.Name
	brandField.Store = false
	brandField.Index = true
	productMapping.AddFieldMappingsAt("brand", brandField)

	categoriesField := bleve.NewTextFieldMapping()
	categoriesField.Analyzer = keyword.Name
	categoriesField.Store = false
	categoriesField.Index = true
	productMapping.AddFieldMappingsAt("categories", categoriesField)

	currencyField := bleve.NewTextFieldMapping()
	currencyField.Analyzer = keyword.Name
	currencyField.Store = false
	currencyField.Index = true
	productMapping.AddFieldMappingsAt("currency", currencyField)

	priceField := bleve.NewNumericFieldMapping()
	priceField.Store = false
	priceField.Index = true
	productMapping.AddFieldMappingsAt("price", priceField)

	indexMapping.DefaultMapping = productMapping

	return indexMapping
}

func productDoc(p *Product) map[string]interface{} {
	text := strings.Join([]string{p.Title, p.Brand, p.Description, strings.Join(p.Categories, " ")}, " ")

	cats := make([]string, 0, len(p.Categories))
	for _, c := range p.Categories {
		cats = append(cats, strings.ToLower(c))
	}

	doc := map[string]interface{}{
		"text":       text,
		"brand":      strings.ToLower(p.Brand),
		"categories": cats,
		"currency":   strings.ToLower(p.Currency),
	}
	// Products without a price must stay invisible to price range filters.
	if p.Price != nil {
		doc["price"] = *p.Price
	}
	return doc
}

// IndexProduct indexes a single product.
func (l *LexicalIndex) IndexProduct(p *Product) error {
	return l.index.Index(p.ID, productDoc(p))
}

// IndexBatch indexes multiple products efficiently.
func (l *LexicalIndex) IndexBatch(products []Product) error {
	batch := l.index.NewBatch()

	for i := range products {
		p := &products[i]
		if err := batch.Index(p.ID, productDoc(p)); err != nil {
			return fmt.Errorf("failed to add product %s to batch: %w", p.ID, err)
		}
	}

	return l.index.Batch(batch)
}

// Delete removes a product from the index.
func (l *LexicalIndex) Delete(productID string) error {
	return l.index.Delete(productID)
}

// Search runs a match query over the filtered subset and returns the top k
// hits by keyword relevance.
func (l *LexicalIndex) Search(queryText string, f Filters, k int) ([]LexicalResult, error) {
	var q query.Query = bleve.NewMatchQuery(queryText)

	var filterQueries []query.Query
	if f.Brand != "" {
		wq := bleve.NewWildcardQuery("*" + strings.ToLower(f.Brand) + "*")
		wq.SetField("brand")
		filterQueries = append(filterQueries, wq)
	}
	if f.Category != "" {
		wq := bleve.NewWildcardQuery("*" + strings.ToLower(f.Category) + "*")
		wq.SetField("categories")
		filterQueries = append(filterQueries, wq)
	}
	if f.Currency != "" {
		tq := bleve.NewTermQuery(strings.ToLower(f.Currency))
		tq.SetField("currency")
		filterQueries = append(filterQueries, tq)
	}
	if f.PriceMin != nil || f.PriceMax != nil {
		inclusive := true
		rq := bleve.NewNumericRangeInclusiveQuery(f.PriceMin, f.PriceMax, &inclusive, &inclusive)
		rq.SetField("price")
		filterQueries = append(filterQueries, rq)
	}

	if len(filterQueries) > 0 {
		q = bleve.NewConjunctionQuery(append([]query.Query{q}, filterQueries...)...)
	}

	searchRequest := bleve.NewSearchRequest(q)
	searchRequest.Size = k

	searchResult, err := l.index.Search(searchRequest)
	if err != nil {
		return nil, fmt.Errorf("lexical search failed: %w", err)
	}

	results := make([]LexicalResult, 0, len(searchResult.Hits))
	for _, hit := range searchResult.Hits {
		results = append(results, LexicalResult{
			ProductID: hit.ID,
			Score:     hit.Score,
		})
	}

	return results, nil
}

// Close closes the index.
func (l *LexicalIndex) Close() error {
	return l.index.Close()
}

// Path returns the filesystem path of the index.
func (l *LexicalIndex) Path() string {
	return l.path
}

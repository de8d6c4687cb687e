package agents

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/mbenali/shopmate/internal/catalog"
	"github.com/mbenali/shopmate/internal/llm"
	"github.com/mbenali/shopmate/internal/retrieval"
	"github.com/mbenali/shopmate/internal/state"
)

// Searcher is the slice of the retrieval engine Recommend needs.
type Searcher interface {
	Search(ctx context.Context, query string, f catalog.Filters, k int) ([]retrieval.ProductCandidate, error)
}

// ResultCache keeps each session's last non-empty product set so a
// low-signal follow-up ("ok", "maybe") can reuse it instead of searching
// with no intent. Explicit state, not a hidden agent field.
type ResultCache struct {
	mu   sync.Mutex
	last map[string][]retrieval.ProductCandidate
}

// NewResultCache creates an empty cache.
func NewResultCache() *ResultCache {
	return &ResultCache{last: make(map[string][]retrieval.ProductCandidate)}
}

// Get returns the cached products for a session.
func (c *ResultCache) Get(sessionID string) []retrieval.ProductCandidate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last[sessionID]
}

// Put stores the session's latest non-empty result set.
func (c *ResultCache) Put(sessionID string, products []retrieval.ProductCandidate) {
	if len(products) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last[sessionID] = products
}

// Filler acknowledgements that carry no retrieval intent.
var lowSignalMessages = map[string]bool{
	"no":           true,
	"nope":         true,
	"not sure":     true,
	"i dont know":  true,
	"i don't know": true,
	"maybe":        true,
	"ok":           true,
	"okay":         true,
	"yes":          true,
	"sure":         true,
}

func isLowSignal(message string) bool {
	m := strings.ToLower(strings.TrimSpace(message))
	return len(m) < 3 || lowSignalMessages[m]
}

var productSearchTool = llm.ToolSchema{
	Name:        "product_search",
	Description: "Search the product catalog with a free-text query and optional filters.",
	JSONSchema: `{
		"type": "object",
		"properties": {
			"query": {"type": "string", "minLength": 1},
			"price_min": {"type": "number", "minimum": 0},
			"price_max": {"type": "number", "minimum": 0},
			"currency": {"type": "string"},
			"brand": {"type": "string"},
			"category": {"type": "string"},
			"k": {"type": "integer", "minimum": 1, "maximum": 20}
		},
		"required": ["query"],
		"additionalProperties": false
	}`,
}

const recommendSchema = `{
	"type": "object",
	"properties": {
		"candidates": {
			"type": "array",
			"minItems": 1,
			"maxItems": 2,
			"items": {
				"type": "object",
				"properties": {
					"response": {"type": "string", "minLength": 1},
					"score": {"type": "number", "minimum": 0, "maximum": 1}
				},
				"required": ["response", "score"],
				"additionalProperties": false
			}
		}
	},
	"required": ["candidates"],
	"additionalProperties": false
}`

type recommendLLMOutput struct {
	Candidates []struct {
		Response string  `json:"response"`
		Score    float64 `json:"score"`
	} `json:"candidates"`
}

// RecommendAgent turns the conversation into product suggestions. Its
// tool-call step has no fallback: if the reasoning service cannot choose
// search arguments, the turn dies. The response-generation step after
// retrieval does degrade, to a deterministic product list.
type RecommendAgent struct {
	reasoner *llm.Reasoner
	searcher Searcher
	cache    *ResultCache
	topK     int
}

// NewRecommendAgent creates the recommend strategy.
func NewRecommendAgent(reasoner *llm.Reasoner, searcher Searcher, cache *ResultCache) *RecommendAgent {
	if cache == nil {
		cache = NewResultCache()
	}
	return &RecommendAgent{
		reasoner: reasoner,
		searcher: searcher,
		cache:    cache,
		topK:     5,
	}
}

func (a *RecommendAgent) Name() string   { return "recommend" }
func (a *RecommendAgent) Act() state.Act { return state.ActRecommend }

// Run asks the model for product_search arguments, executes the search and
// then asks the model to phrase the recommendation. Phrasing failures fall
// back to a synthesized candidate carrying the same products.
func (a *RecommendAgent) Run(ctx context.Context, userMessage string, snap *state.ConversationState) (*AgentOutput, error) {
	query, filters, k, err := a.chooseSearch(ctx, userMessage, snap)
	if err != nil {
		return nil, llm.Fatal("recommend", err)
	}

	products, err := a.searcher.Search(ctx, query, filters, k)
	if err != nil {
		return nil, llm.Fatal("recommend", fmt.Errorf("product search failed: %w", err))
	}

	out := &AgentOutput{
		AgentName: a.Name(),
		Act:       state.ActRecommend,
		Metadata:  map[string]any{"query": query},
	}

	if len(products) == 0 && isLowSignal(userMessage) {
		if cached := a.cache.Get(snap.SessionID); len(cached) > 0 {
			products = cached
			out.Metadata["reused_last_results"] = true
		}
	}

	if len(products) == 0 {
		out.Candidates = []Candidate{{
			CandidateID: "recommend_empty",
			Response:    "I couldn't find anything matching that just yet. Could you tell me a bit more about what you're after?",
			Score:       0,
		}}
		out.Confidence = recommendConfidence(0)
		return out, nil
	}

	a.cache.Put(snap.SessionID, products)

	if cands, err := a.generate(ctx, userMessage, snap, products); err == nil {
		out.Candidates = cands
	} else {
		if !llm.IsFatal(err) {
			log.Printf("[recommend] response generation unavailable (%v), using product list", err)
		}
		maxScore := products[0].Score
		for _, p := range products[1:] {
			if p.Score > maxScore {
				maxScore = p.Score
			}
		}
		out.Candidates = []Candidate{{
			CandidateID: "recommend_products",
			Response:    renderProducts(products),
			Score:       maxScore,
			Products:    products,
		}}
	}

	out.Confidence = recommendConfidence(len(products))
	return out, nil
}

// generate asks the model to phrase 1-2 recommendation replies around the
// retrieved products. The products ride along unmodified on every candidate;
// the model only writes the prose.
func (a *RecommendAgent) generate(ctx context.Context, userMessage string, snap *state.ConversationState, products []retrieval.ProductCandidate) ([]Candidate, error) {
	var b strings.Builder
	b.WriteString("You are the recommendation strategy of a shopping assistant.\n")
	b.WriteString("Write 1-2 candidate replies presenting the retrieved products below.\n")
	b.WriteString("Mention only these products, in this order. Never invent products or details.\n\n")
	b.WriteString("Retrieved products:\n")
	for i, p := range products {
		fmt.Fprintf(&b, "%d. %s", i+1, p.Title)
		if p.Brand != "" {
			fmt.Fprintf(&b, " by %s", p.Brand)
		}
		if p.Price != nil {
			fmt.Fprintf(&b, " (%.2f %s)", *p.Price, p.Currency)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "\n%sUser message: %s", promptContext(snap, state.ActRecommend), userMessage)

	var parsed recommendLLMOutput
	if err := a.reasoner.GenerateStruct(ctx, b.String(), recommendSchema, &parsed); err != nil {
		return nil, err
	}
	if len(parsed.Candidates) == 0 {
		return nil, llm.ErrMalformed
	}

	cands := make([]Candidate, 0, len(parsed.Candidates))
	for i, c := range parsed.Candidates {
		cands = append(cands, Candidate{
			CandidateID: fmt.Sprintf("recommend_llm_%d", i),
			Response:    c.Response,
			Score:       c.Score,
			Products:    products,
		})
	}
	return cands, nil
}

// chooseSearch runs the mandatory tool-call step: the model picks the
// product_search arguments, validated against the tool schema.
func (a *RecommendAgent) chooseSearch(ctx context.Context, userMessage string, snap *state.ConversationState) (string, catalog.Filters, int, error) {
	prompt := fmt.Sprintf(`You are the recommendation strategy of a shopping assistant.
Call product_search with the query and filters most likely to satisfy the user right now.

%s
User message: %s`, promptContext(snap, state.ActRecommend), userMessage)

	resp, err := a.reasoner.Chat(ctx, []llm.ChatMessage{
		{Role: llm.RoleUser, Content: prompt},
	}, []llm.ToolSchema{productSearchTool})
	if err != nil {
		return "", catalog.Filters{}, 0, fmt.Errorf("tool selection failed: %w", err)
	}

	var call *llm.ToolCall
	for i := range resp.ToolCalls {
		if resp.ToolCalls[i].Name == productSearchTool.Name {
			call = &resp.ToolCalls[i]
			break
		}
	}
	if call == nil {
		return "", catalog.Filters{}, 0, fmt.Errorf("%w: model did not call product_search", llm.ErrMalformed)
	}
	if err := productSearchTool.ValidateArgs(call.Args); err != nil {
		return "", catalog.Filters{}, 0, err
	}

	query, _ := call.Args["query"].(string)
	if strings.TrimSpace(query) == "" {
		query = buildQuery(userMessage, snap)
	}

	var filters catalog.Filters
	if v, ok := call.Args["price_min"].(float64); ok {
		filters.PriceMin = &v
	}
	if v, ok := call.Args["price_max"].(float64); ok {
		filters.PriceMax = &v
	}
	if v, ok := call.Args["currency"].(string); ok {
		filters.Currency = v
	}
	if v, ok := call.Args["brand"].(string); ok {
		filters.Brand = v
	}
	if v, ok := call.Args["category"].(string); ok {
		filters.Category = v
	}

	k := a.topK
	if v, ok := call.Args["k"].(float64); ok && int(v) > 0 {
		k = int(v)
	}

	return query, filters, k, nil
}

// buildQuery concatenates the user message with the known category and
// brand preferences.
func buildQuery(userMessage string, snap *state.ConversationState) string {
	parts := []string{strings.TrimSpace(userMessage)}
	if v := snap.UserProfile["category"]; v != "" {
		parts = append(parts, v)
	}
	if v := snap.UserProfile["brand"]; v != "" {
		parts = append(parts, v)
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

func renderProducts(products []retrieval.ProductCandidate) string {
	var b strings.Builder
	b.WriteString("Here's what I found for you:\n")
	for i, p := range products {
		fmt.Fprintf(&b, "%d. %s", i+1, p.Title)
		if p.Brand != "" {
			fmt.Fprintf(&b, " by %s", p.Brand)
		}
		if p.Price != nil {
			fmt.Fprintf(&b, " (%.2f %s)", *p.Price, p.Currency)
		}
		b.WriteString("\n")
	}
	b.WriteString("Would you like more detail on any of these?")
	return b.String()
}

func recommendConfidence(productCount int) float64 {
	c := 0.3 + 0.1*float64(productCount)
	if c > 1 {
		c = 1
	}
	return c
}

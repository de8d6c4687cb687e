package orchestrator

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/mbenali/shopmate/internal/agents"
	"github.com/mbenali/shopmate/internal/catalog"
	"github.com/mbenali/shopmate/internal/llm"
	"github.com/mbenali/shopmate/internal/planner"
	"github.com/mbenali/shopmate/internal/reflection"
	"github.com/mbenali/shopmate/internal/retrieval"
	"github.com/mbenali/shopmate/internal/state"
)

// routingClient answers each call by recognizing which pipeline stage sent
// it. Safe for the concurrent fan-out.
type routingClient struct {
	mu            sync.Mutex
	calls         int
	planReply     string
	verdictReply  string
	strategyReply string
}

func (c *routingClient) Chat(ctx context.Context, model string, messages []llm.ChatMessage, toolSchemas []llm.ToolSchema, opts llm.ChatOptions) (llm.Response, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()

	if len(toolSchemas) > 0 {
		call := llm.ToolCall{ID: "call_1", Name: "product_search", Args: map[string]any{"query": "chef knife"}}
		return llm.Response{
			Assistant:    llm.ChatMessage{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{call}},
			ToolCalls:    []llm.ToolCall{call},
			FinishReason: "tool_calls",
		}, nil
	}

	prompt := messages[len(messages)-1].Content
	var reply string
	switch {
	case strings.Contains(prompt, "question-asking strategy"):
		reply = `{"candidates": [{"response": "What style of knife do you prefer?", "score": 0.5, "missing_slot": "category"}]}`
	case strings.Contains(prompt, "small-talk strategy"):
		reply = `{"response": "Happy to help you shop!", "score": 0.3}`
	case strings.Contains(prompt, "Pick the single best reply"):
		reply = c.planReply
	case strings.Contains(prompt, "Extract shopping preferences"):
		reply = `{"preferences": {"category": "knives"}, "browsing": ["Classic Chef Knife"]}`
	case strings.Contains(prompt, "rejects or is dissatisfied"):
		reply = c.verdictReply
	case strings.Contains(prompt, "rejected by the user"):
		reply = c.strategyReply
	default:
		return llm.Response{}, llm.ErrMalformed
	}
	return llm.Response{
		Assistant:    llm.ChatMessage{Role: llm.RoleAssistant, Content: reply},
		FinishReason: "stop",
	}, nil
}

type fakeSearcher struct {
	products []retrieval.ProductCandidate
}

func (s *fakeSearcher) Search(ctx context.Context, query string, f catalog.Filters, k int) ([]retrieval.ProductCandidate, error) {
	return s.products, nil
}

type memSaver struct {
	saved []*state.ConversationState
	err   error
}

func (m *memSaver) Save(ctx context.Context, st *state.ConversationState) error {
	if m.err != nil {
		return m.err
	}
	m.saved = append(m.saved, st)
	return nil
}

func testProducts() []retrieval.ProductCandidate {
	return []retrieval.ProductCandidate{
		{ID: "p1", Title: "Classic Chef Knife", Score: 0.9},
		{ID: "p2", Title: "Santoku Knife", Score: 0.7},
	}
}

func buildOrchestrator(t *testing.T, client llm.Client, saver Saver) *Orchestrator {
	t.Helper()
	reasoner := llm.Disabled()
	if client != nil {
		reasoner = llm.NewReasoner(client, "m", llm.ChatOptions{})
	}
	reg, err := agents.NewRegistry(
		agents.NewAskAgent(reasoner),
		agents.NewRecommendAgent(reasoner, &fakeSearcher{products: testProducts()}, nil),
		agents.NewChitchatAgent(reasoner),
	)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return New(reg, planner.New(reasoner), reflection.NewEngine(reasoner), saver)
}

func TestTurn_FullPipelineCommits(t *testing.T) {
	client := &routingClient{
		planReply: `{"selected_candidate_id": "recommend_products", "weight_deltas": {"recommend": 0.1}}`,
	}
	saver := &memSaver{}
	o := buildOrchestrator(t, client, saver)
	st := state.New("s1")

	updated, decision, err := o.Turn(context.Background(), st, "show me chef knives")
	if err != nil {
		t.Fatalf("Turn failed: %v", err)
	}

	if decision.SelectedAct != state.ActRecommend {
		t.Errorf("selected act = %s", decision.SelectedAct)
	}
	if updated.TurnID != 1 {
		t.Errorf("turn id = %d, want 1", updated.TurnID)
	}
	if len(updated.DialogueHistory) != 1 || updated.DialogueHistory[0].Act != state.ActRecommend {
		t.Errorf("dialogue history = %+v", updated.DialogueHistory)
	}
	if updated.LastRecommendationTurn == nil || *updated.LastRecommendationTurn != 1 {
		t.Errorf("last recommendation turn = %v", updated.LastRecommendationTurn)
	}
	if updated.UserProfile["category"] != "knives" {
		t.Errorf("reflection did not merge preferences: %v", updated.UserProfile)
	}
	if updated.StrategyWeights[state.ActRecommend] <= updated.StrategyWeights[state.ActAsk] {
		t.Errorf("weight delta not applied: %v", updated.StrategyWeights)
	}

	// Input state is only ever read.
	if st.TurnID != 0 || len(st.DialogueHistory) != 0 || len(st.UserProfile) != 0 {
		t.Errorf("input state was mutated: %+v", st)
	}
	if len(saver.saved) != 1 || saver.saved[0] != updated {
		t.Error("committed state was not persisted")
	}
}

func TestTurn_FatalLeavesStateUntouched(t *testing.T) {
	// Reasoning disabled: Ask and Chitchat degrade, but Recommend's tool
	// step has no fallback and kills the whole turn.
	o := buildOrchestrator(t, nil, nil)
	st := state.New("s1")
	st.UserProfile["category"] = "knives"
	before := st.Clone()

	updated, decision, err := o.Turn(context.Background(), st, "show me knives")
	if err == nil {
		t.Fatal("expected a fatal turn failure")
	}
	if !llm.IsFatal(err) {
		t.Errorf("error %v is not fatal", err)
	}
	if updated != nil || decision != nil {
		t.Error("failed turn must return no state and no decision")
	}
	if !reflect.DeepEqual(st, before) {
		t.Errorf("state mutated by a failed turn: %+v", st)
	}
}

func TestTurn_PersistFailureIsFatal(t *testing.T) {
	client := &routingClient{
		planReply: `{"selected_candidate_id": "recommend_products"}`,
	}
	o := buildOrchestrator(t, client, &memSaver{err: errors.New("disk full")})

	_, _, err := o.Turn(context.Background(), state.New("s1"), "show me knives")
	if !llm.IsFatal(err) {
		t.Errorf("persist failure must abort the turn, got %v", err)
	}
}

func TestTurn_RejectedRecommendationTriggersStrategyReflection(t *testing.T) {
	client := &routingClient{
		planReply:     `{"selected_candidate_id": "recommend_products"}`,
		verdictReply:  `{"failure": true, "reason": "user hated the picks"}`,
		strategyReply: `{"ask": ["ask about budget first"], "recommend": ["try cheaper options"], "chitchat": [], "corrective_experiences": ["Do not repeat premium-only picks."]}`,
	}
	o := buildOrchestrator(t, client, nil)

	st := state.New("s1")
	st.TurnID = 3
	st.RecordExchange(state.Exchange{User: "show me", System: "1. Classic Chef Knife", Act: state.ActRecommend})
	st.LastSystemResponse = "1. Classic Chef Knife"
	st.AgentSuggestions = map[state.Act][]string{state.ActRecommend: {"stale advice"}}

	updated, _, err := o.Turn(context.Background(), st, "no, I hate it")
	if err != nil {
		t.Fatalf("Turn failed: %v", err)
	}

	if got := updated.AgentSuggestions[state.ActRecommend]; len(got) != 1 || got[0] != "try cheaper options" {
		t.Errorf("suggestions = %v, want full replacement", got)
	}
	if len(updated.CorrectiveExperiences) != 1 {
		t.Errorf("corrective experiences = %v", updated.CorrectiveExperiences)
	}
	if updated.LastRecommendationFailureTurn == nil || *updated.LastRecommendationFailureTurn != updated.TurnID {
		t.Errorf("failure marker = %v, want the committed turn %d", updated.LastRecommendationFailureTurn, updated.TurnID)
	}
}

func TestTurn_EmptyRegistryIsFatal(t *testing.T) {
	o := New(agents.Registry{}, planner.New(llm.Disabled()), reflection.NewEngine(llm.Disabled()), nil)
	_, _, err := o.Turn(context.Background(), state.New("s1"), "hi")
	if !llm.IsFatal(err) {
		t.Errorf("empty registry must be fatal, got %v", err)
	}
}

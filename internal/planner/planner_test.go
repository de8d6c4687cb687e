package planner

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/mbenali/shopmate/internal/agents"
	"github.com/mbenali/shopmate/internal/llm"
	"github.com/mbenali/shopmate/internal/retrieval"
	"github.com/mbenali/shopmate/internal/state"
)

// jsonClient always replies with the same JSON body.
type jsonClient struct {
	reply string
}

func (c *jsonClient) Chat(ctx context.Context, model string, messages []llm.ChatMessage, toolSchemas []llm.ToolSchema, opts llm.ChatOptions) (llm.Response, error) {
	return llm.Response{
		Assistant:    llm.ChatMessage{Role: llm.RoleAssistant, Content: c.reply},
		FinishReason: "stop",
	}, nil
}

func reasonerReplying(reply string) *llm.Reasoner {
	return llm.NewReasoner(&jsonClient{reply: reply}, "m", llm.ChatOptions{})
}

func askOutput() *agents.AgentOutput {
	return &agents.AgentOutput{
		AgentName:  "ask",
		Act:        state.ActAsk,
		Confidence: 0.7,
		Candidates: []agents.Candidate{
			{CandidateID: "ask_category", Response: "What kind of product are you shopping for today?", Score: 0.6},
			{CandidateID: "ask_budget", Response: "Do you have a budget in mind?", Score: 0.55},
		},
	}
}

func recommendOutput(withProducts bool) *agents.AgentOutput {
	cand := agents.Candidate{CandidateID: "recommend_products", Response: "Here's what I found for you.", Score: 0.9}
	if withProducts {
		cand.Products = []retrieval.ProductCandidate{{ID: "p1", Title: "Classic Chef Knife", Score: 0.9}}
	}
	return &agents.AgentOutput{
		AgentName:  "recommend",
		Act:        state.ActRecommend,
		Confidence: 0.5,
		Candidates: []agents.Candidate{cand},
	}
}

func chitchatOutput() *agents.AgentOutput {
	return &agents.AgentOutput{
		AgentName:  "chitchat",
		Act:        state.ActChitchat,
		Confidence: 0.4,
		Candidates: []agents.Candidate{
			{CandidateID: "chitchat_engage", Response: "Happy to chat!", Score: 0.3},
		},
	}
}

func TestSelect_EmptyOutputsIsFatal(t *testing.T) {
	p := New(reasonerReplying(`{"selected_candidate_id": "x"}`))
	_, err := p.Select(context.Background(), "hi", nil, state.New("s1"))
	if !llm.IsFatal(err) {
		t.Errorf("empty outputs must be fatal, got %v", err)
	}
}

func TestSelect_DisabledReasoningIsFatal(t *testing.T) {
	p := New(llm.Disabled())
	_, err := p.Select(context.Background(), "hi", []*agents.AgentOutput{askOutput()}, state.New("s1"))
	if !llm.IsFatal(err) {
		t.Errorf("disabled reasoning must be fatal for the planner, got %v", err)
	}
}

func TestSelect_UnknownCandidateIsFatal(t *testing.T) {
	p := New(reasonerReplying(`{"selected_candidate_id": "hallucinated_id"}`))
	_, err := p.Select(context.Background(), "hi", []*agents.AgentOutput{askOutput(), chitchatOutput()}, state.New("s1"))
	if !llm.IsFatal(err) {
		t.Errorf("unknown candidate id must be fatal, got %v", err)
	}
}

func TestSelect_CopiesResponseVerbatim(t *testing.T) {
	p := New(reasonerReplying(`{"selected_candidate_id": "ask_category", "rationale": "profile empty"}`))
	d, err := p.Select(context.Background(), "hi", []*agents.AgentOutput{askOutput(), chitchatOutput()}, state.New("s1"))
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if d.SelectedAct != state.ActAsk || d.SelectedCandidateID != "ask_category" {
		t.Errorf("decision = %+v", d)
	}
	if d.SelectedResponse != "What kind of product are you shopping for today?" {
		t.Errorf("response was not copied verbatim: %q", d.SelectedResponse)
	}
}

func TestSelect_WeightDeltasPassThrough(t *testing.T) {
	p := New(reasonerReplying(`{"selected_candidate_id": "chitchat_engage", "weight_deltas": {"chitchat": 0.05, "ask": -0.05}}`))
	d, err := p.Select(context.Background(), "hey there", []*agents.AgentOutput{chitchatOutput()}, state.New("s1"))
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if d.StrategyUpdate == nil {
		t.Fatal("expected a strategy update")
	}
	if d.StrategyUpdate.WeightDeltas[state.ActChitchat] != 0.05 {
		t.Errorf("deltas = %+v", d.StrategyUpdate.WeightDeltas)
	}
}

func TestSelect_SufficiencyOverride(t *testing.T) {
	// The model picks ask, but the profile already says what and one more
	// preference, and a product-carrying recommend candidate exists.
	p := New(reasonerReplying(`{"selected_candidate_id": "ask_category"}`))
	snap := state.New("s1")
	snap.UserProfile["category"] = "knives"
	snap.UserProfile["brand"] = "Global"

	d, err := p.Select(context.Background(), "something sharp", []*agents.AgentOutput{askOutput(), recommendOutput(true), chitchatOutput()}, snap)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if d.SelectedAct != state.ActRecommend || d.SelectedCandidateID != "recommend_products" {
		t.Errorf("override did not force the recommend candidate: %+v", d)
	}
	if len(d.SelectedProducts) == 0 {
		t.Error("forced decision lost its products")
	}
	if d.Metadata["override"] != "sufficiency" {
		t.Error("override should be recorded in metadata")
	}
}

func TestSelect_NoOverrideWithoutProducts(t *testing.T) {
	p := New(reasonerReplying(`{"selected_candidate_id": "ask_category"}`))
	snap := state.New("s1")
	snap.UserProfile["category"] = "knives"
	snap.UserProfile["brand"] = "Global"

	d, err := p.Select(context.Background(), "hm", []*agents.AgentOutput{askOutput(), recommendOutput(false)}, snap)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if d.SelectedAct != state.ActAsk {
		t.Errorf("override must require at least one product, got %+v", d)
	}
}

func TestSelect_NoOverrideWithoutWhatKey(t *testing.T) {
	p := New(reasonerReplying(`{"selected_candidate_id": "ask_category"}`))
	snap := state.New("s1")
	snap.UserProfile["brand"] = "Global"
	snap.UserProfile["price_max"] = "100"

	d, err := p.Select(context.Background(), "hm", []*agents.AgentOutput{askOutput(), recommendOutput(true)}, snap)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if d.SelectedAct != state.ActAsk {
		t.Errorf("override must require a what-key, got %+v", d)
	}
}

// Property: whatever the model answers, the planner either fails or returns
// an id that was actually offered.
func TestSelect_NeverReturnsUnofferedID(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for trial := 0; trial < 50; trial++ {
		var outputs []*agents.AgentOutput
		var ids []string
		for a := 0; a < 1+rng.Intn(3); a++ {
			act := state.Acts[a%len(state.Acts)]
			out := &agents.AgentOutput{AgentName: string(act), Act: act}
			for c := 0; c < 1+rng.Intn(3); c++ {
				id := fmt.Sprintf("%s_cand_%d_%d", act, trial, c)
				out.Candidates = append(out.Candidates, agents.Candidate{
					CandidateID: id,
					Response:    "r",
					Score:       rng.Float64(),
				})
				ids = append(ids, id)
			}
			outputs = append(outputs, out)
		}

		// Half the trials answer with an offered id, half with garbage.
		var reply string
		if trial%2 == 0 {
			reply = fmt.Sprintf(`{"selected_candidate_id": %q}`, ids[rng.Intn(len(ids))])
		} else {
			reply = fmt.Sprintf(`{"selected_candidate_id": "bogus_%d"}`, trial)
		}

		d, err := New(reasonerReplying(reply)).Select(context.Background(), "msg", outputs, state.New("s1"))
		if err != nil {
			if !llm.IsFatal(err) {
				t.Fatalf("trial %d: non-fatal error %v", trial, err)
			}
			continue
		}
		found := false
		for _, id := range ids {
			if d.SelectedCandidateID == id {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("trial %d: decision carries unoffered id %s", trial, d.SelectedCandidateID)
		}
	}
}

func TestBuildPrompt_TruncatesDescriptionsOnCharacterBoundary(t *testing.T) {
	long := strings.Repeat("é", maxDescShown+50)
	outputs := []*agents.AgentOutput{{
		AgentName: "recommend",
		Act:       state.ActRecommend,
		Candidates: []agents.Candidate{{
			CandidateID: "recommend_products",
			Response:    "here you go",
			Products: []retrieval.ProductCandidate{{
				ID:          "p1",
				Title:       "Carbon Knife",
				Description: long,
			}},
		}},
	}}

	prompt := New(llm.Disabled()).buildPrompt("show me", outputs, state.New("s1"))
	if !utf8.ValidString(prompt) {
		t.Fatal("prompt contains invalid UTF-8")
	}
	if strings.Contains(prompt, long) {
		t.Error("overlong description was not truncated")
	}
	if !strings.Contains(prompt, strings.Repeat("é", maxDescShown)) {
		t.Error("truncation must keep whole characters up to the cap")
	}
}

// Package planner selects which strategy's candidate answers the turn. It
// is a pure selection: the chosen response text is copied verbatim, never
// rewritten.
package planner

import (
	"context"
	"fmt"
	"strings"

	"github.com/mbenali/shopmate/internal/agents"
	"github.com/mbenali/shopmate/internal/llm"
	"github.com/mbenali/shopmate/internal/retrieval"
	"github.com/mbenali/shopmate/internal/state"
)

// Caps on the candidate detail shown to the reasoning service.
const (
	maxProductsShown = 5
	maxDescShown     = 300
)

// StrategyUpdate carries optional weight adjustments proposed with the
// decision.
type StrategyUpdate struct {
	WeightDeltas map[state.Act]float64 `json:"weight_deltas,omitempty"`
	Notes        string                `json:"notes,omitempty"`
}

// Decision is the planner's output for one turn.
type Decision struct {
	SelectedAct         state.Act                    `json:"selected_act"`
	SelectedCandidateID string                       `json:"selected_candidate_id"`
	SelectedResponse    string                       `json:"selected_response"`
	SelectedProducts    []retrieval.ProductCandidate `json:"selected_products,omitempty"`
	StrategyUpdate      *StrategyUpdate              `json:"strategy_update,omitempty"`
	Metadata            map[string]any               `json:"metadata,omitempty"`
}

const selectionSchema = `{
	"type": "object",
	"properties": {
		"selected_candidate_id": {"type": "string", "minLength": 1},
		"rationale": {"type": "string"},
		"weight_deltas": {
			"type": "object",
			"properties": {
				"ask": {"type": "number"},
				"recommend": {"type": "number"},
				"chitchat": {"type": "number"}
			},
			"additionalProperties": false
		}
	},
	"required": ["selected_candidate_id"],
	"additionalProperties": false
}`

type selectionLLMOutput struct {
	SelectedCandidateID string             `json:"selected_candidate_id"`
	Rationale           string             `json:"rationale"`
	WeightDeltas        map[string]float64 `json:"weight_deltas"`
}

// Planner picks one candidate among everything the strategies offered.
type Planner struct {
	reasoner *llm.Reasoner
}

// New creates a planner.
func New(reasoner *llm.Reasoner) *Planner {
	return &Planner{reasoner: reasoner}
}

type flatCandidate struct {
	act  state.Act
	cand *agents.Candidate
}

// Select picks the winning candidate. It fails fatally when no candidates
// are offered, when the reasoning service cannot choose, or when the chosen
// id matches nothing that was actually offered.
func (p *Planner) Select(ctx context.Context, userMessage string, outputs []*agents.AgentOutput, snap *state.ConversationState) (*Decision, error) {
	if len(outputs) == 0 {
		return nil, llm.Fatal("planner", fmt.Errorf("no agent outputs to select from"))
	}

	offered := make(map[string]flatCandidate)
	var order []string
	for _, out := range outputs {
		for i := range out.Candidates {
			c := &out.Candidates[i]
			if _, dup := offered[c.CandidateID]; dup {
				return nil, llm.Fatal("planner", fmt.Errorf("duplicate candidate id %s", c.CandidateID))
			}
			offered[c.CandidateID] = flatCandidate{act: out.Act, cand: c}
			order = append(order, c.CandidateID)
		}
	}
	if len(offered) == 0 {
		return nil, llm.Fatal("planner", fmt.Errorf("agents offered no candidates"))
	}

	var parsed selectionLLMOutput
	if err := p.reasoner.GenerateStruct(ctx, p.buildPrompt(userMessage, outputs, snap), selectionSchema, &parsed); err != nil {
		return nil, llm.Fatal("planner", fmt.Errorf("selection failed: %w", err))
	}

	chosen, ok := offered[parsed.SelectedCandidateID]
	if !ok {
		return nil, llm.Fatal("planner", fmt.Errorf("model selected unknown candidate id %q", parsed.SelectedCandidateID))
	}

	decision := &Decision{
		SelectedAct:         chosen.act,
		SelectedCandidateID: parsed.SelectedCandidateID,
		SelectedResponse:    chosen.cand.Response,
		SelectedProducts:    chosen.cand.Products,
		Metadata:            map[string]any{},
	}
	if parsed.Rationale != "" {
		decision.Metadata["rationale"] = parsed.Rationale
	}
	if len(parsed.WeightDeltas) > 0 {
		deltas := make(map[state.Act]float64, len(parsed.WeightDeltas))
		for k, v := range parsed.WeightDeltas {
			deltas[state.Act(k)] = v
		}
		decision.StrategyUpdate = &StrategyUpdate{WeightDeltas: deltas}
	}

	if forced, id := sufficiencyOverride(snap, outputs, order, offered); forced != nil {
		if id != decision.SelectedCandidateID {
			decision.Metadata["override"] = "sufficiency"
		}
		decision.SelectedAct = state.ActRecommend
		decision.SelectedCandidateID = id
		decision.SelectedResponse = forced.Response
		decision.SelectedProducts = forced.Products
	}

	return decision, nil
}

// Preference keys that say WHAT the user wants.
var whatKeys = []string{"category", "type", "product", "item"}

// sufficiencyOverride forces the first product-carrying recommend candidate
// once the profile holds a "what" key plus at least one more preference.
func sufficiencyOverride(snap *state.ConversationState, outputs []*agents.AgentOutput, order []string, offered map[string]flatCandidate) (*agents.Candidate, string) {
	if len(snap.UserProfile) < 2 {
		return nil, ""
	}
	hasWhat := false
	for _, k := range whatKeys {
		if _, ok := snap.UserProfile[k]; ok {
			hasWhat = true
			break
		}
	}
	if !hasWhat {
		return nil, ""
	}

	for _, id := range order {
		fc := offered[id]
		if fc.act == state.ActRecommend && len(fc.cand.Products) > 0 {
			return fc.cand, id
		}
	}
	return nil, ""
}

// buildPrompt flattens the candidates for the reasoning service, capping the
// embedded product detail.
func (p *Planner) buildPrompt(userMessage string, outputs []*agents.AgentOutput, snap *state.ConversationState) string {
	var b strings.Builder

	b.WriteString("You coordinate a shopping assistant. Pick the single best reply for this turn.\n")
	b.WriteString("Choose by selected_candidate_id among exactly the candidates listed. Never invent an id.\n\n")

	fmt.Fprintf(&b, "User message: %s\n\n", userMessage)

	if len(snap.StrategyWeights) > 0 {
		b.WriteString("Current strategy weights:\n")
		for _, act := range state.Acts {
			fmt.Fprintf(&b, "  %s: %.2f\n", act, snap.StrategyWeights[act])
		}
	}
	if len(snap.UserProfile) > 0 {
		b.WriteString("Known preferences:\n")
		for k, v := range snap.UserProfile {
			fmt.Fprintf(&b, "  %s: %s\n", k, v)
		}
	}
	if len(snap.CorrectiveExperiences) > 0 {
		b.WriteString("Lessons from earlier failures:\n")
		for _, ce := range snap.CorrectiveExperiences {
			fmt.Fprintf(&b, "  - %s\n", ce)
		}
	}

	b.WriteString("\nCandidates:\n")
	for _, out := range outputs {
		fmt.Fprintf(&b, "Strategy %s (confidence %.2f):\n", out.AgentName, out.Confidence)
		for _, c := range out.Candidates {
			fmt.Fprintf(&b, "  [%s] score %.2f: %s\n", c.CandidateID, c.Score, c.Response)
			for i, prod := range c.Products {
				if i >= maxProductsShown {
					break
				}
				desc := truncateRunes(prod.Description, maxDescShown)
				fmt.Fprintf(&b, "    product %s: %s", prod.ID, prod.Title)
				if desc != "" {
					fmt.Fprintf(&b, " - %s", desc)
				}
				b.WriteString("\n")
			}
		}
	}

	return b.String()
}

// truncateRunes caps s at max characters without splitting a multibyte
// sequence.
func truncateRunes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	r := []rune(s)
	if len(r) > max {
		r = r[:max]
	}
	return string(r)
}

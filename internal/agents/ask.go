package agents

import (
	"context"
	"fmt"
	"log"

	"github.com/mbenali/shopmate/internal/llm"
	"github.com/mbenali/shopmate/internal/state"
)

// Slot keys Ask probes for, in priority order, with their fallback scores.
var askSlots = []struct {
	key      string
	score    float64
	question string
}{
	{"category", 0.6, "What kind of product are you shopping for today?"},
	{"price_max", 0.55, "Do you have a budget in mind?"},
	{"brand", 0.5, "Any brands you prefer or want to avoid?"},
}

const askSchema = `{
	"type": "object",
	"properties": {
		"candidates": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"properties": {
					"response": {"type": "string", "minLength": 1},
					"score": {"type": "number", "minimum": 0, "maximum": 1},
					"missing_slot": {"type": "string"}
				},
				"required": ["response", "score"],
				"additionalProperties": false
			}
		}
	},
	"required": ["candidates"],
	"additionalProperties": false
}`

type askLLMOutput struct {
	Candidates []struct {
		Response    string  `json:"response"`
		Score       float64 `json:"score"`
		MissingSlot string  `json:"missing_slot"`
	} `json:"candidates"`
}

// AskAgent probes for missing preferences.
type AskAgent struct {
	reasoner *llm.Reasoner
}

// NewAskAgent creates the ask strategy.
func NewAskAgent(reasoner *llm.Reasoner) *AskAgent {
	return &AskAgent{reasoner: reasoner}
}

func (a *AskAgent) Name() string   { return "ask" }
func (a *AskAgent) Act() state.Act { return state.ActAsk }

// Run proposes clarifying questions. Reasoning failures degrade to the
// deterministic slot-probing rule.
func (a *AskAgent) Run(ctx context.Context, userMessage string, snap *state.ConversationState) (*AgentOutput, error) {
	if out, err := a.runLLM(ctx, userMessage, snap); err == nil {
		return out, nil
	} else if !llm.IsFatal(err) {
		log.Printf("[ask] reasoning unavailable (%v), using deterministic questions", err)
	}
	return a.fallback(snap), nil
}

func (a *AskAgent) runLLM(ctx context.Context, userMessage string, snap *state.ConversationState) (*AgentOutput, error) {
	prompt := fmt.Sprintf(`You are the question-asking strategy of a shopping assistant.
Propose 1-3 clarifying questions that would most reduce uncertainty about what the user wants.
Ask only about preferences that are still unknown.

%s
User message: %s`, promptContext(snap, state.ActAsk), userMessage)

	var parsed askLLMOutput
	if err := a.reasoner.GenerateStruct(ctx, prompt, askSchema, &parsed); err != nil {
		return nil, err
	}
	if len(parsed.Candidates) == 0 {
		return nil, llm.ErrMalformed
	}

	out := &AgentOutput{
		AgentName: a.Name(),
		Act:       state.ActAsk,
	}
	for i, c := range parsed.Candidates {
		cand := Candidate{
			CandidateID: fmt.Sprintf("ask_llm_%d", i),
			Response:    c.Response,
			Score:       c.Score,
		}
		if c.MissingSlot != "" {
			cand.Slots = map[string]string{"missing": c.MissingSlot}
		}
		out.Candidates = append(out.Candidates, cand)
	}
	out.Confidence = askConfidence(len(out.Candidates))
	return out, nil
}

// fallback emits one candidate per missing slot with descending scores, or a
// generic refinement prompt when the profile is complete.
func (a *AskAgent) fallback(snap *state.ConversationState) *AgentOutput {
	out := &AgentOutput{
		AgentName: a.Name(),
		Act:       state.ActAsk,
		Metadata:  map[string]any{"fallback": true},
	}

	for _, slot := range askSlots {
		if _, known := snap.UserProfile[slot.key]; known {
			continue
		}
		out.Candidates = append(out.Candidates, Candidate{
			CandidateID: "ask_" + slot.key,
			Response:    slot.question,
			Score:       slot.score,
			Slots:       map[string]string{"missing": slot.key},
		})
	}

	if len(out.Candidates) == 0 {
		out.Candidates = append(out.Candidates, Candidate{
			CandidateID: "ask_refine",
			Response:    "Is there anything you'd like to refine about what you're looking for?",
			Score:       0.4,
		})
	}

	out.Confidence = askConfidence(len(out.Candidates))
	return out
}

func askConfidence(candidateCount int) float64 {
	c := 0.4 + 0.1*float64(candidateCount)
	if c > 1 {
		c = 1
	}
	return c
}

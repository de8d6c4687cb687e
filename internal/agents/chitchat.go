package agents

import (
	"context"
	"fmt"
	"log"

	"github.com/mbenali/shopmate/internal/llm"
	"github.com/mbenali/shopmate/internal/state"
)

const chitchatSchema = `{
	"type": "object",
	"properties": {
		"response": {"type": "string", "minLength": 1},
		"score": {"type": "number", "minimum": 0, "maximum": 1}
	},
	"required": ["response", "score"],
	"additionalProperties": false
}`

type chitchatLLMOutput struct {
	Response string  `json:"response"`
	Score    float64 `json:"score"`
}

// ChitchatAgent keeps the conversation going when neither asking nor
// recommending fits.
type ChitchatAgent struct {
	reasoner *llm.Reasoner
}

// NewChitchatAgent creates the chitchat strategy.
func NewChitchatAgent(reasoner *llm.Reasoner) *ChitchatAgent {
	return &ChitchatAgent{reasoner: reasoner}
}

func (a *ChitchatAgent) Name() string   { return "chitchat" }
func (a *ChitchatAgent) Act() state.Act { return state.ActChitchat }

// Run proposes one conversational reply. Reasoning failures degrade to a
// generic engagement line.
func (a *ChitchatAgent) Run(ctx context.Context, userMessage string, snap *state.ConversationState) (*AgentOutput, error) {
	if out, err := a.runLLM(ctx, userMessage, snap); err == nil {
		return out, nil
	} else if !llm.IsFatal(err) {
		log.Printf("[chitchat] reasoning unavailable (%v), using fallback line", err)
	}
	return a.fallback(), nil
}

func (a *ChitchatAgent) runLLM(ctx context.Context, userMessage string, snap *state.ConversationState) (*AgentOutput, error) {
	prompt := fmt.Sprintf(`You are the small-talk strategy of a shopping assistant.
Write one warm, brief reply that acknowledges the user and gently steers back toward shopping.

%s
User message: %s`, promptContext(snap, state.ActChitchat), userMessage)

	var parsed chitchatLLMOutput
	if err := a.reasoner.GenerateStruct(ctx, prompt, chitchatSchema, &parsed); err != nil {
		return nil, err
	}

	return &AgentOutput{
		AgentName:  a.Name(),
		Act:        state.ActChitchat,
		Confidence: 0.4,
		Candidates: []Candidate{{
			CandidateID: "chitchat_llm_0",
			Response:    parsed.Response,
			Score:       parsed.Score,
		}},
	}, nil
}

func (a *ChitchatAgent) fallback() *AgentOutput {
	return &AgentOutput{
		AgentName:  a.Name(),
		Act:        state.ActChitchat,
		Confidence: 0.4,
		Metadata:   map[string]any{"fallback": true},
		Candidates: []Candidate{{
			CandidateID: "chitchat_engage",
			Response:    "Happy to chat! Whenever you're ready, tell me what you're shopping for and I'll help you find it.",
			Score:       0.3,
		}},
	}
}

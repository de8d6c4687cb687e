// Package reflection folds the latest exchange back into the conversation
// state: inferred preferences always, strategy corrections only after a
// detected recommendation failure. All mutations are additive merges.
package reflection

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/mbenali/shopmate/internal/llm"
	"github.com/mbenali/shopmate/internal/state"
)

// Update summarizes what one reflection pass changed. Its effects are already
// folded into the state by the time it is returned.
type Update struct {
	InferredFeedback  string                `json:"inferred_feedback,omitempty"`
	WeightDeltas      map[state.Act]float64 `json:"weight_deltas,omitempty"`
	PreferenceUpdates map[string]string     `json:"preference_updates,omitempty"`
	Notes             string                `json:"notes,omitempty"`
}

const preferenceSchema = `{
	"type": "object",
	"properties": {
		"preferences": {
			"type": "object",
			"additionalProperties": {"type": "string"}
		},
		"browsing": {
			"type": "array",
			"items": {"type": "string"}
		}
	},
	"required": ["preferences"],
	"additionalProperties": false
}`

type preferenceLLMOutput struct {
	Preferences map[string]string `json:"preferences"`
	Browsing    []string          `json:"browsing"`
}

const failureSchema = `{
	"type": "object",
	"properties": {
		"failure": {"type": "boolean"},
		"reason": {"type": "string"}
	},
	"required": ["failure"],
	"additionalProperties": false
}`

type failureLLMOutput struct {
	Failure bool   `json:"failure"`
	Reason  string `json:"reason"`
}

const strategySchema = `{
	"type": "object",
	"properties": {
		"ask": {"type": "array", "items": {"type": "string"}},
		"recommend": {"type": "array", "items": {"type": "string"}},
		"chitchat": {"type": "array", "items": {"type": "string"}},
		"corrective_experiences": {"type": "array", "items": {"type": "string"}},
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
	"required": ["ask", "recommend", "chitchat"],
	"additionalProperties": false
}`

type strategyLLMOutput struct {
	Ask                   []string           `json:"ask"`
	Recommend             []string           `json:"recommend"`
	Chitchat              []string           `json:"chitchat"`
	CorrectiveExperiences []string           `json:"corrective_experiences"`
	WeightDeltas          map[string]float64 `json:"weight_deltas"`
}

// Engine performs the post-planning reflection pass.
type Engine struct {
	reasoner *llm.Reasoner
}

// NewEngine creates a reflection engine.
func NewEngine(reasoner *llm.Reasoner) *Engine {
	return &Engine{reasoner: reasoner}
}

// Reflect runs both sub-steps against st, which must be the turn's working
// clone: preference reflection always, strategy reflection only when the
// previous act was a recommendation the user just rejected. Each sub-step
// degrades to a no-op when the reasoning service fails, so Reflect itself
// never fails the turn.
func (e *Engine) Reflect(ctx context.Context, st *state.ConversationState, userMessage string) *Update {
	upd := &Update{}

	e.reflectPreferences(ctx, st, userMessage, upd)

	if st.PreviousAct() == state.ActRecommend {
		e.reflectStrategy(ctx, st, userMessage, upd)
	}

	return upd
}

func (e *Engine) reflectPreferences(ctx context.Context, st *state.ConversationState, userMessage string, upd *Update) {
	var b strings.Builder
	b.WriteString("Extract shopping preferences the user has explicitly stated or confirmed.\n")
	b.WriteString("Never infer preferences from the assistant's own suggestions unless the user agreed to them.\n")
	b.WriteString("Return preferences as short key/value pairs (e.g. category, brand, price_max) and browsing as product names or attributes the user mentioned.\n\n")

	if len(st.UserProfile) > 0 {
		b.WriteString("Already known:\n")
		for k, v := range st.UserProfile {
			fmt.Fprintf(&b, "  %s: %s\n", k, v)
		}
	}
	for _, ex := range st.RecentDialogue(3) {
		fmt.Fprintf(&b, "User: %s\nAssistant: %s\n", ex.User, ex.System)
	}
	fmt.Fprintf(&b, "User: %s\n", userMessage)

	var parsed preferenceLLMOutput
	if err := e.reasoner.GenerateStruct(ctx, b.String(), preferenceSchema, &parsed); err != nil {
		if e.reasoner.Enabled() {
			log.Printf("[reflection] preference pass unavailable (%v), skipping", err)
		}
		return
	}

	st.MergeProfile(parsed.Preferences)
	st.AppendBrowsing(parsed.Browsing)
	if len(parsed.Preferences) > 0 {
		upd.PreferenceUpdates = parsed.Preferences
	}
}

func (e *Engine) reflectStrategy(ctx context.Context, st *state.ConversationState, userMessage string, upd *Update) {
	failed, reason := e.detectFailure(ctx, st, userMessage)
	if !failed {
		return
	}
	upd.InferredFeedback = reason

	window := dialogueWindow(st)

	var b strings.Builder
	b.WriteString("A product recommendation was just rejected by the user. Review the dialogue since the previous failure and propose improvements.\n")
	b.WriteString("For each strategy (ask, recommend, chitchat) return short actionable suggestions, plus corrective_experiences: one-sentence lessons a planner should remember.\n\n")
	if reason != "" {
		fmt.Fprintf(&b, "Detected feedback: %s\n\n", reason)
	}
	for _, ex := range window {
		fmt.Fprintf(&b, "User: %s\nAssistant (%s): %s\n", ex.User, ex.Act, ex.System)
	}
	fmt.Fprintf(&b, "User: %s\n", userMessage)

	var parsed strategyLLMOutput
	if err := e.reasoner.GenerateStruct(ctx, b.String(), strategySchema, &parsed); err != nil {
		log.Printf("[reflection] strategy pass unavailable (%v), skipping", err)
		return
	}

	// Suggestions replace wholesale; stale advice from before the failure is
	// exactly what went wrong.
	st.AgentSuggestions = map[state.Act][]string{
		state.ActAsk:       parsed.Ask,
		state.ActRecommend: parsed.Recommend,
		state.ActChitchat:  parsed.Chitchat,
	}
	st.AddCorrectiveExperiences(parsed.CorrectiveExperiences)

	if len(parsed.WeightDeltas) > 0 {
		deltas := make(map[state.Act]float64, len(parsed.WeightDeltas))
		for k, v := range parsed.WeightDeltas {
			deltas[state.Act(k)] = v
		}
		st.ApplyWeightDeltas(deltas)
		upd.WeightDeltas = deltas
	}

	// The turn in flight gets TurnID+1 at commit time.
	failureTurn := st.TurnID + 1
	st.LastRecommendationFailureTurn = &failureTurn
	upd.Notes = "strategy suggestions replaced after detected recommendation failure"
}

// detectFailure asks for a binary verdict on whether the user's message
// rejects the previous recommendation. Reasoning failure counts as no
// failure; a missed correction is cheaper than a spurious reset.
func (e *Engine) detectFailure(ctx context.Context, st *state.ConversationState, userMessage string) (bool, string) {
	var b strings.Builder
	b.WriteString("The assistant just recommended products. Decide whether the user's reply rejects or is dissatisfied with that recommendation.\n\n")
	fmt.Fprintf(&b, "Assistant: %s\nUser: %s\n", st.LastSystemResponse, userMessage)

	var parsed failureLLMOutput
	if err := e.reasoner.GenerateStruct(ctx, b.String(), failureSchema, &parsed); err != nil {
		if e.reasoner.Enabled() {
			log.Printf("[reflection] failure detection unavailable (%v), assuming no failure", err)
		}
		return false, ""
	}
	return parsed.Failure, parsed.Reason
}

// dialogueWindow returns the exchanges recorded since the last failure turn,
// or the whole history when none is marked. Exchange i in the bounded history
// belongs to turn TurnID-len+i+1.
func dialogueWindow(st *state.ConversationState) []state.Exchange {
	if st.LastRecommendationFailureTurn == nil {
		return st.DialogueHistory
	}
	oldest := st.TurnID - len(st.DialogueHistory) + 1
	start := *st.LastRecommendationFailureTurn - oldest + 1
	if start < 0 {
		start = 0
	}
	if start > len(st.DialogueHistory) {
		start = len(st.DialogueHistory)
	}
	return st.DialogueHistory[start:]
}

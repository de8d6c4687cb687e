// Package agents holds the three conversation strategies. Each one proposes
// candidates for the current turn; the planner picks among them.
package agents

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/mbenali/shopmate/internal/retrieval"
	"github.com/mbenali/shopmate/internal/state"
)

// Candidate is one proposed reply.
type Candidate struct {
	CandidateID string                       `json:"candidate_id"`
	Response    string                       `json:"response"`
	Score       float64                      `json:"score"`
	Rationale   string                       `json:"rationale,omitempty"`
	Slots       map[string]string            `json:"slots,omitempty"`
	Products    []retrieval.ProductCandidate `json:"products,omitempty"`
}

// AgentOutput is what one strategy produces for one turn. Never persisted;
// the planner consumes it immediately.
type AgentOutput struct {
	AgentName  string         `json:"agent_name"`
	Act        state.Act      `json:"act"`
	Confidence float64        `json:"confidence"`
	Candidates []Candidate    `json:"candidates"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Agent is the common strategy contract. Run receives a read-only snapshot
// of the conversation state.
type Agent interface {
	Name() string
	Act() state.Act
	Run(ctx context.Context, userMessage string, snap *state.ConversationState) (*AgentOutput, error)
}

// Registry is the flat dispatch table keyed by act.
type Registry map[state.Act]Agent

// NewRegistry builds the table, rejecting duplicates and acts the
// orchestrator would never dispatch.
func NewRegistry(list ...Agent) (Registry, error) {
	reg := make(Registry, len(list))
	for _, a := range list {
		if !knownAct(a.Act()) {
			return nil, fmt.Errorf("agent %s registered for unknown act %s", a.Name(), a.Act())
		}
		if _, dup := reg[a.Act()]; dup {
			return nil, fmt.Errorf("duplicate agent for act %s", a.Act())
		}
		reg[a.Act()] = a
	}
	return reg, nil
}

func knownAct(act state.Act) bool {
	for _, known := range state.Acts {
		if act == known {
			return true
		}
	}
	return false
}

// promptContext renders the shared state summary every variant prompt
// embeds: recent dialogue, profile, browsing history and the suggestions
// recorded for that act.
func promptContext(snap *state.ConversationState, act state.Act) string {
	var b strings.Builder

	recent := snap.RecentDialogue(5)
	if len(recent) > 0 {
		b.WriteString("Recent dialogue:\n")
		for _, ex := range recent {
			fmt.Fprintf(&b, "  user: %s\n  assistant(%s): %s\n", ex.User, ex.Act, ex.System)
		}
	}

	if len(snap.UserProfile) > 0 {
		b.WriteString("Known preferences:\n")
		for _, k := range sortedKeys(snap.UserProfile) {
			fmt.Fprintf(&b, "  %s: %s\n", k, snap.UserProfile[k])
		}
	}

	if len(snap.BrowsingHistory) > 0 {
		fmt.Fprintf(&b, "Browsing history: %s\n", strings.Join(snap.BrowsingHistory, ", "))
	}

	if suggestions := snap.AgentSuggestions[act]; len(suggestions) > 0 {
		b.WriteString("Coaching from past turns:\n")
		for _, s := range suggestions {
			fmt.Fprintf(&b, "  - %s\n", s)
		}
	}

	return b.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

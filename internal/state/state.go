// Package state holds the durable per-session conversation record and its
// bounded-buffer maintenance rules.
package state

// Act is the category of a system response.
type Act string

const (
	ActAsk       Act = "ask"
	ActRecommend Act = "recommend"
	ActChitchat  Act = "chitchat"
)

// Acts lists every known act in stable order.
var Acts = []Act{ActAsk, ActRecommend, ActChitchat}

// Buffer caps. Oldest entries are evicted first.
const (
	MaxActHistory      = 50
	MaxDialogueHistory = 50
	MaxCorrective      = 20
)

// Exchange is one completed turn as stored in the dialogue history.
type Exchange struct {
	User   string `json:"user"`
	System string `json:"system"`
	Act    Act    `json:"act"`
}

// ConversationState is the durable record for one session. It is owned and
// mutated by the orchestrator and the reflection engine; agents and the
// planner receive it read-only.
type ConversationState struct {
	SessionID             string           `json:"session_id"`
	TurnID                int              `json:"turn_id"`
	UserProfile           map[string]string `json:"user_profile"`
	BrowsingHistory       []string         `json:"browsing_history"`
	ActHistory            []Act            `json:"act_history"`
	DialogueHistory       []Exchange       `json:"dialogue_history"`
	StrategyWeights       map[Act]float64  `json:"strategy_weights"`
	AgentSuggestions      map[Act][]string `json:"agent_suggestions"`
	CorrectiveExperiences []string         `json:"corrective_experiences"`

	LastRecommendationTurn        *int `json:"last_recommendation_turn,omitempty"`
	LastRecommendationFailureTurn *int `json:"last_recommendation_failure_turn,omitempty"`

	LastUserMessage    string `json:"last_user_message,omitempty"`
	LastSystemResponse string `json:"last_system_response,omitempty"`
}

// DefaultStrategyWeights returns the initial act weighting for a new session.
func DefaultStrategyWeights() map[Act]float64 {
	return map[Act]float64{
		ActAsk:       0.34,
		ActRecommend: 0.33,
		ActChitchat:  0.33,
	}
}

// New creates an empty state for the given session.
func New(sessionID string) *ConversationState {
	return &ConversationState{
		SessionID:        sessionID,
		UserProfile:      make(map[string]string),
		StrategyWeights:  DefaultStrategyWeights(),
		AgentSuggestions: make(map[Act][]string),
	}
}

// Clone returns a deep copy. Turns operate on a clone so that a failed turn
// leaves the original untouched.
func (s *ConversationState) Clone() *ConversationState {
	c := *s

	c.UserProfile = make(map[string]string, len(s.UserProfile))
	for k, v := range s.UserProfile {
		c.UserProfile[k] = v
	}
	c.StrategyWeights = make(map[Act]float64, len(s.StrategyWeights))
	for k, v := range s.StrategyWeights {
		c.StrategyWeights[k] = v
	}
	c.AgentSuggestions = make(map[Act][]string, len(s.AgentSuggestions))
	for k, v := range s.AgentSuggestions {
		c.AgentSuggestions[k] = append([]string(nil), v...)
	}
	c.BrowsingHistory = append([]string(nil), s.BrowsingHistory...)
	c.ActHistory = append([]Act(nil), s.ActHistory...)
	c.DialogueHistory = append([]Exchange(nil), s.DialogueHistory...)
	c.CorrectiveExperiences = append([]string(nil), s.CorrectiveExperiences...)

	if s.LastRecommendationTurn != nil {
		v := *s.LastRecommendationTurn
		c.LastRecommendationTurn = &v
	}
	if s.LastRecommendationFailureTurn != nil {
		v := *s.LastRecommendationFailureTurn
		c.LastRecommendationFailureTurn = &v
	}
	return &c
}

// ApplyWeightDeltas adds the deltas to the strategy weights, clamps each
// weight at zero and renormalizes so the weights sum to 1.
func (s *ConversationState) ApplyWeightDeltas(deltas map[Act]float64) {
	if s.StrategyWeights == nil {
		s.StrategyWeights = DefaultStrategyWeights()
	}
	for act, delta := range deltas {
		w := s.StrategyWeights[act] + delta
		if w < 0 {
			w = 0
		}
		s.StrategyWeights[act] = w
	}

	total := 0.0
	for _, w := range s.StrategyWeights {
		total += w
	}
	if total == 0 {
		// All weights collapsed; reset to a uniform split.
		n := float64(len(s.StrategyWeights))
		for act := range s.StrategyWeights {
			s.StrategyWeights[act] = 1 / n
		}
		return
	}
	for act, w := range s.StrategyWeights {
		s.StrategyWeights[act] = w / total
	}
}

// MergeProfile merges preferences into the user profile, overwriting by key.
// Existing keys not present in updates are kept.
func (s *ConversationState) MergeProfile(updates map[string]string) {
	if len(updates) == 0 {
		return
	}
	if s.UserProfile == nil {
		s.UserProfile = make(map[string]string, len(updates))
	}
	for k, v := range updates {
		if k == "" || v == "" {
			continue
		}
		s.UserProfile[k] = v
	}
}

// AppendBrowsing appends items to the browsing history, preserving order and
// dropping duplicates.
func (s *ConversationState) AppendBrowsing(items []string) {
	seen := make(map[string]bool, len(s.BrowsingHistory))
	for _, it := range s.BrowsingHistory {
		seen[it] = true
	}
	for _, it := range items {
		if it == "" || seen[it] {
			continue
		}
		s.BrowsingHistory = append(s.BrowsingHistory, it)
		seen[it] = true
	}
}

// RecordExchange appends one completed exchange to the dialogue and act
// histories, evicting the oldest entries beyond the caps.
func (s *ConversationState) RecordExchange(ex Exchange) {
	s.DialogueHistory = append(s.DialogueHistory, ex)
	if len(s.DialogueHistory) > MaxDialogueHistory {
		s.DialogueHistory = s.DialogueHistory[len(s.DialogueHistory)-MaxDialogueHistory:]
	}
	s.ActHistory = append(s.ActHistory, ex.Act)
	if len(s.ActHistory) > MaxActHistory {
		s.ActHistory = s.ActHistory[len(s.ActHistory)-MaxActHistory:]
	}
}

// AddCorrectiveExperiences appends sentences for the planner, capped FIFO.
func (s *ConversationState) AddCorrectiveExperiences(items []string) {
	for _, it := range items {
		if it == "" {
			continue
		}
		s.CorrectiveExperiences = append(s.CorrectiveExperiences, it)
	}
	if len(s.CorrectiveExperiences) > MaxCorrective {
		s.CorrectiveExperiences = s.CorrectiveExperiences[len(s.CorrectiveExperiences)-MaxCorrective:]
	}
}

// RecentDialogue returns the last n exchanges.
func (s *ConversationState) RecentDialogue(n int) []Exchange {
	if n <= 0 || len(s.DialogueHistory) <= n {
		return s.DialogueHistory
	}
	return s.DialogueHistory[len(s.DialogueHistory)-n:]
}

// PreviousAct returns the most recently recorded act, or "" for a fresh
// session.
func (s *ConversationState) PreviousAct() Act {
	if len(s.ActHistory) == 0 {
		return ""
	}
	return s.ActHistory[len(s.ActHistory)-1]
}

package orchestrator

import (
	"context"
	"log"
	"time"

	"github.com/mbenali/shopmate/internal/agents"
	"github.com/mbenali/shopmate/internal/planner"
	"github.com/mbenali/shopmate/internal/reflection"
	"github.com/mbenali/shopmate/internal/state"
)

type LoggerHook struct{ L *log.Logger }

func (h LoggerHook) OnTurnStart(_ context.Context, sessionID string, turnID int, userMessage string) {
	preview := userMessage
	if len(preview) > 80 {
		preview = preview[:80] + "..."
	}
	h.L.Printf("turn start session=%s turn=%d user=%q", sessionID, turnID, preview)
}
func (h LoggerHook) OnAgentDone(_ context.Context, out *agents.AgentOutput, err error, elapsed time.Duration) {
	if err != nil {
		h.L.Printf("agent error after %v: %v", elapsed, err)
		return
	}
	h.L.Printf("agent %s: %d candidates confidence=%.2f (%v)", out.AgentName, len(out.Candidates), out.Confidence, elapsed)
}
func (h LoggerHook) OnDecision(_ context.Context, d *planner.Decision) {
	h.L.Printf("decision act=%s candidate=%s products=%d", d.SelectedAct, d.SelectedCandidateID, len(d.SelectedProducts))
}
func (h LoggerHook) OnReflection(_ context.Context, upd *reflection.Update) {
	if len(upd.PreferenceUpdates) == 0 && upd.InferredFeedback == "" {
		return
	}
	h.L.Printf("reflection: %d preference updates feedback=%q", len(upd.PreferenceUpdates), upd.InferredFeedback)
}
func (h LoggerHook) OnTurnDone(_ context.Context, st *state.ConversationState, err error, elapsed time.Duration) {
	if err != nil {
		h.L.Printf("⚠️  turn failed after %v: %v", elapsed, err)
		return
	}
	h.L.Printf("turn done session=%s turn=%d act=%s (%v)", st.SessionID, st.TurnID, st.PreviousAct(), elapsed)
}

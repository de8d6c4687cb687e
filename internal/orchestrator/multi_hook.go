package orchestrator

import (
	"context"
	"time"

	"github.com/mbenali/shopmate/internal/agents"
	"github.com/mbenali/shopmate/internal/planner"
	"github.com/mbenali/shopmate/internal/reflection"
	"github.com/mbenali/shopmate/internal/state"
)

type Hooks []Hook

func (hs Hooks) OnTurnStart(ctx context.Context, sessionID string, turnID int, userMessage string) {
	for _, h := range hs {
		h.OnTurnStart(ctx, sessionID, turnID, userMessage)
	}
}
func (hs Hooks) OnAgentDone(ctx context.Context, out *agents.AgentOutput, err error, elapsed time.Duration) {
	for _, h := range hs {
		h.OnAgentDone(ctx, out, err, elapsed)
	}
}
func (hs Hooks) OnDecision(ctx context.Context, d *planner.Decision) {
	for _, h := range hs {
		h.OnDecision(ctx, d)
	}
}
func (hs Hooks) OnReflection(ctx context.Context, upd *reflection.Update) {
	for _, h := range hs {
		h.OnReflection(ctx, upd)
	}
}
func (hs Hooks) OnTurnDone(ctx context.Context, st *state.ConversationState, err error, elapsed time.Duration) {
	for _, h := range hs {
		h.OnTurnDone(ctx, st, err, elapsed)
	}
}

package orchestrator

import (
	"context"
	"time"

	"github.com/mbenali/shopmate/internal/agents"
	"github.com/mbenali/shopmate/internal/planner"
	"github.com/mbenali/shopmate/internal/reflection"
	"github.com/mbenali/shopmate/internal/state"
)

// Hook observes turn processing. Implementations must not mutate what they
// are handed.
type Hook interface {
	OnTurnStart(ctx context.Context, sessionID string, turnID int, userMessage string)
	OnAgentDone(ctx context.Context, out *agents.AgentOutput, err error, elapsed time.Duration)
	OnDecision(ctx context.Context, d *planner.Decision)
	OnReflection(ctx context.Context, upd *reflection.Update)
	OnTurnDone(ctx context.Context, st *state.ConversationState, err error, elapsed time.Duration)
}

// NopHook lets you implement only the hooks you need.
type NopHook struct{}

func (NopHook) OnTurnStart(context.Context, string, int, string)                           {}
func (NopHook) OnAgentDone(context.Context, *agents.AgentOutput, error, time.Duration)     {}
func (NopHook) OnDecision(context.Context, *planner.Decision)                              {}
func (NopHook) OnReflection(context.Context, *reflection.Update)                           {}
func (NopHook) OnTurnDone(context.Context, *state.ConversationState, error, time.Duration) {}

// Package orchestrator drives one conversation turn end to end: concurrent
// strategy fan-out, candidate selection, reflection and commit. A turn works
// on a deep clone of the session state; the caller's state is replaced only
// when the whole turn succeeds.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbenali/shopmate/internal/agents"
	"github.com/mbenali/shopmate/internal/llm"
	"github.com/mbenali/shopmate/internal/planner"
	"github.com/mbenali/shopmate/internal/reflection"
	"github.com/mbenali/shopmate/internal/state"
)

// Saver persists committed session state.
type Saver interface {
	Save(ctx context.Context, st *state.ConversationState) error
}

// Orchestrator wires the strategies, the planner and the reflection engine
// into the per-turn pipeline.
type Orchestrator struct {
	registry  agents.Registry
	planner   *planner.Planner
	reflector *reflection.Engine
	store     Saver // optional
	hooks     Hooks
}

// New creates an orchestrator. store may be nil for in-memory sessions.
func New(registry agents.Registry, p *planner.Planner, r *reflection.Engine, store Saver, hooks ...Hook) *Orchestrator {
	return &Orchestrator{
		registry:  registry,
		planner:   p,
		reflector: r,
		store:     store,
		hooks:     hooks,
	}
}

// Turn processes one user message against st and returns the committed state
// plus the planner's decision. On error the returned state is nil and st is
// guaranteed untouched; the caller may surface the failure and retry the
// turn.
func (o *Orchestrator) Turn(ctx context.Context, st *state.ConversationState, userMessage string) (*state.ConversationState, *planner.Decision, error) {
	started := time.Now()
	o.hooks.OnTurnStart(ctx, st.SessionID, st.TurnID, userMessage)

	work := st.Clone()

	outputs, err := o.fanOut(ctx, work, userMessage)
	if err != nil {
		o.hooks.OnTurnDone(ctx, nil, err, time.Since(started))
		return nil, nil, err
	}

	decision, err := o.planner.Select(ctx, userMessage, outputs, work)
	if err != nil {
		o.hooks.OnTurnDone(ctx, nil, err, time.Since(started))
		return nil, nil, err
	}
	o.hooks.OnDecision(ctx, decision)

	if decision.StrategyUpdate != nil && len(decision.StrategyUpdate.WeightDeltas) > 0 {
		work.ApplyWeightDeltas(decision.StrategyUpdate.WeightDeltas)
	}

	// Reflection runs after planning and folds the CURRENT exchange into
	// state, so its effects reach the next turn's candidates.
	upd := o.reflector.Reflect(ctx, work, userMessage)
	o.hooks.OnReflection(ctx, upd)

	o.commit(work, userMessage, decision)

	if o.store != nil {
		if err := o.store.Save(ctx, work); err != nil {
			err = llm.Fatal("persist", fmt.Errorf("saving session %s: %w", work.SessionID, err))
			o.hooks.OnTurnDone(ctx, nil, err, time.Since(started))
			return nil, nil, err
		}
	}

	o.hooks.OnTurnDone(ctx, work, nil, time.Since(started))
	return work, decision, nil
}

// fanOut runs every registered strategy concurrently against the same
// read-only snapshot. The first error cancels the rest and aborts the turn.
func (o *Orchestrator) fanOut(ctx context.Context, snap *state.ConversationState, userMessage string) ([]*agents.AgentOutput, error) {
	if len(o.registry) == 0 {
		return nil, llm.Fatal("orchestrator", fmt.Errorf("no strategies registered"))
	}

	g, gctx := errgroup.WithContext(ctx)
	results := make([]*agents.AgentOutput, len(state.Acts))

	for i, act := range state.Acts {
		agent, ok := o.registry[act]
		if !ok {
			continue
		}
		i, agent := i, agent
		g.Go(func() error {
			agentStart := time.Now()
			out, err := agent.Run(gctx, userMessage, snap)
			o.hooks.OnAgentDone(gctx, out, err, time.Since(agentStart))
			if err != nil {
				return err
			}
			results[i] = out
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	outputs := make([]*agents.AgentOutput, 0, len(results))
	for _, out := range results {
		if out != nil {
			outputs = append(outputs, out)
		}
	}
	return outputs, nil
}

// commit finalizes the working clone: turn counter, dialogue record and the
// recommendation marker.
func (o *Orchestrator) commit(work *state.ConversationState, userMessage string, decision *planner.Decision) {
	work.TurnID++
	work.RecordExchange(state.Exchange{
		User:   userMessage,
		System: decision.SelectedResponse,
		Act:    decision.SelectedAct,
	})
	work.LastUserMessage = userMessage
	work.LastSystemResponse = decision.SelectedResponse

	if decision.SelectedAct == state.ActRecommend {
		turn := work.TurnID
		work.LastRecommendationTurn = &turn
	}
}

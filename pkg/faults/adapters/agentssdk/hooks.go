// hooks.go implements agents.RunHooks to capture what a run is doing.
// Hooks only enrich; faults are captured by WrappedRunner.

package agentssdk

import (
	"context"
	"time"

	"github.com/strongdm/ai-agents-sdk/pkg/agents"
	llmsdk "github.com/strongdm/ai-llm-sdk/pkg/llm"
	"go.uber.org/zap"
)

// HookAdapter implements agents.RunHooks. It records enrichment for the
// run found in ctx and then delegates to an inner RunHooks.
type HookAdapter struct {
	store  EnrichmentStore
	inner  agents.RunHooks
	logger *zap.Logger
	now    func() time.Time
}

// NewHookAdapter wraps inner, which may be nil. Only inner's errors are
// returned.
func NewHookAdapter(store EnrichmentStore, inner agents.RunHooks, logger *zap.Logger) *HookAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HookAdapter{
		store:  store,
		inner:  inner,
		logger: logger,
		now:    time.Now,
	}
}

func (h *HookAdapter) OnAgentStart(ctx context.Context, runCtx *agents.AgentHookContext, agent *agents.Agent) error {
	if agent != nil {
		h.update(ctx, func(e *Enrichment) {
			e.AgentName = agent.Name()
		})
	}
	if h.inner != nil {
		return h.inner.OnAgentStart(ctx, runCtx, agent)
	}
	return nil
}

func (h *HookAdapter) OnAgentEnd(ctx context.Context, runCtx *agents.AgentHookContext, agent *agents.Agent, result agents.RunResult) error {
	if h.inner != nil {
		return h.inner.OnAgentEnd(ctx, runCtx, agent, result)
	}
	return nil
}

// OnHandoff switches the recorded agent to the receiving one.
func (h *HookAdapter) OnHandoff(ctx context.Context, runCtx *agents.RunContext, from *agents.Agent, to *agents.Agent) error {
	if to != nil {
		h.update(ctx, func(e *Enrichment) {
			e.AgentName = to.Name()
		})
	}
	if h.inner != nil {
		return h.inner.OnHandoff(ctx, runCtx, from, to)
	}
	return nil
}

func (h *HookAdapter) OnToolStart(ctx context.Context, runCtx *agents.RunContext, agent *agents.Agent, tool agents.Tool, call llmsdk.ToolCall) error {
	now := h.now()
	h.update(ctx, func(e *Enrichment) {
		if agent != nil {
			e.AgentName = agent.Name()
		}
		e.Operation = "tool"
		e.OperationID = call.ID
		e.ToolName = tool.Name
		e.ToolCallID = call.ID
		e.RecordOperation(OperationRecord{
			Kind:      "tool",
			Timestamp: now,
			AgentName: e.AgentName,
			Tool: &ToolOperation{
				Name:      tool.Name,
				CallID:    call.ID,
				InputSize: len(call.Arguments),
			},
		})
	})
	if h.inner != nil {
		return h.inner.OnToolStart(ctx, runCtx, agent, tool, call)
	}
	return nil
}

func (h *HookAdapter) OnToolEnd(ctx context.Context, runCtx *agents.RunContext, agent *agents.Agent, tool agents.Tool, output string) error {
	now := h.now()
	h.update(ctx, func(e *Enrichment) {
		if e.history == nil {
			return
		}
		e.history.updateLast("tool", func(rec *OperationRecord) {
			rec.Duration = now.Sub(rec.Timestamp).Milliseconds()
			if rec.Tool != nil {
				rec.Tool.OutputSize = len(output)
			}
		})
	})
	if h.inner != nil {
		return h.inner.OnToolEnd(ctx, runCtx, agent, tool, output)
	}
	return nil
}

func (h *HookAdapter) OnLLMStart(ctx context.Context, runCtx *agents.RunContext, agent *agents.Agent, req llmsdk.Request) error {
	now := h.now()
	h.update(ctx, func(e *Enrichment) {
		if agent != nil {
			e.AgentName = agent.Name()
		}
		e.Operation = "llm"
		e.OperationID = ""
		e.Model = req.Model
		e.RecordOperation(OperationRecord{
			Kind:      "llm",
			Timestamp: now,
			AgentName: e.AgentName,
			LLM:       snapshotRequest(req),
		})
	})
	if h.inner != nil {
		return h.inner.OnLLMStart(ctx, runCtx, agent, req)
	}
	return nil
}

func (h *HookAdapter) OnLLMEnd(ctx context.Context, runCtx *agents.RunContext, agent *agents.Agent, resp llmsdk.Response) error {
	now := h.now()
	h.update(ctx, func(e *Enrichment) {
		e.OperationID = resp.ID
		if e.history == nil {
			return
		}
		e.history.updateLast("llm", func(rec *OperationRecord) {
			rec.Duration = now.Sub(rec.Timestamp).Milliseconds()
			applyResponse(rec.LLM, resp)
		})
	})
	if h.inner != nil {
		return h.inner.OnLLMEnd(ctx, runCtx, agent, resp)
	}
	return nil
}

// update applies fn to the enrichment of the run in ctx. Hooks fired
// outside an instrumented run are ignored.
func (h *HookAdapter) update(ctx context.Context, fn func(e *Enrichment)) {
	runID, ok := RunIDFromContext(ctx)
	if !ok {
		h.logger.Debug("hook fired without run id, skipping enrichment")
		return
	}
	h.store.Update(runID, fn)
}

var _ agents.RunHooks = (*HookAdapter)(nil)

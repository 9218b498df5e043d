// wrapper.go implements WrappedRunner, which captures errors and panics
// returned by agents.Runner as fault records.

package agentssdk

import (
	"context"
	"strconv"

	"github.com/google/uuid"
	"github.com/strongdm/ai-agents-sdk/pkg/agents"
	"go.uber.org/zap"

	"github.com/strongdm/ai-cxdb-faults/pkg/faults"
	"github.com/strongdm/ai-cxdb-faults/pkg/faults/exporters/cxdb"
)

// WrappedRunner wraps an agents.Runner. Every failed run produces one
// ERROR record carrying the run's enrichment as attributes.
type WrappedRunner struct {
	inner       *agents.Runner
	router      *faults.Router
	enrichments EnrichmentStore
	logger      *zap.Logger
	mode        faults.Mode
}

// Run executes the agent with the given input and session.
func (w *WrappedRunner) Run(ctx context.Context, agent *agents.Agent, input string, session agents.Session, cfg *agents.RunConfig) (agents.RunResult, error) {
	runID := uuid.NewString()
	ctx = w.runContext(ctx, runID, w.contextID(ctx, session))
	defer w.enrichments.Delete(runID)

	wrapped := w.wrapRunConfig(cfg)
	return faults.Run(ctx, w.router, "agents.Run", w.mode, func(ctx context.Context) (agents.RunResult, error) {
		return w.inner.Run(ctx, agent, input, session, wrapped)
	})
}

// RunOnce executes a single turn of the agent.
func (w *WrappedRunner) RunOnce(ctx context.Context, agent *agents.Agent, input string, cfg *agents.RunConfig) (agents.RunResult, error) {
	runID := uuid.NewString()
	ctx = w.runContext(ctx, runID, w.contextID(ctx, nil))
	defer w.enrichments.Delete(runID)

	wrapped := w.wrapRunConfig(cfg)
	return faults.Run(ctx, w.router, "agents.RunOnce", w.mode, func(ctx context.Context) (agents.RunResult, error) {
		return w.inner.RunOnce(ctx, agent, input, wrapped)
	})
}

// RunStream starts a streaming run. Only failures to start the stream are
// captured. The run's enrichment is released when ctx is done.
func (w *WrappedRunner) RunStream(ctx context.Context, agent *agents.Agent, input string, session agents.Session, cfg *agents.RunConfig) (*agents.StreamingRun, error) {
	runID := uuid.NewString()
	ctx = w.runContext(ctx, runID, w.contextID(ctx, session))

	wrapped := w.wrapRunConfig(cfg)
	stream, err := faults.Run(ctx, w.router, "agents.RunStream", w.mode, func(ctx context.Context) (*agents.StreamingRun, error) {
		return w.inner.RunStream(ctx, agent, input, session, wrapped)
	})
	if stream == nil {
		w.enrichments.Delete(runID)
		return stream, err
	}
	context.AfterFunc(ctx, func() { w.enrichments.Delete(runID) })
	return stream, err
}

// Inner returns the underlying Runner.
func (w *WrappedRunner) Inner() *agents.Runner {
	return w.inner
}

// runContext tags ctx with the run's identity and resolves the run's
// enrichment lazily, at capture time.
func (w *WrappedRunner) runContext(ctx context.Context, runID string, contextID uint64) context.Context {
	ctx = WithRunID(ctx, runID)
	ctx = faults.WithAttribute(ctx, AttrRunID, runID)
	if contextID != 0 {
		ctx = faults.WithAttribute(ctx, cxdb.ContextIDAttribute, strconv.FormatUint(contextID, 10))
	}
	if w.logger != nil {
		ctx = faults.ContextWithLogger(ctx, w.logger.With(zap.String(AttrRunID, runID)))
	}
	return faults.WithLazyAttributes(ctx, func() map[string]string {
		e, ok := w.enrichments.Get(runID)
		if !ok {
			return nil
		}
		return e.Attributes()
	})
}

// contextID returns the cxdb context backing session, falling back to the
// one carried by ctx.
func (w *WrappedRunner) contextID(ctx context.Context, session any) uint64 {
	if provider, ok := session.(ContextIDProvider); ok {
		id, err := provider.ContextID(ctx)
		if err == nil && id != 0 {
			return id
		}
		if err != nil && w.logger != nil {
			w.logger.Debug("session context id unavailable", zap.Error(err))
		}
	}
	id, _ := ContextIDFromContext(ctx)
	return id
}

// wrapRunConfig clones cfg and chains a HookAdapter in front of its hooks.
func (w *WrappedRunner) wrapRunConfig(cfg *agents.RunConfig) *agents.RunConfig {
	var cloned agents.RunConfig
	if cfg != nil {
		cloned = *cfg
	}
	cloned.Hooks = NewHookAdapter(w.enrichments, cloned.Hooks, w.logger)
	return &cloned
}

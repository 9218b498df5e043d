// instrument.go is the entry point for capturing agent run faults.

package agentssdk

import (
	"github.com/strongdm/ai-agents-sdk/pkg/agents"
	"go.uber.org/zap"

	"github.com/strongdm/ai-cxdb-faults/pkg/faults"
)

// WrapOption configures a WrappedRunner.
type WrapOption func(*WrappedRunner)

// WithLogger logs captured run faults through logger instead of the
// router's logger.
func WithLogger(logger *zap.Logger) WrapOption {
	return func(w *WrappedRunner) {
		w.logger = logger
	}
}

// WithEnrichmentStore sets the store used to correlate hook data with
// captured faults.
func WithEnrichmentStore(store EnrichmentStore) WrapOption {
	return func(w *WrappedRunner) {
		if store != nil {
			w.enrichments = store
		}
	}
}

// WithMode sets what the runner returns after capturing a failure.
// The default is faults.Propagate.
func WithMode(mode faults.Mode) WrapOption {
	return func(w *WrappedRunner) {
		w.mode = mode
	}
}

// Instrument wraps runner so that failed runs are captured through router.
//
// Example:
//
//	p := faults.NewPipeline(exporter)
//	runner := agentssdk.Instrument(agents.NewRunner(client), p.Router)
//	result, err := runner.Run(ctx, agent, input, session, nil)
func Instrument(runner *agents.Runner, router *faults.Router, opts ...WrapOption) *WrappedRunner {
	w := &WrappedRunner{
		inner:       runner,
		router:      router,
		enrichments: NewEnrichmentStore(),
		mode:        faults.Propagate,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// context.go carries run identity and the cxdb context ID through
// context.Context.

package agentssdk

import "context"

type runIDKey struct{}
type contextIDKey struct{}

// WithRunID attaches the run ID used to correlate hook enrichment.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunIDFromContext extracts the run ID from context.
// Returns empty string and false if not set.
func RunIDFromContext(ctx context.Context) (string, bool) {
	runID, ok := ctx.Value(runIDKey{}).(string)
	return runID, ok && runID != ""
}

// WithContextID attaches a cxdb context ID so captured faults link to the
// conversation that produced them.
func WithContextID(ctx context.Context, contextID uint64) context.Context {
	return context.WithValue(ctx, contextIDKey{}, contextID)
}

// ContextIDFromContext extracts the cxdb context ID from context.
// Returns 0 and false if not set.
func ContextIDFromContext(ctx context.Context) (uint64, bool) {
	id, ok := ctx.Value(contextIDKey{}).(uint64)
	return id, ok && id != 0
}

// ContextIDProvider is implemented by sessions that are backed by a cxdb
// context.
type ContextIDProvider interface {
	ContextID(ctx context.Context) (uint64, error)
}

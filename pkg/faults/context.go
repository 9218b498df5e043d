// context.go propagates capture metadata (origin, attributes, logger)
// through context.Context.

package faults

import (
	"context"
	"maps"
	"slices"

	"go.uber.org/zap"
)

// Context key types (unexported to avoid collisions)
type originKey struct{}
type attributesKey struct{}
type loggerKey struct{}
type lazyAttributesKey struct{}

// WithOrigin returns a context whose captures are attributed to origin.
func WithOrigin(ctx context.Context, origin string) context.Context {
	return context.WithValue(ctx, originKey{}, origin)
}

// OriginFromContext extracts the origin from context.
// Returns empty string and false if not set or if the origin is empty.
func OriginFromContext(ctx context.Context) (string, bool) {
	origin, ok := ctx.Value(originKey{}).(string)
	return origin, ok && origin != ""
}

// WithAttributes returns a context carrying attrs merged over any attributes
// already present. Later keys win.
func WithAttributes(ctx context.Context, attrs map[string]string) context.Context {
	if len(attrs) == 0 {
		return ctx
	}
	merged := maps.Clone(AttributesFromContext(ctx))
	if merged == nil {
		merged = make(map[string]string, len(attrs))
	}
	maps.Copy(merged, attrs)
	return context.WithValue(ctx, attributesKey{}, merged)
}

// WithAttribute is WithAttributes for a single key.
func WithAttribute(ctx context.Context, key, value string) context.Context {
	return WithAttributes(ctx, map[string]string{key: value})
}

// AttributesFromContext returns the attributes attached to ctx. The result
// must not be modified.
func AttributesFromContext(ctx context.Context) map[string]string {
	attrs, _ := ctx.Value(attributesKey{}).(map[string]string)
	return attrs
}

// WithLazyAttributes returns a context whose captures also carry the
// attributes returned by fn, evaluated when a fault is captured rather than
// now. They win over attributes set with WithAttributes. fn must be safe to
// call from any goroutine.
func WithLazyAttributes(ctx context.Context, fn func() map[string]string) context.Context {
	if fn == nil {
		return ctx
	}
	parent, _ := ctx.Value(lazyAttributesKey{}).([]func() map[string]string)
	fns := append(slices.Clip(parent), fn)
	return context.WithValue(ctx, lazyAttributesKey{}, fns)
}

// captureAttributes resolves the static and lazy attributes of ctx into a
// new map.
func captureAttributes(ctx context.Context) map[string]string {
	attrs := maps.Clone(AttributesFromContext(ctx))
	fns, _ := ctx.Value(lazyAttributesKey{}).([]func() map[string]string)
	for _, fn := range fns {
		extra := fn()
		if len(extra) == 0 {
			continue
		}
		if attrs == nil {
			attrs = make(map[string]string, len(extra))
		}
		maps.Copy(attrs, extra)
	}
	return attrs
}

// ContextWithLogger returns a context whose captures are logged through logger.
func ContextWithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFromContext extracts the logger from context.
func LoggerFromContext(ctx context.Context) (*zap.Logger, bool) {
	logger, ok := ctx.Value(loggerKey{}).(*zap.Logger)
	return logger, ok && logger != nil
}

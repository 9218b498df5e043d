// router.go turns faults into Records, logs them and hands them to the buffer.

package faults

import (
	"context"
	"fmt"
	"maps"
	"runtime/debug"
	"slices"
	"time"

	"go.uber.org/zap"
)

// Router builds Records for captured faults, emits them through a zap
// logger and enqueues them for export. It never panics and never returns
// an error: failures on the capture path go to the Fallback sink.
type Router struct {
	enqueuer  Enqueuer
	logger    *zap.Logger
	fallback  Fallback
	metrics   *Metrics
	scrubber  *Scrubber
	attrs     map[string]string
	startTime time.Time
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithRouterLogger sets the logger used when a capture call supplies none.
func WithRouterLogger(logger *zap.Logger) RouterOption {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithRouterFallback sets the sink used when logging or enqueueing fails.
func WithRouterFallback(fb Fallback) RouterOption {
	return func(r *Router) {
		if fb != nil {
			r.fallback = fb
		}
	}
}

// WithRouterMetrics sets the collectors updated for each capture.
func WithRouterMetrics(m *Metrics) RouterOption {
	return func(r *Router) {
		if m != nil {
			r.metrics = m
		}
	}
}

// WithRouterScrubber enables scrubbing of messages, stacks and attributes.
func WithRouterScrubber(cfg ScrubberConfig) RouterOption {
	return func(r *Router) {
		r.scrubber = NewScrubber(cfg)
	}
}

// WithRouterAttributes sets attributes attached to every Record, such as
// service.name. Per-call attributes win on key collisions.
func WithRouterAttributes(attrs map[string]string) RouterOption {
	return func(r *Router) {
		r.attrs = maps.Clone(attrs)
	}
}

// NewRouter creates a Router that enqueues into enq. A nil enq only logs.
// The Router does not own enq and never closes it.
func NewRouter(enq Enqueuer, opts ...RouterOption) *Router {
	r := &Router{
		enqueuer:  enq,
		logger:    zap.NewNop(),
		fallback:  StderrFallback(),
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics == nil {
		r.metrics = NewMetrics(nil)
	}
	return r
}

// Capture records a fault described by its parts. Severity should be
// SeverityFatal for uncaught faults and SeverityError for wrapped calls.
// A nil logger uses the router's default.
func (r *Router) Capture(sev Severity, origin, kind, message string, stack []byte, logger *zap.Logger) Record {
	return r.capture(RecordSpec{
		Severity: sev,
		Context:  contextFor(origin),
		Origin:   origin,
		Message:  message,
		Detail:   Detail{Kind: kind, Stack: string(stack)},
	}, logger)
}

// CaptureFault records a fault that reached a hook.
func (r *Router) CaptureFault(sev Severity, f Fault, logger *zap.Logger) Record {
	origin := f.Origin
	if origin == "" && f.Context == Primary {
		origin = MainOrigin
	}

	var msg string
	switch f.Context {
	case Worker:
		msg = fmt.Sprintf("Unhandled fault in worker %s: %s", origin, f.Message())
	default:
		msg = "Unhandled fault reached global handler: " + f.Message()
	}

	return r.capture(RecordSpec{
		Severity: sev,
		Context:  f.Context,
		Origin:   origin,
		Message:  msg,
		Detail: Detail{
			Kind:  classify(f.Value),
			Type:  typeName(f.Value),
			Stack: string(f.Stack),
		},
	}, logger)
}

// captureCall records the failure of a call made through Run.
func (r *Router) captureCall(ctx context.Context, name string, err error, stack []byte) Record {
	origin, ok := OriginFromContext(ctx)
	if !ok {
		origin = MainOrigin
	}
	logger, _ := LoggerFromContext(ctx)

	attrs := captureAttributes(ctx)
	if attrs == nil {
		attrs = make(map[string]string, 1)
	}
	attrs["code.function"] = name

	return r.capture(RecordSpec{
		Severity: SeverityError,
		Context:  contextFor(origin),
		Origin:   origin,
		Message:  fmt.Sprintf("Fault raised inside %s: %s", name, err),
		Detail: Detail{
			Kind:  classify(err),
			Type:  typeName(err),
			Stack: string(stack),
		},
		Attributes: attrs,
	}, logger)
}

func (r *Router) capture(spec RecordSpec, logger *zap.Logger) (rec Record) {
	defer func() {
		if v := recover(); v != nil {
			r.fallback.Write(spec.Severity, fmt.Sprintf("fault capture failed: %s; fault: %s", formatRecovered(v), spec.Message))
		}
	}()

	if len(r.attrs) > 0 {
		merged := maps.Clone(r.attrs)
		maps.Copy(merged, spec.Attributes)
		spec.Attributes = merged
	}
	if r.scrubber != nil {
		spec.Message = r.scrubber.ScrubMessage(spec.Message)
		spec.Detail.Stack = r.scrubber.ScrubStackTrace(spec.Detail.Stack)
		spec.Attributes = r.scrubber.ScrubAttributes(spec.Attributes)
	}
	if spec.Severity == SeverityFatal {
		spec.Runtime = CaptureRuntimeState(r.startTime)
	}

	rec = NewRecord(spec)
	r.metrics.Captured.WithLabelValues(rec.Severity.String(), rec.Context.String()).Inc()

	if logger == nil {
		logger = r.logger
	}
	r.emit(logger, rec)
	r.enqueue(rec)
	return rec
}

// emit writes rec through logger. A failing logger is reported to the
// fallback sink together with the record's message.
func (r *Router) emit(logger *zap.Logger, rec Record) {
	defer func() {
		if v := recover(); v != nil {
			r.fallback.Write(rec.Severity, fmt.Sprintf("fault logging failed: %s; fault: %s", formatRecovered(v), rec.Message))
		}
	}()
	if ce := logger.Check(rec.Severity.ZapLevel(), rec.Message); ce != nil {
		ce.Write(recordFields(rec)...)
	}
}

func (r *Router) enqueue(rec Record) {
	if r.enqueuer == nil {
		return
	}
	defer func() {
		if v := recover(); v != nil {
			r.fallback.Write(rec.Severity, fmt.Sprintf("fault enqueue failed: %s; fault: %s", formatRecovered(v), rec.Message))
		}
	}()
	r.enqueuer.Enqueue(rec)
}

// recordFields renders rec as zap fields.
func recordFields(rec Record) []zap.Field {
	fields := make([]zap.Field, 0, 12+len(rec.attrs))
	fields = append(fields,
		zap.String("fault.id", rec.ID),
		zap.Uint64("fault.sequence", rec.Sequence),
		zap.Stringer("severity", rec.Severity),
		zap.Stringer("context", rec.Context),
		zap.String("origin", rec.Origin),
		zap.String("kind", rec.Detail.Kind),
	)
	if rec.Detail.Type != "" {
		fields = append(fields, zap.String("type", rec.Detail.Type))
	}
	fields = append(fields, zap.String("fingerprint", rec.Detail.Fingerprint))
	if rec.Severity == SeverityFatal {
		fields = append(fields,
			zap.Int64("runtime.memory_bytes", rec.Runtime.MemoryBytes),
			zap.Int("runtime.goroutines", rec.Runtime.GoroutineCount),
			zap.Int64("runtime.uptime_ms", rec.Runtime.UptimeMs),
		)
	}
	for _, k := range slices.Sorted(maps.Keys(rec.attrs)) {
		fields = append(fields, zap.String(k, rec.attrs[k]))
	}
	if rec.Detail.Stack != "" {
		fields = append(fields, zap.String("stacktrace", rec.Detail.Stack))
	}
	return fields
}

func contextFor(origin string) ContextKind {
	if origin == "" || origin == MainOrigin {
		return Primary
	}
	return Worker
}

// Mode selects what Run does with a failure after capturing it.
type Mode int

const (
	// Suppress logs the failure and returns the zero value with a nil error.
	Suppress Mode = iota

	// Propagate logs the failure and returns it to the caller. Panics come
	// back as *PanicError.
	Propagate
)

func (m Mode) String() string {
	switch m {
	case Suppress:
		return "suppress"
	case Propagate:
		return "propagate"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Run calls fn and captures exactly one ERROR Record if it returns an error
// or panics. On success the result is returned unmodified.
//
// The origin, attributes and logger of the Record come from ctx (see
// WithOrigin, WithAttributes and ContextWithLogger).
func Run[T any](ctx context.Context, r *Router, name string, mode Mode, fn func(context.Context) (T, error)) (T, error) {
	result, stack, err := call(ctx, fn)
	if err == nil {
		return result, nil
	}

	r.captureCall(ctx, name, err, stack)

	var zero T
	if mode == Propagate {
		return zero, err
	}
	return zero, nil
}

// RunErr is Run for functions without a result.
func RunErr(ctx context.Context, r *Router, name string, mode Mode, fn func(context.Context) error) error {
	_, err := Run(ctx, r, name, mode, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Wrap returns fn wrapped with Run.
func Wrap[T any](r *Router, name string, mode Mode, fn func(context.Context) (T, error)) func(context.Context) (T, error) {
	return func(ctx context.Context) (T, error) {
		return Run(ctx, r, name, mode, fn)
	}
}

// Wrap1 returns a one-argument fn wrapped with Run.
func Wrap1[A, T any](r *Router, name string, mode Mode, fn func(context.Context, A) (T, error)) func(context.Context, A) (T, error) {
	return func(ctx context.Context, arg A) (T, error) {
		return Run(ctx, r, name, mode, func(ctx context.Context) (T, error) {
			return fn(ctx, arg)
		})
	}
}

// call runs fn, converting a panic into a *PanicError. The stack is the
// panicking goroutine's stack for panics and the caller's for errors.
func call[T any](ctx context.Context, fn func(context.Context) (T, error)) (result T, stack []byte, err error) {
	defer func() {
		if v := recover(); v != nil {
			stack = debug.Stack()
			err = &PanicError{Value: v, Stack: stack}
		}
	}()

	result, err = fn(ctx)
	if err != nil {
		stack = debug.Stack()
	}
	return result, stack, err
}

// Recover captures a panic as an ERROR Record and returns the recovered
// value. Unlike RecoverMain it does not dispatch through the hook chains.
// It must be deferred directly:
//
//	func handler(ctx context.Context) {
//	    defer faults.Recover(ctx, router)
//	    // code that might panic
//	}
func Recover(ctx context.Context, r *Router) any {
	v := recover()
	if v == nil {
		return nil
	}
	r.captureCall(ctx, "recover", &PanicError{Value: v}, debug.Stack())
	return v
}

// registry.go holds the per-context hook chains and the recover entry points
// that feed them.

package faults

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// MaxChainDepth bounds the number of hooks in one chain and the number of
// times a single fault may be dispatched.
const MaxChainDepth = 8

// RuntimeHookName names the hook at the bottom of every chain.
const RuntimeHookName = "runtime"

// CaptureHookName names the hook installed by Install.
const CaptureHookName = "capture"

var (
	// ErrChainTooDeep is returned when adding a hook would exceed MaxChainDepth.
	ErrChainTooDeep = errors.New("faults: hook chain too deep")

	// ErrChainCycle is returned when a hook chain refers back to itself.
	ErrChainCycle = errors.New("faults: hook chain cycle")

	// ErrUnknownContext is returned for a ContextKind outside Primary and Worker.
	ErrUnknownContext = errors.New("faults: unknown context kind")
)

// Handler receives a fault that reached the top of an execution context.
type Handler func(Fault)

// hook is one link of a chain. next is the hook it delegates to.
type hook struct {
	name string
	fn   Handler
	next *hook
}

type chain struct {
	top       *hook
	installed bool
	logger    atomic.Pointer[zap.Logger]
}

// Registry owns the hook chains of the primary and worker contexts.
// Installs and wraps are serialized by one mutex; dispatch reads the chain
// top under it and runs the hooks outside it.
type Registry struct {
	mu     sync.Mutex
	chains [numContextKinds]chain

	router   *Router
	fallback Fallback
	exit     func(int)
	stderr   io.Writer
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithExit sets the function the primary runtime hook terminates the
// process with. The default is os.Exit.
func WithExit(exit func(code int)) RegistryOption {
	return func(r *Registry) {
		if exit != nil {
			r.exit = exit
		}
	}
}

// WithRegistryFallback sets the sink that receives hook failures.
func WithRegistryFallback(fb Fallback) RegistryOption {
	return func(r *Registry) {
		if fb != nil {
			r.fallback = fb
		}
	}
}

// WithStderr sets where the runtime hooks print faults.
func WithStderr(w io.Writer) RegistryOption {
	return func(r *Registry) {
		if w != nil {
			r.stderr = w
		}
	}
}

// NewRegistry creates a Registry whose capture hooks record through router.
// Each chain starts with only the runtime hook: the primary one prints the
// fault and exits with status 2, the worker one prints it and returns.
func NewRegistry(router *Router, opts ...RegistryOption) *Registry {
	if router == nil {
		router = NewRouter(nil)
	}
	r := &Registry{
		router:   router,
		fallback: StderrFallback(),
		exit:     os.Exit,
		stderr:   os.Stderr,
	}
	for _, opt := range opts {
		opt(r)
	}

	r.chains[Primary].top = &hook{name: RuntimeHookName, fn: r.primaryRuntimeHook}
	r.chains[Worker].top = &hook{name: RuntimeHookName, fn: r.workerRuntimeHook}
	return r
}

func (r *Registry) primaryRuntimeHook(f Fault) {
	_, _ = fmt.Fprintf(r.stderr, "panic: %s\n\n%s", f.Message(), f.Stack)
	r.exit(2)
}

func (r *Registry) workerRuntimeHook(f Fault) {
	_, _ = fmt.Fprintf(r.stderr, "panic in worker %s: %s\n\n%s", f.Origin, f.Message(), f.Stack)
}

// Install puts the capture hook on top of the kind's chain. The hook
// records each fault as a FATAL Record through logger, then, when
// chainPrevious is true, hands the fault to the hook that was on top
// before.
//
// Install is idempotent per kind: later calls only replace the logger of
// the installed hook (a nil logger leaves it unchanged).
func (r *Registry) Install(kind ContextKind, logger *zap.Logger, chainPrevious bool) error {
	if !kind.valid() {
		return fmt.Errorf("install: %w: %s", ErrUnknownContext, kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c := &r.chains[kind]
	if c.installed {
		if logger != nil {
			c.logger.Store(logger)
		}
		return nil
	}

	err := r.pushLocked(kind, CaptureHookName, chainPrevious, func(next Handler) Handler {
		return func(f Fault) {
			r.router.CaptureFault(SeverityFatal, f, c.logger.Load())
			next(f)
		}
	})
	if err != nil {
		return err
	}
	c.logger.Store(logger)
	c.installed = true
	return nil
}

// InstallAll installs the capture hook for both the primary and the worker
// context.
func (r *Registry) InstallAll(logger *zap.Logger, chainPrevious bool) error {
	return errors.Join(
		r.Install(Primary, logger, chainPrevious),
		r.Install(Worker, logger, chainPrevious),
	)
}

// Wrap pushes a hook built by wrap on top of the kind's chain. next
// invokes the hook that was on top before; a wrapper that never calls it
// ends the chain.
func (r *Registry) Wrap(kind ContextKind, name string, wrap func(next Handler) Handler) error {
	if !kind.valid() {
		return fmt.Errorf("wrap %s: %w: %s", name, ErrUnknownContext, kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pushLocked(kind, name, true, wrap)
}

func (r *Registry) pushLocked(kind ContextKind, name string, delegate bool, wrap func(next Handler) Handler) error {
	c := &r.chains[kind]

	h := &hook{name: name}
	next := func(Fault) {}
	if delegate && c.top != nil {
		prev := c.top
		h.next = prev
		next = func(f Fault) { r.invoke(prev, f) }
	}

	if err := validateChain(h); err != nil {
		return fmt.Errorf("push %s hook %q: %w", kind, name, err)
	}

	h.fn = wrap(next)
	c.top = h
	return nil
}

// validateChain walks the delegation list from top, rejecting cycles and
// lists longer than MaxChainDepth.
func validateChain(top *hook) error {
	seen := make(map[*hook]struct{}, MaxChainDepth)
	depth := 0
	for h := top; h != nil; h = h.next {
		if _, dup := seen[h]; dup {
			return ErrChainCycle
		}
		seen[h] = struct{}{}
		depth++
		if depth > MaxChainDepth {
			return ErrChainTooDeep
		}
	}
	return nil
}

// Chain returns the hook names of the kind's delegation chain, top first.
func (r *Registry) Chain(kind ContextKind) []string {
	if !kind.valid() {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var names []string
	for h := r.chains[kind].top; h != nil && len(names) <= MaxChainDepth; h = h.next {
		names = append(names, h.name)
	}
	return names
}

// Dispatch runs f through its context's chain. Hook panics are reported to
// the fallback sink and swallowed. A fault dispatched more than
// MaxChainDepth times goes to the fallback sink instead.
func (r *Registry) Dispatch(f Fault) {
	f.hops++
	if f.hops > MaxChainDepth {
		r.fallback.Write(SeverityFatal, fmt.Sprintf("fault dispatched %d times, giving up: %s", f.hops-1, f.Message()))
		return
	}
	if !f.Context.valid() {
		r.fallback.Write(SeverityFatal, fmt.Sprintf("fault with %s: %s", f.Context, f.Message()))
		return
	}

	r.mu.Lock()
	top := r.chains[f.Context].top
	r.mu.Unlock()

	r.invoke(top, f)
}

func (r *Registry) invoke(h *hook, f Fault) {
	if h == nil {
		return
	}
	defer func() {
		if v := recover(); v != nil {
			r.fallback.Write(SeverityError, fmt.Sprintf("fault hook %q panicked: %s; fault: %s", h.name, formatRecovered(v), f.Message()))
		}
	}()
	h.fn(f)
}

// RecoverMain dispatches a panic in the primary context. Defer it first
// thing in main:
//
//	func main() {
//	    defer registry.RecoverMain()
//	    ...
//	}
//
// It must be deferred directly; calling it from another deferred function
// does not stop the panic.
func (r *Registry) RecoverMain() {
	if v := recover(); v != nil {
		r.Dispatch(Fault{Context: Primary, Origin: MainOrigin, Value: v, Stack: debug.Stack()})
	}
}

// RecoverWorker dispatches a panic in a worker goroutine named name. Like
// RecoverMain it must be deferred directly.
func (r *Registry) RecoverWorker(name string) {
	if v := recover(); v != nil {
		r.Dispatch(Fault{Context: Worker, Origin: name, Value: v, Stack: debug.Stack()})
	}
}

// Go runs fn in a new goroutine whose panics are dispatched as worker
// faults attributed to name.
func (r *Registry) Go(name string, fn func()) {
	go func() {
		defer r.RecoverWorker(name)
		fn()
	}()
}

// GoContext is Go for functions taking a context. ctx carries name as its
// origin, so Run calls inside fn are attributed to the worker.
func (r *Registry) GoContext(ctx context.Context, name string, fn func(context.Context)) {
	ctx = WithOrigin(ctx, name)
	go func() {
		defer r.RecoverWorker(name)
		fn(ctx)
	}()
}

package faults

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type exitRecorder struct {
	mu    sync.Mutex
	codes []int
}

func (e *exitRecorder) exit(code int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.codes = append(e.codes, code)
}

func (e *exitRecorder) getCodes() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int(nil), e.codes...)
}

type registryFixture struct {
	reg      *Registry
	enq      *testEnqueuer
	fallback *testFallback
	exits    *exitRecorder
	stderr   *bytes.Buffer
}

func newTestRegistry(t *testing.T) *registryFixture {
	t.Helper()
	f := &registryFixture{
		enq:      &testEnqueuer{},
		fallback: &testFallback{},
		exits:    &exitRecorder{},
		stderr:   &bytes.Buffer{},
	}
	router := NewRouter(f.enq, WithRouterFallback(f.fallback))
	f.reg = NewRegistry(router,
		WithExit(f.exits.exit),
		WithRegistryFallback(f.fallback),
		WithStderr(f.stderr),
	)
	return f
}

func TestRegistry_DefaultChain(t *testing.T) {
	f := newTestRegistry(t)

	assert.Equal(t, []string{RuntimeHookName}, f.reg.Chain(Primary))
	assert.Equal(t, []string{RuntimeHookName}, f.reg.Chain(Worker))
	assert.Nil(t, f.reg.Chain(ContextKind(4)))
}

func TestRegistry_UninstalledPrimaryPrintsAndExits(t *testing.T) {
	f := newTestRegistry(t)

	func() {
		defer f.reg.RecoverMain()
		panic("boom")
	}()

	assert.Equal(t, []int{2}, f.exits.getCodes())
	assert.Contains(t, f.stderr.String(), "panic: boom")
	assert.Contains(t, f.stderr.String(), "goroutine")
	assert.Empty(t, f.enq.getRecords())
}

func TestRegistry_InstallTwice_SingleChainOfTwo(t *testing.T) {
	f := newTestRegistry(t)

	require.NoError(t, f.reg.Install(Primary, nil, true))
	require.NoError(t, f.reg.Install(Primary, nil, true))

	assert.Equal(t, []string{CaptureHookName, RuntimeHookName}, f.reg.Chain(Primary))

	func() {
		defer f.reg.RecoverMain()
		panic("boom")
	}()

	records := f.enq.getRecords()
	require.Len(t, records, 1)
	assert.Equal(t, SeverityFatal, records[0].Severity)
	assert.Equal(t, Primary, records[0].Context)
	assert.Equal(t, MainOrigin, records[0].Origin)
	assert.Equal(t, "Unhandled fault reached global handler: boom", records[0].Message)
	assert.Equal(t, []int{2}, f.exits.getCodes(), "previous hook runs exactly once")
}

func TestRegistry_InstallWithoutChaining(t *testing.T) {
	f := newTestRegistry(t)

	require.NoError(t, f.reg.Install(Primary, nil, false))
	assert.Equal(t, []string{CaptureHookName}, f.reg.Chain(Primary))

	func() {
		defer f.reg.RecoverMain()
		panic("boom")
	}()

	assert.Len(t, f.enq.getRecords(), 1)
	assert.Empty(t, f.exits.getCodes())
	assert.Empty(t, f.stderr.String())
}

func TestRegistry_ReinstallSwapsLogger(t *testing.T) {
	f := newTestRegistry(t)
	first, firstLogs := newObservedLogger()
	second, secondLogs := newObservedLogger()

	require.NoError(t, f.reg.Install(Worker, first, true))
	require.NoError(t, f.reg.Install(Worker, second, true))
	require.NoError(t, f.reg.Install(Worker, nil, true))

	f.reg.Dispatch(Fault{Context: Worker, Origin: "poller", Value: "boom"})

	assert.Zero(t, firstLogs.Len())
	assert.Equal(t, 1, secondLogs.Len())
	assert.Len(t, f.reg.Chain(Worker), 2)
}

func TestRegistry_ConcurrentInstall(t *testing.T) {
	f := newTestRegistry(t)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.reg.InstallAll(zap.NewNop(), true))
		}()
	}
	wg.Wait()

	assert.Equal(t, []string{CaptureHookName, RuntimeHookName}, f.reg.Chain(Primary))
	assert.Equal(t, []string{CaptureHookName, RuntimeHookName}, f.reg.Chain(Worker))
}

func TestRegistry_UnknownContext(t *testing.T) {
	f := newTestRegistry(t)

	assert.ErrorIs(t, f.reg.Install(ContextKind(3), nil, true), ErrUnknownContext)
	assert.ErrorIs(t, f.reg.Wrap(ContextKind(-1), "x", func(next Handler) Handler { return next }), ErrUnknownContext)

	f.reg.Dispatch(Fault{Context: ContextKind(3), Value: "lost"})
	lines := f.fallback.getLines()
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "lost")
}

func TestRegistry_WrapOrderAndDepth(t *testing.T) {
	f := newTestRegistry(t)
	var order []string

	require.NoError(t, f.reg.Install(Worker, nil, true))
	for i := 0; i < MaxChainDepth-2; i++ {
		name := fmt.Sprintf("layer%d", i)
		require.NoError(t, f.reg.Wrap(Worker, name, func(next Handler) Handler {
			return func(fault Fault) {
				order = append(order, name)
				next(fault)
			}
		}))
	}
	assert.Len(t, f.reg.Chain(Worker), MaxChainDepth)

	err := f.reg.Wrap(Worker, "one-too-many", func(next Handler) Handler { return next })
	assert.ErrorIs(t, err, ErrChainTooDeep)
	assert.Len(t, f.reg.Chain(Worker), MaxChainDepth, "a rejected hook leaves the chain unchanged")

	f.reg.Dispatch(Fault{Context: Worker, Origin: "w", Value: "boom"})

	assert.Equal(t, []string{"layer5", "layer4", "layer3", "layer2", "layer1", "layer0"}, order)
	assert.Len(t, f.enq.getRecords(), 1)
	assert.Contains(t, f.stderr.String(), "panic in worker w: boom")
}

func TestValidateChain_Cycle(t *testing.T) {
	a := &hook{name: "a"}
	b := &hook{name: "b", next: a}
	a.next = b

	assert.ErrorIs(t, validateChain(a), ErrChainCycle)
	assert.NoError(t, validateChain(&hook{name: "solo"}))
}

func TestRegistry_PanickingHookIsContained(t *testing.T) {
	f := newTestRegistry(t)

	require.NoError(t, f.reg.Install(Worker, nil, false))
	require.NoError(t, f.reg.Wrap(Worker, "broken", func(next Handler) Handler {
		return func(fault Fault) {
			next(fault)
			panic("hook bug")
		}
	}))

	assert.NotPanics(t, func() {
		f.reg.Dispatch(Fault{Context: Worker, Origin: "w", Value: "boom"})
	})

	assert.Len(t, f.enq.getRecords(), 1)
	lines := f.fallback.getLines()
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"broken" panicked: hook bug`)
}

func TestRegistry_RedispatchLoopStops(t *testing.T) {
	f := newTestRegistry(t)

	require.NoError(t, f.reg.Install(Worker, nil, false))
	require.NoError(t, f.reg.Wrap(Worker, "echo", func(next Handler) Handler {
		return func(fault Fault) {
			next(fault)
			f.reg.Dispatch(fault)
		}
	}))

	f.reg.Dispatch(Fault{Context: Worker, Origin: "w", Value: "boom"})

	assert.Len(t, f.enq.getRecords(), MaxChainDepth)
	lines := f.fallback.getLines()
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "giving up")
}

func TestRegistry_GoCapturesWorkerFault(t *testing.T) {
	f := newTestRegistry(t)
	require.NoError(t, f.reg.Install(Worker, nil, true))

	done := make(chan struct{})
	require.NoError(t, f.reg.Wrap(Worker, "notify", func(next Handler) Handler {
		return func(fault Fault) {
			next(fault)
			close(done)
		}
	}))

	f.reg.Go("poller", func() {
		panic(fmt.Errorf("poll failed"))
	})
	<-done

	records := f.enq.getRecords()
	require.Len(t, records, 1)
	assert.Equal(t, Worker, records[0].Context)
	assert.Equal(t, "poller", records[0].Origin)
	assert.Equal(t, "Unhandled fault in worker poller: poll failed", records[0].Message)
	assert.Equal(t, "error", records[0].Detail.Kind)
	assert.Empty(t, f.exits.getCodes(), "worker faults never exit the process")
}

func TestRegistry_ConcurrentFaults_ExactlyN(t *testing.T) {
	const n = 64

	enq := &testEnqueuer{}
	exits := &exitRecorder{}
	reg := NewRegistry(NewRouter(enq, WithRouterFallback(&testFallback{})),
		WithExit(exits.exit),
		WithStderr(io.Discard),
	)
	require.NoError(t, reg.InstallAll(nil, true))

	var wg sync.WaitGroup
	require.NoError(t, reg.Wrap(Worker, "count", func(next Handler) Handler {
		return func(fault Fault) {
			defer wg.Done()
			next(fault)
		}
	}))

	wg.Add(n)
	for i := 0; i < n; i++ {
		if i%2 == 0 {
			reg.Go(fmt.Sprintf("worker-%d", i), func() { panic(i) })
			continue
		}
		go func() {
			defer wg.Done()
			defer reg.RecoverMain()
			panic(i)
		}()
	}
	wg.Wait()

	records := enq.getRecords()
	require.Len(t, records, n)

	seen := make(map[string]bool, n)
	var primary int
	for _, rec := range records {
		assert.False(t, seen[rec.ID], "duplicate record %s", rec.ID)
		seen[rec.ID] = true
		if rec.Context == Primary {
			primary++
		}
	}
	assert.Equal(t, n/2, primary)
	assert.Len(t, exits.getCodes(), n/2)
}

func TestRegistry_GoContextSetsOrigin(t *testing.T) {
	f := newTestRegistry(t)
	router := f.reg.router

	done := make(chan struct{})
	f.reg.GoContext(t.Context(), "indexer", func(ctx context.Context) {
		defer close(done)
		_ = RunErr(ctx, router, "index", Suppress, func(context.Context) error {
			return fmt.Errorf("index failed")
		})
	})
	<-done

	records := f.enq.getRecords()
	require.Len(t, records, 1)
	assert.Equal(t, "indexer", records[0].Origin)
	assert.Equal(t, Worker, records[0].Context)
	assert.Equal(t, SeverityError, records[0].Severity)
}

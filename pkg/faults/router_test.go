package faults

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// testEnqueuer records everything enqueued.
type testEnqueuer struct {
	mu      sync.Mutex
	records []Record
}

func (e *testEnqueuer) Enqueue(rec Record) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.records = append(e.records, rec)
}

func (e *testEnqueuer) getRecords() []Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	result := make([]Record, len(e.records))
	copy(result, e.records)
	return result
}

// testFallback records fallback writes as "LEVEL message".
type testFallback struct {
	mu    sync.Mutex
	lines []string
}

func (f *testFallback) Write(sev Severity, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines = append(f.lines, sev.String()+" "+message)
}

func (f *testFallback) getLines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}

// panicCore is a zap core whose writes panic.
type panicCore struct{}

func (panicCore) Enabled(zapcore.Level) bool { return true }

func (c panicCore) With([]zapcore.Field) zapcore.Core { return c }

func (c panicCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	return ce.AddCore(e, c)
}

func (panicCore) Write(zapcore.Entry, []zapcore.Field) error { panic("log sink exploded") }

func (panicCore) Sync() error { return nil }

type panicEnqueuer struct{}

func (panicEnqueuer) Enqueue(Record) { panic("queue exploded") }

func newObservedLogger() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return zap.New(core), logs
}

func newTestRouter(t *testing.T, opts ...RouterOption) (*Router, *testEnqueuer, *observer.ObservedLogs) {
	t.Helper()
	logger, logs := newObservedLogger()
	enq := &testEnqueuer{}
	opts = append([]RouterOption{WithRouterLogger(logger), WithRouterFallback(&testFallback{})}, opts...)
	return NewRouter(enq, opts...), enq, logs
}

func divide(a, b int) (int, error) {
	return a / b, nil
}

func TestRun_Success(t *testing.T) {
	r, enq, logs := newTestRouter(t)

	got, err := Run(context.Background(), r, "answer", Propagate, func(context.Context) (int, error) {
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Empty(t, enq.getRecords())
	assert.Zero(t, logs.Len())
}

func TestRun_SuppressError(t *testing.T) {
	r, enq, logs := newTestRouter(t)

	got, err := Run(context.Background(), r, "load", Suppress, func(context.Context) (string, error) {
		return "partial", errors.New("disk full")
	})

	require.NoError(t, err)
	assert.Equal(t, "", got)

	records := enq.getRecords()
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, SeverityError, rec.Severity)
	assert.Equal(t, Primary, rec.Context)
	assert.Equal(t, MainOrigin, rec.Origin)
	assert.Equal(t, "Fault raised inside load: disk full", rec.Message)
	assert.Equal(t, "error", rec.Detail.Kind)
	assert.Equal(t, "*errors.errorString", rec.Detail.Type)
	assert.NotEmpty(t, rec.Detail.Stack)
	fn, _ := rec.Attr("code.function")
	assert.Equal(t, "load", fn)

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, zapcore.ErrorLevel, entry.Level)
	assert.Equal(t, rec.Message, entry.Message)
	assert.Equal(t, "ERROR", entry.ContextMap()["severity"])
	assert.Equal(t, rec.ID, entry.ContextMap()["fault.id"])
}

func TestRun_PropagateError(t *testing.T) {
	r, enq, _ := newTestRouter(t)
	cause := errors.New("disk full")

	_, err := Run(context.Background(), r, "load", Propagate, func(context.Context) (int, error) {
		return 0, cause
	})

	assert.Same(t, cause, err)
	assert.Len(t, enq.getRecords(), 1)
}

func TestRun_SuppressPanic(t *testing.T) {
	r, enq, _ := newTestRouter(t)

	assert.NotPanics(t, func() {
		got, err := Run(context.Background(), r, "explode", Suppress, func(context.Context) (int, error) {
			panic("boom")
		})
		assert.NoError(t, err)
		assert.Zero(t, got)
	})

	records := enq.getRecords()
	require.Len(t, records, 1)
	assert.Equal(t, "panic", records[0].Detail.Kind)
	assert.Equal(t, "string", records[0].Detail.Type)
	assert.Equal(t, "Fault raised inside explode: panic: boom", records[0].Message)
}

func TestRun_PropagatePanic(t *testing.T) {
	r, enq, _ := newTestRouter(t)

	_, err := Run(context.Background(), r, "explode", Propagate, func(context.Context) (int, error) {
		panic("boom")
	})

	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "boom", pe.Value)
	assert.Contains(t, string(pe.Stack), "goroutine")
	assert.Len(t, enq.getRecords(), 1)
}

func TestRun_DivideByZero(t *testing.T) {
	r, enq, _ := newTestRouter(t)

	_, err := Run(context.Background(), r, "divide", Suppress, func(context.Context) (int, error) {
		return divide(1, 0)
	})

	require.NoError(t, err)
	records := enq.getRecords()
	require.Len(t, records, 1)
	assert.Equal(t, "runtime_error", records[0].Detail.Kind)
	assert.Contains(t, records[0].Message, "integer divide by zero")
}

func TestRun_UsesContext(t *testing.T) {
	r, enq, routerLogs := newTestRouter(t)
	ctxLogger, ctxLogs := newObservedLogger()

	ctx := WithOrigin(context.Background(), "poller")
	ctx = WithAttribute(ctx, "job.id", "7")
	ctx = ContextWithLogger(ctx, ctxLogger)

	err := RunErr(ctx, r, "poll", Suppress, func(context.Context) error {
		return context.DeadlineExceeded
	})

	require.NoError(t, err)
	records := enq.getRecords()
	require.Len(t, records, 1)
	assert.Equal(t, "poller", records[0].Origin)
	assert.Equal(t, Worker, records[0].Context)
	assert.Equal(t, "timeout", records[0].Detail.Kind)
	job, _ := records[0].Attr("job.id")
	assert.Equal(t, "7", job)

	assert.Equal(t, 1, ctxLogs.Len())
	assert.Zero(t, routerLogs.Len())
}

func TestWrap(t *testing.T) {
	r, enq, _ := newTestRouter(t)

	safeDivide := Wrap1(r, "divide", Suppress, func(_ context.Context, b int) (int, error) {
		return divide(10, b)
	})

	got, err := safeDivide(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 5, got)

	got, err = safeDivide(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, got)

	loud := Wrap(r, "fail", Propagate, func(context.Context) (bool, error) {
		return false, errors.New("nope")
	})
	_, err = loud(context.Background())
	assert.EqualError(t, err, "nope")

	assert.Len(t, enq.getRecords(), 2)
}

func TestRouter_CaptureFault(t *testing.T) {
	r, enq, logs := newTestRouter(t)

	rec := r.CaptureFault(SeverityFatal, Fault{Context: Worker, Origin: "poller", Value: "boom", Stack: []byte("goroutine 9 [running]:")}, nil)

	assert.Equal(t, "Unhandled fault in worker poller: boom", rec.Message)
	assert.Equal(t, SeverityFatal, rec.Severity)
	assert.Positive(t, rec.Runtime.GoroutineCount)
	assert.Equal(t, []Record{rec}, enq.getRecords())

	entry := logs.All()[0]
	assert.Equal(t, zapcore.ErrorLevel, entry.Level)
	assert.Equal(t, "FATAL", entry.ContextMap()["severity"])
	assert.Equal(t, "worker", entry.ContextMap()["context"])

	primary := r.CaptureFault(SeverityFatal, Fault{Context: Primary, Value: errors.New("bad")}, nil)
	assert.Equal(t, "Unhandled fault reached global handler: bad", primary.Message)
	assert.Equal(t, MainOrigin, primary.Origin)
}

func TestRouter_Capture(t *testing.T) {
	r, enq, _ := newTestRouter(t)

	rec := r.Capture(SeverityError, "poller", "error", "manual", nil, nil)

	assert.Equal(t, Worker, rec.Context)
	assert.Equal(t, "manual", rec.Message)
	assert.Zero(t, rec.Runtime)
	assert.Len(t, enq.getRecords(), 1)
}

func TestRouter_LoggerPanicGoesToFallback(t *testing.T) {
	fb := &testFallback{}
	enq := &testEnqueuer{}
	r := NewRouter(enq, WithRouterFallback(fb))

	assert.NotPanics(t, func() {
		r.Capture(SeverityFatal, MainOrigin, "panic", "original fault", nil, zap.New(panicCore{}))
	})

	lines := fb.getLines()
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "log sink exploded")
	assert.Contains(t, lines[0], "original fault")
	assert.Len(t, enq.getRecords(), 1, "a broken logger must not stop the enqueue")
}

func TestRouter_EnqueuePanicGoesToFallback(t *testing.T) {
	fb := &testFallback{}
	r := NewRouter(panicEnqueuer{}, WithRouterFallback(fb))

	assert.NotPanics(t, func() {
		r.Capture(SeverityError, MainOrigin, "error", "original fault", nil, nil)
	})

	lines := fb.getLines()
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "queue exploded")
}

func TestRouter_Scrubbing(t *testing.T) {
	r, enq, logs := newTestRouter(t, WithRouterScrubber(DefaultScrubberConfig()))

	ctx := WithAttribute(context.Background(), "auth_token", "t0k3n")
	_ = RunErr(ctx, r, "connect", Suppress, func(context.Context) error {
		return errors.New("connect failed: password=hunter2")
	})

	rec := enq.getRecords()[0]
	assert.NotContains(t, rec.Message, "hunter2")
	assert.Equal(t, "[REDACTED]", rec.Attributes()["auth_token"])
	assert.NotContains(t, logs.All()[0].Message, "hunter2")
}

func TestRouter_Attributes(t *testing.T) {
	r, enq, _ := newTestRouter(t, WithRouterAttributes(map[string]string{
		"service.name": "faultdemo",
		"job.id":       "default",
	}))

	ctx := WithAttribute(context.Background(), "job.id", "7")
	_ = RunErr(ctx, r, "job", Suppress, func(context.Context) error { return errors.New("x") })

	rec := enq.getRecords()[0]
	assert.Equal(t, "faultdemo", rec.Attributes()["service.name"])
	assert.Equal(t, "7", rec.Attributes()["job.id"])
}

func TestRouter_Metrics(t *testing.T) {
	m := NewMetrics(nil)
	r, _, _ := newTestRouter(t, WithRouterMetrics(m))

	_ = RunErr(context.Background(), r, "a", Suppress, func(context.Context) error { return errors.New("x") })
	r.CaptureFault(SeverityFatal, Fault{Context: Worker, Origin: "w", Value: "y"}, nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Captured.WithLabelValues("ERROR", "primary")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Captured.WithLabelValues("FATAL", "worker")))
}

func TestRouter_NilEnqueuer(t *testing.T) {
	r := NewRouter(nil)
	assert.NotPanics(t, func() {
		r.Capture(SeverityError, MainOrigin, "error", "logged only", nil, nil)
	})
}

func TestRecover(t *testing.T) {
	r, enq, _ := newTestRouter(t)

	func() {
		defer Recover(context.Background(), r)
		panic("handler blew up")
	}()

	records := enq.getRecords()
	require.Len(t, records, 1)
	assert.Equal(t, SeverityError, records[0].Severity)
	assert.Equal(t, "panic", records[0].Detail.Kind)
}

// buffer.go implements the bounded batch buffer between the router and an
// Exporter.

package faults

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrClosed is returned by Flush after Close.
var ErrClosed = errors.New("faults: buffer closed")

// OverflowPolicy selects what Enqueue does when the buffer is full.
type OverflowPolicy int

const (
	// DropOldest evicts the oldest pending record to make room.
	DropOldest OverflowPolicy = iota

	// DropNewest discards the incoming record.
	DropNewest

	// BlockWithTimeout waits up to BlockTimeout for a flush to make room,
	// then discards the incoming record.
	BlockWithTimeout
)

var overflowNames = [...]string{"drop_oldest", "drop_newest", "block_with_timeout"}

func (p OverflowPolicy) String() string {
	if p < DropOldest || p > BlockWithTimeout {
		return fmt.Sprintf("OverflowPolicy(%d)", int(p))
	}
	return overflowNames[p]
}

// MarshalText implements encoding.TextMarshaler.
func (p OverflowPolicy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. It accepts the
// snake_case names and their upper-case forms.
func (p *OverflowPolicy) UnmarshalText(text []byte) error {
	name := strings.ToLower(strings.TrimSpace(string(text)))
	for i, n := range overflowNames {
		if n == name {
			*p = OverflowPolicy(i)
			return nil
		}
	}
	return fmt.Errorf("faults: unknown overflow policy %q", text)
}

// BufferConfig sizes the buffer and its flush triggers.
type BufferConfig struct {
	// Capacity bounds the number of pending records (default: 2048).
	Capacity int

	// FlushThreshold triggers a flush once this many records are pending
	// (default: 512). Zero disables size-triggered flushes.
	FlushThreshold int

	// MaxLinger triggers a flush this long after the buffer became
	// non-empty (default: 5s). Zero disables the timer.
	MaxLinger time.Duration

	// ExportTimeout bounds one Exporter.Send call (default: 30s).
	ExportTimeout time.Duration

	// Overflow is the policy applied at capacity (default: DropOldest).
	Overflow OverflowPolicy

	// BlockTimeout bounds the wait of BlockWithTimeout (default: 100ms).
	BlockTimeout time.Duration

	// DropReportInterval is the minimum spacing of drop log entries
	// (default: 10s).
	DropReportInterval time.Duration
}

// DefaultBufferConfig returns the defaults of the OpenTelemetry batch log
// record processor, plus the drop policy settings.
func DefaultBufferConfig() BufferConfig {
	return BufferConfig{
		Capacity:           2048,
		FlushThreshold:     512,
		MaxLinger:          5 * time.Second,
		ExportTimeout:      30 * time.Second,
		Overflow:           DropOldest,
		BlockTimeout:       100 * time.Millisecond,
		DropReportInterval: 10 * time.Second,
	}
}

// withDefaults fills non-positive sizes and timeouts. FlushThreshold and
// MaxLinger keep zero, which disables them.
func (c BufferConfig) withDefaults() BufferConfig {
	def := DefaultBufferConfig()
	if c.Capacity <= 0 {
		c.Capacity = def.Capacity
	}
	if c.FlushThreshold < 0 {
		c.FlushThreshold = 0
	}
	if c.FlushThreshold > c.Capacity {
		c.FlushThreshold = c.Capacity
	}
	if c.MaxLinger < 0 {
		c.MaxLinger = 0
	}
	if c.ExportTimeout <= 0 {
		c.ExportTimeout = def.ExportTimeout
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = def.BlockTimeout
	}
	if c.DropReportInterval <= 0 {
		c.DropReportInterval = def.DropReportInterval
	}
	return c
}

// ExportError reports a batch that the exporter failed to deliver. The
// batch has been dropped.
type ExportError struct {
	Records int
	Err     error
}

func (e *ExportError) Error() string {
	return fmt.Sprintf("faults: export of %d records failed: %v", e.Records, e.Err)
}

func (e *ExportError) Unwrap() error {
	return e.Err
}

// BufferStats is a point-in-time snapshot of buffer counters.
type BufferStats struct {
	Pending        int
	Enqueued       uint64
	Dropped        uint64 // all reasons, including failed exports
	Exported       uint64
	ExportFailures uint64 // failed batches
}

// BufferOption configures a Buffer.
type BufferOption func(*Buffer)

// WithBufferLogger sets the logger for drop reports and export failures.
// Without one they go to the fallback sink.
func WithBufferLogger(logger *zap.Logger) BufferOption {
	return func(b *Buffer) {
		b.logger = logger
	}
}

// WithBufferMetrics sets the collectors updated by the buffer.
func WithBufferMetrics(m *Metrics) BufferOption {
	return func(b *Buffer) {
		if m != nil {
			b.metrics = m
		}
	}
}

// WithBufferFallback sets the sink used when no logger is configured.
func WithBufferFallback(fb Fallback) BufferOption {
	return func(b *Buffer) {
		if fb != nil {
			b.fallback = fb
		}
	}
}

// Buffer is a bounded FIFO of Records flushed to an Exporter when
// FlushThreshold records are pending, MaxLinger after it became non-empty,
// on Flush and on Close. At most one flush runs at a time. The export call
// runs outside the lock that Enqueue takes.
type Buffer struct {
	cfg      BufferConfig
	exporter Exporter
	logger   *zap.Logger
	fallback Fallback
	metrics  *Metrics

	mu        sync.Mutex
	pending   []Record
	firstAt   time.Time     // when pending last became non-empty
	space     chan struct{} // closed and replaced whenever pending is swapped out
	closed    bool
	unposted  map[string]uint64 // drops not yet reported, by reason
	enqueued  uint64
	dropped   uint64
	exported  uint64
	failures  uint64
	dropLimit *rate.Limiter

	flushSlot chan struct{} // one-slot semaphore
	kick      chan struct{}
	armed     chan struct{}
	done      chan struct{}
	loopDone  chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// NewBuffer creates a Buffer that exports to exporter and starts its
// background flush loop. The Buffer owns exporter and closes it on Close.
// Start cfg from DefaultBufferConfig.
func NewBuffer(exporter Exporter, cfg BufferConfig, opts ...BufferOption) *Buffer {
	if exporter == nil {
		exporter = noopExporterInternal{}
	}
	cfg = cfg.withDefaults()

	b := &Buffer{
		cfg:       cfg,
		exporter:  exporter,
		fallback:  StderrFallback(),
		space:     make(chan struct{}),
		unposted:  make(map[string]uint64),
		dropLimit: rate.NewLimiter(rate.Every(cfg.DropReportInterval), 1),
		flushSlot: make(chan struct{}, 1),
		kick:      make(chan struct{}, 1),
		armed:     make(chan struct{}, 1),
		done:      make(chan struct{}),
		loopDone:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.metrics == nil {
		b.metrics = NewMetrics(nil)
	}

	go b.run()
	return b
}

// Config returns the effective configuration.
func (b *Buffer) Config() BufferConfig {
	return b.cfg
}

// Enqueue appends rec. When the buffer is full the overflow policy
// decides which record is dropped; only BlockWithTimeout waits, and at
// most BlockTimeout. Records enqueued after Close are dropped and reported
// at most once per DropReportInterval.
func (b *Buffer) Enqueue(rec Record) {
	b.mu.Lock()
	if b.closed {
		b.noteDropLocked(DropReasonClosed, 1)
		b.mu.Unlock()
		// No flush runs after close, so report here under the same limit.
		b.reportDrops(false)
		return
	}

	if len(b.pending) >= b.cfg.Capacity {
		switch b.cfg.Overflow {
		case DropNewest:
			b.noteDropLocked(DropReasonOverflowNewest, 1)
			b.mu.Unlock()
			return
		case BlockWithTimeout:
			if reason := b.waitForSpaceLocked(); reason != "" {
				b.noteDropLocked(reason, 1)
				b.mu.Unlock()
				return
			}
		default:
			b.pending[0] = Record{}
			b.pending = b.pending[1:]
			b.noteDropLocked(DropReasonOverflowOldest, 1)
		}
	}

	wasEmpty := len(b.pending) == 0
	if wasEmpty {
		b.firstAt = time.Now()
	}
	b.pending = append(b.pending, rec)
	b.enqueued++
	n := len(b.pending)
	b.mu.Unlock()

	b.metrics.Enqueued.Inc()
	b.metrics.Pending.Set(float64(n))

	if wasEmpty {
		notify(b.armed)
	}
	if b.cfg.FlushThreshold > 0 && n >= b.cfg.FlushThreshold {
		notify(b.kick)
	}
}

// waitForSpaceLocked releases mu until a flush makes room, the block
// timeout elapses or the buffer closes. It returns with mu held and the
// drop reason, or "" if there is room.
func (b *Buffer) waitForSpaceLocked() string {
	timer := time.NewTimer(b.cfg.BlockTimeout)
	defer timer.Stop()

	for len(b.pending) >= b.cfg.Capacity {
		space := b.space
		b.mu.Unlock()
		notify(b.kick)

		select {
		case <-space:
			b.mu.Lock()
		case <-timer.C:
			b.mu.Lock()
			return DropReasonBlockTimeout
		}
		if b.closed {
			return DropReasonClosed
		}
	}
	return ""
}

func (b *Buffer) noteDropLocked(reason string, n uint64) {
	b.dropped += n
	b.unposted[reason] += n
	b.metrics.Dropped.WithLabelValues(reason).Add(float64(n))
}

// Flush exports everything pending at the time of the call. If another
// flush is running, Flush waits for it and then exports what accumulated
// meanwhile. A failed export returns *ExportError; the batch is dropped.
func (b *Buffer) Flush(ctx context.Context) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return b.flush(ctx, false)
}

func (b *Buffer) flush(ctx context.Context, final bool) error {
	select {
	case b.flushSlot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-b.flushSlot }()

	// A done ctx leaves the records pending for the next flush.
	if err := ctx.Err(); err != nil {
		return err
	}

	batch := b.swap()
	b.reportDrops(final)
	if len(batch) == 0 {
		return nil
	}
	return b.export(ctx, batch)
}

// swap takes the pending records, leaving an empty buffer, and wakes
// enqueuers waiting for space.
func (b *Buffer) swap() []Record {
	b.mu.Lock()
	defer b.mu.Unlock()

	batch := b.pending
	b.pending = nil
	b.firstAt = time.Time{}
	close(b.space)
	b.space = make(chan struct{})
	b.metrics.Pending.Set(0)
	return batch
}

func (b *Buffer) export(ctx context.Context, batch []Record) error {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.ExportTimeout)
	defer cancel()

	start := time.Now()
	result := make(chan error, 1)
	go func() {
		defer func() {
			if v := recover(); v != nil {
				result <- fmt.Errorf("exporter panicked: %s", formatRecovered(v))
			}
		}()
		result <- b.exporter.Send(ctx, batch)
	}()

	var err error
	select {
	case err = <-result:
	case <-ctx.Done():
		err = ctx.Err()
	}
	b.metrics.ExportDuration.Observe(time.Since(start).Seconds())

	n := uint64(len(batch))
	if err != nil {
		b.mu.Lock()
		b.failures++
		b.dropped += n
		b.mu.Unlock()

		b.metrics.Batches.WithLabelValues("failure").Inc()
		b.metrics.Dropped.WithLabelValues(DropReasonExportFailed).Add(float64(n))
		b.diag(SeverityError, "fault batch export failed",
			fmt.Sprintf("fault batch export failed, dropped %d records: %v", n, err),
			zap.Int("records", len(batch)), zap.Error(err))
		return &ExportError{Records: len(batch), Err: err}
	}

	b.mu.Lock()
	b.exported += n
	b.mu.Unlock()
	b.metrics.Batches.WithLabelValues("success").Inc()
	return nil
}

// reportDrops logs the drops accumulated since the last report, at most
// once per DropReportInterval unless force is set.
func (b *Buffer) reportDrops(force bool) {
	b.mu.Lock()
	if len(b.unposted) == 0 || (!force && !b.dropLimit.Allow()) {
		b.mu.Unlock()
		return
	}
	drops := b.unposted
	b.unposted = make(map[string]uint64)
	b.mu.Unlock()

	var total uint64
	fields := make([]zap.Field, 0, len(drops)+1)
	parts := make([]string, 0, len(drops))
	for _, reason := range slices.Sorted(maps.Keys(drops)) {
		total += drops[reason]
		fields = append(fields, zap.Uint64("dropped."+reason, drops[reason]))
		parts = append(parts, fmt.Sprintf("%s=%d", reason, drops[reason]))
	}
	fields = append(fields, zap.Uint64("dropped", total))

	b.diag(SeverityWarning, "fault records dropped",
		fmt.Sprintf("fault records dropped: %d (%s)", total, strings.Join(parts, ", ")),
		fields...)
}

// diag reports a buffer problem through the logger, or through the
// fallback sink when there is no logger.
func (b *Buffer) diag(sev Severity, msg, plain string, fields ...zap.Field) {
	if b.logger == nil {
		b.fallback.Write(sev, plain)
		return
	}
	if ce := b.logger.Check(sev.ZapLevel(), msg); ce != nil {
		ce.Write(fields...)
	}
}

// run is the background flush loop.
func (b *Buffer) run() {
	defer close(b.loopDone)

	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
		}
		timerC = nil
	}
	// arm starts the linger timer from the moment the buffer became
	// non-empty. It is a no-op while the timer runs.
	arm := func() {
		if b.cfg.MaxLinger <= 0 || timerC != nil {
			return
		}
		b.mu.Lock()
		firstAt, n := b.firstAt, len(b.pending)
		b.mu.Unlock()
		if n == 0 {
			return
		}
		wait := max(b.cfg.MaxLinger-time.Since(firstAt), 0)
		if timer == nil {
			timer = time.NewTimer(wait)
		} else {
			timer.Reset(wait)
		}
		timerC = timer.C
	}
	flush := func() {
		stopTimer()
		// Failures are already logged and counted.
		_ = b.flush(context.Background(), false)
		arm()
	}

	for {
		select {
		case <-b.done:
			stopTimer()
			return
		case <-b.kick:
			flush()
		case <-b.armed:
			arm()
		case <-timerC:
			timerC = nil
			flush()
		}
	}
}

// Close stops accepting records, stops the flush loop, exports what is
// pending, reports outstanding drops and closes the exporter. Only the
// first call does work; later calls return its result.
func (b *Buffer) Close(ctx context.Context) error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()

		close(b.done)
		select {
		case <-b.loopDone:
		case <-ctx.Done():
		}

		flushErr := b.flush(ctx, true)

		// Anything still pending could not be flushed before ctx ended.
		b.mu.Lock()
		if n := len(b.pending); n > 0 {
			b.noteDropLocked(DropReasonClosed, uint64(n))
			b.pending = nil
			b.metrics.Pending.Set(0)
		}
		b.mu.Unlock()
		b.reportDrops(true)

		b.closeErr = errors.Join(flushErr, b.exporter.Close())
	})
	return b.closeErr
}

// Stats returns a snapshot of the buffer counters.
func (b *Buffer) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BufferStats{
		Pending:        len(b.pending),
		Enqueued:       b.enqueued,
		Dropped:        b.dropped,
		Exported:       b.exported,
		ExportFailures: b.failures,
	}
}

// notify does a non-blocking send on a one-slot channel.
func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

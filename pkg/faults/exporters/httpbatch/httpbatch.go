// Package httpbatch provides an exporter that POSTs each batch to an HTTP
// collector as one JSON or CBOR array, optionally gzip-compressed.
//
// Each batch is retried with exponential backoff inside a circuit breaker.
// When the collector keeps failing the breaker opens and batches fail fast
// until it half-opens again.
package httpbatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/klauspost/compress/gzip"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/strongdm/ai-cxdb-faults/pkg/faults"
	"github.com/strongdm/ai-cxdb-faults/pkg/faults/exporters/wire"
)

// IngestPath is the collector path batches are posted to by convention.
const IngestPath = "/api/ingest/batch"

// StatusError reports a non-2xx response from the collector.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("collector responded %d", e.StatusCode)
	}
	return fmt.Sprintf("collector responded %d: %s", e.StatusCode, e.Body)
}

// Temporary reports whether a retry may succeed.
func (e *StatusError) Temporary() bool {
	switch {
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 500:
		return true
	default:
		return false
	}
}

// Option configures the exporter.
type Option func(*Exporter)

// WithHTTPClient sets the HTTP client (default: 10s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(e *Exporter) {
		if c != nil {
			e.client = c
		}
	}
}

// WithFormat selects the body encoding (default: JSON).
func WithFormat(f wire.Format) Option {
	return func(e *Exporter) {
		e.format = f
	}
}

// WithGzip compresses request bodies.
func WithGzip(level int) Option {
	return func(e *Exporter) {
		e.gzip = true
		e.gzipLevel = level
	}
}

// WithAPIKey sends "Authorization: Bearer <key>".
func WithAPIKey(key string) Option {
	return func(e *Exporter) {
		e.apiKey = key
	}
}

// WithInstanceID sends the X-Instance-ID header.
func WithInstanceID(id string) Option {
	return func(e *Exporter) {
		e.instanceID = id
	}
}

// WithRetry sets the number of attempts per batch and the base backoff
// delay. Zero delay uses retry-go's default backoff.
func WithRetry(attempts uint, delay time.Duration) Option {
	return func(e *Exporter) {
		if attempts > 0 {
			e.attempts = attempts
		}
		e.retryDelay = delay
	}
}

// WithBreaker opens the circuit after consecutive failed batches and
// half-opens it after cooldown.
func WithBreaker(consecutiveFailures uint32, cooldown time.Duration) Option {
	return func(e *Exporter) {
		e.breakerFailures = consecutiveFailures
		e.breakerCooldown = cooldown
	}
}

// WithLogger sets the logger for retry and breaker diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Exporter) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// Exporter posts batches to an HTTP collector.
type Exporter struct {
	endpoint   string
	client     *http.Client
	format     wire.Format
	gzip       bool
	gzipLevel  int
	apiKey     string
	instanceID string

	attempts        uint
	retryDelay      time.Duration
	breakerFailures uint32
	breakerCooldown time.Duration
	breaker         *gobreaker.CircuitBreaker

	logger *zap.Logger
}

// New creates an exporter posting to endpoint, a full URL such as
// "http://collector:4318" + IngestPath.
func New(endpoint string, opts ...Option) *Exporter {
	e := &Exporter{
		endpoint:        endpoint,
		client:          &http.Client{Timeout: 10 * time.Second},
		format:          wire.JSON,
		gzipLevel:       gzip.DefaultCompression,
		attempts:        3,
		breakerFailures: 5,
		breakerCooldown: 30 * time.Second,
		logger:          zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "faults-httpbatch",
		MaxRequests: 1,
		Timeout:     e.breakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= e.breakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			e.logger.Warn("fault collector circuit changed state",
				zap.String("breaker", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to))
		},
	})
	return e
}

// Send encodes batch once and posts it, retrying temporary failures.
func (e *Exporter) Send(ctx context.Context, batch []faults.Record) error {
	body, err := e.encode(batch)
	if err != nil {
		return err
	}

	_, err = e.breaker.Execute(func() (any, error) {
		return nil, e.postWithRetry(ctx, body, len(batch))
	})
	if err != nil {
		return fmt.Errorf("httpbatch: send %d records: %w", len(batch), err)
	}
	return nil
}

func (e *Exporter) encode(batch []faults.Record) ([]byte, error) {
	var buf bytes.Buffer
	if !e.gzip {
		if err := wire.Encode(&buf, e.format, batch); err != nil {
			return nil, fmt.Errorf("httpbatch: encode batch: %w", err)
		}
		return buf.Bytes(), nil
	}

	zw, err := gzip.NewWriterLevel(&buf, e.gzipLevel)
	if err != nil {
		return nil, fmt.Errorf("httpbatch: gzip writer: %w", err)
	}
	if err := wire.Encode(zw, e.format, batch); err != nil {
		return nil, fmt.Errorf("httpbatch: encode batch: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("httpbatch: gzip batch: %w", err)
	}
	return buf.Bytes(), nil
}

func (e *Exporter) postWithRetry(ctx context.Context, body []byte, records int) error {
	// A permanent failure ends the retry loop early and is reported as is.
	var permanent error
	attempt := 0

	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(e.attempts),
		retry.DelayType(e.delay),
	)
	err := r.Do(func() error {
		attempt++
		err := e.post(ctx, body)
		if err == nil {
			return nil
		}
		var se *StatusError
		if errors.As(err, &se) && !se.Temporary() {
			permanent = err
			return nil
		}
		e.logger.Debug("fault batch post failed",
			zap.Int("attempt", attempt),
			zap.Int("records", records),
			zap.Error(err))
		return err
	})
	if permanent != nil {
		return permanent
	}
	return err
}

func (e *Exporter) delay(n uint, err error, config retry.DelayContext) time.Duration {
	var se *StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusTooManyRequests && e.retryDelay > 0 {
		return 4 * e.retryDelay
	}
	if e.retryDelay > 0 {
		return e.retryDelay << min(n, 6)
	}
	return retry.BackOffDelay(n, err, config)
}

func (e *Exporter) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", e.format.ContentType())
	if e.gzip {
		req.Header.Set("Content-Encoding", "gzip")
	}
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}
	if e.instanceID != "" {
		req.Header.Set("X-Instance-ID", e.instanceID)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
}

// State returns the circuit breaker state.
func (e *Exporter) State() gobreaker.State {
	return e.breaker.State()
}

// Close releases idle connections.
func (e *Exporter) Close() error {
	e.client.CloseIdleConnections()
	return nil
}

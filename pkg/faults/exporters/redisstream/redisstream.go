// Package redisstream provides an exporter that appends records to a Redis
// stream, one XADD per record, sent as a single pipeline per batch.
package redisstream

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/strongdm/ai-cxdb-faults/pkg/faults"
	"github.com/strongdm/ai-cxdb-faults/pkg/faults/exporters/wire"
)

// DefaultStream is the stream key used when none is configured.
const DefaultStream = "faults:records"

// Option configures the exporter.
type Option func(*Exporter)

// WithStream sets the stream key.
func WithStream(key string) Option {
	return func(e *Exporter) {
		if key != "" {
			e.stream = key
		}
	}
}

// WithMaxLen caps the stream at roughly n entries (XADD MAXLEN ~ n).
// Zero leaves the stream unbounded.
func WithMaxLen(n int64) Option {
	return func(e *Exporter) {
		e.maxLen = n
	}
}

// WithFormat sets the encoding of the "record" field (default: JSON).
func WithFormat(f wire.Format) Option {
	return func(e *Exporter) {
		e.format = f
	}
}

// Exporter writes records to a Redis stream.
type Exporter struct {
	client redis.UniversalClient
	owned  bool
	stream string
	maxLen int64
	format wire.Format
}

// New creates an exporter using client. The caller keeps ownership of
// client.
func New(client redis.UniversalClient, opts ...Option) *Exporter {
	e := &Exporter{
		client: client,
		stream: DefaultStream,
		maxLen: 100_000,
		format: wire.JSON,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Dial creates an exporter with its own client for addr. Close closes it.
func Dial(addr string, opts ...Option) *Exporter {
	e := New(redis.NewClient(&redis.Options{Addr: addr}), opts...)
	e.owned = true
	return e
}

// Send appends the batch in one pipeline. Entries carry a few indexable
// fields plus the full encoded record.
func (e *Exporter) Send(ctx context.Context, batch []faults.Record) error {
	pipe := e.client.Pipeline()
	for _, rec := range batch {
		payload, err := wire.Marshal(e.format, rec)
		if err != nil {
			return fmt.Errorf("redisstream: encode record %s: %w", rec.ID, err)
		}
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: e.stream,
			MaxLen: e.maxLen,
			Approx: e.maxLen > 0,
			Values: []any{
				"id", rec.ID,
				"severity", rec.Severity.String(),
				"origin", rec.Origin,
				"fingerprint", rec.Detail.Fingerprint,
				"record", payload,
			},
		})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redisstream: xadd %d records to %s: %w", len(batch), e.stream, err)
	}
	return nil
}

// Close closes the client if the exporter created it.
func (e *Exporter) Close() error {
	if !e.owned {
		return nil
	}
	return e.client.Close()
}

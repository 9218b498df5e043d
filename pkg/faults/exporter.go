// exporter.go defines the collaborators at the edge of the pipeline.

package faults

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
)

// Exporter ships batches of records to a remote collector.
// Implementations must be safe for concurrent use.
type Exporter interface {
	// Send delivers a batch. A batch either succeeds or fails as a whole.
	// Implementations must honor ctx cancellation and must not retain or
	// modify the slice after returning.
	Send(ctx context.Context, batch []Record) error

	// Close releases resources held by the exporter.
	Close() error
}

// Enqueuer accepts records for batching. Enqueue must not block beyond a
// short bounded critical section.
type Enqueuer interface {
	Enqueue(rec Record)
}

// Fallback is the last-resort sink used when the capture or export path
// itself fails. Write must be synchronous and must not panic.
type Fallback interface {
	Write(sev Severity, message string)
}

// FallbackFunc adapts a function to the Fallback interface.
type FallbackFunc func(sev Severity, message string)

// Write calls f.
func (f FallbackFunc) Write(sev Severity, message string) {
	f(sev, message)
}

// writerFallback writes one line per message to an io.Writer.
type writerFallback struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterFallback returns a Fallback writing "faults: LEVEL message" lines to w.
func NewWriterFallback(w io.Writer) Fallback {
	return &writerFallback{w: w}
}

func (f *writerFallback) Write(sev Severity, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	// Nothing is left to report a failing fallback write to.
	_, _ = fmt.Fprintf(f.w, "faults: %s %s\n", sev, message)
}

// StderrFallback returns the default Fallback, which writes to os.Stderr.
func StderrFallback() Fallback {
	return NewWriterFallback(os.Stderr)
}

// noopExporterInternal is an internal noop exporter to avoid import cycles.
type noopExporterInternal struct{}

func (noopExporterInternal) Send(ctx context.Context, batch []Record) error {
	return nil
}

func (noopExporterInternal) Close() error {
	return nil
}

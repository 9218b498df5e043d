// Package stderr provides an exporter that prints records in a
// human-readable format. Useful for development and as a last-resort
// Fallback.
package stderr

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/strongdm/ai-cxdb-faults/pkg/faults"
)

// Option configures the stderr exporter.
type Option func(*config)

type config struct {
	verbose bool
	w       io.Writer
}

// WithVerbose includes stack traces in the output.
func WithVerbose() Option {
	return func(c *config) {
		c.verbose = true
	}
}

// WithWriter writes to w instead of os.Stderr.
func WithWriter(w io.Writer) Option {
	return func(c *config) {
		if w != nil {
			c.w = w
		}
	}
}

// Exporter writes records to stderr.
type Exporter struct {
	mu      sync.Mutex
	w       io.Writer
	verbose bool
}

// New creates an exporter that writes to stderr.
func New(opts ...Option) *Exporter {
	cfg := &config{w: os.Stderr}
	for _, opt := range opts {
		opt(cfg)
	}
	return &Exporter{w: cfg.w, verbose: cfg.verbose}
}

// Send prints every record of batch.
func (e *Exporter) Send(ctx context.Context, batch []faults.Record) error {
	var b strings.Builder
	for _, rec := range batch {
		e.format(&b, rec)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := io.WriteString(e.w, b.String()); err != nil {
		return fmt.Errorf("stderr: write batch: %w", err)
	}
	return nil
}

// format renders one record:
//
//	[FAULTS] <timestamp> <SEVERITY> <kind> in <origin> (<context>)
func (e *Exporter) format(b *strings.Builder, rec faults.Record) {
	timestamp := rec.Timestamp.Format("2006-01-02T15:04:05Z07:00")
	fmt.Fprintf(b, "[FAULTS] %s %s %s in %s (%s)\n", timestamp, rec.Severity, rec.Detail.Kind, rec.Origin, rec.Context)

	if rec.Message != "" {
		fmt.Fprintf(b, "        Message: %s\n", rec.Message)
	}
	if rec.Detail.Fingerprint != "" {
		fmt.Fprintf(b, "        Fingerprint: %s\n", rec.Detail.Fingerprint)
	}
	if rec.Severity == faults.SeverityFatal {
		fmt.Fprintf(b, "        Runtime: %d goroutines, %d bytes, up %dms\n",
			rec.Runtime.GoroutineCount, rec.Runtime.MemoryBytes, rec.Runtime.UptimeMs)
	}

	if e.verbose && rec.Detail.Stack != "" {
		b.WriteString("        Stack trace:\n")
		for _, line := range strings.Split(strings.TrimRight(rec.Detail.Stack, "\n"), "\n") {
			fmt.Fprintf(b, "          %s\n", line)
		}
	}
}

// Write implements faults.Fallback.
func (e *Exporter) Write(sev faults.Severity, message string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	// A failing fallback has nowhere left to report to.
	_, _ = fmt.Fprintf(e.w, "[FAULTS] %s %s\n", sev, message)
}

// Close is a no-op for the stderr exporter.
func (e *Exporter) Close() error {
	return nil
}

var (
	_ faults.Exporter = (*Exporter)(nil)
	_ faults.Fallback = (*Exporter)(nil)
)

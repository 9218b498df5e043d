// Package noop provides an exporter that discards all records.
// Useful for testing and for disabling export.
package noop

import (
	"context"

	"github.com/strongdm/ai-cxdb-faults/pkg/faults"
)

// Exporter discards all records.
type Exporter struct{}

// New creates an exporter that discards all records.
func New() *Exporter {
	return &Exporter{}
}

// Send discards the batch and returns nil.
func (Exporter) Send(ctx context.Context, batch []faults.Record) error {
	return nil
}

// Close is a no-op and returns nil.
func (Exporter) Close() error {
	return nil
}

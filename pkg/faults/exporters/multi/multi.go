// Package multi provides an exporter that fans a batch out to several
// exporters. All exporters receive every batch; errors are aggregated.
package multi

import (
	"context"
	"errors"

	"github.com/strongdm/ai-cxdb-faults/pkg/faults"
)

// Exporter fans out to multiple exporters.
type Exporter struct {
	exporters []faults.Exporter
}

// New creates an exporter that sends to every one of exporters.
// Errors are aggregated via errors.Join.
func New(exporters ...faults.Exporter) *Exporter {
	return &Exporter{exporters: exporters}
}

// Send delivers batch to every exporter, even if some fail. The batch
// counts as failed when any exporter fails.
func (e *Exporter) Send(ctx context.Context, batch []faults.Record) error {
	var errs []error
	for _, exp := range e.exporters {
		if err := exp.Send(ctx, batch); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every exporter, collecting any errors.
func (e *Exporter) Close() error {
	var errs []error
	for _, exp := range e.exporters {
		if err := exp.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

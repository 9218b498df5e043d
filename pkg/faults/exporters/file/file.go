// Package file provides an exporter that appends records as JSON lines to
// a size-rotated file.
package file

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/strongdm/ai-cxdb-faults/pkg/faults"
	"github.com/strongdm/ai-cxdb-faults/pkg/faults/exporters/wire"
)

// Config controls rotation. Zero values use lumberjack's defaults.
type Config struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Exporter writes one JSON object per line.
type Exporter struct {
	mu sync.Mutex
	lj *lumberjack.Logger
}

// New creates an exporter writing to cfg.Path. The file is opened on the
// first Send.
func New(cfg Config) (*Exporter, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("file: path is required")
	}
	return &Exporter{lj: &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}}, nil
}

// Send writes the batch with a single write, so a batch is never split
// across a rotation.
func (e *Exporter) Send(ctx context.Context, batch []faults.Record) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range batch {
		if err := enc.Encode(wire.FromRecord(rec)); err != nil {
			return fmt.Errorf("file: encode record %s: %w", rec.ID, err)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.lj.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("file: write %d records: %w", len(batch), err)
	}
	return nil
}

// Rotate closes the current file and starts a new one.
func (e *Exporter) Rotate() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lj.Rotate()
}

// Close closes the file.
func (e *Exporter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lj.Close()
}

// Package cxdb provides an exporter that persists records to cxdb as
// SystemMessage items.
package cxdb

import (
	"context"
	"fmt"
	"strconv"

	cxdbclient "github.com/strongdm/ai-cxdb/clients/go"
	cxdtypes "github.com/strongdm/ai-cxdb/clients/go/types"

	"github.com/strongdm/ai-cxdb-faults/pkg/faults"
	"github.com/strongdm/ai-cxdb-faults/pkg/faults/exporters/wire"
)

// ContextIDAttribute names the record attribute that links a record to an
// existing cxdb context. Records without it go to an orphan context.
const ContextIDAttribute = "cxdb.context_id"

// Client is the minimal interface for cxdb client operations.
// The real *cxdb.Client satisfies this interface.
type Client interface {
	CreateContext(ctx context.Context, baseTurnID uint64) (*cxdbclient.ContextHead, error)
	AppendTurn(ctx context.Context, req *cxdbclient.AppendRequest) (*cxdbclient.AppendResult, error)
}

// Option configures the cxdb exporter.
type Option func(*config)

type config struct {
	orphanLabels []string
	clientTag    string
}

// WithOrphanLabels sets labels for orphan fault contexts.
func WithOrphanLabels(labels []string) Option {
	return func(c *config) {
		c.orphanLabels = labels
	}
}

// WithClientTag sets the client tag for orphan contexts.
func WithClientTag(tag string) Option {
	return func(c *config) {
		c.clientTag = tag
	}
}

// Exporter writes records to cxdb.
type Exporter struct {
	client       Client
	orphanLabels []string
	clientTag    string
}

// New creates an exporter that writes to cxdb.
func New(client Client, opts ...Option) *Exporter {
	cfg := &config{
		orphanLabels: []string{"fault", "unlinked"},
		clientTag:    "faults",
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return &Exporter{
		client:       client,
		orphanLabels: cfg.orphanLabels,
		clientTag:    cfg.clientTag,
	}
}

// Send appends every record as one turn. Unlinked records of a batch share
// a single orphan context, created on first use. Record IDs are used as
// idempotency keys, so a retried batch does not duplicate turns.
func (e *Exporter) Send(ctx context.Context, batch []faults.Record) error {
	var orphanID uint64
	for _, rec := range batch {
		contextID, linked := linkedContext(rec)
		isOrphanHead := false
		if !linked {
			if orphanID == 0 {
				head, err := e.client.CreateContext(ctx, 0)
				if err != nil {
					return fmt.Errorf("create orphan context: %w", err)
				}
				orphanID = head.ContextID
				isOrphanHead = true
			}
			contextID = orphanID
		}

		if err := e.append(ctx, contextID, rec, isOrphanHead); err != nil {
			return fmt.Errorf("record %s: %w", rec.ID, err)
		}
	}
	return nil
}

func (e *Exporter) append(ctx context.Context, contextID uint64, rec faults.Record, isOrphanHead bool) error {
	item, err := e.buildConversationItem(rec, isOrphanHead)
	if err != nil {
		return err
	}

	// Encode to msgpack using the official cxdb encoder.
	payload, err := cxdbclient.EncodeMsgpack(item)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	req := &cxdbclient.AppendRequest{
		ContextID:      contextID,
		ParentTurnID:   0,
		TypeID:         cxdtypes.TypeIDConversationItem,
		TypeVersion:    cxdtypes.TypeVersionConversationItem,
		Payload:        payload,
		IdempotencyKey: rec.ID,
	}
	if _, err := e.client.AppendTurn(ctx, req); err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

// buildConversationItem creates a canonical ConversationItem from a Record.
func (e *Exporter) buildConversationItem(rec faults.Record, isOrphanHead bool) (*cxdtypes.ConversationItem, error) {
	details, err := wire.Marshal(wire.JSON, rec)
	if err != nil {
		return nil, fmt.Errorf("encode details: %w", err)
	}

	item := &cxdtypes.ConversationItem{
		ItemType:  cxdtypes.ItemTypeSystem,
		Status:    cxdtypes.ItemStatusComplete,
		Timestamp: rec.Timestamp.UnixMilli(),
		ID:        rec.ID,
		System: &cxdtypes.SystemMessage{
			Kind:    cxdtypes.SystemKindError,
			Title:   title(rec),
			Content: string(details),
		},
	}

	// cxdb expects context metadata on the first turn of a context.
	if isOrphanHead {
		item.ContextMetadata = &cxdtypes.ContextMetadata{
			Labels:    e.orphanLabels,
			ClientTag: e.clientTag,
		}
	}
	return item, nil
}

// title renders "kind: message", truncated to 100 characters.
func title(rec faults.Record) string {
	const maxMsgLen = 80
	t := rec.Detail.Kind
	if rec.Message != "" {
		msg := rec.Message
		if len(msg) > maxMsgLen {
			msg = msg[:maxMsgLen] + "..."
		}
		t += ": " + msg
	}
	if len(t) > 100 {
		t = t[:97] + "..."
	}
	return t
}

func linkedContext(rec faults.Record) (uint64, bool) {
	v, ok := rec.Attr(ContextIDAttribute)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseUint(v, 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}

// Close is a no-op; the caller owns the client.
func (e *Exporter) Close() error {
	return nil
}

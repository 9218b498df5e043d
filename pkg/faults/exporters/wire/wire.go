// Package wire defines the serialized form of a Record shared by the
// exporters. JSON and CBOR use the same field names.
package wire

import (
	"encoding/json"
	"fmt"
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"github.com/strongdm/ai-cxdb-faults/pkg/faults"
)

// Record is the exported shape of a faults.Record.
type Record struct {
	ID          string            `json:"id" cbor:"id"`
	Sequence    uint64            `json:"sequence" cbor:"sequence"`
	Timestamp   int64             `json:"timestamp" cbor:"timestamp"` // unix milliseconds
	Severity    string            `json:"severity" cbor:"severity"`
	Context     string            `json:"context" cbor:"context"`
	Origin      string            `json:"origin" cbor:"origin"`
	Message     string            `json:"message" cbor:"message"`
	Kind        string            `json:"kind" cbor:"kind"`
	Type        string            `json:"type,omitempty" cbor:"type,omitempty"`
	Stack       string            `json:"stack_trace,omitempty" cbor:"stack_trace,omitempty"`
	Fingerprint string            `json:"fingerprint" cbor:"fingerprint"`
	Host        string            `json:"host" cbor:"host"`
	Runtime     *Runtime          `json:"runtime,omitempty" cbor:"runtime,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty" cbor:"attributes,omitempty"`
}

// Runtime is present on FATAL records only.
type Runtime struct {
	MemoryBytes    int64 `json:"memory_bytes" cbor:"memory_bytes"`
	GoroutineCount int   `json:"goroutine_count" cbor:"goroutine_count"`
	UptimeMs       int64 `json:"uptime_ms" cbor:"uptime_ms"`
}

// FromRecord converts rec to its wire form.
func FromRecord(rec faults.Record) Record {
	w := Record{
		ID:          rec.ID,
		Sequence:    rec.Sequence,
		Timestamp:   rec.Timestamp.UnixMilli(),
		Severity:    rec.Severity.String(),
		Context:     rec.Context.String(),
		Origin:      rec.Origin,
		Message:     rec.Message,
		Kind:        rec.Detail.Kind,
		Type:        rec.Detail.Type,
		Stack:       rec.Detail.Stack,
		Fingerprint: rec.Detail.Fingerprint,
		Host:        rec.Host,
		Attributes:  rec.Attributes(),
	}
	if rec.Severity == faults.SeverityFatal {
		w.Runtime = &Runtime{
			MemoryBytes:    rec.Runtime.MemoryBytes,
			GoroutineCount: rec.Runtime.GoroutineCount,
			UptimeMs:       rec.Runtime.UptimeMs,
		}
	}
	return w
}

// FromBatch converts every record of batch.
func FromBatch(batch []faults.Record) []Record {
	out := make([]Record, len(batch))
	for i, rec := range batch {
		out[i] = FromRecord(rec)
	}
	return out
}

// Format selects the batch encoding.
type Format int

const (
	// JSON encodes a batch as a JSON array.
	JSON Format = iota

	// CBOR encodes a batch as a CBOR array using core deterministic encoding.
	CBOR
)

// String returns the format name.
func (f Format) String() string {
	switch f {
	case JSON:
		return "json"
	case CBOR:
		return "cbor"
	default:
		return fmt.Sprintf("Format(%d)", int(f))
	}
}

// ContentType returns the media type of the encoding.
func (f Format) ContentType() string {
	if f == CBOR {
		return "application/cbor"
	}
	return "application/json"
}

// ParseFormat parses "json" or "cbor".
func ParseFormat(s string) (Format, error) {
	switch s {
	case "json", "":
		return JSON, nil
	case "cbor":
		return CBOR, nil
	default:
		return JSON, fmt.Errorf("wire: unknown format %q", s)
	}
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("wire: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("wire: CBOR decoder initialization failed: " + err.Error())
	}
}

// Encode writes batch to w in format f.
func Encode(w io.Writer, f Format, batch []faults.Record) error {
	records := FromBatch(batch)
	switch f {
	case CBOR:
		return encMode.NewEncoder(w).Encode(records)
	default:
		return json.NewEncoder(w).Encode(records)
	}
}

// Marshal encodes a single record in format f.
func Marshal(f Format, rec faults.Record) ([]byte, error) {
	w := FromRecord(rec)
	if f == CBOR {
		return encMode.Marshal(w)
	}
	return json.Marshal(w)
}

// Decode reads a batch written by Encode.
func Decode(r io.Reader, f Format) ([]Record, error) {
	var records []Record
	var err error
	switch f {
	case CBOR:
		err = decMode.NewDecoder(r).Decode(&records)
	default:
		err = json.NewDecoder(r).Decode(&records)
	}
	if err != nil {
		return nil, fmt.Errorf("wire: decode %s batch: %w", f, err)
	}
	return records, nil
}

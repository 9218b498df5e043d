// record.go defines the immutable Record produced for every captured fault.

package faults

import (
	"fmt"
	"maps"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap/zapcore"
)

// Severity indicates how bad a captured fault is.
type Severity int

const (
	// SeverityInfo is informational; fault capture never uses it.
	SeverityInfo Severity = iota

	// SeverityWarning indicates a non-fatal issue that may need attention.
	SeverityWarning

	// SeverityError is used for failures captured around an explicit call.
	SeverityError

	// SeverityFatal is used for faults that reached the top of an
	// execution context.
	SeverityFatal
)

var severityNames = [...]string{"INFO", "WARNING", "ERROR", "FATAL"}

// String returns the upper-case name of the severity.
func (s Severity) String() string {
	if s < SeverityInfo || s > SeverityFatal {
		return fmt.Sprintf("Severity(%d)", int(s))
	}
	return severityNames[s]
}

// MarshalText implements encoding.TextMarshaler.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Severity) UnmarshalText(text []byte) error {
	name := strings.ToUpper(string(text))
	for i, n := range severityNames {
		if n == name {
			*s = Severity(i)
			return nil
		}
	}
	return fmt.Errorf("faults: unknown severity %q", text)
}

// ZapLevel maps the severity onto a zap level. FATAL maps to ErrorLevel:
// zap's FatalLevel terminates the process, which capture must never do.
func (s Severity) ZapLevel() zapcore.Level {
	switch s {
	case SeverityInfo:
		return zapcore.InfoLevel
	case SeverityWarning:
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}

// Detail describes the failure itself.
type Detail struct {
	// Kind categorizes the fault (panic, runtime_error, error, timeout, canceled).
	Kind string

	// Type is the Go type of the panic value or error.
	Type string

	// Stack is the rendered goroutine stack at capture time.
	Stack string

	// Fingerprint groups similar faults.
	Fingerprint string
}

// RuntimeState captures process metrics at the time of a fatal fault.
type RuntimeState struct {
	MemoryBytes    int64
	GoroutineCount int
	UptimeMs       int64
}

// Record is one captured fault. Records are values: they are copied, never
// shared by pointer, and no component modifies one after NewRecord returns.
type Record struct {
	// ID is a unique identifier (UUID).
	ID string

	// Sequence increases monotonically across the process and orders
	// records independently of the wall clock.
	Sequence uint64

	// Timestamp is the capture time. It carries Go's monotonic reading.
	Timestamp time.Time

	Severity Severity

	// Context is the kind of execution context that raised the fault.
	Context ContextKind

	// Origin names the raising context: "main" or a worker name.
	Origin string

	// Message is the human-readable summary.
	Message string

	Detail Detail

	// Host is the hostname of the capturing process.
	Host string

	// Runtime is populated for FATAL records only.
	Runtime RuntimeState

	// attrs is shared by every copy of the Record and never written after
	// NewRecord.
	attrs map[string]string
}

// Attr returns a single attribute.
func (r Record) Attr(key string) (string, bool) {
	v, ok := r.attrs[key]
	return v, ok
}

// Attributes returns a copy of the free-form labels, or nil if there are none.
func (r Record) Attributes() map[string]string {
	return maps.Clone(r.attrs)
}

var (
	recordSequence atomic.Uint64
	hostName       = func() string {
		h, _ := os.Hostname() // empty hostname is acceptable
		return h
	}()
)

// RecordSpec holds the inputs of NewRecord.
type RecordSpec struct {
	Severity   Severity
	Context    ContextKind
	Origin     string
	Message    string
	Detail     Detail
	Runtime    RuntimeState
	Attributes map[string]string
}

// NewRecord stamps identity, sequence, time and host onto spec and returns
// the finished Record. A missing fingerprint is computed.
func NewRecord(spec RecordSpec) Record {
	rec := Record{
		ID:         uuid.NewString(),
		Sequence:   recordSequence.Add(1),
		Timestamp:  time.Now(),
		Severity:   spec.Severity,
		Context:    spec.Context,
		Origin:     spec.Origin,
		Message:    spec.Message,
		Detail:     spec.Detail,
		Host:       hostName,
		Runtime:    spec.Runtime,
		attrs:      maps.Clone(spec.Attributes),
	}
	if rec.Origin == "" {
		rec.Origin = MainOrigin
	}
	if rec.Detail.Fingerprint == "" {
		rec.Detail.Fingerprint = Fingerprint(rec)
	}
	return rec
}

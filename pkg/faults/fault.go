// fault.go defines what a hook receives and how failures are classified.

package faults

import (
	"context"
	"errors"
	"fmt"
	"runtime"
)

// ContextKind distinguishes the primary execution context from workers.
type ContextKind int

const (
	// Primary is the goroutine running main.
	Primary ContextKind = iota

	// Worker is any goroutine started on behalf of the application.
	Worker

	numContextKinds
)

// MainOrigin is the origin recorded for faults raised in the primary context.
const MainOrigin = "main"

func (k ContextKind) String() string {
	switch k {
	case Primary:
		return "primary"
	case Worker:
		return "worker"
	default:
		return fmt.Sprintf("ContextKind(%d)", int(k))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k ContextKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k ContextKind) valid() bool {
	return k >= Primary && k < numContextKinds
}

// Fault is an unhandled failure that reached the top of an execution
// context and is being dispatched through a hook chain.
type Fault struct {
	Context ContextKind

	// Origin names the context: MainOrigin or the worker's name.
	Origin string

	// Value is the recovered panic value.
	Value any

	// Stack is the goroutine stack captured at recovery.
	Stack []byte

	// hops counts Dispatch calls made with this fault.
	hops int
}

// Message renders the fault value as text.
func (f Fault) Message() string {
	return formatRecovered(f.Value)
}

// PanicError carries a recovered panic value back to a caller as an error.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return "panic: " + formatRecovered(e.Value)
}

// Unwrap exposes the panic value when it is itself an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// formatRecovered formats a recovered panic value as a string.
func formatRecovered(recovered any) string {
	if recovered == nil {
		return "<nil>"
	}
	if err, ok := recovered.(error); ok {
		return err.Error()
	}
	return fmt.Sprintf("%v", recovered)
}

// classify determines the fault kind of a panic value or error.
func classify(v any) string {
	if pe, ok := v.(*PanicError); ok {
		v = pe.Value
		if _, isErr := v.(error); !isErr {
			return "panic"
		}
	}

	err, ok := v.(error)
	if !ok {
		return "panic"
	}

	var rtErr runtime.Error
	switch {
	case errors.As(err, &rtErr):
		return "runtime_error"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	return "error"
}

// typeName returns the Go type of a panic value or error.
func typeName(v any) string {
	if pe, ok := v.(*PanicError); ok {
		v = pe.Value
	}
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%T", v)
}

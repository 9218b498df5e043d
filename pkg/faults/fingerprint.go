// fingerprint.go generates stable hashes for grouping similar faults.

package faults

import (
	"crypto/sha256"
	"encoding/hex"
	"reflect"
	"regexp"
	"strings"
)

// Fingerprint generates a hash for grouping similar faults.
// The fingerprint is based on:
//   - context kind, fault kind and Go type
//   - the first 3 application stack frames (function names only)
//
// It ignores variable data like timestamps, IDs, messages, origins,
// line numbers and memory addresses.
func Fingerprint(rec Record) string {
	parts := []string{rec.Context.String(), rec.Detail.Kind, rec.Detail.Type}
	parts = append(parts, normalizeStackTrace(rec.Detail.Stack)...)

	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))

	// Return hex-encoded first 16 bytes (32 hex chars)
	return hex.EncodeToString(hash[:16])
}

// funcNamePattern matches "pkg/path.Func", "pkg.(*T).Method" and closures
// like "main.main.func1" at the start of a frame line.
var funcNamePattern = regexp.MustCompile(`^([\w./-]+\.(?:\(\*?\w+\)\.)?\w+)`)

// ownFramePrefix is the function-name prefix of frames inside this package.
var ownFramePrefix = reflect.TypeOf(Record{}).PkgPath() + "."

// normalizeStackTrace extracts the first 3 application function names from a
// goroutine dump. Runtime frames and frames of this package are skipped so
// that the recovery machinery does not make every fingerprint identical.
func normalizeStackTrace(trace string) []string {
	if trace == "" {
		return nil
	}

	var frames []string
	for _, line := range strings.Split(trace, "\n") {
		// File path lines are indented with a tab.
		if strings.HasPrefix(line, "\t") {
			continue
		}
		line = strings.TrimSpace(line)
		if line == "" ||
			strings.HasPrefix(line, "goroutine ") ||
			strings.HasPrefix(line, "created by ") ||
			strings.HasPrefix(line, "/") {
			continue
		}

		fn := funcNamePattern.FindString(line)
		if fn == "" || isRuntimeFrame(fn) || strings.HasPrefix(fn, ownFramePrefix) {
			continue
		}
		frames = append(frames, fn)
		if len(frames) >= 3 {
			break
		}
	}

	return frames
}

func isRuntimeFrame(fn string) bool {
	return strings.HasPrefix(fn, "runtime.") || strings.HasPrefix(fn, "runtime/")
}

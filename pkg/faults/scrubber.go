// scrubber.go implements fail-closed redaction of captured fault data.

package faults

import (
	"encoding/json"
	"regexp"
	"strings"
)

// ScrubberConfig controls scrubbing behavior.
type ScrubberConfig struct {
	// SensitiveKeys contains additional case-insensitive substrings that mark
	// an attribute key as sensitive.
	SensitiveKeys []string

	// MaxMessageSize is the maximum length for messages (default: 4096).
	MaxMessageSize int

	// MaxStackTraceSize is the maximum length for stack traces (default: 32768).
	MaxStackTraceSize int

	// MaxAttributeSize is the maximum length of one attribute value (default: 1024).
	MaxAttributeSize int

	// MaxJSONAttributeSize is the maximum length of an attribute value holding
	// a JSON object or array (default: 16384).
	MaxJSONAttributeSize int

	// ScrubMessages enables scrubbing of messages for secrets/PII (default: true).
	ScrubMessages bool
}

// DefaultScrubberConfig returns production-safe defaults.
func DefaultScrubberConfig() ScrubberConfig {
	return ScrubberConfig{
		MaxMessageSize:       4096,
		MaxStackTraceSize:    32768,
		MaxAttributeSize:     1024,
		MaxJSONAttributeSize: 16384,
		ScrubMessages:        true,
	}
}

// Compiled once at package init.
var messageScrubPatterns = []*regexp.Regexp{
	// API keys and tokens
	regexp.MustCompile(`(?i)(api[_-]?key|token)[=:\s]+['"]?[\w\-\.]+['"]?`),
	regexp.MustCompile(`(?i)(authorization|bearer|basic)[=:\s]+['"]?(?:(?:bearer|basic)\s+)?[\w\-\.=+/]+['"]?`),
	regexp.MustCompile(`(?i)sk-[a-zA-Z0-9_-]{20,}`),                                // OpenAI-style keys
	regexp.MustCompile(`(?i)gh[po]_[a-zA-Z0-9]{36}`),                               // GitHub tokens
	regexp.MustCompile(`(?i)github_pat_[a-zA-Z0-9_]{22,}`),                         // GitHub PAT
	regexp.MustCompile(`(?i)xox[baprs]-[a-zA-Z0-9\-]{10,}`),                        // Slack tokens
	regexp.MustCompile(`(?i)eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`), // JWT

	// Credentials
	regexp.MustCompile(`(?i)(password|passwd|secret|credential)[=:\s]+['"]?[^\s'",]+['"]?`),

	// PII
	regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`), // Email
	regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),                              // SSN
	regexp.MustCompile(`\b\d{4}[\s-]?\d{4}[\s-]?\d{4}[\s-]?\d{4}\b`),        // Credit card
}

var defaultSensitiveKeys = []string{
	"token",
	"key",
	"secret",
	"password",
	"credential",
	"auth",
	"passwd",
}

var (
	pathNormalizationPatterns = []*regexp.Regexp{
		regexp.MustCompile(`/home/[^/]+/`),
		regexp.MustCompile(`/Users/[^/]+/`),
		regexp.MustCompile(`C:\\Users\\[^\\]+\\`),
		regexp.MustCompile(`/tmp/[^/]+/`),
	}
	memAddrPattern = regexp.MustCompile(`0x[0-9a-fA-F]+`)
)

// Scrubber redacts sensitive data from records before they leave the process.
type Scrubber struct {
	cfg  ScrubberConfig
	keys []string
}

// NewScrubber creates a new scrubber with the given configuration.
func NewScrubber(cfg ScrubberConfig) *Scrubber {
	keys := append([]string(nil), defaultSensitiveKeys...)
	for _, k := range cfg.SensitiveKeys {
		keys = append(keys, strings.ToLower(k))
	}
	return &Scrubber{cfg: cfg, keys: keys}
}

// ScrubMessage scrubs sensitive patterns from a message.
func (s *Scrubber) ScrubMessage(msg string) string {
	if len(msg) > s.cfg.MaxMessageSize {
		msg = truncateWithMarker(msg, s.cfg.MaxMessageSize)
	}
	if !s.cfg.ScrubMessages {
		return msg
	}

	for _, pattern := range messageScrubPatterns {
		msg = pattern.ReplaceAllString(msg, "[REDACTED]")
	}
	return msg
}

// ScrubAttributes redacts sensitive keys and truncates long values.
// The input map is never modified.
func (s *Scrubber) ScrubAttributes(attrs map[string]string) map[string]string {
	if attrs == nil {
		return nil
	}

	result := make(map[string]string, len(attrs))
	for key, value := range attrs {
		if s.isSensitiveKey(key) {
			result[key] = "[REDACTED]"
			continue
		}
		if scrubbed, ok := s.scrubJSONAttribute(value); ok {
			result[key] = scrubbed
			continue
		}
		result[key] = truncateWithMarker(value, s.cfg.MaxAttributeSize)
	}
	return result
}

// scrubJSONAttribute scrubs a value holding a JSON object or array field by
// field. An oversized array loses its leading elements so the result stays
// valid JSON. ok is false when value is not JSON.
func (s *Scrubber) scrubJSONAttribute(value string) (string, bool) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" || (trimmed[0] != '{' && trimmed[0] != '[') {
		return "", false
	}
	var data any
	if err := json.Unmarshal([]byte(trimmed), &data); err != nil {
		return "", false
	}

	data = s.scrubJSONValue(data)
	out, err := json.Marshal(data)
	if err != nil {
		return "[REDACTED:SCRUB_ERROR]", true
	}

	limit := s.cfg.MaxJSONAttributeSize
	if limit <= 0 || len(out) <= limit {
		return string(out), true
	}
	if arr, isArray := data.([]any); isArray {
		for len(arr) > 0 && len(out) > limit {
			arr = arr[1:]
			if out, err = json.Marshal(arr); err != nil {
				return "[REDACTED:SCRUB_ERROR]", true
			}
		}
		if len(out) <= limit {
			return string(out), true
		}
	}
	return truncateWithMarker(string(out), limit), true
}

func (s *Scrubber) scrubJSONValue(val any) any {
	switch v := val.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, value := range v {
			// Counters such as prompt_tokens are kept.
			switch value.(type) {
			case float64, bool, nil:
				out[key] = value
				continue
			}
			if s.isSensitiveKey(key) {
				out[key] = "[REDACTED]"
				continue
			}
			out[key] = s.scrubJSONValue(value)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, value := range v {
			out[i] = s.scrubJSONValue(value)
		}
		return out
	case string:
		return s.ScrubMessage(v)
	default:
		return v
	}
}

// ScrubStackTrace normalizes user paths, hides addresses and limits size.
func (s *Scrubber) ScrubStackTrace(trace string) string {
	if trace == "" {
		return trace
	}

	result := trace
	for _, pattern := range pathNormalizationPatterns {
		result = pattern.ReplaceAllString(result, "/[PATH]/")
	}
	result = memAddrPattern.ReplaceAllString(result, "0x...")

	return truncateWithMarker(result, s.cfg.MaxStackTraceSize)
}

func (s *Scrubber) isSensitiveKey(key string) bool {
	keyLower := strings.ToLower(key)
	for _, pattern := range s.keys {
		if strings.Contains(keyLower, pattern) {
			return true
		}
	}
	return false
}

// truncateWithMarker truncates a string and adds a truncation marker.
// A non-positive maxLen disables truncation.
func truncateWithMarker(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	const marker = "...[TRUNCATED]"
	if maxLen <= len(marker) {
		return marker[:maxLen]
	}
	return s[:maxLen-len(marker)] + marker
}

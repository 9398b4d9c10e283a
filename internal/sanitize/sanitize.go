// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package sanitize scrubs secrets out of any string before it reaches a log
// sink or a client-visible error body. The proxy logs and forwards raw
// upstream bodies, so scrubbing is pattern-based rather than keyed to a
// fixed set of sensitive header names.
package sanitize

import (
	"regexp"
	"strings"
)

const redacted = "[REDACTED]"

var patterns = []*regexp.Regexp{
	// Authorization: Bearer <token>
	regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9\-._~+/]{8,}=*`),
	// JWT-like three-dot-separated base64url sequences.
	regexp.MustCompile(`\b[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\b`),
	// SAP-AI-Core-style deployment ids and other long alphanumeric runs.
	regexp.MustCompile(`\b[A-Za-z0-9]{24,}\b`),
}

// String removes NUL bytes and replaces anything matching a secret pattern
// with a redaction marker. It is idempotent: sanitize(sanitize(x)) == sanitize(x).
func String(s string) string {
	s = stripNUL(s)
	for _, p := range patterns {
		s = p.ReplaceAllString(s, redacted)
	}
	return s
}

// StripNUL removes NUL bytes from s without applying any redaction. The
// validation gate uses it on request input, where redaction markers must
// never be injected into what the model sees.
func StripNUL(s string) string { return stripNUL(s) }

func stripNUL(s string) string {
	if !strings.ContainsRune(s, 0) {
		return s
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// Recursive walks an arbitrary JSON-decoded value (map/slice/string/...)
// removing NUL bytes from every string found, recursively, as required by
// the validation gate's input sanitization step. It returns a new value;
// the input is not mutated in place for map/slice values since Go maps and
// slices backing arrays are shared, but string replacement always allocates
// a new string so no aliasing hazard exists for the leaves.
func Recursive(v any) any {
	switch t := v.(type) {
	case string:
		return stripNUL(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[stripNUL(k)] = Recursive(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = Recursive(val)
		}
		return out
	default:
		return v
	}
}

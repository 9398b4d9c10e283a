// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package localauth generates, persists, and validates the single local
// bearer API key clients must present on every non-health request. The key
// is minted on first startup, written to a fixed owner-only file, and
// compared in constant time on every request.
package localauth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"sync"
)

const (
	keyPrefix   = "aicp-"
	randomBytes = 32
	// keyLength is the fixed total length of a generated key: the prefix
	// plus the URL-safe-base64 encoding of randomBytes bytes (no padding).
	keyLength = len(keyPrefix) + 43
)

// Authority owns the local API key's lifecycle: generate-or-load once,
// persist to a fixed, owner-only file, and validate incoming requests in
// constant time.
type Authority struct {
	path string

	once sync.Once
	key  string
	err  error
}

// New creates an Authority backed by the file at path.
func New(path string) *Authority {
	return &Authority{path: path}
}

// EnsureInitialized generates a key (if the file doesn't already contain
// one) and persists it with owner-only permissions, exactly once per
// process regardless of how many goroutines call concurrently.
func (a *Authority) EnsureInitialized() error {
	a.once.Do(func() {
		a.key, a.err = a.loadOrGenerate()
	})
	return a.err
}

func (a *Authority) loadOrGenerate() (string, error) {
	if existing, ok := readExistingKey(a.path); ok {
		return existing, nil
	}
	key, err := generateKey()
	if err != nil {
		return "", fmt.Errorf("localauth: generating key: %w", err)
	}
	if err := persistKey(a.path, key); err != nil {
		return "", fmt.Errorf("localauth: persisting key: %w", err)
	}
	return key, nil
}

func generateKey() (string, error) {
	buf := make([]byte, randomBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return keyPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

func readExistingKey(path string) (string, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		k, v, ok := strings.Cut(line, "=")
		if !ok || k != "API_KEY" {
			continue
		}
		v = strings.Trim(v, `"`)
		if v != "" {
			return v, true
		}
	}
	return "", false
}

func persistKey(path, key string) error {
	content := fmt.Sprintf("API_KEY=%q\n", key)
	return os.WriteFile(path, []byte(content), 0o600)
}

// Validate reports whether provided matches the initialized key. It runs
// in time proportional to len(provided): on length mismatch it returns
// immediately (there is nothing to compare a variable-length value
// against in constant time), but whenever lengths match, comparison uses
// subtle.ConstantTimeCompare so no content-dependent timing signal leaks.
func (a *Authority) Validate(provided string) bool {
	if len(provided) != len(a.key) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(a.key)) == 1
}

// Masked returns the key with all but its prefix and last 4 characters
// replaced, suitable for startup log lines.
func (a *Authority) Masked() string {
	if len(a.key) < len(keyPrefix)+4 {
		return strings.Repeat("*", len(a.key))
	}
	tail := a.key[len(a.key)-4:]
	return keyPrefix + strings.Repeat("*", len(a.key)-len(keyPrefix)-4) + tail
}

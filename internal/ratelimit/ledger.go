// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package ratelimit implements the per-model adaptive rate-limit ledger:
// a NORMAL/RATE_LIMITED/RECOVERING state machine with exponential backoff,
// additive jitter, and a bounded retry budget. State persists across
// requests so concurrent callers against a throttled model share one
// backoff schedule instead of each discovering the 429 on their own.
package ratelimit

import (
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// State is one of the ledger's three per-model states.
type State int

const (
	Normal State = iota
	RateLimited
	Recovering
)

func (s State) String() string {
	switch s {
	case Normal:
		return "NORMAL"
	case RateLimited:
		return "RATE_LIMITED"
	case Recovering:
		return "RECOVERING"
	default:
		return "UNKNOWN"
	}
}

// Exhausted is returned by Admit when a model may not be called: either
// its retry budget has been spent (the model then stays closed until a
// success or Reset, even after the next-retry instant passes), or its
// next-retry instant still lies in the future.
type Exhausted struct {
	Model     string
	WaitUntil time.Time
}

func (e *Exhausted) Error() string {
	return fmt.Sprintf("model %q rate limit exhausted, retry after %s", e.Model, e.WaitUntil)
}

// SecondsUntilRetry returns the non-negative whole-second wait recommended
// to the client.
func (e *Exhausted) SecondsUntilRetry(now time.Time) int {
	d := e.WaitUntil.Sub(now)
	if d < 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}

// Config holds the thresholds read once at startup from environment.
type Config struct {
	MaxRetries      int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
	JitterFactor    float64
}

type entry struct {
	mu             sync.Mutex
	state          State
	rateLimitStart time.Time
	nextRetry      time.Time
	retryCount     int
}

// Ledger is the per-model rate-limit state store. The hot path (Admit,
// RecordSuccess) never holds the top-level mutex across a suspension
// point: the top-level mutex only ever guards map insertion, and each
// model's transitions are serialized by its own entry mutex.
type Ledger struct {
	cfg Config
	now func() time.Time
	// jitter returns a value in [0,1); overridable in tests for determinism.
	jitter func() float64

	mu      sync.Mutex
	entries map[string]*entry
}

// New creates a Ledger with the given configuration.
func New(cfg Config) *Ledger {
	return &Ledger{
		cfg:     cfg,
		now:     time.Now,
		jitter:  rand.Float64,
		entries: make(map[string]*entry),
	}
}

func (l *Ledger) getOrCreate(model string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[model]
	if !ok {
		e = &entry{state: Normal}
		l.entries[model] = e
	}
	return e
}

// CanRetry reports whether an upstream call for model may proceed: true
// when NORMAL, or when the model's next-retry instant has passed and its
// retry budget is not spent. A model never seen before starts NORMAL.
func (l *Ledger) CanRetry(model string) bool {
	e := l.getOrCreate(model)
	e.mu.Lock()
	defer e.mu.Unlock()
	return l.canRetryLocked(e)
}

func (l *Ledger) canRetryLocked(e *entry) bool {
	if e.state == Normal {
		return true
	}
	if e.retryCount > l.cfg.MaxRetries {
		return false
	}
	return !l.now().Before(e.nextRetry)
}

// Admit is the pipeline's single entry point before any upstream call: it
// returns nil if the call may proceed (CanRetry is true), or an *Exhausted
// error if the model's retry budget is spent or its cooldown hasn't elapsed.
func (l *Ledger) Admit(model string) error {
	e := l.getOrCreate(model)
	e.mu.Lock()
	defer e.mu.Unlock()
	if l.canRetryLocked(e) {
		return nil
	}
	return &Exhausted{Model: model, WaitUntil: e.nextRetry}
}

// RecordRateLimited transitions a model to RATE_LIMITED on a 429 response,
// computing the next-retry instant via exponential backoff with additive
// jitter, honoring a Retry-After header value when it is smaller than the
// computed ceiling. It reports whether the model just became closed
// (retry count exceeded max retries).
func (l *Ledger) RecordRateLimited(model string, retryAfterHeader string) (nextRetry time.Time, closed bool) {
	e := l.getOrCreate(model)
	e.mu.Lock()
	defer e.mu.Unlock()

	now := l.now()
	if e.state == Normal {
		e.rateLimitStart = now
	}
	e.retryCount++
	e.state = RateLimited

	delay := l.computeDelay(e.retryCount)
	next := now.Add(delay)
	if ra, ok := ParseRetryAfter(retryAfterHeader, now); ok && ra.Before(next) {
		next = ra
	}
	e.nextRetry = next

	return e.nextRetry, e.retryCount > l.cfg.MaxRetries
}

// computeDelay implements min(max_delay, base*exponential_base^retryCount + jitter)
// with jitter uniform in [0, delay*jitter_factor].
func (l *Ledger) computeDelay(retryCount int) time.Duration {
	raw := float64(l.cfg.BaseDelay) * math.Pow(l.cfg.ExponentialBase, float64(retryCount))
	j := l.jitter() * raw * l.cfg.JitterFactor
	total := raw + j
	if max := float64(l.cfg.MaxDelay); total > max {
		total = max
	}
	return time.Duration(total)
}

// MarkRecovering transitions RATE_LIMITED to RECOVERING once the pipeline
// has decided to sleep until the next-retry instant and try again. It is a
// no-op from any other state.
func (l *Ledger) MarkRecovering(model string) {
	e := l.getOrCreate(model)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == RateLimited {
		e.state = Recovering
	}
}

// RecordSuccess clears a model's rate-limit state entirely: a successful
// upstream call always returns the model to NORMAL, per the ledger's
// invariant.
func (l *Ledger) RecordSuccess(model string) {
	e := l.getOrCreate(model)
	e.mu.Lock()
	defer e.mu.Unlock()
	resetLocked(e)
}

// Reset restores model to NORMAL with a clean retry budget. Equivalent to
// RecordSuccess; exposed separately for operational/test use.
func (l *Ledger) Reset(model string) {
	l.RecordSuccess(model)
}

func resetLocked(e *entry) {
	e.state = Normal
	e.rateLimitStart = time.Time{}
	e.retryCount = 0
	e.nextRetry = time.Time{}
}

// State reports a model's current state and next-retry instant, e.g. for
// populating a 429 response's seconds-until-retry field.
func (l *Ledger) State(model string) (state State, nextRetry time.Time, retryCount int) {
	e := l.getOrCreate(model)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, e.nextRetry, e.retryCount
}

// ParseRetryAfter parses an HTTP Retry-After header value, which is either
// a non-negative integer number of seconds or an HTTP-date.
func ParseRetryAfter(header string, now time.Time) (time.Time, bool) {
	header = trimSpace(header)
	if header == "" {
		return time.Time{}, false
	}
	if secs, err := strconv.Atoi(header); err == nil {
		if secs < 0 {
			return time.Time{}, false
		}
		return now.Add(time.Duration(secs) * time.Second), true
	}
	if t, err := http.ParseTime(header); err == nil {
		return t, true
	}
	return time.Time{}, false
}

func trimSpace(s string) string {
	for len(s) > 0 && (s[0] == ' ' || s[0] == '\t') {
		s = s[1:]
	}
	for len(s) > 0 && (s[len(s)-1] == ' ' || s[len(s)-1] == '\t') {
		s = s[:len(s)-1]
	}
	return s
}

// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package ratelimit

import (
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLedger() *Ledger {
	l := New(Config{
		MaxRetries:      3,
		BaseDelay:       100 * time.Millisecond,
		MaxDelay:        10 * time.Second,
		ExponentialBase: 2,
		JitterFactor:    0.1,
	})
	l.jitter = func() float64 { return 0 } // deterministic backoff in tests
	return l
}

func TestCanRetry_UnknownModelIsNormal(t *testing.T) {
	l := testLedger()
	require.True(t, l.CanRetry("gpt-5-nano"))
	require.NoError(t, l.Admit("gpt-5-nano"))
}

func TestRecordRateLimited_ComputesExponentialBackoff(t *testing.T) {
	l := testLedger()
	start := time.Now()
	l.now = func() time.Time { return start }

	next, closed := l.RecordRateLimited("gpt-5-nano", "")
	require.False(t, closed)
	// retryCount=1: 100ms * 2^1 = 200ms, zero jitter.
	require.Equal(t, start.Add(200*time.Millisecond), next)

	state, _, count := l.State("gpt-5-nano")
	require.Equal(t, RateLimited, state)
	require.Equal(t, 1, count)
}

func TestRecordRateLimited_DelayGrowsEachCall(t *testing.T) {
	l := testLedger()
	start := time.Now()
	l.now = func() time.Time { return start }

	first, _ := l.RecordRateLimited("gpt-5-nano", "")
	second, _ := l.RecordRateLimited("gpt-5-nano", "")
	require.True(t, second.Sub(start) > first.Sub(start))
}

func TestRecordRateLimited_CapsAtMaxDelay(t *testing.T) {
	l := testLedger()
	l.cfg.MaxDelay = 150 * time.Millisecond
	start := time.Now()
	l.now = func() time.Time { return start }

	next, _ := l.RecordRateLimited("gpt-5-nano", "")
	require.Equal(t, start.Add(150*time.Millisecond), next)
}

func TestRecordRateLimited_HonorsSmallerRetryAfterHeader(t *testing.T) {
	l := testLedger()
	start := time.Now()
	l.now = func() time.Time { return start }

	// Computed backoff is 200ms; a Retry-After of 0 seconds is smaller, so
	// it replaces the computed delay.
	next, _ := l.RecordRateLimited("gpt-5-nano", "0")
	require.Equal(t, start, next)
}

func TestRecordRateLimited_IgnoresLargerRetryAfterHeader(t *testing.T) {
	l := testLedger()
	start := time.Now()
	l.now = func() time.Time { return start }

	next, _ := l.RecordRateLimited("gpt-5-nano", "3600")
	require.Equal(t, start.Add(200*time.Millisecond), next)
}

func TestRecordRateLimited_HonorsHTTPDateRetryAfter(t *testing.T) {
	l := testLedger()
	start := time.Now().Truncate(time.Second)
	l.now = func() time.Time { return start }

	future := start.Add(50 * time.Millisecond).UTC().Format(http.TimeFormat)
	next, _ := l.RecordRateLimited("gpt-5-nano", future)
	// The computed backoff would be start+200ms; the parsed date is start.
	require.WithinDuration(t, start.Add(50*time.Millisecond), next, 100*time.Millisecond)
}

func TestAdmit_BlocksUntilNextRetryThenAllows(t *testing.T) {
	l := testLedger()
	now := time.Now()
	l.now = func() time.Time { return now }

	l.RecordRateLimited("gpt-5-nano", "")
	require.Error(t, l.Admit("gpt-5-nano"))

	now = now.Add(201 * time.Millisecond)
	require.NoError(t, l.Admit("gpt-5-nano"))
}

func TestAdmit_ExhaustedAfterMaxRetries(t *testing.T) {
	l := testLedger()
	now := time.Now()
	l.now = func() time.Time { return now }

	for i := 0; i < l.cfg.MaxRetries; i++ {
		_, closed := l.RecordRateLimited("gpt-5-nano", "")
		require.False(t, closed)
	}
	_, closed := l.RecordRateLimited("gpt-5-nano", "")
	require.True(t, closed)

	// Even once the cooldown elapses, a closed model stays closed until reset.
	now = now.Add(time.Hour)
	err := l.Admit("gpt-5-nano")
	require.Error(t, err)
	var exhausted *Exhausted
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, "gpt-5-nano", exhausted.Model)
}

func TestRecordSuccess_ResetsToNormal(t *testing.T) {
	l := testLedger()
	l.RecordRateLimited("gpt-5-nano", "")
	l.RecordSuccess("gpt-5-nano")

	state, _, count := l.State("gpt-5-nano")
	require.Equal(t, Normal, state)
	require.Equal(t, 0, count)
	require.True(t, l.CanRetry("gpt-5-nano"))
}

func TestReset_IsEquivalentToSuccess(t *testing.T) {
	l := testLedger()
	l.RecordRateLimited("gpt-5-nano", "")
	l.Reset("gpt-5-nano")

	state, _, _ := l.State("gpt-5-nano")
	require.Equal(t, Normal, state)
}

func TestMarkRecovering_OnlyFromRateLimited(t *testing.T) {
	l := testLedger()
	l.MarkRecovering("gpt-5-nano")
	state, _, _ := l.State("gpt-5-nano")
	require.Equal(t, Normal, state, "marking recovering from normal should be a no-op")

	l.RecordRateLimited("gpt-5-nano", "")
	l.MarkRecovering("gpt-5-nano")
	state, _, _ = l.State("gpt-5-nano")
	require.Equal(t, Recovering, state)
}

func TestStateIsolatedPerModel(t *testing.T) {
	l := testLedger()
	l.RecordRateLimited("gpt-5-nano", "")

	state, _, _ := l.State("claude-sonnet")
	require.Equal(t, Normal, state)
	require.True(t, l.CanRetry("claude-sonnet"))
}

func TestParseRetryAfter_Seconds(t *testing.T) {
	now := time.Now()
	got, ok := ParseRetryAfter("120", now)
	require.True(t, ok)
	require.Equal(t, now.Add(120*time.Second), got)
}

func TestParseRetryAfter_HTTPDate(t *testing.T) {
	now := time.Now().Truncate(time.Second).UTC()
	got, ok := ParseRetryAfter(now.Add(time.Minute).Format(http.TimeFormat), now)
	require.True(t, ok)
	require.Equal(t, now.Add(time.Minute), got.UTC())
}

func TestParseRetryAfter_InvalidOrEmpty(t *testing.T) {
	now := time.Now()
	_, ok := ParseRetryAfter("", now)
	require.False(t, ok)
	_, ok = ParseRetryAfter("not-a-duration", now)
	require.False(t, ok)
	_, ok = ParseRetryAfter("-5", now)
	require.False(t, ok)
}

func TestLedger_ConcurrentAccessIsRace_Free(t *testing.T) {
	l := testLedger()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				l.RecordRateLimited("gpt-5-nano", "")
			} else {
				_ = l.Admit("gpt-5-nano")
			}
		}(i)
	}
	wg.Wait()

	state, _, count := l.State("gpt-5-nano")
	require.Contains(t, []State{RateLimited, Recovering}, state)
	require.True(t, count > 0)
}

// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRecorder_CountersObservable(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.RecordRequest("gpt-5-nano", "success")
	r.RecordRequest("gpt-5-nano", "success")
	r.RecordRequest("gpt-5-nano", "upstream_error")
	r.RecordUpstreamLatency("gpt-5-nano", 120*time.Millisecond)
	r.RecordRateLimitTransition("gpt-5-nano", "RATE_LIMITED")
	r.RecordStreamChunk("gpt-5-nano", "synthesized")
	r.RecordUsage("gpt-5-nano", 10, 4)

	require.Equal(t, float64(2), testutil.ToFloat64(r.requestsTotal.WithLabelValues("gpt-5-nano", "success")))
	require.Equal(t, float64(1), testutil.ToFloat64(r.requestsTotal.WithLabelValues("gpt-5-nano", "upstream_error")))
	require.Equal(t, float64(1), testutil.ToFloat64(r.streamChunksTotal.WithLabelValues("gpt-5-nano", "synthesized")))
	require.Equal(t, float64(10), testutil.ToFloat64(r.tokensTotal.WithLabelValues("gpt-5-nano", "prompt")))
	require.Equal(t, float64(4), testutil.ToFloat64(r.tokensTotal.WithLabelValues("gpt-5-nano", "completion")))

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}

func TestNew_RegistersWithoutCollision(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NotPanics(t, func() { New(reg) })
	require.Panics(t, func() { New(reg) })
}

// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package metrics records request, upstream-latency, rate-limit and
// streaming counters to a Prometheus registry, served from the same
// /metrics endpoint shape as the extproc admin server.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder owns the proxy's Prometheus collectors.
type Recorder struct {
	requestsTotal        *prometheus.CounterVec
	upstreamLatency      *prometheus.HistogramVec
	rateLimitTransitions *prometheus.CounterVec
	streamChunksTotal    *prometheus.CounterVec
	tokensTotal          *prometheus.CounterVec
}

// New creates a Recorder and registers its collectors with reg.
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aicore_proxy_requests_total",
			Help: "Chat-completion requests by model and outcome.",
		}, []string{"model", "outcome"}),
		upstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aicore_proxy_upstream_latency_seconds",
			Help:    "Upstream inference call latency by model.",
			Buckets: prometheus.DefBuckets,
		}, []string{"model"}),
		rateLimitTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aicore_proxy_rate_limit_transitions_total",
			Help: "Rate-limit ledger state transitions by model and new state.",
		}, []string{"model", "state"}),
		streamChunksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aicore_proxy_stream_chunks_total",
			Help: "Streaming chunks emitted by model and delivery mode.",
		}, []string{"model", "mode"}),
		tokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aicore_proxy_tokens_total",
			Help: "Token usage reported by the upstream, by model and kind.",
		}, []string{"model", "kind"}),
	}
	reg.MustRegister(r.requestsTotal, r.upstreamLatency, r.rateLimitTransitions, r.streamChunksTotal, r.tokensTotal)
	return r
}

// RecordRequest counts one finished request. outcome is "success" or the
// client-facing error kind.
func (r *Recorder) RecordRequest(model, outcome string) {
	r.requestsTotal.WithLabelValues(model, outcome).Inc()
}

// RecordUpstreamLatency observes one upstream call's duration.
func (r *Recorder) RecordUpstreamLatency(model string, d time.Duration) {
	r.upstreamLatency.WithLabelValues(model).Observe(d.Seconds())
}

// RecordRateLimitTransition counts a ledger transition into state.
func (r *Recorder) RecordRateLimitTransition(model, state string) {
	r.rateLimitTransitions.WithLabelValues(model, state).Inc()
}

// RecordStreamChunk counts one emitted chunk. mode is "native" or "synthesized".
func (r *Recorder) RecordStreamChunk(model, mode string) {
	r.streamChunksTotal.WithLabelValues(model, mode).Inc()
}

// RecordUsage counts reported token usage.
func (r *Recorder) RecordUsage(model string, prompt, completion int) {
	r.tokensTotal.WithLabelValues(model, "prompt").Add(float64(prompt))
	r.tokensTotal.WithLabelValues(model, "completion").Add(float64(completion))
}

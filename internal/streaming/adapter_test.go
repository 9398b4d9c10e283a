// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package streaming

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/aicore-proxy/aicore-proxy/internal/config"
	"github.com/aicore-proxy/aicore-proxy/internal/credential"
	"github.com/aicore-proxy/aicore-proxy/internal/deployment"
	"github.com/aicore-proxy/aicore-proxy/internal/dialect"
	"github.com/aicore-proxy/aicore-proxy/internal/metrics"
	"github.com/aicore-proxy/aicore-proxy/internal/pipeline"
	"github.com/aicore-proxy/aicore-proxy/internal/pool"
	"github.com/aicore-proxy/aicore-proxy/internal/ratelimit"
)

const testModel = "stream-model"

// testAdapter builds a full pipeline+adapter pair backed by an httptest
// upstream. supportsStreaming controls the probed capability.
func testAdapter(t *testing.T, supportsStreaming bool, upstream http.HandlerFunc) *Adapter {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"tok","token_type":"Bearer","expires_in":3600}`)
	})
	mux.HandleFunc("/v2/inference/deployments/", upstream)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	t.Setenv("STREAM_MODEL_DEPLOYMENT_ID", "dep-1")

	cfg := &config.Config{
		BaseURL: srv.URL,
		Models: []config.ModelConfig{{
			Name:              testModel,
			Dialect:           config.DialectOpenAI,
			SupportsStreaming: supportsStreaming,
			DefaultMaxTokens:  100,
		}},
	}

	broker := credential.New(srv.URL+"/oauth/token", "id", "secret", 60*time.Second)
	registry := deployment.New(srv.URL, broker, 5*time.Minute)
	ledger := ratelimit.New(ratelimit.Config{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, ExponentialBase: 2})
	recorder := metrics.New(prometheus.NewRegistry())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pipe := pipeline.New(cfg, broker, registry, ledger, pool.New(time.Minute, time.Minute), recorder, logger)

	a := New(pipe, recorder, logger)
	a.chunkDelay = 0
	return a
}

func streamRequest() dialect.ChatRequest {
	return dialect.ChatRequest{
		Model:    testModel,
		Stream:   true,
		Messages: []dialect.Message{{Role: "user", Text: "go"}},
	}
}

func TestStream_SynthesizedChunksBufferedResponse(t *testing.T) {
	text := strings.Repeat("abcd", 10) // 40 chars -> at least 4 chunks of 10.
	a := testAdapter(t, false, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `{"choices":[{"message":{"content":"%s"}}],"usage":{"prompt_tokens":4,"completion_tokens":10,"total_tokens":14}}`, text)
	})

	var chunks []Chunk
	require.NoError(t, a.Stream(t.Context(), streamRequest(), func(c Chunk) error {
		chunks = append(chunks, c)
		return nil
	}))

	require.GreaterOrEqual(t, len(chunks), 5) // 4 deltas + terminal.
	var rebuilt strings.Builder
	for _, c := range chunks[:len(chunks)-1] {
		require.False(t, c.Finished)
		rebuilt.WriteString(c.Delta)
	}
	require.Equal(t, text, rebuilt.String())

	last := chunks[len(chunks)-1]
	require.True(t, last.Finished)
	require.NotNil(t, last.Usage)
	require.Equal(t, 14, last.Usage.TotalTokens)
}

func TestStream_NativeSSEPath(t *testing.T) {
	a := testAdapter(t, true, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.Contains(t, string(body), `"stream":true`)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"hi \"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"there\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}],\"usage\":{\"prompt_tokens\":1,\"completion_tokens\":2,\"total_tokens\":3}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})
	require.Equal(t, CapabilitySAP, a.prober.Capability(testModel))

	var deltas []string
	var finished bool
	require.NoError(t, a.Stream(t.Context(), streamRequest(), func(c Chunk) error {
		if c.Finished {
			finished = true
			require.Equal(t, 3, c.Usage.TotalTokens)
			return nil
		}
		deltas = append(deltas, c.Delta)
		return nil
	}))
	require.True(t, finished)
	require.Equal(t, []string{"hi ", "there"}, deltas)
}

func TestStream_NativeFailureFallsBackToSynthesized(t *testing.T) {
	var calls int
	a := testAdapter(t, true, func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"fallback"}}],"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`)
	})

	var rebuilt strings.Builder
	var finished bool
	require.NoError(t, a.Stream(t.Context(), streamRequest(), func(c Chunk) error {
		if c.Finished {
			finished = true
			return nil
		}
		rebuilt.WriteString(c.Delta)
		return nil
	}))
	require.True(t, finished)
	require.Equal(t, "fallback", rebuilt.String())
}

func TestStream_VisionRequestsAlwaysSynthesize(t *testing.T) {
	a := testAdapter(t, true, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		// The buffered path never asks the upstream for SSE.
		require.NotContains(t, string(body), `"stream":true`)
		fmt.Fprint(w, `{"choices":[{"message":{"content":"a red square"}}],"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`)
	})

	req := streamRequest()
	req.Messages = []dialect.Message{{Role: "user", Parts: []dialect.ContentPart{
		{Type: "text", Text: "color?"},
		{Type: "image_url", ImageURL: "data:image/png;base64,aGk="},
	}}}

	var finished bool
	require.NoError(t, a.Stream(t.Context(), req, func(c Chunk) error {
		finished = finished || c.Finished
		return nil
	}))
	require.True(t, finished)
}

func TestStream_CancelledContextStopsSynthesis(t *testing.T) {
	a := testAdapter(t, false, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"choices":[{"message":{"content":"0123456789012345678901234567890123456789"}}],"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`)
	})
	a.chunkDelay = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(t.Context())
	var chunks int
	err := a.Stream(ctx, streamRequest(), func(Chunk) error {
		chunks++
		cancel()
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Less(t, chunks, 4)
}

func TestStream_DirectAnthropicPath(t *testing.T) {
	direct := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "sk-direct", r.Header.Get("x-api-key"))
		require.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))
		body, _ := io.ReadAll(r.Body)
		require.Contains(t, string(body), `"stream":true`)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"type\":\"message_start\",\"message\":{\"usage\":{\"input_tokens\":5}}}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"red\"}}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"message_delta\",\"usage\":{\"output_tokens\":2}}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"message_stop\"}\n\n")
	}))
	t.Cleanup(direct.Close)

	t.Setenv("CLAUDE_DIRECT_API_KEY", "sk-direct")
	t.Setenv("ANTHROPIC_DIRECT_URL", direct.URL)

	cfg := &config.Config{
		BaseURL: "http://unused.invalid",
		Models: []config.ModelConfig{{
			Name:               "claude-direct",
			Dialect:            config.DialectAnthropic,
			SupportsStreaming:  true,
			DirectAPIKeyEnvVar: "CLAUDE_DIRECT_API_KEY",
			DefaultMaxTokens:   100,
		}},
	}
	broker := credential.New("http://unused.invalid/oauth/token", "id", "secret", 60*time.Second)
	registry := deployment.New(cfg.BaseURL, broker, 5*time.Minute)
	ledger := ratelimit.New(ratelimit.Config{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, ExponentialBase: 2})
	recorder := metrics.New(prometheus.NewRegistry())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pipe := pipeline.New(cfg, broker, registry, ledger, pool.New(time.Minute, time.Minute), recorder, logger)
	a := New(pipe, recorder, logger)
	require.Equal(t, CapabilityDirect, a.prober.Capability("claude-direct"))

	req := dialect.ChatRequest{
		Model:    "claude-direct",
		Stream:   true,
		Messages: []dialect.Message{{Role: "user", Text: "color?"}},
	}
	var deltas []string
	var final *Chunk
	require.NoError(t, a.Stream(t.Context(), req, func(c Chunk) error {
		if c.Finished {
			final = &c
			return nil
		}
		deltas = append(deltas, c.Delta)
		return nil
	}))
	require.Equal(t, []string{"red"}, deltas)
	require.NotNil(t, final)
	require.Equal(t, dialect.Usage{PromptTokens: 5, CompletionTokens: 2, TotalTokens: 7}, *final.Usage)
}

func TestProber_Classification(t *testing.T) {
	p := NewProber(slog.New(slog.NewTextHandler(io.Discard, nil)))
	p.getenv = func(key string) string {
		if key == "DIRECT_KEY" {
			return "sk-something"
		}
		return ""
	}
	p.Detect([]config.ModelConfig{
		{Name: "native", Dialect: config.DialectOpenAI, SupportsStreaming: true},
		{Name: "direct", Dialect: config.DialectAnthropic, SupportsStreaming: true, DirectAPIKeyEnvVar: "DIRECT_KEY"},
		{Name: "keyless", Dialect: config.DialectAnthropic, SupportsStreaming: true, DirectAPIKeyEnvVar: "MISSING_KEY"},
		{Name: "buffered", Dialect: config.DialectOpenAI, SupportsStreaming: false},
	})

	require.Equal(t, CapabilitySAP, p.Capability("native"))
	require.Equal(t, CapabilityDirect, p.Capability("direct"))
	require.Equal(t, CapabilityNone, p.Capability("keyless"))
	require.Equal(t, CapabilityNone, p.Capability("buffered"))
	require.Equal(t, CapabilityNone, p.Capability("never-probed"))
}

// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package pipeline is the top-level request flow: resolve the model,
// consult the rate-limit ledger, call the upstream deployment with the
// model's dialect strategy, retry on 429 under the ledger's rules, and
// post-process the unified response.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tidwall/sjson"

	"github.com/aicore-proxy/aicore-proxy/internal/config"
	"github.com/aicore-proxy/aicore-proxy/internal/credential"
	"github.com/aicore-proxy/aicore-proxy/internal/deployment"
	"github.com/aicore-proxy/aicore-proxy/internal/dialect"
	"github.com/aicore-proxy/aicore-proxy/internal/metrics"
	"github.com/aicore-proxy/aicore-proxy/internal/pool"
	"github.com/aicore-proxy/aicore-proxy/internal/ratelimit"
	"github.com/aicore-proxy/aicore-proxy/internal/sanitize"
)

// resourceGroupHeader is required by the upstream on every inference and
// catalog call.
const resourceGroupHeader = "AI-Resource-Group"

// ErrUnknownModel is returned when the requested model is not configured.
var ErrUnknownModel = errors.New("unknown model")

// UpstreamError wraps a non-2xx, non-429 upstream response. Body is
// sanitized before it is stored so it can be logged or returned as-is.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned status %d: %s", e.Status, e.Body)
}

// Result is the outcome of one pipeline execution.
type Result struct {
	Response dialect.UnifiedResponse
	// VisionFailure is set when the request carried an image and the
	// response text matched a refusal-to-view-image phrase; the request
	// layer may fall back to an alternative model.
	VisionFailure bool
}

// Pipeline wires the shared state every request flows through. All fields
// are set at construction and immutable afterwards; the referenced
// components do their own locking.
type Pipeline struct {
	baseURL  string
	models   map[string]config.ModelConfig
	limits   Limits
	broker   *credential.Broker
	registry *deployment.Registry
	ledger   *ratelimit.Ledger
	pool     *pool.Pool
	recorder *metrics.Recorder
	logger   *slog.Logger

	httpClient *http.Client
	// sleep is ctx-aware and overridable in tests.
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// New constructs a Pipeline from its collaborators.
func New(cfg *config.Config, broker *credential.Broker, registry *deployment.Registry,
	ledger *ratelimit.Ledger, p *pool.Pool, recorder *metrics.Recorder, logger *slog.Logger) *Pipeline {
	models := make(map[string]config.ModelConfig, len(cfg.Models))
	for _, m := range cfg.Models {
		models[m.Name] = m
	}
	return &Pipeline{
		baseURL:  cfg.BaseURL,
		models:   models,
		limits:   Limits{MaxMessagesPerRequest: cfg.MaxMessagesPerRequest, MaxContentLength: cfg.MaxContentLength},
		broker:   broker,
		registry: registry,
		ledger:   ledger,
		pool:     p,
		recorder: recorder,
		logger:   logger,
		httpClient: &http.Client{
			// Per-call deadlines come from the request context; the client
			// timeout is only a backstop for runaway upstream reads.
			Timeout: 5 * time.Minute,
		},
		sleep: sleepCtx,
		now:   time.Now,
	}
}

// Limits returns the validation-gate bounds.
func (p *Pipeline) Limits() Limits { return p.limits }

// ModelConfig looks up the configuration for a model name.
func (p *Pipeline) ModelConfig(name string) (config.ModelConfig, bool) {
	m, ok := p.models[name]
	return m, ok
}

// Models returns every configured model; the streaming adapter probes
// each of them at startup.
func (p *Pipeline) Models() []config.ModelConfig {
	out := make([]config.ModelConfig, 0, len(p.models))
	for _, m := range p.models {
		out = append(out, m)
	}
	return out
}

// Ledger exposes the rate-limit ledger, which the streaming adapter's
// native path uses for admission and 429 recording.
func (p *Pipeline) Ledger() *ratelimit.Ledger { return p.ledger }

// Execute runs steps 3-6 of the request flow for an already-authenticated,
// already-validated request: model resolution, ledger admission, the
// upstream call loop with 429 retries, and response post-processing.
func (p *Pipeline) Execute(ctx context.Context, req dialect.ChatRequest) (Result, error) {
	modelCfg, ok := p.models[req.Model]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownModel, req.Model)
	}

	if err := p.ledger.Admit(req.Model); err != nil {
		return Result{}, err
	}

	p.pool.Acquire(req.Model)

	raw, err := p.callWithRetry(ctx, modelCfg, req, false)
	if err != nil {
		return Result{}, err
	}

	resp, err := dialect.For(modelCfg.Dialect).ParseResponse(raw)
	if err != nil {
		return Result{}, &UpstreamError{Status: http.StatusOK, Body: sanitize.String(err.Error())}
	}

	checked, visionFailure, err := checkResponse(resp, req.HasImage())
	if err != nil {
		return Result{}, &UpstreamError{Status: http.StatusOK, Body: sanitize.String(err.Error())}
	}
	p.recorder.RecordUsage(req.Model, checked.Usage.PromptTokens, checked.Usage.CompletionTokens)
	return Result{Response: checked, VisionFailure: visionFailure}, nil
}

// callWithRetry performs the upstream POST, consulting the ledger on each
// 429 and sleeping until the next-retry instant while the budget allows.
// A success clears the model's rate-limit state.
func (p *Pipeline) callWithRetry(ctx context.Context, modelCfg config.ModelConfig, req dialect.ChatRequest, stream bool) ([]byte, error) {
	for {
		httpReq, err := p.NewUpstreamRequest(ctx, modelCfg, req, stream)
		if err != nil {
			return nil, err
		}

		start := p.now()
		resp, err := p.httpClient.Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("upstream call failed: %w", err)
		}
		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		p.recorder.RecordUpstreamLatency(req.Model, p.now().Sub(start))
		if readErr != nil {
			return nil, fmt.Errorf("reading upstream response: %w", readErr)
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			p.ledger.RecordSuccess(req.Model)
			return body, nil

		case resp.StatusCode == http.StatusTooManyRequests:
			next, closed := p.ledger.RecordRateLimited(req.Model, resp.Header.Get("Retry-After"))
			p.recorder.RecordRateLimitTransition(req.Model, ratelimit.RateLimited.String())
			if closed {
				return nil, &ratelimit.Exhausted{Model: req.Model, WaitUntil: next}
			}
			p.logger.Warn("upstream rate limited, backing off",
				slog.String("model", req.Model),
				slog.Time("next_retry", next))
			p.ledger.MarkRecovering(req.Model)
			p.recorder.RecordRateLimitTransition(req.Model, ratelimit.Recovering.String())
			if err := p.sleep(ctx, next.Sub(p.now())); err != nil {
				return nil, err
			}
			continue

		default:
			return nil, &UpstreamError{Status: resp.StatusCode, Body: sanitize.String(string(body))}
		}
	}
}

// NewUpstreamRequest resolves the deployment, acquires a credential, and
// builds the signed upstream HTTP request for one inference call. When
// stream is true the dialect body is patched to ask for server-sent
// events; the streaming adapter uses this to share the pipeline's
// resolution and signing without re-implementing it.
func (p *Pipeline) NewUpstreamRequest(ctx context.Context, modelCfg config.ModelConfig, req dialect.ChatRequest, stream bool) (*http.Request, error) {
	deploymentID, err := p.registry.Resolve(ctx, modelCfg.Name, true)
	if err != nil {
		return nil, err
	}
	resolved := modelCfg
	resolved.DeploymentID = deploymentID

	tok, err := p.broker.GetToken(ctx)
	if err != nil {
		return nil, err
	}

	url, body, err := dialect.For(resolved.Dialect).BuildRequest(p.baseURL, resolved, req)
	if err != nil {
		return nil, err
	}
	if stream {
		if body, err = sjson.SetBytes(body, "stream", true); err != nil {
			return nil, fmt.Errorf("patching stream flag: %w", err)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(resourceGroupHeader, "default")
	return httpReq, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

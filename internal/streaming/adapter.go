// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package streaming presents a uniform chunk sequence to the client
// regardless of how the upstream delivers the completion: native
// server-sent events through the deployment endpoint, native events
// through a family's direct API, or chunked delivery synthesized from a
// buffered call. All three paths emit the same data:-prefixed
// server-sent-event line framing OpenAI-compatible clients consume.
package streaming

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/aicore-proxy/aicore-proxy/internal/dialect"
	"github.com/aicore-proxy/aicore-proxy/internal/metrics"
	"github.com/aicore-proxy/aicore-proxy/internal/pipeline"
)

const (
	defaultChunkSize  = 10
	defaultChunkDelay = 50 * time.Millisecond
)

// Chunk is one unit of the uniform stream handed to the client layer.
type Chunk struct {
	Delta    string
	Finished bool
	// Usage is populated on the terminal chunk only.
	Usage *dialect.Usage
}

// Emit delivers one chunk to the client. Returning an error stops the
// stream; the adapter treats it as a client disconnect.
type Emit func(Chunk) error

// Adapter decides per request which delivery path to use and drives it.
type Adapter struct {
	pipe     *pipeline.Pipeline
	prober   *Prober
	recorder *metrics.Recorder
	logger   *slog.Logger

	httpClient *http.Client
	getenv     func(string) string
	chunkSize  int
	chunkDelay time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
}

// New constructs an Adapter over pipe, probing every configured model once.
func New(pipe *pipeline.Pipeline, recorder *metrics.Recorder, logger *slog.Logger) *Adapter {
	prober := NewProber(logger)
	prober.Detect(pipe.Models())
	return &Adapter{
		pipe:       pipe,
		prober:     prober,
		recorder:   recorder,
		logger:     logger,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		getenv:     os.Getenv,
		chunkSize:  defaultChunkSize,
		chunkDelay: defaultChunkDelay,
		sleep:      sleepCtx,
	}
}

// Stream delivers the completion for req as a chunk sequence through emit.
// Native streaming is used when the model's probed capability allows it;
// requests carrying images always take the synthesized path since the
// native event protocols do not accept vision inputs reliably. Any native
// setup failure falls back to the synthesized path, which re-enters the
// pipeline with its full retry behavior.
func (a *Adapter) Stream(ctx context.Context, req dialect.ChatRequest, emit Emit) error {
	capability := a.prober.Capability(req.Model)
	if req.HasImage() {
		capability = CapabilityNone
	}

	if capability != CapabilityNone {
		started, err := a.streamNative(ctx, req, capability, emit)
		// Once the first chunk has been emitted the client has seen
		// partial output; falling back would duplicate it.
		if err == nil || started || ctx.Err() != nil {
			return err
		}
		a.logger.Warn("native streaming failed, synthesizing from buffered call",
			slog.String("model", req.Model), slog.String("error", err.Error()))
	}
	return a.synthesize(ctx, req, a.counted(req.Model, "synthesized", emit))
}

func (a *Adapter) streamNative(ctx context.Context, req dialect.ChatRequest, capability Capability, emit Emit) (started bool, err error) {
	modelCfg, ok := a.pipe.ModelConfig(req.Model)
	if !ok {
		return false, fmt.Errorf("%w: %s", pipeline.ErrUnknownModel, req.Model)
	}
	if err := a.pipe.Ledger().Admit(req.Model); err != nil {
		return false, err
	}

	var httpReq *http.Request
	switch capability {
	case CapabilityDirect:
		httpReq, err = a.newDirectRequest(ctx, modelCfg, req)
	default:
		httpReq, err = a.pipe.NewUpstreamRequest(ctx, modelCfg, req, true)
	}
	if err != nil {
		return false, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode == http.StatusTooManyRequests {
			a.pipe.Ledger().RecordRateLimited(req.Model, resp.Header.Get("Retry-After"))
		}
		return false, fmt.Errorf("native stream returned status %d: %s", resp.StatusCode, body)
	}

	a.pipe.Ledger().RecordSuccess(req.Model)
	counted := a.counted(req.Model, "native", emit)
	err = readSSE(resp.Body, modelCfg.Dialect, func(ev event) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if ev.finished {
			u := dialect.Usage{}
			if ev.usage != nil {
				u = ev.usage.Clamp()
			}
			started = true
			return counted(Chunk{Finished: true, Usage: &u})
		}
		if ev.delta == "" {
			return nil
		}
		started = true
		return counted(Chunk{Delta: ev.delta})
	})
	return started, err
}

// synthesize performs a buffered pipeline call and chunks the text by a
// small fixed character budget with a short inter-chunk delay.
func (a *Adapter) synthesize(ctx context.Context, req dialect.ChatRequest, emit Emit) error {
	result, err := a.pipe.Execute(ctx, req)
	if err != nil {
		return err
	}

	runes := []rune(result.Response.Text)
	for start := 0; start < len(runes); start += a.chunkSize {
		end := min(start+a.chunkSize, len(runes))
		if err := emit(Chunk{Delta: string(runes[start:end])}); err != nil {
			return err
		}
		if end < len(runes) {
			if err := a.sleep(ctx, a.chunkDelay); err != nil {
				return err
			}
		}
	}
	usage := result.Response.Usage
	return emit(Chunk{Finished: true, Usage: &usage})
}

func (a *Adapter) counted(model, mode string, emit Emit) Emit {
	return func(c Chunk) error {
		a.recorder.RecordStreamChunk(model, mode)
		return emit(c)
	}
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

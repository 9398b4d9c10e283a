// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/aicore-proxy/aicore-proxy/internal/apperror"
	"github.com/aicore-proxy/aicore-proxy/internal/credential"
	"github.com/aicore-proxy/aicore-proxy/internal/deployment"
	"github.com/aicore-proxy/aicore-proxy/internal/dialect"
	"github.com/aicore-proxy/aicore-proxy/internal/pipeline"
	"github.com/aicore-proxy/aicore-proxy/internal/ratelimit"
	"github.com/aicore-proxy/aicore-proxy/internal/streaming"
)

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxRequestSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			apperror.Write(w, apperror.New(apperror.KindPayloadTooLarge, "payload_too_large",
				fmt.Sprintf("request body exceeds the maximum of %d bytes", tooLarge.Limit)))
			return
		}
		apperror.Write(w, apperror.New(apperror.KindValidation, "invalid_body",
			"failed to read request body"))
		return
	}

	req, err := decodeChatRequest(body)
	if err != nil {
		apperror.Write(w, apperror.New(apperror.KindValidation, "invalid_json", err.Error()))
		return
	}

	modelCfg, known := s.pipe.ModelConfig(req.Model)
	if !known {
		s.recorder.RecordRequest(req.Model, string(apperror.KindNotFound))
		apperror.Write(w, apperror.New(apperror.KindNotFound, "model_not_found",
			fmt.Sprintf("model %q is not available through this proxy", req.Model)))
		return
	}

	if problems := pipeline.Validate(s.pipe.Limits(), &modelCfg, req); len(problems) > 0 {
		s.recorder.RecordRequest(req.Model, string(apperror.KindValidation))
		apperror.Write(w, apperror.New(apperror.KindValidation, "invalid_request",
			strings.Join(problems, "; ")))
		return
	}

	if req.Stream {
		s.streamResponse(w, r, req)
		return
	}
	s.bufferedResponse(w, r, req)
}

func (s *Server) bufferedResponse(w http.ResponseWriter, r *http.Request, req dialect.ChatRequest) {
	result, err := s.pipe.Execute(r.Context(), req)
	if err != nil {
		s.recorder.RecordRequest(req.Model, errorOutcome(err))
		s.writePipelineError(w, r, err)
		return
	}

	if result.VisionFailure {
		if fallback, ok := s.visionFallbackModel(req.Model); ok {
			s.logger.Warn("model could not process the attached image, retrying with fallback",
				"model", req.Model, "fallback", fallback,
				"request_id", RequestIDFromContext(r.Context()))
			retry := req
			retry.Model = fallback
			if retried, retryErr := s.pipe.Execute(r.Context(), retry); retryErr == nil && !retried.VisionFailure {
				w.Header().Set("X-Vision-Fallback-Model", fallback)
				result = retried
			}
		}
	}

	s.recorder.RecordRequest(req.Model, "success")
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(newChatCompletion(completionID(), req.Model, s.now(), result.Response))
}

// visionFallbackModel picks another vision-capable model to retry with
// when the requested one answered with a refusal-to-view-image phrase.
func (s *Server) visionFallbackModel(requested string) (string, bool) {
	for _, m := range s.models {
		if m.SupportsVision && m.Name != requested {
			return m.Name, true
		}
	}
	return "", false
}

func (s *Server) streamResponse(w http.ResponseWriter, r *http.Request, req dialect.ChatRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.bufferedResponse(w, r, req)
		return
	}

	id := completionID()
	started := false
	start := func() {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		started = true
	}

	err := s.adapter.Stream(r.Context(), req, func(c streaming.Chunk) error {
		first := !started
		if !started {
			start()
		}
		var chunk chatCompletionChunk
		if c.Finished {
			finish := "stop"
			chunk = newChunk(id, req.Model, s.now(), chunkDelta{}, &finish, c.Usage)
		} else {
			delta := chunkDelta{Content: c.Delta}
			if first {
				delta.Role = "assistant"
			}
			chunk = newChunk(id, req.Model, s.now(), delta, nil, nil)
		}
		data, err := json.Marshal(chunk)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil {
		s.recorder.RecordRequest(req.Model, errorOutcome(err))
		if !started {
			s.writePipelineError(w, r, err)
			return
		}
		// Mid-stream failure: the status line is gone, all we can do is
		// stop cleanly and log.
		s.logger.Error("stream aborted",
			"model", req.Model, "error", err.Error(),
			"request_id", RequestIDFromContext(r.Context()))
		return
	}

	s.recorder.RecordRequest(req.Model, "success")
	_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func completionID() string {
	return "chatcmpl-" + uuid.NewString()
}

// writePipelineError maps pipeline failures onto the client-facing error
// kinds. Client disconnects produce no response at all.
func (s *Server) writePipelineError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) || r.Context().Err() != nil {
		return
	}

	var exhausted *ratelimit.Exhausted
	if errors.As(err, &exhausted) {
		secs := exhausted.SecondsUntilRetry(s.now())
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		apperror.Write(w, apperror.New(apperror.KindRateLimit, "rate_limit_exhausted",
			fmt.Sprintf("model %q is rate limited, retry in %d seconds", exhausted.Model, secs)))
		return
	}
	if errors.Is(err, pipeline.ErrUnknownModel) {
		apperror.Write(w, apperror.New(apperror.KindNotFound, "model_not_found", err.Error()))
		return
	}

	var (
		notDeployed *deployment.NotDeployed
		notRunning  *deployment.NotRunning
		discovery   *deployment.DiscoveryFailed
		authErr     *credential.UpstreamAuthError
		netErr      *credential.NetworkError
		upstream    *pipeline.UpstreamError
	)
	switch {
	case errors.As(err, &notDeployed), errors.As(err, &notRunning):
		apperror.Write(w, apperror.New(apperror.KindUpstream, "model_not_deployed", err.Error()))
	case errors.As(err, &discovery):
		apperror.Write(w, apperror.New(apperror.KindUpstream, "discovery_failed", err.Error()))
	case errors.As(err, &authErr):
		apperror.Write(w, apperror.New(apperror.KindUpstream, "upstream_auth_failed", err.Error()))
	case errors.As(err, &netErr):
		apperror.Write(w, apperror.New(apperror.KindUpstream, "upstream_unreachable", err.Error()))
	case errors.As(err, &upstream):
		apperror.Write(w, apperror.New(apperror.KindUpstream, "upstream_error", err.Error()))
	default:
		apperror.Write(w, apperror.New(apperror.KindUpstream, "upstream_error", err.Error()))
	}
}

func errorOutcome(err error) string {
	var exhausted *ratelimit.Exhausted
	switch {
	case errors.As(err, &exhausted):
		return string(apperror.KindRateLimit)
	case errors.Is(err, pipeline.ErrUnknownModel):
		return string(apperror.KindNotFound)
	default:
		return string(apperror.KindUpstream)
	}
}

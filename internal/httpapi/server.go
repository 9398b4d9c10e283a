// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package httpapi is the client-facing HTTP surface: the OpenAI-compatible
// chat-completions and model-listing endpoints, the unauthenticated health
// probe, and the Prometheus metrics endpoint, wrapped in the
// authentication, request-id, and per-IP rate-limit middleware.
package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aicore-proxy/aicore-proxy/internal/config"
	"github.com/aicore-proxy/aicore-proxy/internal/localauth"
	"github.com/aicore-proxy/aicore-proxy/internal/metrics"
	"github.com/aicore-proxy/aicore-proxy/internal/pipeline"
	"github.com/aicore-proxy/aicore-proxy/internal/streaming"
)

// Server holds the request-layer collaborators. It is immutable after New.
type Server struct {
	pipe     *pipeline.Pipeline
	adapter  *streaming.Adapter
	auth     *localauth.Authority
	recorder *metrics.Recorder
	logger   *slog.Logger

	maxRequestSize int64
	models         []config.ModelConfig
	startedAt      time.Time
	now            func() time.Time
}

// New constructs the Server and its middleware-wrapped handler.
func New(cfg *config.Config, pipe *pipeline.Pipeline, adapter *streaming.Adapter,
	auth *localauth.Authority, recorder *metrics.Recorder, registry *prometheus.Registry,
	logger *slog.Logger) (*Server, http.Handler) {
	s := &Server{
		pipe:           pipe,
		adapter:        adapter,
		auth:           auth,
		recorder:       recorder,
		logger:         logger,
		maxRequestSize: cfg.MaxRequestSize,
		models:         cfg.Models,
		startedAt:      time.Now(),
		now:            time.Now,
	}

	router := httprouter.New()
	router.HandlerFunc(http.MethodPost, "/v1/chat/completions", s.handleChatCompletions)
	router.HandlerFunc(http.MethodGet, "/v1/models", s.handleModels)
	router.HandlerFunc(http.MethodGet, "/health", s.handleHealth)
	router.Handler(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	handler := chain(router,
		s.requestID,
		s.requestLog,
		s.authenticate,
		s.ipLimit(cfg.IPRateLimitRPS, cfg.IPRateLimitBurst),
	)
	return s, handler
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK\n"))
}

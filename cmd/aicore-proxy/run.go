// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/aicore-proxy/aicore-proxy/internal/config"
	"github.com/aicore-proxy/aicore-proxy/internal/credential"
	"github.com/aicore-proxy/aicore-proxy/internal/deployment"
	"github.com/aicore-proxy/aicore-proxy/internal/httpapi"
	"github.com/aicore-proxy/aicore-proxy/internal/localauth"
	"github.com/aicore-proxy/aicore-proxy/internal/metrics"
	"github.com/aicore-proxy/aicore-proxy/internal/pipeline"
	"github.com/aicore-proxy/aicore-proxy/internal/pool"
	"github.com/aicore-proxy/aicore-proxy/internal/pprof"
	"github.com/aicore-proxy/aicore-proxy/internal/ratelimit"
	"github.com/aicore-proxy/aicore-proxy/internal/streaming"
	"github.com/aicore-proxy/aicore-proxy/internal/version"
)

const (
	poolIdleTTL       = 10 * time.Minute
	poolSweepInterval = time.Minute
)

// run wires the components together and serves until ctx is cancelled.
// Initialization failures (missing upstream credentials, unwritable key
// file) are returned and become a non-zero exit code.
func run(ctx context.Context, c cmdRun, stderr io.Writer) error {
	level := slog.LevelInfo
	if c.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	auth := localauth.New(cfg.LocalAPIKeyFile)
	if err := auth.EnsureInitialized(); err != nil {
		return err
	}
	logger.Info("local API key ready", "key", auth.Masked(), "file", cfg.LocalAPIKeyFile)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.New(registry)

	broker := credential.New(cfg.AuthURL+"/oauth/token?grant_type=client_credentials", cfg.ClientID, cfg.ClientSecret, cfg.CredentialSkew)
	deployments := deployment.New(cfg.BaseURL, broker, cfg.DeploymentCacheTTL)
	ledger := ratelimit.New(ratelimit.Config{
		MaxRetries:      cfg.RateLimitMaxRetries,
		BaseDelay:       cfg.RateLimitBaseDelay,
		MaxDelay:        cfg.RateLimitMaxDelay,
		ExponentialBase: cfg.RateLimitExponentialBase,
		JitterFactor:    cfg.RateLimitJitterFactor,
	})
	modelPool := pool.New(poolIdleTTL, poolSweepInterval)
	go modelPool.Run(ctx)

	pipe := pipeline.New(cfg, broker, deployments, ledger, modelPool, recorder, logger)
	adapter := streaming.New(pipe, recorder, logger)
	_, handler := httpapi.New(cfg, pipe, adapter, auth, recorder, registry, logger)

	pprof.Run(ctx)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting aicore-proxy",
			"version", version.Parse(),
			"address", cfg.ListenAddr,
			"models", len(cfg.Models))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

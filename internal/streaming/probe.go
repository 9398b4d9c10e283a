// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package streaming

import (
	"log/slog"
	"os"
	"sync"

	"github.com/aicore-proxy/aicore-proxy/internal/config"
)

// Capability classifies how a model's output can be streamed to clients.
type Capability string

const (
	// CapabilitySAP means the upstream deployment itself serves
	// server-sent events when asked for them.
	CapabilitySAP Capability = "sap"
	// CapabilityDirect means a direct-API key is configured for the
	// model's family and streaming goes through the family's public API.
	CapabilityDirect Capability = "direct"
	// CapabilityNone means chunked delivery must be synthesized from a
	// buffered call.
	CapabilityNone Capability = "none"
)

// Prober classifies the streaming capability of every configured model
// once, at startup, and caches the result. A probe that cannot classify a
// model marks it CapabilityNone rather than failing startup.
type Prober struct {
	logger *slog.Logger
	getenv func(string) string

	mu   sync.RWMutex
	caps map[string]Capability
}

// NewProber creates a Prober reading direct-API keys from the process
// environment.
func NewProber(logger *slog.Logger) *Prober {
	return &Prober{logger: logger, getenv: os.Getenv, caps: make(map[string]Capability)}
}

// Detect probes every model in models and caches the classification.
func (p *Prober) Detect(models []config.ModelConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range models {
		capability := p.classify(m)
		p.caps[m.Name] = capability
		p.logger.Debug("streaming capability detected",
			slog.String("model", m.Name), slog.String("capability", string(capability)))
	}
}

func (p *Prober) classify(m config.ModelConfig) Capability {
	if !m.SupportsStreaming {
		return CapabilityNone
	}
	if m.DirectAPIKeyEnvVar != "" && p.getenv(m.DirectAPIKeyEnvVar) != "" {
		return CapabilityDirect
	}
	// Only the openai dialect streams natively through the upstream's
	// deployment endpoint; the other families need a direct-API key.
	if m.Dialect == config.DialectOpenAI {
		return CapabilitySAP
	}
	return CapabilityNone
}

// Capability returns the cached classification for model, defaulting to
// CapabilityNone for anything never probed.
func (p *Prober) Capability(model string) Capability {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if c, ok := p.caps[model]; ok {
		return c
	}
	return CapabilityNone
}

// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package streaming

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/tidwall/sjson"

	"github.com/aicore-proxy/aicore-proxy/internal/config"
	"github.com/aicore-proxy/aicore-proxy/internal/dialect"
)

// Default public endpoints for the direct-API streaming path, overridable
// for tests and self-hosted gateways.
const (
	anthropicDirectURLEnv = "ANTHROPIC_DIRECT_URL"
	geminiDirectURLEnv    = "GEMINI_DIRECT_URL"
	openaiDirectURLEnv    = "OPENAI_DIRECT_URL"

	anthropicDirectDefault = "https://api.anthropic.com/v1/messages"
	geminiDirectDefault    = "https://generativelanguage.googleapis.com/v1beta/models"
	openaiDirectDefault    = "https://api.openai.com/v1/chat/completions"

	anthropicVersion = "2023-06-01"
)

// newDirectRequest builds the streaming request against the model family's
// public API, authenticated with the per-model direct key instead of the
// upstream's brokered credential. The request body is the one the dialect
// builds for the deployment endpoint with stream set to true; the URL and
// auth headers differ, and for the OpenAI family the model name is also
// added to the body.
func (a *Adapter) newDirectRequest(ctx context.Context, modelCfg config.ModelConfig, req dialect.ChatRequest) (*http.Request, error) {
	key := a.getenv(modelCfg.DirectAPIKeyEnvVar)
	if key == "" {
		return nil, fmt.Errorf("direct API key %s is no longer set", modelCfg.DirectAPIKeyEnvVar)
	}

	_, body, err := dialect.For(modelCfg.Dialect).BuildRequest("", modelCfg, req)
	if err != nil {
		return nil, err
	}
	if body, err = sjson.SetBytes(body, "stream", true); err != nil {
		return nil, fmt.Errorf("patching stream flag: %w", err)
	}

	var url string
	headers := map[string]string{"Content-Type": "application/json"}
	switch modelCfg.Dialect {
	case config.DialectAnthropic:
		url = a.envOr(anthropicDirectURLEnv, anthropicDirectDefault)
		headers["x-api-key"] = key
		headers["anthropic-version"] = anthropicVersion
	case config.DialectGemini:
		base := a.envOr(geminiDirectURLEnv, geminiDirectDefault)
		url = fmt.Sprintf("%s/%s:streamGenerateContent?alt=sse&key=%s", base, modelCfg.Name, key)
	default:
		url = a.envOr(openaiDirectURLEnv, openaiDirectDefault)
		headers["Authorization"] = "Bearer " + key
		if body, err = sjson.SetBytes(body, "model", modelCfg.Name); err != nil {
			return nil, fmt.Errorf("patching model name: %w", err)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}
	return httpReq, nil
}

func (a *Adapter) envOr(key, fallback string) string {
	if v := a.getenv(key); v != "" {
		return v
	}
	return fallback
}

// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package dialect

import (
	"cmp"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/aicore-proxy/aicore-proxy/internal/config"
)

func openAIDeploymentURL(baseURL, deploymentID, suffix string) string {
	return fmt.Sprintf("%s/v2/inference/deployments/%s%s", strings.TrimRight(baseURL, "/"), deploymentID, suffix)
}

func buildOpenAIRequest(baseURL string, cfg config.ModelConfig, req ChatRequest) (string, []byte, error) {
	url := openAIDeploymentURL(baseURL, cfg.DeploymentID, "/chat/completions?api-version=2023-05-15")

	messages := make([]map[string]any, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, map[string]any{
			"role":    m.Role,
			"content": openAIContent(m),
		})
	}

	payload := map[string]any{
		"messages":              messages,
		"max_completion_tokens": cmp.Or(req.MaxTokens, cfg.DefaultMaxTokens),
		"stream":                false,
		"temperature":           0.7,
	}
	if req.Temperature != nil {
		payload["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		payload["top_p"] = *req.TopP
	}
	if req.FrequencyPenalty != nil {
		payload["frequency_penalty"] = *req.FrequencyPenalty
	}
	if req.PresencePenalty != nil {
		payload["presence_penalty"] = *req.PresencePenalty
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", nil, fmt.Errorf("openai dialect: marshaling request: %w", err)
	}
	return url, body, nil
}

func openAIContent(m Message) any {
	if len(m.Parts) == 0 {
		return m.Text
	}
	parts := make([]map[string]any, 0, len(m.Parts))
	for _, p := range m.Parts {
		if p.Type == "image_url" {
			parts = append(parts, map[string]any{
				"type":      "image_url",
				"image_url": map[string]any{"url": p.ImageURL},
			})
			continue
		}
		parts = append(parts, map[string]any{"type": "text", "text": p.Text})
	}
	return parts
}

func parseOpenAIResponse(raw []byte) (UnifiedResponse, error) {
	text := gjson.GetBytes(raw, "choices.0.message.content")
	if !text.Exists() {
		return UnifiedResponse{}, fmt.Errorf("openai dialect: response has no choices[0].message.content")
	}
	usage := Usage{
		PromptTokens:     int(gjson.GetBytes(raw, "usage.prompt_tokens").Int()),
		CompletionTokens: int(gjson.GetBytes(raw, "usage.completion_tokens").Int()),
		TotalTokens:      int(gjson.GetBytes(raw, "usage.total_tokens").Int()),
	}
	return UnifiedResponse{Text: text.String(), Usage: usage.Clamp(), Success: true}, nil
}

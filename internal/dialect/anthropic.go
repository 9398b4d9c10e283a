// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package dialect

import (
	"cmp"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/aicore-proxy/aicore-proxy/internal/config"
)

func buildAnthropicRequest(baseURL string, cfg config.ModelConfig, req ChatRequest) (string, []byte, error) {
	url := openAIDeploymentURL(baseURL, cfg.DeploymentID, "/invoke")

	var system string
	turns := make([]Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == "system" && system == "" {
			system = m.Text
			continue
		}
		turns = append(turns, m)
	}

	messages := make([]map[string]any, 0, len(turns))
	for _, m := range turns {
		messages = append(messages, map[string]any{
			"role":    m.Role,
			"content": anthropicContent(m),
		})
	}
	messagesJSON, err := json.Marshal(messages)
	if err != nil {
		return "", nil, fmt.Errorf("anthropic dialect: marshaling messages: %w", err)
	}

	body := []byte(`{}`)
	body, _ = sjson.SetBytes(body, "model", cmp.Or(cfg.Name, req.Model))
	body, _ = sjson.SetBytes(body, "max_tokens", cmp.Or(req.MaxTokens, cfg.DefaultMaxTokens, 1024))
	if system != "" {
		body, _ = sjson.SetBytes(body, "system", system)
	}
	body, err = sjson.SetRawBytes(body, "messages", messagesJSON)
	if err != nil {
		return "", nil, fmt.Errorf("anthropic dialect: setting messages: %w", err)
	}
	return url, body, nil
}

func anthropicContent(m Message) []map[string]any {
	if len(m.Parts) == 0 {
		return []map[string]any{{"type": "text", "text": m.Text}}
	}
	parts := make([]map[string]any, 0, len(m.Parts))
	for _, p := range m.Parts {
		if p.Type != "image_url" {
			parts = append(parts, map[string]any{"type": "text", "text": p.Text})
			continue
		}
		mediaType, data, ok := parseDataURL(p.ImageURL)
		if !ok {
			parts = append(parts, map[string]any{"type": "text", "text": unsupportedImageText})
			continue
		}
		parts = append(parts, map[string]any{
			"type": "image",
			"source": map[string]any{
				"type":       "base64",
				"media_type": mediaType,
				"data":       data,
			},
		})
	}
	return parts
}

func parseAnthropicResponse(raw []byte) (UnifiedResponse, error) {
	text := gjson.GetBytes(raw, "content.0.text")
	if !text.Exists() {
		return UnifiedResponse{}, fmt.Errorf("anthropic dialect: response has no content[0].text")
	}
	input := gjson.GetBytes(raw, "usage.input_tokens").Int()
	output := gjson.GetBytes(raw, "usage.output_tokens").Int()
	usage := Usage{
		PromptTokens:     int(input),
		CompletionTokens: int(output),
		TotalTokens:      int(input + output),
	}
	return UnifiedResponse{Text: text.String(), Usage: usage.Clamp(), Success: true}, nil
}

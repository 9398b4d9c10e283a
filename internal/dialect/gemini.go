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
	"github.com/tidwall/sjson"

	"github.com/aicore-proxy/aicore-proxy/internal/config"
)

func buildGeminiRequest(baseURL string, cfg config.ModelConfig, req ChatRequest) (string, []byte, error) {
	url := openAIDeploymentURL(baseURL, cfg.DeploymentID, ":generateContent")

	contents := make([]map[string]any, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == "system" {
			// Gemini has no system turn in the contents array; callers that
			// need one route it through generationConfig.systemInstruction,
			// which this proxy does not yet populate.
			continue
		}
		contents = append(contents, map[string]any{
			"role":  geminiRole(m.Role),
			"parts": geminiParts(m),
		})
	}
	contentsJSON, err := json.Marshal(contents)
	if err != nil {
		return "", nil, fmt.Errorf("gemini dialect: marshaling contents: %w", err)
	}

	body := []byte(`{}`)
	body, err = sjson.SetRawBytes(body, "contents", contentsJSON)
	if err != nil {
		return "", nil, fmt.Errorf("gemini dialect: setting contents: %w", err)
	}
	body, _ = sjson.SetBytes(body, "generationConfig.maxOutputTokens", cmp.Or(req.MaxTokens, cfg.DefaultMaxTokens, 1024))
	if req.Temperature != nil {
		body, _ = sjson.SetBytes(body, "generationConfig.temperature", *req.Temperature)
	}
	if req.TopP != nil {
		body, _ = sjson.SetBytes(body, "generationConfig.topP", *req.TopP)
	}
	return url, body, nil
}

func geminiRole(role string) string {
	if role == "assistant" {
		return "model"
	}
	return "user"
}

func geminiParts(m Message) []map[string]any {
	if len(m.Parts) == 0 {
		return []map[string]any{{"text": m.Text}}
	}
	parts := make([]map[string]any, 0, len(m.Parts))
	for _, p := range m.Parts {
		if p.Type != "image_url" {
			parts = append(parts, map[string]any{"text": p.Text})
			continue
		}
		mediaType, data, ok := parseDataURL(p.ImageURL)
		if !ok {
			parts = append(parts, map[string]any{"text": unsupportedImageText})
			continue
		}
		parts = append(parts, map[string]any{
			"inline_data": map[string]any{"mime_type": mediaType, "data": data},
		})
	}
	return parts
}

func parseGeminiResponse(raw []byte) (UnifiedResponse, error) {
	text := gjson.GetBytes(raw, "candidates.0.content.parts.0.text")
	if !text.Exists() {
		return UnifiedResponse{}, fmt.Errorf("gemini dialect: response has no candidates[0].content.parts[0].text")
	}
	usage := Usage{
		PromptTokens:     int(gjson.GetBytes(raw, "usageMetadata.promptTokenCount").Int()),
		CompletionTokens: int(gjson.GetBytes(raw, "usageMetadata.candidatesTokenCount").Int()),
		TotalTokens:      int(gjson.GetBytes(raw, "usageMetadata.totalTokenCount").Int()),
	}
	return UnifiedResponse{Text: strings.TrimSpace(text.String()), Usage: usage.Clamp(), Success: true}, nil
}

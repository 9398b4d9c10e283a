// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package pipeline

import (
	"fmt"
	"strings"

	"github.com/aicore-proxy/aicore-proxy/internal/config"
	"github.com/aicore-proxy/aicore-proxy/internal/dialect"
)

// Limits are the request-structure bounds enforced by the validation gate,
// read once at startup from the environment.
type Limits struct {
	MaxMessagesPerRequest int
	MaxContentLength      int
}

var validRoles = map[string]bool{"system": true, "user": true, "assistant": true}

// Validate checks a decoded request against the validation gate rules and
// returns every violation found, not just the first. An empty slice means
// the request may proceed. known is nil when the model is not routable;
// model-dependent checks are skipped in that case since the pipeline will
// reject with 404 before any of them matter.
func Validate(limits Limits, known *config.ModelConfig, req dialect.ChatRequest) []string {
	var problems []string

	if len(req.Messages) == 0 {
		problems = append(problems, "messages must not be empty")
	}
	if limits.MaxMessagesPerRequest > 0 && len(req.Messages) > limits.MaxMessagesPerRequest {
		problems = append(problems, fmt.Sprintf("messages exceeds the maximum of %d per request", limits.MaxMessagesPerRequest))
	}

	for i, m := range req.Messages {
		if !validRoles[m.Role] {
			problems = append(problems, fmt.Sprintf("messages[%d].role %q is not one of system, user, assistant", i, m.Role))
		}
		problems = append(problems, validateContent(limits, known, i, m)...)
	}

	if req.MaxTokens < 0 {
		problems = append(problems, "max_tokens must be a positive integer")
	}
	if known != nil && known.DefaultMaxTokens > 0 && req.MaxTokens > known.DefaultMaxTokens {
		problems = append(problems, fmt.Sprintf("max_tokens %d exceeds the model's cap of %d", req.MaxTokens, known.DefaultMaxTokens))
	}
	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
		problems = append(problems, "temperature must be within [0, 2]")
	}
	if req.TopP != nil && (*req.TopP < 0 || *req.TopP > 1) {
		problems = append(problems, "top_p must be within [0, 1]")
	}
	if req.FrequencyPenalty != nil && (*req.FrequencyPenalty < -2 || *req.FrequencyPenalty > 2) {
		problems = append(problems, "frequency_penalty must be within [-2, 2]")
	}
	if req.PresencePenalty != nil && (*req.PresencePenalty < -2 || *req.PresencePenalty > 2) {
		problems = append(problems, "presence_penalty must be within [-2, 2]")
	}

	return problems
}

func validateContent(limits Limits, known *config.ModelConfig, i int, m dialect.Message) []string {
	var problems []string

	if len(m.Parts) == 0 {
		if strings.TrimSpace(m.Text) == "" {
			problems = append(problems, fmt.Sprintf("messages[%d].content must not be empty", i))
		}
		if limits.MaxContentLength > 0 && len(m.Text) > limits.MaxContentLength {
			problems = append(problems, fmt.Sprintf("messages[%d].content exceeds the maximum length of %d", i, limits.MaxContentLength))
		}
		return problems
	}

	for j, p := range m.Parts {
		switch p.Type {
		case "text":
			if strings.TrimSpace(p.Text) == "" {
				problems = append(problems, fmt.Sprintf("messages[%d].content[%d].text must not be empty", i, j))
			}
			if limits.MaxContentLength > 0 && len(p.Text) > limits.MaxContentLength {
				problems = append(problems, fmt.Sprintf("messages[%d].content[%d].text exceeds the maximum length of %d", i, j, limits.MaxContentLength))
			}
		case "image_url":
			if p.ImageURL == "" {
				problems = append(problems, fmt.Sprintf("messages[%d].content[%d].image_url.url is required", i, j))
			}
			if known != nil && !known.SupportsVision {
				problems = append(problems, fmt.Sprintf("messages[%d].content[%d]: model %q does not support image input", i, j, known.Name))
			}
		default:
			problems = append(problems, fmt.Sprintf("messages[%d].content[%d].type %q is not one of text, image_url", i, j, p.Type))
		}
	}
	return problems
}

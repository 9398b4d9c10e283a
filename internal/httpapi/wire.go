// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package httpapi

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/aicore-proxy/aicore-proxy/internal/dialect"
	"github.com/aicore-proxy/aicore-proxy/internal/sanitize"
)

// wireMessage is one OpenAI-protocol chat message as received on the wire.
// Content is either a JSON string or an array of typed parts.
type wireMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// wireRequest is the OpenAI-compatible chat-completion request body.
type wireRequest struct {
	Model               string        `json:"model"`
	Messages            []wireMessage `json:"messages"`
	Stream              bool          `json:"stream"`
	MaxTokens           int           `json:"max_tokens"`
	MaxCompletionTokens int           `json:"max_completion_tokens"`
	Temperature         *float64      `json:"temperature"`
	TopP                *float64      `json:"top_p"`
	FrequencyPenalty    *float64      `json:"frequency_penalty"`
	PresencePenalty     *float64      `json:"presence_penalty"`
}

type wirePart struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	ImageURL struct {
		URL string `json:"url"`
	} `json:"image_url"`
}

// decodeChatRequest parses an OpenAI-protocol body into the proxy's
// wire-agnostic request shape, stripping NUL bytes from every string on
// the way in.
func decodeChatRequest(body []byte) (dialect.ChatRequest, error) {
	var wire wireRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return dialect.ChatRequest{}, fmt.Errorf("request body is not valid JSON: %w", err)
	}

	req := dialect.ChatRequest{
		Model:            sanitize.StripNUL(wire.Model),
		Stream:           wire.Stream,
		MaxTokens:        wire.MaxTokens,
		Temperature:      wire.Temperature,
		TopP:             wire.TopP,
		FrequencyPenalty: wire.FrequencyPenalty,
		PresencePenalty:  wire.PresencePenalty,
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = wire.MaxCompletionTokens
	}

	for i, m := range wire.Messages {
		msg, err := decodeMessage(m)
		if err != nil {
			return dialect.ChatRequest{}, fmt.Errorf("messages[%d]: %w", i, err)
		}
		req.Messages = append(req.Messages, msg)
	}
	return req, nil
}

func decodeMessage(m wireMessage) (dialect.Message, error) {
	msg := dialect.Message{Role: sanitize.StripNUL(m.Role)}
	if len(m.Content) == 0 {
		return msg, nil
	}

	var text string
	if err := json.Unmarshal(m.Content, &text); err == nil {
		msg.Text = sanitize.StripNUL(text)
		return msg, nil
	}

	var parts []wirePart
	if err := json.Unmarshal(m.Content, &parts); err != nil {
		return dialect.Message{}, fmt.Errorf("content must be a string or an array of parts")
	}
	for _, p := range parts {
		msg.Parts = append(msg.Parts, dialect.ContentPart{
			Type:     sanitize.StripNUL(p.Type),
			Text:     sanitize.StripNUL(p.Text),
			ImageURL: sanitize.StripNUL(p.ImageURL.URL),
		})
	}
	return msg, nil
}

// chatCompletion is the buffered OpenAI-compatible response body.
type chatCompletion struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   wireUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func newChatCompletion(id, model string, now time.Time, resp dialect.UnifiedResponse) chatCompletion {
	return chatCompletion{
		ID:      id,
		Object:  "chat.completion",
		Created: now.Unix(),
		Model:   model,
		Choices: []chatChoice{{
			Message:      chatMessage{Role: "assistant", Content: resp.Text},
			FinishReason: "stop",
		}},
		Usage: wireUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
}

// chunkDelta and chatCompletionChunk are the streamed variants.
type chunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type chunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type chatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []chunkChoice `json:"choices"`
	Usage   *wireUsage    `json:"usage,omitempty"`
}

func newChunk(id, model string, now time.Time, delta chunkDelta, finish *string, usage *dialect.Usage) chatCompletionChunk {
	chunk := chatCompletionChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: now.Unix(),
		Model:   model,
		Choices: []chunkChoice{{Delta: delta, FinishReason: finish}},
	}
	if usage != nil {
		chunk.Usage = &wireUsage{
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
			TotalTokens:      usage.TotalTokens,
		}
	}
	return chunk
}

// modelList is the /v1/models response body.
type modelList struct {
	Object string      `json:"object"`
	Data   []modelInfo `json:"data"`
}

type modelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

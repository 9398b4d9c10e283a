// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package dialect implements the model router and the three upstream
// protocol-dialect strategies (openai, anthropic, gemini). Each strategy
// is a request-builder/response-parser function pair dispatched through a
// function table keyed by the dialect tag; adding a dialect is a new tag
// and a new table entry.
package dialect

import "github.com/aicore-proxy/aicore-proxy/internal/config"

// ContentPart is one part of a possibly-multimodal message. Type is
// "text" or "image_url"; exactly one of Text/ImageURL is populated
// depending on Type.
type ContentPart struct {
	Type     string
	Text     string
	ImageURL string
}

// Message is one chat turn in the client's unified request shape.
type Message struct {
	Role string
	// Text holds plain string content. Parts, when non-empty, takes
	// precedence and represents multimodal content.
	Text  string
	Parts []ContentPart
}

// HasImage reports whether m carries an image_url part.
func (m Message) HasImage() bool {
	for _, p := range m.Parts {
		if p.Type == "image_url" {
			return true
		}
	}
	return false
}

// ChatRequest is the client request already decoded into the proxy's
// wire-agnostic shape, ready to be handed to a dialect's BuildRequest.
type ChatRequest struct {
	Model            string
	Messages         []Message
	MaxTokens        int
	Temperature      *float64
	TopP             *float64
	FrequencyPenalty *float64
	PresencePenalty  *float64
	Stream           bool
}

// HasImage reports whether any message in the request carries an image.
func (r ChatRequest) HasImage() bool {
	for _, m := range r.Messages {
		if m.HasImage() {
			return true
		}
	}
	return false
}

// Usage is the normalized token accounting for one upstream call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Clamp floors every field at zero, since a malformed upstream usage block
// must never propagate a negative count to the client.
func (u Usage) Clamp() Usage {
	if u.PromptTokens < 0 {
		u.PromptTokens = 0
	}
	if u.CompletionTokens < 0 {
		u.CompletionTokens = 0
	}
	if u.TotalTokens < 0 {
		u.TotalTokens = 0
	}
	return u
}

// UnifiedResponse is the dialect-independent result of parsing an upstream
// response body.
type UnifiedResponse struct {
	Text    string
	Usage   Usage
	Success bool
}

// BuildRequestFunc constructs the upstream URL and request body for a chat
// request against a specific deployment.
type BuildRequestFunc func(baseURL string, cfg config.ModelConfig, req ChatRequest) (url string, body []byte, err error)

// ParseResponseFunc parses a raw upstream response body into a UnifiedResponse.
type ParseResponseFunc func(raw []byte) (UnifiedResponse, error)

// Strategy pairs a dialect's request builder and response parser.
type Strategy struct {
	BuildRequest  BuildRequestFunc
	ParseResponse ParseResponseFunc
}

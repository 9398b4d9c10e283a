// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package streaming

import (
	"bufio"
	"io"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/aicore-proxy/aicore-proxy/internal/config"
	"github.com/aicore-proxy/aicore-proxy/internal/dialect"
)

// event is one decoded server-sent-event data payload.
type event struct {
	delta    string
	usage    *dialect.Usage
	finished bool
}

// extractor turns one dialect's SSE data payload into an event.
type extractor func(data string, acc *dialect.Usage) event

var extractors = map[config.Dialect]extractor{
	config.DialectOpenAI:    extractOpenAI,
	config.DialectAnthropic: extractAnthropic,
	config.DialectGemini:    extractGemini,
}

// readSSE consumes a text/event-stream body line by line, decoding each
// data payload with the dialect's extractor and handing the resulting
// events to emit. Reading stops on stream end, a [DONE] sentinel, an
// extractor-signalled finish, or an emit error (client gone).
func readSSE(body io.Reader, d config.Dialect, emit func(event) error) error {
	ext, ok := extractors[d]
	if !ok {
		ext = extractOpenAI
	}

	var acc dialect.Usage
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			return emit(event{usage: &acc, finished: true})
		}
		ev := ext(data, &acc)
		if err := emit(ev); err != nil {
			return err
		}
		if ev.finished {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	// Stream ended without an explicit terminator; close it out ourselves
	// so the client always observes a finished chunk.
	return emit(event{usage: &acc, finished: true})
}

func extractOpenAI(data string, acc *dialect.Usage) event {
	ev := event{delta: gjson.Get(data, "choices.0.delta.content").String()}
	if u := gjson.Get(data, "usage"); u.Exists() && u.IsObject() {
		acc.PromptTokens = int(u.Get("prompt_tokens").Int())
		acc.CompletionTokens = int(u.Get("completion_tokens").Int())
		acc.TotalTokens = int(u.Get("total_tokens").Int())
	}
	if fr := gjson.Get(data, "choices.0.finish_reason"); fr.Exists() && fr.String() != "" {
		ev.finished = true
		ev.usage = acc
	}
	return ev
}

func extractAnthropic(data string, acc *dialect.Usage) event {
	switch gjson.Get(data, "type").String() {
	case "message_start":
		acc.PromptTokens = int(gjson.Get(data, "message.usage.input_tokens").Int())
		return event{}
	case "content_block_delta":
		return event{delta: gjson.Get(data, "delta.text").String()}
	case "message_delta":
		acc.CompletionTokens = int(gjson.Get(data, "usage.output_tokens").Int())
		acc.TotalTokens = acc.PromptTokens + acc.CompletionTokens
		return event{}
	case "message_stop":
		return event{usage: acc, finished: true}
	default:
		return event{}
	}
}

func extractGemini(data string, acc *dialect.Usage) event {
	ev := event{delta: gjson.Get(data, "candidates.0.content.parts.0.text").String()}
	if u := gjson.Get(data, "usageMetadata"); u.Exists() {
		acc.PromptTokens = int(u.Get("promptTokenCount").Int())
		acc.CompletionTokens = int(u.Get("candidatesTokenCount").Int())
		acc.TotalTokens = int(u.Get("totalTokenCount").Int())
	}
	if fr := gjson.Get(data, "candidates.0.finishReason"); fr.Exists() && fr.String() != "" {
		ev.finished = true
		ev.usage = acc
	}
	return ev
}

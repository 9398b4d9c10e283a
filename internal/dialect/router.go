// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package dialect

import "github.com/aicore-proxy/aicore-proxy/internal/config"

var strategies = map[config.Dialect]Strategy{
	config.DialectOpenAI:    {BuildRequest: buildOpenAIRequest, ParseResponse: parseOpenAIResponse},
	config.DialectAnthropic: {BuildRequest: buildAnthropicRequest, ParseResponse: parseAnthropicResponse},
	config.DialectGemini:    {BuildRequest: buildGeminiRequest, ParseResponse: parseGeminiResponse},
}

// For returns the strategy registered for d, falling back to the OpenAI
// dialect for any unrecognized tag.
func For(d config.Dialect) Strategy {
	if s, ok := strategies[d]; ok {
		return s
	}
	return strategies[config.DialectOpenAI]
}

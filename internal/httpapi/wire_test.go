// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package httpapi

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeChatRequest_StringContent(t *testing.T) {
	req, err := decodeChatRequest([]byte(`{"model":"m","messages":[{"role":"user","content":"hello"}],"max_tokens":50,"stream":true}`))
	require.NoError(t, err)
	require.Equal(t, "m", req.Model)
	require.True(t, req.Stream)
	require.Equal(t, 50, req.MaxTokens)
	require.Len(t, req.Messages, 1)
	require.Equal(t, "hello", req.Messages[0].Text)
	require.Empty(t, req.Messages[0].Parts)
}

func TestDecodeChatRequest_PartsContent(t *testing.T) {
	body := `{"model":"m","messages":[{"role":"user","content":[
		{"type":"text","text":"what is this?"},
		{"type":"image_url","image_url":{"url":"data:image/png;base64,aGk="}}
	]}]}`
	req, err := decodeChatRequest([]byte(body))
	require.NoError(t, err)
	require.Len(t, req.Messages[0].Parts, 2)
	require.Equal(t, "text", req.Messages[0].Parts[0].Type)
	require.Equal(t, "image_url", req.Messages[0].Parts[1].Type)
	require.Equal(t, "data:image/png;base64,aGk=", req.Messages[0].Parts[1].ImageURL)
	require.True(t, req.HasImage())
}

func TestDecodeChatRequest_MaxCompletionTokensFallback(t *testing.T) {
	req, err := decodeChatRequest([]byte(`{"model":"m","messages":[],"max_completion_tokens":77}`))
	require.NoError(t, err)
	require.Equal(t, 77, req.MaxTokens)
}

func TestDecodeChatRequest_StripsNULBytes(t *testing.T) {
	req, err := decodeChatRequest([]byte(`{"model":"m\u0000x","messages":[{"role":"user","content":"a\u0000b"}]}`))
	require.NoError(t, err)
	require.Equal(t, "mx", req.Model)
	require.Equal(t, "ab", req.Messages[0].Text)
}

func TestDecodeChatRequest_RejectsMalformedContent(t *testing.T) {
	_, err := decodeChatRequest([]byte(`{"model":"m","messages":[{"role":"user","content":42}]}`))
	require.Error(t, err)

	_, err = decodeChatRequest([]byte(`not json`))
	require.Error(t, err)
}

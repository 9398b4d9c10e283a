// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package apperror defines the OpenAI-style error envelope returned to
// clients: {"error":{"message","type","code"}} with a fixed kind-to-status
// mapping.
package apperror

import (
	"encoding/json"
	"net/http"

	"github.com/aicore-proxy/aicore-proxy/internal/sanitize"
)

// Kind classifies a client-facing error and determines its HTTP status.
type Kind string

const (
	KindAuthentication  Kind = "authentication_error"
	KindValidation      Kind = "validation_error"
	KindPayloadTooLarge Kind = "payload_too_large_error"
	KindRateLimit       Kind = "rate_limit_error"
	KindUpstream        Kind = "upstream_error"
	KindNotFound        Kind = "not_found"
)

var statusByKind = map[Kind]int{
	KindAuthentication:  http.StatusUnauthorized,
	KindValidation:      http.StatusBadRequest,
	KindPayloadTooLarge: http.StatusRequestEntityTooLarge,
	KindRateLimit:       http.StatusTooManyRequests,
	KindUpstream:        http.StatusBadGateway,
	KindNotFound:        http.StatusNotFound,
}

// Error is a client-facing error. Message is always sanitized before it is
// set so that bearer tokens, deployment ids and similar secrets never reach
// a client or a log sink.
type Error struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

// New builds an Error, sanitizing the message.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: sanitize.String(message)}
}

// HTTPStatus returns the status code the error kind maps to.
func (e *Error) HTTPStatus() int {
	if s, ok := statusByKind[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// envelope is the wire shape: {"error":{"message","type","code"}}.
type envelope struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
	} `json:"error"`
}

// Write renders the error as the OpenAI-compatible JSON body and sets the
// matching HTTP status code.
func Write(w http.ResponseWriter, err *Error) {
	var env envelope
	env.Error.Message = err.Message
	env.Error.Type = string(err.Kind)
	env.Error.Code = err.Code
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.HTTPStatus())
	_ = json.NewEncoder(w).Encode(env)
}

// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package dialect

import "strings"

// parseDataURL splits a "data:<media-type>;base64,<data>" URL into its
// media type and base64 payload. It reports false for any other scheme,
// including ordinary http(s) image URLs, which the caller must handle
// with a sentinel text part instead.
func parseDataURL(url string) (mediaType, data string, ok bool) {
	const prefix = "data:"
	if !strings.HasPrefix(url, prefix) {
		return "", "", false
	}
	rest := url[len(prefix):]
	meta, payload, found := strings.Cut(rest, ",")
	if !found {
		return "", "", false
	}
	mediaType, enc, found := strings.Cut(meta, ";")
	if !found || enc != "base64" {
		return "", "", false
	}
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}
	return mediaType, payload, true
}

const unsupportedImageText = "[image omitted: unsupported URL scheme, only data: URLs are forwarded]"

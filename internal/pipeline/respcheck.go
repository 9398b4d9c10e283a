// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package pipeline

import (
	"fmt"
	"strings"

	"github.com/aicore-proxy/aicore-proxy/internal/dialect"
)

// visionFailurePhrases is the heuristic phrase list used to detect that a
// vision-capable model's answer amounts to "I cannot see the image you
// attached". Matching is substring, case-insensitive, and deliberately
// limited to exactly these phrases; no intent is inferred beyond them.
var visionFailurePhrases = []string{
	"i cannot see",
	"i can't see",
	"i'm unable to see",
	"i am unable to see",
	"cannot view the image",
	"can't view the image",
	"unable to view the image",
	"cannot process the image",
	"unable to process the image",
	"no image was provided",
	"i don't see an image",
	"i do not see an image",
	"as a text-based",
}

// checkResponse enforces the post-call response rules: text must be
// non-empty, usage fields are clamped to non-negative, and when the
// request carried an image the text is screened against the
// vision-failure phrase list.
func checkResponse(resp dialect.UnifiedResponse, hadImage bool) (dialect.UnifiedResponse, bool, error) {
	if strings.TrimSpace(resp.Text) == "" {
		return dialect.UnifiedResponse{}, false, fmt.Errorf("upstream returned an empty completion")
	}
	resp.Usage = resp.Usage.Clamp()

	if !hadImage {
		return resp, false, nil
	}
	lower := strings.ToLower(resp.Text)
	for _, phrase := range visionFailurePhrases {
		if strings.Contains(lower, phrase) {
			return resp, true, nil
		}
	}
	return resp, false, nil
}

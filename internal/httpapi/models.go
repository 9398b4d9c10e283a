// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package httpapi

import (
	"encoding/json"
	"net/http"
)

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	list := modelList{Object: "list", Data: make([]modelInfo, 0, len(s.models))}
	for _, m := range s.models {
		list.Data = append(list.Data, modelInfo{
			ID:      m.Name,
			Object:  "model",
			Created: s.startedAt.Unix(),
			OwnedBy: "aicore-proxy",
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(list)
}

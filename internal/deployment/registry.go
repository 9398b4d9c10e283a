// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package deployment resolves a model name to an upstream deployment id.
// Catalog entries are duck-typed JSON from the upstream; rather than
// unmarshal into a rigid struct (and break whenever the upstream nests a
// field differently), this package probes a known, ordered list of
// attribute paths with gjson: defensive, allocation-light reads over raw
// JSON instead of strict unmarshal/remarshal round-trips.
package deployment

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/aicore-proxy/aicore-proxy/internal/credential"
	"github.com/aicore-proxy/aicore-proxy/internal/lang"
)

const (
	catalogPath   = "/v2/lm/deployments?scenarioId=foundation-models"
	runningStatus = "RUNNING"
)

// modelNamePaths are probed in order; the first path present on a catalog
// entry wins. Upstream catalogs nest the served model name differently
// depending on the backend that registered the deployment.
var modelNamePaths = []string{
	"details.resources.backend_details.model.name",
	"details.resources.backendDetails.model.name",
	"details.resources.backend_details.model_name",
	"configurationName",
}

var statusPaths = []string{"status", "details.status"}
var urlPaths = []string{"deploymentUrl", "details.resources.consumption_url", "url"}
var idPaths = []string{"id", "deploymentId"}

// Deployment is the normalized view of a single upstream catalog entry.
type Deployment struct {
	ID             string
	ModelName      string
	Status         string
	ConsumptionURL string
}

// NotDeployed is returned when the catalog has no deployment at all for
// the model; a deployment that exists but is not RUNNING gives NotRunning.
type NotDeployed struct{ Model string }

func (e *NotDeployed) Error() string { return fmt.Sprintf("model %q is not deployed", e.Model) }

// NotRunning is returned when a deployment exists for the model but is not RUNNING.
type NotRunning struct {
	Model  string
	Status string
}

func (e *NotRunning) Error() string {
	return fmt.Sprintf("deployment for model %q is %s, not RUNNING", e.Model, e.Status)
}

// DiscoveryFailed wraps a catalog-fetch failure.
type DiscoveryFailed struct{ Err error }

func (e *DiscoveryFailed) Error() string { return fmt.Sprintf("deployment discovery failed: %v", e.Err) }
func (e *DiscoveryFailed) Unwrap() error { return e.Err }

// Registry resolves model names to deployment ids, caching the upstream
// catalog for a TTL and honoring a per-model environment override that
// bypasses the cache entirely.
type Registry struct {
	baseURL    string
	broker     *credential.Broker
	httpClient *http.Client
	ttl        time.Duration
	now        func() time.Time

	mu        sync.RWMutex
	byModel   map[string]Deployment
	fetchedAt time.Time
}

// New creates a Registry that fetches the catalog from baseURL using tokens
// from broker, caching catalog entries for ttl.
func New(baseURL string, broker *credential.Broker, ttl time.Duration) *Registry {
	return &Registry{
		baseURL:    strings.TrimRight(baseURL, "/"),
		broker:     broker,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		ttl:        ttl,
		now:        time.Now,
		byModel:    make(map[string]Deployment),
	}
}

// Resolve returns the deployment id for model, honoring the environment
// override first. bestEffort, when true, allows a stale cache entry to be
// returned if a catalog refresh is needed but fails.
func (r *Registry) Resolve(ctx context.Context, model string, bestEffort bool) (string, error) {
	if override := envOverride(model); override != "" {
		return override, nil
	}

	if dep, ok := r.freshCacheLookup(model); ok {
		return checkRunning(model, dep)
	}

	if err := r.refresh(ctx); err != nil {
		if dep, ok := r.staleCacheLookup(model); ok && bestEffort && dep.Status == runningStatus {
			return dep.ID, nil
		}
		return "", &DiscoveryFailed{Err: err}
	}

	dep, ok := r.staleCacheLookup(model)
	if !ok {
		return "", &NotDeployed{Model: model}
	}
	return checkRunning(model, dep)
}

func checkRunning(model string, dep Deployment) (string, error) {
	if dep.Status != runningStatus {
		return "", &NotRunning{Model: model, Status: dep.Status}
	}
	return dep.ID, nil
}

func (r *Registry) freshCacheLookup(model string) (Deployment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.now().Sub(r.fetchedAt) >= r.ttl {
		return Deployment{}, false
	}
	dep, ok := r.byModel[model]
	return dep, ok
}

func (r *Registry) staleCacheLookup(model string) (Deployment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dep, ok := r.byModel[model]
	return dep, ok
}

// refresh fetches the upstream catalog and atomically swaps the cache.
func (r *Registry) refresh(ctx context.Context) error {
	tok, err := r.broker.GetToken(ctx)
	if err != nil {
		return fmt.Errorf("fetching credential for catalog request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+catalogPath, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	req.Header.Set("AI-Resource-Group", "default")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("catalog request returned status %d: %s", resp.StatusCode, body)
	}

	// Retain every entry with a recognizable model name so a non-running
	// deployment can be reported as such; a RUNNING entry always wins over
	// a non-running duplicate for the same model.
	next := make(map[string]Deployment)
	for _, entry := range gjson.GetBytes(body, "resources").Array() {
		dep := decodeEntry(entry)
		if dep.ModelName == "" {
			continue
		}
		if existing, ok := next[dep.ModelName]; ok && existing.Status == runningStatus && dep.Status != runningStatus {
			continue
		}
		next[dep.ModelName] = dep
	}

	r.mu.Lock()
	r.byModel = next
	r.fetchedAt = r.now()
	r.mu.Unlock()
	return nil
}

func decodeEntry(entry gjson.Result) Deployment {
	dep := Deployment{
		ID:             firstMatch(entry, idPaths),
		ModelName:      firstMatch(entry, modelNamePaths),
		Status:         firstMatch(entry, statusPaths),
		ConsumptionURL: firstMatch(entry, urlPaths),
	}
	// Some upstreams return top-level status/id keys in inconsistent case
	// (e.g. "Status" vs "status"); fall back to a case-insensitive lookup
	// against the decoded top-level object before giving up.
	if dep.Status == "" || dep.ID == "" {
		if top, ok := entry.Value().(map[string]any); ok {
			if dep.Status == "" {
				dep.Status = lang.CaseInsensitiveValue(top, "status")
			}
			if dep.ID == "" {
				dep.ID = lang.CaseInsensitiveValue(top, "id")
			}
		}
	}
	return dep
}

func firstMatch(entry gjson.Result, paths []string) string {
	for _, p := range paths {
		if v := entry.Get(p); v.Exists() {
			return v.String()
		}
	}
	return ""
}

var nonAlnum = regexp.MustCompile(`[^A-Za-z0-9]+`)

// EnvVarName derives the *_DEPLOYMENT_ID environment variable name for a
// model: uppercase, non-alphanumerics collapsed to single underscores,
// leading/trailing underscores stripped, suffixed with _DEPLOYMENT_ID.
func EnvVarName(model string) string {
	upper := strings.ToUpper(model)
	collapsed := nonAlnum.ReplaceAllString(upper, "_")
	trimmed := strings.Trim(collapsed, "_")
	return trimmed + "_DEPLOYMENT_ID"
}

func envOverride(model string) string {
	return os.Getenv(EnvVarName(model))
}

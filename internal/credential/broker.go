// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package credential implements the upstream credential broker: a cached,
// single-flight OAuth2 client-credentials token source. Tokens are served
// from cache while their remaining lifetime exceeds a skew buffer, and at
// most one refresh is ever in flight regardless of request concurrency.
package credential

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"
)

// UpstreamAuthError wraps a non-2xx response from the token endpoint.
type UpstreamAuthError struct {
	Err error
}

func (e *UpstreamAuthError) Error() string { return fmt.Sprintf("upstream auth error: %v", e.Err) }
func (e *UpstreamAuthError) Unwrap() error { return e.Err }

// NetworkError wraps a transport-level failure talking to the token endpoint.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("network error: %v", e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// Token is a bearer token with its absolute expiry instant.
type Token struct {
	AccessToken string
	Expiry      time.Time
}

// clock is overridable in tests.
type clock func() time.Time

// Broker obtains and caches a short-lived bearer token for the upstream,
// serializing concurrent refreshes so only one token request is ever
// in flight at a time.
type Broker struct {
	oauthCfg   clientcredentials.Config
	skewBuffer time.Duration
	httpClient *http.Client
	now        clock

	mu      sync.RWMutex
	current *Token

	group singleflight.Group
}

// New creates a Broker that fetches tokens from authURL using HTTP Basic
// client-credentials auth. skewBuffer must be at least 60s; New does not
// check it, config.Load raises smaller configured values to 60s.
func New(authURL, clientID, clientSecret string, skewBuffer time.Duration) *Broker {
	return &Broker{
		oauthCfg: clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     authURL,
			AuthStyle:    oauth2.AuthStyleInHeader,
		},
		skewBuffer: skewBuffer,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		now:        time.Now,
	}
}

// GetToken returns the cached token if its remaining lifetime exceeds the
// skew buffer. Otherwise it starts (or joins) a single in-flight refresh;
// all concurrent callers observe the same refresh result. The cache is
// never poisoned by a failed refresh: a prior valid token, if any, is left
// untouched.
func (b *Broker) GetToken(ctx context.Context) (Token, error) {
	if tok, ok := b.validCached(); ok {
		return tok, nil
	}

	v, err, _ := b.group.Do("refresh", func() (any, error) {
		// Re-check under the group: another goroutine may have refreshed
		// while we were waiting to enter Do.
		if tok, ok := b.validCached(); ok {
			return tok, nil
		}
		return b.refresh(ctx)
	})
	if err != nil {
		return Token{}, err
	}
	return v.(Token), nil
}

func (b *Broker) validCached() (Token, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.current == nil {
		return Token{}, false
	}
	if b.current.Expiry.Sub(b.now()) < b.skewBuffer {
		return Token{}, false
	}
	return *b.current, true
}

func (b *Broker) refresh(ctx context.Context) (Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, b.httpClient)
	raw, err := b.oauthCfg.Token(ctx)
	if err != nil {
		var netErr interface{ Timeout() bool }
		if ok := asNetworkError(err, &netErr); ok {
			return Token{}, &NetworkError{Err: err}
		}
		return Token{}, &UpstreamAuthError{Err: err}
	}

	expiry := raw.Expiry
	if expiry.IsZero() {
		// Some token endpoints omit expires_in entirely; treat as short-lived
		// so the next call re-fetches rather than caching forever.
		expiry = b.now().Add(b.skewBuffer)
	}

	tok := Token{AccessToken: raw.AccessToken, Expiry: expiry}
	b.mu.Lock()
	b.current = &tok
	b.mu.Unlock()
	return tok, nil
}

func asNetworkError(err error, target *interface{ Timeout() bool }) bool {
	type timeouter interface{ Timeout() bool }
	for e := err; e != nil; {
		if t, ok := e.(timeouter); ok {
			*target = t
			return true
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		e = u.Unwrap()
	}
	return false
}

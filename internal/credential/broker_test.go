// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package credential

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func tokenServer(t *testing.T, expiresIn int, calls *int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(calls, 1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":"tok-%d","token_type":"Bearer","expires_in":%d}`, atomic.LoadInt64(calls), expiresIn)
	}))
}

func TestGetToken_CachesUntilSkew(t *testing.T) {
	var calls int64
	srv := tokenServer(t, 3600, &calls)
	defer srv.Close()

	b := New(srv.URL, "id", "secret", 60*time.Second)
	tok1, err := b.GetToken(t.Context())
	require.NoError(t, err)
	tok2, err := b.GetToken(t.Context())
	require.NoError(t, err)
	require.Equal(t, tok1.AccessToken, tok2.AccessToken)
	require.EqualValues(t, 1, atomic.LoadInt64(&calls))
}

func TestGetToken_RefreshesBelowSkewBuffer(t *testing.T) {
	var calls int64
	srv := tokenServer(t, 30, &calls) // expires in 30s < 60s skew.
	defer srv.Close()

	b := New(srv.URL, "id", "secret", 60*time.Second)
	tok1, err := b.GetToken(t.Context())
	require.NoError(t, err)
	tok2, err := b.GetToken(t.Context())
	require.NoError(t, err)
	require.NotEqual(t, tok1.AccessToken, tok2.AccessToken)
	require.EqualValues(t, 2, atomic.LoadInt64(&calls))
}

func TestGetToken_NeverReturnsTokenBelowSkewBuffer(t *testing.T) {
	var calls int64
	srv := tokenServer(t, 3600, &calls)
	defer srv.Close()

	b := New(srv.URL, "id", "secret", 60*time.Second)
	tok, err := b.GetToken(t.Context())
	require.NoError(t, err)
	require.GreaterOrEqual(t, time.Until(tok.Expiry), 60*time.Second)
}

func TestGetToken_CoalescesConcurrentRefreshes(t *testing.T) {
	var calls int64
	srv := tokenServer(t, 3600, &calls)
	defer srv.Close()

	b := New(srv.URL, "id", "secret", 60*time.Second)
	var wg sync.WaitGroup
	tokens := make([]Token, 20)
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := b.GetToken(t.Context())
			require.NoError(t, err)
			tokens[i] = tok
		}(i)
	}
	wg.Wait()
	for _, tok := range tokens {
		require.Equal(t, tokens[0].AccessToken, tok.AccessToken)
	}
	require.EqualValues(t, 1, atomic.LoadInt64(&calls))
}

func TestGetToken_FailurePropagatesWithoutPoisoningCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid_client"}`))
	}))
	defer srv.Close()

	b := New(srv.URL, "id", "secret", 60*time.Second)
	_, err := b.GetToken(t.Context())
	require.Error(t, err)
	require.Nil(t, b.current)
}

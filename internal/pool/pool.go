// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package pool tracks per-model usage handles in a mutex-guarded map and
// evicts the ones that have gone idle via a ticker-driven sweeper.
package pool

import (
	"context"
	"sync"
	"time"
)

// Handle is the pooled per-model record: when the model was last used and
// how many requests it has served since the handle was created.
type Handle struct {
	Model string

	mu       sync.Mutex
	lastUsed time.Time
	requests int64
}

// Touch marks the handle as used now and increments its request count.
func (h *Handle) Touch(now time.Time) {
	h.mu.Lock()
	h.lastUsed = now
	h.requests++
	h.mu.Unlock()
}

// Requests returns the number of requests served through this handle.
func (h *Handle) Requests() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.requests
}

func (h *Handle) idleSince(now time.Time) time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return now.Sub(h.lastUsed)
}

// Pool is the mutex-guarded model-handle map. A handle is created on first
// use of a model, never twice concurrently, and evicted by the sweeper
// once idle longer than the threshold.
type Pool struct {
	idleTTL time.Duration
	sweep   time.Duration
	now     func() time.Time

	mu      sync.Mutex
	handles map[string]*Handle
}

// New creates a Pool evicting handles idle longer than idleTTL, sweeping
// every sweepInterval.
func New(idleTTL, sweepInterval time.Duration) *Pool {
	return &Pool{
		idleTTL: idleTTL,
		sweep:   sweepInterval,
		now:     time.Now,
		handles: make(map[string]*Handle),
	}
}

// Acquire returns the handle for model, creating it on first use, and
// touches it.
func (p *Pool) Acquire(model string) *Handle {
	now := p.now()
	p.mu.Lock()
	h, ok := p.handles[model]
	if !ok {
		h = &Handle{Model: model}
		p.handles[model] = h
	}
	p.mu.Unlock()
	h.Touch(now)
	return h
}

// Len returns the number of live handles.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handles)
}

// Sweep removes every handle whose idle interval exceeds the threshold and
// returns how many were evicted.
func (p *Pool) Sweep() int {
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()
	evicted := 0
	for model, h := range p.handles {
		if h.idleSince(now) > p.idleTTL {
			delete(p.handles, model)
			evicted++
		}
	}
	return evicted
}

// Run sweeps periodically until ctx is cancelled. It is meant to be run in
// its own goroutine.
func (p *Pool) Run(ctx context.Context) {
	ticker := time.NewTicker(p.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Sweep()
		}
	}
}

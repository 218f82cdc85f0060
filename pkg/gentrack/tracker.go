// Package gentrack implements the Generation Tracker: the at-most-one-
// generation-per-thread gate and the external /stop entry point.
//
// Grounded on pkg/gateway/manager.go's per-key state map and the
// context.WithCancel propagation pattern used throughout pkg/agent/engine.go.
package gentrack

import (
	"context"
	"fmt"
	"sync"
	"time"

	"threadline/pkg/llm"
)

// Handle is returned by Start and represents one active generation. The
// caller (the Streaming Orchestrator) observes ctx.Done() at every
// suspension point and must call Cleanup exactly once on exit.
type Handle struct {
	ctx       context.Context
	cancelFn  context.CancelFunc
	StartedAt time.Time

	tracker *Tracker
	key     string

	mu     sync.Mutex
	reason llm.CancellationReason
}

// Context returns the cancellable context for this generation.
func (h *Handle) Context() context.Context { return h.ctx }

// Cancel marks the handle cancelled with reason and signals ctx.Done().
// Safe to call multiple times and from any goroutine; the first reason wins.
func (h *Handle) Cancel(reason llm.CancellationReason) {
	h.mu.Lock()
	if h.reason == "" {
		h.reason = reason
	}
	h.mu.Unlock()
	h.cancelFn()
}

// Reason returns the cancellation reason, or "" if not cancelled.
func (h *Handle) Reason() llm.CancellationReason {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reason
}

// Cleanup releases the handle's slot in the tracker. Must be called exactly
// once when the generation exits, regardless of outcome.
func (h *Handle) Cleanup() {
	h.cancelFn()
	h.tracker.release(h.key, h)
}

// Tracker enforces invariant 1: for any thread key and any instant, at most
// one generation handle is active.
type Tracker struct {
	mu     sync.Mutex
	active map[string]*Handle
}

func NewTracker() *Tracker {
	return &Tracker{active: make(map[string]*Handle)}
}

// Start returns a new Handle for key, or an error if one is already active.
// Callers that want to preempt an active generation must Cancel it first
// (the Message Batcher does this before re-calling Start for a new batch).
func (t *Tracker) Start(ctx context.Context, key string) (*Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.active[key]; ok {
		return nil, fmt.Errorf("generation already active for thread %s since %s", key, existing.StartedAt)
	}

	genCtx, cancel := context.WithCancel(ctx)
	h := &Handle{
		ctx:       genCtx,
		cancelFn:  cancel,
		StartedAt: time.Now(),
		tracker:   t,
		key:       key,
	}
	t.active[key] = h
	return h, nil
}

// Cancel signals the active generation for key, if any, and reports whether
// one was found.
func (t *Tracker) Cancel(key string, reason llm.CancellationReason) bool {
	t.mu.Lock()
	h, ok := t.active[key]
	t.mu.Unlock()
	if !ok {
		return false
	}
	h.Cancel(reason)
	return true
}

// IsActive reports whether a generation is currently running for key.
func (t *Tracker) IsActive(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.active[key]
	return ok
}

// Wait blocks until the generation for key (if any) has called Cleanup, or
// ctx is cancelled. Used by the Message Batcher to wait out an active
// generation it just cancelled before starting the next one.
func (t *Tracker) Wait(ctx context.Context, key string) error {
	for {
		t.mu.Lock()
		h, ok := t.active[key]
		t.mu.Unlock()
		if !ok {
			return nil
		}
		select {
		case <-h.ctx.Done():
			// The handle's context is cancelled, but Cleanup (release) may
			// not have run yet; poll briefly rather than assume completion.
			select {
			case <-time.After(5 * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (t *Tracker) release(key string, h *Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.active[key]; ok && cur == h {
		delete(t.active, key)
	}
}

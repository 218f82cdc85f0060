// Package batch implements the Message Batcher: it coalesces the rapid
// burst of fragments a chat user sends (several text messages in a row,
// a caption plus photo, etc.) into one Batch the rest of the pipeline
// processes as a unit, and preempts any generation already running for
// the same thread when a new batch is ready to go. The debounce timer
// pattern is grounded on pkg/channels/telegram/telegram_channel.go's
// mediaGroupBuffer, which holds an album's fragments behind a timer
// before treating them as one message; here it is generalized from
// media-only grouping to every kind of inbound fragment.
package batch

import (
	"context"
	"sync"
	"time"

	"threadline/pkg/api"
	"threadline/pkg/gentrack"
	"threadline/pkg/llm"
)

// Batch is the coalesced unit of work the rest of the pipeline consumes.
type Batch struct {
	Key      string               // thread key string this batch belongs to
	Messages []*api.UnifiedMessage // fragments in arrival order
}

// Handler is invoked once a batch closes and is ready for the Media
// Ingest / Prompt Composer / Orchestrator stages.
type Handler func(b *Batch)

type pending struct {
	batch *Batch
	timer *time.Timer
}

// Batcher accumulates inbound messages per thread key and flushes them
// either after a quiet period (text) or immediately (media, commands).
type Batcher struct {
	mu      sync.Mutex
	window  time.Duration
	pending map[string]*pending
	onReady Handler
	tracker *gentrack.Tracker
}

// NewBatcher builds a Batcher. window is W_text, the quiet period a
// text-only batch waits for more fragments before closing. tracker is
// consulted (and preempted) when a batch closes while a generation is
// already running for that thread.
func NewBatcher(window time.Duration, tracker *gentrack.Tracker, onReady Handler) *Batcher {
	return &Batcher{
		window:  window,
		pending: make(map[string]*pending),
		tracker: tracker,
		onReady: onReady,
	}
}

// Submit adds msg to key's in-flight batch. isMedia messages (photos,
// documents, voice notes) close the batch immediately rather than
// waiting out the window, since there is nothing more for the window to
// usefully wait for. isCommand messages are never batched with anything
// else: any pending batch for the thread is flushed first, then the
// command is delivered alone.
func (b *Batcher) Submit(key string, msg *api.UnifiedMessage, isMedia, isCommand bool) {
	b.mu.Lock()

	if isCommand {
		p, ok := b.pending[key]
		delete(b.pending, key)
		b.mu.Unlock()
		if ok {
			p.timer.Stop()
			b.dispatch(p.batch)
		}
		b.dispatch(&Batch{Key: key, Messages: []*api.UnifiedMessage{msg}})
		return
	}

	p, ok := b.pending[key]
	if !ok {
		p = &pending{batch: &Batch{Key: key}}
		b.pending[key] = p
	} else {
		p.timer.Stop()
	}
	p.batch.Messages = append(p.batch.Messages, msg)

	if isMedia {
		delete(b.pending, key)
		b.mu.Unlock()
		b.dispatch(p.batch)
		return
	}

	p.timer = time.AfterFunc(b.window, func() {
		b.mu.Lock()
		cur, ok := b.pending[key]
		if ok {
			delete(b.pending, key)
		}
		b.mu.Unlock()
		if ok {
			b.dispatch(cur.batch)
		}
	})
	b.mu.Unlock()
}

// dispatch preempts any generation already running for the batch's key,
// waits for it to fully stop, and then hands the batch to onReady.
func (b *Batcher) dispatch(batch *Batch) {
	if b.tracker != nil && b.tracker.IsActive(batch.Key) {
		b.tracker.Cancel(batch.Key, llm.CancelNewMessage)
		_ = b.tracker.Wait(context.Background(), batch.Key)
	}
	if b.onReady != nil {
		b.onReady(batch)
	}
}

// Flush forces any pending batch for key to close immediately, bypassing
// the remainder of its window. Used on shutdown so in-flight fragments
// aren't silently dropped.
func (b *Batcher) Flush(key string) {
	b.mu.Lock()
	p, ok := b.pending[key]
	if ok {
		delete(b.pending, key)
	}
	b.mu.Unlock()
	if ok {
		p.timer.Stop()
		b.dispatch(p.batch)
	}
}

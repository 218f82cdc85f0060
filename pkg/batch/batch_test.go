package batch

import (
	"sync"
	"testing"
	"time"

	"threadline/pkg/api"
)

func TestSubmitCoalescesWithinWindow(t *testing.T) {
	var mu sync.Mutex
	var got []*Batch
	b := NewBatcher(50*time.Millisecond, nil, func(batch *Batch) {
		mu.Lock()
		got = append(got, batch)
		mu.Unlock()
	})

	b.Submit("t1", &api.UnifiedMessage{Content: "a"}, false, false)
	time.Sleep(10 * time.Millisecond)
	b.Submit("t1", &api.UnifiedMessage{Content: "b"}, false, false)

	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected exactly one flushed batch, got %d", len(got))
	}
	if len(got[0].Messages) != 2 {
		t.Fatalf("expected 2 coalesced messages, got %d", len(got[0].Messages))
	}
}

func TestSubmitMediaClosesImmediately(t *testing.T) {
	var mu sync.Mutex
	var got []*Batch
	b := NewBatcher(time.Hour, nil, func(batch *Batch) {
		mu.Lock()
		got = append(got, batch)
		mu.Unlock()
	})

	b.Submit("t1", &api.UnifiedMessage{Content: "caption"}, false, false)
	b.Submit("t1", &api.UnifiedMessage{}, true, false)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected media to close the batch immediately, got %d flushes", len(got))
	}
	if len(got[0].Messages) != 2 {
		t.Fatalf("expected caption + media coalesced, got %d", len(got[0].Messages))
	}
}

func TestSubmitCommandNeverBatched(t *testing.T) {
	var mu sync.Mutex
	var got []*Batch
	b := NewBatcher(time.Hour, nil, func(batch *Batch) {
		mu.Lock()
		got = append(got, batch)
		mu.Unlock()
	})

	b.Submit("t1", &api.UnifiedMessage{Content: "still typing"}, false, false)
	b.Submit("t1", &api.UnifiedMessage{Content: "/stop"}, false, true)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("expected the pending text batch and the command to flush separately, got %d", len(got))
	}
	if len(got[1].Messages) != 1 || got[1].Messages[0].Content != "/stop" {
		t.Fatalf("expected command to be delivered alone, got %+v", got[1])
	}
}

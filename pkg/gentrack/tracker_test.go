package gentrack

import (
	"context"
	"testing"
	"time"

	"threadline/pkg/llm"
)

func TestStartRefusesSecondConcurrentGeneration(t *testing.T) {
	tr := NewTracker()

	h1, err := tr.Start(context.Background(), "t1")
	if err != nil {
		t.Fatalf("first Start: unexpected error: %v", err)
	}
	defer h1.Cleanup()

	if _, err := tr.Start(context.Background(), "t1"); err == nil {
		t.Fatalf("expected second concurrent Start on the same key to fail")
	}

	if !tr.IsActive("t1") {
		t.Fatalf("expected key to report active while h1 is outstanding")
	}
}

func TestCleanupReleasesSlot(t *testing.T) {
	tr := NewTracker()

	h1, err := tr.Start(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	h1.Cleanup()

	if tr.IsActive("t1") {
		t.Fatalf("expected key to be free after Cleanup")
	}

	h2, err := tr.Start(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Start after Cleanup should succeed, got: %v", err)
	}
	defer h2.Cleanup()
}

func TestCancelSignalsContextAndRecordsFirstReason(t *testing.T) {
	tr := NewTracker()
	h, err := tr.Start(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.Cleanup()

	if ok := tr.Cancel("t1", llm.CancelNewMessage); !ok {
		t.Fatalf("expected Cancel to find the active generation")
	}
	select {
	case <-h.Context().Done():
	default:
		t.Fatalf("expected handle's context to be Done after Cancel")
	}
	if h.Reason() != llm.CancelNewMessage {
		t.Fatalf("expected reason %q, got %q", llm.CancelNewMessage, h.Reason())
	}

	// A second cancel with a different reason must not overwrite the first.
	tr.Cancel("t1", llm.CancelMaxIterations)
	if h.Reason() != llm.CancelNewMessage {
		t.Fatalf("expected first reason to win, got %q", h.Reason())
	}
}

func TestCancelUnknownKeyReturnsFalse(t *testing.T) {
	tr := NewTracker()
	if tr.Cancel("nope", llm.CancelStopCommand) {
		t.Fatalf("expected Cancel on an unknown key to report false")
	}
}

func TestWaitReturnsOnceCleanupRuns(t *testing.T) {
	tr := NewTracker()
	h, err := tr.Start(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- tr.Wait(context.Background(), "t1")
	}()

	time.Sleep(10 * time.Millisecond)
	h.Cancel(llm.CancelStopCommand)
	h.Cleanup()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Wait returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Wait did not return after Cleanup")
	}
}

func TestWaitReturnsImmediatelyWhenNothingActive(t *testing.T) {
	tr := NewTracker()
	if err := tr.Wait(context.Background(), "idle"); err != nil {
		t.Fatalf("Wait on an idle key should return nil immediately, got %v", err)
	}
}

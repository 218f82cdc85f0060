package thread

import (
	"context"
	"testing"

	"threadline/pkg/llm"
)

func TestKeyStringIsDistinctPerTopic(t *testing.T) {
	k1 := Key{ChatID: 1, UserID: 2, TopicID: 0}
	k2 := Key{ChatID: 1, UserID: 2, TopicID: 7}
	if k1.String() == k2.String() {
		t.Fatalf("expected distinct topic ids to produce distinct keys, both got %q", k1.String())
	}
}

func TestGetIsIdempotentForSameKey(t *testing.T) {
	r := NewRegistry("")
	k := Key{ChatID: 1, UserID: 2}

	rec1, err := r.Get(k)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	rec2, err := r.Get(k)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec1 != rec2 {
		t.Fatalf("expected repeated Get on the same key to return the same Record")
	}
}

func TestGetCreatesDistinctRecordsPerKey(t *testing.T) {
	r := NewRegistry("")
	rec1, err := r.Get(Key{ChatID: 1, UserID: 1})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	rec2, err := r.Get(Key{ChatID: 2, UserID: 1})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec1 == rec2 {
		t.Fatalf("expected distinct thread keys to get distinct Records")
	}
}

func TestIsActiveAndCancelDelegateToGenerations(t *testing.T) {
	r := NewRegistry("")
	k := Key{ChatID: 1, UserID: 1}

	if r.IsActive(k) {
		t.Fatalf("expected a fresh registry to report no active generation")
	}
	if r.Cancel(k, llm.CancelStopCommand) {
		t.Fatalf("expected Cancel on an inactive thread to report false")
	}

	h, err := r.Generations.Start(context.Background(), k.String())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.Cleanup()

	if !r.IsActive(k) {
		t.Fatalf("expected registry to report active after starting a generation")
	}
	if !r.Cancel(k, llm.CancelStopCommand) {
		t.Fatalf("expected Cancel to find the active generation")
	}
}

func TestSaveWithoutStorageDirIsNoop(t *testing.T) {
	r := NewRegistry("")
	k := Key{ChatID: 1, UserID: 1}
	if _, err := r.Get(k); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := r.Save(k); err != nil {
		t.Fatalf("Save with no storage dir should be a no-op, got error: %v", err)
	}
}

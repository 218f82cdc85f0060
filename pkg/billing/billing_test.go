package billing

import (
	"testing"

	"threadline/pkg/llm"
)

func TestDebitIsIdempotent(t *testing.T) {
	l := NewInMemoryLedger()
	l.Credit("thread-1", 10)

	rec := Record{ID: "gen-1:tokens", Key: "thread-1", Cost: 2.5}
	bal, err := l.Debit(rec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bal != 7.5 {
		t.Fatalf("expected balance 7.5, got %v", bal)
	}

	// Re-applying the same record (e.g. a retried commit) must not
	// double-charge the thread.
	bal, err = l.Debit(rec)
	if err != nil {
		t.Fatalf("unexpected error on retry: %v", err)
	}
	if bal != 7.5 {
		t.Fatalf("expected balance unchanged at 7.5 after retry, got %v", bal)
	}
}

func TestDebitRequiresID(t *testing.T) {
	l := NewInMemoryLedger()
	if _, err := l.Debit(Record{Key: "thread-1", Cost: 1}); err == nil {
		t.Fatal("expected error for missing idempotency key")
	}
}

func TestTokenCost(t *testing.T) {
	pricing := llm.ProviderGroupConfig{
		PricePerMTokIn:  3.0,
		PricePerMTokOut: 15.0,
	}
	usage := &llm.LLMUsage{PromptTokens: 1_000_000, CompletionTokens: 200_000}
	got := TokenCost(usage, pricing)
	want := 3.0 + 3.0 // 1M in tokens @ $3/M + 200k out tokens @ $15/M = 3.0
	if got != want {
		t.Fatalf("expected cost %v, got %v", want, got)
	}
}

func TestProRateClampsFraction(t *testing.T) {
	if got := ProRate(10, 0.5); got != 5 {
		t.Fatalf("expected 5, got %v", got)
	}
	if got := ProRate(10, 1.5); got != 10 {
		t.Fatalf("expected clamp to full cost, got %v", got)
	}
	if got := ProRate(10, -1); got != 0 {
		t.Fatalf("expected clamp to zero, got %v", got)
	}
}

func TestToolCostAndPaidSet(t *testing.T) {
	if !IsPaid("execute_python") || IsPaid("web_fetch") {
		t.Fatal("paid-tool classification mismatch")
	}
	if got := ToolCost("web_search", 1); got != 0.01 {
		t.Fatalf("expected web_search flat rate, got %v", got)
	}
	if got := ToolCost("execute_python", 10); got != 0.00036 {
		t.Fatalf("expected execute_python metered cost, got %v", got)
	}
	if got := ImageCost(true); got != ImageCostHD {
		t.Fatalf("expected HD tier cost, got %v", got)
	}
}

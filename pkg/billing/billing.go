// Package billing implements Cost & Billing: turning LLM token usage and
// paid tool invocations into debits against a per-thread balance. The
// atomic, idempotent debit routine is grounded on the session-commit-on-exit
// idiom in pkg/agent/engine.go, where a generation's side effects are only
// persisted once as a single unit of work rather than incrementally.
package billing

import (
	"fmt"
	"sync"

	"threadline/pkg/llm"
)

// Record is one line item charged against a thread's balance, for either
// LLM token usage or a paid tool invocation. ID is the idempotency key:
// committing the same ID twice is a no-op the second time.
type Record struct {
	ID        string  // unique per generation+line-item, e.g. "<generationID>:tokens" or "<generationID>:tool:<n>"
	Key       string  // thread key string this charge applies to
	Provider  string  // LLM provider name, empty for tool charges
	ToolName  string  // tool name, empty for token charges
	Units     float64 // tokens or tool-specific units (seconds, requests, minutes)
	Cost      float64 // computed cost in the ledger's currency unit
	ProRated  bool    // true if Cost reflects a partial/cancelled charge
}

// Ledger tracks a balance per thread key and commits Records against it.
type Ledger interface {
	// Balance returns the current balance for a thread key.
	Balance(key string) float64
	// Debit applies rec to the ledger's balance for rec.Key. Applying the
	// same rec.ID twice has no additional effect (testable property 7:
	// a retried or duplicated commit must not double-charge).
	Debit(rec Record) (newBalance float64, err error)
	// Credit tops a thread's balance up, e.g. from an admin top-up.
	Credit(key string, amount float64) (newBalance float64)
}

// InMemoryLedger is a mutex-protected Ledger suitable for a single process.
// It is the concrete Ledger the pipeline driver wires by default; a
// persistent implementation (e.g. backed by the same storage directory
// pkg/thread uses) can satisfy the same interface without touching callers.
type InMemoryLedger struct {
	mu       sync.Mutex
	balances map[string]float64
	applied  map[string]bool // seen Record.IDs, for idempotent Debit
}

// NewInMemoryLedger builds an empty ledger. Threads start at a zero balance;
// callers that require a starting allowance should Credit it in before use.
func NewInMemoryLedger() *InMemoryLedger {
	return &InMemoryLedger{
		balances: make(map[string]float64),
		applied:  make(map[string]bool),
	}
}

func (l *InMemoryLedger) Balance(key string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[key]
}

func (l *InMemoryLedger) Debit(rec Record) (float64, error) {
	if rec.ID == "" {
		return 0, fmt.Errorf("billing: record ID is required for idempotent debit")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.applied[rec.ID] {
		return l.balances[rec.Key], nil
	}
	l.applied[rec.ID] = true
	l.balances[rec.Key] -= rec.Cost
	return l.balances[rec.Key], nil
}

func (l *InMemoryLedger) Credit(key string, amount float64) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[key] += amount
	return l.balances[key]
}

// TokenCost computes the dollar cost of one generation's token usage
// against a provider's per-million-token pricing, as configured on
// llm.ProviderGroupConfig (PricePerMTokIn/Out/CacheRead/CacheWrite).
func TokenCost(usage *llm.LLMUsage, pricing llm.ProviderGroupConfig) float64 {
	if usage == nil {
		return 0
	}
	const perMillion = 1_000_000.0
	cost := float64(usage.PromptTokens) / perMillion * pricing.PricePerMTokIn
	cost += float64(usage.CompletionTokens) / perMillion * pricing.PricePerMTokOut
	cost += float64(usage.CachedTokens) / perMillion * pricing.PricePerMTokCacheRead
	cost += float64(usage.CacheWriteTokens) / perMillion * pricing.PricePerMTokCacheWrite
	return cost
}

// ProRate scales a full charge down to the fraction of work actually
// completed before a cancellation (testable property 8: a cancelled
// generation is billed for the output it actually produced, not the
// output it would have produced had it run to completion). fraction
// must be in [0, 1]; values outside that range are clamped.
func ProRate(fullCost float64, fraction float64) float64 {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	return fullCost * fraction
}

// charsPerToken approximates characters per token, the same rough ratio
// the Prompt Composer uses (see pkg/convo.estimateTokens) for estimating
// token counts without a real tokenizer.
const charsPerToken = 4

// PartialOutputCost estimates the dollar cost of a turn that was cancelled
// before its terminal usage event arrived, per spec §4.H(c): "a partial
// response that was cancelled is debited pro-rata using the character
// counts returned in StreamResult." There is no usage record for the
// interrupted turn itself, so the last completed turn's token economics
// (lastUsage) is used as the reference rate, and the interrupted turn's
// actual Display output (textChars + thinkingChars) is pro-rated against
// the character count that reference turn's completion tokens imply.
// ProRate's clamp to [0, 1] keeps this bounded by the reference turn's
// full cost even if the interrupted turn somehow produced more text.
func PartialOutputCost(textChars, thinkingChars int, lastUsage *llm.LLMUsage, pricing llm.ProviderGroupConfig) float64 {
	if lastUsage == nil || lastUsage.CompletionTokens <= 0 {
		return 0
	}
	expectedChars := lastUsage.CompletionTokens * charsPerToken
	if expectedChars <= 0 {
		return 0
	}
	fullCost := TokenCost(lastUsage, pricing)
	fraction := float64(textChars+thinkingChars) / float64(expectedChars)
	return ProRate(fullCost, fraction)
}

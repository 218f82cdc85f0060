package tools

import (
	"context"
	"testing"

	"threadline/pkg/api"
	"threadline/pkg/billing"
)

func newTestConfig(name string, paid bool, cost float64) *ToolConfig {
	return &ToolConfig{
		Name: name,
		Paid: paid,
		Executor: func(ctx context.Context, args map[string]any) (*api.ToolResult, float64, error) {
			return &api.ToolResult{Content: []api.ContentBlock{{Type: "text", Text: "ok"}}}, cost, nil
		},
	}
}

func TestDispatchBlocksPaidToolBelowThreshold(t *testing.T) {
	reg := NewRegistry()
	reg.Register(NewConfiguredTool(newTestConfig("paid_tool", true, 1.0)))
	ledger := billing.NewInMemoryLedger()
	d := NewDispatcher(reg, ledger, 0.5)

	res, err := d.Dispatch(context.Background(), "thread-1", "call-1", "paid_tool", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if blocked, _ := res.Details["blocked"].(bool); !blocked {
		t.Fatalf("expected blocked result for balance below threshold, got %+v", res)
	}
	if ledger.Balance("thread-1") != 0 {
		t.Fatalf("blocked call must not debit the ledger")
	}
}

func TestDispatchChargesPaidToolOnce(t *testing.T) {
	reg := NewRegistry()
	reg.Register(NewConfiguredTool(newTestConfig("paid_tool", true, 2.0)))
	ledger := billing.NewInMemoryLedger()
	ledger.Credit("thread-1", 10)
	d := NewDispatcher(reg, ledger, 0)

	if _, err := d.Dispatch(context.Background(), "thread-1", "call-1", "paid_tool", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bal := ledger.Balance("thread-1"); bal != 8 {
		t.Fatalf("expected balance 8, got %v", bal)
	}

	// A retried dispatch with the same callID must not double-charge.
	if _, err := d.Dispatch(context.Background(), "thread-1", "call-1", "paid_tool", nil); err != nil {
		t.Fatalf("unexpected error on retry: %v", err)
	}
	if bal := ledger.Balance("thread-1"); bal != 8 {
		t.Fatalf("expected balance unchanged at 8 after retried dispatch, got %v", bal)
	}
}

func TestDispatchFreeToolSkipsBalanceGate(t *testing.T) {
	reg := NewRegistry()
	reg.Register(NewConfiguredTool(newTestConfig("free_tool", false, 0)))
	ledger := billing.NewInMemoryLedger()
	d := NewDispatcher(reg, ledger, 100) // threshold far above any balance

	if _, err := d.Dispatch(context.Background(), "thread-1", "call-1", "free_tool", nil); err != nil {
		t.Fatalf("free tool should not be gated by balance: %v", err)
	}
}

func TestDefaultTableCoversPaidAndFreeSets(t *testing.T) {
	table := NewTable(Dependencies{})
	for name := range billing.PaidTools {
		if _, ok := table[name]; !ok {
			t.Errorf("paid tool %q missing from default table", name)
		} else if !table[name].Paid {
			t.Errorf("tool %q is in billing.PaidTools but not marked Paid in its ToolConfig", name)
		}
	}
	for _, name := range []string{"render_latex", "web_fetch", "deliver_file"} {
		cfg, ok := table[name]
		if !ok {
			t.Errorf("free tool %q missing from default table", name)
			continue
		}
		if cfg.Paid {
			t.Errorf("tool %q should be free", name)
		}
	}
}

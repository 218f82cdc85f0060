package tools

import (
	"context"
	"fmt"

	"threadline/pkg/api"
	"threadline/pkg/billing"
)

// Dispatcher routes a tool_use request to its ConfiguredTool, enforcing
// the PAID-tool balance gate before the executor runs and committing the
// resulting charge afterward. It is the single path the Streaming
// Orchestrator calls through so billing can never be bypassed by a
// direct Registry.Get + Execute call.
type Dispatcher struct {
	registry     *Registry
	ledger       billing.Ledger
	minBalance   float64 // BALANCE_BLOCK_THRESHOLD: paid tools refuse below this balance
}

// NewDispatcher builds a Dispatcher backed by the given registry and
// billing ledger. minBalance is the configured BALANCE_BLOCK_THRESHOLD.
func NewDispatcher(registry *Registry, ledger billing.Ledger, minBalance float64) *Dispatcher {
	return &Dispatcher{registry: registry, ledger: ledger, minBalance: minBalance}
}

// Dispatch executes toolName with args on behalf of threadKey. callID must
// be unique per tool_use block within a generation (e.g. the tool_use
// block's ID) so a retried dispatch cannot double-charge the ledger.
func (d *Dispatcher) Dispatch(ctx context.Context, threadKey, callID, toolName string, args map[string]any) (*api.ToolResult, error) {
	tool, ok := d.registry.Get(toolName)
	if !ok {
		return nil, fmt.Errorf("tools: unknown tool %q", toolName)
	}

	ct, ok := tool.(*ConfiguredTool)
	if !ok {
		// Not a table-driven tool (e.g. a bare api.Tool registered directly,
		// such as os_control); there's no billing metadata to gate on.
		return tool.Execute(ctx, args)
	}
	cfg := ct.Config()

	if cfg.Paid {
		balance := d.ledger.Balance(threadKey)
		if balance < d.minBalance {
			return &api.ToolResult{
				Error: "insufficient_balance",
				Content: []api.ContentBlock{{
					Type: "text",
					Text: fmt.Sprintf("%s is unavailable: balance %.4f is below the minimum required to use paid tools", toolName, balance),
				}},
				Details: map[string]any{"blocked": true, "balance": balance},
			}, nil
		}
	}

	result, cost, err := cfg.Executor(ctx, args)
	if err != nil {
		return nil, err
	}

	if cfg.Paid && cost > 0 {
		if _, dErr := d.ledger.Debit(billing.Record{
			ID:       callID,
			Key:      threadKey,
			ToolName: toolName,
			Cost:     cost,
		}); dErr != nil {
			return nil, fmt.Errorf("tools: failed to commit charge for %s: %w", toolName, dErr)
		}
	}

	if result != nil && result.File != nil {
		if result.File.Hint == "" {
			result.File.Hint = cfg.FileDeliveryHint
		}
		if result.File.SourceTool == "" {
			result.File.SourceTool = toolName
		}
	}

	return result, nil
}

// DebitToken commits a token-usage charge for one StreamChat turn. callID
// must be unique per turn (the orchestrator derives it from the thread
// key and iteration number) so a retried commit cannot double-charge.
func (d *Dispatcher) DebitToken(threadKey, callID string, cost float64) (float64, error) {
	if cost <= 0 {
		return d.ledger.Balance(threadKey), nil
	}
	return d.ledger.Debit(billing.Record{ID: callID, Key: threadKey, Cost: cost})
}

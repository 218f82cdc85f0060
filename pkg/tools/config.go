package tools

import (
	"context"

	"threadline/pkg/api"
	"threadline/pkg/llm"
)

// ToolConfig is one entry in the Tool Registry's table: the tool's JSON
// Schema definition, its executor, and the billing/delivery metadata the
// dispatcher needs to decide whether it may run and how its output should
// reach the user. This directly generalizes os_tool.go's ActionSpec from
// a single OS-control tool's internal action table into the system-wide
// table of independent tools.
type ToolConfig struct {
	Name                string                                                  // Tool name as exposed to the LLM
	Description         string                                                  // Tool description as exposed to the LLM
	ParamSchema         map[string]any                                          // JSON Schema "properties" for the tool's arguments
	RequiredParams      []string                                                // JSON Schema "required" list
	Paid                bool                                                    // Whether a balance check gates this tool before it runs
	CostEstimator       func(args map[string]any) float64                      // Upper-bound cost estimate used for the pre-execution balance gate
	Executor            func(ctx context.Context, args map[string]any) (*api.ToolResult, float64, error) // Runs the tool; returns the actual metered cost alongside the result
	FileDeliveryHint    llm.FileDeliveryHint                                   // When a file produced by this tool should be delivered to the user
	IsCommutative       bool                                                   // Whether this tool may run concurrently with sibling tool_use calls in the same turn rather than strictly sequentially (spec §4.E step 5)
	AllowedMimePrefixes []string                                               // Restricts file-bearing args/results to these MIME prefixes (empty = unrestricted)
	FileIDParam         string                                                 // Name of the argument that carries a previously-ingested file's ID, if any
}

// ConfiguredTool adapts a ToolConfig to the api.Tool interface so it can
// be registered in a Registry and handed to an LLMClient like any other
// tool definition.
type ConfiguredTool struct {
	cfg *ToolConfig
}

// NewConfiguredTool wraps cfg as an api.Tool.
func NewConfiguredTool(cfg *ToolConfig) *ConfiguredTool {
	return &ConfiguredTool{cfg: cfg}
}

func (t *ConfiguredTool) Name() string                  { return t.cfg.Name }
func (t *ConfiguredTool) Description() string           { return t.cfg.Description }
func (t *ConfiguredTool) Parameters() map[string]any    { return t.cfg.ParamSchema }
func (t *ConfiguredTool) RequiredParameters() []string  { return t.cfg.RequiredParams }

// Execute runs the tool's executor directly, discarding the metered cost.
// The Dispatcher (see dispatcher.go) is the path that actually enforces
// the balance gate and commits the charge; this method exists only so
// ConfiguredTool satisfies api.Tool for callers that don't need billing
// (e.g. a free tool invoked outside the orchestrator, or tests).
func (t *ConfiguredTool) Execute(ctx context.Context, args map[string]any) (*api.ToolResult, error) {
	res, _, err := t.cfg.Executor(ctx, args)
	return res, err
}

// Config returns the underlying ToolConfig, for callers (the Dispatcher)
// that need the billing metadata alongside the api.Tool behavior.
func (t *ConfiguredTool) Config() *ToolConfig {
	return t.cfg
}

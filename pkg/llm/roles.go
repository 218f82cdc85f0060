package llm

// Message.Role values shared by every provider client and by the
// Streaming Orchestrator's tool_use/tool_result pairing. RoleModel is
// Gemini-specific: the genai wire format names the assistant turn
// "model" rather than "assistant", so gemini.Client's message mapping is
// the one place that emits it.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
	RoleModel     = "model" // Gemini-specific
)
